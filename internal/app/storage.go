package app

import (
	"context"
	"fmt"
	"strconv"

	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/credentials/postgres"
	"tokenkeeper/internal/credentials/redis"
	"tokenkeeper/internal/credentials/sqlite"
)

func (app *App) initializeStore() error {
	switch app.Config.StoreType {
	case "memory":
		app.Logger.Info("Store: in-memory")
		app.Store = credentials.NewMemoryStore()
		return nil

	case "postgres", "postgresql":
		app.Logger.Info("Store: PostgreSQL",
			logging.Field{Key: "host", Value: app.Config.PostgresHost},
			logging.Field{Key: "port", Value: app.Config.PostgresPort},
			logging.Field{Key: "database", Value: app.Config.PostgresDB})

		store, err := postgres.NewStore(context.Background(), &postgres.Config{
			Host:     app.Config.PostgresHost,
			Port:     app.Config.PostgresPort,
			Database: app.Config.PostgresDB,
			User:     app.Config.PostgresUser,
			Password: app.Config.PostgresPassword,
			SSLMode:  app.Config.PostgresSSLMode,
		}, app.Encryptor)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres store: %w", err)
		}
		app.Store = store
		return nil

	case "redis":
		app.Logger.Info("Store: Redis",
			logging.Field{Key: "address", Value: app.Config.RedisAddress},
			logging.Field{Key: "db", Value: app.Config.RedisDB})

		db, _ := strconv.Atoi(app.Config.RedisDB)
		poolSize, _ := strconv.Atoi(app.Config.RedisPoolSize)
		store, err := redis.NewStore(&redis.Config{
			Address:  app.Config.RedisAddress,
			Password: app.Config.RedisPassword,
			DB:       db,
			PoolSize: poolSize,
		}, app.Encryptor)
		if err != nil {
			return fmt.Errorf("failed to initialize redis store: %w", err)
		}
		app.Store = store
		return nil

	default:
		app.Logger.Info("Store: SQLite", logging.Field{Key: "path", Value: app.Config.DatabasePath})

		store, err := sqlite.NewStore(app.Config.DatabasePath, app.Encryptor)
		if err != nil {
			return fmt.Errorf("failed to initialize sqlite store: %w", err)
		}
		app.Store = store
		return nil
	}
}
