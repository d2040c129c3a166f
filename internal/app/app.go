// Package app wires the service together: store, provider client, refresh
// manager, call gateway, sweeper and the operations API. All dependencies
// are constructed here and passed down explicitly.
package app

import (
	"tokenkeeper/internal/auth"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/config"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/crypto"
	"tokenkeeper/internal/gateway"
	"tokenkeeper/internal/provider"
	"tokenkeeper/internal/sweep"
	"tokenkeeper/internal/tokens"
)

// App holds all the application dependencies
type App struct {
	Config    *config.Config
	Store     credentials.Store
	Provider  *provider.Client
	Tokens    *tokens.Manager
	Gateway   *gateway.Gateway
	Sweeper   *sweep.Sweeper
	Auth      *auth.Auth
	Encryptor *crypto.TokenEncryptor
	Logger    logging.Logger
}

// New creates an application instance with all dependencies wired
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.Field{Key: "component", Value: "app"}),
	}

	if err := app.initializeEncryption(); err != nil {
		return nil, err
	}

	if err := app.initializeStore(); err != nil {
		return nil, err
	}

	if err := app.initializeProvider(); err != nil {
		return nil, err
	}

	app.initializeTokens()

	if err := app.initializeGateway(); err != nil {
		return nil, err
	}

	if err := app.initializeSweeper(); err != nil {
		return nil, err
	}

	app.Auth = auth.New(cfg.JWTSecret)

	return app, nil
}

func (app *App) initializeEncryption() error {
	if app.Config.TokenEncryptionKey == "" {
		app.Logger.Warn("TOKEN_ENCRYPTION_KEY not set, storing tokens unencrypted")
		return nil
	}

	encryptor, err := crypto.NewTokenEncryptor(app.Config.TokenEncryptionKey)
	if err != nil {
		return err
	}
	app.Encryptor = encryptor
	return nil
}

func (app *App) initializeProvider() error {
	client, err := provider.NewClient(&provider.Config{
		ClientID:     app.Config.ProviderClientID,
		ClientSecret: app.Config.ProviderClientSecret,
		TokenURL:     app.Config.ProviderTokenURL,
		RevokeURL:    app.Config.ProviderRevokeURL,
	}, app.Logger)
	if err != nil {
		return err
	}
	app.Provider = client
	return nil
}

func (app *App) initializeTokens() {
	app.Tokens = tokens.NewManager(app.Store, app.Provider, tokens.Options{
		RefreshMargin: app.Config.RefreshMarginDuration(),
		TokenTTL:      app.Config.TokenTTLDuration(),
	}, app.Logger)
}

func (app *App) initializeGateway() error {
	gw, err := gateway.NewGateway(&gateway.Config{
		BaseURL: app.Config.PlatformAPIURL,
	}, app.Tokens, app.Logger)
	if err != nil {
		return err
	}
	app.Gateway = gw
	return nil
}

func (app *App) initializeSweeper() error {
	sweeper, err := sweep.NewSweeper(&sweep.Config{
		Schedule:      app.Config.SweepSchedule,
		Margin:        app.Config.RefreshMarginDuration(),
		Concurrency:   app.Config.SweepConcurrencyInt(),
		RatePerSecond: app.Config.SweepRateFloat(),
	}, app.Tokens, app.Store, app.Logger)
	if err != nil {
		return err
	}
	app.Sweeper = sweeper
	return nil
}

// Cleanup releases all resources
func (app *App) Cleanup() {
	if app.Sweeper != nil {
		app.Sweeper.Stop()
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Warn("Error closing store", logging.Field{Key: "error", Value: err.Error()})
		}
	}
}
