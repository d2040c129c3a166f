// Package redis implements the credential store on Redis for distributed
// deployments. Records are stored as JSON values and the compare-and-swap
// contract is enforced with WATCH/MULTI transactions; an expiry sorted set
// scored by expires_at backs ListExpiringBefore.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/crypto"
)

const (
	credentialKeyPrefix = "tokenkeeper:credential:"
	locationsKeyPrefix  = "tokenkeeper:locations:"
	expiryIndexKey      = "tokenkeeper:credential_expiry"
)

// Config holds Redis connection settings
type Config struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// Store is a Redis-backed credential store
type Store struct {
	client    *goredis.Client
	encryptor *crypto.TokenEncryptor
}

// NewStore connects to Redis and returns a ready store
func NewStore(config *Config, encryptor *crypto.TokenEncryptor) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, encryptor: encryptor}, nil
}

// NewStoreWithClient wraps an existing Redis client; used by tests
func NewStoreWithClient(client *goredis.Client, encryptor *crypto.TokenEncryptor) *Store {
	return &Store{client: client, encryptor: encryptor}
}

func (s *Store) Get(ctx context.Context, tenantID string) (*credentials.Credential, error) {
	data, err := s.client.Get(ctx, credentialKeyPrefix+tenantID).Result()
	if stderrors.Is(err, goredis.Nil) {
		return nil, errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
	}
	if err != nil {
		return nil, errors.ConnectionError("failed to read credential", err)
	}

	return s.decode(data)
}

func (s *Store) Create(ctx context.Context, cred *credentials.Credential) error {
	if cred.TenantID == "" {
		return errors.ValidationError("tenant_id is required")
	}

	now := time.Now()
	stored := cred.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = credentials.StatusActive
	}

	data, err := s.encode(stored)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, credentialKeyPrefix+cred.TenantID, data, 0).Result()
	if err != nil {
		return errors.ConnectionError("failed to create credential", err)
	}
	if !ok {
		return errors.ValidationError("credential already exists").WithContext("tenant_id", cred.TenantID)
	}

	if stored.Status == credentials.StatusActive {
		if err := s.client.ZAdd(ctx, expiryIndexKey, &goredis.Z{
			Score:  float64(stored.ExpiresAt.Unix()),
			Member: cred.TenantID,
		}).Err(); err != nil {
			return errors.ConnectionError("failed to index credential expiry", err)
		}
	}

	*cred = *stored
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, mutate credentials.Mutation) (*credentials.Credential, error) {
	key := credentialKeyPrefix + tenantID
	var committed *credentials.Credential

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if stderrors.Is(err, goredis.Nil) {
			return errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
		}
		if err != nil {
			return errors.ConnectionError("failed to read credential", err)
		}

		current, err := s.decode(data)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return errors.VersionConflictError(tenantID)
		}

		updated := mutate(*current.Clone())
		updated.TenantID = tenantID
		updated.Version = expectedVersion + 1
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = time.Now()

		encoded, err := s.encode(&updated)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if updated.Status == credentials.StatusActive {
				pipe.ZAdd(ctx, expiryIndexKey, &goredis.Z{
					Score:  float64(updated.ExpiresAt.Unix()),
					Member: tenantID,
				})
			} else {
				pipe.ZRem(ctx, expiryIndexKey, tenantID)
			}
			return nil
		})
		if err != nil {
			return err
		}

		committed = &updated
		return nil
	}

	err := s.client.Watch(ctx, txn, key)
	if stderrors.Is(err, goredis.TxFailedErr) {
		// WATCH saw a concurrent write between our read and commit
		return nil, errors.VersionConflictError(tenantID)
	}
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (s *Store) ListExpiringBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, expiryIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", threshold.Unix()),
	}).Result()
	if err != nil {
		return nil, errors.ConnectionError("failed to query expiry index", err)
	}
	return ids, nil
}

func (s *Store) MarkRevoked(ctx context.Context, tenantID string) error {
	key := credentialKeyPrefix + tenantID

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if stderrors.Is(err, goredis.Nil) {
			return errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
		}
		if err != nil {
			return errors.ConnectionError("failed to read credential", err)
		}

		current, err := s.decode(data)
		if err != nil {
			return err
		}
		if current.Status == credentials.StatusRevoked {
			return nil
		}

		current.Status = credentials.StatusRevoked
		current.Version++
		current.UpdatedAt = time.Now()

		encoded, err := s.encode(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.ZRem(ctx, expiryIndexKey, tenantID)
			return nil
		})
		return err
	}

	// Revocation must land; retry the optimistic transaction until it does
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, key)
		if !stderrors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return errors.ConnectionError("failed to revoke credential after retries", nil)
}

func (s *Store) TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error {
	key := credentialKeyPrefix + tenantID

	txn := func(tx *goredis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if stderrors.Is(err, goredis.Nil) {
			return errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
		}
		if err != nil {
			return errors.ConnectionError("failed to read credential", err)
		}

		current, err := s.decode(data)
		if err != nil {
			return err
		}
		current.LastUsedAt = &at

		encoded, err := s.encode(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if stderrors.Is(err, goredis.TxFailedErr) {
		// Best-effort diagnostic; losing to a concurrent CAS is fine
		return nil
	}
	return err
}

func (s *Store) ReplaceLocations(ctx context.Context, tenantID string, locations []credentials.Location) error {
	for i := range locations {
		locations[i].TenantID = tenantID
	}

	data, err := json.Marshal(locations)
	if err != nil {
		return errors.InternalError("failed to encode locations", err)
	}

	if err := s.client.Set(ctx, locationsKeyPrefix+tenantID, data, 0).Err(); err != nil {
		return errors.ConnectionError("failed to store locations", err)
	}
	return nil
}

func (s *Store) ListLocations(ctx context.Context, tenantID string) ([]credentials.Location, error) {
	data, err := s.client.Get(ctx, locationsKeyPrefix+tenantID).Result()
	if stderrors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.ConnectionError("failed to read locations", err)
	}

	var out []credentials.Location
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, errors.InternalError("failed to decode locations", err)
	}
	return out, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// storedCredential is the JSON wire form; token fields are encrypted when an
// encryptor is configured
type storedCredential struct {
	TenantID     string     `json:"tenant_id"`
	MerchantID   string     `json:"merchant_id"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Scopes       []string   `json:"scopes,omitempty"`
	Status       string     `json:"status"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (s *Store) encode(cred *credentials.Credential) (string, error) {
	stored := storedCredential{
		TenantID:     cred.TenantID,
		MerchantID:   cred.MerchantID,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
		Scopes:       cred.Scopes,
		Status:       string(cred.Status),
		LastUsedAt:   cred.LastUsedAt,
		LastError:    cred.LastError,
		Version:      cred.Version,
		CreatedAt:    cred.CreatedAt,
		UpdatedAt:    cred.UpdatedAt,
	}

	if s.encryptor != nil {
		var err error
		if stored.AccessToken, err = s.encryptor.Encrypt(stored.AccessToken); err != nil {
			return "", errors.InternalError("failed to encrypt access token", err)
		}
		if stored.RefreshToken, err = s.encryptor.Encrypt(stored.RefreshToken); err != nil {
			return "", errors.InternalError("failed to encrypt refresh token", err)
		}
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return "", errors.InternalError("failed to serialize credential", err)
	}
	return string(data), nil
}

func (s *Store) decode(data string) (*credentials.Credential, error) {
	var stored storedCredential
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, errors.InternalError("failed to deserialize credential", err)
	}

	if s.encryptor != nil {
		var err error
		if stored.AccessToken, err = s.encryptor.Decrypt(stored.AccessToken); err != nil {
			return nil, errors.InternalError("failed to decrypt access token", err)
		}
		if stored.RefreshToken, err = s.encryptor.Decrypt(stored.RefreshToken); err != nil {
			return nil, errors.InternalError("failed to decrypt refresh token", err)
		}
	}

	return &credentials.Credential{
		TenantID:     stored.TenantID,
		MerchantID:   stored.MerchantID,
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    stored.ExpiresAt,
		Scopes:       stored.Scopes,
		Status:       credentials.Status(stored.Status),
		LastUsedAt:   stored.LastUsedAt,
		LastError:    stored.LastError,
		Version:      stored.Version,
		CreatedAt:    stored.CreatedAt,
		UpdatedAt:    stored.UpdatedAt,
	}, nil
}
