// Package postgres implements the credential store on PostgreSQL using pgx.
// The compare-and-swap contract is enforced by a conditional UPDATE on the
// version column, which remains correct across multiple processes sharing the
// database.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/crypto"
)

// Store is a PostgreSQL-backed credential store
type Store struct {
	pool      *pgxpool.Pool
	encryptor *crypto.TokenEncryptor
}

// NewStore connects to PostgreSQL, runs migrations, and returns a ready store.
// The encryptor is applied to access and refresh tokens before they are
// written; pass nil only in tests.
func NewStore(ctx context.Context, config *Config, encryptor *crypto.TokenEncryptor) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PostgreSQL config: %w", err)
	}

	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, encryptor: encryptor}

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			tenant_id VARCHAR(255) PRIMARY KEY,
			merchant_id VARCHAR(255) NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			scopes JSONB NOT NULL DEFAULT '[]',
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			last_used_at TIMESTAMPTZ DEFAULT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_expiry
			ON credentials (expires_at) WHERE status = 'active'`,
		`CREATE TABLE IF NOT EXISTS locations (
			tenant_id VARCHAR(255) NOT NULL REFERENCES credentials (tenant_id) ON DELETE CASCADE,
			location_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_default BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (tenant_id, location_id)
		)`,
	}

	for _, q := range queries {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

const credentialColumns = `tenant_id, merchant_id, access_token, refresh_token, expires_at,
	scopes, status, last_used_at, last_error, version, created_at, updated_at`

func (s *Store) Get(ctx context.Context, tenantID string) (*credentials.Credential, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE tenant_id = $1`, tenantID)

	cred, err := s.scanCredential(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
	}
	if err != nil {
		return nil, errors.InternalError("failed to read credential", err)
	}
	return cred, nil
}

func (s *Store) Create(ctx context.Context, cred *credentials.Credential) error {
	if cred.TenantID == "" {
		return errors.ValidationError("tenant_id is required")
	}

	accessToken, refreshToken, err := s.sealTokens(cred.AccessToken, cred.RefreshToken)
	if err != nil {
		return err
	}

	scopes, err := json.Marshal(cred.Scopes)
	if err != nil {
		return errors.InternalError("failed to encode scopes", err)
	}

	status := cred.Status
	if status == "" {
		status = credentials.StatusActive
	}

	now := time.Now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO credentials (tenant_id, merchant_id, access_token, refresh_token,
			expires_at, scopes, status, last_error, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)`,
		cred.TenantID, cred.MerchantID, accessToken, refreshToken,
		cred.ExpiresAt, scopes, string(status), cred.LastError, now)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.ValidationError("credential already exists").WithContext("tenant_id", cred.TenantID)
		}
		return errors.InternalError("failed to create credential", err)
	}

	cred.Version = 1
	cred.Status = status
	cred.CreatedAt = now
	cred.UpdatedAt = now
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, mutate credentials.Mutation) (*credentials.Credential, error) {
	current, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, errors.VersionConflictError(tenantID)
	}

	updated := mutate(*current.Clone())
	updated.TenantID = tenantID
	updated.CreatedAt = current.CreatedAt

	accessToken, refreshToken, err := s.sealTokens(updated.AccessToken, updated.RefreshToken)
	if err != nil {
		return nil, err
	}
	scopes, err := json.Marshal(updated.Scopes)
	if err != nil {
		return nil, errors.InternalError("failed to encode scopes", err)
	}

	now := time.Now()
	// The version predicate is the cross-process authority: a concurrent
	// winner leaves zero rows to update here
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET merchant_id = $1, access_token = $2, refresh_token = $3, expires_at = $4,
		     scopes = $5, status = $6, last_error = $7, version = version + 1, updated_at = $8
		 WHERE tenant_id = $9 AND version = $10`,
		updated.MerchantID, accessToken, refreshToken, updated.ExpiresAt,
		scopes, string(updated.Status), updated.LastError, now, tenantID, expectedVersion)
	if err != nil {
		return nil, errors.InternalError("failed to update credential", err)
	}

	if tag.RowsAffected() == 0 {
		return nil, errors.VersionConflictError(tenantID)
	}

	updated.Version = expectedVersion + 1
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *Store) ListExpiringBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id FROM credentials WHERE status = 'active' AND expires_at < $1`, threshold)
	if err != nil {
		return nil, errors.InternalError("failed to list expiring credentials", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.InternalError("failed to scan tenant id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) MarkRevoked(ctx context.Context, tenantID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials
		 SET status = 'revoked', version = version + 1, updated_at = $1
		 WHERE tenant_id = $2 AND status != 'revoked'`,
		time.Now(), tenantID)
	if err != nil {
		return errors.InternalError("failed to revoke credential", err)
	}

	if tag.RowsAffected() == 0 {
		// Already revoked is fine; missing is not
		if _, err := s.Get(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error {
	// Diagnostic write, deliberately outside the version counter
	_, err := s.pool.Exec(ctx,
		`UPDATE credentials SET last_used_at = $1 WHERE tenant_id = $2`, at, tenantID)
	if err != nil {
		return errors.InternalError("failed to touch last_used_at", err)
	}
	return nil
}

func (s *Store) ReplaceLocations(ctx context.Context, tenantID string, locations []credentials.Location) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.InternalError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM locations WHERE tenant_id = $1`, tenantID); err != nil {
		return errors.InternalError("failed to clear locations", err)
	}

	for _, loc := range locations {
		if _, err := tx.Exec(ctx,
			`INSERT INTO locations (tenant_id, location_id, name, is_default) VALUES ($1, $2, $3, $4)`,
			tenantID, loc.LocationID, loc.Name, loc.IsDefault); err != nil {
			return errors.InternalError("failed to insert location", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.InternalError("failed to commit locations", err)
	}
	return nil
}

func (s *Store) ListLocations(ctx context.Context, tenantID string) ([]credentials.Location, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, location_id, name, is_default FROM locations WHERE tenant_id = $1 ORDER BY location_id`,
		tenantID)
	if err != nil {
		return nil, errors.InternalError("failed to list locations", err)
	}
	defer rows.Close()

	var out []credentials.Location
	for rows.Next() {
		var loc credentials.Location
		if err := rows.Scan(&loc.TenantID, &loc.LocationID, &loc.Name, &loc.IsDefault); err != nil {
			return nil, errors.InternalError("failed to scan location", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanCredential(row rowScanner) (*credentials.Credential, error) {
	var cred credentials.Credential
	var scopes []byte
	var lastUsedAt *time.Time
	var status string

	err := row.Scan(&cred.TenantID, &cred.MerchantID, &cred.AccessToken, &cred.RefreshToken,
		&cred.ExpiresAt, &scopes, &status, &lastUsedAt, &cred.LastError,
		&cred.Version, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}

	cred.Status = credentials.Status(status)
	cred.LastUsedAt = lastUsedAt

	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &cred.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode scopes: %w", err)
		}
	}

	if cred.AccessToken, err = s.openToken(cred.AccessToken); err != nil {
		return nil, err
	}
	if cred.RefreshToken, err = s.openToken(cred.RefreshToken); err != nil {
		return nil, err
	}

	return &cred, nil
}

func (s *Store) sealTokens(accessToken, refreshToken string) (string, string, error) {
	if s.encryptor == nil {
		return accessToken, refreshToken, nil
	}

	sealed, err := s.encryptor.Encrypt(accessToken)
	if err != nil {
		return "", "", errors.InternalError("failed to encrypt access token", err)
	}
	sealedRefresh, err := s.encryptor.Encrypt(refreshToken)
	if err != nil {
		return "", "", errors.InternalError("failed to encrypt refresh token", err)
	}
	return sealed, sealedRefresh, nil
}

func (s *Store) openToken(sealed string) (string, error) {
	if s.encryptor == nil {
		return sealed, nil
	}
	plain, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return "", errors.InternalError("failed to decrypt token", err)
	}
	return plain, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	// 23505 is unique_violation
	return stderrors.As(err, &pgErr) && pgErr.Code == "23505"
}
