// Package sqlite implements the credential store on SQLite for single-node
// deployments and tests. The compare-and-swap contract uses the same
// versioned conditional UPDATE as the PostgreSQL store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/crypto"
)

// Store is a SQLite-backed credential store
type Store struct {
	db        *sql.DB
	encryptor *crypto.TokenEncryptor
}

// NewStore opens (or creates) the SQLite database at path and runs migrations.
// Use ":memory:" for an ephemeral store in tests.
func NewStore(path string, encryptor *crypto.TokenEncryptor) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent CAS attempts
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, encryptor: encryptor}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			tenant_id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMP NOT NULL,
			scopes TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			last_used_at TIMESTAMP DEFAULT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_expiry ON credentials (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS locations (
			tenant_id TEXT NOT NULL,
			location_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_default BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, location_id)
		)`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

const credentialColumns = `tenant_id, merchant_id, access_token, refresh_token, expires_at,
	scopes, status, last_used_at, last_error, version, created_at, updated_at`

func (s *Store) Get(ctx context.Context, tenantID string) (*credentials.Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE tenant_id = ?`, tenantID)

	cred, err := s.scanCredential(row)
	if stderrors.Is(err, sql.ErrNoRows) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO credentials (tenant_id, merchant_id, access_token, refresh_token,
			expires_at, scopes, status, last_error, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		cred.TenantID, cred.MerchantID, accessToken, refreshToken,
		cred.ExpiresAt, string(scopes), string(status), cred.LastError, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials
		 SET merchant_id = ?, access_token = ?, refresh_token = ?, expires_at = ?,
		     scopes = ?, status = ?, last_error = ?, version = version + 1, updated_at = ?
		 WHERE tenant_id = ? AND version = ?`,
		updated.MerchantID, accessToken, refreshToken, updated.ExpiresAt,
		string(scopes), string(updated.Status), updated.LastError, now, tenantID, expectedVersion)
	if err != nil {
		return nil, errors.InternalError("failed to update credential", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.InternalError("failed to check update result", err)
	}
	if affected == 0 {
		return nil, errors.VersionConflictError(tenantID)
	}

	updated.Version = expectedVersion + 1
	updated.UpdatedAt = now
	return &updated, nil
}

func (s *Store) ListExpiringBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM credentials WHERE status = 'active' AND expires_at < ?`, threshold)
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials
		 SET status = 'revoked', version = version + 1, updated_at = ?
		 WHERE tenant_id = ? AND status != 'revoked'`,
		time.Now(), tenantID)
	if err != nil {
		return errors.InternalError("failed to revoke credential", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.InternalError("failed to check revoke result", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, tenantID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE tenant_id = ?`, at, tenantID)
	if err != nil {
		return errors.InternalError("failed to touch last_used_at", err)
	}
	return nil
}

func (s *Store) ReplaceLocations(ctx context.Context, tenantID string, locations []credentials.Location) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.InternalError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locations WHERE tenant_id = ?`, tenantID); err != nil {
		return errors.InternalError("failed to clear locations", err)
	}

	for _, loc := range locations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO locations (tenant_id, location_id, name, is_default) VALUES (?, ?, ?, ?)`,
			tenantID, loc.LocationID, loc.Name, loc.IsDefault); err != nil {
			return errors.InternalError("failed to insert location", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.InternalError("failed to commit locations", err)
	}
	return nil
}

func (s *Store) ListLocations(ctx context.Context, tenantID string) ([]credentials.Location, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, location_id, name, is_default FROM locations WHERE tenant_id = ? ORDER BY location_id`,
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
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scanCredential(row *sql.Row) (*credentials.Credential, error) {
	var cred credentials.Credential
	var scopes string
	var lastUsedAt sql.NullTime
	var status string

	err := row.Scan(&cred.TenantID, &cred.MerchantID, &cred.AccessToken, &cred.RefreshToken,
		&cred.ExpiresAt, &scopes, &status, &lastUsedAt, &cred.LastError,
		&cred.Version, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}

	cred.Status = credentials.Status(status)
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		cred.LastUsedAt = &t
	}

	if scopes != "" {
		if err := json.Unmarshal([]byte(scopes), &cred.Scopes); err != nil {
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
