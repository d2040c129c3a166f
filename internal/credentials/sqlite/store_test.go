package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/crypto"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testCredential(tenantID string, expiresIn time.Duration) *credentials.Credential {
	return &credentials.Credential{
		TenantID:     tenantID,
		MerchantID:   "merchant-" + tenantID,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(expiresIn).UTC(),
		Scopes:       []string{"PAYMENTS_READ", "ORDERS_WRITE"},
		Status:       credentials.StatusActive,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cred := testCredential("t1", time.Hour)
	require.NoError(t, store.Create(ctx, cred))
	assert.Equal(t, int64(1), cred.Version)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.Equal(t, []string{"PAYMENTS_READ", "ORDERS_WRITE"}, got.Scopes)
	assert.Equal(t, credentials.StatusActive, got.Status)
}

func TestStore_CreateDuplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testCredential("t1", time.Hour)))

	err := store.Create(ctx, testCredential("t1", time.Hour))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeValidation))
}

func TestStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "nobody")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestStore_CompareAndSwap(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testCredential("t1", time.Hour)))

	updated, err := store.CompareAndSwap(ctx, "t1", 1, func(c credentials.Credential) credentials.Credential {
		c.AccessToken = "access-2"
		c.RefreshToken = "refresh-2"
		return c
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "access-2", updated.AccessToken)

	// Stale version must conflict and leave the record untouched
	_, err = store.CompareAndSwap(ctx, "t1", 1, func(c credentials.Credential) credentials.Credential {
		c.AccessToken = "access-3"
		return c
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeVersionConflict))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Equal(t, int64(2), got.Version)
}

func TestStore_ListExpiringBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testCredential("due", time.Hour)))
	require.NoError(t, store.Create(ctx, testCredential("later", 30*24*time.Hour)))

	dead := testCredential("dead", time.Minute)
	dead.Status = credentials.StatusExpired
	require.NoError(t, store.Create(ctx, dead))

	require.NoError(t, store.Create(ctx, testCredential("gone", time.Minute)))
	require.NoError(t, store.MarkRevoked(ctx, "gone"))

	ids, err := store.ListExpiringBefore(ctx, time.Now().Add(5*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, ids)
}

func TestStore_MarkRevoked(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testCredential("t1", time.Hour)))
	require.NoError(t, store.MarkRevoked(ctx, "t1"))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, credentials.StatusRevoked, got.Status)
	assert.Equal(t, int64(2), got.Version)

	// Idempotent for already revoked tenants
	require.NoError(t, store.MarkRevoked(ctx, "t1"))

	err = store.MarkRevoked(ctx, "nobody")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestStore_TouchLastUsedKeepsVersion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testCredential("t1", time.Hour)))

	require.NoError(t, store.TouchLastUsed(ctx, "t1", time.Now().UTC()))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.NotNil(t, got.LastUsedAt)
}

func TestStore_Locations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	locations := []credentials.Location{
		{TenantID: "t1", LocationID: "L1", Name: "Main", IsDefault: true},
		{TenantID: "t1", LocationID: "L2", Name: "Warehouse"},
	}
	require.NoError(t, store.ReplaceLocations(ctx, "t1", locations))

	got, err := store.ListLocations(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "L1", got[0].LocationID)
	assert.True(t, got[0].IsDefault)

	require.NoError(t, store.ReplaceLocations(ctx, "t1", []credentials.Location{
		{TenantID: "t1", LocationID: "L3"},
	}))
	got, err = store.ListLocations(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "L3", got[0].LocationID)
}

func TestStore_EncryptsTokensAtRest(t *testing.T) {
	encryptor, err := crypto.NewTokenEncryptor("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	store, err := NewStore(":memory:", encryptor)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, testCredential("t1", time.Hour)))

	// The raw row must not contain plaintext token material
	var rawAccess string
	err = store.db.QueryRowContext(ctx,
		`SELECT access_token FROM credentials WHERE tenant_id = ?`, "t1").Scan(&rawAccess)
	require.NoError(t, err)
	assert.NotEqual(t, "access", rawAccess)
	assert.NotEmpty(t, rawAccess)

	// And the store must transparently decrypt on read
	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
}
