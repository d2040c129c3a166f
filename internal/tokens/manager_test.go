package tokens

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/provider"
)

// fakeExchanger is a scriptable provider token endpoint
type fakeExchanger struct {
	mu        sync.Mutex
	exchanges int32
	revokes   int32
	delay     time.Duration

	grant *provider.TokenGrant
	err   error

	revokeErr error
}

func (f *fakeExchanger) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*provider.TokenGrant, error) {
	atomic.AddInt32(&f.exchanges, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g := *f.grant
	return &g, nil
}

func (f *fakeExchanger) Revoke(ctx context.Context, accessToken string) error {
	atomic.AddInt32(&f.revokes, 1)
	return f.revokeErr
}

func (f *fakeExchanger) exchangeCount() int32 {
	return atomic.LoadInt32(&f.exchanges)
}

func seedCredential(t *testing.T, store credentials.Store, expiresIn time.Duration) *credentials.Credential {
	t.Helper()
	cred := &credentials.Credential{
		TenantID:     "tenant-1",
		MerchantID:   "merchant-1",
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(expiresIn),
		Status:       credentials.StatusActive,
	}
	if err := store.Create(context.Background(), cred); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	return cred
}

func newTestManager(store credentials.Store, exchanger Exchanger) *Manager {
	return NewManager(store, exchanger, Options{
		RefreshMargin: 5 * 24 * time.Hour,
		TokenTTL:      30 * 24 * time.Hour,
	}, nil)
}

func TestGetValidToken_FreshTokenNoRefresh(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, 10*24*time.Hour)

	token, err := manager.GetValidToken(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "access-old" {
		t.Errorf("expected stored token, got %q", token)
	}
	if n := exchanger.exchangeCount(); n != 0 {
		t.Errorf("expected no provider calls, got %d", n)
	}
}

func TestGetValidToken_RefreshesWithinMargin(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		grant: &provider.TokenGrant{
			AccessToken:  "access-new",
			RefreshToken: "refresh-new",
			ExpiresIn:    3600 * 24 * 30,
		},
	}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, 24*time.Hour)

	token, err := manager.GetValidToken(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "access-new" {
		t.Errorf("expected refreshed token, got %q", token)
	}

	cred, err := store.Get(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if cred.RefreshToken != "refresh-new" {
		t.Errorf("expected rotated refresh token, got %q", cred.RefreshToken)
	}
	if cred.Version != 2 {
		t.Errorf("expected version 2 after one refresh, got %d", cred.Version)
	}
	if cred.Status != credentials.StatusActive {
		t.Errorf("expected active status, got %s", cred.Status)
	}
}

func TestGetValidToken_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		grant: &provider.TokenGrant{
			AccessToken: "access-new",
			// No refresh token in the grant: the old one stays valid
			ExpiresIn: 3600,
		},
	}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)

	if _, err := manager.GetValidToken(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.RefreshToken != "refresh-old" {
		t.Errorf("refresh token must survive a non-rotating grant, got %q", cred.RefreshToken)
	}
	if cred.AccessToken != "access-new" {
		t.Errorf("expected new access token, got %q", cred.AccessToken)
	}
}

func TestGetValidToken_SingleFlight(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		delay: 50 * time.Millisecond,
		grant: &provider.TokenGrant{
			AccessToken:  "access-new",
			RefreshToken: "refresh-new",
			ExpiresIn:    3600 * 24 * 30,
		},
	}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = manager.GetValidToken(context.Background(), "tenant-1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if tokens[i] != "access-new" {
			t.Errorf("caller %d got %q, want access-new", i, tokens[i])
		}
	}

	if n := exchanger.exchangeCount(); n != 1 {
		t.Errorf("expected exactly one provider exchange, got %d", n)
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.Version != 2 {
		t.Errorf("expected version 2, got %d", cred.Version)
	}
}

func TestGetValidToken_InvalidGrantMarksExpired(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		err: &provider.Error{Kind: provider.KindInvalidGrant, Detail: "refresh token revoked"},
	}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)

	_, err := manager.GetValidToken(context.Background(), "tenant-1")
	if !errors.IsType(err, errors.ErrTypeRefreshFailed) {
		t.Fatalf("expected refresh_failed, got %v", err)
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.Status != credentials.StatusExpired {
		t.Errorf("expected expired status, got %s", cred.Status)
	}
	if cred.LastError == "" {
		t.Error("expected last_error to record the provider detail")
	}

	// Subsequent calls fail fast without another provider round trip
	before := exchanger.exchangeCount()
	_, err = manager.GetValidToken(context.Background(), "tenant-1")
	if !errors.IsType(err, errors.ErrTypeRefreshFailed) {
		t.Fatalf("expected refresh_failed on repeat, got %v", err)
	}
	if exchanger.exchangeCount() != before {
		t.Error("expected no further provider calls after terminal failure")
	}
}

func TestGetValidToken_TransientFailureKeepsState(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		err: &provider.Error{Kind: provider.KindTransient, Detail: "gateway timeout"},
	}
	manager := newTestManager(store, exchanger)

	seeded := seedCredential(t, store, time.Hour)

	_, err := manager.GetValidToken(context.Background(), "tenant-1")
	if !errors.IsType(err, errors.ErrTypeRefreshUnavailable) {
		t.Fatalf("expected refresh_unavailable, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("transient refresh failure should be retryable")
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.Status != credentials.StatusActive {
		t.Errorf("transient failure must not change status, got %s", cred.Status)
	}
	if cred.Version != seeded.Version {
		t.Errorf("transient failure must not bump version, got %d", cred.Version)
	}
}

func TestGetValidToken_RateLimitedIsRetryable(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		err: &provider.Error{Kind: provider.KindRateLimited, Detail: "slow down"},
	}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)

	_, err := manager.GetValidToken(context.Background(), "tenant-1")
	if !errors.IsType(err, errors.ErrTypeRefreshUnavailable) {
		t.Fatalf("expected refresh_unavailable, got %v", err)
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.Status != credentials.StatusActive {
		t.Errorf("rate limiting must not change status, got %s", cred.Status)
	}
}

func TestGetValidToken_UnknownTenant(t *testing.T) {
	store := credentials.NewMemoryStore()
	manager := newTestManager(store, &fakeExchanger{})

	_, err := manager.GetValidToken(context.Background(), "nobody")
	if !errors.IsType(err, errors.ErrTypeNotAuthorized) {
		t.Fatalf("expected not_authorized, got %v", err)
	}
}

func TestGetValidToken_RevokedTenant(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)
	if err := store.MarkRevoked(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("mark revoked: %v", err)
	}

	_, err := manager.GetValidToken(context.Background(), "tenant-1")
	if !errors.IsType(err, errors.ErrTypeCredentialRevoked) {
		t.Fatalf("expected credential_revoked, got %v", err)
	}
	if exchanger.exchangeCount() != 0 {
		t.Error("revoked tenants must never reach the provider")
	}
}

func TestForceRefresh_RotatesStaleToken(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		grant: &provider.TokenGrant{
			AccessToken:  "access-new",
			RefreshToken: "refresh-new",
			ExpiresIn:    3600 * 24 * 30,
		},
	}
	manager := newTestManager(store, exchanger)

	// Far from expiry: only a forced refresh should touch the provider
	seedCredential(t, store, 20*24*time.Hour)

	token, err := manager.ForceRefresh(context.Background(), "tenant-1", "access-old")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "access-new" {
		t.Errorf("expected refreshed token, got %q", token)
	}
	if n := exchanger.exchangeCount(); n != 1 {
		t.Errorf("expected one exchange, got %d", n)
	}
}

func TestForceRefresh_SkipsWhenAlreadyRotated(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, 20*24*time.Hour)

	// Simulate another process having already refreshed
	_, err := store.CompareAndSwap(context.Background(), "tenant-1", 1, func(c credentials.Credential) credentials.Credential {
		c.AccessToken = "access-rotated"
		return c
	})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}

	token, err := manager.ForceRefresh(context.Background(), "tenant-1", "access-old")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "access-rotated" {
		t.Errorf("expected the already-rotated token, got %q", token)
	}
	if exchanger.exchangeCount() != 0 {
		t.Error("expected no provider call when the token already rotated")
	}
}

func TestRefresh_LosingVersionRaceUsesWinner(t *testing.T) {
	store := credentials.NewMemoryStore()

	// Exchange succeeds, but by the time the write lands another writer has
	// bumped the version
	exchanger := &fakeExchanger{
		grant: &provider.TokenGrant{AccessToken: "access-loser", ExpiresIn: 3600},
	}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)

	// Interleave: bump the version mid-flight through the exchanger delay
	exchanger.delay = 50 * time.Millisecond
	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = store.CompareAndSwap(context.Background(), "tenant-1", 1, func(c credentials.Credential) credentials.Credential {
			c.AccessToken = "access-winner"
			c.ExpiresAt = time.Now().Add(30 * 24 * time.Hour)
			return c
		})
		close(done)
	}()

	token, err := manager.GetValidToken(context.Background(), "tenant-1")
	<-done
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if token != "access-winner" {
		t.Errorf("loser must surface the winner's token, got %q", token)
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.AccessToken != "access-winner" {
		t.Errorf("store must keep the winner's token, got %q", cred.AccessToken)
	}
}

func TestRevoke(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)

	if err := manager.Revoke(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if n := atomic.LoadInt32(&exchanger.revokes); n != 1 {
		t.Errorf("expected one provider revoke, got %d", n)
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.Status != credentials.StatusRevoked {
		t.Errorf("expected revoked status, got %s", cred.Status)
	}
}

func TestRevoke_ProviderFailureStillRevokesLocally(t *testing.T) {
	store := credentials.NewMemoryStore()
	exchanger := &fakeExchanger{
		revokeErr: &provider.Error{Kind: provider.KindInvalidGrant, Detail: "already gone"},
	}
	manager := newTestManager(store, exchanger)

	seedCredential(t, store, time.Hour)

	if err := manager.Revoke(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("provider failure must not block revocation, got %v", err)
	}

	cred, _ := store.Get(context.Background(), "tenant-1")
	if cred.Status != credentials.StatusRevoked {
		t.Errorf("expected revoked status, got %s", cred.Status)
	}
}

func TestRevoke_UnknownTenant(t *testing.T) {
	store := credentials.NewMemoryStore()
	manager := newTestManager(store, &fakeExchanger{})

	err := manager.Revoke(context.Background(), "nobody")
	if !errors.IsType(err, errors.ErrTypeNotAuthorized) {
		t.Fatalf("expected not_authorized, got %v", err)
	}
}
