// Package tokens implements the per-tenant refresh workflow: given a tenant,
// return a currently valid access token, refreshing at most once per
// staleness window no matter how many callers arrive concurrently.
//
// Two mechanisms cooperate to keep that promise. In-process, a singleflight
// group keyed by tenant collapses concurrent refreshes into one provider
// call whose result every waiter shares. Across processes, the store's
// compare-and-swap on the record version is the authority: a refresh that
// lost the race gets a version conflict, re-reads, and returns the winner's
// token instead of clobbering a rotated refresh token.
package tokens

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"tokenkeeper/internal/common/errors"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/common/utils"
	"tokenkeeper/internal/credentials"
	"tokenkeeper/internal/provider"
)

const (
	// DefaultRefreshMargin is how far before expiry a token is considered due
	// for a proactive refresh
	DefaultRefreshMargin = 5 * 24 * time.Hour
	// DefaultTokenTTL is assumed when the provider omits expires_in
	DefaultTokenTTL = 30 * 24 * time.Hour
)

// Exchanger is the provider token endpoint surface the manager needs
type Exchanger interface {
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*provider.TokenGrant, error)
	Revoke(ctx context.Context, accessToken string) error
}

// Options tune the manager's refresh policy
type Options struct {
	// RefreshMargin is the safety window before expiry that triggers a refresh
	RefreshMargin time.Duration
	// TokenTTL is the assumed token lifetime when the provider omits expires_in
	TokenTTL time.Duration
}

// Manager orchestrates the credential refresh lifecycle for all tenants
type Manager struct {
	store    credentials.Store
	provider Exchanger
	opts     Options
	group    singleflight.Group
	logger   logging.Logger
}

// NewManager creates a refresh manager. The store and provider client are
// injected; the manager holds no other state beyond the in-flight group.
func NewManager(store credentials.Store, exchanger Exchanger, opts Options, logger logging.Logger) *Manager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Manager{
		store:    store,
		provider: exchanger,
		opts:     opts,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "tokens"}),
	}
}

// GetValidToken returns a usable access token for the tenant, refreshing it
// first when it is inside the safety margin. Concurrent callers for the same
// tenant share a single refresh.
//
// Failure modes: not_authorized when no credential exists,
// credential_revoked for revoked tenants, refresh_failed once the refresh
// token is known dead, refresh_unavailable for transient provider trouble.
func (m *Manager) GetValidToken(ctx context.Context, tenantID string) (string, error) {
	cred, err := m.store.Get(ctx, tenantID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return "", errors.NotAuthorizedError(tenantID)
		}
		return "", err
	}

	switch cred.Status {
	case credentials.StatusRevoked:
		return "", errors.CredentialRevokedError(tenantID)
	case credentials.StatusExpired:
		// The refresh token was already confirmed dead; fail fast instead of
		// burning a provider call per request. ForceRefresh remains available
		// for an explicit retry.
		return "", errors.RefreshFailedError(tenantID, nil).WithContext("last_error", cred.LastError)
	}

	if !cred.ExpiresWithin(m.opts.RefreshMargin) {
		m.touchLastUsed(tenantID)
		return cred.AccessToken, nil
	}

	return m.sharedRefresh(ctx, tenantID, cred.AccessToken, false)
}

// ForceRefresh refreshes the tenant's token regardless of stored expiry.
// Used by the call gateway when the downstream API rejects a token that the
// store still believes is valid. staleToken is the token that was rejected:
// if the stored token has already moved past it, another path installed a
// fresh one and no provider call is made.
func (m *Manager) ForceRefresh(ctx context.Context, tenantID, staleToken string) (string, error) {
	return m.sharedRefresh(ctx, tenantID, staleToken, true)
}

// Revoke calls the provider's revoke endpoint best-effort, then marks the
// local record revoked. A provider failure never blocks local revocation.
func (m *Manager) Revoke(ctx context.Context, tenantID string) error {
	cred, err := m.store.Get(ctx, tenantID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return errors.NotAuthorizedError(tenantID)
		}
		return err
	}

	if cred.Status != credentials.StatusRevoked && cred.AccessToken != "" {
		retryCfg := utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2.0,
			JitterFactor:  0.1,
			RetryableErrors: func(err error) bool {
				pe, ok := provider.AsError(err)
				return ok && pe.Kind != provider.KindInvalidGrant
			},
		}
		err := utils.RetryWithBackoff(ctx, retryCfg, func() error {
			return m.provider.Revoke(ctx, cred.AccessToken)
		})
		if err != nil {
			m.logger.Warn("Provider revoke failed, proceeding with local revocation",
				logging.Field{Key: "tenant_id", Value: tenantID},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}

	return m.store.MarkRevoked(ctx, tenantID)
}

// sharedRefresh funnels all refresh attempts for a tenant through one
// in-flight provider call
func (m *Manager) sharedRefresh(ctx context.Context, tenantID, staleToken string, force bool) (string, error) {
	v, err, _ := m.group.Do(tenantID, func() (interface{}, error) {
		return m.refresh(ctx, tenantID, staleToken, force)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh performs one provider exchange and writes the result back through
// compare-and-swap. It re-reads the record first: waiters queued behind a
// completed flight, and processes racing across the store, both discover the
// winner's token here instead of issuing their own exchange.
func (m *Manager) refresh(ctx context.Context, tenantID, staleToken string, force bool) (string, error) {
	cred, err := m.store.Get(ctx, tenantID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return "", errors.NotAuthorizedError(tenantID)
		}
		return "", err
	}

	if cred.Status == credentials.StatusRevoked {
		return "", errors.CredentialRevokedError(tenantID)
	}

	if force {
		// The caller saw staleToken rejected downstream. A different stored
		// token means someone else already rotated it.
		if cred.AccessToken != staleToken {
			return cred.AccessToken, nil
		}
	} else {
		if !cred.ExpiresWithin(m.opts.RefreshMargin) {
			return cred.AccessToken, nil
		}
	}

	if cred.RefreshToken == "" {
		return "", errors.RefreshFailedError(tenantID, nil).WithContext("reason", "no refresh token on file")
	}

	grant, err := m.provider.ExchangeRefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		return "", m.handleExchangeFailure(ctx, tenantID, cred, err)
	}

	newExpiry := time.Now().Add(m.opts.TokenTTL)
	if grant.ExpiresIn > 0 {
		newExpiry = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	}

	updated, err := m.store.CompareAndSwap(ctx, tenantID, cred.Version, func(c credentials.Credential) credentials.Credential {
		c.AccessToken = grant.AccessToken
		// The provider may not rotate the refresh token; absence means keep
		// the old one, never clear it
		if grant.RefreshToken != "" {
			c.RefreshToken = grant.RefreshToken
		}
		if len(grant.Scopes) > 0 {
			c.Scopes = grant.Scopes
		}
		c.ExpiresAt = newExpiry
		c.Status = credentials.StatusActive
		c.LastError = ""
		return c
	})
	if err != nil {
		if errors.IsType(err, errors.ErrTypeVersionConflict) {
			// A concurrent path committed first; its token is presumptively
			// fresh, so hand it out rather than failing the waiters
			m.logger.Debug("Refresh lost version race, using winner's token",
				logging.Field{Key: "tenant_id", Value: tenantID})
			current, readErr := m.store.Get(ctx, tenantID)
			if readErr != nil {
				return "", readErr
			}
			if current.Status == credentials.StatusRevoked {
				return "", errors.CredentialRevokedError(tenantID)
			}
			return current.AccessToken, nil
		}
		return "", err
	}

	m.logger.Info("Token refreshed",
		logging.Field{Key: "tenant_id", Value: tenantID},
		logging.Field{Key: "expires_at", Value: updated.ExpiresAt},
		logging.Field{Key: "version", Value: updated.Version},
		logging.Field{Key: "rotated", Value: grant.RefreshToken != ""})

	return updated.AccessToken, nil
}

// handleExchangeFailure maps a provider failure to the caller-facing error
// taxonomy and records terminal failures in the store
func (m *Manager) handleExchangeFailure(ctx context.Context, tenantID string, cred *credentials.Credential, err error) error {
	pe, ok := provider.AsError(err)
	if !ok {
		return errors.RefreshUnavailableError(tenantID, err)
	}

	switch pe.Kind {
	case provider.KindInvalidGrant:
		// The refresh token is dead. Record it so subsequent callers fail
		// fast; losing the CAS race here just means another outcome landed
		// first, which is fine either way.
		_, casErr := m.store.CompareAndSwap(ctx, tenantID, cred.Version, func(c credentials.Credential) credentials.Credential {
			c.Status = credentials.StatusExpired
			c.LastError = pe.Detail
			return c
		})
		if casErr != nil && !errors.IsType(casErr, errors.ErrTypeVersionConflict) {
			m.logger.Warn("Failed to record terminal refresh failure",
				logging.Field{Key: "tenant_id", Value: tenantID},
				logging.Field{Key: "error", Value: casErr.Error()})
		}
		m.logger.Warn("Refresh token rejected by provider",
			logging.Field{Key: "tenant_id", Value: tenantID},
			logging.Field{Key: "detail", Value: pe.Detail})
		return errors.RefreshFailedError(tenantID, pe)

	case provider.KindRateLimited:
		return errors.RefreshUnavailableError(tenantID, pe).WithCode("rate_limited")

	default:
		// Transient trouble never mutates stored status
		return errors.RefreshUnavailableError(tenantID, pe)
	}
}

// touchLastUsed records token usage without blocking the request path
func (m *Manager) touchLastUsed(tenantID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.TouchLastUsed(ctx, tenantID, time.Now()); err != nil {
			m.logger.Debug("Failed to update last_used_at",
				logging.Field{Key: "tenant_id", Value: tenantID},
				logging.Field{Key: "error", Value: err.Error()})
		}
	}()
}
