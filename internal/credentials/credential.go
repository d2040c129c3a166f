// Package credentials defines the per-tenant OAuth2 credential record and the
// storage contract used to persist it. Every mutation of a credential goes
// through an optimistic compare-and-swap keyed on the record version, so two
// racing refreshes can never both commit.
package credentials

import (
	"time"
)

// Status is the lifecycle state of a tenant's credential
type Status string

const (
	// StatusActive means the credential holds usable tokens
	StatusActive Status = "active"
	// StatusExpired means the provider rejected the refresh token; the tenant
	// must re-authorize before the credential becomes usable again
	StatusExpired Status = "expired"
	// StatusRevoked is terminal: the credential was explicitly revoked and no
	// further refresh attempts are made. Records are retained for audit.
	StatusRevoked Status = "revoked"
)

// Credential is the per-tenant credential record. Exactly one exists per
// tenant; TenantID is immutable once created.
type Credential struct {
	TenantID     string     `json:"tenant_id"`
	MerchantID   string     `json:"merchant_id"`
	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Scopes       []string   `json:"scopes"`
	Status       Status     `json:"status"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`

	// Version increases by exactly one on every successful write and is the
	// basis of the compare-and-swap contract
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location is an opaque provider sub-resource belonging to a tenant. The
// collection is not concurrency-sensitive and is replaced wholesale on re-sync.
type Location struct {
	TenantID   string `json:"tenant_id"`
	LocationID string `json:"location_id"`
	Name       string `json:"name"`
	IsDefault  bool   `json:"is_default"`
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (c *Credential) ExpiresWithin(margin time.Duration) bool {
	return time.Now().Add(margin).After(c.ExpiresAt)
}

// Clone returns a deep copy of the credential
func (c *Credential) Clone() *Credential {
	cp := *c
	if c.Scopes != nil {
		cp.Scopes = append([]string(nil), c.Scopes...)
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}

// Redacted returns a copy safe for API responses and logs: token material is
// replaced with a fixed placeholder when present.
func (c *Credential) Redacted() *Credential {
	cp := c.Clone()
	if cp.AccessToken != "" {
		cp.AccessToken = "[redacted]"
	}
	if cp.RefreshToken != "" {
		cp.RefreshToken = "[redacted]"
	}
	return cp
}
