package credentials

import (
	"context"
	"time"
)

// Mutation transforms a credential record during a compare-and-swap. It must
// be pure: the store applies it to the current record and commits the result
// only if the version check holds. Implementations of Store own the Version
// and UpdatedAt fields; values a mutation assigns to them are overwritten.
type Mutation func(Credential) Credential

// Store is the durable persistence contract for credential records.
//
// CompareAndSwap is the only sanctioned mutation path for token material and
// status: a write commits only if the record's version still equals
// expectedVersion, otherwise the store returns a version_conflict error and
// the caller must re-read. MarkRevoked is the one exception, because
// revocation is terminal and wins over any concurrent refresh.
type Store interface {
	// Get returns the credential for a tenant, or a not_found error
	Get(ctx context.Context, tenantID string) (*Credential, error)

	// Create inserts a new credential record with version 1. It fails with a
	// validation error if a record already exists for the tenant.
	Create(ctx context.Context, cred *Credential) error

	// CompareAndSwap atomically applies mutate to the current record if its
	// version equals expectedVersion, increments the version by one, and
	// returns the committed record. Returns a version_conflict error if a
	// concurrent writer won, or not_found if the record is gone.
	CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, mutate Mutation) (*Credential, error)

	// ListExpiringBefore returns the tenant IDs of active credentials whose
	// access token expires before the threshold. Expired and revoked records
	// are excluded: they need re-authorization, not a sweep refresh.
	ListExpiringBefore(ctx context.Context, threshold time.Time) ([]string, error)

	// MarkRevoked transitions the record to revoked regardless of its current
	// version. Idempotent; returns not_found if no record exists.
	MarkRevoked(ctx context.Context, tenantID string) error

	// TouchLastUsed records that the credential was handed out. Best-effort:
	// callers ignore the error and it does not bump the version on backends
	// where that would invalidate concurrent CAS attempts.
	TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error

	// ReplaceLocations swaps the tenant's location collection wholesale
	ReplaceLocations(ctx context.Context, tenantID string, locations []Location) error

	// ListLocations returns the tenant's locations
	ListLocations(ctx context.Context, tenantID string) ([]Location, error)

	// Health checks the backing store connectivity
	Health(ctx context.Context) error

	// Close releases the store's resources
	Close() error
}
