package credentials

import (
	"context"
	"sync"
	"time"

	"tokenkeeper/internal/common/errors"
)

// MemoryStore is an in-memory Store implementation for tests and development.
// It honors the same compare-and-swap contract as the durable backends.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Credential
	locations map[string][]Location
}

// NewMemoryStore creates an empty in-memory credential store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Credential),
		locations: make(map[string][]Location),
	}
}

func (s *MemoryStore) Get(ctx context.Context, tenantID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.records[tenantID]
	if !ok {
		return nil, errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
	}
	return cred.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, cred *Credential) error {
	if cred.TenantID == "" {
		return errors.ValidationError("tenant_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[cred.TenantID]; exists {
		return errors.ValidationError("credential already exists").WithContext("tenant_id", cred.TenantID)
	}

	now := time.Now()
	stored := cred.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	s.records[cred.TenantID] = stored

	*cred = *stored.Clone()
	return nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, tenantID string, expectedVersion int64, mutate Mutation) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[tenantID]
	if !ok {
		return nil, errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
	}

	if current.Version != expectedVersion {
		return nil, errors.VersionConflictError(tenantID)
	}

	updated := mutate(*current.Clone())
	updated.TenantID = tenantID // immutable
	updated.Version = expectedVersion + 1
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = time.Now()

	s.records[tenantID] = updated.Clone()
	return updated.Clone(), nil
}

func (s *MemoryStore) ListExpiringBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, cred := range s.records {
		if cred.Status == StatusActive && cred.ExpiresAt.Before(threshold) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkRevoked(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[tenantID]
	if !ok {
		return errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
	}

	if current.Status == StatusRevoked {
		return nil
	}

	current.Status = StatusRevoked
	current.Version++
	current.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, tenantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[tenantID]
	if !ok {
		return errors.NotFoundError("credential").WithContext("tenant_id", tenantID)
	}

	current.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) ReplaceLocations(ctx context.Context, tenantID string, locations []Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := make([]Location, len(locations))
	copy(replaced, locations)
	for i := range replaced {
		replaced[i].TenantID = tenantID
	}
	s.locations[tenantID] = replaced
	return nil
}

func (s *MemoryStore) ListLocations(ctx context.Context, tenantID string) ([]Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	locs := s.locations[tenantID]
	out := make([]Location, len(locs))
	copy(out, locs)
	return out, nil
}

func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
