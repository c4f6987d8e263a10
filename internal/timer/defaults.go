package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"timerbot/pkg/logx"
)

// DefaultsBackend persists per-tenant defaults. Optional.
type DefaultsBackend interface {
	PutDefault(ctx context.Context, tenant string, d time.Duration) error
	ListDefaults(ctx context.Context) (map[string]time.Duration, error)
}

// DefaultDurationStore maps tenants to the duration used when a start
// request carries none. Last write wins; entries are never evicted.
type DefaultDurationStore struct {
	mu       sync.RWMutex
	fallback time.Duration
	m        map[string]time.Duration

	backend DefaultsBackend
	log     logx.Logger
}

func NewDefaultDurationStore(fallback time.Duration, backend DefaultsBackend, log logx.Logger) *DefaultDurationStore {
	if fallback <= 0 {
		fallback = DefaultFallback
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DefaultDurationStore{
		fallback: fallback,
		m:        map[string]time.Duration{},
		backend:  backend,
		log:      log,
	}
}

// Get returns the tenant's default, or the fallback.
func (s *DefaultDurationStore) Get(tenant string) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.m[tenant]; ok {
		return d
	}
	return s.fallback
}

// Set records d for tenant. The in-memory value is authoritative; a
// backend write failure is logged and returned but does not roll back.
func (s *DefaultDurationStore) Set(ctx context.Context, tenant string, d time.Duration) error {
	if tenant == "" {
		return ErrNoTenant
	}
	if d <= 0 {
		return fmt.Errorf("%w: default must be positive", ErrDurationOutOfRange)
	}
	s.mu.Lock()
	s.m[tenant] = d
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}
	if err := s.backend.PutDefault(ctx, tenant, d); err != nil {
		s.log.Warn("default duration not persisted", logx.String("tenant", tenant), logx.Err(err))
		return err
	}
	return nil
}

// Load replaces the in-memory map with the backend's contents. Values that
// are not positive are skipped.
func (s *DefaultDurationStore) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	m, err := s.backend.ListDefaults(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]time.Duration, len(m))
	for tenant, d := range m {
		if d <= 0 {
			continue
		}
		next[tenant] = d
	}
	s.mu.Lock()
	s.m = next
	s.mu.Unlock()
	s.log.Debug("default durations loaded", logx.Int("count", len(next)))
	return nil
}

func (s *DefaultDurationStore) Fallback() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fallback
}

func (s *DefaultDurationStore) SetFallback(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.fallback = d
	s.mu.Unlock()
}

func (s *DefaultDurationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
