package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	fingerprint string
	owner       string
	committed   bool
	result      []byte
	expiresAt   time.Time
	done        chan struct{}
	closeOnce   sync.Once
}

func (e *memoryEntry) release() {
	e.closeOnce.Do(func() { close(e.done) })
}

// MemoryStore is a process-local Store used by tests and single-node setups
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	cfg     Config
	nowFn   func() time.Time
}

// NewMemoryStore creates an in-memory idempotency store
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		cfg:     cfg.withDefaults(),
		nowFn:   time.Now,
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, key, fingerprint string) (*Reservation, error) {
	for {
		s.mu.Lock()
		now := s.nowFn()
		e, ok := s.entries[key]
		if ok && now.After(e.expiresAt) {
			// expired result or abandoned lease
			delete(s.entries, key)
			e.release()
			ok = false
		}
		if !ok {
			owner := uuid.NewString()
			s.entries[key] = &memoryEntry{
				fingerprint: fingerprint,
				owner:       owner,
				expiresAt:   now.Add(s.cfg.PendingLease),
				done:        make(chan struct{}),
			}
			s.mu.Unlock()
			return &Reservation{Key: key, Owner: owner, IsNew: true}, nil
		}
		if e.fingerprint != fingerprint {
			s.mu.Unlock()
			return nil, ErrConflict
		}
		if e.committed {
			prior := append([]byte(nil), e.result...)
			s.mu.Unlock()
			return &Reservation{Key: key, Prior: prior}, nil
		}
		done := e.done
		leaseLeft := e.expiresAt.Sub(now)
		s.mu.Unlock()

		timer := time.NewTimer(leaseLeft)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrInProgress, ctx.Err())
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *MemoryStore) Commit(ctx context.Context, res *Reservation, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[res.Key]
	if !ok || e.owner != res.Owner {
		return ErrNotOwner
	}
	e.committed = true
	e.result = append([]byte(nil), result...)
	e.expiresAt = s.nowFn().Add(s.cfg.TTL)
	e.release()
	return nil
}

func (s *MemoryStore) Abort(ctx context.Context, res *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[res.Key]
	if !ok || e.owner != res.Owner || e.committed {
		return ErrNotOwner
	}
	delete(s.entries, res.Key)
	e.release()
	return nil
}

// Purge drops expired entries.
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFn()
	n := 0
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
			e.release()
			n++
		}
	}
	return n
}

func (s *MemoryStore) Lease() time.Duration {
	return s.cfg.PendingLease
}
