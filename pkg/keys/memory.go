package keys

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	mu  sync.Mutex
	key APIKey
}

// MemoryStore is an in-process Store. Each key has its own mutex; the index maps
// are only locked to find entries, never across a mutation.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[int64]*memoryEntry
	byHash  map[string]*memoryEntry
	byOwner map[int64][]*memoryEntry
	nextID  int64
	now     func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[int64]*memoryEntry),
		byHash:  make(map[string]*memoryEntry),
		byOwner: make(map[int64][]*memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new key and assigns its id
func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	if err := validateNew(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[key.KeyHash]; exists {
		return ErrDuplicateKey
	}

	now := s.now()
	s.nextID++
	key.ID = s.nextID
	key.CreatedAt, key.UpdatedAt = now, now
	if key.LastResetAt.IsZero() {
		key.LastResetAt = now
	}

	entry := &memoryEntry{key: *key}
	s.byID[key.ID] = entry
	s.byHash[key.KeyHash] = entry
	s.byOwner[key.OwnerID] = append(s.byOwner[key.OwnerID], entry)
	return nil
}

func (s *MemoryStore) entry(id int64) (*memoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	return e, nil
}

func (e *memoryEntry) snapshot() *APIKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key.Clone()
}

// Lookup finds a key by hash
func (s *MemoryStore) Lookup(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	e, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return e.snapshot(), nil
}

// Get finds a key by id
func (s *MemoryStore) Get(ctx context.Context, id int64) (*APIKey, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

func (s *MemoryStore) ownerEntries(ownerID int64) []*memoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*memoryEntry(nil), s.byOwner[ownerID]...)
}

// ListByOwner returns the owner's keys ordered by id
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID int64) ([]*APIKey, error) {
	entries := s.ownerEntries(ownerID)
	out := make([]*APIKey, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetStatus changes a key's status
func (s *MemoryStore) SetStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	_, err := s.Update(ctx, id, func(k *APIKey) error {
		k.Status = status
		return nil
	})
	return err
}

// IncrementUsage bumps a counter
func (s *MemoryStore) IncrementUsage(ctx context.Context, id int64, kind UsageKind) (int64, error) {
	if !kind.Valid() {
		return 0, ErrInvalidUsageKind
	}
	var value int64
	_, err := s.Update(ctx, id, func(k *APIKey) error {
		value = k.increment(kind)
		return nil
	})
	return value, err
}

// ResetUsage zeroes counters of one key
func (s *MemoryStore) ResetUsage(ctx context.Context, id int64, kind UsageKind) error {
	if !kind.Valid() {
		return ErrInvalidUsageKind
	}
	now := s.now()
	_, err := s.Update(ctx, id, func(k *APIKey) error {
		k.resetUsage(kind, now)
		return nil
	})
	return err
}

// ResetAllUsage zeroes counters of every key
func (s *MemoryStore) ResetAllUsage(ctx context.Context, kind UsageKind, unblock bool) (int64, error) {
	if !kind.Valid() {
		return 0, ErrInvalidUsageKind
	}

	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	now := s.now()
	var touched int64
	for _, e := range entries {
		e.mu.Lock()
		e.key.resetUsage(kind, now)
		if unblock && e.key.Status == StatusBlocked {
			e.key.Status = StatusActive
		}
		e.key.UpdatedAt = now
		e.mu.Unlock()
		touched++
	}
	return touched, nil
}

func (s *MemoryStore) apply(e *memoryEntry, fn func(*APIKey) error) (*APIKey, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.key.Clone()
	if err := fn(working); err != nil {
		return nil, false, err
	}
	if *working == e.key {
		return working, false, nil
	}
	if err := checkInvariants(&e.key, working); err != nil {
		return nil, false, err
	}
	working.UpdatedAt = s.now()
	e.key = *working
	return working.Clone(), true, nil
}

// Update performs an atomic read-modify-write of one key
func (s *MemoryStore) Update(ctx context.Context, id int64, fn func(*APIKey) error) (*APIKey, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	key, _, err := s.apply(e, fn)
	return key, err
}

// UpdateOwner applies fn to every key of ownerID
func (s *MemoryStore) UpdateOwner(ctx context.Context, ownerID int64, fn func(*APIKey) error) (int, error) {
	changed := 0
	for _, e := range s.ownerEntries(ownerID) {
		_, ok, err := s.apply(e, fn)
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// checkInvariants guards the fields a mutation may not touch
func checkInvariants(before, after *APIKey) error {
	if after.ID != before.ID || after.KeyHash != before.KeyHash || after.OwnerID != before.OwnerID {
		return fmt.Errorf("key %d: identity fields are immutable", before.ID)
	}
	if !after.Status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, after.Status)
	}
	if after.DailyUsage < 0 || after.MonthlyUsage < 0 {
		return fmt.Errorf("key %d: usage counters must not be negative", before.ID)
	}
	if before.Status == StatusRevoked && after.Status != StatusRevoked {
		return fmt.Errorf("key %d: %w", before.ID, ErrKeyRevoked)
	}
	return nil
}
