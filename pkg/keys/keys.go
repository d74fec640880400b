// Package keys stores API keys and their usage counters.
//
// A raw key is shown to its owner exactly once at issuance. Only the sha256
// hash and a short display prefix are persisted. Every mutation is atomic per
// key; Update is the read-modify-write primitive the quota enforcer builds on.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Status of an API key
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended" // billing problem; lifted by payment
	StatusBlocked   Status = "blocked"   // monthly quota exhausted
	StatusRevoked   Status = "revoked"   // terminal
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusBlocked, StatusRevoked:
		return true
	}
	return false
}

// UsageKind selects which counters a usage operation touches
type UsageKind string

const (
	UsageDaily   UsageKind = "daily"
	UsageMonthly UsageKind = "monthly"
	// UsageAll touches both counters
	UsageAll UsageKind = "all"
)

// Valid reports whether k is a known usage kind
func (k UsageKind) Valid() bool {
	return k == UsageDaily || k == UsageMonthly || k == UsageAll
}

var (
	ErrKeyNotFound      = errors.New("api key not found")
	ErrDuplicateKey     = errors.New("api key already exists")
	ErrInvalidStatus    = errors.New("invalid key status")
	ErrInvalidUsageKind = errors.New("invalid usage kind")
	ErrKeyRevoked       = errors.New("api key is revoked")
)

// APIKey is the stored record of an issued key
type APIKey struct {
	ID           int64     `json:"id"`
	OwnerID      int64     `json:"owner_id"`
	PlanID       string    `json:"plan_id"`
	Name         string    `json:"name"`
	KeyHash      string    `json:"-"`
	KeyPrefix    string    `json:"key_prefix"`
	Status       Status    `json:"status"`
	DailyUsage   int64     `json:"daily_usage"`
	MonthlyUsage int64     `json:"monthly_usage"`
	LastResetAt  time.Time `json:"last_reset_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate
func (k *APIKey) Clone() *APIKey {
	cp := *k
	return &cp
}

func (k *APIKey) resetUsage(kind UsageKind, now time.Time) {
	if kind == UsageDaily || kind == UsageAll {
		k.DailyUsage = 0
	}
	if kind == UsageMonthly || kind == UsageAll {
		k.MonthlyUsage = 0
		k.LastResetAt = now
	}
}

func (k *APIKey) increment(kind UsageKind) int64 {
	switch kind {
	case UsageDaily:
		k.DailyUsage++
		return k.DailyUsage
	case UsageMonthly:
		k.MonthlyUsage++
		return k.MonthlyUsage
	default:
		k.DailyUsage++
		k.MonthlyUsage++
		return k.MonthlyUsage
	}
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	// Lookup finds a key by the hash of its raw secret
	Lookup(ctx context.Context, hash string) (*APIKey, error)
	Get(ctx context.Context, id int64) (*APIKey, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*APIKey, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	// IncrementUsage adds one to the selected counter and returns its new value.
	// UsageAll bumps both and returns the monthly counter.
	IncrementUsage(ctx context.Context, id int64, kind UsageKind) (int64, error)
	ResetUsage(ctx context.Context, id int64, kind UsageKind) error
	// ResetAllUsage zeroes the counters of every key and, when unblock is set,
	// returns quota-blocked keys to active. It returns the number of keys touched.
	ResetAllUsage(ctx context.Context, kind UsageKind, unblock bool) (int64, error)
	// Update runs fn on a copy of the key while holding the key exclusively and
	// persists the result if fn returns nil and changed something.
	Update(ctx context.Context, id int64, fn func(*APIKey) error) (*APIKey, error)
	// UpdateOwner runs fn on every key of ownerID and returns how many changed
	UpdateOwner(ctx context.Context, ownerID int64, fn func(*APIKey) error) (int, error)
}

// HashKey returns the stored form of a raw key
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func validateNew(key *APIKey) error {
	if key.KeyHash == "" {
		return errors.New("key hash is required")
	}
	if key.PlanID == "" {
		return errors.New("plan id is required")
	}
	if key.Status == "" {
		key.Status = StatusActive
	}
	if !key.Status.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, key.Status)
	}
	if key.DailyUsage < 0 || key.MonthlyUsage < 0 {
		return errors.New("usage counters must not be negative")
	}
	return nil
}
