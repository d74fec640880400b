package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeyPrefix marks tollgate keys so they are recognizable in logs and secret scanners
	KeyPrefix     = "tg_"
	keyEntropy    = 32
	displayPrefix = 10
)

// IssuedKey is returned once at issuance; RawKey is never stored
type IssuedKey struct {
	Key    *APIKey `json:"key"`
	RawKey string  `json:"api_key"`
}

// Issuer mints new API keys
type Issuer struct {
	store  Store
	random io.Reader
}

// NewIssuer creates an issuer backed by crypto/rand
func NewIssuer(store Store) *Issuer {
	return &Issuer{store: store, random: rand.Reader}
}

// Generate returns a new raw key
func (i *Issuer) Generate() (string, error) {
	buf := make([]byte, keyEntropy)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates and stores a key for ownerID on planID
func (i *Issuer) Issue(ctx context.Context, ownerID int64, planID, name string) (*IssuedKey, error) {
	if planID == "" {
		return nil, errors.New("plan id is required")
	}

	raw, err := i.Generate()
	if err != nil {
		return nil, err
	}

	key := &APIKey{
		OwnerID:   ownerID,
		PlanID:    planID,
		Name:      name,
		KeyHash:   HashKey(raw),
		KeyPrefix: raw[:displayPrefix],
		Status:    StatusActive,
	}
	if err := i.store.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to issue key: %w", err)
	}
	return &IssuedKey{Key: key, RawKey: raw}, nil
}
