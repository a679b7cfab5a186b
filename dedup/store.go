// Package dedup remembers notification fingerprints for a short window so
// that redelivered copies are processed at most once per process.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidURI is returned when the redis store has no address.
	ErrInvalidURI = errors.New("dedup: invalid redis uri")
	// ErrClientConnection is returned when the redis client cannot be created.
	ErrClientConnection = errors.New("dedup: redis connection failed")
	// ErrUnknownStore is returned by NewFromConfig for unsupported store names.
	ErrUnknownStore = errors.New("dedup: unknown store")
)

// Store is a fingerprint set with per-entry expiry.
type Store interface {
	Seen(ctx context.Context, fingerprint string) (bool, error)
	Remember(ctx context.Context, fingerprint string, ttl time.Duration) error
	// CheckAndRemember records fingerprint and reports whether it was already present.
	CheckAndRemember(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	Close() error
}

// StoreError wraps a failed store operation.
type StoreError struct {
	Op      string
	Err     error
	Details string
}

func (e *StoreError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("dedup %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("dedup %s: %v: %s", e.Op, e.Err, e.Details)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Fingerprint identifies a notification by its channel and serialized body.
func Fingerprint(channel string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write(body)

	return hex.EncodeToString(h.Sum(nil))
}
