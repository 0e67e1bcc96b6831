// Package kv defines the versioned key-value persistence contract shared by
// the token and engagement services, together with in-memory, Redis, and
// Postgres implementations. Every mutation is conditional on a record
// version, giving per-key linearizability without locks held across calls.
package kv

import (
	"context"
	"errors"
)

// Store is the durable persistence contract consumed by the core services.
// Implementations must be safe for concurrent use and must not retain
// authoritative state in process memory beyond a single call.
type Store interface {
	// Get returns the stored value and its current version.
	Get(ctx context.Context, key string) (value []byte, version int64, err error)
	// CompareAndSwap replaces the value only when the stored version matches
	// expectedVersion, returning the new version on success.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error)
	// InsertIfAbsent creates the key only when it does not exist yet.
	InsertIfAbsent(ctx context.Context, key string, value []byte) (int64, error)
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Scanner is an optional capability for maintenance sweeps. Stores that can
// enumerate keys by prefix implement it; callers discover it by interface
// assertion and skip the sweep otherwise.
type Scanner interface {
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte, version int64) error) error
}

// Pinger is an optional capability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	// ErrNotFound reports that the key does not exist.
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict reports a version mismatch on CompareAndSwap. It is
	// transient and retried internally by Apply.
	ErrConflict = errors.New("kv: version conflict")
	// ErrAlreadyExists reports that InsertIfAbsent found an existing key.
	ErrAlreadyExists = errors.New("kv: key already exists")
	// ErrContention reports that the optimistic retry budget was exhausted.
	// Callers may retry the whole operation.
	ErrContention = errors.New("kv: retry budget exhausted")
	// ErrTimeout reports that the caller-supplied deadline elapsed before the
	// store call completed.
	ErrTimeout = errors.New("kv: deadline exceeded")
)

// translateContextErr maps a context deadline into the store taxonomy so
// callers can distinguish timeouts from contention.
func translateContextErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
