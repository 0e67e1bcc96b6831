package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// DefaultApplyAttempts bounds the optimistic retry loop. Exhausting it
// surfaces ErrContention to the caller.
const DefaultApplyAttempts = 8

// DefaultApplyBackoff is the base delay between retry attempts; the actual
// delay is fully jittered and doubles with each attempt.
const DefaultApplyBackoff = 2 * time.Millisecond

// ApplyOptions tunes the optimistic read-modify-write loop.
type ApplyOptions struct {
	// Attempts bounds the number of read-modify-write cycles.
	Attempts int
	// Backoff is the base delay before the second and later attempts.
	Backoff time.Duration
	// Sleep waits for the provided duration or until the context is done.
	// It exists so tests can run the loop without real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o ApplyOptions) withDefaults() ApplyOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultApplyAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultApplyBackoff
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return o
}

// Apply runs an optimistic read-modify-write cycle against key until it
// succeeds or the attempt budget is exhausted. fn receives the current value
// (nil when the key is absent) and returns the replacement value. Returning
// a nil value stops the loop without writing, so callers can express
// idempotent no-ops. Errors returned by fn abort the loop unchanged.
//
// The returned value and version describe the record after the call: the
// written state on success, or the observed state for a no-op.
func Apply(ctx context.Context, store Store, key string, opts ApplyOptions, fn func(current []byte, exists bool) ([]byte, error)) ([]byte, int64, error) {
	opts = opts.withDefaults()
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if attempt > 0 {
			if err := opts.Sleep(ctx, jitteredBackoff(opts.Backoff, attempt)); err != nil {
				return nil, 0, translateContextErr(ctx, err)
			}
		}

		current, version, err := store.Get(ctx, key)
		exists := true
		switch {
		case errors.Is(err, ErrNotFound):
			exists = false
			current = nil
			version = 0
		case err != nil:
			return nil, 0, translateContextErr(ctx, err)
		}

		next, err := fn(current, exists)
		if err != nil {
			return nil, 0, err
		}
		if next == nil {
			return current, version, nil
		}

		if !exists {
			newVersion, err := store.InsertIfAbsent(ctx, key, next)
			if errors.Is(err, ErrAlreadyExists) {
				continue
			}
			if err != nil {
				return nil, 0, translateContextErr(ctx, err)
			}
			return next, newVersion, nil
		}

		newVersion, err := store.CompareAndSwap(ctx, key, version, next)
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// The record changed or vanished underneath us; re-read and retry.
			continue
		}
		if err != nil {
			return nil, 0, translateContextErr(ctx, err)
		}
		return next, newVersion, nil
	}
	return nil, 0, fmt.Errorf("apply %s: %w", key, ErrContention)
}

func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	ceiling := base << uint(attempt-1)
	if ceiling <= 0 {
		ceiling = base
	}
	return time.Duration(rand.Int63n(int64(ceiling)) + 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
