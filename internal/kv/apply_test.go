package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestApplyInsertsMissingKey(t *testing.T) {
	store := NewMemoryStore()
	value, version, err := Apply(context.Background(), store, "k", ApplyOptions{Sleep: noSleep}, func(current []byte, exists bool) ([]byte, error) {
		if exists {
			t.Fatalf("expected absent key, saw %q", current)
		}
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !bytes.Equal(value, []byte("fresh")) || version != 1 {
		t.Fatalf("unexpected result %q v%d", value, version)
	}
}

func TestApplyUpdatesExistingKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.InsertIfAbsent(ctx, "k", []byte("old")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	value, version, err := Apply(ctx, store, "k", ApplyOptions{Sleep: noSleep}, func(current []byte, exists bool) ([]byte, error) {
		if !exists || !bytes.Equal(current, []byte("old")) {
			t.Fatalf("unexpected current state %q exists=%v", current, exists)
		}
		return []byte("new"), nil
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !bytes.Equal(value, []byte("new")) || version != 2 {
		t.Fatalf("unexpected result %q v%d", value, version)
	}
}

func TestApplyNoOpSkipsWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.InsertIfAbsent(ctx, "k", []byte("old")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	value, version, err := Apply(ctx, store, "k", ApplyOptions{Sleep: noSleep}, func(current []byte, exists bool) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !bytes.Equal(value, []byte("old")) || version != 1 {
		t.Fatalf("no-op should report observed state, got %q v%d", value, version)
	}
	stored, storedVersion, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(stored, []byte("old")) || storedVersion != 1 {
		t.Fatalf("no-op mutated the record: %q v%d", stored, storedVersion)
	}
}

func TestApplyFnErrorAborts(t *testing.T) {
	store := NewMemoryStore()
	boom := fmt.Errorf("boom")
	_, _, err := Apply(context.Background(), store, "k", ApplyOptions{Sleep: noSleep}, func([]byte, bool) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
}

// conflictingStore wraps a memory store and fails the first n conditional
// writes with a conflict to exercise the retry loop.
type conflictingStore struct {
	*MemoryStore
	failures int
}

func (s *conflictingStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	if s.failures > 0 {
		s.failures--
		return 0, ErrConflict
	}
	return s.MemoryStore.CompareAndSwap(ctx, key, expectedVersion, value)
}

func (s *conflictingStore) InsertIfAbsent(ctx context.Context, key string, value []byte) (int64, error) {
	if s.failures > 0 {
		s.failures--
		return 0, ErrAlreadyExists
	}
	return s.MemoryStore.InsertIfAbsent(ctx, key, value)
}

func TestApplyRetriesOnConflict(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(), failures: 3}
	ctx := context.Background()
	if _, err := store.MemoryStore.InsertIfAbsent(ctx, "k", []byte("0")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var calls int
	_, _, err := Apply(ctx, store, "k", ApplyOptions{Sleep: noSleep}, func([]byte, bool) ([]byte, error) {
		calls++
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts (3 conflicts then success), got %d", calls)
	}
}

func TestApplyExhaustsRetryBudget(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(), failures: 100}
	ctx := context.Background()
	if _, err := store.MemoryStore.InsertIfAbsent(ctx, "k", []byte("0")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var sleeps int
	opts := ApplyOptions{
		Attempts: 5,
		Sleep: func(context.Context, time.Duration) error {
			sleeps++
			return nil
		},
	}
	_, _, err := Apply(ctx, store, "k", opts, func([]byte, bool) ([]byte, error) {
		return []byte("1"), nil
	})
	if !errors.Is(err, ErrContention) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	if sleeps != 4 {
		t.Fatalf("expected backoff before each retry, got %d sleeps", sleeps)
	}
}

func TestApplyStopsWhenContextCancelled(t *testing.T) {
	store := &conflictingStore{MemoryStore: NewMemoryStore(), failures: 100}
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := store.MemoryStore.InsertIfAbsent(ctx, "k", []byte("0")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	cancel()
	_, _, err := Apply(ctx, store, "k", ApplyOptions{}, func([]byte, bool) ([]byte, error) {
		return []byte("1"), nil
	})
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestApplyDeadlineMapsToErrTimeout(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, _, err := Apply(ctx, store, "k", ApplyOptions{}, func([]byte, bool) ([]byte, error) {
		return []byte("1"), nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
