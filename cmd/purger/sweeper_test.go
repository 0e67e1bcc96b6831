package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped = true }

type recordingPurger struct {
	mu      sync.Mutex
	tokens  int
	markers int
	fail    bool
	done    chan struct{}
}

func (p *recordingPurger) PurgeExpired(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens++
	if p.fail {
		return 0, fmt.Errorf("store unavailable")
	}
	return 1, nil
}

func (p *recordingPurger) PurgeStaleMarkers(context.Context) (int, error) {
	p.mu.Lock()
	p.markers++
	done := p.done
	p.mu.Unlock()
	if done != nil {
		done <- struct{}{}
	}
	return 2, nil
}

func (p *recordingPurger) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens, p.markers
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRunSweeperSweepsOnEachTick(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time)}
	purger := &recordingPurger{done: make(chan struct{}, 4)}
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan error, 1)
	go func() {
		finished <- runSweeper(ctx, discardLogger(), purger, purger, time.Minute, time.Second, func(time.Duration) purgeTicker {
			return ticker
		})
	}()

	for i := 0; i < 3; i++ {
		ticker.ch <- time.Now()
		<-purger.done
	}
	cancel()
	if err := <-finished; err != nil {
		t.Fatalf("sweeper returned error: %v", err)
	}
	tokens, markers := purger.counts()
	if tokens != 3 || markers != 3 {
		t.Fatalf("expected 3 sweeps of each kind, got tokens=%d markers=%d", tokens, markers)
	}
	if !ticker.stopped {
		t.Fatal("expected the ticker to be stopped on exit")
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	ticker := &fakeTicker{ch: make(chan time.Time)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := runSweeper(ctx, discardLogger(), &recordingPurger{}, &recordingPurger{}, time.Minute, time.Second, func(time.Duration) purgeTicker {
		return ticker
	})
	if err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
}

func TestSweepOnceContinuesPastTokenFailure(t *testing.T) {
	tokens := &recordingPurger{fail: true}
	markers := &recordingPurger{}
	sweepOnce(context.Background(), discardLogger(), tokens, markers, time.Second)
	if got, _ := tokens.counts(); got != 1 {
		t.Fatalf("expected one token sweep attempt, got %d", got)
	}
	if _, got := markers.counts(); got != 1 {
		t.Fatalf("marker sweep should run despite token failure, got %d", got)
	}
}

func TestSweepOnceToleratesNilPurgers(t *testing.T) {
	sweepOnce(context.Background(), discardLogger(), nil, nil, time.Second)
}
