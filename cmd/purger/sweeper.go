package main

import (
	"context"
	"log/slog"
	"time"
)

type tokenPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type markerPurger interface {
	PurgeStaleMarkers(ctx context.Context) (int, error)
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

func newTimeTicker(d time.Duration) purgeTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// runSweeper repeats token and marker sweeps on the provided interval until
// the context is cancelled. Each sweep is bounded by opTimeout so a stalled
// store cannot wedge the loop.
func runSweeper(
	ctx context.Context,
	logger *slog.Logger,
	tokens tokenPurger,
	markers markerPurger,
	interval, opTimeout time.Duration,
	newTicker tickerFactory,
) error {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if newTicker == nil {
		newTicker = newTimeTicker
	}
	ticker := newTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			sweepOnce(ctx, logger, tokens, markers, opTimeout)
		}
	}
}

func sweepOnce(ctx context.Context, logger *slog.Logger, tokens tokenPurger, markers markerPurger, opTimeout time.Duration) {
	if opTimeout <= 0 {
		opTimeout = time.Minute
	}
	sweepCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if tokens != nil {
		removed, err := tokens.PurgeExpired(sweepCtx)
		if err != nil {
			logger.Error("token sweep failed", "error", err)
		} else if removed > 0 {
			logger.Info("purged expired tokens", "removed", removed)
		}
	}
	if markers != nil {
		removed, err := markers.PurgeStaleMarkers(sweepCtx)
		if err != nil {
			logger.Error("marker sweep failed", "error", err)
		} else if removed > 0 {
			logger.Info("purged stale view markers", "removed", removed)
		}
	}
}
