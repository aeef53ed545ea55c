package settlement

import (
	"context"
	"sync"
	"time"
)

// Sweeper runs the closer and fallback sweeps on their own tickers.
type Sweeper struct {
	svc              *Service
	closeInterval    time.Duration
	fallbackInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSweeper returns a Sweeper. Non-positive intervals default to 1m (close) and 5m (fallback).
func NewSweeper(svc *Service, closeInterval, fallbackInterval time.Duration) *Sweeper {
	if closeInterval <= 0 {
		closeInterval = time.Minute
	}
	if fallbackInterval <= 0 {
		fallbackInterval = 5 * time.Minute
	}
	return &Sweeper{
		svc:              svc,
		closeInterval:    closeInterval,
		fallbackInterval: fallbackInterval,
	}
}

// Start launches both loops. Each loop runs one sweep immediately, then on every tick.
func (w *Sweeper) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.loop(ctx, "close", w.closeInterval, w.svc.CloseDueAuctions)
	go w.loop(ctx, "fallback", w.fallbackInterval, w.svc.RunFallbackSweep)
}

// Stop cancels both loops and waits for an in-flight sweep to return.
func (w *Sweeper) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Sweeper) loop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) (*SweepReport, error)) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx, name, sweep)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Sweeper) runOnce(ctx context.Context, name string, sweep func(context.Context) (*SweepReport, error)) {
	defer func() {
		if r := recover(); r != nil {
			w.svc.logger.Error("sweep panicked", "component", "sweeper", "sweep", name, "panic", r)
		}
	}()

	report, err := sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.svc.logger.Error("sweep failed", "component", "sweeper", "sweep", name, "error", err)
		}
		return
	}
	if len(report.Items) > 0 {
		w.svc.logger.Info("sweep finished",
			"component", "sweeper",
			"sweep", name,
			"items", len(report.Items),
			"errors", report.Errors(),
		)
	}
}
