package account

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RefreshWorker proactively refreshes access tokens that are about to
// expire, so interactive tool calls rarely pay refresh latency. It is
// best-effort: a failed refresh is logged and retried on the next cycle,
// and the on-demand path in TokenSource remains the source of truth.
type RefreshWorker struct {
	store    *Store
	tokens   *TokenSource
	interval time.Duration
	window   time.Duration

	mu        sync.Mutex
	lastCycle time.Time
	refreshed int
	failed    int
}

// RefreshWorkerConfig holds refresh worker settings.
type RefreshWorkerConfig struct {
	Interval time.Duration // how often to scan (default 5m)
	Window   time.Duration // refresh tokens expiring within (default 15m)
}

// NewRefreshWorker creates a token refresh worker.
func NewRefreshWorker(store *Store, tokens *TokenSource, cfg RefreshWorkerConfig) *RefreshWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	return &RefreshWorker{
		store:    store,
		tokens:   tokens,
		interval: cfg.Interval,
		window:   cfg.Window,
	}
}

// Run executes refresh cycles until ctx is cancelled.
func (w *RefreshWorker) Run(ctx context.Context) {
	slog.Info("token refresh worker started",
		"interval", w.interval,
		"window", w.window,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("token refresh worker stopped")
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *RefreshWorker) cycle(ctx context.Context) {
	accounts, err := w.store.Expiring(w.window)
	if err != nil {
		slog.Warn("refresh cycle: expiring scan failed", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	refreshed, failed := 0, 0
	for _, a := range accounts {
		cycleCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := w.tokens.Token(cycleCtx, a.ID)
		cancel()
		if err != nil {
			failed++
			slog.Warn("proactive refresh failed",
				"account", a.ID,
				"provider", a.Provider,
				"error", err,
			)
			continue
		}
		refreshed++
	}

	w.mu.Lock()
	w.lastCycle = time.Now()
	w.refreshed += refreshed
	w.failed += failed
	w.mu.Unlock()

	slog.Info("refresh cycle complete",
		"candidates", len(accounts),
		"refreshed", refreshed,
		"failed", failed,
	)
}
