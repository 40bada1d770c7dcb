// Package feed keeps the read model in step with the ledger: sources report
// that something changed, and the reconciler coalesces those reports into
// debounced refreshes.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// DefaultDebounce is the quiet period before a refresh.
const DefaultDebounce = time.Second

// RefreshFunc re-reads the views for key.
type RefreshFunc func(ctx context.Context, key Key) error

// Reconciler watches one key at a time. Each notification from its source
// restarts the debounce timer; when the timer elapses a single refresh runs.
// Refresh failures are logged and left for the next notification.
type Reconciler struct {
	name     string
	source   Source
	refresh  RefreshFunc
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	key    Key
	active bool
	cancel context.CancelFunc
	deb    *Debouncer
	done   chan struct{}

	refreshes atomic.Uint64
	failures  atomic.Uint64
}

// NewReconciler creates a Reconciler. name distinguishes reconcilers in logs.
func NewReconciler(name string, source Source, refresh RefreshFunc, debounce time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		name:     name,
		source:   source,
		refresh:  refresh,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "reconciler"), slog.String("reconciler", name)),
	}
}

// Watch switches the reconciler to key. Watching the key already watched is a
// no-op; any other key tears down the previous subscription and its pending
// refresh before the new one starts.
func (r *Reconciler) Watch(ctx context.Context, key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active && r.key == key {
		return
	}
	r.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	deb := NewDebouncer(r.debounce, func() { r.runRefresh(runCtx, key) })
	done := make(chan struct{})

	r.key, r.active = key, true
	r.cancel, r.deb, r.done = cancel, deb, done

	r.logger.Info("watching",
		slog.String("contract", key.Contract.Hex()),
		slog.String("account", key.Account),
		slog.Uint64("market_id", key.MarketID),
	)

	go func() {
		defer close(done)
		defer deb.Stop()
		err := r.source.Run(runCtx, key, deb.Trigger)
		if err != nil && runCtx.Err() == nil {
			r.logger.Warn("source stopped", slog.String("error", err.Error()))
		}
	}()
}

// Stop cancels the subscription and any pending refresh.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reconciler) stopLocked() {
	if !r.active {
		return
	}
	r.deb.Stop()
	r.cancel()
	<-r.done
	r.active = false
	r.logger.Debug("stopped", slog.Uint64("market_id", r.key.MarketID))
}

// Key returns the watched key.
func (r *Reconciler) Key() (Key, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key, r.active
}

// Refreshes returns how many refreshes ran and how many of them failed.
func (r *Reconciler) Refreshes() (total, failed uint64) {
	return r.refreshes.Load(), r.failures.Load()
}

func (r *Reconciler) runRefresh(ctx context.Context, key Key) {
	if ctx.Err() != nil {
		return
	}
	r.refreshes.Add(1)
	err := r.refresh(ctx, key)
	if err == nil {
		return
	}
	r.failures.Add(1)
	switch {
	case ctx.Err() != nil, errors.Is(err, domain.ErrStaleSession):
		r.logger.Debug("refresh superseded", slog.String("error", err.Error()))
	case errors.Is(err, domain.ErrNetwork):
		r.logger.Warn("refresh failed, retrying on next change", slog.String("error", err.Error()))
	default:
		r.logger.Error("refresh failed", slog.String("error", err.Error()))
	}
}
