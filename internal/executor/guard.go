package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// InFlight admits at most one holder per key within this process. It is
// safe for concurrent use.
type InFlight struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> acquired at
}

// NewInFlight creates an empty guard.
func NewInFlight() *InFlight {
	return &InFlight{held: make(map[string]time.Time)}
}

// TryAcquire claims key. The release func is idempotent.
func (g *InFlight) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[key]; busy {
		return nil, false
	}
	g.held[key] = time.Now()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true
}

// HeldSince reports when key was claimed.
func (g *InFlight) HeldSince(key string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.held[key]
	return t, ok
}

// Len returns the number of held keys.
func (g *InFlight) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// guardKey identifies the pipeline slot for (kind, account, market).
func guardKey(kind domain.CommitmentKind, account string, marketID uint64) string {
	parts := []string{string(kind), strings.ToLower(account)}
	if kind != domain.CommitmentFaucet {
		parts = append(parts, strconv.FormatUint(marketID, 10))
	}
	return strings.Join(parts, ":")
}

// acquire claims the local slot and, when a lock manager is configured, the
// shared one as well so other processes using the same account back off.
func (p *Pipeline) acquire(ctx context.Context, key string) (func(), error) {
	release, ok := p.inflight.TryAcquire(key)
	if !ok {
		return nil, fmt.Errorf("executor: %s: %w", key, domain.ErrTradeInProgress)
	}
	if p.locks == nil {
		return release, nil
	}

	unlock, err := p.locks.Acquire(ctx, key, p.lockTTL)
	if err != nil {
		release()
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("executor: %s held by another process: %w", key, domain.ErrTradeInProgress)
		}
		return nil, fmt.Errorf("executor: lock %s: %w", key, err)
	}
	return func() {
		unlock()
		release()
	}, nil
}
