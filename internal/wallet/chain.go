package wallet

import (
	"context"
	"log/slog"
	"math/big"
	"time"
)

// ChainIDFetcher reports the chain the RPC node is on. *ethclient.Client
// satisfies it.
type ChainIDFetcher interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// ChainWatcher polls the node and reports chain switches to the keyring.
type ChainWatcher struct {
	fetch    ChainIDFetcher
	provider *KeyringProvider
	interval time.Duration
	logger   *slog.Logger
}

// NewChainWatcher creates a watcher polling every interval.
func NewChainWatcher(fetch ChainIDFetcher, provider *KeyringProvider, interval time.Duration, logger *slog.Logger) *ChainWatcher {
	return &ChainWatcher{
		fetch:    fetch,
		provider: provider,
		interval: interval,
		logger:   logger.With(slog.String("component", "chain_watcher")),
	}
}

// Run polls until ctx is cancelled.
func (w *ChainWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *ChainWatcher) poll(ctx context.Context) {
	id, err := w.fetch.ChainID(ctx)
	if err != nil {
		w.logger.Warn("chain id poll failed", slog.String("error", err.Error()))
		return
	}
	w.provider.SetChainID(id.Int64())
}
