package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/metamarket/internal/cache/memory"
	"github.com/alanyoungcy/metamarket/internal/domain"
	"golang.org/x/sync/errgroup"
)

// WalletService keeps the faucet view (balance, market allowance and mint
// cooldown) current.
type WalletService struct {
	ledger   Ledger
	store    *memory.ViewStore
	sessions SessionSource
	bus      domain.SignalBus
	logger   *slog.Logger
}

// NewWalletService creates a WalletService. bus may be nil.
func NewWalletService(ledger Ledger, store *memory.ViewStore, sessions SessionSource, bus domain.SignalBus, logger *slog.Logger) *WalletService {
	return &WalletService{
		ledger:   ledger,
		store:    store,
		sessions: sessions,
		bus:      bus,
		logger:   logger.With(slog.String("component", "wallet_service")),
	}
}

// Refresh re-reads balance, allowance and cooldown for the active account.
func (s *WalletService) Refresh(ctx context.Context) error {
	sess := s.sessions.Current()
	if !sess.Connected() {
		return nil
	}

	var balance, allowance *big.Int
	var cooldown time.Duration
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.ledger.Balance(gctx, sess)
		balance = v
		return err
	})
	g.Go(func() error {
		v, err := s.ledger.Allowance(gctx, sess)
		allowance = v
		return err
	})
	g.Go(func() error {
		v, err := s.ledger.TimeUntilNextMint(gctx, sess)
		cooldown = v
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("wallet_service: refresh: %w", err)
	}

	w := domain.WalletState{
		Account:   sess.Address,
		Balance:   balance,
		Allowance: allowance,
		Cooldown:  cooldown,
		FetchedAt: time.Now().UTC(),
	}
	if s.store.PutWallet(sess.Epoch, w) {
		publish(ctx, s.bus, s.logger, domain.ChannelWallet, ViewEvent{Kind: "wallet", Account: sess.Account(), Epoch: sess.Epoch})
	}
	return nil
}

// State returns the held faucet view, fetching on a miss.
func (s *WalletService) State(ctx context.Context) (domain.WalletState, error) {
	sess := s.sessions.Current()
	if !sess.Connected() {
		return domain.WalletState{}, domain.ErrUnavailable
	}
	if w, ok := s.store.Wallet(sess.Account()); ok {
		return w, nil
	}
	if err := s.Refresh(ctx); err != nil {
		return domain.WalletState{}, err
	}
	if w, ok := s.store.Wallet(sess.Account()); ok {
		return w, nil
	}
	return domain.WalletState{}, fmt.Errorf("wallet_service: state: %w", domain.ErrStaleSession)
}
