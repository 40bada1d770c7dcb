package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/alanyoungcy/metamarket/internal/executor"
	"github.com/alanyoungcy/metamarket/internal/feed"
	"github.com/alanyoungcy/metamarket/internal/server"
	"github.com/alanyoungcy/metamarket/internal/server/handler"
	"github.com/alanyoungcy/metamarket/internal/server/ws"
	"github.com/alanyoungcy/metamarket/internal/wallet"
)

// ServerMode serves the HTTP API and WebSocket hub while keeping the read
// model for market_id current.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	} else {
		a.logger.WarnContext(ctx, "server.enabled is false; running reconcilers only")
	}

	return g.Wait()
}

// WatchMode follows market_id without an HTTP surface and logs every view
// change.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode", slog.Int("market_id", a.cfg.MarketID))

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)

	for _, ch := range ws.Channels {
		g.Go(func() error {
			return a.logViewEvents(ctx, deps.Bus, ch)
		})
	}

	return g.Wait()
}

// FaucetMode connects, mints once, waits for the commitment and exits. A
// running cooldown is reported as an error so the exit status reflects it.
func (a *App) FaucetMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting faucet mode")

	sess, err := deps.Sessions.Connect(ctx)
	if err != nil {
		return fmt.Errorf("faucet mode: %w", err)
	}

	attempt, err := deps.Pipeline.SubmitFaucet(ctx, sess)
	if err != nil {
		if errors.Is(err, domain.ErrCooldownActive) {
			a.logger.WarnContext(ctx, "mint suppressed", slog.String("reason", err.Error()))
		}
		return fmt.Errorf("faucet mode: %w", err)
	}
	a.logger.InfoContext(ctx, "mint submitted",
		slog.String("attempt_id", attempt.ID),
		slog.String("account", sess.Account()),
	)

	if err := attempt.Wait(ctx); err != nil {
		return fmt.Errorf("faucet mode: %w", err)
	}
	if err := attempt.Err(); err != nil {
		return fmt.Errorf("faucet mode: %w", err)
	}

	state, err := deps.Wallet.State(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "minted, but wallet state unavailable", slog.String("error", err.Error()))
		return nil
	}
	a.logger.InfoContext(ctx, "mint confirmed",
		slog.String("balance", domain.FormatWei(state.Balance)),
		slog.String("next_mint", domain.FormatCooldown(state.Cooldown)),
	)
	return nil
}

// startBackground restores the session, follows chain switches and starts
// the reconcilers. Everything stops when ctx ends.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	a.restoreSession(ctx, deps)

	if deps.Keyring != nil {
		watcher := wallet.NewChainWatcher(deps.RPC, deps.Keyring, a.cfg.Reconciler.ChainPoll.Duration, a.logger)
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	if err := deps.Markets.RefreshMarkets(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial market list load failed", slog.String("error", err.Error()))
	}

	stop := a.startReconcilers(ctx, deps)
	g.Go(func() error {
		<-ctx.Done()
		stop()
		return ctx.Err()
	})
}

func (a *App) restoreSession(ctx context.Context, deps *Dependencies) {
	if a.cfg.Wallet.AutoConnect {
		if _, err := deps.Sessions.Connect(ctx); err != nil {
			a.logger.WarnContext(ctx, "auto connect failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := deps.Sessions.Restore(ctx); err != nil {
		a.logger.WarnContext(ctx, "session restore failed", slog.String("error", err.Error()))
	}
}

// startReconcilers builds the market and wallet reconcilers and keeps them
// keyed to the active session and contract binding. The returned func stops
// both and detaches from the session.
func (a *App) startReconcilers(ctx context.Context, deps *Dependencies) func() {
	marketID := uint64(a.cfg.MarketID)

	// Market views refresh on Trade logs and, with a shared bus, on writes
	// confirmed by other processes. Own writes are refreshed by the pipeline.
	var marketSources []feed.Source
	if a.cfg.Reconciler.WatchTrades {
		marketSources = append(marketSources, feed.NewTradeSource(deps.Ledger, a.logger))
	}
	walletSources := []feed.Source{feed.TickerSource{Interval: a.cfg.Reconciler.WalletRefresh.Duration}}
	if a.cfg.Redis.Enabled {
		origin := deps.Pipeline.Origin()
		marketSources = append(marketSources, peerWrites(deps.Bus, origin, domain.CommitmentTrade, domain.CommitmentClaim))
		walletSources = append(walletSources, peerWrites(deps.Bus, origin, domain.CommitmentFaucet))
	}
	markets := feed.NewReconciler("market", feed.Merge(marketSources...), func(ctx context.Context, key feed.Key) error {
		return deps.Markets.RefreshAll(ctx, key.MarketID)
	}, a.cfg.Reconciler.Debounce.Duration, a.logger)

	// Balance and cooldown are polled. The ticker already spaces refreshes,
	// so no debounce.
	wallets := feed.NewReconciler("wallet", feed.Merge(walletSources...), func(ctx context.Context, _ feed.Key) error {
		return deps.Wallet.Refresh(ctx)
	}, 0, a.logger)

	rekey := func(s domain.Session) {
		_, addrs, _ := deps.Ledger.Binding()
		markets.Watch(ctx, feed.Key{Contract: addrs.Market, Account: s.Account(), MarketID: marketID})
		if s.Connected() {
			wallets.Watch(ctx, feed.Key{Contract: addrs.Token, Account: s.Account()})
		} else {
			wallets.Stop()
		}
		// Sources only report changes, so load the current state once.
		go func() {
			if err := deps.Markets.RefreshAll(ctx, marketID); err != nil && ctx.Err() == nil {
				a.logger.WarnContext(ctx, "market load after session change failed",
					slog.Uint64("market_id", marketID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	rekey(deps.Sessions.Current())
	cancelAccount := deps.Sessions.OnAccountChanged(rekey)
	cancelNetwork := deps.Sessions.OnNetworkChanged(rekey)

	return func() {
		cancelAccount()
		cancelNetwork()
		markets.Stop()
		wallets.Stop()
		total, failed := markets.Refreshes()
		a.logger.Info("reconcilers stopped",
			slog.Uint64("market_refreshes", total),
			slog.Uint64("market_refresh_failures", failed),
		)
	}
}

// peerWrites notifies when a pipeline other than origin confirms a write of
// the given kinds on the shared bus.
func peerWrites(bus domain.SignalBus, origin string, kinds ...domain.CommitmentKind) feed.Source {
	return feed.NewBusSource(bus, domain.ChannelAttempt, attemptDone(origin, kinds...))
}

// attemptDone matches attempt views of the given kinds from pipelines other
// than origin that reached StageDone for the watched market, or for the
// watched account on mints.
func attemptDone(origin string, kinds ...domain.CommitmentKind) func(feed.Key, []byte) bool {
	return func(key feed.Key, payload []byte) bool {
		var v executor.AttemptView
		if err := json.Unmarshal(payload, &v); err != nil {
			return false
		}
		if v.Origin == origin || v.Stage != executor.StageDone || !slices.Contains(kinds, v.Kind) {
			return false
		}
		if v.Kind == domain.CommitmentFaucet {
			return v.Account == key.Account
		}
		return v.MarketID == key.MarketID
	}
}

func (a *App) logViewEvents(ctx context.Context, bus domain.SignalBus, channel string) error {
	ch, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("watch mode: subscribe %s: %w", channel, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			a.logger.InfoContext(ctx, "view changed",
				slog.String("channel", channel),
				slog.String("event", string(payload)),
			)
		}
	}
}

// startHTTPServer adds the HTTP server and WebSocket hub to g. The server is
// shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Bus, ws.Config{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		Hello: func() any {
			s := deps.Sessions.Current()
			return sessionEvent{
				Account:   s.Account(),
				ChainID:   s.ChainID,
				Epoch:     s.Epoch,
				Connected: s.Connected(),
				Reason:    "hello",
				At:        time.Now().UnixMilli(),
			}
		},
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var selector handler.AccountSelector
	if deps.Keyring != nil {
		selector = deps.Keyring
	}
	pending := func() int { return len(deps.Pipeline.Pending()) }
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.Ledger.ChainID, pending, a.logger),
		Session: handler.NewSessionHandler(deps.Sessions, selector, a.logger),
		Markets: handler.NewMarketHandler(deps.Markets, deps.Quotes, a.logger),
		Trades:  handler.NewTradeHandler(deps.Pipeline, deps.Sessions, a.logger),
		Wallet:  handler.NewWalletHandler(deps.Wallet, a.logger),
	}
	srv := server.NewServer(server.Config{
		Host:        a.cfg.Server.Host,
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
