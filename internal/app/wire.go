package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/metamarket/internal/cache/memory"
	"github.com/alanyoungcy/metamarket/internal/cache/redis"
	"github.com/alanyoungcy/metamarket/internal/config"
	"github.com/alanyoungcy/metamarket/internal/crypto"
	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/alanyoungcy/metamarket/internal/executor"
	"github.com/alanyoungcy/metamarket/internal/ledger"
	"github.com/alanyoungcy/metamarket/internal/notify"
	"github.com/alanyoungcy/metamarket/internal/quote"
	"github.com/alanyoungcy/metamarket/internal/service"
	"github.com/alanyoungcy/metamarket/internal/wallet"
)

// Dependencies bundles everything the modes operate on. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Node
	RPC    *ethclient.Client
	Ledger *ledger.Client

	// Identity. Keyring is nil when no key is configured.
	Keyring  *wallet.KeyringProvider
	Sessions *wallet.Manager

	// Read model
	Store   *memory.ViewStore
	Bus     domain.SignalBus
	Mirror  domain.SnapshotCache // nil without redis
	Locks   domain.LockManager   // nil without redis
	Markets *service.MarketService
	Wallet  *service.WalletService
	Quotes  *quote.Board

	// Writes
	Pipeline *executor.Pipeline

	// Notifications
	Notifier *notify.Notifier
}

// sessionEvent is published on domain.ChannelSession after every change.
type sessionEvent struct {
	Account   string `json:"account"`
	ChainID   int64  `json:"chain_id"`
	Epoch     uint64 `json:"epoch"`
	Connected bool   `json:"connected"`
	Reason    string `json:"reason"`
	At        int64  `json:"at"`
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Store: memory.NewViewStore()}

	// --- Node ---
	rpc, err := ledger.Dial(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	closers = append(closers, rpc.Close)
	deps.RPC = rpc

	chainID := int64(cfg.Ledger.ChainID)
	if id, err := rpc.ChainID(ctx); err != nil {
		logger.WarnContext(ctx, "node chain id unavailable, using configured chain",
			slog.Int64("chain_id", chainID),
			slog.String("error", err.Error()),
		)
	} else {
		chainID = id.Int64()
	}
	market, token, bound := cfg.Ledger.Contracts(chainID)
	if !bound {
		logger.WarnContext(ctx, "no contract deployment for node chain, ledger unavailable",
			slog.Int64("chain_id", chainID),
		)
	}
	deps.Ledger = ledger.NewClient(rpc, chainID, ledger.Addresses{Market: market, Token: token}, ledger.Options{
		Gas: ledger.GasLimits{
			Approve: uint64(cfg.Ledger.Gas.Approve),
			Trade:   uint64(cfg.Ledger.Gas.Trade),
			Claim:   uint64(cfg.Ledger.Gas.Claim),
			Faucet:  uint64(cfg.Ledger.Gas.Faucet),
		},
		ReceiptPoll: cfg.Ledger.ReceiptPoll.Duration,
		CallTimeout: cfg.Ledger.CallTimeout.Duration,
	}, logger)

	// --- Redis (optional) ---
	deps.Bus = memory.NewSignalBus()
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Name:       "metamarket",
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Mirror = redis.NewSnapshotCache(redisClient)
		locks := redis.NewLockManager(redisClient)
		locks.OnUnlockError(func(key string, err error) {
			logger.Warn("commitment lock release failed, waiting for ttl",
				slog.String("component", "executor"),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		})
		deps.Locks = locks
		deps.Bus = redis.NewSignalBus(redisClient, strconv.FormatInt(chainID, 10))
	}

	// --- Identity ---
	var provider wallet.Provider
	keyCfg := crypto.KeyringConfig{
		RawPrivateKeys:    cfg.Wallet.PrivateKeys,
		EncryptedKeyPaths: cfg.Wallet.EncryptedKeyPaths,
		KeyPassword:       cfg.Wallet.KeyPassword,
	}
	if !keyCfg.Empty() {
		keys, err := crypto.LoadKeys(keyCfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		var approver wallet.Approver = wallet.AutoApprove{}
		if !cfg.Wallet.AutoApprove {
			approver = wallet.NewPromptApprover(os.Stdin, os.Stderr)
		}
		deps.Keyring = wallet.NewKeyringProvider(keys, chainID, approver)
		provider = deps.Keyring
	} else {
		logger.InfoContext(ctx, "no keys configured, connect requests will fail")
	}
	deps.Sessions = wallet.NewManager(provider, logger)
	closers = append(closers, deps.Sessions.Close)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Read model ---
	deps.Markets = service.NewMarketService(deps.Ledger, deps.Store, deps.Sessions, deps.Mirror, deps.Bus, logger)
	deps.Wallet = service.NewWalletService(deps.Ledger, deps.Store, deps.Sessions, deps.Bus, logger)
	deps.Quotes = quote.NewBoard(quote.NewEngine(deps.Ledger, logger), deps.Sessions, deps.Bus, logger)

	// Session changes drop account data, rebind the ledger on a chain switch
	// and are announced. Registered before any mode listener so the ledger
	// is rebound before reconcilers re-key.
	closers = append(closers,
		deps.Sessions.OnAccountChanged(func(s domain.Session) {
			deps.Store.Advance(s.Epoch)
			deps.announceSession(s, "account", logger)
		}),
		deps.Sessions.OnNetworkChanged(func(s domain.Session) {
			deps.Store.Reset(s.Epoch)
			m, t, ok := cfg.Ledger.Contracts(s.ChainID)
			deps.Ledger.Rebind(s.ChainID, ledger.Addresses{Market: m, Token: t}, ok)
			deps.announceSession(s, "network", logger)
		}),
	)

	// --- Writes ---
	opts := []executor.Option{
		executor.WithRefresher(deps.Markets),
		executor.WithWalletRefresher(deps.Wallet),
		executor.WithSignalBus(deps.Bus),
	}
	if deps.Notifier.Enabled() {
		opts = append(opts, executor.WithNotifier(deps.Notifier))
	}
	if deps.Locks != nil {
		opts = append(opts, executor.WithLockManager(deps.Locks))
	}
	deps.Pipeline = executor.NewPipeline(executor.NewLedgerWriter(deps.Ledger), deps.Sessions, executor.Config{
		AttemptTimeout: cfg.Executor.AttemptTimeout.Duration,
		LockTTL:        cfg.Executor.LockTTL.Duration,
		Retain:         cfg.Executor.Retain.Duration,
	}, logger, opts...)
	closers = append(closers, func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = deps.Pipeline.Shutdown(shutCtx)
	})

	return deps, cleanup, nil
}

// announceSession publishes a session change and notifies operators. It runs
// on the provider's callback goroutine, so the notification is sent async.
func (d *Dependencies) announceSession(s domain.Session, reason string, logger *slog.Logger) {
	ev := sessionEvent{
		Account:   s.Account(),
		ChainID:   s.ChainID,
		Epoch:     s.Epoch,
		Connected: s.Connected(),
		Reason:    reason,
		At:        time.Now().UnixMilli(),
	}
	ctx := context.Background()
	if payload, err := json.Marshal(ev); err == nil {
		if err := d.Bus.Publish(ctx, domain.ChannelSession, payload); err != nil {
			logger.Warn("session event publish failed", slog.String("error", err.Error()))
		}
	}

	if !d.Notifier.Enabled() {
		return
	}
	account := ev.Account
	if account == "" {
		account = "disconnected"
	}
	msg := notify.Notification{
		Event: notify.EventSessionChanged,
		Title: "Session changed",
		Fields: map[string]string{
			"account":  account,
			"chain_id": strconv.FormatInt(s.ChainID, 10),
			"reason":   reason,
		},
	}
	go func() {
		nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.Notifier.Notify(nctx, msg); err != nil {
			logger.Warn("session notification failed", slog.String("error", err.Error()))
		}
	}()
}
