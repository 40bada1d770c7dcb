package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// capability is the Signer handed out inside a Session. It stops signing the
// moment the session it belongs to is replaced.
type capability struct {
	inner domain.Signer
	valid atomic.Bool

	// use is held for reading around broadcasts; invalidate takes it for
	// writing so nothing signed here goes out after replacement.
	use sync.RWMutex
}

func newCapability(inner domain.Signer) *capability {
	c := &capability{inner: inner}
	c.valid.Store(true)
	return c
}

func (c *capability) Address() common.Address { return c.inner.Address() }

func (c *capability) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if !c.valid.Load() {
		return nil, fmt.Errorf("wallet: sign: %w", domain.ErrStaleSession)
	}
	signed, err := c.inner.SignTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	// The session may have been replaced while the approval was pending.
	if !c.valid.Load() {
		return nil, fmt.Errorf("wallet: sign: %w", domain.ErrStaleSession)
	}
	return signed, nil
}

// Use runs fn while the capability is valid. Invalidation blocks until fn
// returns.
func (c *capability) Use(fn func() error) error {
	c.use.RLock()
	defer c.use.RUnlock()
	if !c.valid.Load() {
		return fmt.Errorf("wallet: %w", domain.ErrStaleSession)
	}
	return fn()
}

func (c *capability) invalidate() {
	c.use.Lock()
	c.valid.Store(false)
	c.use.Unlock()
}

var _ domain.Revocable = (*capability)(nil)

// Manager holds the single active Session of the process.
//
// Replacing the session invalidates the old capability before the new one
// is installed, and listeners run synchronously in subscription order.
// Listeners may call Current but must not call Connect or Disconnect.
type Manager struct {
	provider Provider
	logger   *slog.Logger

	notifyMu sync.Mutex // serializes replace+notify cycles

	mu        sync.Mutex
	session   domain.Session
	cap       *capability
	accountLs listeners[domain.Session]
	networkLs listeners[domain.Session]
	cancels   []func()
}

// NewManager creates a Manager for provider. A nil provider is allowed;
// Connect then fails with domain.ErrNoProvider.
func NewManager(provider Provider, logger *slog.Logger) *Manager {
	m := &Manager{
		provider: provider,
		logger:   logger.With(slog.String("component", "wallet")),
	}
	if provider != nil {
		m.cancels = append(m.cancels,
			provider.OnAccountsChanged(m.handleAccounts),
			provider.OnChainChanged(m.handleChain),
		)
	}
	return m
}

// Restore adopts an already-authorized account without prompting. It is a
// no-op when nothing is authorized yet.
func (m *Manager) Restore(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	accounts, err := m.provider.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("wallet: restore: %w", err)
	}
	if len(accounts) == 0 {
		return nil
	}
	chainID, err := m.provider.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("wallet: restore: chain id: %w", err)
	}
	return m.install(accounts[0], chainID, &m.accountLs)
}

// Connect asks the provider for an account and installs a session for it.
func (m *Manager) Connect(ctx context.Context) (domain.Session, error) {
	if m.provider == nil {
		return domain.Session{}, domain.ErrNoProvider
	}
	accounts, err := m.provider.RequestAccounts(ctx)
	if err != nil {
		return domain.Session{}, fmt.Errorf("wallet: connect: %w", err)
	}
	if len(accounts) == 0 {
		return domain.Session{}, fmt.Errorf("wallet: connect: no accounts: %w", domain.ErrRejected)
	}
	chainID, err := m.provider.ChainID(ctx)
	if err != nil {
		return domain.Session{}, fmt.Errorf("wallet: connect: chain id: %w", err)
	}

	cur := m.Current()
	if cur.Connected() && cur.Address == accounts[0] && cur.ChainID == chainID {
		return cur, nil
	}
	if err := m.install(accounts[0], chainID, &m.accountLs); err != nil {
		return domain.Session{}, err
	}
	return m.Current(), nil
}

// Current returns the active session. The zero-address session means
// disconnected.
func (m *Manager) Current() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Disconnect clears the session.
func (m *Manager) Disconnect() {
	m.clear()
}

// OnAccountChanged subscribes fn to account replacements and clears.
func (m *Manager) OnAccountChanged(fn func(domain.Session)) (cancel func()) {
	m.mu.Lock()
	id := m.accountLs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.accountLs.remove(id)
		m.mu.Unlock()
	}
}

// OnNetworkChanged subscribes fn to chain switches.
func (m *Manager) OnNetworkChanged(fn func(domain.Session)) (cancel func()) {
	m.mu.Lock()
	id := m.networkLs.add(fn)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.networkLs.remove(id)
		m.mu.Unlock()
	}
}

// Close detaches from the provider and invalidates the active capability.
func (m *Manager) Close() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	if m.cap != nil {
		m.cap.invalidate()
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (m *Manager) handleAccounts(accounts []common.Address) {
	if len(accounts) == 0 {
		m.logger.Info("provider reports no accounts, clearing session")
		m.clear()
		return
	}
	cur := m.Current()
	if cur.Connected() && cur.Address == accounts[0] {
		return
	}
	chainID := cur.ChainID
	if chainID == 0 {
		id, err := m.provider.ChainID(context.Background())
		if err != nil {
			m.logger.Error("chain id lookup failed", slog.String("error", err.Error()))
			return
		}
		chainID = id
	}
	if err := m.install(accounts[0], chainID, &m.accountLs); err != nil {
		m.logger.Error("account switch failed", slog.String("error", err.Error()))
	}
}

// handleChain re-establishes the session on the new chain. Every
// chain-scoped cache is invalid afterwards, so network listeners are
// expected to reload.
func (m *Manager) handleChain(chainID int64) {
	cur := m.Current()
	m.logger.Info("network changed",
		slog.Int64("from", cur.ChainID),
		slog.Int64("to", chainID),
	)
	if !cur.Connected() {
		m.notifyMu.Lock()
		defer m.notifyMu.Unlock()
		m.mu.Lock()
		m.session.ChainID = chainID
		m.session.Epoch++
		snap := m.session
		fns := m.networkLs.snapshot()
		m.mu.Unlock()
		for _, fn := range fns {
			fn(snap)
		}
		return
	}
	if err := m.install(cur.Address, chainID, &m.networkLs); err != nil {
		m.logger.Error("session re-establish after network change failed", slog.String("error", err.Error()))
		m.clear()
	}
}

func (m *Manager) install(account common.Address, chainID int64, notify *listeners[domain.Session]) error {
	signer, err := m.provider.Signer(account, chainID)
	if err != nil {
		return fmt.Errorf("wallet: signer for %s: %w", account.Hex(), err)
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.cap != nil {
		m.cap.invalidate()
	}
	m.cap = newCapability(signer)
	m.session = domain.Session{
		Address: account,
		ChainID: chainID,
		Epoch:   m.session.Epoch + 1,
		Signer:  m.cap,
	}
	snap := m.session
	fns := notify.snapshot()
	m.mu.Unlock()

	m.logger.Info("session installed",
		slog.String("account", snap.Account()),
		slog.Int64("chain_id", chainID),
		slog.Uint64("epoch", snap.Epoch),
	)
	for _, fn := range fns {
		fn(snap)
	}
	return nil
}

func (m *Manager) clear() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.cap != nil {
		m.cap.invalidate()
		m.cap = nil
	}
	m.session = domain.Session{ChainID: m.session.ChainID, Epoch: m.session.Epoch + 1}
	snap := m.session
	fns := m.accountLs.snapshot()
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
