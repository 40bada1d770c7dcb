// Package memory holds the process-local read model and an in-process
// signal bus.
package memory

import (
	"sort"
	"sync"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

type positionKey struct {
	account  string
	marketID uint64
}

// ViewStore is the read model. Every write carries the session epoch it was
// fetched under; writes from an older epoch are dropped. Values are replaced
// wholesale, so readers never observe a partial refresh.
type ViewStore struct {
	mu        sync.RWMutex
	epoch     uint64
	markets   map[uint64]domain.MarketSnapshot
	summaries []domain.MarketSummary
	orders    map[uint64][]domain.OrderRecord
	positions map[positionKey]domain.Position
	wallets   map[string]domain.WalletState
}

// NewViewStore creates an empty store at epoch 0.
func NewViewStore() *ViewStore {
	s := &ViewStore{}
	s.resetLocked()
	return s
}

func (s *ViewStore) resetLocked() {
	s.markets = make(map[uint64]domain.MarketSnapshot)
	s.summaries = nil
	s.orders = make(map[uint64][]domain.OrderRecord)
	s.positions = make(map[positionKey]domain.Position)
	s.wallets = make(map[string]domain.WalletState)
}

// Epoch returns the epoch writes must carry to be accepted.
func (s *ViewStore) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Advance moves to a new session epoch after an account change. Account
// data is dropped; market data stays valid.
func (s *ViewStore) Advance(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch <= s.epoch {
		return
	}
	s.epoch = epoch
	s.positions = make(map[positionKey]domain.Position)
	s.wallets = make(map[string]domain.WalletState)
}

// Reset moves to a new epoch and drops everything. Used on network change.
func (s *ViewStore) Reset(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.epoch {
		s.epoch = epoch
	}
	s.resetLocked()
}

// PutMarket stores snap unless epoch is stale or a fresher snapshot is
// already held.
func (s *ViewStore) PutMarket(epoch uint64, snap domain.MarketSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	if prev, ok := s.markets[snap.ID]; ok && prev.FetchedAt.After(snap.FetchedAt) {
		return false
	}
	s.markets[snap.ID] = snap
	return true
}

// Market returns the held snapshot for id.
func (s *ViewStore) Market(id uint64) (domain.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	return m, ok
}

// PutSummaries replaces the market list.
func (s *ViewStore) PutSummaries(epoch uint64, list []domain.MarketSummary) bool {
	cp := append([]domain.MarketSummary(nil), list...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.summaries = cp
	return true
}

// Summaries returns the market list.
func (s *ViewStore) Summaries() []domain.MarketSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.MarketSummary(nil), s.summaries...)
}

// PutOrders replaces the order book of a market.
func (s *ViewStore) PutOrders(epoch uint64, marketID uint64, orders []domain.OrderRecord) bool {
	cp := append([]domain.OrderRecord{}, orders...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.orders[marketID] = cp
	return true
}

// Orders returns the held order book for a market. An empty book that was
// fetched is held and reported with ok true.
func (s *ViewStore) Orders(marketID uint64) ([]domain.OrderRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.orders[marketID]
	if !ok {
		return nil, false
	}
	return append([]domain.OrderRecord{}, list...), true
}

// PutPosition replaces the position for (account, market).
func (s *ViewStore) PutPosition(epoch uint64, p domain.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.positions[positionKey{domain.AccountKey(p.Account), p.MarketID}] = p
	return true
}

// Position returns the held position for (account, market).
func (s *ViewStore) Position(account string, marketID uint64) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey{account, marketID}]
	return p, ok
}

// PutWallet replaces the faucet view of an account.
func (s *ViewStore) PutWallet(epoch uint64, w domain.WalletState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false
	}
	s.wallets[domain.AccountKey(w.Account)] = w
	return true
}

// Wallet returns the faucet view of an account.
func (s *ViewStore) Wallet(account string) (domain.WalletState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[account]
	return w, ok
}
