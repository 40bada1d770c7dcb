package handler

import (
	"math/big"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// JSON projections of the read model. Collateral balances are converted from
// wei to whole tokens; prices, shares and order amounts are the ledger's raw
// integers.

type sessionJSON struct {
	Connected bool   `json:"connected"`
	Account   string `json:"account,omitempty"`
	ChainID   int64  `json:"chain_id,omitempty"`
	Epoch     uint64 `json:"epoch"`
}

func toSessionJSON(s domain.Session) sessionJSON {
	return sessionJSON{Connected: s.Connected(), Account: s.Account(), ChainID: s.ChainID, Epoch: s.Epoch}
}

type marketJSON struct {
	ID             uint64    `json:"id"`
	Question       string    `json:"question"`
	ImageURL       string    `json:"image_url,omitempty"`
	ResolutionTime time.Time `json:"resolution_time"`
	Resolved       bool      `json:"resolved"`
	Open           bool      `json:"open"`
	Outcome        string    `json:"outcome"`
	YesPrice       string    `json:"yes_price"`
	NoPrice        string    `json:"no_price"`
	YesShares      string    `json:"yes_shares"`
	NoShares       string    `json:"no_shares"`
	Creator        string    `json:"creator"`
	YesToken       string    `json:"yes_token"`
	NoToken        string    `json:"no_token"`
	FetchedAt      time.Time `json:"fetched_at"`
}

func toMarketJSON(m domain.MarketSnapshot) marketJSON {
	return marketJSON{
		ID:             m.ID,
		Question:       m.Question,
		ImageURL:       m.ImageURL,
		ResolutionTime: m.ResolutionTime,
		Resolved:       m.Resolved,
		Open:           m.Open(time.Now()),
		Outcome:        m.Outcome.String(),
		YesPrice:       raw(m.YesPrice),
		NoPrice:        raw(m.NoPrice),
		YesShares:      raw(m.YesShares),
		NoShares:       raw(m.NoShares),
		Creator:        m.Creator.Hex(),
		YesToken:       m.YesToken.Hex(),
		NoToken:        m.NoToken.Hex(),
		FetchedAt:      m.FetchedAt,
	}
}

type summaryJSON struct {
	ID             uint64    `json:"id"`
	Question       string    `json:"question"`
	ImageURL       string    `json:"image_url,omitempty"`
	ResolutionTime time.Time `json:"resolution_time"`
	Resolved       bool      `json:"resolved"`
	TotalLiquidity string    `json:"total_liquidity"`
}

func toSummaryJSON(s domain.MarketSummary) summaryJSON {
	return summaryJSON{
		ID:             s.ID,
		Question:       s.Question,
		ImageURL:       s.ImageURL,
		ResolutionTime: s.ResolutionTime,
		Resolved:       s.Resolved,
		TotalLiquidity: raw(s.TotalLiquidity),
	}
}

type orderJSON struct {
	ID        uint64    `json:"id"`
	Trader    string    `json:"trader"`
	Side      string    `json:"side"`
	Direction string    `json:"direction"`
	Amount    string    `json:"amount"`
	Price     string    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

func toOrderJSON(o domain.OrderRecord) orderJSON {
	return orderJSON{
		ID:        o.ID,
		Trader:    o.Trader.Hex(),
		Side:      string(o.Side),
		Direction: string(o.Direction),
		Amount:    raw(o.Amount),
		Price:     raw(o.Price),
		Timestamp: o.Timestamp,
	}
}

type positionJSON struct {
	Account     string    `json:"account"`
	MarketID    uint64    `json:"market_id"`
	YesShares   string    `json:"yes_shares"`
	NoShares    string    `json:"no_shares"`
	MetaBalance string    `json:"meta_balance"`
	FetchedAt   time.Time `json:"fetched_at"`
}

func toPositionJSON(p domain.Position) positionJSON {
	return positionJSON{
		Account:     domain.AccountKey(p.Account),
		MarketID:    p.MarketID,
		YesShares:   raw(p.YesShares),
		NoShares:    raw(p.NoShares),
		MetaBalance: wei(p.MetaBalance),
		FetchedAt:   p.FetchedAt,
	}
}

type walletJSON struct {
	Account         string    `json:"account"`
	Balance         string    `json:"balance"`
	Allowance       string    `json:"allowance"`
	CooldownSeconds int64     `json:"cooldown_seconds"`
	NextMint        string    `json:"next_mint"`
	CanMint         bool      `json:"can_mint"`
	FetchedAt       time.Time `json:"fetched_at"`
}

func toWalletJSON(s domain.WalletState) walletJSON {
	return walletJSON{
		Account:         domain.AccountKey(s.Account),
		Balance:         wei(s.Balance),
		Allowance:       wei(s.Allowance),
		CooldownSeconds: int64(s.Cooldown.Seconds()),
		NextMint:        domain.FormatCooldown(s.Cooldown),
		CanMint:         s.CanMint(),
		FetchedAt:       s.FetchedAt,
	}
}

func wei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return domain.FormatWei(v)
}

func raw(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
