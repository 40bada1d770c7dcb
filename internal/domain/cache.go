package domain

import (
	"context"
	"time"
)

// SnapshotCache mirrors market snapshots so other processes on the same
// ledger can read them without a round trip.
type SnapshotCache interface {
	Set(ctx context.Context, chainID int64, snap MarketSnapshot) error
	Get(ctx context.Context, chainID int64, marketID uint64) (MarketSnapshot, error)
	Invalidate(ctx context.Context, chainID int64, marketID uint64) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub for read-model change events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Channels published on the SignalBus.
const (
	ChannelMarket   = "view:market"
	ChannelOrders   = "view:orders"
	ChannelPosition = "view:position"
	ChannelWallet   = "view:wallet"
	ChannelAttempt  = "view:attempt"
	ChannelSession  = "view:session"
	ChannelQuote    = "view:quote"
)
