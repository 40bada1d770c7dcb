// Package ledger talks to the prediction market contract and its collateral
// token over JSON-RPC. Every failure it returns is a *domain.LedgerError.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of the node API the client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Addresses locates the two contracts on one chain.
type Addresses struct {
	Market common.Address
	Token  common.Address
}

// GasLimits are the fixed gas limits attached to each write.
type GasLimits struct {
	Approve uint64
	Trade   uint64
	Claim   uint64
	Faucet  uint64
}

// DefaultGasLimits match what the market contract has been observed to need.
var DefaultGasLimits = GasLimits{Approve: 100_000, Trade: 500_000, Claim: 500_000, Faucet: 200_000}

// Options tune a Client.
type Options struct {
	Gas         GasLimits
	ReceiptPoll time.Duration
	CallTimeout time.Duration
}

// Client is the LedgerClient. It is safe for concurrent use.
type Client struct {
	backend Backend
	logger  *slog.Logger
	opts    Options

	mu      sync.RWMutex
	chainID int64
	addrs   Addresses
	bound   bool

	nonceMu sync.Map // common.Address -> *sync.Mutex
}

// NewClient creates a client bound to addrs on chainID. A nil backend yields
// a client whose every call fails with Unavailable.
func NewClient(backend Backend, chainID int64, addrs Addresses, opts Options, logger *slog.Logger) *Client {
	if opts.Gas == (GasLimits{}) {
		opts.Gas = DefaultGasLimits
	}
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = 2 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	return &Client{
		backend: backend,
		logger:  logger.With(slog.String("component", "ledger")),
		opts:    opts,
		chainID: chainID,
		addrs:   addrs,
		bound:   addrs.Market != (common.Address{}) && addrs.Token != (common.Address{}),
	}
}

// Dial connects to rawurl. WebSocket URLs are required for live Trade
// subscriptions; HTTP URLs work for everything else.
func Dial(ctx context.Context, rawurl string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", rawurl, err)
	}
	return c, nil
}

// Rebind points the client at another chain's deployment. ok=false marks the
// ledger unavailable until the next successful Rebind.
func (c *Client) Rebind(chainID int64, addrs Addresses, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chainID = chainID
	c.addrs = addrs
	c.bound = ok && addrs.Market != (common.Address{}) && addrs.Token != (common.Address{})
	c.logger.Info("ledger rebound",
		slog.Int64("chain_id", chainID),
		slog.String("market", addrs.Market.Hex()),
		slog.Bool("available", c.bound),
	)
}

// Binding returns the current chain and contract addresses.
func (c *Client) Binding() (int64, Addresses, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainID, c.addrs, c.bound && c.backend != nil
}

func (c *Client) binding(op string) (int64, Addresses, error) {
	chainID, addrs, ok := c.Binding()
	if !ok {
		return 0, Addresses{}, domain.NewLedgerError(domain.KindUnavailable, op, fmt.Errorf("no contract deployment for chain %d", chainID))
	}
	return chainID, addrs, nil
}

func (c *Client) requireSession(op string, sess domain.Session) error {
	if !sess.Connected() {
		return domain.NewLedgerError(domain.KindUnavailable, op, fmt.Errorf("no session"))
	}
	chainID, _, _ := c.Binding()
	if sess.ChainID != 0 && sess.ChainID != chainID {
		return domain.NewLedgerError(domain.KindStaleSession, op,
			fmt.Errorf("session on chain %d, ledger on chain %d", sess.ChainID, chainID))
	}
	return nil
}

// call packs method on contract, runs eth_call and unpacks the outputs.
func (c *Client) call(ctx context.Context, op string, from common.Address, to common.Address, a abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, domain.NewLedgerError(domain.KindUnavailable, op, fmt.Errorf("pack %s: %w", method, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	vals, err := a.Unpack(method, out)
	if err != nil {
		// Empty return data from a view means no code at the address.
		if len(out) == 0 {
			return nil, domain.NewLedgerError(domain.KindUnavailable, op, fmt.Errorf("no contract code at %s", to.Hex()))
		}
		return nil, domain.NewLedgerError(domain.KindNetwork, op, fmt.Errorf("unpack %s: %w", method, err))
	}
	return vals, nil
}

func (c *Client) callInto(ctx context.Context, op string, to common.Address, a abi.ABI, out interface{}, method string, args ...interface{}) error {
	data, err := a.Pack(method, args...)
	if err != nil {
		return domain.NewLedgerError(domain.KindUnavailable, op, fmt.Errorf("pack %s: %w", method, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return classify(op, err)
	}
	if len(raw) == 0 {
		return domain.NewLedgerError(domain.KindUnavailable, op, fmt.Errorf("no contract code at %s", to.Hex()))
	}
	if err := a.UnpackIntoInterface(out, method, raw); err != nil {
		return domain.NewLedgerError(domain.KindNetwork, op, fmt.Errorf("unpack %s: %w", method, err))
	}
	return nil
}

func bigOrZero(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b
	}
	return new(big.Int)
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

func marketIDArg(id uint64) *big.Int { return new(big.Int).SetUint64(id) }

// ChainID returns the chain the client is currently bound to.
func (c *Client) ChainID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chainID
}
