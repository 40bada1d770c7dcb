package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/metamarket/internal/crypto"
	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/stretchr/testify/require"
)

const testChainID = 1337

var (
	testMarket = common.HexToAddress("0xfDb6669cF60C1dBfB0f72Ea50A6eC5e0FD6089E1")
	testToken  = common.HexToAddress("0x594f79e85F6f041eb56cF6822FF4125ee316409E")
)

type callHandler func(args []interface{}) ([]byte, error)

type fakeBackend struct {
	mu       sync.Mutex
	handlers map[string]callHandler
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sendErr  error
	replayed []*big.Int
	logsCh   chan<- types.Log
	subErr   chan error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		handlers: make(map[string]callHandler),
		receipts: make(map[common.Hash]*types.Receipt),
		subErr:   make(chan error, 1),
	}
}

func (f *fakeBackend) handle(method string, h callHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	var m *abi.Method
	var err error
	if *msg.To == testToken {
		m, err = tokenABI.MethodById(msg.Data[:4])
	} else {
		m, err = marketABI.MethodById(msg.Data[:4])
	}
	if err != nil {
		return nil, err
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	h := f.handlers[m.Name]
	if block != nil {
		f.replayed = append(f.replayed, block)
	}
	f.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("no handler for %s", m.Name)
	}
	return h(args)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	f.logsCh = ch
	f.mu.Unlock()
	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
			return nil
		case err := <-f.subErr:
			return err
		}
	}), nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(testChainID), nil
}

func (f *fakeBackend) confirm(tx *types.Transaction, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(42), GasUsed: 50_000}
}

func (f *fakeBackend) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// revertError mimics the node's JSON-RPC error for a reverted call.
type revertError struct {
	msg  string
	data string
}

func (e *revertError) Error() string          { return e.msg }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return e.data }

func packRevert(t *testing.T, reason string) string {
	t.Helper()
	strTy, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	enc, err := abi.Arguments{{Type: strTy}}.Pack(reason)
	require.NoError(t, err)
	return "0x08c379a0" + common.Bytes2Hex(enc)
}

func packOutputs(t *testing.T, a abi.ABI, method string, vals ...interface{}) []byte {
	t.Helper()
	out, err := a.Methods[method].Outputs.Pack(vals...)
	require.NoError(t, err)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(b Backend) *Client {
	return NewClient(b, testChainID, Addresses{Market: testMarket, Token: testToken},
		Options{ReceiptPoll: 5 * time.Millisecond}, testLogger())
}

func newTestSession(t *testing.T) domain.Session {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s := crypto.NewTxSigner(key, testChainID)
	return domain.Session{Address: s.Address(), ChainID: testChainID, Epoch: 1, Signer: s}
}

// refusingSigner always declines.
type refusingSigner struct{ addr common.Address }

func (r refusingSigner) Address() common.Address { return r.addr }
func (r refusingSigner) SignTx(context.Context, *types.Transaction) (*types.Transaction, error) {
	return nil, fmt.Errorf("declined: %w", domain.ErrRejected)
}

var errBoom = errors.New("connection reset by peer")
