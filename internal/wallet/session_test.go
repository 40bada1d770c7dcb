package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func genKeys(t *testing.T, n int) []*ecdsa.PrivateKey {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, n)
	for i := range keys {
		k, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = k
	}
	return keys
}

type denyAll struct{}

func (denyAll) ApproveConnect(context.Context, []common.Address) (bool, error) { return false, nil }
func (denyAll) ApproveTx(context.Context, common.Address, *types.Transaction) (bool, error) {
	return false, nil
}

func dummyTx() *types.Transaction {
	to := common.HexToAddress("0xfDb6669cF60C1dBfB0f72Ea50A6eC5e0FD6089E1")
	return types.NewTx(&types.LegacyTx{Nonce: 0, GasPrice: big.NewInt(1), Gas: 100000, To: &to, Value: big.NewInt(0)})
}

func TestConnectWithoutProvider(t *testing.T) {
	m := NewManager(nil, testLogger())
	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoProvider)
	assert.False(t, m.Current().Connected())
}

func TestConnectDeclined(t *testing.T) {
	p := NewKeyringProvider(genKeys(t, 1), 1, denyAll{})
	m := NewManager(p, testLogger())

	_, err := m.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrRejected)
	assert.False(t, m.Current().Connected())
}

func TestConnectInstallsSession(t *testing.T) {
	keys := genKeys(t, 1)
	p := NewKeyringProvider(keys, 31337, nil)
	m := NewManager(p, testLogger())

	sess, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.True(t, sess.Connected())
	assert.Equal(t, ethcrypto.PubkeyToAddress(keys[0].PublicKey), sess.Address)
	assert.Equal(t, int64(31337), sess.ChainID)
	assert.Equal(t, uint64(1), sess.Epoch)

	again, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sess.Epoch, again.Epoch, "reconnecting the same account keeps the session")
}

func TestAccountSwitchInvalidatesOldCapability(t *testing.T) {
	keys := genKeys(t, 2)
	p := NewKeyringProvider(keys, 1, nil)
	m := NewManager(p, testLogger())

	first, err := m.Connect(context.Background())
	require.NoError(t, err)

	var order []string
	var seen []domain.Session
	m.OnAccountChanged(func(s domain.Session) {
		order = append(order, "a")
		seen = append(seen, s)
		// The old signer is already unusable by the time listeners run.
		_, err := first.Signer.SignTx(context.Background(), dummyTx())
		assert.ErrorIs(t, err, domain.ErrStaleSession)
	})
	m.OnAccountChanged(func(domain.Session) { order = append(order, "b") })

	second := ethcrypto.PubkeyToAddress(keys[1].PublicKey)
	require.NoError(t, p.Select(second))

	assert.Equal(t, []string{"a", "b"}, order)
	require.Len(t, seen, 1)
	assert.Equal(t, second, seen[0].Address)
	assert.Greater(t, seen[0].Epoch, first.Epoch)

	cur := m.Current()
	signed, err := cur.Signer.SignTx(context.Background(), dummyTx())
	require.NoError(t, err)
	assert.NotNil(t, signed)
}

func TestReplacementWaitsForBroadcastInUse(t *testing.T) {
	keys := genKeys(t, 2)
	p := NewKeyringProvider(keys, 1, nil)
	m := NewManager(p, testLogger())
	first, err := m.Connect(context.Background())
	require.NoError(t, err)

	use, ok := first.Signer.(domain.Revocable)
	require.True(t, ok)

	entered, release := make(chan struct{}), make(chan struct{})
	go func() {
		_ = use.Use(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	switched := make(chan struct{})
	go func() {
		_ = p.Select(ethcrypto.PubkeyToAddress(keys[1].PublicKey))
		close(switched)
	}()
	select {
	case <-switched:
		t.Fatal("session replaced while a broadcast was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-switched:
	case <-time.After(time.Second):
		t.Fatal("session never replaced")
	}

	err = use.Use(func() error {
		t.Error("broadcast ran under a replaced session")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrStaleSession)
}

func TestRevokeClearsSession(t *testing.T) {
	p := NewKeyringProvider(genKeys(t, 1), 1, nil)
	m := NewManager(p, testLogger())
	first, err := m.Connect(context.Background())
	require.NoError(t, err)

	var got domain.Session
	m.OnAccountChanged(func(s domain.Session) { got = s })
	p.Revoke()

	assert.False(t, got.Connected())
	assert.Greater(t, got.Epoch, first.Epoch)
	assert.False(t, m.Current().Connected())
}

func TestNetworkChangeReestablishesSession(t *testing.T) {
	p := NewKeyringProvider(genKeys(t, 1), 1, nil)
	m := NewManager(p, testLogger())
	first, err := m.Connect(context.Background())
	require.NoError(t, err)

	accountCalls := 0
	m.OnAccountChanged(func(domain.Session) { accountCalls++ })
	var net []domain.Session
	m.OnNetworkChanged(func(s domain.Session) { net = append(net, s) })

	p.SetChainID(5)
	p.SetChainID(5)

	require.Len(t, net, 1)
	assert.Equal(t, int64(5), net[0].ChainID)
	assert.Equal(t, first.Address, net[0].Address)
	assert.Greater(t, net[0].Epoch, first.Epoch)
	assert.Zero(t, accountCalls)

	_, err = first.Signer.SignTx(context.Background(), dummyTx())
	assert.ErrorIs(t, err, domain.ErrStaleSession)
}

func TestEpochStrictlyIncreases(t *testing.T) {
	keys := genKeys(t, 3)
	p := NewKeyringProvider(keys, 1, nil)
	m := NewManager(p, testLogger())
	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	last := m.Current().Epoch
	for _, k := range []*ecdsa.PrivateKey{keys[1], keys[2], keys[0]} {
		require.NoError(t, p.Select(ethcrypto.PubkeyToAddress(k.PublicKey)))
		e := m.Current().Epoch
		assert.Greater(t, e, last)
		last = e
	}
	m.Disconnect()
	assert.Greater(t, m.Current().Epoch, last)
}

func TestRestoreRequiresPriorAuthorization(t *testing.T) {
	p := NewKeyringProvider(genKeys(t, 1), 1, nil)
	m := NewManager(p, testLogger())

	require.NoError(t, m.Restore(context.Background()))
	assert.False(t, m.Current().Connected())

	_, err := p.RequestAccounts(context.Background())
	require.NoError(t, err)
	m2 := NewManager(p, testLogger())
	require.NoError(t, m2.Restore(context.Background()))
	assert.True(t, m2.Current().Connected())
}

func TestSignDeclinedIsRejected(t *testing.T) {
	approver := NewPromptApprover(strings.NewReader("y\nn\n"), io.Discard)
	p := NewKeyringProvider(genKeys(t, 1), 1, approver)
	m := NewManager(p, testLogger())

	sess, err := m.Connect(context.Background())
	require.NoError(t, err)

	_, err = sess.Signer.SignTx(context.Background(), dummyTx())
	assert.True(t, errors.Is(err, domain.ErrRejected))
}
