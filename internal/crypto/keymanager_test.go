package crypto

import (
	"context"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyHex(t *testing.T) string {
	t.Helper()
	k, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(ethcrypto.FromECDSA(k))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	raw := newKeyHex(t)

	blob, err := EncryptKey("0x"+raw, "hunter2")
	require.NoError(t, err)

	key, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, raw, hex.EncodeToString(ethcrypto.FromECDSA(key)))

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptKeyRejectsEmptyPassword(t *testing.T) {
	_, err := EncryptKey(newKeyHex(t), "")
	assert.Error(t, err)
}

func TestLoadKeysDeduplicates(t *testing.T) {
	raw := newKeyHex(t)
	other := newKeyHex(t)

	blob, err := EncryptKey(other, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	keys, err := LoadKeys(KeyringConfig{
		RawPrivateKeys:    []string{raw, "0x" + raw},
		EncryptedKeyPaths: []string{path},
		KeyPassword:       "pw",
	})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, raw, hex.EncodeToString(ethcrypto.FromECDSA(keys[0])))
	assert.Equal(t, other, hex.EncodeToString(ethcrypto.FromECDSA(keys[1])))
}

func TestLoadKeysNoSource(t *testing.T) {
	_, err := LoadKeys(KeyringConfig{})
	assert.Error(t, err)
}

func TestTxSignerRecoversSender(t *testing.T) {
	key, err := ParseKey(newKeyHex(t))
	require.NoError(t, err)
	s := NewTxSigner(key, 31337)

	to := common.HexToAddress("0x594f79e85F6f041eb56cF6822FF4125ee316409E")
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, GasPrice: big.NewInt(1), Gas: 21000, To: &to, Value: big.NewInt(0)})

	signed, err := s.SignTx(context.Background(), tx)
	require.NoError(t, err)

	from, err := s.Sender(signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
	assert.Equal(t, int64(31337), s.ChainID())
}
