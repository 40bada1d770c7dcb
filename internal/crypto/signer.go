package crypto

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxSigner signs ledger transactions for one key on one chain.
type TxSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer
}

// NewTxSigner binds key to chainID using the latest signer rules for that
// chain.
func NewTxSigner(key *ecdsa.PrivateKey, chainID int64) *TxSigner {
	id := big.NewInt(chainID)
	return &TxSigner{
		privateKey: key,
		address:    ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:    id,
		signer:     types.LatestSignerForChainID(id),
	}
}

// Address returns the account derived from the key.
func (s *TxSigner) Address() common.Address { return s.address }

// ChainID returns the chain the signer is bound to.
func (s *TxSigner) ChainID() int64 { return s.chainID.Int64() }

// SignTx signs tx. ctx is accepted for interface symmetry with signers that
// ask for interactive approval.
func (s *TxSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign tx: %w", err)
	}
	return signed, nil
}

// Sender recovers the account that signed tx on this signer's chain.
func (s *TxSigner) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(s.signer, tx)
}
