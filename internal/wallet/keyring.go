package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/alanyoungcy/metamarket/internal/crypto"
	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// KeyringProvider is a Provider backed by locally held keys. Accounts stay
// hidden until RequestAccounts has been approved once.
type KeyringProvider struct {
	approver Approver

	mu         sync.Mutex
	keys       map[common.Address]*ecdsa.PrivateKey
	order      []common.Address // active account first
	authorized bool
	chainID    int64
	accountsLs listeners[[]common.Address]
	chainLs    listeners[int64]
}

// NewKeyringProvider creates a provider for keys on chainID. The first key
// is the initially active account.
func NewKeyringProvider(keys []*ecdsa.PrivateKey, chainID int64, approver Approver) *KeyringProvider {
	if approver == nil {
		approver = AutoApprove{}
	}
	p := &KeyringProvider{
		approver: approver,
		keys:     make(map[common.Address]*ecdsa.PrivateKey, len(keys)),
		chainID:  chainID,
	}
	for _, k := range keys {
		addr := ethcrypto.PubkeyToAddress(k.PublicKey)
		if _, dup := p.keys[addr]; dup {
			continue
		}
		p.keys[addr] = k
		p.order = append(p.order, addr)
	}
	return p
}

func (p *KeyringProvider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	p.mu.Lock()
	accounts := append([]common.Address(nil), p.order...)
	already := p.authorized
	p.mu.Unlock()

	if len(accounts) == 0 {
		return nil, fmt.Errorf("wallet: keyring is empty: %w", domain.ErrNoProvider)
	}
	if already {
		return accounts, nil
	}

	ok, err := p.approver.ApproveConnect(ctx, accounts)
	if err != nil {
		return nil, fmt.Errorf("wallet: approval prompt: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("wallet: connect: %w", domain.ErrRejected)
	}

	p.mu.Lock()
	p.authorized = true
	p.mu.Unlock()
	return accounts, nil
}

func (p *KeyringProvider) Accounts(context.Context) ([]common.Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authorized {
		return nil, nil
	}
	return append([]common.Address(nil), p.order...), nil
}

func (p *KeyringProvider) ChainID(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID, nil
}

func (p *KeyringProvider) Signer(account common.Address, chainID int64) (domain.Signer, error) {
	p.mu.Lock()
	key, ok := p.keys[account]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("wallet: no key for %s: %w", account.Hex(), domain.ErrNotFound)
	}
	return &approvingSigner{inner: crypto.NewTxSigner(key, chainID), approver: p.approver}, nil
}

func (p *KeyringProvider) OnAccountsChanged(fn func([]common.Address)) func() {
	p.mu.Lock()
	id := p.accountsLs.add(fn)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.accountsLs.remove(id)
		p.mu.Unlock()
	}
}

func (p *KeyringProvider) OnChainChanged(fn func(int64)) func() {
	p.mu.Lock()
	id := p.chainLs.add(fn)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.chainLs.remove(id)
		p.mu.Unlock()
	}
}

// Select makes account the active one. Listeners fire only when accounts
// are authorized and the active account actually changes.
func (p *KeyringProvider) Select(account common.Address) error {
	p.mu.Lock()
	if _, ok := p.keys[account]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("wallet: select %s: %w", account.Hex(), domain.ErrNotFound)
	}
	if p.order[0] == account {
		p.mu.Unlock()
		return nil
	}
	order := []common.Address{account}
	for _, a := range p.order {
		if a != account {
			order = append(order, a)
		}
	}
	p.order = order
	fire := p.authorized
	fns := p.accountsLs.snapshot()
	accounts := append([]common.Address(nil), order...)
	p.mu.Unlock()

	if fire {
		for _, fn := range fns {
			fn(accounts)
		}
	}
	return nil
}

// Revoke withdraws authorization; listeners observe an empty account list.
func (p *KeyringProvider) Revoke() {
	p.mu.Lock()
	if !p.authorized {
		p.mu.Unlock()
		return
	}
	p.authorized = false
	fns := p.accountsLs.snapshot()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(nil)
	}
}

// SetChainID records a chain switch and notifies listeners if it differs.
func (p *KeyringProvider) SetChainID(chainID int64) {
	p.mu.Lock()
	if p.chainID == chainID {
		p.mu.Unlock()
		return
	}
	p.chainID = chainID
	fns := p.chainLs.snapshot()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(chainID)
	}
}

var _ Provider = (*KeyringProvider)(nil)
