// Package wallet owns the connected identity: which account is active, on
// which chain, and the capability to sign ledger writes for it.
package wallet

import (
	"context"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Provider is the environment's identity provider.
type Provider interface {
	// RequestAccounts asks the user to authorize access and returns the
	// authorized accounts, active first. Declining yields domain.ErrRejected.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// Accounts returns already-authorized accounts without prompting.
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (int64, error)
	Signer(account common.Address, chainID int64) (domain.Signer, error)
	OnAccountsChanged(fn func([]common.Address)) (cancel func())
	OnChainChanged(fn func(int64)) (cancel func())
}

type listeners[T any] struct {
	next int
	fns  []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

func (l *listeners[T]) add(fn func(T)) int {
	l.next++
	l.fns = append(l.fns, listenerEntry[T]{id: l.next, fn: fn})
	return l.next
}

func (l *listeners[T]) remove(id int) {
	for i, e := range l.fns {
		if e.id == id {
			l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
			return
		}
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	out := make([]func(T), len(l.fns))
	for i, e := range l.fns {
		out[i] = e.fn
	}
	return out
}
