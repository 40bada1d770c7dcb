package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Approver decides whether the person behind the provider grants a request.
type Approver interface {
	ApproveConnect(ctx context.Context, accounts []common.Address) (bool, error)
	ApproveTx(ctx context.Context, from common.Address, tx *types.Transaction) (bool, error)
}

// AutoApprove grants everything. Used for unattended operation.
type AutoApprove struct{}

func (AutoApprove) ApproveConnect(context.Context, []common.Address) (bool, error) { return true, nil }

func (AutoApprove) ApproveTx(context.Context, common.Address, *types.Transaction) (bool, error) {
	return true, nil
}

// PromptApprover asks on a terminal and grants only on an explicit "y".
type PromptApprover struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewPromptApprover reads answers from in and writes prompts to out.
func NewPromptApprover(in io.Reader, out io.Writer) *PromptApprover {
	return &PromptApprover{in: bufio.NewReader(in), out: out}
}

func (p *PromptApprover) ApproveConnect(ctx context.Context, accounts []common.Address) (bool, error) {
	return p.ask(ctx, fmt.Sprintf("Connect account %s?", accounts[0].Hex()))
}

func (p *PromptApprover) ApproveTx(ctx context.Context, from common.Address, tx *types.Transaction) (bool, error) {
	to := "contract creation"
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	return p.ask(ctx, fmt.Sprintf("Sign transaction from %s to %s (gas %d, nonce %d)?", from.Hex(), to, tx.Gas(), tx.Nonce()))
}

func (p *PromptApprover) ask(ctx context.Context, question string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprintf(p.out, "%s [y/N] ", question); err != nil {
		return false, err
	}

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.err != io.EOF {
			return false, a.err
		}
		return strings.EqualFold(strings.TrimSpace(a.line), "y"), nil
	}
}

// approvingSigner asks the approver before every signature.
type approvingSigner struct {
	inner    domain.Signer
	approver Approver
}

func (s *approvingSigner) Address() common.Address { return s.inner.Address() }

func (s *approvingSigner) SignTx(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	ok, err := s.approver.ApproveTx(ctx, s.inner.Address(), tx)
	if err != nil {
		return nil, fmt.Errorf("wallet: approval prompt: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("wallet: sign: %w", domain.ErrRejected)
	}
	return s.inner.SignTx(ctx, tx)
}
