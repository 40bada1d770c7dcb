// Package executor drives ledger writes for a session: the approve-then-trade
// pipeline and the single-phase claim and faucet writes.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/metamarket/internal/domain"
	"github.com/alanyoungcy/metamarket/internal/notify"
)

// Refresher re-reads the views touched by a confirmed write.
type Refresher interface {
	RefreshMarket(ctx context.Context, marketID uint64) error
	RefreshPosition(ctx context.Context, marketID uint64) error
}

// WalletRefresher re-reads balance and mint cooldown.
type WalletRefresher interface {
	Refresh(ctx context.Context) error
}

// Notifier is told about confirmed and failed writes.
type Notifier interface {
	Notify(ctx context.Context, msg notify.Notification) error
}

// SessionSource yields the active session.
type SessionSource interface {
	Current() domain.Session
}

// Config tunes the pipeline.
type Config struct {
	// AttemptTimeout bounds one attempt end to end. Zero means no bound.
	AttemptTimeout time.Duration
	// LockTTL is the lifetime of the shared lock when a LockManager is set.
	LockTTL time.Duration
	// Retain is how long finished attempts stay queryable.
	Retain time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		LockTTL: 10 * time.Minute,
		Retain:  30 * time.Minute,
	}
}

// Pipeline runs write attempts. At most one attempt per (kind, account,
// market) is pending at any time.
type Pipeline struct {
	ledger   Ledger
	sessions SessionSource
	views    Refresher       // optional
	wallet   WalletRefresher // optional
	notifier Notifier        // optional
	locks    domain.LockManager
	bus      domain.SignalBus
	cfg      Config
	lockTTL  time.Duration
	logger   *slog.Logger
	origin   string

	inflight *InFlight

	mu       sync.Mutex
	attempts map[string]*Attempt
	wg       sync.WaitGroup
	closed   bool
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithRefresher sets the post-confirmation view refresher.
func WithRefresher(r Refresher) Option { return func(p *Pipeline) { p.views = r } }

// WithWalletRefresher sets the refresher run after a faucet mint.
func WithWalletRefresher(r WalletRefresher) Option { return func(p *Pipeline) { p.wallet = r } }

// WithNotifier sets the outcome notifier.
func WithNotifier(n Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

// WithLockManager shares the in-flight guard with other processes.
func WithLockManager(l domain.LockManager) Option { return func(p *Pipeline) { p.locks = l } }

// WithSignalBus publishes attempt stage changes.
func WithSignalBus(b domain.SignalBus) Option { return func(p *Pipeline) { p.bus = b } }

// NewPipeline creates a Pipeline.
func NewPipeline(ledger Ledger, sessions SessionSource, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultConfig().Retain
	}
	p := &Pipeline{
		ledger:   ledger,
		sessions: sessions,
		cfg:      cfg,
		lockTTL:  cfg.LockTTL,
		logger:   logger.With(slog.String("component", "executor")),
		origin:   uuid.NewString(),
		inflight: NewInFlight(),
		attempts: make(map[string]*Attempt),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Origin identifies this pipeline in published attempt views, so a
// subscriber can tell its own writes from those of other processes.
func (p *Pipeline) Origin() string { return p.origin }

// SubmitTrade validates order and starts a trade attempt for sess. It
// returns once the attempt is admitted; the attempt continues in the
// background. A second call for the same account and market while one is
// pending fails with ErrTradeInProgress and has no side effects.
func (p *Pipeline) SubmitTrade(ctx context.Context, sess domain.Session, order domain.ProposedOrder) (*Attempt, error) {
	amount, err := order.Validate()
	if err != nil {
		return nil, fmt.Errorf("executor: submit trade: %w", err)
	}
	return p.start(ctx, sess, domain.CommitmentTrade, order.MarketID, order, func(ctx context.Context, a *Attempt) {
		p.runTrade(ctx, sess, a, amount)
	})
}

// SubmitClaim starts a claim-rewards attempt for marketID.
func (p *Pipeline) SubmitClaim(ctx context.Context, sess domain.Session, marketID uint64) (*Attempt, error) {
	return p.start(ctx, sess, domain.CommitmentClaim, marketID, domain.ProposedOrder{MarketID: marketID}, func(ctx context.Context, a *Attempt) {
		p.runSingle(ctx, sess, a, func(ctx context.Context) (Commitment, error) {
			return p.ledger.ClaimRewards(ctx, sess, marketID)
		})
	})
}

// SubmitFaucet starts a faucet mint. While the ledger reports a positive
// cooldown no write is issued and ErrCooldownActive is returned.
func (p *Pipeline) SubmitFaucet(ctx context.Context, sess domain.Session) (*Attempt, error) {
	if err := p.checkSession(sess); err != nil {
		return nil, fmt.Errorf("executor: submit faucet: %w", err)
	}
	wait, err := p.ledger.TimeUntilNextMint(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("executor: submit faucet: %w", err)
	}
	if wait > 0 {
		return nil, fmt.Errorf("executor: submit faucet: next mint in %s: %w", domain.FormatCooldown(wait), domain.ErrCooldownActive)
	}
	return p.start(ctx, sess, domain.CommitmentFaucet, 0, domain.ProposedOrder{}, func(ctx context.Context, a *Attempt) {
		p.runSingle(ctx, sess, a, func(ctx context.Context) (Commitment, error) {
			return p.ledger.Faucet(ctx, sess)
		})
	})
}

// Get returns a known attempt.
func (p *Pipeline) Get(id string) (*Attempt, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.attempts[id]
	return a, ok
}

// Pending returns the attempts that have not finished.
func (p *Pipeline) Pending() []*Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*Attempt
	for _, a := range p.attempts {
		if !a.Stage().Terminal() {
			out = append(out, a)
		}
	}
	return out
}

// Shutdown stops admitting attempts and waits for running ones until ctx
// ends. Submitted commitments are not recalled.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown with attempts still running", slog.Int("pending", p.inflight.Len()))
		return ctx.Err()
	}
}

func (p *Pipeline) checkSession(sess domain.Session) error {
	if !sess.Connected() {
		return domain.ErrUnavailable
	}
	if cur := p.sessions.Current(); cur.Epoch != sess.Epoch || cur.Address != sess.Address {
		return domain.ErrStaleSession
	}
	return nil
}

func (p *Pipeline) start(ctx context.Context, sess domain.Session, kind domain.CommitmentKind, marketID uint64, order domain.ProposedOrder, run func(context.Context, *Attempt)) (*Attempt, error) {
	op := "submit " + string(kind)
	if err := p.checkSession(sess); err != nil {
		return nil, fmt.Errorf("executor: %s: %w", op, err)
	}

	key := guardKey(kind, sess.Account(), marketID)
	release, err := p.acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	a := newAttempt(uuid.NewString(), p.origin, kind, sess.Address, marketID, order, p.publishAttempt)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		release()
		return nil, fmt.Errorf("executor: %s: %w", op, domain.ErrUnavailable)
	}
	// Add under mu so Shutdown cannot be in wg.Wait with a zero counter.
	p.wg.Add(1)
	p.attempts[a.ID] = a
	p.prune()
	p.mu.Unlock()

	// The attempt outlives the request that started it.
	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if p.cfg.AttemptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, p.cfg.AttemptTimeout)
	}

	p.logger.InfoContext(ctx, "attempt admitted",
		slog.String("attempt_id", a.ID),
		slog.String("kind", string(kind)),
		slog.String("account", sess.Account()),
		slog.Uint64("market_id", marketID),
	)

	go func() {
		defer p.wg.Done()
		defer cancel()
		defer close(a.done)
		defer release()
		run(runCtx, a)
	}()
	return a, nil
}

// prune drops finished attempts older than the retention window. Callers
// hold p.mu.
func (p *Pipeline) prune() {
	cutoff := time.Now().Add(-p.cfg.Retain)
	for id, a := range p.attempts {
		if a.Stage().Terminal() && a.View().UpdatedAt.Before(cutoff) {
			delete(p.attempts, id)
		}
	}
}

func (p *Pipeline) runTrade(ctx context.Context, sess domain.Session, a *Attempt, amount decimal.Decimal) {
	log := p.attemptLogger(a)
	order := a.Order

	if order.Direction.IsBuy() {
		a.setStage(StageApproving)
		cm, err := p.ledger.Approve(ctx, sess, domain.ToWei(amount))
		if err != nil {
			p.finishFailed(ctx, a, StageApprovalFailed, err, log)
			return
		}
		a.addCommitment(domain.CommitmentApproval, cm.Hash(), cm.SubmittedAt())
		log.InfoContext(ctx, "approval submitted", slog.String("tx", cm.Hash().Hex()))
		if _, err := cm.Wait(ctx); err != nil {
			p.finishFailed(ctx, a, StageApprovalFailed, err, log)
			return
		}
		a.confirm(cm.Hash())
		a.setStage(StageApproved)

		if err := p.checkSession(sess); err != nil {
			p.finishFailed(ctx, a, StageSubmitFailed, err, log)
			return
		}
	}

	a.setStage(StageSubmitting)
	cm, err := p.ledger.Trade(ctx, sess, order.MarketID, order.Side, amount.BigInt(), order.Direction)
	if err != nil {
		p.finishFailed(ctx, a, StageSubmitFailed, err, log)
		return
	}
	p.confirmAndFinish(ctx, sess, a, cm, log)
}

func (p *Pipeline) runSingle(ctx context.Context, sess domain.Session, a *Attempt, submit func(context.Context) (Commitment, error)) {
	log := p.attemptLogger(a)
	a.setStage(StageSubmitting)
	cm, err := submit(ctx)
	if err != nil {
		p.finishFailed(ctx, a, StageSubmitFailed, err, log)
		return
	}
	p.confirmAndFinish(ctx, sess, a, cm, log)
}

func (p *Pipeline) confirmAndFinish(ctx context.Context, sess domain.Session, a *Attempt, cm Commitment, log *slog.Logger) {
	a.addCommitment(a.Kind, cm.Hash(), cm.SubmittedAt())
	a.setStage(StageConfirming)
	log.InfoContext(ctx, "write submitted", slog.String("tx", cm.Hash().Hex()))

	if _, err := cm.Wait(ctx); err != nil {
		p.finishFailed(ctx, a, StageSubmitFailed, err, log)
		return
	}
	a.confirm(cm.Hash())

	// Views keyed to a replaced session must not be touched.
	if err := p.checkSession(sess); err != nil {
		a.setStage(StageDone)
		log.InfoContext(ctx, "write confirmed after session change, skipping refresh")
		return
	}

	p.refreshAfter(ctx, a, log)
	a.setStage(StageDone)
	log.InfoContext(ctx, "write confirmed", slog.String("tx", cm.Hash().Hex()))
	p.notify(ctx, a, nil)
}

func (p *Pipeline) refreshAfter(ctx context.Context, a *Attempt, log *slog.Logger) {
	switch a.Kind {
	case domain.CommitmentFaucet:
		if p.wallet != nil {
			if err := p.wallet.Refresh(ctx); err != nil {
				log.WarnContext(ctx, "wallet refresh failed", slog.String("error", err.Error()))
			}
		}
	default:
		if p.views == nil {
			return
		}
		if err := p.views.RefreshPosition(ctx, a.MarketID); err != nil {
			log.WarnContext(ctx, "position refresh failed", slog.String("error", err.Error()))
		}
		if err := p.views.RefreshMarket(ctx, a.MarketID); err != nil {
			log.WarnContext(ctx, "market refresh failed", slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) finishFailed(ctx context.Context, a *Attempt, stage Stage, err error, log *slog.Logger) {
	err = mapFailure(a.Kind, err)
	a.fail(stage, err)
	if !domain.UserFacing(err) {
		log.InfoContext(ctx, "attempt abandoned after session change", slog.String("stage", string(stage)))
		return
	}
	log.WarnContext(ctx, "attempt failed",
		slog.String("stage", string(stage)),
		slog.String("error", err.Error()),
	)
	p.notify(ctx, a, err)
}

// mapFailure recognises the ledger's faucet cooldown revert.
func mapFailure(kind domain.CommitmentKind, err error) error {
	if kind != domain.CommitmentFaucet || !errors.Is(err, domain.ErrReverted) {
		return err
	}
	if strings.Contains(strings.ToLower(domain.RevertReason(err)), "wait") {
		return fmt.Errorf("%w: %w", domain.ErrCooldownActive, err)
	}
	return err
}

func (p *Pipeline) notify(ctx context.Context, a *Attempt, failure error) {
	if p.notifier == nil {
		return
	}
	msg := notify.Notification{
		Fields: map[string]string{
			"account": domain.AccountKey(a.Account),
			"attempt": a.ID,
		},
	}
	if a.Kind != domain.CommitmentFaucet {
		msg.Fields["market"] = fmt.Sprintf("%d", a.MarketID)
	}
	if a.Kind == domain.CommitmentTrade {
		msg.Fields["order"] = fmt.Sprintf("%s %s %s", a.Order.Direction, a.Order.Amount, a.Order.Side)
	}

	switch {
	case a.Kind == domain.CommitmentTrade && failure == nil:
		msg.Event, msg.Title = notify.EventTradeConfirmed, "Trade confirmed"
	case a.Kind == domain.CommitmentTrade:
		msg.Event, msg.Title = notify.EventTradeFailed, "Trade failed"
	case a.Kind == domain.CommitmentClaim && failure == nil:
		msg.Event, msg.Title = notify.EventClaimConfirmed, "Rewards claimed"
	case a.Kind == domain.CommitmentClaim:
		msg.Event, msg.Title = notify.EventClaimFailed, "Claim failed"
	case failure == nil:
		msg.Event, msg.Title = notify.EventFaucetMinted, "Faucet mint confirmed"
	default:
		msg.Event, msg.Title = notify.EventFaucetFailed, "Faucet mint failed"
	}
	if failure != nil {
		msg.Body = failure.Error()
	}

	if err := p.notifier.Notify(ctx, msg); err != nil {
		p.logger.WarnContext(ctx, "notification failed",
			slog.String("attempt_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pipeline) publishAttempt(v AttemptView) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.bus.Publish(ctx, domain.ChannelAttempt, payload); err != nil {
		p.logger.Debug("attempt publish failed", slog.String("error", err.Error()))
	}
}

func (p *Pipeline) attemptLogger(a *Attempt) *slog.Logger {
	return p.logger.With(
		slog.String("attempt_id", a.ID),
		slog.String("kind", string(a.Kind)),
		slog.String("account", domain.AccountKey(a.Account)),
		slog.Uint64("market_id", a.MarketID),
	)
}
