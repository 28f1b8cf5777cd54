// Package settlement disburses withdrawals from custodial hot wallets and
// tracks them to finality.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
	"github.com/vadiminshakov/bullion/internal/events"
	"github.com/vadiminshakov/bullion/internal/observability"
	"github.com/vadiminshakov/bullion/internal/storage/withdrawals"
	"github.com/vadiminshakov/bullion/pkg/retrier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	defaultWorkers       = 4
	defaultPollInterval  = 5 * time.Second
	defaultMaxPoll       = time.Minute
	defaultMaxWait       = 30 * time.Minute
	defaultSubmitTimeout = 30 * time.Second

	reasonCoupledFailed = "coupled_transfer_failed"
	reasonChainFailure  = "chain_failure"
	reasonTimeout       = "confirmation_timeout"
	reasonUnknownSubmit = "unknown_submit_outcome"
	reasonCrashRecovery = "crash_recovery"
)

// Journal persists withdrawal state.
type Journal interface {
	Save(req domain.WithdrawalRequest) error
	Get(id string) (domain.WithdrawalRequest, error)
	List(filter func(domain.WithdrawalRequest) bool) []domain.WithdrawalRequest
}

// Ledger applies coupled transfers once a withdrawal is final.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, asset domain.Asset, amount decimal.Decimal) error
}

type strategyKey struct {
	chain domain.ChainID
	asset domain.Asset
}

// Dispatcher routes withdrawals to chain strategies, serializes them per hot
// wallet and confirms them in a worker pool fed from the journal.
type Dispatcher struct {
	strategies map[strategyKey]Strategy
	lanes      lanes
	journal    Journal
	ledger     Ledger
	queue      *workQueue
	updates    *events.Broadcaster[domain.WithdrawalRequest]

	workers       int
	pollInterval  time.Duration
	maxPoll       time.Duration
	maxWait       time.Duration
	chainMaxWait  map[domain.ChainID]time.Duration
	submitTimeout time.Duration

	now     func() time.Time
	metrics *observability.Metrics
	l       *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithPolling sets the first and the largest interval between confirmation checks.
func WithPolling(initial, max time.Duration) Option {
	return func(d *Dispatcher) {
		d.pollInterval = initial
		d.maxPoll = max
	}
}

// WithMaxWait bounds how long a withdrawal is polled before it becomes indeterminate.
func WithMaxWait(wait time.Duration) Option {
	return func(d *Dispatcher) { d.maxWait = wait }
}

// WithChainMaxWait overrides the confirmation window for one chain.
func WithChainMaxWait(chain domain.ChainID, wait time.Duration) Option {
	return func(d *Dispatcher) { d.chainMaxWait[chain] = wait }
}

func WithSubmitTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.submitTimeout = timeout }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func NewDispatcher(journal Journal, ledger Ledger, l *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		strategies:    make(map[strategyKey]Strategy),
		journal:       journal,
		ledger:        ledger,
		queue:         newWorkQueue(),
		updates:       events.NewBroadcaster[domain.WithdrawalRequest](256),
		workers:       defaultWorkers,
		pollInterval:  defaultPollInterval,
		maxPoll:       defaultMaxPoll,
		maxWait:       defaultMaxWait,
		chainMaxWait:  make(map[domain.ChainID]time.Duration),
		submitTimeout: defaultSubmitTimeout,
		now:           time.Now,
		l:             l,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a strategy. Registering the same (chain, asset) twice is a configuration error.
func (d *Dispatcher) Register(s Strategy) error {
	k := strategyKey{chain: s.Chain(), asset: s.Asset()}
	if _, ok := d.strategies[k]; ok {
		return errors.Wrapf(domain.ErrConfiguration, "duplicate strategy for %s on %s", k.asset, k.chain)
	}
	d.strategies[k] = s
	d.l.Info("settlement strategy registered",
		zap.String("chain", string(k.chain)),
		zap.String("asset", string(k.asset)),
		zap.String("family", string(s.Family())),
		zap.String("wallet", s.Wallet()))
	return nil
}

// Supports reports whether withdrawals of asset on chain can be dispatched.
func (d *Dispatcher) Supports(chain domain.ChainID, asset domain.Asset) bool {
	_, ok := d.strategies[strategyKey{chain: chain, asset: asset}]
	return ok
}

// Validate checks that the (chain, asset) pair is supported and that amount,
// destination and tag are acceptable. It makes no network calls.
func (d *Dispatcher) Validate(in domain.WithdrawalInstruction) error {
	strat, err := d.strategy(in.Chain, in.Asset)
	if err != nil {
		return err
	}
	return validateInstruction(strat, in)
}

// SubmitWithdrawal validates, signs and broadcasts a withdrawal and returns as
// soon as it is submitted. Confirmation continues in the background.
func (d *Dispatcher) SubmitWithdrawal(ctx context.Context, in domain.WithdrawalInstruction) (domain.WithdrawalRequest, error) {
	ctx, span := observability.Tracer("settlement").Start(ctx, "settlement.SubmitWithdrawal")
	defer span.End()
	span.SetAttributes(attribute.String("chain", string(in.Chain)), attribute.String("asset", string(in.Asset)))

	strat, err := d.strategy(in.Chain, in.Asset)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if err := validateInstruction(strat, in); err != nil {
		return domain.WithdrawalRequest{}, err
	}

	now := d.now()
	req := domain.WithdrawalRequest{
		ID:          uuid.NewString(),
		AccountID:   in.AccountID,
		Chain:       in.Chain,
		Family:      strat.Family(),
		Asset:       in.Asset,
		Destination: in.Destination,
		Amount:      in.Amount,
		Tag:         in.Tag,
		Coupled:     in.Coupled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l := d.l.With(
		zap.String("withdrawal_id", req.ID),
		zap.String("chain", string(req.Chain)),
		zap.String("asset", string(req.Asset)))

	lane := d.lanes.get(string(strat.Chain()), strat.Wallet())
	waitStart := time.Now()
	if err := lane.acquire(ctx); err != nil {
		return domain.WithdrawalRequest{}, errors.Wrap(domain.ErrTransient, "wallet busy")
	}
	defer lane.release()
	d.metrics.LaneWait(string(req.Chain), time.Since(waitStart))

	plan, err := strat.Prepare(ctx, req)
	if err != nil {
		l.Info("withdrawal rejected before submission", zap.Error(err))
		span.SetStatus(codes.Error, "prepare")
		return domain.WithdrawalRequest{}, err
	}
	req.Fee = plan.Fee
	req.FeeAsset = plan.FeeAsset

	req.Status = domain.WithdrawalCreated
	if err := d.save(req); err != nil {
		return domain.WithdrawalRequest{}, errors.Wrap(domain.ErrTransient, err.Error())
	}

	// a started broadcast must not be cut short by the caller going away
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.submitTimeout)
	err = strat.Submit(submitCtx, &req, plan)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, errNotBroadcast):
		reason := "not broadcast"
		if errors.Is(err, errRejected) {
			reason = "broadcast rejected"
		}
		l.Warn("withdrawal not broadcast", zap.String("reason", reason), zap.Error(err))
		req.Status = domain.WithdrawalFailed
		req.Error = reason
		req.TxRef = ""
		req.UpdatedAt = d.now()
		if saveErr := d.save(req); saveErr != nil {
			l.Error("failed to journal unsent withdrawal", zap.Error(saveErr))
		}
		span.SetStatus(codes.Error, "not broadcast")
		return req, notBroadcastCause(err, reason)
	case req.TxRef != "":
		// outcome unknown but the transaction id is known; confirmation will tell
		l.Warn("broadcast outcome unknown, tracking by id", zap.String("tx_ref", req.TxRef), zap.Error(err))
	default:
		req.Status = domain.WithdrawalIndeterminate
		req.Error = "submission outcome unknown"
		req.UpdatedAt = d.now()
		d.flag(&req, reasonUnknownSubmit, err)
		if saveErr := d.save(req); saveErr != nil {
			l.Error("failed to journal indeterminate withdrawal", zap.Error(saveErr))
		}
		span.SetStatus(codes.Error, "indeterminate")
		return req, errors.Wrap(domain.ErrPostSubmission, "submission outcome unknown")
	}

	req.Status = domain.WithdrawalSubmitted
	req.UpdatedAt = d.now()
	if err := d.save(req); err != nil {
		// the transaction is out; tracking continues from memory
		l.Error("failed to journal submitted withdrawal", zap.Error(err), zap.Bool("alert", true))
	}
	l.Info("withdrawal submitted",
		zap.String("tx_ref", req.TxRef),
		zap.Uint64("sequence", req.Sequence),
		zap.String("fee", req.Fee.String()))

	d.enqueue(req.ID, d.pollInterval)
	return req, nil
}

// Status returns the latest state of a withdrawal.
func (d *Dispatcher) Status(_ context.Context, id string) (domain.WithdrawalRequest, error) {
	return d.journal.Get(id)
}

// Withdrawals lists an account's withdrawals, oldest first.
func (d *Dispatcher) Withdrawals(_ context.Context, accountID string) []domain.WithdrawalRequest {
	return d.journal.List(func(r domain.WithdrawalRequest) bool { return r.AccountID == accountID })
}

// Subscribe streams every state change until cancel is called.
func (d *Dispatcher) Subscribe() (<-chan domain.WithdrawalRequest, func()) {
	ch := d.updates.Subscribe()
	return ch, func() { d.updates.Unsubscribe(ch) }
}

// BalanceOf reads an external address balance on chain.
func (d *Dispatcher) BalanceOf(ctx context.Context, chain domain.ChainID, asset domain.Asset, address string) (decimal.Decimal, error) {
	strat, err := d.strategy(chain, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return strat.BalanceOf(ctx, address)
}

// Run recovers unfinished withdrawals from the journal and confirms them until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.recover()

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) recover() {
	unfinished := withdrawals.WithStatus(domain.WithdrawalSubmitted, domain.WithdrawalCreated, domain.WithdrawalConfirmed)
	for _, req := range d.journal.List(unfinished) {
		switch req.Status {
		case domain.WithdrawalSubmitted:
			d.enqueue(req.ID, 0)
		case domain.WithdrawalCreated:
			// journaled but the broadcast outcome was never recorded
			req.Status = domain.WithdrawalIndeterminate
			req.Error = "interrupted during submission"
			req.UpdatedAt = d.now()
			d.flag(&req, reasonCrashRecovery, nil)
			if err := d.save(req); err != nil {
				d.l.Error("failed to journal recovered withdrawal", zap.String("withdrawal_id", req.ID), zap.Error(err))
			}
		case domain.WithdrawalConfirmed:
			if req.Coupled != nil && !req.Coupled.Done && !req.ReconcileRequired {
				// confirmed but the ledger step did not finish before the restart
				d.enqueue(req.ID, 0)
			}
		}
	}
	if n := d.queue.len(); n > 0 {
		d.l.Info("recovered withdrawals awaiting confirmation", zap.Int("count", n))
	}
}

func (d *Dispatcher) enqueue(id string, delay time.Duration) {
	d.queue.push(confirmTask{id: id, interval: d.pollInterval, due: time.Now().Add(delay)})
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		task, ok := d.queue.pop(ctx)
		if !ok {
			return
		}
		next, again := d.check(ctx, task)
		if again {
			d.queue.requeue(next)
			continue
		}
		d.queue.done(task.id)
	}
}

// check makes one confirmation attempt and reports whether to poll again.
func (d *Dispatcher) check(ctx context.Context, task confirmTask) (confirmTask, bool) {
	req, err := d.journal.Get(task.id)
	if err != nil {
		d.l.Error("confirmation task for unknown withdrawal", zap.String("withdrawal_id", task.id), zap.Error(err))
		return task, false
	}
	l := d.l.With(zap.String("withdrawal_id", req.ID), zap.String("chain", string(req.Chain)))

	if req.Status == domain.WithdrawalConfirmed {
		d.settleCoupled(ctx, req, l)
		return task, false
	}
	if req.Status != domain.WithdrawalSubmitted {
		return task, false
	}

	strat, err := d.strategy(req.Chain, req.Asset)
	if err != nil {
		l.Error("no strategy for submitted withdrawal", zap.Error(err), zap.Bool("alert", true))
		return task, false
	}

	c, err := strat.Confirm(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return task, false
		}
		l.Warn("confirmation check failed", zap.Int("attempt", task.attempt), zap.Error(err))
		c = pending()
	}

	switch c.State {
	case StateConfirmed:
		req.Status = domain.WithdrawalConfirmed
		req.UpdatedAt = d.now()
		if err := d.save(req); err != nil {
			l.Error("failed to journal confirmation", zap.Error(err))
		}
		d.metrics.Confirmation(string(req.Chain), req.UpdatedAt.Sub(req.CreatedAt))
		l.Info("withdrawal confirmed", zap.String("tx_ref", req.TxRef))
		d.settleCoupled(ctx, req, l)
		return task, false

	case StateFailed:
		req.Status = domain.WithdrawalFailed
		req.Error = c.Reason
		req.UpdatedAt = d.now()
		if req.Coupled != nil && !req.Coupled.Done {
			d.flag(&req, reasonChainFailure, errors.New(c.Reason))
		}
		if err := d.save(req); err != nil {
			l.Error("failed to journal failure", zap.Error(err))
		}
		l.Warn("withdrawal failed on chain", zap.String("tx_ref", req.TxRef), zap.String("reason", c.Reason))
		return task, false
	}

	if d.now().Sub(req.UpdatedAt) >= d.windowFor(req.Chain) {
		req.Status = domain.WithdrawalIndeterminate
		req.Error = "not final within the confirmation window"
		req.UpdatedAt = d.now()
		d.flag(&req, reasonTimeout, nil)
		if err := d.save(req); err != nil {
			l.Error("failed to journal indeterminate withdrawal", zap.Error(err))
		}
		return task, false
	}

	task.attempt++
	task.due = time.Now().Add(task.interval)
	task.interval *= 2
	if task.interval > d.maxPoll {
		task.interval = d.maxPoll
	}
	return task, true
}

// settleCoupled applies the ledger movement tied to a confirmed withdrawal.
func (d *Dispatcher) settleCoupled(ctx context.Context, req domain.WithdrawalRequest, l *zap.Logger) {
	ct := req.Coupled
	if ct == nil || ct.Done || d.ledger == nil {
		return
	}

	r := retrier.New(
		retrier.WithMaxRetries(3),
		retrier.WithInitialInterval(200*time.Millisecond),
		retrier.WithMaxInterval(2*time.Second),
	)
	err := r.Do(ctx, func(ctx context.Context) error {
		err := d.ledger.Transfer(ctx, ct.FromAccount, ct.ToAccount, ct.Asset, ct.Amount)
		if errors.Is(err, domain.ErrInsufficientFunds) || errors.Is(err, domain.ErrValidation) {
			return retrier.Permanent(err)
		}
		return err
	})

	req.UpdatedAt = d.now()
	if err != nil {
		d.flag(&req, reasonCoupledFailed, err)
	} else {
		done := *ct
		done.Done = true
		req.Coupled = &done
	}
	if saveErr := d.save(req); saveErr != nil {
		l.Error("failed to journal coupled transfer outcome", zap.Error(saveErr))
	}
}

// flag marks req for an operator and raises an alert.
func (d *Dispatcher) flag(req *domain.WithdrawalRequest, reason string, cause error) {
	req.ReconcileRequired = true
	req.ReconcileReason = reason

	fields := []zap.Field{
		zap.Bool("alert", true),
		zap.String("withdrawal_id", req.ID),
		zap.String("chain", string(req.Chain)),
		zap.String("asset", string(req.Asset)),
		zap.String("amount", req.Amount.String()),
		zap.String("status", string(req.Status)),
		zap.String("tx_ref", req.TxRef),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	d.l.Error("withdrawal requires manual reconciliation", fields...)
	d.metrics.ManualReconciliation(string(req.Chain), reason)
}

func (d *Dispatcher) save(req domain.WithdrawalRequest) error {
	if err := d.journal.Save(req); err != nil {
		return err
	}
	d.metrics.Withdrawal(string(req.Chain), string(req.Status))
	d.updates.Publish(req)
	return nil
}

func (d *Dispatcher) strategy(chain domain.ChainID, asset domain.Asset) (Strategy, error) {
	s, ok := d.strategies[strategyKey{chain: chain, asset: asset}]
	if !ok {
		return nil, errors.Wrapf(domain.ErrValidation, "withdrawals of %s on %s are not supported", asset, chain)
	}
	return s, nil
}

func (d *Dispatcher) windowFor(chain domain.ChainID) time.Duration {
	if w, ok := d.chainMaxWait[chain]; ok {
		return w
	}
	return d.maxWait
}

// notBroadcastCause keeps caller-facing kinds and reports everything else as
// retryable, since nothing reached the network.
func notBroadcastCause(err error, reason string) error {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInsufficientFunds, domain.KindConfiguration, domain.KindTransient:
		return err
	default:
		return errors.Wrap(domain.ErrTransient, reason)
	}
}

func validateInstruction(s Strategy, in domain.WithdrawalInstruction) error {
	if !in.Amount.IsPositive() {
		return errors.Wrap(domain.ErrValidation, "amount must be positive")
	}
	if minimum := s.MinAmount(); in.Amount.LessThan(minimum) {
		return errors.Wrapf(domain.ErrValidation, "minimum %s withdrawal on %s is %s", in.Asset, in.Chain, minimum)
	}
	if _, err := toUnits(in.Amount, s.Precision()); err != nil {
		return err
	}
	return s.ValidateDestination(in.Destination, in.Tag)
}
