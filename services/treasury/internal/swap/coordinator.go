package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hearthsats/hearth/services/treasury/internal/fee"
	"github.com/hearthsats/hearth/services/treasury/internal/liquidity"
	"github.com/hearthsats/hearth/services/treasury/internal/policy"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
)

// AccountStore moves value for one account under single-writer discipline.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (storage.Account, error)
	Debit(ctx context.Context, accountID uuid.UUID, amountSat int64) error
	Credit(ctx context.Context, accountID uuid.UUID, amountSat int64) error
}

type IdentityResolver interface {
	ResolveMember(ctx context.Context, memberID uuid.UUID) (storage.Member, error)
}

// SwapSink is the append-only writer and reader for swap records and their
// step logs. The record plus its step log are the sole source of truth for
// swap status.
type SwapSink interface {
	CreateSwap(ctx context.Context, rec storage.SwapRecord) error
	UpdateSwapStatus(ctx context.Context, swapID uuid.UUID, status storage.SwapStatus, completedAt *time.Time) error
	AppendStep(ctx context.Context, step storage.SwapStep) error
	GetSwap(ctx context.Context, swapID uuid.UUID) (storage.SwapRecord, error)
	GetSteps(ctx context.Context, swapID uuid.UUID) ([]storage.SwapStep, error)
}

// IntentStore persists the two-phase-commit intent records.
type IntentStore interface {
	PutIntent(ctx context.Context, intent storage.SwapIntent) error
	UpdateIntentPhase(ctx context.Context, swapID uuid.UUID, phase storage.StepName) error
	DeleteIntent(ctx context.Context, swapID uuid.UUID) error
	ListIntentsBefore(ctx context.Context, cutoff time.Time) ([]storage.SwapIntent, error)
}

// Settler finalizes value movement on one settlement layer.
type Settler interface {
	Settle(ctx context.Context, fromAccountID, toAccountID uuid.UUID, amountSat int64) (string, error)
}

type Config struct {
	PhaseTimeout time.Duration
	LockTTL      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PhaseTimeout: 3 * time.Second,
		LockTTL:      30 * time.Second,
	}
}

// Coordinator drives the linear five-phase swap state machine: validation,
// source_lock, destination_prepare, atomic_execution, confirmation. There is
// no success-path branching; the only compensation point is releasing the
// source lock when destination_prepare cannot secure capacity.
type Coordinator struct {
	accounts  AccountStore
	identity  IdentityResolver
	sink      SwapSink
	intents   IntentStore
	liquidity *liquidity.Manager
	fees      *fee.Estimator
	policy    *policy.Policy
	gateways  map[storage.SettlementLayer]Settler
	locks     *lockRegistry
	cfg       Config
	logger    *slog.Logger
}

func NewCoordinator(accounts AccountStore, identity IdentityResolver, sink SwapSink, intents IntentStore, manager *liquidity.Manager, estimator *fee.Estimator, pol *policy.Policy, gateways map[storage.SettlementLayer]Settler, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	return &Coordinator{
		accounts:  accounts,
		identity:  identity,
		sink:      sink,
		intents:   intents,
		liquidity: manager,
		fees:      estimator,
		policy:    pol,
		gateways:  gateways,
		locks:     newLockRegistry(cfg.LockTTL),
		cfg:       cfg,
		logger:    logger,
	}
}

// ExecuteAtomicSwap runs a swap to a terminal record, or halts it in pending
// when the sovereignty policy flags it for approval. Validation failures
// mutate no account.
func (c *Coordinator) ExecuteAtomicSwap(ctx context.Context, req storage.SwapRequest) (storage.SwapRecord, error) {
	rec := storage.SwapRecord{
		SwapID:       uuid.New(),
		FromContext:  req.FromContext,
		ToContext:    req.ToContext,
		FromMemberID: req.FromMemberID,
		ToMemberID:   req.ToMemberID,
		SwapType:     req.SwapType,
		Purpose:      req.Purpose,
		Status:       storage.SwapPending,
		AmountSat:    req.AmountSat,
		CreatedAt:    time.Now().UTC(),
	}

	from, to, decision, err := c.validate(ctx, req)
	if err != nil {
		rec.Status = storage.SwapFailed
		c.createRecord(ctx, rec)
		c.appendStep(ctx, rec.SwapID, 1, storage.StepValidation, storage.StepFailed, err.Error())
		return rec, err
	}

	// Fees are computed exactly once here and frozen; later phases never
	// recompute them.
	rec.Fees = c.fees.Estimate(req.AmountSat, fee.RouteFor(req.SwapType), true)

	c.createRecord(ctx, rec)
	c.appendStep(ctx, rec.SwapID, 1, storage.StepValidation, storage.StepCompleted, "request validated, fees frozen")

	if req.RequiresApproval || decision.RequiresApproval {
		c.logger.Info("swap awaiting approval",
			"swap_id", rec.SwapID.String(),
			"from_member_id", from.MemberID.String(),
			"amount_sat", rec.AmountSat)
		return rec, nil
	}

	return c.run(ctx, rec, from, to)
}

// ApproveSwap resumes a pending swap at source_lock. Only a sovereign member
// configured as the source member's controlling guardian may approve.
func (c *Coordinator) ApproveSwap(ctx context.Context, swapID, approverID uuid.UUID) (storage.SwapRecord, error) {
	rec, err := c.sink.GetSwap(ctx, swapID)
	if err != nil {
		return storage.SwapRecord{}, err
	}
	if rec.Status != storage.SwapPending {
		return rec, &ValidationError{Reason: "swap is not awaiting approval"}
	}

	from, err := c.identity.ResolveMember(ctx, rec.FromMemberID)
	if err != nil {
		return rec, fmt.Errorf("resolve source member: %w", err)
	}
	approver, err := c.identity.ResolveMember(ctx, approverID)
	if err != nil {
		return rec, fmt.Errorf("resolve approver: %w", err)
	}
	if !c.policy.IsSovereign(policy.Role(approver.Role)) || from.GuardianMemberID != approver.MemberID {
		return rec, &AuthorizationError{MemberID: approverID, Reason: "approver is not the controlling guardian"}
	}

	to, err := c.identity.ResolveMember(ctx, rec.ToMemberID)
	if err != nil {
		return rec, fmt.Errorf("resolve destination member: %w", err)
	}

	return c.run(ctx, rec, from, to)
}

func (c *Coordinator) validate(ctx context.Context, req storage.SwapRequest) (storage.Member, storage.Member, policy.Decision, error) {
	var none storage.Member

	if req.AmountSat <= 0 {
		return none, none, policy.Decision{}, &ValidationError{Reason: "amount must be positive"}
	}
	if !req.FromContext.Valid() || !req.ToContext.Valid() {
		return none, none, policy.Decision{}, &ValidationError{Reason: "context is not configured"}
	}
	if req.FromContext.Key() == req.ToContext.Key() {
		return none, none, policy.Decision{}, &ValidationError{Reason: "from and to contexts are identical"}
	}
	switch req.SwapType {
	case storage.SwapLightningToFederated, storage.SwapFederatedToLightning, storage.SwapInternal:
	default:
		return none, none, policy.Decision{}, &ValidationError{Reason: "unknown swap type"}
	}

	from, err := c.identity.ResolveMember(ctx, req.FromMemberID)
	if err != nil {
		return none, none, policy.Decision{}, &ValidationError{Reason: "source member does not resolve"}
	}
	to, err := c.identity.ResolveMember(ctx, req.ToMemberID)
	if err != nil {
		return none, none, policy.Decision{}, &ValidationError{Reason: "destination member does not resolve"}
	}

	decision := c.policy.Evaluate(policy.Role(from.Role), req.AmountSat, policy.OpSwap)
	if !decision.Authorized {
		return none, none, decision, &AuthorizationError{
			MemberID:         from.MemberID,
			Reason:           fmt.Sprintf("amount %d sat exceeds spending limit %d sat", req.AmountSat, decision.SpendingLimitSat),
			RequiresApproval: decision.RequiresApproval,
		}
	}

	return from, to, decision, nil
}

// run executes phases 2..5. The source account lease is held for the whole
// pipeline; once source_lock completes the pipeline runs to completion or
// failure including compensation, regardless of caller cancellation.
func (c *Coordinator) run(ctx context.Context, rec storage.SwapRecord, from, to storage.Member) (storage.SwapRecord, error) {
	totalDebit := rec.AmountSat + rec.Fees.TotalSat

	if !c.locks.tryAcquire(from.AccountID, time.Now()) {
		c.failSwap(ctx, &rec, 2, storage.StepSourceLock, ErrAccountBusy.Error())
		return rec, ErrAccountBusy
	}
	defer c.locks.release(from.AccountID)

	rec.Status = storage.SwapInProgress
	c.updateStatus(ctx, rec.SwapID, storage.SwapInProgress, nil)

	// The intent starts in a pre-reserve phase: until the debit commits, the
	// recovery sweep resolves it by deletion alone and never credits.
	intent := storage.SwapIntent{
		SwapID:        rec.SwapID,
		Phase:         storage.StepValidation,
		SourceAccount: from.AccountID,
		DestAccount:   to.AccountID,
		AmountSat:     rec.AmountSat,
		FeeSat:        rec.Fees.TotalSat,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.intents.PutIntent(ctx, intent); err != nil {
		c.failSwap(ctx, &rec, 2, storage.StepSourceLock, "intent write failed")
		return rec, &LedgerFailure{Phase: storage.StepSourceLock, Err: err}
	}

	// source_lock: a timeout here is a definite failure, no funds are held.
	lockCtx, cancelLock := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	err := c.accounts.Debit(lockCtx, from.AccountID, totalDebit)
	cancelLock()
	if err != nil {
		c.deleteIntent(rec.SwapID)
		c.failSwap(ctx, &rec, 2, storage.StepSourceLock, err.Error())
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return rec, err
		}
		return rec, &LedgerFailure{Phase: storage.StepSourceLock, Err: err}
	}

	// From here on the caller's cancellation no longer applies; the pipeline
	// must reach a terminal state or leave a reconcilable intent.
	runCtx := context.WithoutCancel(ctx)

	// The debit is committed; only now may the sweep treat the reserve as
	// taken and compensate it.
	if err := c.intents.UpdateIntentPhase(runCtx, rec.SwapID, storage.StepSourceLock); err != nil {
		c.compensateSource(runCtx, rec.SwapID, from.AccountID, totalDebit)
		c.failSwap(runCtx, &rec, 2, storage.StepSourceLock, "intent update failed")
		return rec, &LedgerFailure{Phase: storage.StepSourceLock, Err: err}
	}
	c.appendStep(runCtx, rec.SwapID, 2, storage.StepSourceLock, storage.StepCompleted,
		fmt.Sprintf("reserved %d sat (amount + fees)", totalDebit))

	// destination_prepare: capacity shortfalls fail here, never at
	// atomic_execution.
	if err := c.prepareDestination(runCtx, rec, to); err != nil {
		c.compensateSource(runCtx, rec.SwapID, from.AccountID, totalDebit)
		c.failSwap(runCtx, &rec, 3, storage.StepDestinationPrepare, err.Error())
		return rec, err
	}
	c.appendStep(runCtx, rec.SwapID, 3, storage.StepDestinationPrepare, storage.StepCompleted, "destination capacity confirmed")

	// atomic_execution: the intent phase is advanced first so a crash or
	// ambiguous timeout is replayed, never assumed negative.
	if err := c.intents.UpdateIntentPhase(runCtx, rec.SwapID, storage.StepAtomicExecution); err != nil {
		c.compensateSource(runCtx, rec.SwapID, from.AccountID, totalDebit)
		c.failSwap(runCtx, &rec, 4, storage.StepAtomicExecution, "intent update failed")
		return rec, &LedgerFailure{Phase: storage.StepAtomicExecution, Err: err}
	}

	settler, ok := c.gateways[rec.SwapType.DestinationLayer()]
	if !ok {
		c.compensateSource(runCtx, rec.SwapID, from.AccountID, totalDebit)
		c.failSwap(runCtx, &rec, 4, storage.StepAtomicExecution, "no gateway for destination layer")
		return rec, &LedgerFailure{Phase: storage.StepAtomicExecution, Err: fmt.Errorf("no gateway for layer %s", rec.SwapType.DestinationLayer())}
	}

	execCtx, cancelExec := context.WithTimeout(runCtx, c.cfg.PhaseTimeout)
	txRef, err := settler.Settle(execCtx, from.AccountID, to.AccountID, rec.AmountSat)
	cancelExec()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Ambiguous: the settlement may have landed. The intent stays for
			// the recovery sweep; status remains in_progress.
			c.logger.Error("ambiguous settlement timeout", "swap_id", rec.SwapID.String(), "error", err)
			return rec, &LedgerFailure{Phase: storage.StepAtomicExecution, Ambiguous: true, Err: err}
		}
		// Definite gateway refusal: nothing committed, compensate.
		c.compensateSource(runCtx, rec.SwapID, from.AccountID, totalDebit)
		c.failSwap(runCtx, &rec, 4, storage.StepAtomicExecution, err.Error())
		return rec, &LedgerFailure{Phase: storage.StepAtomicExecution, Err: err}
	}

	if err := c.accounts.Credit(runCtx, to.AccountID, rec.AmountSat); err != nil {
		// Debit is final and settlement landed; the intent record replays the
		// credit on recovery so the value cannot vanish into neither account.
		c.logger.Error("credit failed after settlement", "swap_id", rec.SwapID.String(), "error", err)
		return rec, &LedgerFailure{Phase: storage.StepAtomicExecution, Ambiguous: true, Err: err}
	}
	c.appendStep(runCtx, rec.SwapID, 4, storage.StepAtomicExecution, storage.StepCompleted,
		fmt.Sprintf("settled via %s, tx %s", rec.SwapType.DestinationLayer(), txRef))

	// confirmation
	c.deleteIntent(rec.SwapID)
	completedAt := time.Now().UTC()
	rec.Status = storage.SwapCompleted
	rec.CompletedAt = &completedAt
	c.updateStatus(runCtx, rec.SwapID, storage.SwapCompleted, &completedAt)
	c.appendStep(runCtx, rec.SwapID, 5, storage.StepConfirmation, storage.StepCompleted, "swap completed")

	c.logger.Info("swap completed",
		"swap_id", rec.SwapID.String(),
		"amount_sat", rec.AmountSat,
		"total_fee_sat", rec.Fees.TotalSat)
	return rec, nil
}

func (c *Coordinator) prepareDestination(ctx context.Context, rec storage.SwapRecord, to storage.Member) error {
	destCtx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	acct, err := c.accounts.GetAccount(destCtx, to.AccountID)
	if err != nil {
		return &LedgerFailure{Phase: storage.StepDestinationPrepare, Err: err}
	}
	if !acct.Active {
		return &ValidationError{Reason: "destination account is deactivated"}
	}

	if rec.SwapType.DestinationLayer() != storage.LayerLightning {
		return nil
	}

	inbound := acct.ChannelCapacitySat - acct.LocalBalanceSat
	if inbound >= rec.AmountSat {
		return nil
	}

	op, err := c.liquidity.CheckAndTopUp(ctx, acct, to, storage.LiquidityScheduled)
	if err != nil {
		return &LedgerFailure{Phase: storage.StepDestinationPrepare, Err: err}
	}
	if !op.Approved {
		return &InsufficientLiquidityError{AccountID: to.AccountID, ShortfallSat: rec.AmountSat - inbound}
	}
	if inbound+op.GrantedAmountSat < rec.AmountSat {
		return &InsufficientLiquidityError{AccountID: to.AccountID, ShortfallSat: rec.AmountSat - inbound - op.GrantedAmountSat}
	}
	return nil
}

// RecoverDanglingIntents reconciles intents older than the grace period:
// pipelines that died at or after atomic_execution are replayed to
// completion, earlier ones are compensated. Run at startup.
func (c *Coordinator) RecoverDanglingIntents(ctx context.Context, grace time.Duration) (int, error) {
	intents, err := c.intents.ListIntentsBefore(ctx, time.Now().UTC().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("list dangling intents: %w", err)
	}

	recovered := 0
	for _, intent := range intents {
		if err := c.recoverIntent(ctx, intent); err != nil {
			c.logger.Error("intent recovery failed", "swap_id", intent.SwapID.String(), "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (c *Coordinator) recoverIntent(ctx context.Context, intent storage.SwapIntent) error {
	steps, err := c.sink.GetSteps(ctx, intent.SwapID)
	if err != nil {
		return err
	}
	next := len(steps) + 1

	// The intent is deleted before any credit: a failed delete retries the
	// whole resolution on the next sweep instead of crediting twice.
	if err := c.intents.DeleteIntent(ctx, intent.SwapID); err != nil {
		return err
	}

	switch intent.Phase {
	case storage.StepAtomicExecution:
		if err := c.accounts.Credit(ctx, intent.DestAccount, intent.AmountSat); err != nil {
			c.logger.Error("recovery credit failed, manual reconciliation required",
				"swap_id", intent.SwapID.String(), "account_id", intent.DestAccount.String(), "error", err)
			return err
		}
		c.appendStep(ctx, intent.SwapID, next, storage.StepAtomicExecution, storage.StepCompleted, "replayed from durable intent")
		completedAt := time.Now().UTC()
		c.updateStatus(ctx, intent.SwapID, storage.SwapCompleted, &completedAt)
		c.appendStep(ctx, intent.SwapID, next+1, storage.StepConfirmation, storage.StepCompleted, "swap completed by recovery sweep")
	case storage.StepValidation:
		// The reserve was never taken; there is nothing to restore.
		c.appendStep(ctx, intent.SwapID, next, storage.StepSourceLock, storage.StepFailed, "abandoned before reserve, closed by recovery sweep")
		c.updateStatus(ctx, intent.SwapID, storage.SwapFailed, nil)
	default:
		if err := c.accounts.Credit(ctx, intent.SourceAccount, intent.AmountSat+intent.FeeSat); err != nil {
			c.logger.Error("recovery compensation failed, manual reconciliation required",
				"swap_id", intent.SwapID.String(), "account_id", intent.SourceAccount.String(), "error", err)
			return err
		}
		c.appendStep(ctx, intent.SwapID, next, intent.Phase, storage.StepFailed, "compensated by recovery sweep")
		c.updateStatus(ctx, intent.SwapID, storage.SwapFailed, nil)
	}

	c.locks.release(intent.SourceAccount)
	return nil
}

// compensateSource releases the source lock by crediting back the reserved
// amount plus fees. The intent is re-marked and dropped before the credit so
// a partial failure is compensated by the recovery sweep, never credited
// twice and never replayed as a settlement.
func (c *Coordinator) compensateSource(ctx context.Context, swapID, accountID uuid.UUID, amountSat int64) {
	if err := c.intents.UpdateIntentPhase(ctx, swapID, storage.StepDestinationPrepare); err != nil {
		c.logger.Error("intent demote failed, compensation deferred to recovery sweep",
			"swap_id", swapID.String(), "error", err)
		return
	}
	if err := c.intents.DeleteIntent(ctx, swapID); err != nil {
		// The intent stays; the sweep compensates once the grace period passes.
		c.logger.Error("intent delete failed, compensation deferred to recovery sweep",
			"swap_id", swapID.String(), "error", err)
		return
	}
	if err := c.accounts.Credit(ctx, accountID, amountSat); err != nil {
		c.logger.Error("compensation credit failed, manual reconciliation required",
			"swap_id", swapID.String(), "account_id", accountID.String(), "error", err)
	}
}

func (c *Coordinator) failSwap(ctx context.Context, rec *storage.SwapRecord, stepNum int, name storage.StepName, message string) {
	rec.Status = storage.SwapFailed
	c.updateStatus(ctx, rec.SwapID, storage.SwapFailed, nil)
	c.appendStep(ctx, rec.SwapID, stepNum, name, storage.StepFailed, message)
}

func (c *Coordinator) createRecord(ctx context.Context, rec storage.SwapRecord) {
	if err := c.sink.CreateSwap(ctx, rec); err != nil {
		c.logger.Error("swap record write failed", "swap_id", rec.SwapID.String(), "error", err)
	}
}

func (c *Coordinator) updateStatus(ctx context.Context, swapID uuid.UUID, status storage.SwapStatus, completedAt *time.Time) {
	if err := c.sink.UpdateSwapStatus(ctx, swapID, status, completedAt); err != nil {
		c.logger.Error("swap status update failed", "swap_id", swapID.String(), "status", string(status), "error", err)
	}
}

func (c *Coordinator) appendStep(ctx context.Context, swapID uuid.UUID, num int, name storage.StepName, status storage.StepStatus, message string) {
	step := storage.SwapStep{
		SwapID:     swapID,
		StepNumber: num,
		StepName:   name,
		Status:     status,
		Message:    message,
		Timestamp:  time.Now().UTC(),
	}
	if err := c.sink.AppendStep(ctx, step); err != nil {
		c.logger.Error("step append failed", "swap_id", swapID.String(), "step", string(name), "error", err)
	}
}

func (c *Coordinator) deleteIntent(swapID uuid.UUID) {
	if err := c.intents.DeleteIntent(context.Background(), swapID); err != nil {
		c.logger.Error("intent delete failed", "swap_id", swapID.String(), "error", err)
	}
}
