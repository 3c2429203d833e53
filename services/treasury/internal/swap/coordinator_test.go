package swap

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hearthsats/hearth/services/treasury/internal/fee"
	"github.com/hearthsats/hearth/services/treasury/internal/liquidity"
	"github.com/hearthsats/hearth/services/treasury/internal/policy"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
)

type fakeSettler struct {
	err   error
	calls int
}

func (f *fakeSettler) Settle(_ context.Context, _, _ uuid.UUID, _ int64) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "tx-test", nil
}

type fakeChannelGateway struct {
	grant storage.ChannelGrant
	err   error
}

func (f *fakeChannelGateway) OpenOrExpandChannel(_ context.Context, _ uuid.UUID, _ int64) (storage.ChannelGrant, error) {
	if f.err != nil {
		return storage.ChannelGrant{}, f.err
	}
	return f.grant, nil
}

type harness struct {
	store   *storage.MemoryStore
	settler *fakeSettler
	coord   *Coordinator
	from    storage.Member
	to      storage.Member
	fromCtx storage.OperationContext
	toCtx   storage.OperationContext
}

func newHarness(t *testing.T, feeCfg fee.Config) *harness {
	t.Helper()

	store := storage.NewMemoryStore()
	settler := &fakeSettler{}
	est := fee.NewEstimator(feeCfg)
	pol := policy.New(policy.DefaultConfig())
	mon := liquidity.NewMonitor(liquidity.DefaultMonitorConfig())
	mgr := liquidity.NewManager(mon, est, pol, &fakeChannelGateway{}, store, store, liquidity.DefaultManagerConfig(), slog.Default())

	gateways := map[storage.SettlementLayer]Settler{
		storage.LayerLightning: settler,
		storage.LayerFederated: settler,
	}
	coord := NewCoordinator(store, store, store, store, mgr, est, pol, gateways, DefaultConfig(), slog.Default())

	h := &harness{
		store:   store,
		settler: settler,
		coord:   coord,
		from:    storage.Member{MemberID: uuid.New(), Role: "adult", AccountID: uuid.New()},
		to:      storage.Member{MemberID: uuid.New(), Role: "adult", AccountID: uuid.New()},
	}
	h.fromCtx = storage.OperationContext{Mode: storage.ModeIndividual, UserID: h.from.MemberID}
	h.toCtx = storage.OperationContext{Mode: storage.ModeIndividual, UserID: h.to.MemberID}

	store.PutMember(h.from)
	store.PutMember(h.to)
	store.PutAccount(storage.Account{AccountID: h.from.AccountID, Mode: storage.ModeIndividual, BalanceSat: 1_000_000, Active: true})
	store.PutAccount(storage.Account{AccountID: h.to.AccountID, Mode: storage.ModeIndividual, BalanceSat: 1_000_000, Active: true})
	return h
}

func (h *harness) request(amountSat int64, swapType storage.SwapType) storage.SwapRequest {
	return storage.SwapRequest{
		FromContext:  h.fromCtx,
		ToContext:    h.toCtx,
		FromMemberID: h.from.MemberID,
		ToMemberID:   h.to.MemberID,
		AmountSat:    amountSat,
		SwapType:     swapType,
		Purpose:      "allowance",
	}
}

func (h *harness) balance(t *testing.T, accountID uuid.UUID) int64 {
	t.Helper()
	acct, err := h.store.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return acct.BalanceSat
}

// assertStepPrefix verifies the step log walks the fixed pipeline order.
func assertStepPrefix(t *testing.T, steps []storage.SwapStep) {
	t.Helper()
	if len(steps) > len(storage.PipelineSteps) {
		t.Fatalf("step log has %d entries, pipeline has %d phases", len(steps), len(storage.PipelineSteps))
	}
	for i, step := range steps {
		if step.StepNumber != i+1 {
			t.Errorf("step %d: StepNumber = %d", i, step.StepNumber)
		}
		if step.StepName != storage.PipelineSteps[i] {
			t.Errorf("step %d: StepName = %s, want %s", i, step.StepName, storage.PipelineSteps[i])
		}
	}
	for i, step := range steps {
		if step.Status == storage.StepFailed && i != len(steps)-1 {
			t.Errorf("failed step %s is not last in the log", step.StepName)
		}
	}
}

func TestExecuteAtomicSwapCompletes(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())

	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(100_000, storage.SwapInternal))
	if err != nil {
		t.Fatalf("ExecuteAtomicSwap: %v", err)
	}
	if rec.Status != storage.SwapCompleted {
		t.Fatalf("Status = %s, want completed", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if rec.Fees.TotalSat != 10 {
		t.Errorf("TotalSat = %d, want flat bridge fee 10", rec.Fees.TotalSat)
	}

	if got := h.balance(t, h.from.AccountID); got != 1_000_000-100_000-10 {
		t.Errorf("source balance = %d, want amount plus fees debited", got)
	}
	if got := h.balance(t, h.to.AccountID); got != 1_000_000+100_000 {
		t.Errorf("destination balance = %d, want amount credited", got)
	}

	steps, _ := h.store.GetSteps(context.Background(), rec.SwapID)
	if len(steps) != 5 {
		t.Fatalf("step count = %d, want 5", len(steps))
	}
	assertStepPrefix(t, steps)
	for _, step := range steps {
		if step.Status != storage.StepCompleted {
			t.Errorf("step %s = %s, want completed", step.StepName, step.Status)
		}
	}

	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}
}

func TestExecuteAtomicSwapValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness, req *storage.SwapRequest)
	}{
		{
			name:   "non-positive amount",
			mutate: func(_ *harness, req *storage.SwapRequest) { req.AmountSat = 0 },
		},
		{
			name:   "identical contexts",
			mutate: func(h *harness, req *storage.SwapRequest) { req.ToContext = h.fromCtx },
		},
		{
			name:   "invalid context",
			mutate: func(_ *harness, req *storage.SwapRequest) { req.FromContext = storage.OperationContext{} },
		},
		{
			name:   "unknown swap type",
			mutate: func(_ *harness, req *storage.SwapRequest) { req.SwapType = "teleport" },
		},
		{
			name:   "unresolvable source member",
			mutate: func(_ *harness, req *storage.SwapRequest) { req.FromMemberID = uuid.New() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fee.DefaultConfig())
			req := h.request(10_000, storage.SwapInternal)
			tt.mutate(h, &req)

			rec, err := h.coord.ExecuteAtomicSwap(context.Background(), req)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if rec.Status != storage.SwapFailed {
				t.Errorf("Status = %s, want failed", rec.Status)
			}
			if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
				t.Errorf("source balance = %d, validation must not move funds", got)
			}
			if got := h.balance(t, h.to.AccountID); got != 1_000_000 {
				t.Errorf("destination balance = %d, validation must not move funds", got)
			}

			steps, _ := h.store.GetSteps(context.Background(), rec.SwapID)
			if len(steps) != 1 || steps[0].Status != storage.StepFailed {
				t.Errorf("step log = %+v, want single failed validation step", steps)
			}
		})
	}
}

func TestOffspringOverLimitIsRefused(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	h.from.Role = "offspring"
	h.from.GuardianMemberID = uuid.New()
	h.store.PutMember(h.from)

	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(150_000, storage.SwapInternal))
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthorizationError", err)
	}
	if rec.Status != storage.SwapFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, refusal must not move funds", got)
	}
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	guardian := storage.Member{MemberID: uuid.New(), Role: "guardian", AccountID: uuid.New()}
	h.store.PutMember(guardian)
	h.from.Role = "offspring"
	h.from.GuardianMemberID = guardian.MemberID
	h.store.PutMember(h.from)

	// Above the approval threshold but inside the spending limit.
	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(20_000, storage.SwapInternal))
	if err != nil {
		t.Fatalf("ExecuteAtomicSwap: %v", err)
	}
	if rec.Status != storage.SwapPending {
		t.Fatalf("Status = %s, want pending", rec.Status)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, pending swap must hold nothing", got)
	}

	t.Run("stranger cannot approve", func(t *testing.T) {
		stranger := storage.Member{MemberID: uuid.New(), Role: "adult", AccountID: uuid.New()}
		h.store.PutMember(stranger)
		_, err := h.coord.ApproveSwap(context.Background(), rec.SwapID, stranger.MemberID)
		var authErr *AuthorizationError
		if !errors.As(err, &authErr) {
			t.Fatalf("err = %v, want *AuthorizationError", err)
		}
	})

	t.Run("controlling guardian approves", func(t *testing.T) {
		approved, err := h.coord.ApproveSwap(context.Background(), rec.SwapID, guardian.MemberID)
		if err != nil {
			t.Fatalf("ApproveSwap: %v", err)
		}
		if approved.Status != storage.SwapCompleted {
			t.Fatalf("Status = %s, want completed", approved.Status)
		}
		if got := h.balance(t, h.to.AccountID); got != 1_000_000+20_000 {
			t.Errorf("destination balance = %d, want amount credited", got)
		}
	})

	t.Run("completed swap cannot be approved again", func(t *testing.T) {
		_, err := h.coord.ApproveSwap(context.Background(), rec.SwapID, guardian.MemberID)
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("err = %v, want *ValidationError", err)
		}
	})
}

func TestInsufficientBalanceFailsAtSourceLock(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	h.store.PutAccount(storage.Account{AccountID: h.from.AccountID, Mode: storage.ModeIndividual, BalanceSat: 500, Active: true})

	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(10_000, storage.SwapInternal))
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if rec.Status != storage.SwapFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}

	steps, _ := h.store.GetSteps(context.Background(), rec.SwapID)
	if len(steps) != 2 {
		t.Fatalf("step count = %d, want validation then failed source_lock", len(steps))
	}
	if steps[1].StepName != storage.StepSourceLock || steps[1].Status != storage.StepFailed {
		t.Errorf("step 2 = %s/%s, want source_lock/failed", steps[1].StepName, steps[1].Status)
	}
	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}
}

func TestBusySourceAccountFailsFast(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	if !h.coord.locks.tryAcquire(h.from.AccountID, time.Now()) {
		t.Fatal("could not seed the in-flight lease")
	}

	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(10_000, storage.SwapInternal))
	if !errors.Is(err, ErrAccountBusy) {
		t.Fatalf("err = %v, want ErrAccountBusy", err)
	}
	if rec.Status != storage.SwapFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, busy refusal must not move funds", got)
	}

	// The lease expires; a retry goes through.
	h.coord.locks.release(h.from.AccountID)
	if _, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(10_000, storage.SwapInternal)); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
}

func TestDeactivatedDestinationCompensates(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	h.store.PutAccount(storage.Account{AccountID: h.to.AccountID, Mode: storage.ModeIndividual, BalanceSat: 1_000_000, Active: false})

	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(10_000, storage.SwapInternal))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
	if rec.Status != storage.SwapFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, compensation must restore the reserve", got)
	}
	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}

	steps, _ := h.store.GetSteps(context.Background(), rec.SwapID)
	assertStepPrefix(t, steps)
	if len(steps) != 3 || steps[2].Status != storage.StepFailed {
		t.Errorf("step log = %+v, want failed destination_prepare last", steps)
	}
}

func TestInsufficientDestinationCapacityCompensates(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	// Balanced but tiny channel: the monitor sees no drift, so no top-up is
	// sized and the shortfall surfaces at destination_prepare.
	h.store.PutAccount(storage.Account{
		AccountID:          h.to.AccountID,
		Mode:               storage.ModeIndividual,
		BalanceSat:         1_000_000,
		ChannelCapacitySat: 10_000,
		LocalBalanceSat:    5_000,
		RemoteBalanceSat:   5_000,
		Active:             true,
	})

	_, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(50_000, storage.SwapFederatedToLightning))
	var liqErr *InsufficientLiquidityError
	if !errors.As(err, &liqErr) {
		t.Fatalf("err = %v, want *InsufficientLiquidityError", err)
	}
	if liqErr.ShortfallSat != 45_000 {
		t.Errorf("ShortfallSat = %d, want 45000", liqErr.ShortfallSat)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, compensation must restore the reserve", got)
	}
	if h.settler.calls != 0 {
		t.Errorf("settler calls = %d, capacity shortfalls must fail before atomic_execution", h.settler.calls)
	}
}

func TestDefiniteSettlementRefusalCompensates(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	h.settler.err = errors.New("gateway refused")

	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(10_000, storage.SwapInternal))
	var ledgerErr *LedgerFailure
	if !errors.As(err, &ledgerErr) {
		t.Fatalf("err = %v, want *LedgerFailure", err)
	}
	if ledgerErr.Ambiguous {
		t.Error("a gateway refusal is definite, not ambiguous")
	}
	if rec.Status != storage.SwapFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, want reserve restored", got)
	}
	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}
}

func TestAmbiguousSettlementLeavesIntentForRecovery(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	h.settler.err = context.DeadlineExceeded

	rec, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(10_000, storage.SwapInternal))
	var ledgerErr *LedgerFailure
	if !errors.As(err, &ledgerErr) {
		t.Fatalf("err = %v, want *LedgerFailure", err)
	}
	if !ledgerErr.Ambiguous {
		t.Fatal("settlement timeout must be ambiguous")
	}

	// Nothing is compensated and the status stays open; only the sweep may
	// resolve it.
	stored, _ := h.store.GetSwap(context.Background(), rec.SwapID)
	if stored.Status != storage.SwapInProgress {
		t.Fatalf("Status = %s, want in_progress", stored.Status)
	}
	if h.store.IntentCount() != 1 {
		t.Fatalf("dangling intents = %d, want 1", h.store.IntentCount())
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000-10_000-10 {
		t.Errorf("source balance = %d, ambiguous failure must not refund", got)
	}

	h.settler.err = nil
	recovered, err := h.coord.RecoverDanglingIntents(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecoverDanglingIntents: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	stored, _ = h.store.GetSwap(context.Background(), rec.SwapID)
	if stored.Status != storage.SwapCompleted {
		t.Errorf("Status = %s, want completed after replay", stored.Status)
	}
	if got := h.balance(t, h.to.AccountID); got != 1_000_000+10_000 {
		t.Errorf("destination balance = %d, want replayed credit", got)
	}
	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}

	steps, _ := h.store.GetSteps(context.Background(), rec.SwapID)
	if len(steps) != 5 {
		t.Errorf("step count = %d, want full pipeline after recovery", len(steps))
	}
}

func TestRecoverySweepCompensatesEarlyPhases(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	swapID := uuid.New()

	// A pipeline that died between source_lock and destination_prepare: the
	// reserve is gone from the source and the intent still names source_lock.
	if err := h.store.CreateSwap(context.Background(), storage.SwapRecord{
		SwapID: swapID, Status: storage.SwapInProgress, AmountSat: 10_000, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateSwap: %v", err)
	}
	if err := h.store.Debit(context.Background(), h.from.AccountID, 10_010); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if err := h.store.PutIntent(context.Background(), storage.SwapIntent{
		SwapID:        swapID,
		Phase:         storage.StepSourceLock,
		SourceAccount: h.from.AccountID,
		DestAccount:   h.to.AccountID,
		AmountSat:     10_000,
		FeeSat:        10,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}

	recovered, err := h.coord.RecoverDanglingIntents(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverDanglingIntents: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, want full compensation", got)
	}
	stored, _ := h.store.GetSwap(context.Background(), swapID)
	if stored.Status != storage.SwapFailed {
		t.Errorf("Status = %s, want failed", stored.Status)
	}
	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}
}

func TestRecoverySweepHonorsGracePeriod(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	if err := h.store.PutIntent(context.Background(), storage.SwapIntent{
		SwapID:        uuid.New(),
		Phase:         storage.StepSourceLock,
		SourceAccount: h.from.AccountID,
		DestAccount:   h.to.AccountID,
		AmountSat:     10_000,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}

	recovered, err := h.coord.RecoverDanglingIntents(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("RecoverDanglingIntents: %v", err)
	}
	if recovered != 0 {
		t.Errorf("recovered = %d, a fresh intent may still be in flight", recovered)
	}
	if h.store.IntentCount() != 1 {
		t.Errorf("dangling intents = %d, want the fresh one untouched", h.store.IntentCount())
	}
}

func TestRecoverySweepDropsPreReserveIntents(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	swapID := uuid.New()

	// A pipeline that died between the intent write and the debit: the intent
	// never left its pre-reserve phase and the source still holds everything.
	if err := h.store.CreateSwap(context.Background(), storage.SwapRecord{
		SwapID: swapID, Status: storage.SwapInProgress, AmountSat: 10_000, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateSwap: %v", err)
	}
	if err := h.store.PutIntent(context.Background(), storage.SwapIntent{
		SwapID:        swapID,
		Phase:         storage.StepValidation,
		SourceAccount: h.from.AccountID,
		DestAccount:   h.to.AccountID,
		AmountSat:     10_000,
		FeeSat:        10,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}

	recovered, err := h.coord.RecoverDanglingIntents(context.Background(), 5*time.Minute)
	if err != nil {
		t.Fatalf("RecoverDanglingIntents: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, a never-taken reserve must not be credited", got)
	}
	if got := h.balance(t, h.to.AccountID); got != 1_000_000 {
		t.Errorf("destination balance = %d, want untouched", got)
	}
	stored, _ := h.store.GetSwap(context.Background(), swapID)
	if stored.Status != storage.SwapFailed {
		t.Errorf("Status = %s, want failed", stored.Status)
	}
	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}
}

// flakyIntentStore drops DeleteIntent calls until its failure budget runs out.
type flakyIntentStore struct {
	*storage.MemoryStore
	deleteFailures int
}

func (f *flakyIntentStore) DeleteIntent(ctx context.Context, swapID uuid.UUID) error {
	if f.deleteFailures > 0 {
		f.deleteFailures--
		return errors.New("intent store unavailable")
	}
	return f.MemoryStore.DeleteIntent(ctx, swapID)
}

func TestCompensationNeverCreditsTwice(t *testing.T) {
	h := newHarness(t, fee.DefaultConfig())
	flaky := &flakyIntentStore{MemoryStore: h.store, deleteFailures: 1}
	est := fee.NewEstimator(fee.DefaultConfig())
	pol := policy.New(policy.DefaultConfig())
	mon := liquidity.NewMonitor(liquidity.DefaultMonitorConfig())
	mgr := liquidity.NewManager(mon, est, pol, &fakeChannelGateway{}, h.store, h.store, liquidity.DefaultManagerConfig(), slog.Default())
	settler := &fakeSettler{err: errors.New("gateway refused")}
	coord := NewCoordinator(h.store, h.store, h.store, flaky, mgr, est, pol,
		map[storage.SettlementLayer]Settler{
			storage.LayerLightning: settler,
			storage.LayerFederated: settler,
		}, DefaultConfig(), slog.Default())

	_, err := coord.ExecuteAtomicSwap(context.Background(), h.request(10_000, storage.SwapInternal))
	var ledgerErr *LedgerFailure
	if !errors.As(err, &ledgerErr) {
		t.Fatalf("err = %v, want *LedgerFailure", err)
	}

	// The intent delete failed, so compensation is deferred: the reserve stays
	// held and the intent keeps dangling rather than being credited blind.
	if got := h.balance(t, h.from.AccountID); got != 1_000_000-10_010 {
		t.Fatalf("source balance = %d, deferred compensation must not credit", got)
	}
	if h.store.IntentCount() != 1 {
		t.Fatalf("dangling intents = %d, want 1", h.store.IntentCount())
	}

	recovered, err := coord.RecoverDanglingIntents(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecoverDanglingIntents: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if got := h.balance(t, h.from.AccountID); got != 1_000_000 {
		t.Errorf("source balance = %d, want exactly one compensation credit", got)
	}
	if got := h.balance(t, h.to.AccountID); got != 1_000_000 {
		t.Errorf("destination balance = %d, a refused settlement must never be replayed", got)
	}
	if h.store.IntentCount() != 0 {
		t.Errorf("dangling intents = %d, want 0", h.store.IntentCount())
	}
}

func TestRoundTripConservesValue(t *testing.T) {
	// Zero-rate pricing leaves only the 1-sat network-fee floor, which each
	// lightning leg charges its source.
	h := newHarness(t, fee.Config{})
	h.store.PutAccount(storage.Account{
		AccountID:          h.to.AccountID,
		Mode:               storage.ModeIndividual,
		BalanceSat:         1_000_000,
		ChannelCapacitySat: 1_000_000,
		LocalBalanceSat:    400_000,
		RemoteBalanceSat:   600_000,
		Active:             true,
	})

	if _, err := h.coord.ExecuteAtomicSwap(context.Background(), h.request(250_000, storage.SwapFederatedToLightning)); err != nil {
		t.Fatalf("outbound swap: %v", err)
	}

	back := storage.SwapRequest{
		FromContext:  h.toCtx,
		ToContext:    h.fromCtx,
		FromMemberID: h.to.MemberID,
		ToMemberID:   h.from.MemberID,
		AmountSat:    250_000,
		SwapType:     storage.SwapLightningToFederated,
		Purpose:      "return",
	}
	if _, err := h.coord.ExecuteAtomicSwap(context.Background(), back); err != nil {
		t.Fatalf("return swap: %v", err)
	}

	if got := h.balance(t, h.from.AccountID); got != 1_000_000-1 {
		t.Errorf("source balance = %d, want original minus one network-fee floor", got)
	}
	if got := h.balance(t, h.to.AccountID); got != 1_000_000-1 {
		t.Errorf("destination balance = %d, want original minus one network-fee floor", got)
	}
}
