package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hearthsats/hearth/libs/kafka"
	"github.com/hearthsats/hearth/services/treasury/internal/fee"
	"github.com/hearthsats/hearth/services/treasury/internal/liquidity"
	"github.com/hearthsats/hearth/services/treasury/internal/policy"
	"github.com/hearthsats/hearth/services/treasury/internal/rate"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
	"github.com/hearthsats/hearth/services/treasury/internal/swap"
)

type fakePublisher struct {
	topics []string
	keys   []string
	err    error
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, _ any) (int32, int64, error) {
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, key)
	return 0, 0, f.err
}

type fakeSettler struct{}

func (fakeSettler) Settle(_ context.Context, _, _ uuid.UUID, _ int64) (string, error) {
	return "tx-test", nil
}

type fakeChannelGateway struct{}

func (fakeChannelGateway) OpenOrExpandChannel(_ context.Context, _ uuid.UUID, _ int64) (storage.ChannelGrant, error) {
	return storage.ChannelGrant{ChannelID: "chan-1", FeeSat: 100}, nil
}

type serviceHarness struct {
	svc       *Service
	store     *storage.MemoryStore
	publisher *fakePublisher
	from      storage.Member
	to        storage.Member
	req       storage.SwapRequest
}

func newServiceHarness(t *testing.T, limiter *rate.MultiLimiter) *serviceHarness {
	t.Helper()

	store := storage.NewMemoryStore()
	publisher := &fakePublisher{}
	est := fee.NewEstimator(fee.DefaultConfig())
	pol := policy.New(policy.DefaultConfig())
	mon := liquidity.NewMonitor(liquidity.DefaultMonitorConfig())
	mgr := liquidity.NewManager(mon, est, pol, fakeChannelGateway{}, store, store, liquidity.DefaultManagerConfig(), slog.Default())

	gateways := map[storage.SettlementLayer]swap.Settler{
		storage.LayerLightning: fakeSettler{},
		storage.LayerFederated: fakeSettler{},
	}
	coord := swap.NewCoordinator(store, store, store, store, mgr, est, pol, gateways, swap.DefaultConfig(), slog.Default())

	from := storage.Member{MemberID: uuid.New(), Role: "adult", AccountID: uuid.New()}
	to := storage.Member{MemberID: uuid.New(), Role: "adult", AccountID: uuid.New()}
	store.PutMember(from)
	store.PutMember(to)
	store.PutAccount(storage.Account{AccountID: from.AccountID, Mode: storage.ModeIndividual, BalanceSat: 1_000_000, Active: true})
	store.PutAccount(storage.Account{AccountID: to.AccountID, Mode: storage.ModeIndividual, BalanceSat: 1_000_000, Active: true})

	svc := New(coord, mgr, mon, store, store, store, limiter, publisher, slog.Default(), nil)

	return &serviceHarness{
		svc:       svc,
		store:     store,
		publisher: publisher,
		from:      from,
		to:        to,
		req: storage.SwapRequest{
			FromContext:  storage.OperationContext{Mode: storage.ModeIndividual, UserID: from.MemberID},
			ToContext:    storage.OperationContext{Mode: storage.ModeIndividual, UserID: to.MemberID},
			FromMemberID: from.MemberID,
			ToMemberID:   to.MemberID,
			AmountSat:    10_000,
			SwapType:     storage.SwapInternal,
			Purpose:      "allowance",
		},
	}
}

func TestSubmitSwapPublishesLifecycleEvent(t *testing.T) {
	h := newServiceHarness(t, nil)

	rec, err := h.svc.SubmitSwap(context.Background(), h.req, CallerScopes{})
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}
	if rec.Status != storage.SwapCompleted {
		t.Fatalf("Status = %s, want completed", rec.Status)
	}
	if len(h.publisher.topics) != 1 || h.publisher.topics[0] != kafka.TopicSwapLifecycle {
		t.Errorf("published topics = %v, want one %s event", h.publisher.topics, kafka.TopicSwapLifecycle)
	}
	if h.publisher.keys[0] != rec.SwapID.String() {
		t.Errorf("event key = %s, want swap id", h.publisher.keys[0])
	}
}

func TestSubmitSwapRateLimited(t *testing.T) {
	limiter := rate.NewMultiLimiter().WithScope(ScopeIP, rate.NewMemory(1, time.Minute))
	h := newServiceHarness(t, limiter)
	caller := CallerScopes{IP: "1.2.3.4"}

	if _, err := h.svc.SubmitSwap(context.Background(), h.req, caller); err != nil {
		t.Fatalf("first SubmitSwap: %v", err)
	}

	_, err := h.svc.SubmitSwap(context.Background(), h.req, caller)
	var limitErr *rate.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("err = %v, want *rate.LimitError", err)
	}
	if limitErr.Scope != ScopeIP {
		t.Errorf("Scope = %q, want %q", limitErr.Scope, ScopeIP)
	}
	// The throttled attempt never reached the coordinator or the bus.
	if len(h.publisher.topics) != 1 {
		t.Errorf("published events = %d, want 1", len(h.publisher.topics))
	}
}

func TestSubmitSwapDifferentScopesDoNotCollide(t *testing.T) {
	limiter := rate.NewMultiLimiter().
		WithScope(ScopeIP, rate.NewMemory(10, time.Minute)).
		WithScope(ScopeSession, rate.NewMemory(1, time.Minute))
	h := newServiceHarness(t, limiter)

	if _, err := h.svc.SubmitSwap(context.Background(), h.req, CallerScopes{IP: "1.2.3.4", SessionID: "s1"}); err != nil {
		t.Fatalf("first SubmitSwap: %v", err)
	}
	if _, err := h.svc.SubmitSwap(context.Background(), h.req, CallerScopes{IP: "1.2.3.4", SessionID: "s2"}); err != nil {
		t.Fatalf("second session throttled by first: %v", err)
	}
}

func TestGetSwapStatusReturnsRecordAndLogs(t *testing.T) {
	h := newServiceHarness(t, nil)

	rec, err := h.svc.SubmitSwap(context.Background(), h.req, CallerScopes{})
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}

	status, err := h.svc.GetSwapStatus(context.Background(), rec.SwapID)
	if err != nil {
		t.Fatalf("GetSwapStatus: %v", err)
	}
	if status.Swap.SwapID != rec.SwapID {
		t.Errorf("SwapID = %s, want %s", status.Swap.SwapID, rec.SwapID)
	}
	if status.Swap.Status != storage.SwapCompleted {
		t.Errorf("Status = %s, want completed", status.Swap.Status)
	}
	if len(status.Logs) != 5 {
		t.Errorf("log count = %d, want 5", len(status.Logs))
	}
}

func TestGetSwapStatusUnknownSwap(t *testing.T) {
	h := newServiceHarness(t, nil)
	if _, err := h.svc.GetSwapStatus(context.Background(), uuid.New()); !errors.Is(err, storage.ErrSwapNotFound) {
		t.Fatalf("err = %v, want ErrSwapNotFound", err)
	}
}

func TestRequestLiquidityEmergency(t *testing.T) {
	h := newServiceHarness(t, nil)

	op, err := h.svc.RequestLiquidity(context.Background(), h.from.MemberID, storage.LiquidityEmergency, LiquidityParams{
		RequiredAmountSat: 100_000,
		Urgency:           "high",
		Reason:            "family event",
	}, CallerScopes{})
	if err != nil {
		t.Fatalf("RequestLiquidity: %v", err)
	}
	if !op.Approved {
		t.Fatalf("op denied: %s", op.Reason)
	}
	if op.Type != storage.LiquidityEmergency {
		t.Errorf("Type = %s, want emergency", op.Type)
	}
	if len(h.publisher.topics) != 1 || h.publisher.topics[0] != kafka.TopicLiquidityOps {
		t.Errorf("published topics = %v, want one %s event", h.publisher.topics, kafka.TopicLiquidityOps)
	}
}

func TestRequestLiquidityManualTopUp(t *testing.T) {
	h := newServiceHarness(t, nil)
	h.store.PutAccount(storage.Account{
		AccountID:          h.from.AccountID,
		Mode:               storage.ModeIndividual,
		BalanceSat:         1_000_000,
		ChannelCapacitySat: 1_000_000,
		LocalBalanceSat:    100_000,
		RemoteBalanceSat:   900_000,
		Active:             true,
	})

	op, err := h.svc.RequestLiquidity(context.Background(), h.from.MemberID, storage.LiquidityManual, LiquidityParams{}, CallerScopes{})
	if err != nil {
		t.Fatalf("RequestLiquidity: %v", err)
	}
	if !op.Approved {
		t.Fatalf("op denied: %s", op.Reason)
	}
	if op.Type != storage.LiquidityManual {
		t.Errorf("Type = %s, want manual", op.Type)
	}
	if op.GrantedAmountSat != 400_000 {
		t.Errorf("GrantedAmountSat = %d, want midpoint deficit 400000", op.GrantedAmountSat)
	}
}

func TestRequestLiquidityUnknownType(t *testing.T) {
	h := newServiceHarness(t, nil)
	if _, err := h.svc.RequestLiquidity(context.Background(), h.from.MemberID, storage.LiquidityOpType("loan"), LiquidityParams{}, CallerScopes{}); err == nil {
		t.Fatal("expected error for unknown operation type")
	}
}

func TestGetLiquidityStatus(t *testing.T) {
	h := newServiceHarness(t, nil)
	h.store.PutAccount(storage.Account{
		AccountID:          h.from.AccountID,
		Mode:               storage.ModeIndividual,
		BalanceSat:         750_000,
		ChannelCapacitySat: 1_000_000,
		LocalBalanceSat:    500_000,
		RemoteBalanceSat:   500_000,
		Active:             true,
	})

	status, err := h.svc.GetLiquidityStatus(context.Background(), h.from.AccountID)
	if err != nil {
		t.Fatalf("GetLiquidityStatus: %v", err)
	}
	if status.RecommendedAction != liquidity.ActionNone {
		t.Errorf("RecommendedAction = %s, want none", status.RecommendedAction)
	}
	if status.Ratio != 0.5 {
		t.Errorf("Ratio = %f, want 0.5", status.Ratio)
	}
	if status.CurrentBalanceSat != 750_000 {
		t.Errorf("CurrentBalanceSat = %d, want 750000", status.CurrentBalanceSat)
	}
}
