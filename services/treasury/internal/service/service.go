package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hearthsats/hearth/libs/kafka"
	"github.com/hearthsats/hearth/services/treasury/internal/liquidity"
	"github.com/hearthsats/hearth/services/treasury/internal/rate"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
	"github.com/hearthsats/hearth/services/treasury/internal/swap"
)

// Scope names understood by the composed rate limiter.
const (
	ScopeIP         = "ip"
	ScopeIdentifier = "identifier"
	ScopeSession    = "session"
)

// CallerScopes identifies one caller across rate-limit scopes. Empty values
// skip that scope.
type CallerScopes struct {
	IP             string
	IdentifierHash string
	SessionID      string
}

func (c CallerScopes) keys() map[string]string {
	return map[string]string{
		ScopeIP:         c.IP,
		ScopeIdentifier: c.IdentifierHash,
		ScopeSession:    c.SessionID,
	}
}

type AccountReader interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (storage.Account, error)
}

type IdentityResolver interface {
	ResolveMember(ctx context.Context, memberID uuid.UUID) (storage.Member, error)
}

type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
}

// SwapStatus is the poller view: record plus the full step log. Status is
// read from the record, never inferred from elapsed time.
type SwapStatus struct {
	Swap storage.SwapRecord
	Logs []storage.SwapStep
}

type LiquidityStatus struct {
	Ratio             float64
	RecommendedAction liquidity.Action
	CurrentBalanceSat int64
}

// LiquidityParams carries the caller-tunable fields of a liquidity request.
type LiquidityParams struct {
	RequestedByMemberID uuid.UUID
	RequiredAmountSat   int64
	Urgency             string
	Reason              string
	MaxFeesSat          int64
}

// Service is the in-process boundary consumed by routing and UI layers.
type Service struct {
	coordinator *swap.Coordinator
	manager     *liquidity.Manager
	monitor     *liquidity.Monitor
	accounts    AccountReader
	identity    IdentityResolver
	sink        swap.SwapSink
	limiter     *rate.MultiLimiter
	publisher   Publisher
	logger      *slog.Logger
	metrics     *Metrics
}

func New(coordinator *swap.Coordinator, manager *liquidity.Manager, monitor *liquidity.Monitor, accounts AccountReader, identity IdentityResolver, sink swap.SwapSink, limiter *rate.MultiLimiter, publisher Publisher, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		coordinator: coordinator,
		manager:     manager,
		monitor:     monitor,
		accounts:    accounts,
		identity:    identity,
		sink:        sink,
		limiter:     limiter,
		publisher:   publisher,
		logger:      logger,
		metrics:     metrics,
	}
}

func (s *Service) SubmitSwap(ctx context.Context, req storage.SwapRequest, caller CallerScopes) (storage.SwapRecord, error) {
	if err := s.allow(ctx, caller); err != nil {
		return storage.SwapRecord{}, err
	}

	start := time.Now()
	rec, err := s.coordinator.ExecuteAtomicSwap(ctx, req)
	s.metrics.ObserveSwap(string(req.SwapType), string(rec.Status), time.Since(start))

	s.publishSwapEvent(ctx, rec)
	return rec, err
}

func (s *Service) ApproveSwap(ctx context.Context, swapID, approverMemberID uuid.UUID) (storage.SwapRecord, error) {
	start := time.Now()
	rec, err := s.coordinator.ApproveSwap(ctx, swapID, approverMemberID)
	if rec.SwapID != uuid.Nil {
		s.metrics.ObserveSwap(string(rec.SwapType), string(rec.Status), time.Since(start))
		s.publishSwapEvent(ctx, rec)
	}
	return rec, err
}

func (s *Service) GetSwapStatus(ctx context.Context, swapID uuid.UUID) (SwapStatus, error) {
	rec, err := s.sink.GetSwap(ctx, swapID)
	if err != nil {
		return SwapStatus{}, err
	}
	steps, err := s.sink.GetSteps(ctx, swapID)
	if err != nil {
		return SwapStatus{}, err
	}
	return SwapStatus{Swap: rec, Logs: steps}, nil
}

func (s *Service) RequestLiquidity(ctx context.Context, memberID uuid.UUID, opType storage.LiquidityOpType, params LiquidityParams, caller CallerScopes) (storage.LiquidityOperation, error) {
	if err := s.allow(ctx, caller); err != nil {
		return storage.LiquidityOperation{}, err
	}

	var op storage.LiquidityOperation
	var err error
	switch opType {
	case storage.LiquidityEmergency:
		op, err = s.manager.RequestEmergencyLiquidity(ctx, liquidity.EmergencyRequest{
			MemberID:            memberID,
			RequestedByMemberID: params.RequestedByMemberID,
			RequiredAmountSat:   params.RequiredAmountSat,
			Urgency:             params.Urgency,
			Reason:              params.Reason,
			MaxFeesSat:          params.MaxFeesSat,
		})
	case storage.LiquidityScheduled, storage.LiquidityManual:
		op, err = s.topUp(ctx, memberID, opType)
	default:
		return storage.LiquidityOperation{}, fmt.Errorf("unknown liquidity operation type %q", opType)
	}
	if err != nil {
		return op, err
	}

	outcome := "denied"
	switch {
	case op.Reason == liquidity.ReasonChannelHealthy:
		outcome = "noop"
	case op.Approved:
		outcome = "approved"
	}
	s.metrics.IncLiquidityOp(string(opType), outcome)
	s.publishLiquidityEvent(ctx, op)
	return op, nil
}

func (s *Service) GetLiquidityStatus(ctx context.Context, accountID uuid.UUID) (LiquidityStatus, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return LiquidityStatus{}, err
	}
	health := s.monitor.Classify(acct)
	return LiquidityStatus{
		Ratio:             health.Ratio,
		RecommendedAction: health.RecommendedAction,
		CurrentBalanceSat: acct.BalanceSat,
	}, nil
}

func (s *Service) topUp(ctx context.Context, memberID uuid.UUID, opType storage.LiquidityOpType) (storage.LiquidityOperation, error) {
	member, err := s.identity.ResolveMember(ctx, memberID)
	if err != nil {
		return storage.LiquidityOperation{}, fmt.Errorf("resolve member: %w", err)
	}
	acct, err := s.accounts.GetAccount(ctx, member.AccountID)
	if err != nil {
		return storage.LiquidityOperation{}, fmt.Errorf("load account: %w", err)
	}
	return s.manager.CheckAndTopUp(ctx, acct, member, opType)
}

func (s *Service) allow(ctx context.Context, caller CallerScopes) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.Allow(ctx, caller.keys(), time.Now())
	if err == nil {
		return nil
	}
	var limitErr *rate.LimitError
	if errors.As(err, &limitErr) {
		s.metrics.IncRateLimited(limitErr.Scope)
	}
	return err
}

func (s *Service) publishSwapEvent(ctx context.Context, rec storage.SwapRecord) {
	if s.publisher == nil || rec.SwapID == uuid.Nil {
		return
	}
	event, err := kafka.NewSwapEvent(rec.SwapID.String(), string(rec.Status), rec.AmountSat, rec.Fees.TotalSat, string(rec.SwapType))
	if err != nil {
		s.logger.Error("swap event build failed", "swap_id", rec.SwapID.String(), "error", err)
		return
	}
	if _, _, err := s.publisher.PublishJSON(ctx, kafka.TopicSwapLifecycle, rec.SwapID.String(), event); err != nil {
		s.logger.Error("swap event publish failed", "swap_id", rec.SwapID.String(), "error", err)
	}
}

func (s *Service) publishLiquidityEvent(ctx context.Context, op storage.LiquidityOperation) {
	if s.publisher == nil {
		return
	}
	event, err := kafka.NewLiquidityEvent(op.OpID.String(), string(op.Type), op.Approved, op.GrantedAmountSat)
	if err != nil {
		s.logger.Error("liquidity event build failed", "op_id", op.OpID.String(), "error", err)
		return
	}
	if _, _, err := s.publisher.PublishJSON(ctx, kafka.TopicLiquidityOps, op.OpID.String(), event); err != nil {
		s.logger.Error("liquidity event publish failed", "op_id", op.OpID.String(), "error", err)
	}
}
