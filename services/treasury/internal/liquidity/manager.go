package liquidity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hearthsats/hearth/services/treasury/internal/fee"
	"github.com/hearthsats/hearth/services/treasury/internal/policy"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
)

const (
	ReasonGuardianApproval = "requires guardian approval"
	ReasonFeeBudget        = "exceeds fee budget"
	// ReasonChannelHealthy marks the no-op outcome: nothing was granted
	// because nothing was needed.
	ReasonChannelHealthy = "channel inside healthy band"
)

// LedgerGateway opens or expands settlement capacity for one account. It is
// implemented by the per-layer ledger clients, outside this engine.
type LedgerGateway interface {
	OpenOrExpandChannel(ctx context.Context, accountID uuid.UUID, amountSat int64) (storage.ChannelGrant, error)
}

// OperationStore is the append-only history of liquidity operations.
type OperationStore interface {
	AppendLiquidityOperation(ctx context.Context, op storage.LiquidityOperation) error
	FindRecentLiquidityOperation(ctx context.Context, memberID uuid.UUID, opType storage.LiquidityOpType, amountSat int64, since time.Time) (*storage.LiquidityOperation, error)
}

type IdentityResolver interface {
	ResolveMember(ctx context.Context, memberID uuid.UUID) (storage.Member, error)
}

// EmergencyRequest asks for immediate inbound or outbound capacity.
// RequestedByMemberID may name a controlling guardian acting for an
// offspring; it defaults to MemberID.
type EmergencyRequest struct {
	MemberID            uuid.UUID
	RequestedByMemberID uuid.UUID
	RequiredAmountSat   int64
	Urgency             string
	Reason              string
	MaxFeesSat          int64
}

type ManagerConfig struct {
	MinChannelSizeSat int64
	MaxChannelSizeSat int64
	// IdempotencyWindow bounds the retry window within which an identical
	// request returns the prior grant instead of granting twice.
	IdempotencyWindow time.Duration
	CallTimeout       time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MinChannelSizeSat: 20_000,
		MaxChannelSizeSat: 10_000_000,
		IdempotencyWindow: 30 * time.Second,
		CallTimeout:       10 * time.Second,
	}
}

type Manager struct {
	monitor   *Monitor
	estimator *fee.Estimator
	policy    *policy.Policy
	gateway   LedgerGateway
	store     OperationStore
	identity  IdentityResolver
	cfg       ManagerConfig
	logger    *slog.Logger
}

func NewManager(monitor *Monitor, estimator *fee.Estimator, pol *policy.Policy, gateway LedgerGateway, store OperationStore, identity IdentityResolver, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinChannelSizeSat <= 0 {
		cfg.MinChannelSizeSat = DefaultManagerConfig().MinChannelSizeSat
	}
	if cfg.MaxChannelSizeSat < cfg.MinChannelSizeSat {
		cfg.MaxChannelSizeSat = DefaultManagerConfig().MaxChannelSizeSat
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = DefaultManagerConfig().IdempotencyWindow
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultManagerConfig().CallTimeout
	}
	return &Manager{
		monitor:   monitor,
		estimator: estimator,
		policy:    pol,
		gateway:   gateway,
		store:     store,
		identity:  identity,
		cfg:       cfg,
		logger:    logger,
	}
}

// CheckAndTopUp classifies the account and, if it has drifted out of the
// healthy band, grants a top-up that restores the band midpoint. opType tags
// the persisted operation and scopes the idempotency window, so manual and
// scheduled requests never suppress one another. Denials and gateway errors
// both come back as an unapproved operation; no partial capacity is ever left
// floating.
func (m *Manager) CheckAndTopUp(ctx context.Context, acct storage.Account, owner storage.Member, opType storage.LiquidityOpType) (storage.LiquidityOperation, error) {
	health := m.monitor.Classify(acct)

	op := storage.LiquidityOperation{
		OpID:      uuid.New(),
		MemberID:  owner.MemberID,
		AccountID: acct.AccountID,
		Type:      opType,
		CreatedAt: time.Now().UTC(),
	}

	if health.RecommendedAction == ActionNone {
		op.Approved = true
		op.Reason = ReasonChannelHealthy
		return op, nil
	}

	amount := m.sizeTopUp(acct, health.RecommendedAction)
	op.RequestedAmountSat = amount

	if prior := m.recentDuplicate(ctx, owner.MemberID, opType, amount); prior != nil {
		return *prior, nil
	}

	role := policy.Role(owner.Role)
	if !m.policy.IsSovereign(role) {
		decision := m.policy.Evaluate(role, amount, policy.OpLiquidity)
		if !decision.Authorized {
			op.Approved = false
			op.RequiresApproval = true
			op.Reason = ReasonGuardianApproval
			m.append(ctx, op)
			return op, nil
		}
	}

	granted, err := m.openChannel(ctx, acct.AccountID, amount)
	if err != nil {
		op.Approved = false
		op.Reason = fmt.Sprintf("channel expansion failed: %v", err)
		m.logger.Error("top-up failed", "account_id", acct.AccountID.String(), "amount_sat", amount, "error", err)
		m.append(ctx, op)
		return op, nil
	}

	op.Approved = true
	op.GrantedAmountSat = amount
	op.FeesSat = granted.FeeSat
	op.ChannelID = granted.ChannelID
	op.Reason = string(health.RecommendedAction)
	m.append(ctx, op)
	return op, nil
}

// RequestEmergencyLiquidity grants capacity outside the scheduled cycle.
// Sovereign requesters, and controlling guardians acting for their offspring,
// are always approved; offspring are bounded by their daily limit and the
// stated fee budget.
func (m *Manager) RequestEmergencyLiquidity(ctx context.Context, req EmergencyRequest) (storage.LiquidityOperation, error) {
	op := storage.LiquidityOperation{
		OpID:               uuid.New(),
		MemberID:           req.MemberID,
		Type:               storage.LiquidityEmergency,
		RequestedAmountSat: req.RequiredAmountSat,
		Urgency:            req.Urgency,
		Reason:             req.Reason,
		CreatedAt:          time.Now().UTC(),
	}

	if req.RequiredAmountSat <= 0 {
		op.Reason = "requested amount must be positive"
		return op, nil
	}

	member, err := m.identity.ResolveMember(ctx, req.MemberID)
	if err != nil {
		return op, fmt.Errorf("resolve member: %w", err)
	}
	op.AccountID = member.AccountID

	if prior := m.recentDuplicate(ctx, req.MemberID, storage.LiquidityEmergency, req.RequiredAmountSat); prior != nil {
		return *prior, nil
	}

	computedFee := m.estimator.Estimate(req.RequiredAmountSat, fee.RouteLightning, false).NetworkFeeSat

	if !m.authorizeEmergency(ctx, member, req, computedFee, &op) {
		m.append(ctx, op)
		return op, nil
	}

	granted, err := m.openChannel(ctx, member.AccountID, req.RequiredAmountSat)
	if err != nil {
		op.Approved = false
		op.GrantedAmountSat = 0
		op.Reason = fmt.Sprintf("channel expansion failed: %v", err)
		m.logger.Error("emergency liquidity failed", "member_id", req.MemberID.String(), "error", err)
		m.append(ctx, op)
		return op, nil
	}

	op.Approved = true
	op.GrantedAmountSat = req.RequiredAmountSat
	op.FeesSat = granted.FeeSat
	op.ChannelID = granted.ChannelID
	m.append(ctx, op)
	return op, nil
}

func (m *Manager) authorizeEmergency(ctx context.Context, member storage.Member, req EmergencyRequest, computedFee int64, op *storage.LiquidityOperation) bool {
	role := policy.Role(member.Role)
	if m.policy.IsSovereign(role) {
		return true
	}

	requestedBy := req.RequestedByMemberID
	if requestedBy != uuid.Nil && requestedBy != req.MemberID {
		requester, err := m.identity.ResolveMember(ctx, requestedBy)
		if err == nil && m.policy.IsSovereign(policy.Role(requester.Role)) && member.GuardianMemberID == requestedBy {
			return true
		}
	}

	if req.RequiredAmountSat > m.policy.DailyLimit(policy.OpLiquidity) {
		op.Approved = false
		op.RequiresApproval = true
		op.Reason = ReasonGuardianApproval
		return false
	}
	if computedFee > req.MaxFeesSat {
		op.Approved = false
		op.Reason = fmt.Sprintf("%s: fee %d sat exceeds budget %d sat", ReasonFeeBudget, computedFee, req.MaxFeesSat)
		return false
	}
	return true
}

func (m *Manager) sizeTopUp(acct storage.Account, action Action) int64 {
	target := m.monitor.HealthyMidpoint(acct.ChannelCapacitySat)
	var deficit int64
	switch action {
	case ActionIncreaseOutbound:
		deficit = target - acct.LocalBalanceSat
	case ActionIncreaseInbound:
		deficit = target - acct.RemoteBalanceSat
	case ActionRebalance:
		deficit = target
	}

	if deficit < m.cfg.MinChannelSizeSat {
		deficit = m.cfg.MinChannelSizeSat
	}
	if deficit > m.cfg.MaxChannelSizeSat {
		deficit = m.cfg.MaxChannelSizeSat
	}
	return deficit
}

func (m *Manager) recentDuplicate(ctx context.Context, memberID uuid.UUID, opType storage.LiquidityOpType, amountSat int64) *storage.LiquidityOperation {
	since := time.Now().UTC().Add(-m.cfg.IdempotencyWindow)
	prior, err := m.store.FindRecentLiquidityOperation(ctx, memberID, opType, amountSat, since)
	if err != nil {
		m.logger.Error("idempotency lookup failed", "member_id", memberID.String(), "error", err)
		return nil
	}
	return prior
}

func (m *Manager) openChannel(ctx context.Context, accountID uuid.UUID, amountSat int64) (storage.ChannelGrant, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	return m.gateway.OpenOrExpandChannel(callCtx, accountID, amountSat)
}

func (m *Manager) append(ctx context.Context, op storage.LiquidityOperation) {
	if err := m.store.AppendLiquidityOperation(ctx, op); err != nil {
		m.logger.Error("liquidity history append failed", "op_id", op.OpID.String(), "error", err)
	}
}
