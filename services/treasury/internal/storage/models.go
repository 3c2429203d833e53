package storage

import (
	"time"

	"github.com/google/uuid"
)

type ContextMode string

const (
	ModeIndividual ContextMode = "individual"
	ModeFamily     ContextMode = "family"
)

// OperationContext identifies whose rules apply to an operation. It is
// immutable for the lifetime of a request.
type OperationContext struct {
	Mode         ContextMode
	UserID       uuid.UUID
	FamilyID     uuid.UUID
	ParentUserID uuid.UUID
}

// Key collapses a context into a comparable identity. Two contexts with the
// same key are the same settlement-side party.
func (c OperationContext) Key() string {
	return string(c.Mode) + "/" + c.UserID.String() + "/" + c.FamilyID.String()
}

func (c OperationContext) Valid() bool {
	if c.UserID == uuid.Nil {
		return false
	}
	switch c.Mode {
	case ModeIndividual:
		return true
	case ModeFamily:
		return c.FamilyID != uuid.Nil
	default:
		return false
	}
}

// Account holds balances for one user or family. Accounts are created on the
// first liquidity-relevant operation and are never deleted, only deactivated.
type Account struct {
	AccountID          uuid.UUID
	Mode               ContextMode
	BalanceSat         int64
	ChannelCapacitySat int64
	LocalBalanceSat    int64
	RemoteBalanceSat   int64
	Active             bool
	UpdatedAt          time.Time
}

// Member is the identity-resolver view of a platform member. GuardianMemberID
// is the controlling adult for offspring accounts and uuid.Nil otherwise;
// delegation is configured per account, never inferred from role strings.
type Member struct {
	MemberID         uuid.UUID
	Role             string
	AccountID        uuid.UUID
	GuardianMemberID uuid.UUID
}

type SwapType string

const (
	SwapLightningToFederated SwapType = "lightning_to_federated"
	SwapFederatedToLightning SwapType = "federated_to_lightning"
	SwapInternal             SwapType = "internal"
)

// SettlementLayer is one of the two layers value moves between.
type SettlementLayer string

const (
	LayerLightning SettlementLayer = "lightning"
	LayerFederated SettlementLayer = "federated"
)

// DestinationLayer reports which layer receives the swapped value.
func (t SwapType) DestinationLayer() SettlementLayer {
	if t == SwapFederatedToLightning {
		return LayerLightning
	}
	return LayerFederated
}

// InvolvesLightning reports whether either leg settles over a channel.
func (t SwapType) InvolvesLightning() bool {
	return t == SwapLightningToFederated || t == SwapFederatedToLightning
}

type SwapStatus string

const (
	SwapPending    SwapStatus = "pending"
	SwapInProgress SwapStatus = "in_progress"
	SwapCompleted  SwapStatus = "completed"
	SwapFailed     SwapStatus = "failed"
)

// SwapFees is frozen into the record during validation; later phases never
// recompute it.
type SwapFees struct {
	NetworkFeeSat int64
	BridgeFeeSat  int64
	TotalSat      int64
}

// SwapRequest is the caller-supplied intent to move value between layers or
// members.
type SwapRequest struct {
	FromContext      OperationContext
	ToContext        OperationContext
	FromMemberID     uuid.UUID
	ToMemberID       uuid.UUID
	AmountSat        int64
	SwapType         SwapType
	Purpose          string
	RequiresApproval bool
}

// SwapRecord is the persisted state of one swap. Together with its step log
// it is the sole source of truth for status; immutable once terminal.
type SwapRecord struct {
	SwapID       uuid.UUID
	FromContext  OperationContext
	ToContext    OperationContext
	FromMemberID uuid.UUID
	ToMemberID   uuid.UUID
	SwapType     SwapType
	Purpose      string
	Status       SwapStatus
	AmountSat    int64
	Fees         SwapFees
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

type StepName string

const (
	StepValidation         StepName = "validation"
	StepSourceLock         StepName = "source_lock"
	StepDestinationPrepare StepName = "destination_prepare"
	StepAtomicExecution    StepName = "atomic_execution"
	StepConfirmation       StepName = "confirmation"
)

// PipelineSteps is the fixed phase order of the swap state machine. A step
// log is always a strict prefix of it.
var PipelineSteps = []StepName{
	StepValidation,
	StepSourceLock,
	StepDestinationPrepare,
	StepAtomicExecution,
	StepConfirmation,
}

type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// SwapStep is one entry of the append-only audit trail. Never mutated after
// write.
type SwapStep struct {
	SwapID     uuid.UUID
	StepNumber int
	StepName   StepName
	Status     StepStatus
	Message    string
	Timestamp  time.Time
}

type LiquidityOpType string

const (
	LiquidityScheduled LiquidityOpType = "scheduled"
	LiquidityEmergency LiquidityOpType = "emergency"
	LiquidityManual    LiquidityOpType = "manual"
)

// LiquidityOperation is terminal once approved or denied and is retained in
// the per-account append-only history.
type LiquidityOperation struct {
	OpID               uuid.UUID
	MemberID           uuid.UUID
	AccountID          uuid.UUID
	Type               LiquidityOpType
	RequestedAmountSat int64
	Approved           bool
	RequiresApproval   bool
	GrantedAmountSat   int64
	FeesSat            int64
	ChannelID          string
	Urgency            string
	Reason             string
	CreatedAt          time.Time
}

// SwapIntent is the durable two-phase-commit record written before
// source_lock and deleted on confirmation or successful compensation. A
// recovery sweep reconciles dangling intents older than a grace period.
type SwapIntent struct {
	SwapID        uuid.UUID
	Phase         StepName
	SourceAccount uuid.UUID
	DestAccount   uuid.UUID
	AmountSat     int64
	FeeSat        int64
	CreatedAt     time.Time
}

// ChannelGrant is the gateway result of opening or expanding a channel.
type ChannelGrant struct {
	ChannelID string
	FeeSat    int64
}
