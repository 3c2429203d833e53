package policy

// Role strings are compared only inside this package. Every other component
// consumes a Decision or the Policy API, never role literals.

type Role string

const (
	RolePrivate   Role = "private"
	RoleAdult     Role = "adult"
	RoleSteward   Role = "steward"
	RoleGuardian  Role = "guardian"
	RoleOffspring Role = "offspring"
)

type OperationKind string

const (
	OpSwap      OperationKind = "swap"
	OpSend      OperationKind = "send"
	OpMelt      OperationKind = "melt"
	OpReceive   OperationKind = "receive"
	OpLiquidity OperationKind = "liquidity"
)

// Unlimited marks a spending limit that is never enforced.
const Unlimited int64 = -1

// Decision is derived per call and never persisted.
type Decision struct {
	Role             Role
	Authorized       bool
	SpendingLimitSat int64
	RequiresApproval bool
}

type Config struct {
	// OffspringDailyLimits caps offspring spending per operation kind.
	OffspringDailyLimits map[OperationKind]int64
	// ApprovalThresholdSat flags offspring operations above it for guardian
	// approval even when authorized.
	ApprovalThresholdSat int64
}

func DefaultConfig() Config {
	return Config{
		OffspringDailyLimits: map[OperationKind]int64{
			OpSwap:      100_000,
			OpSend:      50_000,
			OpMelt:      25_000,
			OpReceive:   100_000,
			OpLiquidity: 100_000,
		},
		ApprovalThresholdSat: 10_000,
	}
}

type Policy struct {
	limits            map[OperationKind]int64
	approvalThreshold int64
}

func New(cfg Config) *Policy {
	limits := make(map[OperationKind]int64, len(cfg.OffspringDailyLimits))
	for kind, limit := range cfg.OffspringDailyLimits {
		limits[kind] = limit
	}
	threshold := cfg.ApprovalThresholdSat
	if threshold <= 0 {
		threshold = DefaultConfig().ApprovalThresholdSat
	}
	return &Policy{limits: limits, approvalThreshold: threshold}
}

// IsSovereign reports whether the role faces no imposed spending ceiling on
// its own funds.
func (p *Policy) IsSovereign(role Role) bool {
	switch role {
	case RolePrivate, RoleAdult, RoleSteward, RoleGuardian:
		return true
	}
	return false
}

// Evaluate is pure and total. Unknown roles fail closed.
func (p *Policy) Evaluate(role Role, amountSat int64, kind OperationKind) Decision {
	if p.IsSovereign(role) {
		return Decision{
			Role:             role,
			Authorized:       true,
			SpendingLimitSat: Unlimited,
			RequiresApproval: false,
		}
	}

	if role != RoleOffspring {
		return Decision{
			Role:             role,
			Authorized:       false,
			SpendingLimitSat: 0,
			RequiresApproval: true,
		}
	}

	limit, ok := p.limits[kind]
	if !ok {
		limit = 0
	}

	return Decision{
		Role:             role,
		Authorized:       amountSat > 0 && amountSat <= limit,
		SpendingLimitSat: limit,
		RequiresApproval: amountSat > p.approvalThreshold || kind == OpMelt || kind == OpSend,
	}
}

// DailyLimit returns the offspring limit for an operation kind.
func (p *Policy) DailyLimit(kind OperationKind) int64 {
	return p.limits[kind]
}
