package swap

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hearthsats/hearth/services/treasury/internal/storage"
)

// ErrAccountBusy means the source account already has an in-flight swap or
// top-up. A given account is the source of at most one pipeline at a time.
var ErrAccountBusy = errors.New("account has an in-flight operation")

// ValidationError is terminal at the validation phase and never auto-retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "swap validation failed: " + e.Reason
}

// AuthorizationError is distinct from ValidationError so callers can route
// the request into an approval workflow instead of rejecting it outright.
type AuthorizationError struct {
	MemberID         uuid.UUID
	Reason           string
	RequiresApproval bool
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("member %s not authorized: %s", e.MemberID, e.Reason)
}

// InsufficientLiquidityError carries the shortfall so callers can offer a
// reduced-amount retry.
type InsufficientLiquidityError struct {
	AccountID    uuid.UUID
	ShortfallSat int64
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("destination %s cannot receive amount, short %d sat", e.AccountID, e.ShortfallSat)
}

// LedgerFailure wraps a settlement-layer error. Ambiguous failures (timeouts
// during atomic_execution) are resolved only by intent replay, never assumed
// negative.
type LedgerFailure struct {
	Phase     storage.StepName
	Ambiguous bool
	Err       error
}

func (e *LedgerFailure) Error() string {
	return fmt.Sprintf("ledger failure at %s: %v", e.Phase, e.Err)
}

func (e *LedgerFailure) Unwrap() error {
	return e.Err
}
