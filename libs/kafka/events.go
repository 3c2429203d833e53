package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	TopicSwapLifecycle = "treasury.swaps"
	TopicLiquidityOps  = "treasury.liquidity"
)

const (
	EventSwapLifecycle = "treasury.swap.lifecycle"
	EventLiquidityOp   = "treasury.liquidity.operation"
)

type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event_type is required")
	}
	if version <= 0 {
		return Envelope{}, fmt.Errorf("event_version must be positive")
	}

	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}, nil
}

// DeterministicEventID derives a stable ID from the identifying parts of an
// event, so retried publishes stay deduplicable downstream.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.EventVersion <= 0 {
		return fmt.Errorf("event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// SwapEvent mirrors one swap's state transition onto the audit stream.
type SwapEvent struct {
	Envelope
	SwapID      string `json:"swap_id"`
	Status      string `json:"status"`
	AmountSat   int64  `json:"amount_sat"`
	TotalFeeSat int64  `json:"total_fee_sat"`
	SwapType    string `json:"swap_type"`
}

func NewSwapEvent(swapID, status string, amountSat, totalFeeSat int64, swapType string) (SwapEvent, error) {
	if swapID == "" {
		return SwapEvent{}, fmt.Errorf("swap_id is required")
	}
	env, err := NewEnvelope(EventSwapLifecycle, 1, swapID)
	if err != nil {
		return SwapEvent{}, err
	}
	env.EventID = DeterministicEventID(swapID, status)
	return SwapEvent{
		Envelope:    env,
		SwapID:      swapID,
		Status:      status,
		AmountSat:   amountSat,
		TotalFeeSat: totalFeeSat,
		SwapType:    swapType,
	}, nil
}

// LiquidityEvent records one liquidity grant or denial.
type LiquidityEvent struct {
	Envelope
	OpID             string `json:"op_id"`
	OpType           string `json:"op_type"`
	Approved         bool   `json:"approved"`
	GrantedAmountSat int64  `json:"granted_amount_sat"`
}

func NewLiquidityEvent(opID, opType string, approved bool, grantedAmountSat int64) (LiquidityEvent, error) {
	if opID == "" {
		return LiquidityEvent{}, fmt.Errorf("op_id is required")
	}
	env, err := NewEnvelope(EventLiquidityOp, 1, opID)
	if err != nil {
		return LiquidityEvent{}, err
	}
	env.EventID = DeterministicEventID(opID, opType)
	return LiquidityEvent{
		Envelope:         env,
		OpID:             opID,
		OpType:           opType,
		Approved:         approved,
		GrantedAmountSat: grantedAmountSat,
	}, nil
}
