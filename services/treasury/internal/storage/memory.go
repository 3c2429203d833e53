package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory implementation of the storage
// surface. It backs tests and local development; semantics mirror the
// postgres store including terminal-status immutability.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]Account
	members  map[uuid.UUID]Member
	swaps    map[uuid.UUID]SwapRecord
	steps    map[uuid.UUID][]SwapStep
	intents  map[uuid.UUID]SwapIntent
	liqOps   []LiquidityOperation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[uuid.UUID]Account),
		members:  make(map[uuid.UUID]Member),
		swaps:    make(map[uuid.UUID]SwapRecord),
		steps:    make(map[uuid.UUID][]SwapStep),
		intents:  make(map[uuid.UUID]SwapIntent),
	}
}

func (s *MemoryStore) PutAccount(acct Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.AccountID] = acct
}

func (s *MemoryStore) PutMember(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.MemberID] = m
}

func (s *MemoryStore) GetAccount(_ context.Context, accountID uuid.UUID) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

func (s *MemoryStore) Debit(_ context.Context, accountID uuid.UUID, amountSat int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.BalanceSat < amountSat {
		return ErrInsufficientBalance
	}
	acct.BalanceSat -= amountSat
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[accountID] = acct
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, accountID uuid.UUID, amountSat int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.BalanceSat += amountSat
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[accountID] = acct
	return nil
}

func (s *MemoryStore) ResolveMember(_ context.Context, memberID uuid.UUID) (Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return Member{}, ErrMemberNotFound
	}
	return m, nil
}

func (s *MemoryStore) CreateSwap(_ context.Context, rec SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swaps[rec.SwapID] = rec
	return nil
}

func (s *MemoryStore) UpdateSwapStatus(_ context.Context, swapID uuid.UUID, status SwapStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.swaps[swapID]
	if !ok {
		return ErrSwapNotFound
	}
	if rec.Status == SwapCompleted || rec.Status == SwapFailed {
		return nil
	}
	rec.Status = status
	rec.CompletedAt = completedAt
	s.swaps[swapID] = rec
	return nil
}

func (s *MemoryStore) AppendStep(_ context.Context, step SwapStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.SwapID] = append(s.steps[step.SwapID], step)
	return nil
}

func (s *MemoryStore) GetSwap(_ context.Context, swapID uuid.UUID) (SwapRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.swaps[swapID]
	if !ok {
		return SwapRecord{}, ErrSwapNotFound
	}
	return rec, nil
}

func (s *MemoryStore) GetSteps(_ context.Context, swapID uuid.UUID) ([]SwapStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[swapID]
	out := make([]SwapStep, len(steps))
	copy(out, steps)
	return out, nil
}

func (s *MemoryStore) PutIntent(_ context.Context, intent SwapIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[intent.SwapID] = intent
	return nil
}

func (s *MemoryStore) UpdateIntentPhase(_ context.Context, swapID uuid.UUID, phase StepName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[swapID]
	if !ok {
		return ErrIntentNotFound
	}
	intent.Phase = phase
	s.intents[swapID] = intent
	return nil
}

func (s *MemoryStore) DeleteIntent(_ context.Context, swapID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.intents, swapID)
	return nil
}

func (s *MemoryStore) ListIntentsBefore(_ context.Context, cutoff time.Time) ([]SwapIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SwapIntent
	for _, intent := range s.intents {
		if intent.CreatedAt.Before(cutoff) {
			out = append(out, intent)
		}
	}
	return out, nil
}

func (s *MemoryStore) IntentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.intents)
}

func (s *MemoryStore) AppendLiquidityOperation(_ context.Context, op LiquidityOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liqOps = append(s.liqOps, op)
	return nil
}

func (s *MemoryStore) FindRecentLiquidityOperation(_ context.Context, memberID uuid.UUID, opType LiquidityOpType, amountSat int64, since time.Time) (*LiquidityOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.liqOps) - 1; i >= 0; i-- {
		op := s.liqOps[i]
		if op.MemberID == memberID && op.Type == opType && op.RequestedAmountSat == amountSat && !op.CreatedAt.Before(since) {
			cp := op
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListLiquidityOperations(_ context.Context, accountID uuid.UUID, limit int) ([]LiquidityOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LiquidityOperation
	for i := len(s.liqOps) - 1; i >= 0 && len(out) < limit; i-- {
		if s.liqOps[i].AccountID == accountID {
			out = append(out, s.liqOps[i])
		}
	}
	return out, nil
}
