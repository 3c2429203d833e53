package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrMemberNotFound      = errors.New("member not found")
	ErrSwapNotFound        = errors.New("swap not found")
	ErrIntentNotFound      = errors.New("intent not found")
)

// Store implements the account, identity, swap-sink, intent, and liquidity
// interfaces over Postgres. Debits run inside a transaction holding a
// per-account advisory lock, which extends single-writer-per-account across
// processes.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) GetAccount(ctx context.Context, accountID uuid.UUID) (Account, error) {
	var acct Account
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, mode, balance_sat, channel_capacity_sat, local_balance_sat, remote_balance_sat, active, updated_at
		FROM accounts
		WHERE account_id = $1
	`, accountID)

	err := row.Scan(&acct.AccountID, &acct.Mode, &acct.BalanceSat, &acct.ChannelCapacitySat,
		&acct.LocalBalanceSat, &acct.RemoteBalanceSat, &acct.Active, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acct, nil
}

func (s *Store) Debit(ctx context.Context, accountID uuid.UUID, amountSat int64) error {
	if amountSat <= 0 {
		return fmt.Errorf("debit amount must be positive")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, accountID.String()); err != nil {
		return err
	}

	var balance int64
	if err := tx.QueryRow(ctx, `
		SELECT balance_sat FROM accounts WHERE account_id = $1 AND active FOR UPDATE
	`, accountID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return err
	}
	if balance < amountSat {
		return ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET balance_sat = balance_sat - $2, updated_at = now()
		WHERE account_id = $1
	`, accountID, amountSat); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) Credit(ctx context.Context, accountID uuid.UUID, amountSat int64) error {
	if amountSat <= 0 {
		return fmt.Errorf("credit amount must be positive")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET balance_sat = balance_sat + $2, updated_at = now()
		WHERE account_id = $1 AND active
	`, accountID, amountSat)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Store) ResolveMember(ctx context.Context, memberID uuid.UUID) (Member, error) {
	var m Member
	var guardian *uuid.UUID
	row := s.pool.QueryRow(ctx, `
		SELECT member_id, role, account_id, guardian_member_id
		FROM members
		WHERE member_id = $1
	`, memberID)

	if err := row.Scan(&m.MemberID, &m.Role, &m.AccountID, &guardian); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrMemberNotFound
		}
		return Member{}, err
	}
	if guardian != nil {
		m.GuardianMemberID = *guardian
	}
	return m, nil
}

func (s *Store) CreateSwap(ctx context.Context, rec SwapRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO swaps (
			swap_id, from_mode, from_user_id, from_family_id,
			to_mode, to_user_id, to_family_id,
			from_member_id, to_member_id, swap_type, purpose,
			status, amount_sat, network_fee_sat, bridge_fee_sat, total_fee_sat,
			created_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`,
		rec.SwapID, rec.FromContext.Mode, rec.FromContext.UserID, nilIfZero(rec.FromContext.FamilyID),
		rec.ToContext.Mode, rec.ToContext.UserID, nilIfZero(rec.ToContext.FamilyID),
		rec.FromMemberID, rec.ToMemberID, rec.SwapType, rec.Purpose,
		rec.Status, rec.AmountSat, rec.Fees.NetworkFeeSat, rec.Fees.BridgeFeeSat, rec.Fees.TotalSat,
		rec.CreatedAt, rec.CompletedAt,
	)
	return err
}

func (s *Store) UpdateSwapStatus(ctx context.Context, swapID uuid.UUID, status SwapStatus, completedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE swaps SET status = $2, completed_at = $3
		WHERE swap_id = $1 AND status NOT IN ('completed', 'failed')
	`, swapID, status, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Terminal records are immutable; re-marking a terminal swap with the
		// same status is a no-op, anything else is a caller bug worth logging.
		s.logger.Warn("status update skipped for terminal swap", "swap_id", swapID.String(), "status", string(status))
	}
	return nil
}

func (s *Store) AppendStep(ctx context.Context, step SwapStep) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO swap_steps (swap_id, step_number, step_name, status, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, step.SwapID, step.StepNumber, step.StepName, step.Status, step.Message, step.Timestamp)
	return err
}

func (s *Store) GetSwap(ctx context.Context, swapID uuid.UUID) (SwapRecord, error) {
	var rec SwapRecord
	var fromFamily, toFamily *uuid.UUID
	row := s.pool.QueryRow(ctx, `
		SELECT swap_id, from_mode, from_user_id, from_family_id,
			to_mode, to_user_id, to_family_id,
			from_member_id, to_member_id, swap_type, purpose,
			status, amount_sat, network_fee_sat, bridge_fee_sat, total_fee_sat,
			created_at, completed_at
		FROM swaps
		WHERE swap_id = $1
	`, swapID)

	err := row.Scan(&rec.SwapID, &rec.FromContext.Mode, &rec.FromContext.UserID, &fromFamily,
		&rec.ToContext.Mode, &rec.ToContext.UserID, &toFamily,
		&rec.FromMemberID, &rec.ToMemberID, &rec.SwapType, &rec.Purpose,
		&rec.Status, &rec.AmountSat, &rec.Fees.NetworkFeeSat, &rec.Fees.BridgeFeeSat, &rec.Fees.TotalSat,
		&rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SwapRecord{}, ErrSwapNotFound
		}
		return SwapRecord{}, err
	}
	if fromFamily != nil {
		rec.FromContext.FamilyID = *fromFamily
	}
	if toFamily != nil {
		rec.ToContext.FamilyID = *toFamily
	}
	return rec, nil
}

func (s *Store) GetSteps(ctx context.Context, swapID uuid.UUID) ([]SwapStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT swap_id, step_number, step_name, status, message, created_at
		FROM swap_steps
		WHERE swap_id = $1
		ORDER BY step_number
	`, swapID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []SwapStep
	for rows.Next() {
		var step SwapStep
		if err := rows.Scan(&step.SwapID, &step.StepNumber, &step.StepName, &step.Status, &step.Message, &step.Timestamp); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *Store) PutIntent(ctx context.Context, intent SwapIntent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO swap_intents (swap_id, phase, source_account_id, dest_account_id, amount_sat, fee_sat, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, intent.SwapID, intent.Phase, intent.SourceAccount, intent.DestAccount, intent.AmountSat, intent.FeeSat, intent.CreatedAt)
	return err
}

func (s *Store) UpdateIntentPhase(ctx context.Context, swapID uuid.UUID, phase StepName) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE swap_intents SET phase = $2 WHERE swap_id = $1
	`, swapID, phase)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (s *Store) DeleteIntent(ctx context.Context, swapID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM swap_intents WHERE swap_id = $1`, swapID)
	return err
}

func (s *Store) ListIntentsBefore(ctx context.Context, cutoff time.Time) ([]SwapIntent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT swap_id, phase, source_account_id, dest_account_id, amount_sat, fee_sat, created_at
		FROM swap_intents
		WHERE created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []SwapIntent
	for rows.Next() {
		var intent SwapIntent
		if err := rows.Scan(&intent.SwapID, &intent.Phase, &intent.SourceAccount, &intent.DestAccount,
			&intent.AmountSat, &intent.FeeSat, &intent.CreatedAt); err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

func (s *Store) AppendLiquidityOperation(ctx context.Context, op LiquidityOperation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO liquidity_operations (
			op_id, member_id, account_id, op_type, requested_amount_sat,
			approved, requires_approval, granted_amount_sat, fees_sat,
			channel_id, urgency, reason, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, op.OpID, op.MemberID, nilIfZero(op.AccountID), op.Type, op.RequestedAmountSat,
		op.Approved, op.RequiresApproval, op.GrantedAmountSat, op.FeesSat,
		op.ChannelID, op.Urgency, op.Reason, op.CreatedAt)
	return err
}

func (s *Store) FindRecentLiquidityOperation(ctx context.Context, memberID uuid.UUID, opType LiquidityOpType, amountSat int64, since time.Time) (*LiquidityOperation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT op_id, member_id, account_id, op_type, requested_amount_sat,
			approved, requires_approval, granted_amount_sat, fees_sat,
			channel_id, urgency, reason, created_at
		FROM liquidity_operations
		WHERE member_id = $1 AND op_type = $2 AND requested_amount_sat = $3 AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1
	`, memberID, opType, amountSat, since)

	op, err := scanLiquidityOperation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &op, nil
}

func (s *Store) ListLiquidityOperations(ctx context.Context, accountID uuid.UUID, limit int) ([]LiquidityOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT op_id, member_id, account_id, op_type, requested_amount_sat,
			approved, requires_approval, granted_amount_sat, fees_sat,
			channel_id, urgency, reason, created_at
		FROM liquidity_operations
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []LiquidityOperation
	for rows.Next() {
		op, err := scanLiquidityOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiquidityOperation(row rowScanner) (LiquidityOperation, error) {
	var op LiquidityOperation
	var accountID *uuid.UUID
	err := row.Scan(&op.OpID, &op.MemberID, &accountID, &op.Type, &op.RequestedAmountSat,
		&op.Approved, &op.RequiresApproval, &op.GrantedAmountSat, &op.FeesSat,
		&op.ChannelID, &op.Urgency, &op.Reason, &op.CreatedAt)
	if err != nil {
		return LiquidityOperation{}, err
	}
	if accountID != nil {
		op.AccountID = *accountID
	}
	return op, nil
}

func nilIfZero(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
