package main

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		account_id UUID PRIMARY KEY,
		mode TEXT NOT NULL,
		balance_sat BIGINT NOT NULL DEFAULT 0,
		channel_capacity_sat BIGINT NOT NULL DEFAULT 0,
		local_balance_sat BIGINT NOT NULL DEFAULT 0,
		remote_balance_sat BIGINT NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT true,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		member_id UUID PRIMARY KEY,
		role TEXT NOT NULL,
		account_id UUID NOT NULL REFERENCES accounts(account_id),
		guardian_member_id UUID
	)`,
	`CREATE TABLE IF NOT EXISTS swaps (
		swap_id UUID PRIMARY KEY,
		from_mode TEXT NOT NULL,
		from_user_id UUID NOT NULL,
		from_family_id UUID,
		to_mode TEXT NOT NULL,
		to_user_id UUID NOT NULL,
		to_family_id UUID,
		from_member_id UUID NOT NULL,
		to_member_id UUID NOT NULL,
		swap_type TEXT NOT NULL,
		purpose TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		amount_sat BIGINT NOT NULL,
		network_fee_sat BIGINT NOT NULL DEFAULT 0,
		bridge_fee_sat BIGINT NOT NULL DEFAULT 0,
		total_fee_sat BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS swap_steps (
		swap_id UUID NOT NULL,
		step_number INT NOT NULL,
		step_name TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (swap_id, step_number)
	)`,
	`CREATE TABLE IF NOT EXISTS swap_intents (
		swap_id UUID PRIMARY KEY,
		phase TEXT NOT NULL,
		source_account_id UUID NOT NULL,
		dest_account_id UUID NOT NULL,
		amount_sat BIGINT NOT NULL,
		fee_sat BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS liquidity_operations (
		op_id UUID PRIMARY KEY,
		member_id UUID NOT NULL,
		account_id UUID,
		op_type TEXT NOT NULL,
		requested_amount_sat BIGINT NOT NULL DEFAULT 0,
		approved BOOLEAN NOT NULL DEFAULT false,
		requires_approval BOOLEAN NOT NULL DEFAULT false,
		granted_amount_sat BIGINT NOT NULL DEFAULT 0,
		fees_sat BIGINT NOT NULL DEFAULT 0,
		channel_id TEXT NOT NULL DEFAULT '',
		urgency TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_swap_intents_created_at ON swap_intents (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_liquidity_ops_member_recent ON liquidity_operations (member_id, op_type, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_liquidity_ops_account ON liquidity_operations (account_id, created_at DESC)`,
}

type seedAccount struct {
	id          string
	mode        string
	balanceSat  int64
	capacitySat int64
	localSat    int64
	remoteSat   int64
}

type seedMember struct {
	id         string
	role       string
	accountID  string
	guardianID *string
}

const (
	stewardMemberID    = "00000000-0000-0000-0000-000000000001"
	offspringMemberID  = "00000000-0000-0000-0000-000000000002"
	stewardAccountID   = "00000000-0000-0000-0000-000000000101"
	offspringAccountID = "00000000-0000-0000-0000-000000000102"
)

var seedAccounts = []seedAccount{
	{
		id:          stewardAccountID,
		mode:        "family",
		balanceSat:  5_000_000,
		capacitySat: 2_000_000,
		localSat:    1_000_000,
		remoteSat:   1_000_000,
	},
	{
		id:          offspringAccountID,
		mode:        "individual",
		balanceSat:  80_000,
		capacitySat: 200_000,
		localSat:    100_000,
		remoteSat:   100_000,
	},
}

var stewardRef = stewardMemberID

var seedMemberRows = []seedMember{
	{id: stewardMemberID, role: "steward", accountID: stewardAccountID},
	{id: offspringMemberID, role: "offspring", accountID: offspringAccountID, guardianID: &stewardRef},
}
