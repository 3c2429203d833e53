package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	env := getEnv("HEARTH_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: HEARTH_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "hearth_treasury")
	user := getEnv("POSTGRES_USER", "hearth")
	password := getEnv("POSTGRES_PASSWORD", "hearth")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := ensureSchema(ctx, pool); err != nil {
		log.Fatalf("create schema: %v", err)
	}
	fmt.Println("✓ Schema ensured")

	if err := seedMembers(ctx, pool); err != nil {
		log.Fatalf("seed members: %v", err)
	}
	fmt.Println("✓ Members and accounts seeded")

	fmt.Println("Done.")
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}

func seedMembers(ctx context.Context, pool *pgxpool.Pool) error {
	for _, acct := range seedAccounts {
		if _, err := pool.Exec(ctx, `
			INSERT INTO accounts (account_id, mode, balance_sat, channel_capacity_sat, local_balance_sat, remote_balance_sat, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, true, now())
			ON CONFLICT (account_id) DO NOTHING
		`, acct.id, acct.mode, acct.balanceSat, acct.capacitySat, acct.localSat, acct.remoteSat); err != nil {
			return err
		}
	}

	for _, m := range seedMemberRows {
		if _, err := pool.Exec(ctx, `
			INSERT INTO members (member_id, role, account_id, guardian_member_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (member_id) DO NOTHING
		`, m.id, m.role, m.accountID, m.guardianID); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
