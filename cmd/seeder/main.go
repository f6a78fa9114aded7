package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/moneycore/internal/config"
	"github.com/punchamoorthee/moneycore/internal/logger"
	"github.com/punchamoorthee/moneycore/internal/store"
)

// SeededAccount is one line of the file consumed by cmd/benchmark.
type SeededAccount struct {
	ID    uuid.UUID `json:"id"`
	Phone string    `json:"phone"`
	Role  string    `json:"role"`
}

func main() {
	users := flag.Int("users", 1000, "Number of user accounts")
	agents := flag.Int("agents", 20, "Number of agent accounts")
	userBalance := flag.Int64("user-balance", 100000, "Starting main balance of each user")
	agentBalance := flag.Int64("agent-balance", 5000000, "Starting float of each agent")
	pin := flag.String("pin", "1234", "PIN set on every seeded account")
	country := flag.String("country", "CM", "Country of every seeded account")
	out := flag.String("out", "seed_accounts.json", "Where to write the seeded accounts")
	flag.Parse()

	logger.Init("moneycore-seeder", "info", true)

	cfg, err := config.Load("config")
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfg.Ledger.Driver != "postgres" {
		logger.Fatal().Str("driver", cfg.Ledger.Driver).Msg("Seeder only targets the postgres ledger")
	}

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.Ledger.DBSource, 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to connect to database")
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate database")
	}

	logger.Info().Msg("--- Seeding Database ---")

	if err := seedSystemAccounts(ctx, st, cfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed system accounts")
	}

	var count int
	if err := st.Db.QueryRow(ctx, "SELECT COUNT(*) FROM accounts WHERE role <> 'admin'").Scan(&count); err != nil {
		logger.Fatal().Err(err).Msg("Failed to count accounts")
	}
	if count >= *users+*agents {
		logger.Info().Int("accounts", count).Msg("Database already seeded. Skipping.")
		return
	}

	// One hash for every account keeps seeding fast; the PIN is shared anyway.
	hash, err := store.HashPIN(*pin)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to hash PIN")
	}

	now := time.Now()
	var (
		accountRows [][]interface{}
		balanceRows [][]interface{}
		seeded      []SeededAccount
	)
	add := func(role, phone, name string, balance int64) {
		id := uuid.New()
		accountRows = append(accountRows, []interface{}{id, name, phone, *country, role, hash, now})
		balanceRows = append(balanceRows, []interface{}{id, "main", balance})
		if role == "agent" {
			balanceRows = append(balanceRows, []interface{}{id, "commission", int64(0)})
		}
		seeded = append(seeded, SeededAccount{ID: id, Phone: phone, Role: role})
	}
	for i := 0; i < *users; i++ {
		add("user", fmt.Sprintf("+2376%08d", i), fmt.Sprintf("Bench User %d", i), *userBalance)
	}
	for i := 0; i < *agents; i++ {
		add("agent", fmt.Sprintf("+2377%08d", i), fmt.Sprintf("Bench Agent %d", i), *agentBalance)
	}

	logger.Info().Int("accounts", len(accountRows)).Msg("Generating accounts...")

	tx, err := st.Db.Begin(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"accounts"},
		[]string{"id", "full_name", "phone", "country", "role", "pin_hash", "created_at"},
		pgx.CopyFromRows(accountRows),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Bulk insert of accounts failed")
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"balances"},
		[]string{"account_id", "kind", "amount"},
		pgx.CopyFromRows(balanceRows),
	); err != nil {
		logger.Fatal().Err(err).Msg("Bulk insert of balances failed")
	}
	if err := tx.Commit(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to commit seed")
	}

	if err := writeSeeded(*out, seeded); err != nil {
		logger.Fatal().Err(err).Msg("Failed to write seeded accounts")
	}
	logger.Info().Int64("accounts", copied).Str("file", *out).Msg("Successfully seeded accounts")
}

// seedSystemAccounts creates the revenue and escrow accounts if missing.
func seedSystemAccounts(ctx context.Context, st *store.Store, cfg *config.Config) error {
	revenue, err := cfg.RevenueAccount()
	if err != nil {
		return err
	}
	escrow, err := cfg.EscrowAccount()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, sys := range []struct {
		id   uuid.UUID
		name string
	}{{revenue, "System Revenue"}, {escrow, "System Escrow"}} {
		batch.Queue(`INSERT INTO accounts (id, full_name, phone, country, role)
			VALUES ($1, $2, $3, '', 'admin') ON CONFLICT (id) DO NOTHING`, sys.id, sys.name, "system:"+sys.id.String())
		batch.Queue(`INSERT INTO balances (account_id, kind, amount)
			VALUES ($1, 'main', 0) ON CONFLICT (account_id, kind) DO NOTHING`, sys.id)
	}
	return st.Db.SendBatch(ctx, batch).Close()
}

func writeSeeded(path string, accounts []SeededAccount) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(accounts)
}
