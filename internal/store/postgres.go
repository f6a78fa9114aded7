package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

//go:embed schema.sql
var schema string

// Postgres error codes the store reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Store is the Postgres Ledger. Every posting runs in one RepeatableRead
// transaction; balance rows are updated with conditional deltas so no
// caller ever writes an absolute balance.
type Store struct {
	Db *pgxpool.Pool
}

// NewStore connects a pool. A positive maxConns caps the pool size.
func NewStore(ctx context.Context, connString string, maxConns int32) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, full_name, phone, country, role, created_at FROM accounts WHERE id = $1", id,
	).Scan(&a.ID, &a.FullName, &a.Phone, &a.Country, &a.Role, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// LookupAccountByPhone finds an account by phone, optionally scoped to a country.
func (s *Store) LookupAccountByPhone(ctx context.Context, phone, country string) (*domain.Account, error) {
	var a domain.Account
	err := s.Db.QueryRow(ctx, `
		SELECT id, full_name, phone, country, role, created_at
		FROM accounts
		WHERE phone = $1 AND ($2 = '' OR upper(country) = upper($2))
		ORDER BY created_at
		LIMIT 1`, phone, country,
	).Scan(&a.ID, &a.FullName, &a.Phone, &a.Country, &a.Role, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account with phone %s: %w", phone, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	return &a, nil
}

func (s *Store) GetBalance(ctx context.Context, id uuid.UUID, kind domain.BalanceKind) (decimal.Decimal, error) {
	var amount string
	err := s.Db.QueryRow(ctx,
		"SELECT amount::text FROM balances WHERE account_id = $1 AND kind = $2", id, string(kind),
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%s balance of %s: %w", kind, id, domain.ErrNotFound)
		}
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return decimal.NewFromString(amount)
}

// VerifySecret implements confirm.SecretVerifier against stored PIN hashes.
func (s *Store) VerifySecret(ctx context.Context, accountID uuid.UUID, secret string) (bool, error) {
	var hash string
	err := s.Db.QueryRow(ctx, "SELECT pin_hash FROM accounts WHERE id = $1", accountID).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("load credential: %w", err)
	}
	return checkPIN(hash, secret), nil
}

func (s *Store) AtomicAdjust(ctx context.Context, adj domain.Adjustment) (decimal.Decimal, error) {
	return adjust(ctx, s.Db, adj)
}

func (s *Store) RecordTransaction(ctx context.Context, rec domain.TransactionRecord) error {
	_, err := s.Db.Exec(ctx, insertRecordSQL, recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func adjust(ctx context.Context, q querier, adj domain.Adjustment) (decimal.Decimal, error) {
	var amount string
	err := q.QueryRow(ctx, `
		UPDATE balances
		SET amount = amount + $1::numeric
		WHERE account_id = $2 AND kind = $3 AND ($4 OR amount + $1::numeric >= 0)
		RETURNING amount::text`,
		adj.Delta.String(), adj.AccountID, string(adj.Kind), adj.Overdraft,
	).Scan(&amount)
	if err == nil {
		return decimal.NewFromString(amount)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("adjust balance: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM balances WHERE account_id = $1 AND kind = $2)", adj.AccountID, string(adj.Kind),
	).Scan(&exists); err != nil {
		return decimal.Zero, fmt.Errorf("adjust balance: %w", err)
	}
	if !exists {
		return decimal.Zero, fmt.Errorf("%s balance of %s: %w", adj.Kind, adj.AccountID, domain.ErrNotFound)
	}
	return decimal.Zero, fmt.Errorf("%s balance of %s: %w", adj.Kind, adj.AccountID, domain.ErrInsufficientFunds)
}

// Commit applies a posting in a single transaction.
func (s *Store) Commit(ctx context.Context, p *domain.Posting) error {
	if err := p.Validate(); err != nil {
		return err
	}

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Posting reference: a replayed commit is refused here.
	if _, err := tx.Exec(ctx, "INSERT INTO postings (reference) VALUES ($1)", p.Reference); err != nil {
		if isCode(err, codeUniqueViolation) {
			return fmt.Errorf("posting %s: %w", p.Reference, domain.ErrConflict)
		}
		return mapTxErr("posting reservation failed", err)
	}

	// 2. Pending transfer compare-and-swap.
	if tr := p.Transition; tr != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE pending_transfers
			SET status = $2, recipient_id = COALESCE($3, recipient_id), resolved_at = $4
			WHERE claim_code = $1 AND status = $5
			  AND (NOT $6 OR expires_at > $4)
			  AND (NOT $7 OR expires_at <= $4)`,
			tr.ClaimCode, string(tr.To), tr.RecipientID, tr.At, string(tr.From), tr.RequireUnexpired, tr.RequireExpired,
		)
		if err != nil {
			// Under RepeatableRead a concurrent transition surfaces as a
			// serialization failure rather than zero rows.
			if isCode(err, codeSerializationFailure) {
				return fmt.Errorf("pending transfer changed concurrently: %w", domain.ErrInvalidState)
			}
			return mapTxErr("pending transition failed", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("pending transfer no longer %s: %w", tr.From, domain.ErrInvalidState)
		}
	}

	// 3. New pending transfer.
	if np := p.NewPending; np != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO pending_transfers
				(id, transfer_id, sender_id, recipient_full_name, recipient_phone, recipient_country,
				 amount, fee, currency, claim_code, status, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12, $13)`,
			np.ID, np.TransferID, np.SenderID, np.RecipientFullName, np.RecipientPhone, np.RecipientCountry,
			np.Amount.String(), np.Fee.String(), np.Currency, np.ClaimCode, string(np.Status), np.ExpiresAt, np.CreatedAt,
		)
		if err != nil {
			if isCode(err, codeUniqueViolation) {
				return domain.ErrDuplicateClaimCode
			}
			return mapTxErr("pending insert failed", err)
		}
	}

	// 4. Balances, in deterministic order to avoid deadlocks between
	// concurrent postings touching the same accounts.
	adjs := append([]domain.Adjustment(nil), p.Adjustments...)
	sort.SliceStable(adjs, func(i, j int) bool {
		if c := compareUUID(adjs[i].AccountID, adjs[j].AccountID); c != 0 {
			return c < 0
		}
		return adjs[i].Kind < adjs[j].Kind
	})
	for _, adj := range adjs {
		if _, err := adjust(ctx, tx, adj); err != nil {
			return mapTxErr("ledger adjustment failed", err)
		}
	}

	// 5. Transfer row.
	if t := p.Transfer; t != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO transfers
				(id, sender_id, recipient_id, recipient_full_name, recipient_phone, recipient_country,
				 amount, fee, currency, initiator_role, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11, $12)`,
			t.ID, t.SenderID, t.RecipientID, t.RecipientFullName, t.RecipientPhone, t.RecipientCountry,
			t.Amount.String(), t.Fee.String(), t.Currency, string(t.InitiatorRole), string(t.Status), t.CreatedAt,
		)
		if err != nil {
			return mapTxErr("transfer insert failed", err)
		}
	}

	// 6. Withdrawal upsert; an existing row may only move while still open.
	if w := p.Withdrawal; w != nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO withdrawals
				(id, user_id, agent_id, withdrawal_phone, amount, currency, status,
				 verification_code, code_expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE
			SET agent_id = EXCLUDED.agent_id, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
			WHERE withdrawals.status IN ('pending', 'approved')`,
			w.ID, w.UserID, w.AgentID, w.WithdrawalPhone, w.Amount.String(), w.Currency, string(w.Status),
			w.VerificationCode, w.CodeExpiresAt, w.CreatedAt, w.UpdatedAt,
		)
		if err != nil {
			return mapTxErr("withdrawal upsert failed", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("withdrawal %s is closed: %w", w.ID, domain.ErrInvalidState)
		}
	}

	// 7. History.
	if len(p.Records) > 0 {
		batch := &pgx.Batch{}
		for _, rec := range p.Records {
			batch.Queue(insertRecordSQL, recordArgs(rec)...)
		}
		br := tx.SendBatch(ctx, batch)
		for range p.Records {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return mapTxErr("record insert failed", err)
			}
		}
		if err := br.Close(); err != nil {
			return mapTxErr("record insert failed", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapTxErr("tx commit failed", err)
	}
	return nil
}

const insertRecordSQL = `
	INSERT INTO transaction_records
		(id, reference, kind, account_id, counterparty_id, amount, fee, currency, created_at)
	VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9)`

func recordArgs(rec domain.TransactionRecord) []any {
	return []any{
		rec.ID, rec.Reference, string(rec.Kind), rec.AccountID, rec.CounterpartyID,
		rec.Amount.String(), rec.Fee.String(), rec.Currency, rec.CreatedAt,
	}
}

// GetPendingTransfer loads a pending transfer by claim code.
func (s *Store) GetPendingTransfer(ctx context.Context, claimCode string) (*domain.PendingTransfer, error) {
	rows, err := s.Db.Query(ctx, selectPendingSQL+" WHERE claim_code = $1", claimCode)
	if err != nil {
		return nil, fmt.Errorf("get pending transfer: %w", err)
	}
	list, err := collectPending(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("pending transfer: %w", domain.ErrNotFound)
	}
	return list[0], nil
}

func (s *Store) ListExpiredPendingTransfers(ctx context.Context, now time.Time, limit int) ([]*domain.PendingTransfer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Db.Query(ctx,
		selectPendingSQL+" WHERE status = 'open' AND expires_at <= $1 ORDER BY expires_at LIMIT $2", now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired pending transfers: %w", err)
	}
	return collectPending(rows)
}

const selectPendingSQL = `
	SELECT id, transfer_id, sender_id, recipient_id, recipient_full_name, recipient_phone, recipient_country,
	       amount::text, fee::text, currency, claim_code, status, expires_at, created_at, resolved_at
	FROM pending_transfers`

func collectPending(rows pgx.Rows) ([]*domain.PendingTransfer, error) {
	defer rows.Close()
	var out []*domain.PendingTransfer
	for rows.Next() {
		var p domain.PendingTransfer
		var amount, fee string
		if err := rows.Scan(
			&p.ID, &p.TransferID, &p.SenderID, &p.RecipientID, &p.RecipientFullName, &p.RecipientPhone, &p.RecipientCountry,
			&amount, &fee, &p.Currency, &p.ClaimCode, &p.Status, &p.ExpiresAt, &p.CreatedAt, &p.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending transfer: %w", err)
		}
		var err error
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if p.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("parse fee: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	var amount string
	err := s.Db.QueryRow(ctx, `
		SELECT id, user_id, agent_id, withdrawal_phone, amount::text, currency, status,
		       verification_code, code_expires_at, created_at, updated_at
		FROM withdrawals WHERE id = $1`, id,
	).Scan(&w.ID, &w.UserID, &w.AgentID, &w.WithdrawalPhone, &amount, &w.Currency, &w.Status,
		&w.VerificationCode, &w.CodeExpiresAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("withdrawal %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &w, nil
}

// ListTransactions retrieves recent history rows for an account.
func (s *Store) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TransactionRecord, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.Db.Query(ctx, `
		SELECT id, reference, kind, account_id, counterparty_id, amount::text, fee::text, currency, created_at
		FROM transaction_records
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.TransactionRecord
	for rows.Next() {
		var r domain.TransactionRecord
		var amount, fee string
		if err := rows.Scan(&r.ID, &r.Reference, &r.Kind, &r.AccountID, &r.CounterpartyID,
			&amount, &fee, &r.Currency, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if r.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, fmt.Errorf("parse fee: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// mapTxErr turns serialization failures into ErrConflict and keeps domain
// errors untouched.
func mapTxErr(msg string, err error) error {
	if isCode(err, codeSerializationFailure) || isCode(err, codeDeadlockDetected) {
		return fmt.Errorf("%s: %w", msg, domain.ErrConflict)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
