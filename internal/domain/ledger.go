package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is the system of record for balances, transfers, pending transfers,
// withdrawals and transaction history. Every balance mutation is a single
// conditional adjustment applied by the ledger; callers never read a
// balance, compute a new one and write it back.
type Ledger interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)

	// LookupAccountByPhone finds an account by phone. An empty country
	// matches any country.
	LookupAccountByPhone(ctx context.Context, phone, country string) (*Account, error)

	GetBalance(ctx context.Context, id uuid.UUID, kind BalanceKind) (decimal.Decimal, error)

	// AtomicAdjust applies one conditional delta and returns the new balance.
	AtomicAdjust(ctx context.Context, adj Adjustment) (decimal.Decimal, error)

	// RecordTransaction appends a history row.
	RecordTransaction(ctx context.Context, rec TransactionRecord) error

	// Commit applies a posting atomically: all of it or none of it.
	Commit(ctx context.Context, p *Posting) error

	GetPendingTransfer(ctx context.Context, claimCode string) (*PendingTransfer, error)
	ListExpiredPendingTransfers(ctx context.Context, now time.Time, limit int) ([]*PendingTransfer, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*Withdrawal, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]TransactionRecord, error)
}

// Adjustment is one conditional balance delta. Unless Overdraft is set the
// ledger rejects it with ErrInsufficientFunds when the resulting balance
// would be negative. Overdraft is reserved for system accounts.
type Adjustment struct {
	AccountID uuid.UUID
	Kind      BalanceKind
	Delta     decimal.Decimal
	Reason    RecordKind
	Overdraft bool
}

// Debit is a negative adjustment of amount.
func Debit(account uuid.UUID, kind BalanceKind, amount decimal.Decimal, reason RecordKind) Adjustment {
	return Adjustment{AccountID: account, Kind: kind, Delta: amount.Neg(), Reason: reason}
}

// Credit is a positive adjustment of amount.
func Credit(account uuid.UUID, kind BalanceKind, amount decimal.Decimal, reason RecordKind) Adjustment {
	return Adjustment{AccountID: account, Kind: kind, Delta: amount, Reason: reason}
}

// MoneyScale is the number of decimal places a balance can hold.
const MoneyScale int32 = 2

// ValidateAmount rejects amounts that are not positive or that the ledger
// cannot hold exactly.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return fmt.Errorf("%w: amount %s has more than %d decimal places", ErrValidation, amount, MoneyScale)
	}
	return nil
}

// Posting is the atomic unit of work handed to Ledger.Commit. Reference is
// unique per commit attempt; the ledger refuses a second posting with the
// same reference.
type Posting struct {
	Reference   uuid.UUID
	Adjustments []Adjustment
	Records     []TransactionRecord
	Transfer    *Transfer
	NewPending  *PendingTransfer
	Transition  *PendingTransition
	Withdrawal  *Withdrawal
}

// Validate enforces conservation: the deltas of a posting sum to zero and
// none of them is zero.
func (p *Posting) Validate() error {
	if p.Reference == uuid.Nil {
		return fmt.Errorf("%w: posting reference is required", ErrValidation)
	}
	sum := decimal.Zero
	for _, adj := range p.Adjustments {
		if adj.AccountID == uuid.Nil {
			return fmt.Errorf("%w: adjustment without account", ErrValidation)
		}
		if adj.Delta.IsZero() {
			return fmt.Errorf("%w: zero adjustment for %s", ErrValidation, adj.AccountID)
		}
		if !adj.Delta.Equal(adj.Delta.Truncate(MoneyScale)) {
			return fmt.Errorf("%w: adjustment %s for %s is finer than the ledger", ErrValidation, adj.Delta, adj.AccountID)
		}
		sum = sum.Add(adj.Delta)
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: posting does not balance (net %s)", ErrValidation, sum)
	}
	return nil
}
