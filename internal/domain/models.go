package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role is the actor role of an account holder.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// ParseRole converts a wire value into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAgent, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

// BalanceKind selects one of the balances held by an account.
// Every account has a main balance; agents additionally accrue commission.
type BalanceKind string

const (
	BalanceMain       BalanceKind = "main"
	BalanceCommission BalanceKind = "commission"
)

// Account is the ledger's view of an account holder.
type Account struct {
	ID        uuid.UUID `json:"id"`
	FullName  string    `json:"full_name"`
	Phone     string    `json:"phone"`
	Country   string    `json:"country"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentBalance holds the two balances of an agent.
type AgentBalance struct {
	AgentID           uuid.UUID       `json:"agent_id"`
	MainBalance       decimal.Decimal `json:"main_balance"`
	CommissionBalance decimal.Decimal `json:"commission_balance"`
}

// RecordKind classifies an append-only transaction record.
type RecordKind string

const (
	RecordTransfer          RecordKind = "transfer"
	RecordTransferFee       RecordKind = "transfer_fee"
	RecordPendingCreated    RecordKind = "pending_created"
	RecordPendingClaimed    RecordKind = "pending_claimed"
	RecordPendingCancelled  RecordKind = "pending_cancelled"
	RecordPendingExpired    RecordKind = "pending_expired"
	RecordDeposit           RecordKind = "deposit"
	RecordWithdrawal        RecordKind = "withdrawal"
	RecordCommission        RecordKind = "commission"
	RecordWithdrawalRequest RecordKind = "withdrawal_request"
)

// TransactionRecord is one row of the append-only history. Every committed
// state change of a transfer, pending transfer, deposit or withdrawal
// produces at least one record.
type TransactionRecord struct {
	ID             uuid.UUID       `json:"id"`
	Reference      uuid.UUID       `json:"reference"`
	Kind           RecordKind      `json:"kind"`
	AccountID      uuid.UUID       `json:"account_id"`
	CounterpartyID *uuid.UUID      `json:"counterparty_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Currency       string          `json:"currency"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewRecord builds a record with a fresh ID.
func NewRecord(ref uuid.UUID, kind RecordKind, account uuid.UUID, amount decimal.Decimal, currency string, at time.Time) TransactionRecord {
	return TransactionRecord{
		ID:        uuid.New(),
		Reference: ref,
		Kind:      kind,
		AccountID: account,
		Amount:    amount,
		Fee:       decimal.Zero,
		Currency:  currency,
		CreatedAt: at,
	}
}

// WithCounterparty sets the other side of the record.
func (r TransactionRecord) WithCounterparty(id uuid.UUID) TransactionRecord {
	r.CounterpartyID = &id
	return r
}

// WithFee sets the fee carried by the record.
func (r TransactionRecord) WithFee(fee decimal.Decimal) TransactionRecord {
	r.Fee = fee
	return r
}
