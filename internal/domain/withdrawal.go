package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WithdrawalStatus is the lifecycle of a cash withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

// Open reports whether an agent may still complete the withdrawal.
func (s WithdrawalStatus) Open() bool {
	switch s {
	case WithdrawalPending, WithdrawalApproved:
		return true
	case WithdrawalCompleted, WithdrawalRejected:
		return false
	}
	return false
}

// Withdrawal is a client cash-out, either pre-registered by the client or
// recorded directly when an agent commits it.
type Withdrawal struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"user_id"`
	AgentID          *uuid.UUID       `json:"agent_id,omitempty"`
	WithdrawalPhone  string           `json:"withdrawal_phone"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Status           WithdrawalStatus `json:"status"`
	VerificationCode string           `json:"-"`
	CodeExpiresAt    time.Time        `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// VerificationCodeFor returns the verification code if viewer may see it at
// now: only the owner, only while pending, and only before the code window
// closes.
func (w *Withdrawal) VerificationCodeFor(viewer uuid.UUID, now time.Time) (string, bool) {
	if viewer != w.UserID || w.Status != WithdrawalPending || w.VerificationCode == "" {
		return "", false
	}
	if !now.Before(w.CodeExpiresAt) {
		return "", false
	}
	return w.VerificationCode, true
}
