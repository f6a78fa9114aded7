package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MonetaryOperation carries the fields shared by transfers, deposits,
// withdrawals and bill payments.
type MonetaryOperation struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	InitiatorID   uuid.UUID       `json:"initiator_id"`
	InitiatorRole Role            `json:"initiator_role"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Validate checks the shared invariants of any money movement.
func (op MonetaryOperation) Validate() error {
	if err := ValidateAmount(op.Amount); err != nil {
		return err
	}
	if op.Currency == "" {
		return fmt.Errorf("%w: currency is required", ErrValidation)
	}
	if op.InitiatorID == uuid.Nil {
		return fmt.Errorf("%w: initiator is required", ErrValidation)
	}
	return nil
}

// TransferStatus is the persisted status of a peer transfer.
type TransferStatus string

const (
	TransferDraft        TransferStatus = "draft"
	TransferPendingClaim TransferStatus = "pending_claim"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
)

// Transfer is a peer-to-peer transfer. A completed transfer implies exactly
// one debit of Amount+Fee on the sender and one credit of Amount on the
// recipient.
type Transfer struct {
	ID uuid.UUID `json:"id"`
	MonetaryOperation
	SenderID          uuid.UUID       `json:"sender_id"`
	RecipientID       *uuid.UUID      `json:"recipient_id,omitempty"`
	RecipientFullName string          `json:"recipient_full_name"`
	RecipientPhone    string          `json:"recipient_phone"`
	RecipientCountry  string          `json:"recipient_country"`
	Fee               decimal.Decimal `json:"fee"`
	Status            TransferStatus  `json:"status"`
}

// Total is what the sender pays.
func (t *Transfer) Total() decimal.Decimal {
	return t.Amount.Add(t.Fee)
}

// PendingStatus is the lifecycle of an escrowed transfer.
type PendingStatus string

const (
	PendingOpen      PendingStatus = "open"
	PendingClaimed   PendingStatus = "claimed"
	PendingExpired   PendingStatus = "expired"
	PendingCancelled PendingStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s PendingStatus) Terminal() bool {
	switch s {
	case PendingOpen:
		return false
	case PendingClaimed, PendingExpired, PendingCancelled:
		return true
	}
	return true
}

// PendingTransfer escrows funds for a recipient who has no account yet.
type PendingTransfer struct {
	ID                uuid.UUID       `json:"id"`
	TransferID        uuid.UUID       `json:"transfer_id"`
	SenderID          uuid.UUID       `json:"sender_id"`
	RecipientID       *uuid.UUID      `json:"recipient_id,omitempty"`
	RecipientFullName string          `json:"recipient_full_name"`
	RecipientPhone    string          `json:"recipient_phone"`
	RecipientCountry  string          `json:"recipient_country"`
	Amount            decimal.Decimal `json:"amount"`
	Fee               decimal.Decimal `json:"fee"`
	Currency          string          `json:"currency"`
	ClaimCode         string          `json:"-"`
	Status            PendingStatus   `json:"status"`
	ExpiresAt         time.Time       `json:"expires_at"`
	CreatedAt         time.Time       `json:"created_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// Expired reports whether the claim window has closed at now.
func (p *PendingTransfer) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// PendingTransition is a compare-and-swap on a pending transfer's status.
// It only applies if the current status equals From and, when
// RequireUnexpired is set, the transfer has not yet expired at At.
type PendingTransition struct {
	ClaimCode        string
	From             PendingStatus
	To               PendingStatus
	RecipientID      *uuid.UUID
	At               time.Time
	RequireUnexpired bool
	RequireExpired   bool
}
