// Package models holds HTTP payloads that are not service inputs.
package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

// QuoteRequest prices an operation without starting it.
type QuoteRequest struct {
	Operation          string           `json:"operation"`
	Amount             decimal.Decimal  `json:"amount"`
	OriginCountry      string           `json:"origin_country"`
	DestinationCountry string           `json:"destination_country"`
	Role               string           `json:"role"`
	Channel            string           `json:"channel"`
	Volume             *decimal.Decimal `json:"volume,omitempty"`
}

// CommitRequest names the initiator committing a transfer.
type CommitRequest struct {
	SenderID uuid.UUID `json:"sender_id"`
}

// AgentRequest names the agent acting on an operation.
type AgentRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
}

type UpdateAmountRequest struct {
	AgentID uuid.UUID       `json:"agent_id"`
	Amount  decimal.Decimal `json:"amount"`
}

type LookupClientRequest struct {
	AgentID uuid.UUID `json:"agent_id"`
	Phone   string    `json:"phone"`
}

type ClaimRequest struct {
	ClaimCode  string    `json:"claim_code"`
	ClaimantID uuid.UUID `json:"claimant_id"`
}

type CancelClaimRequest struct {
	SenderID uuid.UUID `json:"sender_id"`
}

type RejectWithdrawalRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

// ReleaseRequest is sent by the scheduler that expires pending transfers.
type ReleaseRequest struct {
	Limit int `json:"limit"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}

// AccountResponse shows an account to its owner. CommissionBalance is only
// set for agents.
type AccountResponse struct {
	*domain.Account
	MainBalance       decimal.Decimal  `json:"main_balance"`
	CommissionBalance *decimal.Decimal `json:"commission_balance,omitempty"`
}

// ConfirmResponse reports a confirmation attempt. Draft is the transfer or
// agent operation after the attempt.
type ConfirmResponse struct {
	Confirmed    bool        `json:"confirmed"`
	MayRetry     bool        `json:"may_retry,omitempty"`
	AttemptsLeft int         `json:"attempts_left,omitempty"`
	Draft        interface{} `json:"draft,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error        string `json:"error"`
	MayRetry     *bool  `json:"may_retry,omitempty"`
	AttemptsLeft *int   `json:"attempts_left,omitempty"`
}
