// Package service orchestrates money movements: it resolves parties, prices
// the operation, runs the confirmation gate and hands one atomic posting to
// the ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/moneycore/internal/confirm"
	"github.com/punchamoorthee/moneycore/internal/domain"
	"github.com/punchamoorthee/moneycore/internal/events"
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moneycore_operations_total",
	Help: "Money-movement operations by outcome",
}, []string{"operation", "outcome"})

// maxClaimCodeAttempts bounds regeneration after a claim code collision.
const maxClaimCodeAttempts = 3

// Options carry the settings shared by every service.
type Options struct {
	Currency          string
	RevenueAccount    uuid.UUID
	EscrowAccount     uuid.UUID
	ClaimCodeLength   int
	ClaimTTL          time.Duration
	WithdrawalCodeTTL time.Duration
	DraftTTL          time.Duration
	TopicPrefix       string
	Now               func() time.Time
	// ClaimCodes generates claim codes. Defaults to NewClaimCode.
	ClaimCodes func(n int) (string, error)
}

func (o Options) withDefaults() Options {
	if o.Currency == "" {
		o.Currency = "XAF"
	}
	if o.ClaimCodeLength < 8 {
		o.ClaimCodeLength = 10
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 72 * time.Hour
	}
	if o.WithdrawalCodeTTL <= 0 {
		o.WithdrawalCodeTTL = 5 * time.Minute
	}
	if o.DraftTTL <= 0 {
		o.DraftTTL = 30 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ClaimCodes == nil {
		o.ClaimCodes = NewClaimCode
	}
	return o
}

// ConfirmInput is one challenge attempt submitted by the initiator.
type ConfirmInput struct {
	AccountID uuid.UUID `json:"account_id"`
	Kind      string    `json:"kind"`
	Secret    string    `json:"secret,omitempty"`
	Nonce     string    `json:"nonce,omitempty"`
	Assertion []byte    `json:"assertion,omitempty"`
}

func challenge(ctx context.Context, gate *confirm.Gate, opID uuid.UUID, fp string, in ConfirmInput) (confirm.ChallengeKind, confirm.Result, error) {
	kind, err := confirm.ParseKind(in.Kind)
	if err != nil {
		return "", confirm.Result{}, err
	}
	res, err := gate.Challenge(ctx, confirm.Request{
		OperationID: opID,
		AccountID:   in.AccountID,
		Kind:        kind,
		Secret:      in.Secret,
		Biometric:   confirm.BiometricChallenge{Nonce: in.Nonce, Assertion: in.Assertion},
		Fingerprint: fp,
	})
	return kind, res, err
}

// publisher sends best-effort events after a commit.
type publisher struct {
	pub    events.Publisher
	prefix string
	log    zerolog.Logger
}

func (p publisher) publish(ctx context.Context, eventType string, ref uuid.UUID, payload interface{}) {
	if p.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := p.pub.Publish(ctx, events.Topic(p.prefix, eventType), &events.Event{
		Type:      eventType,
		Source:    "moneycore",
		Reference: ref.String(),
		Payload:   payload,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("event", eventType).Str("reference", ref.String()).Msg("event publish failed")
	}
}

func observe(operation string, err error) {
	operationsTotal.WithLabelValues(operation, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrValidation):
		return "validation"
	case errors.Is(err, domain.ErrConfiguration):
		return "configuration"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrJurisdiction), errors.Is(err, domain.ErrIdentityMismatch):
		return "identity"
	case errors.Is(err, domain.ErrChallengeFailed), errors.Is(err, domain.ErrAuthExhausted),
		errors.Is(err, domain.ErrConfirmationRequired), errors.Is(err, domain.ErrStaleQuote):
		return "confirmation"
	case errors.Is(err, domain.ErrClaimExpired), errors.Is(err, domain.ErrAlreadyClaimed):
		return "claim"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		return "conflict"
	}
	return "error"
}

// logConfigError reports a missing rate to operators. The caller still gets
// the error; the API layer hides its detail.
func logConfigError(log zerolog.Logger, err error, op string) {
	if errors.Is(err, domain.ErrConfiguration) {
		log.Error().Err(err).Str("operation", op).Msg("fee configuration missing")
	}
}

func notOwner(kind string, id uuid.UUID) error {
	return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
}
