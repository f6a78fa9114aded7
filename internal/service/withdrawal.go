package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

type RequestWithdrawalInput struct {
	UserID uuid.UUID       `json:"user_id"`
	Amount decimal.Decimal `json:"amount"`
	Phone  string          `json:"withdrawal_phone"`
}

// WithdrawalView is a withdrawal request as shown to its owner. The
// verification code is only present while it may be shown.
type WithdrawalView struct {
	*domain.Withdrawal
	VerificationCode string     `json:"verification_code,omitempty"`
	CodeExpiresAt    *time.Time `json:"code_expires_at,omitempty"`
}

// WithdrawalService manages withdrawal requests registered by clients ahead
// of visiting an agent.
type WithdrawalService struct {
	ledger domain.Ledger
	opts   Options
	log    zerolog.Logger
}

func NewWithdrawalService(ledger domain.Ledger, opts Options, log zerolog.Logger) *WithdrawalService {
	return &WithdrawalService{
		ledger: ledger,
		opts:   opts.withDefaults(),
		log:    log.With().Str("component", "withdrawals").Logger(),
	}
}

// Request registers a pending withdrawal with a fresh verification code.
// No money moves until an agent commits it.
func (s *WithdrawalService) Request(ctx context.Context, in RequestWithdrawalInput) (view *WithdrawalView, err error) {
	defer func() { observe("withdrawal_request", err) }()

	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user_id is required", domain.ErrValidation)
	}
	if err := domain.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}
	user, err := s.ledger.GetAccount(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	code, err := newVerificationCode()
	if err != nil {
		return nil, err
	}
	phone := strings.TrimSpace(in.Phone)
	if phone == "" {
		phone = user.Phone
	}

	now := s.opts.Now()
	w := &domain.Withdrawal{
		ID:               uuid.New(),
		UserID:           user.ID,
		WithdrawalPhone:  phone,
		Amount:           in.Amount,
		Currency:         s.opts.Currency,
		Status:           domain.WithdrawalPending,
		VerificationCode: code,
		CodeExpiresAt:    now.Add(s.opts.WithdrawalCodeTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ref := uuid.New()
	if err := s.ledger.Commit(ctx, &domain.Posting{
		Reference:  ref,
		Withdrawal: w,
		// The history row marks the request; the amount lives on the
		// withdrawal and only moves when an agent commits.
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordWithdrawalRequest, user.ID, decimal.Zero, s.opts.Currency, now),
		},
	}); err != nil {
		return nil, err
	}

	s.log.Info().Str("withdrawal_id", w.ID.String()).Str("amount", w.Amount.String()).Msg("withdrawal requested")
	return s.view(w, user.ID, now), nil
}

// Get shows a withdrawal request to its owner.
func (s *WithdrawalService) Get(ctx context.Context, id, viewerID uuid.UUID) (*WithdrawalView, error) {
	w, err := s.ledger.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != viewerID {
		return nil, notOwner("withdrawal", id)
	}
	return s.view(w, viewerID, s.opts.Now()), nil
}

// Reject cancels the owner's own pending request.
func (s *WithdrawalService) Reject(ctx context.Context, id, userID uuid.UUID) (view *WithdrawalView, err error) {
	defer func() { observe("withdrawal_reject", err) }()

	w, err := s.ledger.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, notOwner("withdrawal", id)
	}
	if w.Status != domain.WithdrawalPending {
		return nil, fmt.Errorf("%w: withdrawal is %s", domain.ErrInvalidState, w.Status)
	}

	now := s.opts.Now()
	w.Status = domain.WithdrawalRejected
	w.UpdatedAt = now
	ref := uuid.New()
	if err := s.ledger.Commit(ctx, &domain.Posting{
		Reference:  ref,
		Withdrawal: w,
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordWithdrawalRequest, userID, decimal.Zero, w.Currency, now),
		},
	}); err != nil {
		return nil, err
	}
	return s.view(w, userID, now), nil
}

func (s *WithdrawalService) view(w *domain.Withdrawal, viewer uuid.UUID, now time.Time) *WithdrawalView {
	v := &WithdrawalView{Withdrawal: w}
	if code, ok := w.VerificationCodeFor(viewer, now); ok {
		exp := w.CodeExpiresAt
		v.VerificationCode = code
		v.CodeExpiresAt = &exp
	}
	return v
}
