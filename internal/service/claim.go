package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/moneycore/internal/domain"
	"github.com/punchamoorthee/moneycore/internal/events"
)

// ClaimResult is the outcome of a successful claim. Replayed is set when the
// same claimant had already claimed the code and nothing was credited again.
type ClaimResult struct {
	Pending  *domain.PendingTransfer `json:"pending_transfer"`
	Replayed bool                    `json:"replayed"`
}

// ClaimService resolves escrowed transfers: claimed by the recipient,
// cancelled by the sender or released after expiry. Every resolution is a
// compare-and-swap from open, so at most one of them ever succeeds.
type ClaimService struct {
	ledger domain.Ledger
	events publisher
	opts   Options
	log    zerolog.Logger
}

func NewClaimService(ledger domain.Ledger, pub events.Publisher, opts Options, log zerolog.Logger) *ClaimService {
	opts = opts.withDefaults()
	log = log.With().Str("component", "claims").Logger()
	return &ClaimService{
		ledger: ledger,
		events: publisher{pub: pub, prefix: opts.TopicPrefix, log: log},
		opts:   opts,
		log:    log,
	}
}

// Claim credits claimantID with the escrowed amount and binds them as the
// recipient.
func (s *ClaimService) Claim(ctx context.Context, code string, claimantID uuid.UUID) (res *ClaimResult, err error) {
	defer func() { observe("claim", err) }()

	code = NormalizeClaimCode(code)
	if code == "" || claimantID == uuid.Nil {
		return nil, fmt.Errorf("%w: claim code and claimant are required", domain.ErrValidation)
	}
	if _, err := s.ledger.GetAccount(ctx, claimantID); err != nil {
		return nil, err
	}

	p, err := s.ledger.GetPendingTransfer(ctx, code)
	if err != nil {
		return nil, err
	}
	if p.SenderID == claimantID {
		return nil, fmt.Errorf("%w: the sender cannot claim their own transfer", domain.ErrValidation)
	}

	now := s.opts.Now()
	if res, err := claimOutcome(p, claimantID, now); res != nil || err != nil {
		return res, err
	}

	posting := s.claimPosting(p, claimantID, now)
	if err := s.ledger.Commit(ctx, posting); err != nil {
		if !errors.Is(err, domain.ErrInvalidState) && !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		// Possibly lost the race to another claim. Report what the winner
		// did; a transfer still open means the conflict was elsewhere.
		cur, gerr := s.ledger.GetPendingTransfer(ctx, code)
		if gerr != nil {
			return nil, gerr
		}
		if res, oerr := claimOutcome(cur, claimantID, now); res != nil || oerr != nil {
			return res, oerr
		}
		return nil, err
	}

	claimed := *p
	claimed.Status = domain.PendingClaimed
	claimed.RecipientID = &claimantID
	claimed.ResolvedAt = &now

	s.log.Info().Str("pending_transfer_id", p.ID.String()).Str("amount", p.Amount.String()).Msg("pending transfer claimed")
	s.events.publish(ctx, events.ClaimClaimed, posting.Reference, map[string]interface{}{
		"pending_transfer_id": p.ID,
		"transfer_id":         p.TransferID,
		"sender_id":           p.SenderID,
		"recipient_id":        claimantID,
		"amount":              p.Amount,
		"currency":            p.Currency,
	})
	return &ClaimResult{Pending: &claimed}, nil
}

// claimOutcome decides a claim from the current status alone. It returns
// nil, nil when the transfer is open and claimable.
func claimOutcome(p *domain.PendingTransfer, claimantID uuid.UUID, now time.Time) (*ClaimResult, error) {
	switch p.Status {
	case domain.PendingOpen:
		if p.Expired(now) {
			return nil, domain.ErrClaimExpired
		}
		return nil, nil
	case domain.PendingClaimed:
		if p.RecipientID != nil && *p.RecipientID == claimantID {
			return &ClaimResult{Pending: p, Replayed: true}, nil
		}
		return nil, domain.ErrAlreadyClaimed
	case domain.PendingExpired:
		return nil, domain.ErrClaimExpired
	case domain.PendingCancelled:
		return nil, fmt.Errorf("%w: cancelled by the sender", domain.ErrClaimExpired)
	}
	return nil, fmt.Errorf("%w: pending transfer is %s", domain.ErrInvalidState, p.Status)
}

func (s *ClaimService) claimPosting(p *domain.PendingTransfer, claimantID uuid.UUID, now time.Time) *domain.Posting {
	ref := uuid.New()
	escrow := s.opts.EscrowAccount
	return &domain.Posting{
		Reference: ref,
		Transition: &domain.PendingTransition{
			ClaimCode:        p.ClaimCode,
			From:             domain.PendingOpen,
			To:               domain.PendingClaimed,
			RecipientID:      &claimantID,
			At:               now,
			RequireUnexpired: true,
		},
		Adjustments: []domain.Adjustment{
			domain.Debit(escrow, domain.BalanceMain, p.Amount, domain.RecordPendingClaimed),
			domain.Credit(claimantID, domain.BalanceMain, p.Amount, domain.RecordPendingClaimed),
		},
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordPendingClaimed, claimantID, p.Amount, p.Currency, now).
				WithCounterparty(p.SenderID),
			domain.NewRecord(ref, domain.RecordPendingClaimed, escrow, p.Amount.Neg(), p.Currency, now).
				WithCounterparty(claimantID),
		},
	}
}

// Cancel refunds an open pending transfer to its sender. The fee is kept.
func (s *ClaimService) Cancel(ctx context.Context, code string, senderID uuid.UUID) (p *domain.PendingTransfer, err error) {
	defer func() { observe("claim_cancel", err) }()

	code = NormalizeClaimCode(code)
	cur, err := s.ledger.GetPendingTransfer(ctx, code)
	if err != nil {
		return nil, err
	}
	if cur.SenderID != senderID {
		return nil, fmt.Errorf("pending transfer: %w", domain.ErrNotFound)
	}
	if cur.Status != domain.PendingOpen {
		return nil, fmt.Errorf("%w: pending transfer is %s", domain.ErrInvalidState, cur.Status)
	}

	now := s.opts.Now()
	posting := s.refundPosting(cur, domain.PendingCancelled, domain.RecordPendingCancelled, now)
	if err := s.ledger.Commit(ctx, posting); err != nil {
		return nil, err
	}

	cancelled := *cur
	cancelled.Status = domain.PendingCancelled
	cancelled.ResolvedAt = &now
	s.log.Info().Str("pending_transfer_id", cur.ID.String()).Msg("pending transfer cancelled")
	s.publishRelease(ctx, posting.Reference, &cancelled, "cancelled")
	return &cancelled, nil
}

// ReleaseExpired refunds up to limit open pending transfers whose claim
// window has closed. It is meant to be driven by an external scheduler. A
// transfer claimed concurrently is skipped.
func (s *ClaimService) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	now := s.opts.Now()
	expired, err := s.ledger.ListExpiredPendingTransfers(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	var firstErr error
	for _, p := range expired {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		posting := s.refundPosting(p, domain.PendingExpired, domain.RecordPendingExpired, now)
		err := s.ledger.Commit(ctx, posting)
		observe("claim_release", err)
		switch {
		case err == nil:
			released++
			rel := *p
			rel.Status = domain.PendingExpired
			rel.ResolvedAt = &now
			s.publishRelease(ctx, posting.Reference, &rel, "expired")
		case errors.Is(err, domain.ErrInvalidState):
		case errors.Is(err, domain.ErrConflict):
			// Picked up again by the next run.
			s.log.Debug().Err(err).Str("pending_transfer_id", p.ID.String()).Msg("release deferred")
		default:
			s.log.Error().Err(err).Str("pending_transfer_id", p.ID.String()).Msg("release failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if released > 0 {
		s.log.Info().Int("released", released).Msg("expired pending transfers released")
	}
	return released, firstErr
}

func (s *ClaimService) refundPosting(p *domain.PendingTransfer, to domain.PendingStatus, kind domain.RecordKind, now time.Time) *domain.Posting {
	ref := uuid.New()
	escrow := s.opts.EscrowAccount
	return &domain.Posting{
		Reference: ref,
		Transition: &domain.PendingTransition{
			ClaimCode:      p.ClaimCode,
			From:           domain.PendingOpen,
			To:             to,
			At:             now,
			RequireExpired: to == domain.PendingExpired,
		},
		Adjustments: []domain.Adjustment{
			domain.Debit(escrow, domain.BalanceMain, p.Amount, kind),
			domain.Credit(p.SenderID, domain.BalanceMain, p.Amount, kind),
		},
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, kind, p.SenderID, p.Amount, p.Currency, now).WithCounterparty(escrow),
			domain.NewRecord(ref, kind, escrow, p.Amount.Neg(), p.Currency, now).WithCounterparty(p.SenderID),
		},
	}
}

func (s *ClaimService) publishRelease(ctx context.Context, ref uuid.UUID, p *domain.PendingTransfer, reason string) {
	s.events.publish(ctx, events.ClaimReleased, ref, map[string]interface{}{
		"pending_transfer_id": p.ID,
		"transfer_id":         p.TransferID,
		"sender_id":           p.SenderID,
		"amount":              p.Amount,
		"currency":            p.Currency,
		"reason":              reason,
	})
}
