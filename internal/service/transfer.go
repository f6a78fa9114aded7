package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/moneycore/internal/confirm"
	"github.com/punchamoorthee/moneycore/internal/domain"
	"github.com/punchamoorthee/moneycore/internal/events"
	"github.com/punchamoorthee/moneycore/internal/fees"
)

// DraftState is where an in-flight operation stands.
type DraftState string

const (
	DraftQuoted       DraftState = "quoted"
	DraftConfirmed    DraftState = "confirmed"
	DraftCommitted    DraftState = "committed"
	DraftPendingClaim DraftState = "pending_claim_created"
	DraftFailed       DraftState = "failed"
)

// Terminal reports whether the draft can no longer change.
func (s DraftState) Terminal() bool {
	return s == DraftCommitted || s == DraftPendingClaim || s == DraftFailed
}

// Recipient is who a transfer goes to. For a resolved recipient every field
// comes from the matched account, never from what the sender typed.
type Recipient struct {
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	FullName  string     `json:"full_name"`
	Phone     string     `json:"phone"`
	Country   string     `json:"country"`
	Resolved  bool       `json:"resolved"`
}

// TransferDraft is a peer transfer between Start and Commit.
type TransferDraft struct {
	ID            uuid.UUID               `json:"id"`
	SenderID      uuid.UUID               `json:"sender_id"`
	SenderCountry string                  `json:"sender_country"`
	SenderRole    domain.Role             `json:"sender_role"`
	Channel       fees.Channel            `json:"channel"`
	Recipient     Recipient               `json:"recipient"`
	Currency      string                  `json:"currency"`
	Quote         fees.Quote              `json:"quote"`
	Revision      int                     `json:"revision"`
	Fingerprint   string                  `json:"quote_fingerprint"`
	State         DraftState              `json:"state"`
	TransferID    *uuid.UUID              `json:"transfer_id,omitempty"`
	Pending       *domain.PendingTransfer `json:"pending_transfer,omitempty"`
	Failure       string                  `json:"failure,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`

	// staleQuote is set when a confirmed draft is re-quoted.
	staleQuote bool
}

type StartTransferInput struct {
	SenderID         uuid.UUID       `json:"sender_id"`
	RecipientPhone   string          `json:"recipient_phone"`
	RecipientCountry string          `json:"recipient_country"`
	RecipientName    string          `json:"recipient_name"`
	Amount           decimal.Decimal `json:"amount"`
	Channel          string          `json:"channel"`
}

func (in StartTransferInput) Validate() error {
	if in.SenderID == uuid.Nil {
		return fmt.Errorf("%w: sender_id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(in.RecipientPhone) == "" {
		return fmt.Errorf("%w: recipient_phone is required", domain.ErrValidation)
	}
	if strings.TrimSpace(in.RecipientCountry) == "" {
		return fmt.Errorf("%w: recipient_country is required", domain.ErrValidation)
	}
	if err := domain.ValidateAmount(in.Amount); err != nil {
		return err
	}
	return nil
}

// UpdateTransferInput changes a quoted draft. Nil fields are left alone.
type UpdateTransferInput struct {
	SenderID         uuid.UUID        `json:"sender_id"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	RecipientPhone   *string          `json:"recipient_phone,omitempty"`
	RecipientCountry *string          `json:"recipient_country,omitempty"`
	RecipientName    *string          `json:"recipient_name,omitempty"`
	Channel          *string          `json:"channel,omitempty"`
}

type TransferService struct {
	ledger domain.Ledger
	fees   *fees.Engine
	gate   *confirm.Gate
	events publisher
	opts   Options
	drafts *drafts[TransferDraft]
	log    zerolog.Logger
}

func NewTransferService(ledger domain.Ledger, engine *fees.Engine, gate *confirm.Gate, pub events.Publisher, opts Options, log zerolog.Logger) *TransferService {
	opts = opts.withDefaults()
	log = log.With().Str("component", "transfers").Logger()
	return &TransferService{
		ledger: ledger,
		fees:   engine,
		gate:   gate,
		events: publisher{pub: pub, prefix: opts.TopicPrefix, log: log},
		opts:   opts,
		drafts: newDrafts[TransferDraft](opts.DraftTTL, opts.Now),
		log:    log,
	}
}

// Start resolves the recipient and quotes the transfer.
func (s *TransferService) Start(ctx context.Context, in StartTransferInput) (*TransferDraft, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	channel, err := fees.ParseChannel(in.Channel)
	if err != nil {
		return nil, err
	}

	sender, err := s.ledger.GetAccount(ctx, in.SenderID)
	if err != nil {
		return nil, err
	}

	recipient, err := s.resolve(ctx, sender, in.RecipientPhone, in.RecipientCountry, in.RecipientName)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	d := TransferDraft{
		ID:            uuid.New(),
		SenderID:      sender.ID,
		SenderCountry: sender.Country,
		SenderRole:    sender.Role,
		Channel:       channel,
		Recipient:     recipient,
		Currency:      s.opts.Currency,
		State:         DraftQuoted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.requote(&d, in.Amount); err != nil {
		return nil, err
	}

	s.drafts.put(d.ID, d)
	return &d, nil
}

// resolve looks the recipient up by phone and country. A miss is not an
// error: the transfer continues unresolved and will be escrowed under a
// claim code, which needs a display name.
func (s *TransferService) resolve(ctx context.Context, sender *domain.Account, phone, country, name string) (Recipient, error) {
	phone, country = strings.TrimSpace(phone), strings.ToUpper(strings.TrimSpace(country))

	acct, err := s.ledger.LookupAccountByPhone(ctx, phone, country)
	switch {
	case err == nil:
		if acct.ID == sender.ID {
			return Recipient{}, fmt.Errorf("%w: self-transfer not allowed", domain.ErrValidation)
		}
		id := acct.ID
		return Recipient{AccountID: &id, FullName: acct.FullName, Phone: acct.Phone, Country: acct.Country, Resolved: true}, nil
	case errors.Is(err, domain.ErrNotFound):
		name = strings.TrimSpace(name)
		if name == "" {
			return Recipient{}, fmt.Errorf("%w: recipient_name is required for an unregistered recipient", domain.ErrValidation)
		}
		return Recipient{FullName: name, Phone: phone, Country: country}, nil
	default:
		return Recipient{}, err
	}
}

// requote prices the draft, bumps its revision and drops any outstanding
// confirmation for the previous quote.
func (s *TransferService) requote(d *TransferDraft, amount decimal.Decimal) error {
	q, err := s.fees.Quote(domain.OperationTransfer, amount, fees.Context{
		OriginCountry:      d.SenderCountry,
		DestinationCountry: d.Recipient.Country,
		Role:               d.SenderRole,
		Channel:            d.Channel,
	})
	if err != nil {
		logConfigError(s.log, err, string(domain.OperationTransfer))
		return err
	}

	d.Quote = q
	d.Revision++
	recipient := ""
	if d.Recipient.AccountID != nil {
		recipient = d.Recipient.AccountID.String()
	}
	d.Fingerprint = fingerprint(d.ID, d.Revision,
		q.Amount.String(), q.Fee.String(), d.SenderCountry, d.Recipient.Country,
		d.Recipient.Phone, recipient, string(d.Channel))
	if d.State == DraftConfirmed {
		d.staleQuote = true
	}
	d.State = DraftQuoted
	d.UpdatedAt = s.opts.Now()
	if s.gate != nil {
		s.gate.Invalidate(d.ID)
	}
	return nil
}

// Get returns a draft to its sender.
func (s *TransferService) Get(_ context.Context, id, senderID uuid.UUID) (*TransferDraft, error) {
	d, err := s.drafts.get(id)
	if err != nil || d.SenderID != senderID {
		return nil, notOwner("transfer draft", id)
	}
	return &d, nil
}

// Update applies new inputs to a draft and re-quotes it. Any confirmation
// obtained for the previous quote becomes unusable.
func (s *TransferService) Update(ctx context.Context, id uuid.UUID, in UpdateTransferInput) (*TransferDraft, error) {
	draft, err := s.drafts.acquire(id)
	if err != nil {
		return nil, fmt.Errorf("transfer draft %s: %w", id, err)
	}
	defer func() { s.drafts.release(id, draft) }()

	if draft.SenderID != in.SenderID {
		return nil, notOwner("transfer draft", id)
	}
	if draft.State.Terminal() {
		return nil, fmt.Errorf("%w: transfer is %s", domain.ErrInvalidState, draft.State)
	}

	next := draft
	amount := draft.Quote.Amount
	if in.Amount != nil {
		if err := domain.ValidateAmount(*in.Amount); err != nil {
			return nil, err
		}
		amount = *in.Amount
	}
	if in.Channel != nil {
		if next.Channel, err = fees.ParseChannel(*in.Channel); err != nil {
			return nil, err
		}
	}

	if in.RecipientPhone != nil || in.RecipientCountry != nil || (in.RecipientName != nil && !draft.Recipient.Resolved) {
		phone, country, name := draft.Recipient.Phone, draft.Recipient.Country, draft.Recipient.FullName
		if in.RecipientPhone != nil {
			phone = *in.RecipientPhone
		}
		if in.RecipientCountry != nil {
			country = *in.RecipientCountry
		}
		if in.RecipientName != nil {
			name = *in.RecipientName
		}
		if strings.TrimSpace(phone) == "" || strings.TrimSpace(country) == "" {
			return nil, fmt.Errorf("%w: recipient phone and country are required", domain.ErrValidation)
		}
		sender, err := s.ledger.GetAccount(ctx, draft.SenderID)
		if err != nil {
			return nil, err
		}
		if next.Recipient, err = s.resolve(ctx, sender, phone, country, name); err != nil {
			return nil, err
		}
	}

	if err := s.requote(&next, amount); err != nil {
		return nil, err
	}
	draft = next
	out := draft
	return &out, nil
}

// Confirm runs one confirmation challenge for the draft's current quote.
func (s *TransferService) Confirm(ctx context.Context, id uuid.UUID, in ConfirmInput) (*TransferDraft, confirm.Result, error) {
	draft, err := s.drafts.acquire(id)
	if err != nil {
		return nil, confirm.Result{}, fmt.Errorf("transfer draft %s: %w", id, err)
	}
	defer func() { s.drafts.release(id, draft) }()

	if draft.SenderID != in.AccountID {
		return nil, confirm.Result{}, notOwner("transfer draft", id)
	}
	if draft.State.Terminal() {
		return nil, confirm.Result{}, fmt.Errorf("%w: transfer is %s", domain.ErrInvalidState, draft.State)
	}

	kind, res, err := challenge(ctx, s.gate, draft.ID, draft.Fingerprint, in)
	switch {
	case err == nil:
		draft.State = DraftConfirmed
		draft.staleQuote = false
	case errors.Is(err, domain.ErrAuthExhausted) && kind == confirm.KindSecret:
		draft.State = DraftFailed
		draft.Failure = "confirmation attempts exhausted"
		s.gate.Forget(draft.ID)
		observe(string(domain.OperationTransfer), err)
	}
	draft.UpdatedAt = s.opts.Now()
	out := draft
	return &out, res, err
}

// Commit redeems the draft's confirmation and applies the transfer in one
// ledger posting. A failed commit is never retried here; the caller has to
// start over with a fresh confirmation.
func (s *TransferService) Commit(ctx context.Context, id, senderID uuid.UUID) (*TransferDraft, error) {
	draft, err := s.drafts.acquire(id)
	if err != nil {
		return nil, fmt.Errorf("transfer draft %s: %w", id, err)
	}
	defer func() { s.drafts.release(id, draft) }()

	if draft.SenderID != senderID {
		return nil, notOwner("transfer draft", id)
	}
	switch draft.State {
	case DraftConfirmed:
	case DraftQuoted:
		if draft.staleQuote {
			return nil, domain.ErrStaleQuote
		}
		return nil, domain.ErrConfirmationRequired
	default:
		return nil, fmt.Errorf("%w: transfer is %s", domain.ErrInvalidState, draft.State)
	}

	// 1. Authorization, bound to the exact quote.
	if _, err := s.gate.Redeem(draft.ID, draft.Fingerprint); err != nil {
		draft.State = DraftQuoted
		observe(string(domain.OperationTransfer), err)
		return nil, err
	}

	// 2. Funds pre-check. The ledger re-checks atomically; this only keeps
	// an obviously short sender away from the ledger.
	balance, err := s.ledger.GetBalance(ctx, draft.SenderID, domain.BalanceMain)
	if err == nil && balance.LessThan(draft.Quote.Total) {
		err = fmt.Errorf("%w: balance does not cover %s %s", domain.ErrInsufficientFunds, draft.Quote.Total, draft.Currency)
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		draft.State = DraftQuoted
		observe(string(domain.OperationTransfer), err)
		return nil, err
	}

	// 3. Posting.
	now := s.opts.Now()
	var posting *domain.Posting
	if draft.Recipient.Resolved {
		posting = s.resolvedPosting(&draft, now)
		err = s.ledger.Commit(ctx, posting)
	} else {
		posting, err = s.commitPending(ctx, &draft, now)
	}
	observe(string(domain.OperationTransfer), err)
	if err != nil {
		draft.State = DraftFailed
		draft.Failure = "ledger commit failed"
		draft.UpdatedAt = now
		s.log.Error().Err(err).Str("draft_id", draft.ID.String()).Msg("transfer commit failed")
		return nil, err
	}

	// 4. Finalize.
	s.gate.Forget(draft.ID)
	transferID := posting.Transfer.ID
	draft.TransferID = &transferID
	draft.UpdatedAt = now
	if posting.NewPending != nil {
		p := *posting.NewPending
		draft.Pending = &p
		draft.State = DraftPendingClaim
		s.log.Info().Str("transfer_id", transferID.String()).Str("amount", draft.Quote.Amount.String()).
			Time("expires_at", p.ExpiresAt).Msg("pending transfer created")
		s.events.publish(ctx, events.PendingTransferOpened, posting.Reference, map[string]interface{}{
			"transfer_id":         transferID,
			"pending_transfer_id": p.ID,
			"sender_id":           draft.SenderID,
			"recipient_full_name": p.RecipientFullName,
			"recipient_phone":     p.RecipientPhone,
			"recipient_country":   p.RecipientCountry,
			"amount":              p.Amount,
			"currency":            p.Currency,
			"claim_code":          p.ClaimCode,
			"expires_at":          p.ExpiresAt,
		})
	} else {
		draft.State = DraftCommitted
		s.log.Info().Str("transfer_id", transferID.String()).Str("amount", draft.Quote.Amount.String()).
			Str("fee", draft.Quote.Fee.String()).Msg("transfer committed")
		s.events.publish(ctx, events.TransferCompleted, posting.Reference, map[string]interface{}{
			"transfer_id":  transferID,
			"sender_id":    draft.SenderID,
			"recipient_id": draft.Recipient.AccountID,
			"amount":       draft.Quote.Amount,
			"fee":          draft.Quote.Fee,
			"currency":     draft.Currency,
		})
	}

	out := draft
	return &out, nil
}

func (s *TransferService) transferRow(d *TransferDraft, status domain.TransferStatus, now time.Time) *domain.Transfer {
	return &domain.Transfer{
		ID: uuid.New(),
		MonetaryOperation: domain.MonetaryOperation{
			Amount:        d.Quote.Amount,
			Currency:      d.Currency,
			InitiatorID:   d.SenderID,
			InitiatorRole: d.SenderRole,
			CreatedAt:     now,
		},
		SenderID:          d.SenderID,
		RecipientID:       d.Recipient.AccountID,
		RecipientFullName: d.Recipient.FullName,
		RecipientPhone:    d.Recipient.Phone,
		RecipientCountry:  d.Recipient.Country,
		Fee:               d.Quote.Fee,
		Status:            status,
	}
}

// resolvedPosting debits the sender by amount+fee, credits the recipient by
// amount and the revenue account by fee.
func (s *TransferService) resolvedPosting(d *TransferDraft, now time.Time) *domain.Posting {
	ref := uuid.New()
	q := d.Quote
	recipient := *d.Recipient.AccountID

	p := &domain.Posting{
		Reference: ref,
		Transfer:  s.transferRow(d, domain.TransferCompleted, now),
		Adjustments: []domain.Adjustment{
			domain.Debit(d.SenderID, domain.BalanceMain, q.Total, domain.RecordTransfer),
			domain.Credit(recipient, domain.BalanceMain, q.Amount, domain.RecordTransfer),
		},
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordTransfer, d.SenderID, q.Total.Neg(), d.Currency, now).
				WithCounterparty(recipient).WithFee(q.Fee),
			domain.NewRecord(ref, domain.RecordTransfer, recipient, q.Amount, d.Currency, now).
				WithCounterparty(d.SenderID),
		},
	}
	s.addFee(p, d, now)
	return p
}

func (s *TransferService) addFee(p *domain.Posting, d *TransferDraft, now time.Time) {
	if !d.Quote.Fee.IsPositive() {
		return
	}
	p.Adjustments = append(p.Adjustments,
		domain.Credit(s.opts.RevenueAccount, domain.BalanceMain, d.Quote.Fee, domain.RecordTransferFee))
	p.Records = append(p.Records,
		domain.NewRecord(p.Reference, domain.RecordTransferFee, s.opts.RevenueAccount, d.Quote.Fee, d.Currency, now).
			WithCounterparty(d.SenderID))
}

// commitPending escrows the amount under a fresh claim code. A colliding
// code is regenerated a bounded number of times.
func (s *TransferService) commitPending(ctx context.Context, d *TransferDraft, now time.Time) (*domain.Posting, error) {
	for attempt := 1; ; attempt++ {
		code, err := s.opts.ClaimCodes(s.opts.ClaimCodeLength)
		if err != nil {
			return nil, err
		}
		p := s.pendingPosting(d, code, now)
		err = s.ledger.Commit(ctx, p)
		if errors.Is(err, domain.ErrDuplicateClaimCode) && attempt < maxClaimCodeAttempts {
			s.log.Warn().Int("attempt", attempt).Msg("claim code collision, regenerating")
			continue
		}
		return p, err
	}
}

func (s *TransferService) pendingPosting(d *TransferDraft, code string, now time.Time) *domain.Posting {
	ref := uuid.New()
	q := d.Quote
	escrow := s.opts.EscrowAccount
	t := s.transferRow(d, domain.TransferPendingClaim, now)

	p := &domain.Posting{
		Reference: ref,
		Transfer:  t,
		NewPending: &domain.PendingTransfer{
			ID:                uuid.New(),
			TransferID:        t.ID,
			SenderID:          d.SenderID,
			RecipientFullName: d.Recipient.FullName,
			RecipientPhone:    d.Recipient.Phone,
			RecipientCountry:  d.Recipient.Country,
			Amount:            q.Amount,
			Fee:               q.Fee,
			Currency:          d.Currency,
			ClaimCode:         code,
			Status:            domain.PendingOpen,
			ExpiresAt:         now.Add(s.opts.ClaimTTL),
			CreatedAt:         now,
		},
		Adjustments: []domain.Adjustment{
			domain.Debit(d.SenderID, domain.BalanceMain, q.Total, domain.RecordPendingCreated),
			domain.Credit(escrow, domain.BalanceMain, q.Amount, domain.RecordPendingCreated),
		},
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordPendingCreated, d.SenderID, q.Total.Neg(), d.Currency, now).
				WithCounterparty(escrow).WithFee(q.Fee),
			domain.NewRecord(ref, domain.RecordPendingCreated, escrow, q.Amount, d.Currency, now).
				WithCounterparty(d.SenderID),
		},
	}
	s.addFee(p, d, now)
	return p
}
