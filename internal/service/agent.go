package service

import (
	"context"
	"crypto/subtle"
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

// ClientView is what an agent sees of a client. Balances are never shown.
type ClientView struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"full_name"`
	Country  string    `json:"country"`
}

// ProofMethod is how the agent established the client's identity.
type ProofMethod string

const (
	ProofScan   ProofMethod = "scan"
	ProofManual ProofMethod = "manual"
)

// IdentityProof is submitted by the agent for a withdrawal. Only a scanned
// token can verify a client.
type IdentityProof struct {
	AgentID          uuid.UUID   `json:"agent_id"`
	Method           ProofMethod `json:"method"`
	Token            string      `json:"token,omitempty"`
	VerificationCode string      `json:"verification_code,omitempty"`
}

// AgentOperation is a deposit or withdrawal between Start and Commit.
type AgentOperation struct {
	ID               uuid.UUID            `json:"id"`
	Type             domain.OperationType `json:"type"`
	AgentID          uuid.UUID            `json:"agent_id"`
	AgentCountry     string               `json:"agent_country"`
	Client           ClientView           `json:"client"`
	Currency         string               `json:"currency"`
	Quote            fees.Quote           `json:"quote"`
	Volume           *decimal.Decimal     `json:"volume,omitempty"`
	RequestID        *uuid.UUID           `json:"withdrawal_request_id,omitempty"`
	IdentityVerified bool                 `json:"identity_verified"`
	Revision         int                  `json:"revision"`
	Fingerprint      string               `json:"quote_fingerprint"`
	State            DraftState           `json:"state"`
	Reference        *uuid.UUID           `json:"reference,omitempty"`
	Failure          string               `json:"failure,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`

	clientPhone string
	staleQuote  bool
}

type StartAgentInput struct {
	AgentID     uuid.UUID        `json:"agent_id"`
	ClientPhone string           `json:"client_phone"`
	Amount      decimal.Decimal  `json:"amount"`
	Volume      *decimal.Decimal `json:"volume,omitempty"`
	// RequestID links a withdrawal to a request pre-registered by the
	// client; its amount is then used.
	RequestID *uuid.UUID `json:"withdrawal_request_id,omitempty"`
}

// AgentService processes cash deposits and withdrawals performed by agents.
type AgentService struct {
	ledger domain.Ledger
	fees   *fees.Engine
	gate   *confirm.Gate
	events publisher
	opts   Options
	drafts *drafts[AgentOperation]
	log    zerolog.Logger
}

func NewAgentService(ledger domain.Ledger, engine *fees.Engine, gate *confirm.Gate, pub events.Publisher, opts Options, log zerolog.Logger) *AgentService {
	opts = opts.withDefaults()
	log = log.With().Str("component", "agents").Logger()
	return &AgentService{
		ledger: ledger,
		fees:   engine,
		gate:   gate,
		events: publisher{pub: pub, prefix: opts.TopicPrefix, log: log},
		opts:   opts,
		drafts: newDrafts[AgentOperation](opts.DraftTTL, opts.Now),
		log:    log,
	}
}

func (s *AgentService) agent(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	a, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Role != domain.RoleAgent {
		return nil, fmt.Errorf("%w: account is not an agent", domain.ErrValidation)
	}
	return a, nil
}

// LookupClient finds a client by phone for an agent. Clients registered in
// another country are refused before anything else is shown.
func (s *AgentService) LookupClient(ctx context.Context, agentID uuid.UUID, phone string) (*ClientView, error) {
	agent, err := s.agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	client, err := s.lookup(ctx, agent, phone)
	if err != nil {
		return nil, err
	}
	return &ClientView{ID: client.ID, FullName: client.FullName, Country: client.Country}, nil
}

func (s *AgentService) lookup(ctx context.Context, agent *domain.Account, phone string) (*domain.Account, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, fmt.Errorf("%w: client_phone is required", domain.ErrValidation)
	}
	client, err := s.ledger.LookupAccountByPhone(ctx, phone, "")
	if err != nil {
		return nil, err
	}
	if client.ID == agent.ID {
		return nil, fmt.Errorf("%w: an agent cannot serve their own account", domain.ErrValidation)
	}
	if !strings.EqualFold(client.Country, agent.Country) {
		return nil, domain.ErrJurisdiction
	}
	return client, nil
}

// StartDeposit quotes a deposit. The agent's float must cover the amount
// before confirmation is offered.
func (s *AgentService) StartDeposit(ctx context.Context, in StartAgentInput) (*AgentOperation, error) {
	return s.start(ctx, domain.OperationDeposit, in)
}

// StartWithdrawal quotes a withdrawal. It cannot be committed until the
// client's identity token has been scanned with VerifyIdentity.
func (s *AgentService) StartWithdrawal(ctx context.Context, in StartAgentInput) (*AgentOperation, error) {
	return s.start(ctx, domain.OperationWithdrawal, in)
}

func (s *AgentService) start(ctx context.Context, op domain.OperationType, in StartAgentInput) (*AgentOperation, error) {
	agent, err := s.agent(ctx, in.AgentID)
	if err != nil {
		return nil, err
	}
	client, err := s.lookup(ctx, agent, in.ClientPhone)
	if err != nil {
		return nil, err
	}

	amount := in.Amount
	if in.RequestID != nil {
		if op != domain.OperationWithdrawal {
			return nil, fmt.Errorf("%w: only withdrawals reference a request", domain.ErrValidation)
		}
		w, err := s.openRequest(ctx, *in.RequestID, client.ID)
		if err != nil {
			return nil, err
		}
		amount = w.Amount
	}

	now := s.opts.Now()
	d := AgentOperation{
		ID:           uuid.New(),
		Type:         op,
		AgentID:      agent.ID,
		AgentCountry: agent.Country,
		Client:       ClientView{ID: client.ID, FullName: client.FullName, Country: client.Country},
		Currency:     s.opts.Currency,
		Volume:       in.Volume,
		RequestID:    in.RequestID,
		State:        DraftQuoted,
		CreatedAt:    now,
		UpdatedAt:    now,
		clientPhone:  client.Phone,
	}
	if err := s.requote(ctx, &d, amount); err != nil {
		return nil, err
	}

	s.drafts.put(d.ID, d)
	return &d, nil
}

func (s *AgentService) openRequest(ctx context.Context, id, clientID uuid.UUID) (*domain.Withdrawal, error) {
	w, err := s.ledger.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != clientID {
		return nil, domain.ErrIdentityMismatch
	}
	if !w.Status.Open() {
		return nil, fmt.Errorf("%w: withdrawal request is %s", domain.ErrInvalidState, w.Status)
	}
	return w, nil
}

func (s *AgentService) requote(ctx context.Context, d *AgentOperation, amount decimal.Decimal) error {
	q, err := s.fees.Quote(d.Type, amount, fees.Context{
		OriginCountry:      d.AgentCountry,
		DestinationCountry: d.Client.Country,
		Role:               domain.RoleAgent,
		Volume:             d.Volume,
	})
	if err != nil {
		logConfigError(s.log, err, string(d.Type))
		return err
	}

	if d.Type == domain.OperationDeposit {
		if err := s.covers(ctx, d.AgentID, q.Amount); err != nil {
			return err
		}
	}

	d.Quote = q
	d.Revision++
	d.Fingerprint = fingerprint(d.ID, d.Revision,
		string(d.Type), q.Amount.String(), q.CommissionAmount.String(), d.Client.ID.String())
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

// covers reports ErrInsufficientFunds when the main balance of account is
// below amount.
func (s *AgentService) covers(ctx context.Context, account uuid.UUID, amount decimal.Decimal) error {
	balance, err := s.ledger.GetBalance(ctx, account, domain.BalanceMain)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: balance does not cover %s", domain.ErrInsufficientFunds, amount)
	}
	return nil
}

// Get returns an operation to the agent that started it.
func (s *AgentService) Get(_ context.Context, id, agentID uuid.UUID) (*AgentOperation, error) {
	d, err := s.drafts.get(id)
	if err != nil || d.AgentID != agentID {
		return nil, notOwner("agent operation", id)
	}
	return &d, nil
}

func (s *AgentService) checkout(id, agentID uuid.UUID) (AgentOperation, error) {
	d, err := s.drafts.acquire(id)
	if err != nil {
		return AgentOperation{}, fmt.Errorf("agent operation %s: %w", id, err)
	}
	if d.AgentID != agentID {
		s.drafts.release(id, d)
		return AgentOperation{}, notOwner("agent operation", id)
	}
	if d.State.Terminal() {
		s.drafts.release(id, d)
		return AgentOperation{}, fmt.Errorf("%w: operation is %s", domain.ErrInvalidState, d.State)
	}
	return d, nil
}

// UpdateAmount changes the amount and re-quotes. A withdrawal tied to a
// request keeps the requested amount.
func (s *AgentService) UpdateAmount(ctx context.Context, id, agentID uuid.UUID, amount decimal.Decimal) (*AgentOperation, error) {
	draft, err := s.checkout(id, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { s.drafts.release(id, draft) }()

	if draft.RequestID != nil {
		return nil, fmt.Errorf("%w: the amount of a requested withdrawal cannot change", domain.ErrValidation)
	}
	next := draft
	if err := s.requote(ctx, &next, amount); err != nil {
		return nil, err
	}
	draft = next
	out := draft
	return &out, nil
}

// VerifyIdentity checks a withdrawal client's identity proof. Only a scanned
// token matching the selected client enables commit; a manual proof never
// does. A mismatch also clears an earlier verification.
func (s *AgentService) VerifyIdentity(ctx context.Context, id uuid.UUID, proof IdentityProof) (*AgentOperation, error) {
	draft, err := s.checkout(id, proof.AgentID)
	if err != nil {
		return nil, err
	}
	defer func() { s.drafts.release(id, draft) }()

	if draft.Type != domain.OperationWithdrawal {
		return nil, fmt.Errorf("%w: identity proof applies to withdrawals", domain.ErrValidation)
	}

	switch proof.Method {
	case ProofScan:
	case ProofManual:
		draft.IdentityVerified = false
		return nil, domain.ErrIdentityRequired
	default:
		return nil, fmt.Errorf("%w: unknown proof method %q", domain.ErrValidation, proof.Method)
	}

	token, err := ParseIdentityToken(proof.Token)
	if err != nil {
		draft.IdentityVerified = false
		return nil, err
	}
	if token.AccountID != draft.Client.ID || token.Phone != draft.clientPhone {
		draft.IdentityVerified = false
		s.log.Warn().Str("operation_id", draft.ID.String()).Msg("scanned identity does not match client")
		return nil, domain.ErrIdentityMismatch
	}

	if draft.RequestID != nil {
		w, err := s.openRequest(ctx, *draft.RequestID, draft.Client.ID)
		if err != nil {
			return nil, err
		}
		if proof.VerificationCode == "" ||
			subtle.ConstantTimeCompare([]byte(proof.VerificationCode), []byte(w.VerificationCode)) != 1 {
			draft.IdentityVerified = false
			return nil, fmt.Errorf("%w: verification code does not match", domain.ErrIdentityMismatch)
		}
		if !s.opts.Now().Before(w.CodeExpiresAt) {
			draft.IdentityVerified = false
			return nil, fmt.Errorf("%w: verification code expired", domain.ErrIdentityMismatch)
		}
	}

	draft.IdentityVerified = true
	draft.UpdatedAt = s.opts.Now()
	out := draft
	return &out, nil
}

// Confirm runs one confirmation challenge for the agent.
func (s *AgentService) Confirm(ctx context.Context, id uuid.UUID, in ConfirmInput) (*AgentOperation, confirm.Result, error) {
	draft, err := s.checkout(id, in.AccountID)
	if err != nil {
		return nil, confirm.Result{}, err
	}
	defer func() { s.drafts.release(id, draft) }()

	if draft.Type == domain.OperationWithdrawal && !draft.IdentityVerified {
		return nil, confirm.Result{}, domain.ErrIdentityRequired
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
		observe(string(draft.Type), err)
	}
	draft.UpdatedAt = s.opts.Now()
	out := draft
	return &out, res, err
}

// Commit redeems the confirmation and applies the operation in one posting.
func (s *AgentService) Commit(ctx context.Context, id, agentID uuid.UUID) (*AgentOperation, error) {
	draft, err := s.checkout(id, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { s.drafts.release(id, draft) }()

	// Identity is checked first so an unverified withdrawal is refused
	// regardless of confirmation state or amount.
	if draft.Type == domain.OperationWithdrawal && !draft.IdentityVerified {
		observe(string(draft.Type), domain.ErrIdentityRequired)
		return nil, domain.ErrIdentityRequired
	}
	if draft.State != DraftConfirmed {
		if draft.staleQuote {
			return nil, domain.ErrStaleQuote
		}
		return nil, domain.ErrConfirmationRequired
	}

	if _, err := s.gate.Redeem(draft.ID, draft.Fingerprint); err != nil {
		draft.State = DraftQuoted
		observe(string(draft.Type), err)
		return nil, err
	}

	payer := draft.AgentID
	if draft.Type == domain.OperationWithdrawal {
		payer = draft.Client.ID
	}
	err = s.covers(ctx, payer, draft.Quote.Amount)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		draft.State = DraftQuoted
		observe(string(draft.Type), err)
		return nil, err
	}

	now := s.opts.Now()
	var posting *domain.Posting
	if draft.Type == domain.OperationDeposit {
		posting = s.depositPosting(&draft, now)
	} else {
		posting, err = s.withdrawalPosting(ctx, &draft, now)
	}
	if err == nil {
		err = s.ledger.Commit(ctx, posting)
	}
	observe(string(draft.Type), err)
	if err != nil {
		draft.State = DraftFailed
		draft.Failure = "ledger commit failed"
		draft.UpdatedAt = now
		s.log.Error().Err(err).Str("operation_id", draft.ID.String()).Str("type", string(draft.Type)).Msg("agent commit failed")
		return nil, err
	}

	s.gate.Forget(draft.ID)
	ref := posting.Reference
	draft.Reference = &ref
	draft.State = DraftCommitted
	draft.UpdatedAt = now

	s.log.Info().Str("operation_id", draft.ID.String()).Str("type", string(draft.Type)).
		Str("amount", draft.Quote.Amount.String()).Str("commission", draft.Quote.CommissionAmount.String()).
		Msg("agent operation committed")

	eventType := events.AgentDeposit
	if draft.Type == domain.OperationWithdrawal {
		eventType = events.AgentWithdrawal
	}
	s.events.publish(ctx, eventType, ref, map[string]interface{}{
		"operation_id": draft.ID,
		"agent_id":     draft.AgentID,
		"client_id":    draft.Client.ID,
		"amount":       draft.Quote.Amount,
		"commission":   draft.Quote.CommissionAmount,
		"currency":     draft.Currency,
	})

	out := draft
	return &out, nil
}

// depositPosting moves amount from the agent's float to the client and pays
// the commission out of revenue into the agent's commission balance.
func (s *AgentService) depositPosting(d *AgentOperation, now time.Time) *domain.Posting {
	ref := uuid.New()
	q := d.Quote
	p := &domain.Posting{
		Reference: ref,
		Adjustments: []domain.Adjustment{
			domain.Debit(d.AgentID, domain.BalanceMain, q.Amount, domain.RecordDeposit),
			domain.Credit(d.Client.ID, domain.BalanceMain, q.Amount, domain.RecordDeposit),
		},
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordDeposit, d.AgentID, q.Amount.Neg(), d.Currency, now).WithCounterparty(d.Client.ID),
			domain.NewRecord(ref, domain.RecordDeposit, d.Client.ID, q.Amount, d.Currency, now).WithCounterparty(d.AgentID),
		},
	}
	s.addCommission(p, d, now)
	return p
}

// withdrawalPosting moves amount from the client to the agent's float, since
// the agent hands out the cash, and pays the commission.
func (s *AgentService) withdrawalPosting(ctx context.Context, d *AgentOperation, now time.Time) (*domain.Posting, error) {
	ref := uuid.New()
	q := d.Quote
	agentID := d.AgentID

	w := &domain.Withdrawal{
		ID:              uuid.New(),
		UserID:          d.Client.ID,
		WithdrawalPhone: d.clientPhone,
		Amount:          q.Amount,
		Currency:        d.Currency,
		CreatedAt:       now,
		CodeExpiresAt:   now,
	}
	if d.RequestID != nil {
		req, err := s.openRequest(ctx, *d.RequestID, d.Client.ID)
		if err != nil {
			return nil, err
		}
		w = req
	}
	w.AgentID = &agentID
	w.Status = domain.WithdrawalCompleted
	w.UpdatedAt = now

	p := &domain.Posting{
		Reference:  ref,
		Withdrawal: w,
		Adjustments: []domain.Adjustment{
			domain.Debit(d.Client.ID, domain.BalanceMain, q.Amount, domain.RecordWithdrawal),
			domain.Credit(d.AgentID, domain.BalanceMain, q.Amount, domain.RecordWithdrawal),
		},
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordWithdrawal, d.Client.ID, q.Amount.Neg(), d.Currency, now).WithCounterparty(d.AgentID),
			domain.NewRecord(ref, domain.RecordWithdrawal, d.AgentID, q.Amount, d.Currency, now).WithCounterparty(d.Client.ID),
		},
	}
	s.addCommission(p, d, now)
	return p, nil
}

func (s *AgentService) addCommission(p *domain.Posting, d *AgentOperation, now time.Time) {
	c := d.Quote.CommissionAmount
	if !c.IsPositive() {
		return
	}
	funding := domain.Debit(s.opts.RevenueAccount, domain.BalanceMain, c, domain.RecordCommission)
	funding.Overdraft = true
	p.Adjustments = append(p.Adjustments,
		funding,
		domain.Credit(d.AgentID, domain.BalanceCommission, c, domain.RecordCommission))
	p.Records = append(p.Records,
		domain.NewRecord(p.Reference, domain.RecordCommission, d.AgentID, c, d.Currency, now).WithCounterparty(s.opts.RevenueAccount),
		domain.NewRecord(p.Reference, domain.RecordCommission, s.opts.RevenueAccount, c.Neg(), d.Currency, now).WithCounterparty(d.AgentID))
}

// Balances returns an agent's main and commission balances.
func (s *AgentService) Balances(ctx context.Context, agentID uuid.UUID) (*domain.AgentBalance, error) {
	if _, err := s.agent(ctx, agentID); err != nil {
		return nil, err
	}
	main, err := s.ledger.GetBalance(ctx, agentID, domain.BalanceMain)
	if err != nil {
		return nil, err
	}
	commission, err := s.ledger.GetBalance(ctx, agentID, domain.BalanceCommission)
	if err != nil {
		return nil, err
	}
	return &domain.AgentBalance{AgentID: agentID, MainBalance: main, CommissionBalance: commission}, nil
}
