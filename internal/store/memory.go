package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

type balanceKey struct {
	account uuid.UUID
	kind    domain.BalanceKind
}

// MemoryStore is an in-process Ledger used for tests and local runs
// without Postgres. A single mutex makes every call atomic, which gives it
// the same all-or-nothing behaviour as the Postgres store.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[uuid.UUID]*domain.Account
	pins        map[uuid.UUID]string
	balances    map[balanceKey]decimal.Decimal
	transfers   map[uuid.UUID]*domain.Transfer
	pending     map[string]*domain.PendingTransfer
	withdrawals map[uuid.UUID]*domain.Withdrawal
	records     []domain.TransactionRecord
	references  map[uuid.UUID]struct{}
	commitErr   error
	commits     int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[uuid.UUID]*domain.Account),
		pins:        make(map[uuid.UUID]string),
		balances:    make(map[balanceKey]decimal.Decimal),
		transfers:   make(map[uuid.UUID]*domain.Transfer),
		pending:     make(map[string]*domain.PendingTransfer),
		withdrawals: make(map[uuid.UUID]*domain.Withdrawal),
		references:  make(map[uuid.UUID]struct{}),
	}
}

// AddAccount registers an account with a main balance. Agents also get an
// empty commission balance.
func (m *MemoryStore) AddAccount(acct domain.Account, main decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}
	m.accounts[acct.ID] = &acct
	m.balances[balanceKey{acct.ID, domain.BalanceMain}] = main
	if acct.Role == domain.RoleAgent {
		m.balances[balanceKey{acct.ID, domain.BalanceCommission}] = decimal.Zero
	}
}

// SetPIN stores a bcrypt hash of pin for the account.
func (m *MemoryStore) SetPIN(id uuid.UUID, pin string) error {
	hash, err := hashPIN(pin, bcrypt.MinCost)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[id] = hash
	return nil
}

// FailNextCommit makes the next Commit return err without applying anything.
func (m *MemoryStore) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

// Commits counts successful commits.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Transfer returns a stored transfer by ID.
func (m *MemoryStore) Transfer(id uuid.UUID) (*domain.Transfer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, false
	}
	c := *t
	return &c, true
}

// OpenPendingCount counts pending transfers still open.
func (m *MemoryStore) OpenPendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if p.Status == domain.PendingOpen {
			n++
		}
	}
	return n
}

// VerifySecret implements confirm.SecretVerifier.
func (m *MemoryStore) VerifySecret(_ context.Context, accountID uuid.UUID, secret string) (bool, error) {
	m.mu.Lock()
	hash := m.pins[accountID]
	m.mu.Unlock()
	return checkPIN(hash, secret), nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) LookupAccountByPhone(_ context.Context, phone, country string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.Phone != phone {
			continue
		}
		if country != "" && !strings.EqualFold(a.Country, country) {
			continue
		}
		c := *a
		return &c, nil
	}
	return nil, fmt.Errorf("account with phone %s: %w", phone, domain.ErrNotFound)
}

func (m *MemoryStore) GetBalance(_ context.Context, id uuid.UUID, kind domain.BalanceKind) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[balanceKey{id, kind}]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s balance of %s: %w", kind, id, domain.ErrNotFound)
	}
	return b, nil
}

func (m *MemoryStore) AtomicAdjust(_ context.Context, adj domain.Adjustment) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.adjusted(map[balanceKey]decimal.Decimal{}, adj)
	if err != nil {
		return decimal.Zero, err
	}
	m.balances[balanceKey{adj.AccountID, adj.Kind}] = next
	return next, nil
}

func (m *MemoryStore) RecordTransaction(_ context.Context, rec domain.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Commit validates the whole posting against a scratch copy of the affected
// state and only then applies it.
func (m *MemoryStore) Commit(_ context.Context, p *domain.Posting) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.commitErr; err != nil {
		m.commitErr = nil
		return err
	}
	if _, dup := m.references[p.Reference]; dup {
		return fmt.Errorf("posting %s: %w", p.Reference, domain.ErrConflict)
	}

	var transitioned *domain.PendingTransfer
	if tr := p.Transition; tr != nil {
		cur, ok := m.pending[tr.ClaimCode]
		if !ok {
			return fmt.Errorf("pending transfer: %w", domain.ErrNotFound)
		}
		if !transitionApplies(cur, tr) {
			return fmt.Errorf("pending transfer no longer %s: %w", tr.From, domain.ErrInvalidState)
		}
		next := *cur
		next.Status = tr.To
		if tr.RecipientID != nil {
			id := *tr.RecipientID
			next.RecipientID = &id
		}
		at := tr.At
		next.ResolvedAt = &at
		transitioned = &next
	}

	if np := p.NewPending; np != nil {
		if _, exists := m.pending[np.ClaimCode]; exists {
			return domain.ErrDuplicateClaimCode
		}
	}

	if w := p.Withdrawal; w != nil {
		if cur, ok := m.withdrawals[w.ID]; ok && !cur.Status.Open() {
			return fmt.Errorf("withdrawal %s is %s: %w", w.ID, cur.Status, domain.ErrInvalidState)
		}
	}

	scratch := make(map[balanceKey]decimal.Decimal, len(p.Adjustments))
	for _, adj := range p.Adjustments {
		next, err := m.adjusted(scratch, adj)
		if err != nil {
			return err
		}
		scratch[balanceKey{adj.AccountID, adj.Kind}] = next
	}

	// Everything checked; apply.
	for k, v := range scratch {
		m.balances[k] = v
	}
	if transitioned != nil {
		m.pending[transitioned.ClaimCode] = transitioned
	}
	if np := p.NewPending; np != nil {
		c := *np
		m.pending[c.ClaimCode] = &c
	}
	if t := p.Transfer; t != nil {
		c := *t
		m.transfers[c.ID] = &c
	}
	if w := p.Withdrawal; w != nil {
		c := *w
		m.withdrawals[c.ID] = &c
	}
	m.records = append(m.records, p.Records...)
	m.references[p.Reference] = struct{}{}
	m.commits++
	return nil
}

// adjusted computes the balance after adj, reading pending values from
// scratch first. Callers hold mu.
func (m *MemoryStore) adjusted(scratch map[balanceKey]decimal.Decimal, adj domain.Adjustment) (decimal.Decimal, error) {
	key := balanceKey{adj.AccountID, adj.Kind}
	cur, ok := scratch[key]
	if !ok {
		cur, ok = m.balances[key]
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%s balance of %s: %w", adj.Kind, adj.AccountID, domain.ErrNotFound)
	}
	next := cur.Add(adj.Delta)
	if next.IsNegative() && !adj.Overdraft {
		return decimal.Zero, fmt.Errorf("%s balance of %s: %w", adj.Kind, adj.AccountID, domain.ErrInsufficientFunds)
	}
	return next, nil
}

func transitionApplies(cur *domain.PendingTransfer, tr *domain.PendingTransition) bool {
	if cur.Status != tr.From {
		return false
	}
	if tr.RequireUnexpired && cur.Expired(tr.At) {
		return false
	}
	if tr.RequireExpired && !cur.Expired(tr.At) {
		return false
	}
	return true
}

func (m *MemoryStore) GetPendingTransfer(_ context.Context, claimCode string) (*domain.PendingTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[claimCode]
	if !ok {
		return nil, fmt.Errorf("pending transfer: %w", domain.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (m *MemoryStore) ListExpiredPendingTransfers(_ context.Context, now time.Time, limit int) ([]*domain.PendingTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PendingTransfer
	for _, p := range m.pending {
		if p.Status == domain.PendingOpen && p.Expired(now) {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetWithdrawal(_ context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: %w", id, domain.ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, accountID uuid.UUID, limit int) ([]domain.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, domain.ErrNotFound)
	}
	var out []domain.TransactionRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].AccountID == accountID {
			out = append(out, m.records[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
