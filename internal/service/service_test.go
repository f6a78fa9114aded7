package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/moneycore/internal/confirm"
	"github.com/punchamoorthee/moneycore/internal/domain"
	"github.com/punchamoorthee/moneycore/internal/events"
	"github.com/punchamoorthee/moneycore/internal/fees"
	"github.com/punchamoorthee/moneycore/internal/store"
)

const testPIN = "4321"

var (
	revenueID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	escrowID  = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	ctx         context.Context
	store       *store.MemoryStore
	events      *events.Recorder
	clock       *clock
	gate        *confirm.Gate
	transfers   *TransferService
	claims      *ClaimService
	agents      *AgentService
	withdrawals *WithdrawalService
	opts        Options

	alice, bob, carol, agent, client, foreign domain.Account
}

type harnessOption func(*Options)

func newHarness(t *testing.T, mods ...harnessOption) *harness {
	return newHarnessWithVerifier(t, nil, mods...)
}

func newHarnessWithVerifier(t *testing.T, secrets confirm.SecretVerifier, mods ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		ctx:    context.Background(),
		store:  store.NewMemoryStore(),
		events: events.NewRecorder(),
		clock:  &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	h.store.AddAccount(domain.Account{ID: revenueID, FullName: "Revenue", Role: domain.RoleAdmin, Country: "CM"}, decimal.Zero)
	h.store.AddAccount(domain.Account{ID: escrowID, FullName: "Escrow", Role: domain.RoleAdmin, Country: "CM"}, decimal.Zero)

	add := func(name, phone, country string, role domain.Role, balance string) domain.Account {
		a := domain.Account{ID: uuid.New(), FullName: name, Phone: phone, Country: country, Role: role}
		h.store.AddAccount(a, dec(balance))
		require.NoError(t, h.store.SetPIN(a.ID, testPIN))
		return a
	}
	h.alice = add("Alice Mbarga", "+237690000001", "CM", domain.RoleUser, "10000")
	h.bob = add("Bob Etoa", "+237690000002", "CM", domain.RoleUser, "0")
	h.carol = add("Carol Nji", "+237690000003", "CM", domain.RoleUser, "0")
	h.agent = add("Agent Douala", "+237690000100", "CM", domain.RoleAgent, "50000")
	h.client = add("Client Fouda", "+237690000200", "CM", domain.RoleUser, "20000")
	h.foreign = add("Client Libreville", "+241060000300", "GA", domain.RoleUser, "5000")

	engine := fees.NewEngine([]domain.FeeScheduleEntry{
		{OperationType: domain.OperationTransfer, OriginCountry: "CM", DestinationCountry: "CM", ActorRole: domain.RoleUser, FeeRate: dec("0.02")},
		{OperationType: domain.OperationTransfer, OriginCountry: "CM", ActorRole: domain.RoleUser, FeeRate: dec("0.03")},
	}, nil)

	if secrets == nil {
		secrets = h.store
	}
	h.gate = confirm.NewGate(secrets, nil, confirm.Options{Now: h.clock.Now}, zerolog.Nop())

	opts := Options{
		Currency:       "XAF",
		RevenueAccount: revenueID,
		EscrowAccount:  escrowID,
		TopicPrefix:    "moneycore",
		Now:            h.clock.Now,
	}
	for _, m := range mods {
		m(&opts)
	}
	h.opts = opts

	h.transfers = NewTransferService(h.store, engine, h.gate, h.events, opts, zerolog.Nop())
	h.claims = NewClaimService(h.store, h.events, opts, zerolog.Nop())
	h.agents = NewAgentService(h.store, engine, h.gate, h.events, opts, zerolog.Nop())
	h.withdrawals = NewWithdrawalService(h.store, opts, zerolog.Nop())
	return h
}

func (h *harness) balance(t *testing.T, id uuid.UUID, kind domain.BalanceKind) decimal.Decimal {
	t.Helper()
	b, err := h.store.GetBalance(h.ctx, id, kind)
	require.NoError(t, err)
	return b
}

func (h *harness) assertBalance(t *testing.T, id uuid.UUID, kind domain.BalanceKind, want string) {
	t.Helper()
	got := h.balance(t, id, kind)
	assert.Truef(t, got.Equal(dec(want)), "balance %s: got %s, want %s", kind, got, want)
}

// conserved asserts that no money was created or destroyed.
func (h *harness) conserved(t *testing.T) {
	t.Helper()
	total := decimal.Zero
	for _, id := range []uuid.UUID{revenueID, escrowID, h.alice.ID, h.bob.ID, h.carol.ID, h.agent.ID, h.client.ID, h.foreign.ID} {
		total = total.Add(h.balance(t, id, domain.BalanceMain))
	}
	total = total.Add(h.balance(t, h.agent.ID, domain.BalanceCommission))
	assert.Truef(t, total.Equal(dec("85000")), "total money %s", total)
}

func secret(account uuid.UUID, pin string) ConfirmInput {
	return ConfirmInput{AccountID: account, Kind: string(confirm.KindSecret), Secret: pin}
}
