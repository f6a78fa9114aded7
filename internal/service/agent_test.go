package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/moneycore/internal/domain"
	"github.com/punchamoorthee/moneycore/internal/events"
)

func (h *harness) clientToken() string {
	return IdentityToken{AccountID: h.client.ID, Phone: h.client.Phone}.String()
}

func (h *harness) scan(t *testing.T, opID uuid.UUID, code string) *AgentOperation {
	t.Helper()
	op, err := h.agents.VerifyIdentity(h.ctx, opID, IdentityProof{
		AgentID: h.agent.ID, Method: ProofScan, Token: h.clientToken(), VerificationCode: code,
	})
	require.NoError(t, err)
	return op
}

func TestAgent_LookupClient(t *testing.T) {
	h := newHarness(t)

	view, err := h.agents.LookupClient(h.ctx, h.agent.ID, h.client.Phone)
	require.NoError(t, err)
	assert.Equal(t, h.client.ID, view.ID)
	assert.Equal(t, "Client Fouda", view.FullName)

	_, err = h.agents.LookupClient(h.ctx, h.agent.ID, h.foreign.Phone)
	assert.ErrorIs(t, err, domain.ErrJurisdiction)

	_, err = h.agents.LookupClient(h.ctx, h.agent.ID, "+237600000000")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.agents.LookupClient(h.ctx, h.alice.ID, h.client.Phone)
	assert.ErrorIs(t, err, domain.ErrValidation, "only agents look clients up")
}

func TestAgent_Deposit(t *testing.T) {
	h := newHarness(t)

	op, err := h.agents.StartDeposit(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("10000")})
	require.NoError(t, err)
	assert.True(t, op.Quote.Fee.IsZero(), "clients pay nothing for a deposit")
	assert.True(t, op.Quote.CommissionAmount.Equal(dec("50")))

	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	require.NoError(t, err)
	done, err := h.agents.Commit(h.ctx, op.ID, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, DraftCommitted, done.State)
	require.NotNil(t, done.Reference)

	h.assertBalance(t, h.agent.ID, domain.BalanceMain, "40000")
	h.assertBalance(t, h.client.ID, domain.BalanceMain, "30000")
	h.assertBalance(t, h.agent.ID, domain.BalanceCommission, "50")
	h.assertBalance(t, revenueID, domain.BalanceMain, "-50")
	h.conserved(t)

	bal, err := h.agents.Balances(h.ctx, h.agent.ID)
	require.NoError(t, err)
	assert.True(t, bal.MainBalance.Equal(dec("40000")))
	assert.True(t, bal.CommissionBalance.Equal(dec("50")))

	require.Len(t, h.events.Events("moneycore."+events.AgentDeposit), 1)
}

func TestAgent_DepositBeyondFloat(t *testing.T) {
	h := newHarness(t)
	_, err := h.agents.StartDeposit(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("50000.01")})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	op, err := h.agents.StartDeposit(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("100")})
	require.NoError(t, err)
	_, err = h.agents.UpdateAmount(h.ctx, op.ID, h.agent.ID, dec("60000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err := h.agents.Get(h.ctx, op.ID, h.agent.ID)
	require.NoError(t, err)
	assert.True(t, got.Quote.Amount.Equal(dec("100")), "a failed re-quote keeps the previous quote")
}

func TestAgent_DepositRejections(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		in   StartAgentInput
		want error
	}{
		{"foreign client", StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.foreign.Phone, Amount: dec("10")}, domain.ErrJurisdiction},
		{"not an agent", StartAgentInput{AgentID: h.alice.ID, ClientPhone: h.client.Phone, Amount: dec("10")}, domain.ErrValidation},
		{"own account", StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.agent.Phone, Amount: dec("10")}, domain.ErrValidation},
		{"no phone", StartAgentInput{AgentID: h.agent.ID, Amount: dec("10")}, domain.ErrValidation},
		{"zero amount", StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.agents.StartDeposit(h.ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAgent_DepositStaleQuote(t *testing.T) {
	h := newHarness(t)
	op, err := h.agents.StartDeposit(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("1000")})
	require.NoError(t, err)
	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	require.NoError(t, err)

	_, err = h.agents.UpdateAmount(h.ctx, op.ID, h.agent.ID, dec("1500"))
	require.NoError(t, err)

	_, err = h.agents.Commit(h.ctx, op.ID, h.agent.ID)
	assert.ErrorIs(t, err, domain.ErrStaleQuote)
	h.assertBalance(t, h.client.ID, domain.BalanceMain, "20000")
}

func TestAgent_WithdrawalRequiresScannedIdentity(t *testing.T) {
	h := newHarness(t)
	op, err := h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("5000")})
	require.NoError(t, err)
	assert.False(t, op.IdentityVerified)

	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	assert.ErrorIs(t, err, domain.ErrIdentityRequired)

	_, err = h.agents.Commit(h.ctx, op.ID, h.agent.ID)
	assert.ErrorIs(t, err, domain.ErrIdentityRequired)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.agents.VerifyIdentity(h.ctx, op.ID, IdentityProof{AgentID: h.agent.ID, Method: ProofManual})
	assert.ErrorIs(t, err, domain.ErrIdentityRequired, "manual proof never verifies")

	wrong := IdentityToken{AccountID: h.alice.ID, Phone: h.alice.Phone}.String()
	_, err = h.agents.VerifyIdentity(h.ctx, op.ID, IdentityProof{AgentID: h.agent.ID, Method: ProofScan, Token: wrong})
	assert.ErrorIs(t, err, domain.ErrIdentityMismatch)

	wrongPhone := IdentityToken{AccountID: h.client.ID, Phone: h.alice.Phone}.String()
	_, err = h.agents.VerifyIdentity(h.ctx, op.ID, IdentityProof{AgentID: h.agent.ID, Method: ProofScan, Token: wrongPhone})
	assert.ErrorIs(t, err, domain.ErrIdentityMismatch)

	_, err = h.agents.VerifyIdentity(h.ctx, op.ID, IdentityProof{AgentID: h.agent.ID, Method: ProofScan, Token: "not-a-token"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	got, err := h.agents.Get(h.ctx, op.ID, h.agent.ID)
	require.NoError(t, err)
	assert.False(t, got.IdentityVerified)
	h.assertBalance(t, h.client.ID, domain.BalanceMain, "20000")
}

func TestAgent_Withdrawal(t *testing.T) {
	h := newHarness(t)
	op, err := h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("20000")})
	require.NoError(t, err)
	assert.True(t, op.Quote.CommissionAmount.Equal(dec("40")))

	verified := h.scan(t, op.ID, "")
	assert.True(t, verified.IdentityVerified)

	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	require.NoError(t, err)
	done, err := h.agents.Commit(h.ctx, op.ID, h.agent.ID)
	require.NoError(t, err)
	assert.Equal(t, DraftCommitted, done.State)

	h.assertBalance(t, h.client.ID, domain.BalanceMain, "0")
	h.assertBalance(t, h.agent.ID, domain.BalanceMain, "70000")
	h.assertBalance(t, h.agent.ID, domain.BalanceCommission, "40")
	h.conserved(t)

	recs, err := h.store.ListTransactions(h.ctx, h.client.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.RecordWithdrawal, recs[0].Kind)
	require.Len(t, h.events.Events("moneycore."+events.AgentWithdrawal), 1)
}

func TestAgent_WithdrawalClientShort(t *testing.T) {
	h := newHarness(t)
	op, err := h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("20000.50")})
	require.NoError(t, err)
	h.scan(t, op.ID, "")
	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	require.NoError(t, err)

	_, err = h.agents.Commit(h.ctx, op.ID, h.agent.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, 0, h.store.Commits())
}

func TestAgent_WithdrawalAgainstRequest(t *testing.T) {
	h := newHarness(t)
	req, err := h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: h.client.ID, Amount: dec("5000")})
	require.NoError(t, err)
	require.Len(t, req.VerificationCode, 6)

	reqID := req.ID
	op, err := h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, RequestID: &reqID})
	require.NoError(t, err)
	assert.True(t, op.Quote.Amount.Equal(dec("5000")), "the requested amount is used")

	_, err = h.agents.UpdateAmount(h.ctx, op.ID, h.agent.ID, dec("6000"))
	assert.ErrorIs(t, err, domain.ErrValidation)

	wrong := "000000"
	if req.VerificationCode == wrong {
		wrong = "111111"
	}
	_, err = h.agents.VerifyIdentity(h.ctx, op.ID, IdentityProof{
		AgentID: h.agent.ID, Method: ProofScan, Token: h.clientToken(), VerificationCode: wrong,
	})
	assert.ErrorIs(t, err, domain.ErrIdentityMismatch)

	h.scan(t, op.ID, req.VerificationCode)
	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	require.NoError(t, err)
	_, err = h.agents.Commit(h.ctx, op.ID, h.agent.ID)
	require.NoError(t, err)

	w, err := h.withdrawals.Get(h.ctx, req.ID, h.client.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalCompleted, w.Status)
	require.NotNil(t, w.AgentID)
	assert.Equal(t, h.agent.ID, *w.AgentID)
	assert.Empty(t, w.VerificationCode, "a completed request no longer shows its code")

	h.assertBalance(t, h.client.ID, domain.BalanceMain, "15000")

	_, err = h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, RequestID: &reqID})
	assert.ErrorIs(t, err, domain.ErrInvalidState, "a request is served once")
}

func TestAgent_ExpiredVerificationCodeDoesNotUnlock(t *testing.T) {
	h := newHarness(t)
	req, err := h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: h.client.ID, Amount: dec("5000")})
	require.NoError(t, err)
	code := req.VerificationCode

	reqID := req.ID
	op, err := h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, RequestID: &reqID})
	require.NoError(t, err)

	h.clock.Advance(6 * time.Minute)
	view, err := h.withdrawals.Get(h.ctx, req.ID, h.client.ID)
	require.NoError(t, err)
	assert.Empty(t, view.VerificationCode)

	_, err = h.agents.VerifyIdentity(h.ctx, op.ID, IdentityProof{
		AgentID: h.agent.ID, Method: ProofScan, Token: h.clientToken(), VerificationCode: code,
	})
	assert.ErrorIs(t, err, domain.ErrIdentityMismatch)

	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	assert.ErrorIs(t, err, domain.ErrIdentityRequired)
	_, err = h.agents.Commit(h.ctx, op.ID, h.agent.ID)
	assert.ErrorIs(t, err, domain.ErrIdentityRequired)
	h.assertBalance(t, h.client.ID, domain.BalanceMain, "20000")
}

func TestAgent_RequestOfAnotherClient(t *testing.T) {
	h := newHarness(t)
	req, err := h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: h.alice.ID, Amount: dec("100")})
	require.NoError(t, err)

	reqID := req.ID
	_, err = h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, RequestID: &reqID})
	assert.ErrorIs(t, err, domain.ErrIdentityMismatch)

	_, err = h.agents.StartDeposit(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.alice.Phone, Amount: dec("1"), RequestID: &reqID})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAgent_OperationIsPrivateToAgent(t *testing.T) {
	h := newHarness(t)
	op, err := h.agents.StartDeposit(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, Amount: dec("100")})
	require.NoError(t, err)

	_, err = h.agents.Get(h.ctx, op.ID, h.alice.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.agents.Commit(h.ctx, op.ID, h.alice.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The failed checkout released the draft.
	_, _, err = h.agents.Confirm(h.ctx, op.ID, secret(h.agent.ID, testPIN))
	require.NoError(t, err)
}
