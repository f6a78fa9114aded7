package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

func TestWithdrawalRequest(t *testing.T) {
	h := newHarness(t)

	v, err := h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: h.client.ID, Amount: dec("2500")})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, v.Status)
	assert.Equal(t, h.client.Phone, v.WithdrawalPhone, "defaults to the account phone")
	assert.Regexp(t, `^\d{6}$`, v.VerificationCode)
	require.NotNil(t, v.CodeExpiresAt)
	assert.Equal(t, h.clock.Now().Add(5*time.Minute), *v.CodeExpiresAt)

	// Registering a request moves no money.
	h.assertBalance(t, h.client.ID, domain.BalanceMain, "20000")
	history, err := h.store.ListTransactions(h.ctx, h.client.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.RecordWithdrawalRequest, history[0].Kind)
	assert.True(t, history[0].Amount.IsZero(), "the request row carries no amount")
	assert.True(t, v.Amount.Equal(dec("2500")))

	got, err := h.withdrawals.Get(h.ctx, v.ID, h.client.ID)
	require.NoError(t, err)
	assert.Equal(t, v.VerificationCode, got.VerificationCode)

	_, err = h.withdrawals.Get(h.ctx, v.ID, h.alice.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	h.clock.Advance(5 * time.Minute)
	got, err = h.withdrawals.Get(h.ctx, v.ID, h.client.ID)
	require.NoError(t, err)
	assert.Empty(t, got.VerificationCode, "the code is hidden once its window closes")
	assert.Nil(t, got.CodeExpiresAt)
}

func TestWithdrawalRequest_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: h.client.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.withdrawals.Request(h.ctx, RequestWithdrawalInput{Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: h.client.ID, Amount: dec("10.005")})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: uuid.New(), Amount: dec("1")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithdrawalReject(t *testing.T) {
	h := newHarness(t)
	v, err := h.withdrawals.Request(h.ctx, RequestWithdrawalInput{UserID: h.client.ID, Amount: dec("100"), Phone: "+237655555555"})
	require.NoError(t, err)
	assert.Equal(t, "+237655555555", v.WithdrawalPhone)

	_, err = h.withdrawals.Reject(h.ctx, v.ID, h.alice.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	rejected, err := h.withdrawals.Reject(h.ctx, v.ID, h.client.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalRejected, rejected.Status)
	assert.Empty(t, rejected.VerificationCode)

	_, err = h.withdrawals.Reject(h.ctx, v.ID, h.client.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	reqID := v.ID
	_, err = h.agents.StartWithdrawal(h.ctx, StartAgentInput{AgentID: h.agent.ID, ClientPhone: h.client.Phone, RequestID: &reqID})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}
