package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seed(t *testing.T) (*MemoryStore, domain.Account, domain.Account) {
	t.Helper()
	m := NewMemoryStore()
	alice := domain.Account{ID: uuid.New(), FullName: "Alice", Phone: "+237600000001", Country: "CM", Role: domain.RoleUser}
	bob := domain.Account{ID: uuid.New(), FullName: "Bob", Phone: "+237600000002", Country: "CM", Role: domain.RoleAgent}
	m.AddAccount(alice, d("100"))
	m.AddAccount(bob, d("0"))
	return m, alice, bob
}

func TestMemoryStore_CommitAppliesEverything(t *testing.T) {
	ctx := context.Background()
	m, alice, bob := seed(t)
	ref := uuid.New()
	now := time.Now()

	p := &domain.Posting{
		Reference: ref,
		Adjustments: []domain.Adjustment{
			domain.Debit(alice.ID, domain.BalanceMain, d("40"), domain.RecordTransfer),
			domain.Credit(bob.ID, domain.BalanceMain, d("40"), domain.RecordTransfer),
		},
		Records: []domain.TransactionRecord{
			domain.NewRecord(ref, domain.RecordTransfer, alice.ID, d("-40"), "XAF", now),
		},
	}
	require.NoError(t, m.Commit(ctx, p))

	a, _ := m.GetBalance(ctx, alice.ID, domain.BalanceMain)
	b, _ := m.GetBalance(ctx, bob.ID, domain.BalanceMain)
	assert.True(t, a.Equal(d("60")))
	assert.True(t, b.Equal(d("40")))
	assert.Equal(t, 1, m.Commits())

	recs, err := m.ListTransactions(ctx, alice.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemoryStore_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m, alice, bob := seed(t)

	// Second adjustment overdraws bob, so the first must not apply either.
	p := &domain.Posting{
		Reference: uuid.New(),
		Adjustments: []domain.Adjustment{
			domain.Credit(alice.ID, domain.BalanceMain, d("10"), domain.RecordTransfer),
			domain.Debit(bob.ID, domain.BalanceMain, d("10"), domain.RecordTransfer),
		},
	}
	err := m.Commit(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	a, _ := m.GetBalance(ctx, alice.ID, domain.BalanceMain)
	assert.True(t, a.Equal(d("100")))
	assert.Equal(t, 0, m.Commits())
}

func TestMemoryStore_OverdraftAllowedForSystemAccounts(t *testing.T) {
	ctx := context.Background()
	m, alice, _ := seed(t)
	sys := domain.Account{ID: uuid.New(), FullName: "Revenue", Role: domain.RoleAdmin}
	m.AddAccount(sys, decimal.Zero)

	adj := domain.Debit(sys.ID, domain.BalanceMain, d("5"), domain.RecordCommission)
	adj.Overdraft = true
	p := &domain.Posting{
		Reference:   uuid.New(),
		Adjustments: []domain.Adjustment{adj, domain.Credit(alice.ID, domain.BalanceMain, d("5"), domain.RecordCommission)},
	}
	require.NoError(t, m.Commit(ctx, p))

	b, _ := m.GetBalance(ctx, sys.ID, domain.BalanceMain)
	assert.True(t, b.Equal(d("-5")))
}

func TestMemoryStore_RejectsReplayedReference(t *testing.T) {
	ctx := context.Background()
	m, alice, bob := seed(t)
	p := &domain.Posting{
		Reference: uuid.New(),
		Adjustments: []domain.Adjustment{
			domain.Debit(alice.ID, domain.BalanceMain, d("1"), domain.RecordTransfer),
			domain.Credit(bob.ID, domain.BalanceMain, d("1"), domain.RecordTransfer),
		},
	}
	require.NoError(t, m.Commit(ctx, p))
	assert.ErrorIs(t, m.Commit(ctx, p), domain.ErrConflict)
}

func TestMemoryStore_RejectsUnbalancedPosting(t *testing.T) {
	m, alice, _ := seed(t)
	p := &domain.Posting{
		Reference:   uuid.New(),
		Adjustments: []domain.Adjustment{domain.Debit(alice.ID, domain.BalanceMain, d("1"), domain.RecordTransfer)},
	}
	assert.ErrorIs(t, m.Commit(context.Background(), p), domain.ErrValidation)
}

func TestMemoryStore_PendingTransition(t *testing.T) {
	ctx := context.Background()
	m, alice, bob := seed(t)
	now := time.Now()

	pending := &domain.PendingTransfer{
		ID: uuid.New(), TransferID: uuid.New(), SenderID: alice.ID,
		Amount: d("10"), Currency: "XAF", ClaimCode: "ABCDEFGHJK",
		Status: domain.PendingOpen, ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}
	require.NoError(t, m.Commit(ctx, &domain.Posting{Reference: uuid.New(), NewPending: pending}))

	dup := *pending
	dup.ID = uuid.New()
	assert.ErrorIs(t, m.Commit(ctx, &domain.Posting{Reference: uuid.New(), NewPending: &dup}), domain.ErrDuplicateClaimCode)

	claim := func() error {
		return m.Commit(ctx, &domain.Posting{
			Reference: uuid.New(),
			Transition: &domain.PendingTransition{
				ClaimCode: "ABCDEFGHJK", From: domain.PendingOpen, To: domain.PendingClaimed,
				RecipientID: &bob.ID, At: now, RequireUnexpired: true,
			},
		})
	}
	require.NoError(t, claim())
	assert.ErrorIs(t, claim(), domain.ErrInvalidState)

	got, err := m.GetPendingTransfer(ctx, "ABCDEFGHJK")
	require.NoError(t, err)
	assert.Equal(t, domain.PendingClaimed, got.Status)
	require.NotNil(t, got.RecipientID)
	assert.Equal(t, bob.ID, *got.RecipientID)
	assert.Equal(t, 0, m.OpenPendingCount())

	_, err = m.GetPendingTransfer(ctx, "NOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_ListExpired(t *testing.T) {
	ctx := context.Background()
	m, alice, _ := seed(t)
	now := time.Now()

	for i, code := range []string{"AAAAAAAAAA", "BBBBBBBBBB", "CCCCCCCCCC"} {
		p := &domain.PendingTransfer{
			ID: uuid.New(), TransferID: uuid.New(), SenderID: alice.ID,
			Amount: d("1"), Currency: "XAF", ClaimCode: code, Status: domain.PendingOpen,
			ExpiresAt: now.Add(time.Duration(i-2) * time.Hour), CreatedAt: now,
		}
		require.NoError(t, m.Commit(ctx, &domain.Posting{Reference: uuid.New(), NewPending: p}))
	}

	out, err := m.ListExpiredPendingTransfers(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "AAAAAAAAAA", out[0].ClaimCode)

	out, err = m.ListExpiredPendingTransfers(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestMemoryStore_ClosedWithdrawalCannotMove(t *testing.T) {
	ctx := context.Background()
	m, alice, _ := seed(t)
	now := time.Now()
	w := &domain.Withdrawal{
		ID: uuid.New(), UserID: alice.ID, Amount: d("5"), Currency: "XAF",
		Status: domain.WithdrawalRejected, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, m.Commit(ctx, &domain.Posting{Reference: uuid.New(), Withdrawal: w}))

	w2 := *w
	w2.Status = domain.WithdrawalCompleted
	assert.ErrorIs(t, m.Commit(ctx, &domain.Posting{Reference: uuid.New(), Withdrawal: &w2}), domain.ErrInvalidState)
}

func TestMemoryStore_FailNextCommit(t *testing.T) {
	m, alice, bob := seed(t)
	boom := errors.New("disk full")
	m.FailNextCommit(boom)

	p := &domain.Posting{
		Reference: uuid.New(),
		Adjustments: []domain.Adjustment{
			domain.Debit(alice.ID, domain.BalanceMain, d("1"), domain.RecordTransfer),
			domain.Credit(bob.ID, domain.BalanceMain, d("1"), domain.RecordTransfer),
		},
	}
	assert.ErrorIs(t, m.Commit(context.Background(), p), boom)
	assert.NoError(t, m.Commit(context.Background(), p))
}

func TestMemoryStore_AtomicAdjust(t *testing.T) {
	ctx := context.Background()
	m, alice, _ := seed(t)

	b, err := m.AtomicAdjust(ctx, domain.Debit(alice.ID, domain.BalanceMain, d("30"), domain.RecordWithdrawal))
	require.NoError(t, err)
	assert.True(t, b.Equal(d("70")))

	_, err = m.AtomicAdjust(ctx, domain.Debit(alice.ID, domain.BalanceMain, d("71"), domain.RecordWithdrawal))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = m.AtomicAdjust(ctx, domain.Credit(alice.ID, domain.BalanceCommission, d("1"), domain.RecordCommission))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryStore_LookupAndPIN(t *testing.T) {
	ctx := context.Background()
	m, alice, _ := seed(t)

	got, err := m.LookupAccountByPhone(ctx, alice.Phone, "cm")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = m.LookupAccountByPhone(ctx, alice.Phone, "GA")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, m.SetPIN(alice.ID, "1234"))
	ok, err := m.VerifySecret(ctx, alice.ID, "1234")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.VerifySecret(ctx, alice.ID, "0000")
	assert.False(t, ok)
	ok, _ = m.VerifySecret(ctx, uuid.New(), "1234")
	assert.False(t, ok)
}
