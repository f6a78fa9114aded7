package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPosting_Validate(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	tests := []struct {
		name    string
		posting Posting
		wantErr bool
	}{
		{
			name: "balanced",
			posting: Posting{
				Reference: uuid.New(),
				Adjustments: []Adjustment{
					Debit(a, BalanceMain, decimal.NewFromInt(100), RecordTransfer),
					Credit(b, BalanceMain, decimal.NewFromInt(100), RecordTransfer),
				},
			},
		},
		{
			name: "unbalanced",
			posting: Posting{
				Reference: uuid.New(),
				Adjustments: []Adjustment{
					Debit(a, BalanceMain, decimal.NewFromInt(100), RecordTransfer),
					Credit(b, BalanceMain, decimal.NewFromInt(90), RecordTransfer),
				},
			},
			wantErr: true,
		},
		{
			name:    "missing reference",
			posting: Posting{},
			wantErr: true,
		},
		{
			name: "zero delta",
			posting: Posting{
				Reference:   uuid.New(),
				Adjustments: []Adjustment{Credit(a, BalanceMain, decimal.Zero, RecordTransfer)},
			},
			wantErr: true,
		},
		{
			name: "finer than a cent",
			posting: Posting{
				Reference: uuid.New(),
				Adjustments: []Adjustment{
					Debit(a, BalanceMain, decimal.RequireFromString("100.005"), RecordTransfer),
					Credit(b, BalanceMain, decimal.RequireFromString("100.005"), RecordTransfer),
				},
			},
			wantErr: true,
		},
		{
			name:    "records only",
			posting: Posting{Reference: uuid.New()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.posting.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestWithdrawal_VerificationCodeFor(t *testing.T) {
	owner := uuid.New()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := &Withdrawal{
		ID:               uuid.New(),
		UserID:           owner,
		Status:           WithdrawalPending,
		VerificationCode: "482913",
		CodeExpiresAt:    created.Add(5 * time.Minute),
		CreatedAt:        created,
	}

	code, ok := w.VerificationCodeFor(owner, created.Add(time.Minute))
	assert.True(t, ok)
	assert.Equal(t, "482913", code)

	_, ok = w.VerificationCodeFor(uuid.New(), created.Add(time.Minute))
	assert.False(t, ok, "other viewers never see the code")

	_, ok = w.VerificationCodeFor(owner, created.Add(5*time.Minute))
	assert.False(t, ok, "code hidden once the window closes")

	w.Status = WithdrawalCompleted
	_, ok = w.VerificationCodeFor(owner, created.Add(time.Minute))
	assert.False(t, ok, "code hidden once the withdrawal leaves pending")
}

func TestPendingTransfer_Expired(t *testing.T) {
	exp := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	p := &PendingTransfer{ExpiresAt: exp}

	assert.False(t, p.Expired(exp.Add(-time.Second)))
	assert.True(t, p.Expired(exp))
	assert.True(t, p.Expired(exp.Add(time.Hour)))
}

func TestPendingStatus_Terminal(t *testing.T) {
	assert.False(t, PendingOpen.Terminal())
	assert.True(t, PendingClaimed.Terminal())
	assert.True(t, PendingExpired.Terminal())
	assert.True(t, PendingCancelled.Terminal())
}

func TestCommissionTier_Contains(t *testing.T) {
	tier := CommissionTier{
		OperationType: OperationDeposit,
		MinVolume:     decimal.NewFromInt(1_000_000),
		MaxVolume:     decimal.NewFromInt(5_000_000),
		Rate:          decimal.RequireFromString("0.006"),
	}
	assert.False(t, tier.Contains(decimal.NewFromInt(999_999)))
	assert.True(t, tier.Contains(decimal.NewFromInt(1_000_000)))
	assert.False(t, tier.Contains(decimal.NewFromInt(5_000_000)))

	open := CommissionTier{MinVolume: decimal.NewFromInt(5_000_000)}
	assert.True(t, open.Contains(decimal.NewFromInt(90_000_000)))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("agent")
	assert.NoError(t, err)
	assert.Equal(t, RoleAgent, r)

	_, err = ParseRole("superuser")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMonetaryOperation_Validate(t *testing.T) {
	op := MonetaryOperation{Amount: decimal.NewFromInt(10), Currency: "XAF", InitiatorID: uuid.New()}
	assert.NoError(t, op.Validate())

	op.Amount = decimal.Zero
	assert.ErrorIs(t, op.Validate(), ErrValidation)

	op.Amount = decimal.NewFromInt(-5)
	assert.ErrorIs(t, op.Validate(), ErrValidation)

	op.Amount = decimal.RequireFromString("10.001")
	assert.ErrorIs(t, op.Validate(), ErrValidation)
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount  string
		wantErr bool
	}{
		{"1", false},
		{"100.5", false},
		{"100.05", false},
		{"100.500", false},
		{"0.01", false},
		{"0", true},
		{"-1", true},
		{"100.005", true},
		{"0.001", true},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			err := ValidateAmount(decimal.RequireFromString(tt.amount))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestErrIdentityRequired_IsValidation(t *testing.T) {
	assert.ErrorIs(t, ErrIdentityRequired, ErrValidation)
}
