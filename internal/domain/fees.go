package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OperationType names a priced money movement.
type OperationType string

const (
	OperationTransfer    OperationType = "transfer"
	OperationDeposit     OperationType = "deposit"
	OperationWithdrawal  OperationType = "withdrawal"
	OperationBillPayment OperationType = "bill_payment"
)

// ParseOperationType converts a wire value into an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	switch op := OperationType(s); op {
	case OperationTransfer, OperationDeposit, OperationWithdrawal, OperationBillPayment:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrValidation, s)
}

// FeeScheduleEntry prices one (operation, origin, destination, role) key.
// An empty DestinationCountry matches any destination.
type FeeScheduleEntry struct {
	OperationType      OperationType   `json:"operation_type"`
	OriginCountry      string          `json:"origin_country"`
	DestinationCountry string          `json:"destination_country,omitempty"`
	ActorRole          Role            `json:"actor_role"`
	FeeRate            decimal.Decimal `json:"fee_rate"`
	CommissionRate     decimal.Decimal `json:"commission_rate"`
}

// CommissionTier overrides the commission rate for agents whose rolling
// volume falls in [MinVolume, MaxVolume). A zero MaxVolume is unbounded.
type CommissionTier struct {
	OperationType OperationType   `json:"operation_type"`
	MinVolume     decimal.Decimal `json:"min_volume"`
	MaxVolume     decimal.Decimal `json:"max_volume"`
	Rate          decimal.Decimal `json:"rate"`
}

// Contains reports whether volume falls inside the tier.
func (t CommissionTier) Contains(volume decimal.Decimal) bool {
	if volume.LessThan(t.MinVolume) {
		return false
	}
	return t.MaxVolume.IsZero() || volume.LessThan(t.MaxVolume)
}
