// Package fees resolves a priced operation to the fee owed by the initiator
// and the commission owed to a facilitating agent. Everything here is pure:
// the same inputs always yield the same quote.
package fees

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/moneycore/internal/domain"
)

// Channel is the path a transfer was initiated through.
type Channel string

const (
	ChannelStandard  Channel = "standard"
	ChannelProximity Channel = "proximity"
)

// ParseChannel converts a wire value into a Channel. Empty means standard.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case "":
		return ChannelStandard, nil
	case ChannelStandard, ChannelProximity:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, s)
}

// Built-in rates.
var (
	DepositCommissionRate    = decimal.RequireFromString("0.005")
	WithdrawalCommissionRate = decimal.RequireFromString("0.002")
	NationalProximityRate    = decimal.RequireFromString("0.01")
	BillPaymentRate          = decimal.RequireFromString("0.015")
)

// DefaultScale is the number of decimal places fees and commissions are
// rounded to.
const DefaultScale = domain.MoneyScale

// Context carries the non-amount inputs of a quote.
type Context struct {
	OriginCountry      string
	DestinationCountry string
	Role               domain.Role
	Channel            Channel
	// Volume is the agent's rolling volume. Nil skips tier lookup.
	Volume *decimal.Decimal
}

// Quote is the priced result of an operation. Total is what the initiator
// pays: Amount plus Fee. Commission is paid by the system, never by the
// initiator.
type Quote struct {
	Operation        domain.OperationType `json:"operation"`
	Amount           decimal.Decimal      `json:"amount"`
	Rate             decimal.Decimal      `json:"rate"`
	Fee              decimal.Decimal      `json:"fee"`
	Total            decimal.Decimal      `json:"total"`
	CommissionRate   decimal.Decimal      `json:"commission_rate"`
	CommissionAmount decimal.Decimal      `json:"commission_amount"`
}

// Engine prices operations from a read-only rate table and commission tiers.
type Engine struct {
	entries []domain.FeeScheduleEntry
	tiers   []domain.CommissionTier
	scale   int32
}

// NewEngine copies the schedule so later edits by the caller cannot change
// quotes already being computed.
func NewEngine(entries []domain.FeeScheduleEntry, tiers []domain.CommissionTier) *Engine {
	return &Engine{
		entries: append([]domain.FeeScheduleEntry(nil), entries...),
		tiers:   append([]domain.CommissionTier(nil), tiers...),
		scale:   DefaultScale,
	}
}

// WithScale returns a copy of the engine rounding to scale places.
func (e *Engine) WithScale(scale int32) *Engine {
	c := *e
	c.scale = scale
	return &c
}

// Quote prices amount for op in the given context.
//
// Deposits and withdrawals cost the client nothing; the agent earns a
// commission. Transfers pay a rate resolved from the table, except national
// proximity payments which pay a flat 1%. Bill payments pay a flat 1.5%.
// Any combination without a rule is a configuration error.
func (e *Engine) Quote(op domain.OperationType, amount decimal.Decimal, qc Context) (Quote, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return Quote{}, err
	}

	q := Quote{
		Operation:        op,
		Amount:           amount,
		Rate:             decimal.Zero,
		Fee:              decimal.Zero,
		CommissionRate:   decimal.Zero,
		CommissionAmount: decimal.Zero,
	}

	switch op {
	case domain.OperationTransfer:
		rate, err := e.transferRate(qc)
		if err != nil {
			return Quote{}, err
		}
		q.Rate = rate
		q.Fee = e.round(amount.Mul(rate))

	case domain.OperationDeposit, domain.OperationWithdrawal:
		if qc.Role != domain.RoleAgent {
			return Quote{}, fmt.Errorf("%w: %s by role %q", domain.ErrConfiguration, op, qc.Role)
		}
		rate := e.commissionRate(op, qc)
		q.CommissionRate = rate
		q.CommissionAmount = e.round(amount.Mul(rate))

	case domain.OperationBillPayment:
		q.Rate = BillPaymentRate
		q.Fee = e.round(amount.Mul(BillPaymentRate))

	default:
		return Quote{}, fmt.Errorf("%w: unknown operation %q", domain.ErrConfiguration, op)
	}

	q.Total = amount.Add(q.Fee)
	return q, nil
}

func (e *Engine) transferRate(qc Context) (decimal.Decimal, error) {
	origin, dest := normalize(qc.OriginCountry), normalize(qc.DestinationCountry)
	if origin == "" || dest == "" {
		return decimal.Zero, fmt.Errorf("%w: origin and destination countries are required", domain.ErrValidation)
	}

	if qc.Channel == ChannelProximity && origin == dest {
		return NationalProximityRate, nil
	}

	var wildcard *domain.FeeScheduleEntry
	for i := range e.entries {
		entry := &e.entries[i]
		if entry.OperationType != domain.OperationTransfer || entry.ActorRole != qc.Role {
			continue
		}
		if normalize(entry.OriginCountry) != origin {
			continue
		}
		switch normalize(entry.DestinationCountry) {
		case dest:
			return entry.FeeRate, nil
		case "":
			if wildcard == nil {
				wildcard = entry
			}
		}
	}
	if wildcard != nil {
		return wildcard.FeeRate, nil
	}
	return decimal.Zero, fmt.Errorf("%w: no transfer rate for %s->%s role %q", domain.ErrConfiguration, origin, dest, qc.Role)
}

// commissionRate picks, in order: a matching volume tier, a rate-table entry
// for the agent's country, then the built-in default.
func (e *Engine) commissionRate(op domain.OperationType, qc Context) decimal.Decimal {
	if qc.Volume != nil {
		for _, tier := range e.tiers {
			if tier.OperationType == op && tier.Contains(*qc.Volume) {
				return tier.Rate
			}
		}
	}

	origin := normalize(qc.OriginCountry)
	for _, entry := range e.entries {
		if entry.OperationType == op && entry.ActorRole == domain.RoleAgent &&
			normalize(entry.OriginCountry) == origin && !entry.CommissionRate.IsZero() {
			return entry.CommissionRate
		}
	}

	if op == domain.OperationDeposit {
		return DepositCommissionRate
	}
	return WithdrawalCommissionRate
}

func (e *Engine) round(d decimal.Decimal) decimal.Decimal {
	return d.Round(e.scale)
}

func normalize(country string) string {
	return strings.ToUpper(strings.TrimSpace(country))
}
