// Package amortization computes interest-free installment schedules for
// salary-advance loans. Every function is pure: no storage, no clock.
package amortization

import (
	"fmt"
	"time"

	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	// MinorUnits is the number of decimal places of the payroll currency.
	MinorUnits = models.MinorUnits
	// MaxDurationMonths caps the number of entries in any schedule.
	MaxDurationMonths = models.MaxDurationMonths
)

var one = decimal.NewFromInt(1)

// Entry is one scheduled repayment before it is persisted as an installment.
type Entry struct {
	Number  int             `json:"number"`
	DueDate time.Time       `json:"due_date"`
	Amount  decimal.Decimal `json:"amount"`
}

// Plan is the result of sizing a schedule.
type Plan struct {
	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	DurationMonths    int             `json:"duration_months"`
	Schedule          []Entry         `json:"schedule"`
}

// Round2 rounds to the currency's minor unit, half away from zero.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnits)
}

// GenerateSchedule produces ceil(principal/installmentAmount) monthly entries
// starting at startDate. The final entry absorbs the remainder.
func GenerateSchedule(principal, installmentAmount decimal.Decimal, startDate time.Time) ([]Entry, error) {
	if principal.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: principal must be positive, got %s", models.ErrInvalidAmount, principal)
	}
	if installmentAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: installment amount must be positive, got %s", models.ErrInvalidTermKind, installmentAmount)
	}
	if !installmentAmount.Equal(Round2(installmentAmount)) {
		return nil, fmt.Errorf("%w: installment amount must have at most %d decimal places, got %s", models.ErrInvalidTermKind, MinorUnits, installmentAmount)
	}

	q, r := principal.QuoRem(installmentAmount, 0)
	if r.GreaterThan(decimal.Zero) {
		q = q.Add(one)
	}
	if q.GreaterThan(decimal.NewFromInt(MaxDurationMonths)) {
		return nil, fmt.Errorf("%w: %s at %s per month needs %s installments, more than %d", models.ErrInvalidTermKind, principal, installmentAmount, q, MaxDurationMonths)
	}
	count := int(q.IntPart())
	return build(principal, installmentAmount, count, startDate), nil
}

// GenerateScheduleByDuration splits principal into durationMonths entries of
// round2(principal/durationMonths); the final entry absorbs rounding.
func GenerateScheduleByDuration(principal decimal.Decimal, durationMonths int, startDate time.Time) ([]Entry, error) {
	if principal.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: principal must be positive, got %s", models.ErrInvalidAmount, principal)
	}
	if durationMonths <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %d", models.ErrInvalidTermKind, durationMonths)
	}
	if durationMonths > MaxDurationMonths {
		return nil, fmt.Errorf("%w: duration exceeds %d months, got %d", models.ErrInvalidTermKind, MaxDurationMonths, durationMonths)
	}

	amount := Round2(principal.Div(decimal.NewFromInt(int64(durationMonths))))
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s over %d months rounds to zero", models.ErrInvalidAmount, principal, durationMonths)
	}
	return build(principal, amount, durationMonths, startDate), nil
}

// Generate dispatches on the terms variant.
func Generate(principal decimal.Decimal, terms models.Terms, startDate time.Time) ([]Entry, error) {
	switch t := terms.(type) {
	case models.FixedInstallment:
		return GenerateSchedule(principal, t.Amount, startDate)
	case models.FixedDuration:
		return GenerateScheduleByDuration(principal, t.Months, startDate)
	case nil:
		return nil, fmt.Errorf("%w: terms are required", models.ErrInvalidTermKind)
	}
	return nil, fmt.Errorf("%w: unsupported terms %T", models.ErrInvalidTermKind, terms)
}

// PlanFor sizes a schedule and reports the resulting terms.
func PlanFor(principal decimal.Decimal, terms models.Terms, startDate time.Time) (Plan, error) {
	schedule, err := Generate(principal, terms, startDate)
	if err != nil {
		return Plan{}, err
	}
	amount := schedule[0].Amount
	switch t := terms.(type) {
	case models.FixedInstallment:
		amount = t.Amount
	case models.FixedDuration:
		amount = Round2(principal.Div(decimal.NewFromInt(int64(t.Months))))
	}
	return Plan{
		InstallmentAmount: amount,
		DurationMonths:    len(schedule),
		Schedule:          schedule,
	}, nil
}

// Restructure recomputes a schedule for outstandingBalance+topUpAmount
// starting at effectiveDate.
func Restructure(outstandingBalance, topUpAmount decimal.Decimal, method models.Terms, effectiveDate time.Time) (Plan, error) {
	if topUpAmount.LessThan(decimal.Zero) {
		return Plan{}, fmt.Errorf("%w: top-up must not be negative, got %s", models.ErrInvalidAmount, topUpAmount)
	}
	switch t := method.(type) {
	case models.FixedInstallment:
		if t.Amount.LessThanOrEqual(decimal.Zero) {
			return Plan{}, fmt.Errorf("%w: installment amount must be positive, got %s", models.ErrInvalidTermKind, t.Amount)
		}
	case models.FixedDuration:
		if t.Months <= 0 {
			return Plan{}, fmt.Errorf("%w: duration must be positive, got %d", models.ErrInvalidTermKind, t.Months)
		}
	default:
		return Plan{}, fmt.Errorf("%w: unsupported method %T", models.ErrInvalidTermKind, method)
	}

	newPrincipal := outstandingBalance.Add(topUpAmount)
	if newPrincipal.LessThanOrEqual(decimal.Zero) {
		return Plan{}, fmt.Errorf("%w: nothing left to schedule", models.ErrInvalidRestructure)
	}

	plan, err := PlanFor(newPrincipal, method, effectiveDate)
	if err != nil {
		if models.CategoryOf(err) == models.CategoryValidation {
			return Plan{}, fmt.Errorf("%w: %v", models.ErrInvalidRestructure, err)
		}
		return Plan{}, err
	}
	return plan, nil
}

// OutstandingBalance is the principal minus every paid installment.
// It is recomputed on each call and never cached.
func OutstandingBalance(principal decimal.Decimal, installments []*models.Installment) decimal.Decimal {
	balance := principal
	for _, inst := range installments {
		if inst.Status == models.InstallmentStatusPaid {
			balance = balance.Sub(inst.Amount)
		}
	}
	return balance
}

// build lays out count entries of amount, the last one taking the remainder.
// A non-positive remainder is folded into the prior entry.
func build(principal, amount decimal.Decimal, count int, startDate time.Time) []Entry {
	last := principal.Sub(amount.Mul(decimal.NewFromInt(int64(count - 1))))
	for count > 1 && last.LessThanOrEqual(decimal.Zero) {
		count--
		last = last.Add(amount)
	}

	start := Date(startDate)
	entries := make([]Entry, count)
	for i := range entries {
		entries[i] = Entry{
			Number:  i + 1,
			DueDate: AddMonths(start, i),
			Amount:  amount,
		}
	}
	entries[count-1].Amount = last
	return entries
}

// AddMonths moves t by n calendar months, clamping to the last day of the
// target month so Jan 31 + 1 month is Feb 28/29.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// Date truncates t to midnight UTC of its calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Sum adds entry amounts.
func Sum(entries []Entry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}

// WithinMinorUnit reports whether a and b differ by at most one minor unit.
func WithinMinorUnit(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(one.Shift(-MinorUnits))
}
