package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Terms selects how a schedule is sized: by a fixed installment amount or by a
// fixed number of monthly installments. The set of implementations is closed.
type Terms interface {
	Kind() TermKind
	isTerms()
}

type TermKind string

const (
	// MinorUnits is the number of decimal places of the payroll currency.
	MinorUnits = 2
	// MaxDurationMonths caps the length of any generated schedule.
	MaxDurationMonths = 600
)

const (
	TermKindFixedInstallment TermKind = "fixed_installment"
	TermKindFixedDuration    TermKind = "fixed_duration"
)

// FixedInstallment keeps the installment amount and derives the duration.
type FixedInstallment struct {
	Amount decimal.Decimal
}

func (FixedInstallment) Kind() TermKind { return TermKindFixedInstallment }
func (FixedInstallment) isTerms()       {}

// FixedDuration keeps the number of installments and derives the amount.
type FixedDuration struct {
	Months int
}

func (FixedDuration) Kind() TermKind { return TermKindFixedDuration }
func (FixedDuration) isTerms()       {}

// ParseTerms builds Terms from a kind and a decimal value as carried on the wire.
func ParseTerms(kind TermKind, value decimal.Decimal) (Terms, error) {
	if value.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: value must be positive, got %s", ErrInvalidTermKind, value)
	}
	switch kind {
	case TermKindFixedInstallment:
		if !value.Equal(value.Round(MinorUnits)) {
			return nil, fmt.Errorf("%w: installment amount must have at most %d decimal places, got %s", ErrInvalidTermKind, MinorUnits, value)
		}
		return FixedInstallment{Amount: value}, nil
	case TermKindFixedDuration:
		if !value.Equal(value.Truncate(0)) {
			return nil, fmt.Errorf("%w: duration must be a whole number of months, got %s", ErrInvalidTermKind, value)
		}
		if value.GreaterThan(decimal.NewFromInt(MaxDurationMonths)) {
			return nil, fmt.Errorf("%w: duration exceeds %d months, got %s", ErrInvalidTermKind, MaxDurationMonths, value)
		}
		return FixedDuration{Months: int(value.IntPart())}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTermKind, kind)
}

// RescheduleOption selects how an ad-hoc payment reshapes the remaining schedule.
type RescheduleOption string

const (
	RescheduleReduceDuration RescheduleOption = "reduce_duration"
	RescheduleReduceAmount   RescheduleOption = "reduce_amount"
	RescheduleApplyNext      RescheduleOption = "apply_next"
)

func (o RescheduleOption) Valid() bool {
	switch o {
	case RescheduleReduceDuration, RescheduleReduceAmount, RescheduleApplyNext:
		return true
	}
	return false
}
