package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/amortization"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/shopspring/decimal"
)

// ClosedByPaymentReason marks due installments cancelled because a payment
// settled the loan.
const ClosedByPaymentReason = "loan_closed_by_payment"

// PaymentResult is the outcome of MakeAdHocPayment. Leftover is the part of
// the payment that apply_next could not apply to a whole installment.
type PaymentResult struct {
	Loan         *models.Loan          `json:"loan"`
	Installments []*models.Installment `json:"installments"`
	Leftover     decimal.Decimal       `json:"leftover_unapplied"`
}

// RestructureRequest is the input of RestructureLoan.
type RestructureRequest struct {
	EffectiveDate time.Time
	TopUpAmount   decimal.Decimal
	Method        models.Terms
}

// RestructureResult is the outcome of RestructureLoan.
type RestructureResult struct {
	Loan         *models.Loan          `json:"loan"`
	Installments []*models.Installment `json:"installments"`
	Event        *models.Event         `json:"event"`
}

// SkipResult is the outcome of SkipInstallment.
type SkipResult struct {
	Installments []*models.Installment `json:"installments"`
	Event        *models.Event         `json:"event"`
}

// PayrollConfirmation is the outcome of ConfirmPayrollDeduction.
type PayrollConfirmation struct {
	Loan        *models.Loan        `json:"loan"`
	Installment *models.Installment `json:"installment"`
}

// MakeAdHocPayment records an out-of-schedule payment against an active loan
// and reshapes the remaining schedule according to option.
func (l *Ledger) MakeAdHocPayment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, option models.RescheduleOption) (*PaymentResult, error) {
	if err := validAmount(amount, "payment"); err != nil {
		return nil, err
	}
	if !option.Valid() {
		return nil, fmt.Errorf("%w: unknown reschedule option %q", models.ErrInvalidTermKind, option)
	}

	leftover := decimal.Zero
	m, rows, err := l.mutate(ctx, loanID, ActionPayment, func(loan *models.Loan, rows []*models.Installment) (*mutation, error) {
		if loan.Status != models.LoanStatusActive {
			return nil, fmt.Errorf("%w: payments need an active loan, %s is %s", models.ErrInvalidTransition, loan.ID, loan.Status)
		}
		balance := amortization.OutstandingBalance(loan.PrincipalAmount, rows)
		if amount.GreaterThan(balance) {
			return nil, fmt.Errorf("%w: payment %s exceeds outstanding balance %s", models.ErrInvalidAmount, amount, balance)
		}

		var (
			m   *mutation
			err error
		)
		switch option {
		case models.RescheduleApplyNext:
			m, leftover, err = l.applyNext(loan, rows, amount)
		default:
			m, err = l.reschedulePayment(loan, rows, amount, balance, option)
		}
		if err != nil {
			return nil, err
		}

		notes := fmt.Sprintf("ad-hoc payment of %s (%s)", amount.StringFixed(2), option)
		if leftover.GreaterThan(decimal.Zero) {
			notes += fmt.Sprintf(", %s not applied", leftover.StringFixed(2))
		}
		ev := &models.Event{
			EventType:   models.EventTypeManualPayment,
			AmountDelta: decimal.NewNullDecimal(amount),
			Notes:       notes,
		}
		if option != models.RescheduleApplyNext && loan.Status == models.LoanStatusActive {
			ev.NewInstallmentAmount = loan.InstallmentAmount
			months := *loan.DurationMonths
			ev.NewDurationMonths = &months
		}
		m.event(ev)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return &PaymentResult{Loan: m.loan, Installments: rows, Leftover: leftover}, nil
}

// reschedulePayment books amount as a paid manual installment on the next due
// date and regenerates the due rows for the new balance.
func (l *Ledger) reschedulePayment(loan *models.Loan, rows []*models.Installment, amount, balance decimal.Decimal, option models.RescheduleOption) (*mutation, error) {
	now := l.now()
	due := undue(rows)
	next := nextDueDate(rows, amortization.AddMonths(amortization.Date(now), 1))
	newBalance := balance.Sub(amount)

	method := models.PaidMethodManual
	payment := &models.Installment{
		ID:         uuid.New(),
		LoanID:     loan.ID,
		DueDate:    next,
		Amount:     amount,
		Status:     models.InstallmentStatusPaid,
		PaidAt:     &now,
		PaidMethod: &method,
		AdHoc:      true,
	}

	m := &mutation{loan: loan}
	if newBalance.IsZero() {
		closeLoan(loan, due)
		m.schedule = append(append([]*models.Installment{}, rows...), payment)
		m.schedule = regenerate(m.schedule, nil)
		loan.DurationMonths = intPtr(scheduled(m.schedule))
		return m, nil
	}

	var (
		plan amortization.Plan
		err  error
	)
	switch option {
	case models.RescheduleReduceDuration:
		plan, err = amortization.PlanFor(newBalance, models.FixedInstallment{Amount: loan.InstallmentAmount.Decimal}, next)
	case models.RescheduleReduceAmount:
		count := len(due)
		if count == 0 {
			count = 1
		}
		plan, err = amortization.PlanFor(newBalance, models.FixedDuration{Months: count}, next)
	}
	if err != nil {
		return nil, err
	}

	forward := append([]*models.Installment{payment}, materialize(loan.ID, plan.Schedule)...)
	m.schedule = regenerate(rows, forward)
	loan.SetTerms(plan.InstallmentAmount, scheduled(m.schedule))
	return m, nil
}

// applyNext pays whole due installments in order while the payment covers
// them. The uncovered remainder is returned, never applied. A payment below
// the next installment leaves the schedule untouched and is returned whole.
func (l *Ledger) applyNext(loan *models.Loan, rows []*models.Installment, amount decimal.Decimal) (*mutation, decimal.Decimal, error) {
	now := l.now()
	method := models.PaidMethodManual
	remaining := amount
	applied := 0
	for _, inst := range undue(rows) {
		if remaining.LessThan(inst.Amount) {
			break
		}
		inst.Status = models.InstallmentStatusPaid
		inst.PaidAt = &now
		inst.PaidMethod = &method
		remaining = remaining.Sub(inst.Amount)
		applied++
	}
	if applied == 0 {
		if len(undue(rows)) == 0 {
			return nil, decimal.Zero, fmt.Errorf("%w: loan %s has no due installment", models.ErrInvalidAmount, loan.ID)
		}
		l.log.Info("ad-hoc payment below next installment", "loan_id", loan.ID, "amount", amount.StringFixed(2))
		return &mutation{loan: loan, schedule: rows}, amount, nil
	}

	if amortization.OutstandingBalance(loan.PrincipalAmount, rows).IsZero() {
		closeLoan(loan, undue(rows))
	}
	return &mutation{loan: loan, schedule: rows}, remaining, nil
}

// closeLoan settles loan and cancels its remaining due rows.
func closeLoan(loan *models.Loan, due []*models.Installment) {
	reason := ClosedByPaymentReason
	for _, inst := range due {
		inst.Status = models.InstallmentStatusSkipped
		inst.SkippedReason = &reason
	}
	loan.Status = models.LoanStatusClosed
}

// RestructureLoan regenerates the forward schedule of an active loan from
// effectiveDate for its outstanding balance plus an optional top-up.
func (l *Ledger) RestructureLoan(ctx context.Context, loanID uuid.UUID, req RestructureRequest) (*RestructureResult, error) {
	if err := requireAuthorization(ctx, ActionRestructure); err != nil {
		return nil, err
	}
	if req.EffectiveDate.IsZero() {
		return nil, fmt.Errorf("%w: effective date is required", models.ErrInvalidRestructure)
	}
	if !req.TopUpAmount.IsZero() {
		if err := validAmount(req.TopUpAmount, "top-up"); err != nil {
			return nil, err
		}
	}

	m, rows, err := l.mutate(ctx, loanID, ActionRestructure, func(loan *models.Loan, rows []*models.Installment) (*mutation, error) {
		if loan.Status != models.LoanStatusActive {
			return nil, fmt.Errorf("%w: only active loans can be restructured, %s is %s", models.ErrInvalidTransition, loan.ID, loan.Status)
		}
		balance := amortization.OutstandingBalance(loan.PrincipalAmount, rows)
		effective := amortization.Date(req.EffectiveDate)

		plan, err := amortization.Restructure(balance, req.TopUpAmount, req.Method, effective)
		if err != nil {
			return nil, err
		}

		loan.PrincipalAmount = loan.PrincipalAmount.Add(req.TopUpAmount)
		m := &mutation{loan: loan, schedule: regenerate(rows, materialize(loan.ID, plan.Schedule))}
		months := scheduled(m.schedule)
		loan.SetTerms(plan.InstallmentAmount, months)

		m.event(&models.Event{
			EventType:            models.EventTypeRestructure,
			AmountDelta:          decimal.NewNullDecimal(req.TopUpAmount),
			NewInstallmentAmount: decimal.NewNullDecimal(plan.InstallmentAmount),
			NewDurationMonths:    &months,
			Notes: fmt.Sprintf("restructured from %s: %s over %d remaining installments",
				effective.Format(time.DateOnly), amortization.Sum(plan.Schedule).StringFixed(2), plan.DurationMonths),
		})
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return &RestructureResult{Loan: m.loan, Installments: rows, Event: m.events[0]}, nil
}

// SkipInstallment defers one due installment to the end of the schedule.
func (l *Ledger) SkipInstallment(ctx context.Context, loanID, installmentID uuid.UUID, reason string) (*SkipResult, error) {
	m, rows, err := l.mutate(ctx, loanID, ActionSkip, func(loan *models.Loan, rows []*models.Installment) (*mutation, error) {
		inst := findInstallment(rows, installmentID)
		if inst == nil {
			return nil, l.missingInstallment(ctx, loanID, installmentID)
		}
		if loan.Status != models.LoanStatusActive {
			return nil, fmt.Errorf("%w: only active loans can skip installments, %s is %s", models.ErrInvalidTransition, loan.ID, loan.Status)
		}
		if !inst.Undue() {
			return nil, fmt.Errorf("%w: installment %d is %s", models.ErrNotDue, inst.InstallmentNumber, inst.Status)
		}

		skipReason := strings.TrimSpace(reason)
		inst.Status = models.InstallmentStatusSkipped
		inst.SkippedReason = &skipReason

		deferred := &models.Installment{
			ID:                uuid.New(),
			LoanID:            loan.ID,
			InstallmentNumber: len(rows) + 1,
			DueDate:           amortization.AddMonths(lastDueDate(rows), 1),
			Amount:            inst.Amount,
			Status:            models.InstallmentStatusDue,
		}
		m := &mutation{loan: loan, schedule: append(rows, deferred)}
		m.event(&models.Event{
			EventType:   models.EventTypeSkipInstallment,
			AmountDelta: decimal.NewNullDecimal(inst.Amount),
			Notes: joinNotes(fmt.Sprintf("installment %d due %s moved to %s",
				inst.InstallmentNumber, inst.DueDate.Format(time.DateOnly), deferred.DueDate.Format(time.DateOnly)), skipReason),
		})
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return &SkipResult{Installments: rows, Event: m.events[0]}, nil
}

// ConfirmPayrollDeduction marks a due installment paid by payroll run runID.
// The loan closes when nothing is left outstanding.
func (l *Ledger) ConfirmPayrollDeduction(ctx context.Context, installmentID uuid.UUID, runID string) (*PayrollConfirmation, error) {
	inst, err := l.storage.GetInstallment(ctx, installmentID)
	if err != nil {
		return nil, err
	}

	var confirmed *models.Installment
	m, _, err := l.mutate(ctx, inst.LoanID, ActionPayrollConfirm, func(loan *models.Loan, rows []*models.Installment) (*mutation, error) {
		confirmed = findInstallment(rows, installmentID)
		if confirmed == nil {
			return nil, fmt.Errorf("%w: %s", models.ErrInstallmentNotFound, installmentID)
		}
		if !confirmed.Undue() {
			return nil, fmt.Errorf("%w: installment %s is %s", models.ErrAlreadyPaid, installmentID, confirmed.Status)
		}
		if loan.Status != models.LoanStatusActive {
			return nil, fmt.Errorf("%w: loan %s is %s", models.ErrInvalidTransition, loan.ID, loan.Status)
		}

		now := l.now()
		method := models.PaidMethodPayroll
		run := strings.TrimSpace(runID)
		confirmed.Status = models.InstallmentStatusPaid
		confirmed.PaidAt = &now
		confirmed.PaidMethod = &method
		if run != "" {
			confirmed.PaidInPayrollRunID = &run
		}
		if amortization.OutstandingBalance(loan.PrincipalAmount, rows).IsZero() {
			closeLoan(loan, undue(rows))
		}
		return &mutation{loan: loan, schedule: rows}, nil
	})
	if err != nil {
		return nil, err
	}
	return &PayrollConfirmation{Loan: m.loan, Installment: confirmed}, nil
}

// missingInstallment tells an unknown installment from one of another loan.
func (l *Ledger) missingInstallment(ctx context.Context, loanID, installmentID uuid.UUID) error {
	inst, err := l.storage.GetInstallment(ctx, installmentID)
	if err != nil {
		if errors.Is(err, models.ErrInstallmentNotFound) {
			return fmt.Errorf("%w: %s", models.ErrInstallmentNotFound, installmentID)
		}
		return err
	}
	return fmt.Errorf("%w: installment %s belongs to loan %s, not %s", models.ErrNotBelongsToLoan, installmentID, inst.LoanID, loanID)
}

func intPtr(n int) *int { return &n }
