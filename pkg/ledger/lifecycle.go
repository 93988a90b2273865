package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/amortization"
	"github.com/mcclellann/payAdvance/pkg/directory"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/mcclellann/payAdvance/pkg/store"
	"github.com/shopspring/decimal"
)

// LoanRequest is the input of RequestLoan. Terms and StartDate are optional;
// requested terms are sized immediately so both repayment fields are set
// together.
type LoanRequest struct {
	EmployeeID string
	Principal  decimal.Decimal
	Notes      string
	Terms      models.Terms
	StartDate  *time.Time
}

// Disbursement is the result of DisburseLoan.
type Disbursement struct {
	Loan         *models.Loan          `json:"loan"`
	Installments []*models.Installment `json:"installments"`
}

// RequestLoan creates a loan in the requested state.
func (l *Ledger) RequestLoan(ctx context.Context, req LoanRequest) (*models.Loan, error) {
	employeeID := strings.TrimSpace(req.EmployeeID)
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", models.ErrEmployeeNotFound)
	}
	if err := validAmount(req.Principal, "principal"); err != nil {
		return nil, err
	}
	if l.directory != nil {
		if _, err := directory.Require(ctx, l.directory, employeeID); err != nil {
			return nil, err
		}
	}

	now := l.now()
	loan := &models.Loan{
		ID:              uuid.New(),
		EmployeeID:      employeeID,
		PrincipalAmount: req.Principal,
		Notes:           req.Notes,
		Status:          models.LoanStatusRequested,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.StartDate != nil {
		start := amortization.Date(*req.StartDate)
		loan.StartDate = &start
	}
	if req.Terms != nil {
		plan, err := amortization.PlanFor(loan.PrincipalAmount, req.Terms, l.firstDueDate(loan, nil))
		if err != nil {
			return nil, err
		}
		loan.SetTerms(plan.InstallmentAmount, plan.DurationMonths)
	}

	ev := noteEvent(joinNotes("loan requested", req.Notes))
	ev.LoanID = loan.ID
	ev.AmountDelta = decimal.NewNullDecimal(loan.PrincipalAmount)
	err := l.storage.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateLoan(ctx, loan); err != nil {
			return err
		}
		return l.events.Append(ctx, tx, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.log.Info("loan requested", "loan_id", loan.ID, "employee_id", employeeID, "principal", loan.PrincipalAmount.StringFixed(2))
	l.publish(ctx, ActionRequest, loan, ev)
	return loan, nil
}

// ApproveLoan moves a requested loan to approved. With autoDisburse the loan is
// disbursed in the same transaction using the terms given at request time.
func (l *Ledger) ApproveLoan(ctx context.Context, loanID uuid.UUID, deductFromPayroll, autoDisburse bool) (*models.Loan, error) {
	if err := requireAuthorization(ctx, ActionApprove); err != nil {
		return nil, err
	}
	action := ActionApprove
	if autoDisburse {
		action = ActionDisburse
	}
	m, _, err := l.mutate(ctx, loanID, action, func(loan *models.Loan, rows []*models.Installment) (*mutation, error) {
		if loan.Status != models.LoanStatusRequested {
			return nil, transitionError(loan, models.LoanStatusApproved)
		}
		loan.Status = models.LoanStatusApproved
		loan.DeductFromPayroll = deductFromPayroll
		m := &mutation{loan: loan}
		m.event(noteEvent(fmt.Sprintf("loan approved (payroll deduction: %t)", deductFromPayroll)))
		if !autoDisburse {
			return m, nil
		}

		terms, err := requestedTerms(loan)
		if err != nil {
			return nil, err
		}
		return l.disburse(m, rows, terms, nil)
	})
	if err != nil {
		return nil, err
	}
	return m.loan, nil
}

// RejectLoan moves a requested loan to rejected.
func (l *Ledger) RejectLoan(ctx context.Context, loanID uuid.UUID, reason string) (*models.Loan, error) {
	if err := requireAuthorization(ctx, ActionReject); err != nil {
		return nil, err
	}
	m, _, err := l.mutate(ctx, loanID, ActionReject, func(loan *models.Loan, _ []*models.Installment) (*mutation, error) {
		if loan.Status != models.LoanStatusRequested {
			return nil, transitionError(loan, models.LoanStatusRejected)
		}
		loan.Status = models.LoanStatusRejected
		m := &mutation{loan: loan}
		m.event(noteEvent(joinNotes("loan rejected", reason)))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return m.loan, nil
}

// CancelLoan withdraws a loan that has not been disbursed yet.
func (l *Ledger) CancelLoan(ctx context.Context, loanID uuid.UUID, reason string) (*models.Loan, error) {
	m, _, err := l.mutate(ctx, loanID, ActionCancel, func(loan *models.Loan, _ []*models.Installment) (*mutation, error) {
		if loan.Status != models.LoanStatusRequested && loan.Status != models.LoanStatusApproved {
			return nil, transitionError(loan, models.LoanStatusCancelled)
		}
		loan.Status = models.LoanStatusCancelled
		m := &mutation{loan: loan}
		m.event(noteEvent(joinNotes("loan cancelled", reason)))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return m.loan, nil
}

// DisburseLoan activates an approved loan and materializes its schedule. Nil
// terms fall back to the terms given at request time; a nil startDate falls
// back to the requested start date, then to one month after disbursement.
func (l *Ledger) DisburseLoan(ctx context.Context, loanID uuid.UUID, terms models.Terms, startDate *time.Time) (*Disbursement, error) {
	if err := requireAuthorization(ctx, ActionDisburse); err != nil {
		return nil, err
	}
	m, rows, err := l.mutate(ctx, loanID, ActionDisburse, func(loan *models.Loan, rows []*models.Installment) (*mutation, error) {
		if loan.DisbursedAt != nil {
			return nil, fmt.Errorf("%w: loan %s on %s", models.ErrAlreadyDisbursed, loan.ID, loan.DisbursedAt.Format(time.DateOnly))
		}
		if loan.Status != models.LoanStatusApproved {
			return nil, transitionError(loan, models.LoanStatusActive)
		}
		t := terms
		if t == nil {
			var err error
			if t, err = requestedTerms(loan); err != nil {
				return nil, err
			}
		}
		return l.disburse(&mutation{loan: loan}, rows, t, startDate)
	})
	if err != nil {
		return nil, err
	}
	return &Disbursement{Loan: m.loan, Installments: rows}, nil
}

// disburse extends m with the activation of an approved loan.
func (l *Ledger) disburse(m *mutation, rows []*models.Installment, terms models.Terms, startDate *time.Time) (*mutation, error) {
	loan := m.loan
	if len(rows) > 0 {
		return nil, fmt.Errorf("%w: loan %s already has a schedule", models.ErrAlreadyDisbursed, loan.ID)
	}
	now := l.now()
	start := l.firstDueDate(loan, startDate)

	plan, err := amortization.PlanFor(loan.PrincipalAmount, terms, start)
	if err != nil {
		return nil, err
	}

	loan.SetTerms(plan.InstallmentAmount, plan.DurationMonths)
	loan.StartDate = &start
	loan.DisbursedAt = &now
	loan.Status = models.LoanStatusActive
	m.schedule = materialize(loan.ID, plan.Schedule)

	months := plan.DurationMonths
	m.event(&models.Event{
		EventType:            models.EventTypeDisburse,
		AmountDelta:          decimal.NewNullDecimal(loan.PrincipalAmount),
		NewInstallmentAmount: decimal.NewNullDecimal(plan.InstallmentAmount),
		NewDurationMonths:    &months,
		Notes:                fmt.Sprintf("disbursed, first installment due %s", start.Format(time.DateOnly)),
	})
	return m, nil
}

// DeleteLoan removes a loan with its installments and events. Closed loans
// are kept as audit records.
func (l *Ledger) DeleteLoan(ctx context.Context, loanID uuid.UUID) error {
	if err := requireAuthorization(ctx, ActionDelete); err != nil {
		return err
	}
	loan, err := l.storage.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if loan.Status == models.LoanStatusClosed {
		return fmt.Errorf("%w: loan %s", models.ErrTerminalStateProtected, loan.ID)
	}

	err = l.storage.WithinTx(ctx, func(tx store.Tx) error {
		return tx.DeleteLoan(ctx, loan.ID, loan.Version)
	})
	if err != nil {
		return fmt.Errorf("failed to delete loan %s: %w", loanID, err)
	}

	l.log.Info("loan deleted", "loan_id", loanID, "status", loan.Status)
	l.publish(ctx, ActionDelete, loan)
	return nil
}

// AddNote appends a free-text note to the loan history.
func (l *Ledger) AddNote(ctx context.Context, loanID uuid.UUID, notes string) (*models.Event, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, models.ErrEmptyNote
	}
	m, _, err := l.mutate(ctx, loanID, ActionNote, func(loan *models.Loan, _ []*models.Installment) (*mutation, error) {
		m := &mutation{loan: loan}
		m.event(noteEvent(notes))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return m.events[0], nil
}

// firstDueDate picks the first due date of a new schedule.
func (l *Ledger) firstDueDate(loan *models.Loan, explicit *time.Time) time.Time {
	switch {
	case explicit != nil:
		return amortization.Date(*explicit)
	case loan.StartDate != nil:
		return amortization.Date(*loan.StartDate)
	}
	base := l.now()
	if loan.DisbursedAt != nil {
		base = *loan.DisbursedAt
	}
	return amortization.AddMonths(amortization.Date(base), 1)
}

// requestedTerms recovers the terms stored at request time. A duration that
// reproduces the stored amount is preferred, so 1000 over 3 months stays at
// three installments instead of becoming 333.33 x 4.
func requestedTerms(loan *models.Loan) (models.Terms, error) {
	if !loan.HasTerms() {
		return nil, fmt.Errorf("%w: loan %s has no requested terms", models.ErrInvalidTermKind, loan.ID)
	}
	months := *loan.DurationMonths
	perMonth := amortization.Round2(loan.PrincipalAmount.Div(decimal.NewFromInt(int64(months))))
	if perMonth.Equal(loan.InstallmentAmount.Decimal) {
		return models.FixedDuration{Months: months}, nil
	}
	return models.FixedInstallment{Amount: loan.InstallmentAmount.Decimal}, nil
}

func transitionError(loan *models.Loan, to models.LoanStatus) error {
	return fmt.Errorf("%w: loan %s is %s, cannot become %s", models.ErrInvalidTransition, loan.ID, loan.Status, to)
}

// validAmount requires a positive amount with at most two decimals.
func validAmount(d decimal.Decimal, what string) error {
	if d.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: %s must be positive, got %s", models.ErrInvalidAmount, what, d)
	}
	if !d.Equal(amortization.Round2(d)) {
		return fmt.Errorf("%w: %s has more than %d decimals: %s", models.ErrInvalidAmount, what, amortization.MinorUnits, d)
	}
	return nil
}

func joinNotes(prefix, notes string) string {
	if notes = strings.TrimSpace(notes); notes == "" {
		return prefix
	}
	return prefix + ": " + notes
}
