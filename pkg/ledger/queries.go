package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/amortization"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/shopspring/decimal"
)

// LoanView is a loan with its recomputed outstanding balance.
type LoanView struct {
	*models.Loan
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	DueInstallments    int             `json:"due_installments"`
}

// GetLoan retrieves a loan and recomputes its balance from a consistent
// snapshot of the schedule.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*LoanView, error) {
	loan, rows, err := l.storage.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return &LoanView{
		Loan:               loan,
		OutstandingBalance: amortization.OutstandingBalance(loan.PrincipalAmount, rows),
		DueInstallments:    len(undue(rows)),
	}, nil
}

// ListLoans retrieves loans matching filter.
func (l *Ledger) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	return l.storage.ListLoans(ctx, filter)
}

// ListInstallments retrieves the schedule of a loan.
func (l *Ledger) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	_, rows, err := l.storage.Snapshot(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// History returns the events of a loan, newest first.
func (l *Ledger) History(ctx context.Context, loanID uuid.UUID) ([]*models.Event, error) {
	if _, err := l.storage.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return l.events.History(ctx, loanID)
}

// DueInstallments lists the installments payroll should deduct for employeeID
// up to periodEnd.
func (l *Ledger) DueInstallments(ctx context.Context, employeeID string, periodEnd time.Time) ([]*models.Installment, error) {
	return l.storage.DueInstallments(ctx, employeeID, amortization.Date(periodEnd))
}
