package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/models"
)

// Storage defines the interface for database operations related to loans,
// their installments and their events.
type Storage interface {
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error)
	GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error)
	ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error)
	DueInstallments(ctx context.Context, employeeID string, periodEnd time.Time) ([]*models.Installment, error)
	ListEvents(ctx context.Context, loanID uuid.UUID) ([]*models.Event, error)

	// Snapshot reads a loan and its full schedule as of a single point in time.
	Snapshot(ctx context.Context, loanID uuid.UUID) (*models.Loan, []*models.Installment, error)

	// WithinTx runs fn in a transaction, committing when fn returns nil and
	// rolling back on error or panic.
	WithinTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the write side of Storage. Every method runs inside the enclosing
// transaction.
type Tx interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error

	// UpdateLoan writes loan only if its stored version still equals
	// expectedVersion, then bumps loan.Version. A mismatch returns
	// models.ErrConcurrentModification.
	UpdateLoan(ctx context.Context, loan *models.Loan, expectedVersion int64) error

	// DeleteLoan removes the loan with its installments and events under the
	// same version check as UpdateLoan.
	DeleteLoan(ctx context.Context, id uuid.UUID, expectedVersion int64) error

	// ReplaceSchedule makes the stored schedule of loanID equal to schedule:
	// rows missing from schedule are deleted, known rows are updated in place,
	// new rows are inserted.
	ReplaceSchedule(ctx context.Context, loanID uuid.UUID, schedule []*models.Installment) error

	AppendEvent(ctx context.Context, event *models.Event) error
}
