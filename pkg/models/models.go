package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusRequested LoanStatus = "requested"
	LoanStatusApproved  LoanStatus = "approved"
	LoanStatusRejected  LoanStatus = "rejected"
	LoanStatusActive    LoanStatus = "active"
	LoanStatusClosed    LoanStatus = "closed"
	LoanStatusCancelled LoanStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s LoanStatus) Terminal() bool {
	switch s {
	case LoanStatusRejected, LoanStatusClosed, LoanStatusCancelled:
		return true
	}
	return false
}

func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusRequested, LoanStatusApproved, LoanStatusRejected,
		LoanStatusActive, LoanStatusClosed, LoanStatusCancelled:
		return true
	}
	return false
}

type Loan struct {
	ID                uuid.UUID           `json:"id"`
	EmployeeID        string              `json:"employee_id"` // Link to external employee directory
	PrincipalAmount   decimal.Decimal     `json:"principal_amount"`
	InstallmentAmount decimal.NullDecimal `json:"installment_amount"` // Set together with DurationMonths
	DurationMonths    *int                `json:"duration_months"`
	StartDate         *time.Time          `json:"start_date,omitempty"` // First due date of the schedule
	DeductFromPayroll bool                `json:"deduct_from_payroll"`
	DisbursedAt       *time.Time          `json:"disbursed_at,omitempty"`
	Notes             string              `json:"notes"`
	Status            LoanStatus          `json:"status"`
	Version           int64               `json:"version"` // Bumped on every committed mutation
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// HasTerms reports whether both repayment terms are set.
func (l *Loan) HasTerms() bool {
	return l.InstallmentAmount.Valid && l.DurationMonths != nil
}

// SetTerms sets installment amount and duration together.
func (l *Loan) SetTerms(amount decimal.Decimal, months int) {
	l.InstallmentAmount = decimal.NewNullDecimal(amount)
	l.DurationMonths = &months
}

type InstallmentStatus string

const (
	InstallmentStatusDue     InstallmentStatus = "due"
	InstallmentStatusPaid    InstallmentStatus = "paid"
	InstallmentStatusSkipped InstallmentStatus = "skipped"
)

type PaidMethod string

const (
	PaidMethodManual  PaidMethod = "manual"
	PaidMethodPayroll PaidMethod = "payroll"
)

type Installment struct {
	ID                 uuid.UUID         `json:"id"`
	LoanID             uuid.UUID         `json:"loan_id"`
	InstallmentNumber  int               `json:"installment_number"` // 1-based, dense per loan
	DueDate            time.Time         `json:"due_date"`
	Amount             decimal.Decimal   `json:"amount"`
	Status             InstallmentStatus `json:"status"`
	PaidAt             *time.Time        `json:"paid_at,omitempty"`
	PaidMethod         *PaidMethod       `json:"paid_method,omitempty"`
	PaidInPayrollRunID *string           `json:"paid_in_payroll_run_id,omitempty"` // Weak reference, traceability only
	SkippedReason      *string           `json:"skipped_reason,omitempty"`
	AdHoc              bool              `json:"ad_hoc"` // Manual payment booked between regular installments
}

// Undue reports whether the installment may still be regenerated.
func (i *Installment) Undue() bool {
	return i.Status == InstallmentStatusDue
}

type EventType string

const (
	EventTypeDisburse        EventType = "disburse"
	EventTypeTopUp           EventType = "top_up"
	EventTypeRestructure     EventType = "restructure"
	EventTypeSkipInstallment EventType = "skip_installment"
	EventTypeManualPayment   EventType = "manual_payment"
	EventTypeNote            EventType = "note"
)

type Event struct {
	ID                   uuid.UUID           `json:"id"`
	LoanID               uuid.UUID           `json:"loan_id"`
	EventType            EventType           `json:"event_type"`
	AmountDelta          decimal.NullDecimal `json:"amount_delta"`
	NewInstallmentAmount decimal.NullDecimal `json:"new_installment_amount"`
	NewDurationMonths    *int                `json:"new_duration_months,omitempty"`
	Notes                string              `json:"notes"`
	CreatedAt            time.Time           `json:"created_at"`
}

// LoanFilter narrows ListLoans. Zero values match everything.
type LoanFilter struct {
	EmployeeID string
	Status     LoanStatus
}
