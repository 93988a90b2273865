// Package payroll is the touchpoint between payroll runs and the loan ledger:
// it lists the installments a run should deduct and confirms the ones it did.
package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/ledger"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/mcclellann/payAdvance/pkg/store"
)

// ErrRunIDRequired rejects confirmations that name no payroll run.
var ErrRunIDRequired = errors.New("payroll run id is required")

// Bridge adapts the ledger for payroll processing.
type Bridge struct {
	ledger *ledger.Ledger
	retry  store.RetryConfig
	log    *slog.Logger
}

// NewBridge creates a Bridge. Confirmations losing a race against another
// writer on the same loan are retried up to retry.MaxAttempts times.
func NewBridge(l *ledger.Ledger, retry store.RetryConfig, logger *slog.Logger) *Bridge {
	if retry.MaxAttempts == 0 {
		retry = store.RetryConfig{MaxAttempts: 3, Delay: 50 * time.Millisecond}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{ledger: l, retry: retry, log: logger}
}

// DueInstallments lists every due installment up to periodEnd of the
// employee's active loans that deduct from payroll.
func (b *Bridge) DueInstallments(ctx context.Context, employeeID string, periodEnd time.Time) ([]*models.Installment, error) {
	if employeeID == "" {
		return nil, fmt.Errorf("%w: employee id is required", models.ErrEmployeeNotFound)
	}
	return b.ledger.DueInstallments(ctx, employeeID, periodEnd)
}

// ConfirmPaid marks one installment paid by payroll run payrollRunID.
func (b *Bridge) ConfirmPaid(ctx context.Context, installmentID uuid.UUID, payrollRunID string) (*ledger.PayrollConfirmation, error) {
	if payrollRunID == "" {
		return nil, ErrRunIDRequired
	}
	var conf *ledger.PayrollConfirmation
	err := store.WithRetry(ctx, b.retry, func() error {
		var err error
		conf, err = b.ledger.ConfirmPayrollDeduction(ctx, installmentID, payrollRunID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conf, nil
}

// Outcome is the result of confirming one installment of a run.
type Outcome struct {
	InstallmentID uuid.UUID         `json:"installment_id"`
	LoanID        uuid.UUID         `json:"loan_id,omitempty"`
	LoanStatus    models.LoanStatus `json:"loan_status,omitempty"`
	Error         string            `json:"error,omitempty"`
	Category      string            `json:"category,omitempty"`
}

// RunResult summarizes ConfirmRun.
type RunResult struct {
	PayrollRunID string    `json:"payroll_run_id"`
	Confirmed    int       `json:"confirmed"`
	Failed       int       `json:"failed"`
	Outcomes     []Outcome `json:"outcomes"`
}

// ConfirmRun confirms every installment of a payroll run. Each installment is
// confirmed on its own; a failure is reported in its outcome and does not stop
// the rest of the run.
func (b *Bridge) ConfirmRun(ctx context.Context, payrollRunID string, installmentIDs []uuid.UUID) (*RunResult, error) {
	if payrollRunID == "" {
		return nil, ErrRunIDRequired
	}
	result := &RunResult{PayrollRunID: payrollRunID, Outcomes: make([]Outcome, 0, len(installmentIDs))}
	for _, id := range installmentIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		out := Outcome{InstallmentID: id}
		conf, err := b.ConfirmPaid(ctx, id, payrollRunID)
		if err != nil {
			out.Error = err.Error()
			out.Category = models.CategoryOf(err).String()
			result.Failed++
			b.log.Warn("payroll confirmation failed", "payroll_run_id", payrollRunID, "installment_id", id, "error", err)
		} else {
			out.LoanID = conf.Loan.ID
			out.LoanStatus = conf.Loan.Status
			result.Confirmed++
		}
		result.Outcomes = append(result.Outcomes, out)
	}
	b.log.Info("payroll run confirmed", "payroll_run_id", payrollRunID, "confirmed", result.Confirmed, "failed", result.Failed)
	return result, nil
}
