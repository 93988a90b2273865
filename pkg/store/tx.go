package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/models"
)

type sqlTxStore struct {
	c *conn
}

// CreateLoan inserts a new loan.
func (t *sqlTxStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	if loan.Version == 0 {
		loan.Version = 1
	}
	_, err := t.c.exec(ctx,
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID, loan.EmployeeID, loan.PrincipalAmount, loan.InstallmentAmount, loan.DurationMonths, loan.StartDate,
		loan.DeductFromPayroll, loan.DisbursedAt, loan.Notes, loan.Status, loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// UpdateLoan writes every mutable column conditioned on the stored version.
func (t *sqlTxStore) UpdateLoan(ctx context.Context, loan *models.Loan, expectedVersion int64) error {
	result, err := t.c.exec(ctx,
		`UPDATE loans SET principal_amount = ?, installment_amount = ?, duration_months = ?, start_date = ?,
			deduct_from_payroll = ?, disbursed_at = ?, notes = ?, status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		loan.PrincipalAmount, loan.InstallmentAmount, loan.DurationMonths, loan.StartDate,
		loan.DeductFromPayroll, loan.DisbursedAt, loan.Notes, loan.Status, expectedVersion+1, loan.UpdatedAt,
		loan.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := t.expectOneRow(result, loan.ID); err != nil {
		return err
	}
	loan.Version = expectedVersion + 1
	return nil
}

// DeleteLoan removes the loan and its children. The foreign keys cascade, the
// explicit deletes keep this independent of driver pragmas.
func (t *sqlTxStore) DeleteLoan(ctx context.Context, id uuid.UUID, expectedVersion int64) error {
	result, err := t.c.exec(ctx, `UPDATE loans SET version = version + 1 WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to lock loan: %w", err)
	}
	if err := t.expectOneRow(result, id); err != nil {
		return err
	}

	if _, err := t.c.exec(ctx, `DELETE FROM loan_events WHERE loan_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete associated events: %w", err)
	}
	if _, err := t.c.exec(ctx, `DELETE FROM loan_installments WHERE loan_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete associated installments: %w", err)
	}
	if _, err := t.c.exec(ctx, `DELETE FROM loans WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return nil
}

// ReplaceSchedule diffs schedule against the stored rows. Renumbered rows are
// first parked on negative numbers so the (loan_id, installment_number)
// unique constraint holds after every statement.
func (t *sqlTxStore) ReplaceSchedule(ctx context.Context, loanID uuid.UUID, schedule []*models.Installment) error {
	existing, err := t.c.listInstallments(ctx, loanID)
	if err != nil {
		return err
	}
	stored := make(map[uuid.UUID]*models.Installment, len(existing))
	for _, inst := range existing {
		stored[inst.ID] = inst
	}
	wanted := make(map[uuid.UUID]bool, len(schedule))
	for _, inst := range schedule {
		if inst.LoanID != loanID {
			return fmt.Errorf("installment %s belongs to loan %s, not %s", inst.ID, inst.LoanID, loanID)
		}
		wanted[inst.ID] = true
	}

	for _, inst := range existing {
		if wanted[inst.ID] {
			continue
		}
		if _, err := t.c.exec(ctx, `DELETE FROM loan_installments WHERE id = ?`, inst.ID); err != nil {
			return fmt.Errorf("failed to delete installment %s: %w", inst.ID, err)
		}
	}

	for _, inst := range schedule {
		old, ok := stored[inst.ID]
		if !ok || old.InstallmentNumber == inst.InstallmentNumber {
			continue
		}
		if _, err := t.c.exec(ctx, `UPDATE loan_installments SET installment_number = ? WHERE id = ?`, -old.InstallmentNumber, inst.ID); err != nil {
			return fmt.Errorf("failed to park installment %s: %w", inst.ID, err)
		}
	}

	for _, inst := range schedule {
		if old, ok := stored[inst.ID]; ok && !sameInstallment(old, inst) {
			_, err = t.c.exec(ctx,
				`UPDATE loan_installments SET installment_number = ?, due_date = ?, amount = ?, status = ?, paid_at = ?,
					paid_method = ?, paid_in_payroll_run_id = ?, skipped_reason = ?
				WHERE id = ?`,
				inst.InstallmentNumber, inst.DueDate, inst.Amount, inst.Status, inst.PaidAt,
				inst.PaidMethod, inst.PaidInPayrollRunID, inst.SkippedReason, inst.ID,
			)
			if err != nil {
				return fmt.Errorf("failed to update installment %s: %w", inst.ID, err)
			}
		}
	}

	for _, inst := range schedule {
		if _, ok := stored[inst.ID]; ok {
			continue
		}
		_, err = t.c.exec(ctx,
			`INSERT INTO loan_installments (`+installmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.LoanID, inst.InstallmentNumber, inst.DueDate, inst.Amount, inst.Status, inst.PaidAt,
			inst.PaidMethod, inst.PaidInPayrollRunID, inst.SkippedReason, inst.AdHoc,
		)
		if err != nil {
			return fmt.Errorf("failed to insert installment %d: %w", inst.InstallmentNumber, err)
		}
	}
	return nil
}

// AppendEvent inserts an event. There is no update or delete counterpart.
func (t *sqlTxStore) AppendEvent(ctx context.Context, ev *models.Event) error {
	_, err := t.c.exec(ctx,
		`INSERT INTO loan_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.LoanID, ev.EventType, ev.AmountDelta, ev.NewInstallmentAmount, ev.NewDurationMonths, ev.Notes, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func sameInstallment(a, b *models.Installment) bool {
	return a.InstallmentNumber == b.InstallmentNumber &&
		a.DueDate.Equal(b.DueDate) &&
		a.Amount.Equal(b.Amount) &&
		a.Status == b.Status &&
		equalTime(a.PaidAt, b.PaidAt) &&
		equalPtr(a.PaidMethod, b.PaidMethod) &&
		equalPtr(a.PaidInPayrollRunID, b.PaidInPayrollRunID) &&
		equalPtr(a.SkippedReason, b.SkippedReason)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (t *sqlTxStore) expectOneRow(result interface{ RowsAffected() (int64, error) }, id uuid.UUID) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: loan %s", models.ErrConcurrentModification, id)
	}
	return nil
}
