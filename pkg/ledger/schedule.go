package ledger

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/amortization"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/shopspring/decimal"
)

// materialize turns calculator entries into due installments of loanID.
func materialize(loanID uuid.UUID, entries []amortization.Entry) []*models.Installment {
	rows := make([]*models.Installment, len(entries))
	for i, e := range entries {
		rows[i] = &models.Installment{
			ID:                uuid.New(),
			LoanID:            loanID,
			InstallmentNumber: e.Number,
			DueDate:           e.DueDate,
			Amount:            e.Amount,
			Status:            models.InstallmentStatusDue,
		}
	}
	return rows
}

// regenerate drops the undue rows of current, adds forward and renumbers the
// result by due date. Paid and skipped rows keep their position relative to
// each other and are placed before forward rows falling on the same date.
func regenerate(current, forward []*models.Installment) []*models.Installment {
	next := make([]*models.Installment, 0, len(current)+len(forward))
	for _, inst := range current {
		if !inst.Undue() {
			next = append(next, inst)
		}
	}
	next = append(next, forward...)
	slices.SortStableFunc(next, func(a, b *models.Installment) int {
		return a.DueDate.Compare(b.DueDate)
	})
	renumber(next)
	return next
}

func renumber(rows []*models.Installment) {
	for i, inst := range rows {
		inst.InstallmentNumber = i + 1
	}
}

// undue returns the due rows in schedule order.
func undue(rows []*models.Installment) []*models.Installment {
	var due []*models.Installment
	for _, inst := range rows {
		if inst.Undue() {
			due = append(due, inst)
		}
	}
	return due
}

// scheduled counts the regular installments still part of the repayment
// (paid or due). Ad-hoc payment rows are not installments of the plan.
func scheduled(rows []*models.Installment) int {
	n := 0
	for _, inst := range rows {
		if inst.Status != models.InstallmentStatusSkipped && !inst.AdHoc {
			n++
		}
	}
	return n
}

// nextDueDate is the due date of the earliest due row, or fallback when none
// is left.
func nextDueDate(rows []*models.Installment, fallback time.Time) time.Time {
	for _, inst := range rows {
		if inst.Undue() {
			return inst.DueDate
		}
	}
	return fallback
}

func lastDueDate(rows []*models.Installment) time.Time {
	var last time.Time
	for _, inst := range rows {
		if inst.DueDate.After(last) {
			last = inst.DueDate
		}
	}
	return last
}

func sumAmounts(rows []*models.Installment) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range rows {
		total = total.Add(inst.Amount)
	}
	return total
}

// checkSchedule verifies the stored-schedule invariants of loan: numbering is
// dense from 1, due dates never decrease, every amount is positive and the
// paid plus due rows add up to the principal within one minor unit.
func checkSchedule(loan *models.Loan, rows []*models.Installment) error {
	total := decimal.Zero
	for i, inst := range rows {
		if inst.LoanID != loan.ID {
			return fmt.Errorf("ledger: installment %s belongs to loan %s", inst.ID, inst.LoanID)
		}
		if inst.InstallmentNumber != i+1 {
			return fmt.Errorf("ledger: installment numbering not dense at position %d (got %d)", i+1, inst.InstallmentNumber)
		}
		if i > 0 && inst.DueDate.Before(rows[i-1].DueDate) {
			return fmt.Errorf("ledger: installment %d is due before installment %d", inst.InstallmentNumber, rows[i-1].InstallmentNumber)
		}
		if inst.Amount.LessThanOrEqual(decimal.Zero) {
			return fmt.Errorf("ledger: installment %d has non-positive amount %s", inst.InstallmentNumber, inst.Amount)
		}
		if inst.Status != models.InstallmentStatusSkipped {
			total = total.Add(inst.Amount)
		}
	}
	if len(rows) > 0 && !amortization.WithinMinorUnit(total, loan.PrincipalAmount) {
		return fmt.Errorf("ledger: schedule of loan %s sums to %s, principal is %s", loan.ID, total, loan.PrincipalAmount)
	}
	return nil
}

// checkHistory verifies that every paid or skipped row of before is still
// present in after with unchanged financial fields. Only its number may move.
func checkHistory(before, after []*models.Installment) error {
	byID := make(map[uuid.UUID]*models.Installment, len(after))
	for _, inst := range after {
		byID[inst.ID] = inst
	}
	for _, old := range before {
		if old.Undue() {
			continue
		}
		cur, ok := byID[old.ID]
		if !ok {
			return fmt.Errorf("ledger: %s installment %s was removed", old.Status, old.ID)
		}
		if cur.Status != old.Status || !cur.Amount.Equal(old.Amount) || !cur.DueDate.Equal(old.DueDate) ||
			cur.AdHoc != old.AdHoc || !samePaid(old, cur) {
			return fmt.Errorf("ledger: %s installment %s was rewritten", old.Status, old.ID)
		}
	}
	return nil
}

func samePaid(a, b *models.Installment) bool {
	if (a.PaidAt == nil) != (b.PaidAt == nil) {
		return false
	}
	if a.PaidAt != nil && !a.PaidAt.Equal(*b.PaidAt) {
		return false
	}
	if (a.PaidMethod == nil) != (b.PaidMethod == nil) {
		return false
	}
	return a.PaidMethod == nil || *a.PaidMethod == *b.PaidMethod
}

func cloneInstallments(rows []*models.Installment) []*models.Installment {
	out := make([]*models.Installment, len(rows))
	for i, inst := range rows {
		c := *inst
		out[i] = &c
	}
	return out
}

func findInstallment(rows []*models.Installment, id uuid.UUID) *models.Installment {
	for _, inst := range rows {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}
