package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/directory"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/mcclellann/payAdvance/pkg/notify"
	"github.com/mcclellann/payAdvance/pkg/store"
	"github.com/mcclellann/payAdvance/pkg/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, time.January, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	ledger   *Ledger
	store    *store.SQLStore
	notifier *notify.Memory
	ctx      context.Context
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	s := storetest.New(t)
	n := &notify.Memory{}
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithNotifier(n),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return &harness{
		ledger:   NewLedger(s, opts...),
		store:    s,
		notifier: n,
		ctx:      WithAuthorization(context.Background(), true),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

// activeLoan requests, approves and disburses a loan.
func (h *harness) activeLoan(t *testing.T, principal string, terms models.Terms) (*models.Loan, []*models.Installment) {
	t.Helper()
	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec(principal)})
	if err != nil {
		t.Fatalf("Failed to request loan: %v", err)
	}
	if _, err := h.ledger.ApproveLoan(h.ctx, loan.ID, true, false); err != nil {
		t.Fatalf("Failed to approve loan: %v", err)
	}
	d, err := h.ledger.DisburseLoan(h.ctx, loan.ID, terms, nil)
	if err != nil {
		t.Fatalf("Failed to disburse loan: %v", err)
	}
	return d.Loan, d.Installments
}

func (h *harness) assertInvariants(t *testing.T, loanID uuid.UUID) {
	t.Helper()
	loan, rows, err := h.store.Snapshot(context.Background(), loanID)
	require.NoError(t, err)
	assert.NoError(t, checkSchedule(loan, rows))
	if loan.Status == models.LoanStatusActive {
		assert.True(t, loan.HasTerms())
	}
}

func countStatus(rows []*models.Installment, status models.InstallmentStatus) int {
	n := 0
	for _, inst := range rows {
		if inst.Status == status {
			n++
		}
	}
	return n
}

func TestRequestLoan(t *testing.T) {
	h := newHarness(t)

	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("1200"), Notes: "new laptop"})
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusRequested, loan.Status)
	assert.False(t, loan.HasTerms())
	assert.Nil(t, loan.DisbursedAt)
	assert.Equal(t, int64(1), loan.Version)

	stored, err := h.ledger.GetLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "new laptop", stored.Notes)
	assert.Equal(t, "1200", stored.OutstandingBalance.String())

	history, err := h.ledger.History(h.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.EventTypeNote, history[0].EventType)
	assert.Equal(t, []string{ActionRequest}, h.notifier.Actions())
}

func TestRequestLoan_WithTerms(t *testing.T) {
	h := newHarness(t)
	start := date(2026, time.March, 31)

	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{
		EmployeeID: "emp-1",
		Principal:  dec("1050"),
		Terms:      models.FixedInstallment{Amount: dec("100")},
		StartDate:  &start,
	})
	require.NoError(t, err)
	require.True(t, loan.HasTerms())
	assert.Equal(t, "100", loan.InstallmentAmount.Decimal.String())
	assert.Equal(t, 11, *loan.DurationMonths)
	assert.True(t, start.Equal(*loan.StartDate))
}

func TestRequestLoan_Validation(t *testing.T) {
	dir := directory.NewStatic(
		directory.Employee{ID: "emp-1", Active: true},
		directory.Employee{ID: "emp-gone", Active: false},
	)
	h := newHarness(t, WithDirectory(dir))

	tests := []struct {
		name    string
		req     LoanRequest
		wantErr error
	}{
		{"zero principal", LoanRequest{EmployeeID: "emp-1", Principal: decimal.Zero}, models.ErrInvalidAmount},
		{"negative principal", LoanRequest{EmployeeID: "emp-1", Principal: dec("-5")}, models.ErrInvalidAmount},
		{"sub-cent principal", LoanRequest{EmployeeID: "emp-1", Principal: dec("10.005")}, models.ErrInvalidAmount},
		{"unknown employee", LoanRequest{EmployeeID: "emp-404", Principal: dec("100")}, models.ErrEmployeeNotFound},
		{"inactive employee", LoanRequest{EmployeeID: "emp-gone", Principal: dec("100")}, models.ErrEmployeeInactive},
		{"bad terms", LoanRequest{EmployeeID: "emp-1", Principal: dec("100"), Terms: models.FixedDuration{Months: 0}}, models.ErrInvalidTermKind},
		{"duration over cap", LoanRequest{EmployeeID: "emp-1", Principal: dec("100000"), Terms: models.FixedDuration{Months: 3_000_000}}, models.ErrInvalidTermKind},
		{"sub-cent installment", LoanRequest{EmployeeID: "emp-1", Principal: dec("1"), Terms: models.FixedInstallment{Amount: dec("0.003")}}, models.ErrInvalidTermKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.ledger.RequestLoan(h.ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	loans, err := h.ledger.ListLoans(h.ctx, models.LoanFilter{})
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func TestApproveRejectCancel(t *testing.T) {
	h := newHarness(t)

	requested := func() *models.Loan {
		loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("300")})
		require.NoError(t, err)
		return loan
	}

	t.Run("approve", func(t *testing.T) {
		loan := requested()
		approved, err := h.ledger.ApproveLoan(h.ctx, loan.ID, true, false)
		require.NoError(t, err)
		assert.Equal(t, models.LoanStatusApproved, approved.Status)
		assert.True(t, approved.DeductFromPayroll)
		assert.Equal(t, int64(2), approved.Version)

		_, err = h.ledger.ApproveLoan(h.ctx, loan.ID, true, false)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		_, err = h.ledger.RejectLoan(h.ctx, loan.ID, "")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("reject", func(t *testing.T) {
		loan := requested()
		rejected, err := h.ledger.RejectLoan(h.ctx, loan.ID, "probation period")
		require.NoError(t, err)
		assert.Equal(t, models.LoanStatusRejected, rejected.Status)

		history, err := h.ledger.History(h.ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, "loan rejected: probation period", history[0].Notes)

		_, err = h.ledger.CancelLoan(h.ctx, loan.ID, "")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("cancel approved", func(t *testing.T) {
		loan := requested()
		_, err := h.ledger.ApproveLoan(h.ctx, loan.ID, false, false)
		require.NoError(t, err)
		cancelled, err := h.ledger.CancelLoan(h.ctx, loan.ID, "no longer needed")
		require.NoError(t, err)
		assert.Equal(t, models.LoanStatusCancelled, cancelled.Status)

		_, err = h.ledger.DisburseLoan(h.ctx, loan.ID, models.FixedDuration{Months: 3}, nil)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
	})

	t.Run("unauthorized", func(t *testing.T) {
		loan := requested()
		plain := context.Background()
		_, err := h.ledger.ApproveLoan(plain, loan.ID, true, false)
		assert.ErrorIs(t, err, models.ErrNotAuthorized)
		_, err = h.ledger.RejectLoan(WithAuthorization(plain, false), loan.ID, "")
		assert.ErrorIs(t, err, models.ErrNotAuthorized)

		fetched, err := h.ledger.GetLoan(h.ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LoanStatusRequested, fetched.Status)
	})

	t.Run("missing loan", func(t *testing.T) {
		_, err := h.ledger.ApproveLoan(h.ctx, uuid.New(), true, false)
		assert.ErrorIs(t, err, models.ErrLoanNotFound)
	})
}

func TestDisburseLoan_ExactDivision(t *testing.T) {
	h := newHarness(t)

	loan, rows := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	assert.Equal(t, models.LoanStatusActive, loan.Status)
	require.NotNil(t, loan.DisbursedAt)
	assert.True(t, testNow.Equal(*loan.DisbursedAt))
	assert.Equal(t, "100", loan.InstallmentAmount.Decimal.String())
	assert.Equal(t, 12, *loan.DurationMonths)

	require.Len(t, rows, 12)
	for i, inst := range rows {
		assert.Equal(t, i+1, inst.InstallmentNumber)
		assert.Equal(t, "100", inst.Amount.String())
		assert.Equal(t, models.InstallmentStatusDue, inst.Status)
		assert.True(t, date(2026, time.February, 1).AddDate(0, i, 0).Equal(inst.DueDate), "installment %d due %s", i+1, inst.DueDate)
	}

	history, err := h.ledger.History(h.ctx, loan.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	disburse := history[0]
	assert.Equal(t, models.EventTypeDisburse, disburse.EventType)
	assert.Equal(t, "1200", disburse.AmountDelta.Decimal.String())
	assert.Equal(t, "100", disburse.NewInstallmentAmount.Decimal.String())
	assert.Equal(t, 12, *disburse.NewDurationMonths)

	assert.Equal(t, []string{ActionRequest, ActionApprove, ActionDisburse}, h.notifier.Actions())
	h.assertInvariants(t, loan.ID)
}

func TestDisburseLoan_RoundingAbsorbedByLast(t *testing.T) {
	h := newHarness(t)

	_, rows := h.activeLoan(t, "1000", models.FixedDuration{Months: 3})

	require.Len(t, rows, 3)
	assert.Equal(t, "333.33", rows[0].Amount.String())
	assert.Equal(t, "333.33", rows[1].Amount.String())
	assert.Equal(t, "333.34", rows[2].Amount.String())
	assert.Equal(t, "1000", sumAmounts(rows).String())
}

func TestDisburseLoan_Twice(t *testing.T) {
	h := newHarness(t)
	loan, first := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	_, err := h.ledger.DisburseLoan(h.ctx, loan.ID, models.FixedDuration{Months: 6}, nil)
	assert.ErrorIs(t, err, models.ErrAlreadyDisbursed)

	rows, err := h.ledger.ListInstallments(h.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, rows, len(first))
	for i := range rows {
		assert.Equal(t, first[i].ID, rows[i].ID)
		assert.True(t, first[i].Amount.Equal(rows[i].Amount))
	}
}

func TestDisburseLoan_ExplicitStartAndRequestedTerms(t *testing.T) {
	h := newHarness(t)
	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{
		EmployeeID: "emp-1",
		Principal:  dec("1000"),
		Terms:      models.FixedDuration{Months: 3},
	})
	require.NoError(t, err)
	_, err = h.ledger.ApproveLoan(h.ctx, loan.ID, false, false)
	require.NoError(t, err)

	start := date(2026, time.January, 31)
	d, err := h.ledger.DisburseLoan(h.ctx, loan.ID, nil, &start)
	require.NoError(t, err)

	require.Len(t, d.Installments, 3)
	assert.True(t, date(2026, time.January, 31).Equal(d.Installments[0].DueDate))
	assert.True(t, date(2026, time.February, 28).Equal(d.Installments[1].DueDate))
	assert.True(t, date(2026, time.March, 31).Equal(d.Installments[2].DueDate))
	assert.Equal(t, "333.33", d.Loan.InstallmentAmount.Decimal.String())
}

func TestDisburseLoan_WithoutTerms(t *testing.T) {
	h := newHarness(t)
	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("500")})
	require.NoError(t, err)
	_, err = h.ledger.ApproveLoan(h.ctx, loan.ID, true, false)
	require.NoError(t, err)

	_, err = h.ledger.DisburseLoan(h.ctx, loan.ID, nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidTermKind)

	_, err = h.ledger.DisburseLoan(h.ctx, loan.ID, models.FixedInstallment{Amount: decimal.Zero}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidTermKind)
}

func TestApproveLoan_AutoDisburse(t *testing.T) {
	h := newHarness(t)

	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{
		EmployeeID: "emp-1",
		Principal:  dec("1050"),
		Terms:      models.FixedInstallment{Amount: dec("100")},
	})
	require.NoError(t, err)

	active, err := h.ledger.ApproveLoan(h.ctx, loan.ID, true, true)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, active.Status)
	assert.Equal(t, int64(2), active.Version)

	rows, err := h.ledger.ListInstallments(h.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, rows, 11)
	assert.Equal(t, "50", rows[10].Amount.String())

	history, err := h.ledger.History(h.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.EventTypeDisburse, history[0].EventType)
	assert.Equal(t, models.EventTypeNote, history[1].EventType)

	t.Run("without requested terms", func(t *testing.T) {
		bare, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("100")})
		require.NoError(t, err)

		_, err = h.ledger.ApproveLoan(h.ctx, bare.ID, true, true)
		assert.ErrorIs(t, err, models.ErrInvalidTermKind)

		fetched, err := h.ledger.GetLoan(h.ctx, bare.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LoanStatusRequested, fetched.Status)
	})
}

func TestMakeAdHocPayment_ReduceDuration(t *testing.T) {
	h := newHarness(t)
	loan, _ := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	res, err := h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("500"), models.RescheduleReduceDuration)
	require.NoError(t, err)

	assert.Equal(t, models.LoanStatusActive, res.Loan.Status)
	assert.True(t, res.Leftover.IsZero())
	assert.Equal(t, "100", res.Loan.InstallmentAmount.Decimal.String())
	assert.Equal(t, 7, *res.Loan.DurationMonths)

	due := undue(res.Installments)
	require.Len(t, due, 7)
	for _, inst := range due {
		assert.Equal(t, "100", inst.Amount.String())
	}
	assert.True(t, date(2026, time.February, 1).Equal(due[0].DueDate))

	view, err := h.ledger.GetLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "700", view.OutstandingBalance.String())
	assert.Equal(t, 7, view.DueInstallments)

	history, err := h.ledger.History(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeManualPayment, history[0].EventType)
	assert.Equal(t, "500", history[0].AmountDelta.Decimal.String())
	assert.Equal(t, 7, *history[0].NewDurationMonths)

	var adHoc []*models.Installment
	for _, inst := range res.Installments {
		if inst.AdHoc {
			adHoc = append(adHoc, inst)
		}
	}
	require.Len(t, adHoc, 1)
	assert.Equal(t, "500", adHoc[0].Amount.String())
	assert.Equal(t, models.InstallmentStatusPaid, adHoc[0].Status)

	h.assertInvariants(t, loan.ID)
}

func TestMakeAdHocPayment_ReduceAmount(t *testing.T) {
	h := newHarness(t)
	loan, _ := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	res, err := h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("300"), models.RescheduleReduceAmount)
	require.NoError(t, err)

	due := undue(res.Installments)
	require.Len(t, due, 12)
	for _, inst := range due {
		assert.Equal(t, "75", inst.Amount.String())
	}
	assert.Equal(t, "75", res.Loan.InstallmentAmount.Decimal.String())
	assert.Equal(t, 12, *res.Loan.DurationMonths)
	h.assertInvariants(t, loan.ID)
}

func TestMakeAdHocPayment_ApplyNext(t *testing.T) {
	h := newHarness(t)
	loan, _ := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	res, err := h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("250"), models.RescheduleApplyNext)
	require.NoError(t, err)

	assert.Equal(t, "50", res.Leftover.String())
	require.Len(t, res.Installments, 12)
	assert.Equal(t, models.InstallmentStatusPaid, res.Installments[0].Status)
	assert.Equal(t, models.InstallmentStatusPaid, res.Installments[1].Status)
	assert.Equal(t, models.InstallmentStatusDue, res.Installments[2].Status)
	assert.Equal(t, models.PaidMethodManual, *res.Installments[0].PaidMethod)

	view, err := h.ledger.GetLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000", view.OutstandingBalance.String())

	history, err := h.ledger.History(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "250", history[0].AmountDelta.Decimal.String())
	assert.Contains(t, history[0].Notes, "50.00 not applied")

	t.Run("payment below next installment", func(t *testing.T) {
		res, err := h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("50"), models.RescheduleApplyNext)
		require.NoError(t, err)

		assert.Equal(t, "50", res.Leftover.String())
		assert.Equal(t, 2, countStatus(res.Installments, models.InstallmentStatusPaid))
		assert.Equal(t, 10, countStatus(res.Installments, models.InstallmentStatusDue))

		view, err := h.ledger.GetLoan(h.ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, "1000", view.OutstandingBalance.String())

		history, err := h.ledger.History(h.ctx, loan.ID)
		require.NoError(t, err)
		assert.Contains(t, history[0].Notes, "50.00 not applied")
	})
	h.assertInvariants(t, loan.ID)
}

func TestMakeAdHocPayment_FullBalanceCloses(t *testing.T) {
	for _, option := range []models.RescheduleOption{
		models.RescheduleReduceDuration,
		models.RescheduleReduceAmount,
		models.RescheduleApplyNext,
	} {
		t.Run(string(option), func(t *testing.T) {
			h := newHarness(t)
			loan, _ := h.activeLoan(t, "1000", models.FixedDuration{Months: 3})

			res, err := h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("1000"), option)
			require.NoError(t, err)

			assert.Equal(t, models.LoanStatusClosed, res.Loan.Status)
			assert.Zero(t, countStatus(res.Installments, models.InstallmentStatusDue))
			for _, inst := range res.Installments {
				if inst.Status == models.InstallmentStatusSkipped {
					assert.Equal(t, ClosedByPaymentReason, *inst.SkippedReason)
				}
			}

			view, err := h.ledger.GetLoan(h.ctx, loan.ID)
			require.NoError(t, err)
			assert.True(t, view.OutstandingBalance.IsZero())
			h.assertInvariants(t, loan.ID)

			_, err = h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("1"), option)
			assert.ErrorIs(t, err, models.ErrInvalidTransition)
		})
	}
}

func TestMakeAdHocPayment_Validation(t *testing.T) {
	h := newHarness(t)
	loan, _ := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	_, err := h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("1200.01"), models.RescheduleReduceDuration)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = h.ledger.MakeAdHocPayment(h.ctx, loan.ID, decimal.Zero, models.RescheduleReduceDuration)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("10"), "pay_later")
	assert.ErrorIs(t, err, models.ErrInvalidTermKind)

	requested, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("100")})
	require.NoError(t, err)
	_, err = h.ledger.MakeAdHocPayment(h.ctx, requested.ID, dec("10"), models.RescheduleReduceDuration)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestRestructureLoan_NoOpKeepsDuration(t *testing.T) {
	h := newHarness(t)
	loan, _ := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	res, err := h.ledger.RestructureLoan(h.ctx, loan.ID, RestructureRequest{
		EffectiveDate: date(2026, time.February, 1),
		Method:        models.FixedInstallment{Amount: dec("100")},
	})
	require.NoError(t, err)

	assert.Equal(t, 12, *res.Loan.DurationMonths)
	assert.Equal(t, "100", res.Loan.InstallmentAmount.Decimal.String())
	assert.Equal(t, "1200", res.Loan.PrincipalAmount.String())
	assert.Equal(t, models.EventTypeRestructure, res.Event.EventType)
	assert.True(t, res.Event.AmountDelta.Decimal.IsZero())
	h.assertInvariants(t, loan.ID)
}

func TestRestructureLoan_TopUpAfterPayroll(t *testing.T) {
	h := newHarness(t)
	loan, rows := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	for _, inst := range rows[:2] {
		_, err := h.ledger.ConfirmPayrollDeduction(h.ctx, inst.ID, "run-2026-02")
		require.NoError(t, err)
	}

	res, err := h.ledger.RestructureLoan(h.ctx, loan.ID, RestructureRequest{
		EffectiveDate: date(2026, time.April, 1),
		TopUpAmount:   dec("200"),
		Method:        models.FixedDuration{Months: 6},
	})
	require.NoError(t, err)

	assert.Equal(t, "1400", res.Loan.PrincipalAmount.String())
	assert.Equal(t, "200", res.Loan.InstallmentAmount.Decimal.String())
	assert.Equal(t, 8, *res.Loan.DurationMonths)
	assert.Equal(t, "200", res.Event.AmountDelta.Decimal.String())
	assert.Equal(t, 8, *res.Event.NewDurationMonths)

	require.Len(t, res.Installments, 8)
	assert.Equal(t, rows[0].ID, res.Installments[0].ID)
	assert.Equal(t, rows[1].ID, res.Installments[1].ID)
	for i, inst := range res.Installments[2:] {
		assert.Equal(t, models.InstallmentStatusDue, inst.Status)
		assert.Equal(t, "200", inst.Amount.String())
		assert.True(t, date(2026, time.April, 1).AddDate(0, i, 0).Equal(inst.DueDate))
	}

	view, err := h.ledger.GetLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, "1200", view.OutstandingBalance.String())
	h.assertInvariants(t, loan.ID)
}

func TestRestructureLoan_Errors(t *testing.T) {
	h := newHarness(t)
	loan, _ := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})
	effective := date(2026, time.March, 1)

	_, err := h.ledger.RestructureLoan(h.ctx, loan.ID, RestructureRequest{EffectiveDate: effective, Method: models.FixedDuration{Months: 0}})
	assert.ErrorIs(t, err, models.ErrInvalidTermKind)

	_, err = h.ledger.RestructureLoan(h.ctx, loan.ID, RestructureRequest{EffectiveDate: effective, Method: nil})
	assert.ErrorIs(t, err, models.ErrInvalidTermKind)

	_, err = h.ledger.RestructureLoan(h.ctx, loan.ID, RestructureRequest{Method: models.FixedDuration{Months: 6}})
	assert.ErrorIs(t, err, models.ErrInvalidRestructure)

	_, err = h.ledger.RestructureLoan(h.ctx, loan.ID, RestructureRequest{EffectiveDate: effective, TopUpAmount: dec("-1"), Method: models.FixedDuration{Months: 6}})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = h.ledger.RestructureLoan(context.Background(), loan.ID, RestructureRequest{EffectiveDate: effective, Method: models.FixedDuration{Months: 6}})
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	rows, err := h.ledger.ListInstallments(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 12)
}

func TestSkipInstallment(t *testing.T) {
	h := newHarness(t)
	loan, rows := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	res, err := h.ledger.SkipInstallment(h.ctx, loan.ID, rows[0].ID, "medical leave")
	require.NoError(t, err)

	require.Len(t, res.Installments, 13)
	first := res.Installments[0]
	assert.Equal(t, models.InstallmentStatusSkipped, first.Status)
	assert.Equal(t, "medical leave", *first.SkippedReason)

	appended := res.Installments[12]
	assert.Equal(t, 13, appended.InstallmentNumber)
	assert.Equal(t, "100", appended.Amount.String())
	assert.Equal(t, models.InstallmentStatusDue, appended.Status)
	assert.True(t, date(2027, time.February, 1).Equal(appended.DueDate))

	assert.Equal(t, 12, countStatus(res.Installments, models.InstallmentStatusDue)+countStatus(res.Installments, models.InstallmentStatusPaid))
	assert.Equal(t, "1200", sumAmounts(undue(res.Installments)).String())
	assert.Equal(t, models.EventTypeSkipInstallment, res.Event.EventType)

	view, err := h.ledger.GetLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, *view.DurationMonths)
	h.assertInvariants(t, loan.ID)

	t.Run("not due", func(t *testing.T) {
		_, err := h.ledger.SkipInstallment(h.ctx, loan.ID, rows[0].ID, "again")
		assert.ErrorIs(t, err, models.ErrNotDue)
	})

	t.Run("other loan", func(t *testing.T) {
		other, otherRows := h.activeLoan(t, "300", models.FixedDuration{Months: 3})
		_, err := h.ledger.SkipInstallment(h.ctx, loan.ID, otherRows[0].ID, "")
		assert.ErrorIs(t, err, models.ErrNotBelongsToLoan)

		fetched, err := h.ledger.ListInstallments(h.ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, models.InstallmentStatusDue, fetched[0].Status)
	})

	t.Run("unknown installment", func(t *testing.T) {
		_, err := h.ledger.SkipInstallment(h.ctx, loan.ID, uuid.New(), "")
		assert.ErrorIs(t, err, models.ErrInstallmentNotFound)
	})
}

func TestConfirmPayrollDeduction(t *testing.T) {
	h := newHarness(t)
	loan, rows := h.activeLoan(t, "300", models.FixedDuration{Months: 3})

	conf, err := h.ledger.ConfirmPayrollDeduction(h.ctx, rows[0].ID, "run-42")
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentStatusPaid, conf.Installment.Status)
	assert.Equal(t, models.PaidMethodPayroll, *conf.Installment.PaidMethod)
	assert.Equal(t, "run-42", *conf.Installment.PaidInPayrollRunID)
	assert.Equal(t, models.LoanStatusActive, conf.Loan.Status)

	_, err = h.ledger.ConfirmPayrollDeduction(h.ctx, rows[0].ID, "run-43")
	assert.ErrorIs(t, err, models.ErrAlreadyPaid)

	_, err = h.ledger.ConfirmPayrollDeduction(h.ctx, uuid.New(), "run-43")
	assert.ErrorIs(t, err, models.ErrInstallmentNotFound)

	for _, inst := range rows[1:] {
		conf, err = h.ledger.ConfirmPayrollDeduction(h.ctx, inst.ID, "run-43")
		require.NoError(t, err)
	}
	assert.Equal(t, models.LoanStatusClosed, conf.Loan.Status)
	h.assertInvariants(t, loan.ID)
}

func TestDeleteLoan(t *testing.T) {
	h := newHarness(t)

	loan, _ := h.activeLoan(t, "300", models.FixedDuration{Months: 3})
	require.NoError(t, h.ledger.DeleteLoan(h.ctx, loan.ID))

	_, err := h.ledger.GetLoan(h.ctx, loan.ID)
	assert.ErrorIs(t, err, models.ErrLoanNotFound)
	events, err := h.store.ListEvents(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	closed, _ := h.activeLoan(t, "300", models.FixedDuration{Months: 3})
	_, err = h.ledger.MakeAdHocPayment(h.ctx, closed.ID, dec("300"), models.RescheduleApplyNext)
	require.NoError(t, err)
	assert.ErrorIs(t, h.ledger.DeleteLoan(h.ctx, closed.ID), models.ErrTerminalStateProtected)

	requested, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("50")})
	require.NoError(t, err)
	assert.ErrorIs(t, h.ledger.DeleteLoan(context.Background(), requested.ID), models.ErrNotAuthorized)
	assert.NoError(t, h.ledger.DeleteLoan(h.ctx, requested.ID))
}

func TestAddNote(t *testing.T) {
	h := newHarness(t)
	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("50")})
	require.NoError(t, err)

	ev, err := h.ledger.AddNote(h.ctx, loan.ID, "employee called about schedule")
	require.NoError(t, err)
	assert.Equal(t, models.EventTypeNote, ev.EventType)

	_, err = h.ledger.AddNote(h.ctx, loan.ID, "   ")
	assert.ErrorIs(t, err, models.ErrEmptyNote)

	history, err := h.ledger.History(h.ctx, loan.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "employee called about schedule", history[0].Notes)

	_, err = h.ledger.History(h.ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrLoanNotFound)
}

func TestConcurrentDisburse_OneWins(t *testing.T) {
	h := newHarness(t)
	loan, err := h.ledger.RequestLoan(h.ctx, LoanRequest{EmployeeID: "emp-1", Principal: dec("1200")})
	require.NoError(t, err)
	_, err = h.ledger.ApproveLoan(h.ctx, loan.ID, true, false)
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.ledger.DisburseLoan(h.ctx, loan.ID, models.FixedDuration{Months: 6 * (i + 1)}, nil)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t,
			errors.Is(err, models.ErrConcurrentModification) || errors.Is(err, models.ErrAlreadyDisbursed),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	rows, err := h.ledger.ListInstallments(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, len(rows) == 6 || len(rows) == 12)
	h.assertInvariants(t, loan.ID)
}

func TestConcurrentPayments_KeepInvariants(t *testing.T) {
	h := newHarness(t)
	loan, _ := h.activeLoan(t, "1200", models.FixedDuration{Months: 12})

	var wg sync.WaitGroup
	for _, option := range []models.RescheduleOption{models.RescheduleReduceDuration, models.RescheduleReduceAmount} {
		wg.Add(1)
		go func(option models.RescheduleOption) {
			defer wg.Done()
			_, err := h.ledger.MakeAdHocPayment(h.ctx, loan.ID, dec("200"), option)
			if err != nil {
				assert.ErrorIs(t, err, models.ErrConcurrentModification)
			}
		}(option)
	}
	wg.Wait()

	h.assertInvariants(t, loan.ID)
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, notify.DomainEvent) error {
	return errors.New("sink down")
}

func TestNotifierFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t, WithNotifier(failingNotifier{}))

	loan, rows := h.activeLoan(t, "300", models.FixedDuration{Months: 3})
	assert.Len(t, rows, 3)

	fetched, err := h.ledger.GetLoan(h.ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, fetched.Status)
}
