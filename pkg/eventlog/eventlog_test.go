package eventlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/eventlog"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/mcclellann/payAdvance/pkg/store"
	"github.com/mcclellann/payAdvance/pkg/store/storetest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLoan(t *testing.T, s store.Storage) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	loan := &models.Loan{
		ID:              uuid.New(),
		EmployeeID:      "emp-1",
		PrincipalAmount: decimal.NewFromInt(500),
		Status:          models.LoanStatusRequested,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateLoan(context.Background(), loan)
	}))
	return loan.ID
}

func TestLog_AppendAssignsIdentity(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	loanID := seedLoan(t, s)

	fixed := time.Date(2026, time.May, 1, 9, 0, 0, 0, time.UTC)
	log := eventlog.New(s, func() time.Time { return fixed })

	ev := &models.Event{LoanID: loanID, EventType: models.EventTypeNote, Notes: "called employee"}
	require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error { return log.Append(ctx, tx, ev) }))

	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, uuid.Version(7), ev.ID.Version())
	assert.True(t, fixed.Equal(ev.CreatedAt))

	history, err := log.History(ctx, loanID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "called employee", history[0].Notes)
}

func TestLog_HistoryNewestFirstWithinSameInstant(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	loanID := seedLoan(t, s)

	fixed := time.Date(2026, time.May, 1, 9, 0, 0, 0, time.UTC)
	log := eventlog.New(s, func() time.Time { return fixed })

	for _, note := range []string{"first", "second", "third"} {
		ev := &models.Event{LoanID: loanID, EventType: models.EventTypeNote, Notes: note}
		require.NoError(t, s.WithinTx(ctx, func(tx store.Tx) error { return log.Append(ctx, tx, ev) }))
	}

	history, err := log.History(ctx, loanID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "third", history[0].Notes)
	assert.Equal(t, "second", history[1].Notes)
	assert.Equal(t, "first", history[2].Notes)
}

func TestLog_AppendRejectsUnknownType(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	loanID := seedLoan(t, s)
	log := eventlog.New(s, nil)

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		return log.Append(ctx, tx, &models.Event{LoanID: loanID, EventType: "interest"})
	})
	assert.Error(t, err)

	history, err := log.History(ctx, loanID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLog_AppendRolledBackWithTransaction(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()
	loanID := seedLoan(t, s)
	log := eventlog.New(s, nil)

	err := s.WithinTx(ctx, func(tx store.Tx) error {
		if err := log.Append(ctx, tx, &models.Event{LoanID: loanID, EventType: models.EventTypeNote}); err != nil {
			return err
		}
		return models.ErrInvalidTransition
	})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	history, err := log.History(ctx, loanID)
	require.NoError(t, err)
	assert.Empty(t, history)
}
