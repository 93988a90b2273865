// Package eventlog is the append-only audit history of a loan.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/mcclellann/payAdvance/pkg/store"
)

// Reader is the read side the log needs from storage.
type Reader interface {
	ListEvents(ctx context.Context, loanID uuid.UUID) ([]*models.Event, error)
}

// Log appends events inside the caller's transaction and reads them back
// newest first. It has no update or delete operation.
type Log struct {
	reader Reader
	now    func() time.Time
}

// New creates a Log reading through r. A nil clock uses the wall clock.
func New(r Reader, clock func() time.Time) *Log {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Log{reader: r, now: clock}
}

// Append records ev in tx. ID and CreatedAt are assigned when unset; ids are
// time-ordered so events written in the same instant still sort by insertion.
func (l *Log) Append(ctx context.Context, tx store.Tx, ev *models.Event) error {
	if !validType(ev.EventType) {
		return fmt.Errorf("eventlog: unknown event type %q", ev.EventType)
	}
	if ev.LoanID == uuid.Nil {
		return fmt.Errorf("eventlog: event has no loan")
	}
	if ev.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("eventlog: failed to generate event id: %w", err)
		}
		ev.ID = id
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now()
	}
	return tx.AppendEvent(ctx, ev)
}

// History returns the events of loanID, newest first.
func (l *Log) History(ctx context.Context, loanID uuid.UUID) ([]*models.Event, error) {
	events, err := l.reader.ListEvents(ctx, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of loan %s: %w", loanID, err)
	}
	return events, nil
}

func validType(t models.EventType) bool {
	switch t {
	case models.EventTypeDisburse, models.EventTypeTopUp, models.EventTypeRestructure,
		models.EventTypeSkipInstallment, models.EventTypeManualPayment, models.EventTypeNote:
		return true
	}
	return false
}
