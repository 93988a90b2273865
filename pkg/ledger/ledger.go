package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/directory"
	"github.com/mcclellann/payAdvance/pkg/eventlog"
	"github.com/mcclellann/payAdvance/pkg/models"
	"github.com/mcclellann/payAdvance/pkg/notify"
	"github.com/mcclellann/payAdvance/pkg/store"
)

// Actions reported to the notifier and the log.
const (
	ActionRequest        = "request"
	ActionApprove        = "approve"
	ActionReject         = "reject"
	ActionCancel         = "cancel"
	ActionDisburse       = "disburse"
	ActionPayment        = "payment"
	ActionRestructure    = "restructure"
	ActionSkip           = "skip"
	ActionDelete         = "delete"
	ActionNote           = "note"
	ActionPayrollConfirm = "payroll_confirm"
	ActionWatch          = "watch" // Subscribe to the live event feed
)

// Ledger runs the loan lifecycle. Every mutating operation reads a snapshot,
// computes the new state and commits it in one transaction conditioned on the
// loan version it read.
type Ledger struct {
	storage   store.Storage
	events    *eventlog.Log
	notifier  notify.Notifier
	directory directory.Directory
	log       *slog.Logger
	now       func() time.Time
}

type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.log = logger }
}

func WithNotifier(n notify.Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithDirectory enables employee validation on RequestLoan.
func WithDirectory(d directory.Directory) Option {
	return func(l *Ledger) { l.directory = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:  s,
		notifier: notify.Nop{},
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.events = eventlog.New(s, l.now)
	return l
}

// mutation is the outcome of one lifecycle step, ready to commit.
type mutation struct {
	loan     *models.Loan
	schedule []*models.Installment // nil leaves the stored schedule untouched
	events   []*models.Event
}

func (m *mutation) event(ev *models.Event) {
	ev.LoanID = m.loan.ID
	m.events = append(m.events, ev)
}

type step func(loan *models.Loan, rows []*models.Installment) (*mutation, error)

// mutate applies fn to a fresh snapshot of loanID and commits the result. A
// writer that committed in between makes the commit fail with
// models.ErrConcurrentModification.
func (l *Ledger) mutate(ctx context.Context, loanID uuid.UUID, action string, fn step) (*mutation, []*models.Installment, error) {
	loan, rows, err := l.storage.Snapshot(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	expected := loan.Version
	before := cloneInstallments(rows)

	m, err := fn(loan, rows)
	if err != nil {
		return nil, nil, err
	}
	m.loan.UpdatedAt = l.now()

	if m.schedule != nil {
		if err := checkSchedule(m.loan, m.schedule); err != nil {
			return nil, nil, err
		}
		if err := checkHistory(before, m.schedule); err != nil {
			return nil, nil, err
		}
	}

	err = l.storage.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateLoan(ctx, m.loan, expected); err != nil {
			return err
		}
		if m.schedule != nil {
			if err := tx.ReplaceSchedule(ctx, m.loan.ID, m.schedule); err != nil {
				return err
			}
		}
		for _, ev := range m.events {
			if err := l.events.Append(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to %s loan %s: %w", action, loanID, err)
	}

	l.log.Info("loan updated", "loan_id", loanID, "action", action, "status", m.loan.Status, "version", m.loan.Version)
	l.publish(ctx, action, m.loan, m.events...)

	current := m.schedule
	if current == nil {
		current = rows
	}
	return m, current, nil
}

// publish hands committed events to the notifier. Failures are logged only.
func (l *Ledger) publish(ctx context.Context, action string, loan *models.Loan, events ...*models.Event) {
	send := func(ev *models.Event) {
		de := notify.DomainEvent{
			Action:     action,
			LoanID:     loan.ID,
			EmployeeID: loan.EmployeeID,
			Status:     loan.Status,
			Version:    loan.Version,
			Event:      ev,
			OccurredAt: l.now(),
		}
		if err := l.notifier.Notify(ctx, de); err != nil {
			l.log.Warn("failed to publish loan event", "loan_id", loan.ID, "action", action, "error", err)
		}
	}
	if len(events) == 0 {
		send(nil)
		return
	}
	for _, ev := range events {
		send(ev)
	}
}

func noteEvent(notes string) *models.Event {
	return &models.Event{EventType: models.EventTypeNote, Notes: notes}
}
