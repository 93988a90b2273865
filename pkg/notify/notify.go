// Package notify delivers committed loan lifecycle actions to external
// subscribers. Delivery is fire-and-forget: a failed publish never affects the
// ledger.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/models"
)

// DomainEvent describes one committed lifecycle action.
type DomainEvent struct {
	Action     string            `json:"action"`
	LoanID     uuid.UUID         `json:"loan_id"`
	EmployeeID string            `json:"employee_id"`
	Status     models.LoanStatus `json:"status"`
	Version    int64             `json:"version"`
	Event      *models.Event     `json:"event,omitempty"` // Nil for actions without a ledger event
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier publishes domain events.
type Notifier interface {
	Notify(ctx context.Context, ev DomainEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, DomainEvent) error { return nil }

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev DomainEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in memory. Useful in tests.
type Memory struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (m *Memory) Notify(_ context.Context, ev DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of everything received so far.
func (m *Memory) Events() []DomainEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DomainEvent(nil), m.events...)
}

// Actions lists the Action of every received event in order.
func (m *Memory) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	actions := make([]string, len(m.events))
	for i, ev := range m.events {
		actions[i] = ev.Action
	}
	return actions
}
