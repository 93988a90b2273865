package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type failing struct{ err error }

func (f failing) Notify(context.Context, DomainEvent) error { return f.err }

func TestMulti(t *testing.T) {
	mem := &Memory{}
	boom := errors.New("boom")
	m := Multi{Nop{}, failing{boom}, mem}

	err := m.Notify(context.Background(), DomainEvent{Action: "approve", LoanID: uuid.New()})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"approve"}, mem.Actions(), "later notifiers still run after a failure")

	require.NoError(t, Multi{Nop{}, mem}.Notify(context.Background(), DomainEvent{Action: "disburse"}))
	assert.Equal(t, []string{"approve", "disburse"}, mem.Actions())
	assert.Len(t, mem.Events(), 2)
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(quiet)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_Broadcast(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	loanID := uuid.New()
	require.NoError(t, hub.Notify(context.Background(), DomainEvent{Action: "disburse", LoanID: loanID, Version: 3}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got DomainEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "disburse", got.Action)
	assert.Equal(t, loanID, got.LoanID)
	assert.Equal(t, int64(3), got.Version)
}

func TestHub_LoanFilter(t *testing.T) {
	hub, url := startHub(t)
	watched := uuid.New()
	conn := dial(t, url+"?loan_id="+watched.String())
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	hub.Notify(context.Background(), DomainEvent{Action: "approve", LoanID: uuid.New()})
	hub.Notify(context.Background(), DomainEvent{Action: "payment", LoanID: watched})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got DomainEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "payment", got.Action)
	assert.Equal(t, watched, got.LoanID)
}

func TestHub_RejectsBadLoanID(t *testing.T) {
	hub := NewHub(quiet)
	rr := httptest.NewRecorder()
	hub.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/events?loan_id=nope", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub, url := startHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	host := strings.TrimPrefix(url, "ws://")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://" + host}})
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_ClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub(quiet)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Clients())
}

func TestNewRedisNotifier_Disabled(t *testing.T) {
	assert.Nil(t, NewRedisNotifier(context.Background(), "", "", quiet))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Nil(t, NewRedisNotifier(ctx, "127.0.0.1:1", "", quiet), "unreachable server disables publishing")
}

func TestRedisNotifier_PublishError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	n := NewRedisNotifierFromClient(client, "")
	defer n.Close()
	assert.Equal(t, DefaultChannel, n.Channel())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := n.Notify(ctx, DomainEvent{Action: "skip", LoanID: uuid.New()})
	assert.ErrorContains(t, err, "failed to publish skip event")
}
