package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenland-imaging/gateway/internal/models"
)

// countingHandler records how many times each envelope reached the
// application, optionally failing on demand.
type countingHandler struct {
	mu    sync.Mutex
	seen  map[string]int
	fail  bool
	acked string
}

func newCountingHandler() *countingHandler {
	return &countingHandler{seen: map[string]int{}, acked: "created"}
}

func (h *countingHandler) HandleAction(ctx context.Context, env Envelope) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[env.ID]++
	if h.fail {
		return "", errors.New("store unavailable")
	}
	return h.acked, nil
}

func (h *countingHandler) count(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[id]
}

func TestListener_ProcessDedup(t *testing.T) {
	db := openTestDB(t)
	handler := newCountingHandler()
	l := &Listener{Queue: NewQueue(db), Handler: handler, Out: io.Discard}

	env := Envelope{ID: "msg-1", Type: models.TypeWorklistCreate, Payload: json.RawMessage(`{}`)}

	if got := l.process(context.Background(), env); got != "created" {
		t.Fatalf("first process = %q, want created", got)
	}
	if got := l.process(context.Background(), env); got != "duplicate" {
		t.Fatalf("second process = %q, want duplicate", got)
	}
	if handler.count("msg-1") != 1 {
		t.Errorf("handler saw message %d times, want exactly once", handler.count("msg-1"))
	}
}

func TestListener_ProcessFailureAllowsRetry(t *testing.T) {
	db := openTestDB(t)
	handler := newCountingHandler()
	handler.fail = true
	l := &Listener{Queue: NewQueue(db), Handler: handler, Out: io.Discard}

	env := Envelope{ID: "msg-1", Type: models.TypeWorklistCreate, Payload: json.RawMessage(`{}`)}

	if got := l.process(context.Background(), env); got != "error" {
		t.Fatalf("failed process = %q, want error", got)
	}

	// The cloud retries; the failed apply must not be suppressed as a
	// duplicate.
	handler.fail = false
	if got := l.process(context.Background(), env); got != "created" {
		t.Fatalf("retried process = %q, want created", got)
	}
	if handler.count("msg-1") != 2 {
		t.Errorf("handler saw message %d times, want 2", handler.count("msg-1"))
	}
}

func TestListener_EndToEnd(t *testing.T) {
	db := openTestDB(t)
	queue := NewQueue(db)
	handler := newCountingHandler()

	env := Envelope{ID: "msg-1", Type: models.TypeWorklistCreate, Payload: json.RawMessage(`{"accession_number":"ACC100"}`)}
	ackCh := make(chan Ack, 1)

	// Rendezvous endpoint: hands over one envelope, collects the ack.
	rendezvous := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := json.Marshal(env)
		conn.WriteMessage(websocket.TextMessage, data)
		_, ackData, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read ack: %v", err)
			return
		}
		var ack Ack
		if err := json.Unmarshal(ackData, &ack); err != nil {
			t.Errorf("bad ack: %v", err)
			return
		}
		ackCh <- ack
	}))
	defer rendezvous.Close()

	// Control endpoint: announces one rendezvous, then holds the
	// connection open until the test ends.
	control := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frame := map[string]interface{}{"accept": map[string]string{"address": wsURL(rendezvous)}}
		data, _ := json.Marshal(frame)
		conn.WriteMessage(websocket.TextMessage, data)
		conn.ReadMessage()
	}))
	defer control.Close()

	l := &Listener{
		Queue:   queue,
		Channel: ChannelConfig{Entity: "gateway-actions", DialURL: wsURL(control)},
		Handler: handler,
		Backoff: 50 * time.Millisecond,
		Out:     io.Discard,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case ack := <-ackCh:
		if ack.Status != "created" {
			t.Errorf("ack status = %q, want created", ack.Status)
		}
		if ack.MessageID() != "msg-1" {
			t.Errorf("ack id = %q, want msg-1", ack.MessageID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no ack within deadline")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if handler.count("msg-1") != 1 {
		t.Errorf("handler saw message %d times, want once", handler.count("msg-1"))
	}
	msg := getMessage(t, db, models.DirectionInbound, "msg-1")
	if msg.ConfirmedAt == nil {
		t.Error("inbound row not confirmed after ack")
	}
}
