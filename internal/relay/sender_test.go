package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenland-imaging/gateway/internal/models"
)

var testUpgrader = websocket.Upgrader{}

// wsURL rewrites an httptest server URL to the websocket scheme.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// ackingServer accepts one connection and acks every envelope it reads with
// the given status.
func ackingServer(t *testing.T, status string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Errorf("server got bad envelope: %v", err)
				return
			}
			ack, _ := json.Marshal(Ack{Status: "ok", ID: env.ID})
			if status == "silent" {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, ack)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSender_DeliverAndConfirm(t *testing.T) {
	db := openTestDB(t)
	queue := NewQueue(db)
	srv := ackingServer(t, "ok")

	id, err := queue.Enqueue(models.TypeStatusUpdate, map[string]string{"accession_number": "ACC100"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sender := &Sender{
		Queue:       queue,
		Channel:     ChannelConfig{Entity: "gateway-events", DialURL: wsURL(srv)},
		MaxAttempts: 3,
		AckTimeout:  2 * time.Second,
		Out:         io.Discard,
	}
	defer sender.closeConn()

	row := getMessage(t, db, models.DirectionOutbound, id)
	env := Envelope{ID: row.MessageID, Type: row.Type, Payload: json.RawMessage(row.Payload), Source: SourceSystem}
	if err := sender.Deliver(context.Background(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	msg := getMessage(t, db, models.DirectionOutbound, id)
	if msg.DeliveredAt == nil {
		t.Fatal("delivered_at not stamped")
	}
	if msg.ConfirmedAt == nil {
		t.Fatal("confirmed_at not stamped after ack")
	}
}

func TestSender_AckTimeoutLeavesUnconfirmed(t *testing.T) {
	db := openTestDB(t)
	queue := NewQueue(db)
	srv := ackingServer(t, "silent")

	id, _ := queue.Enqueue(models.TypeStatusUpdate, "a")

	sender := &Sender{
		Queue:       queue,
		Channel:     ChannelConfig{Entity: "gateway-events", DialURL: wsURL(srv)},
		MaxAttempts: 3,
		AckTimeout:  100 * time.Millisecond,
		Out:         io.Discard,
	}
	defer sender.closeConn()

	row := getMessage(t, db, models.DirectionOutbound, id)
	env := Envelope{ID: row.MessageID, Type: row.Type, Payload: json.RawMessage(row.Payload)}
	if err := sender.Deliver(context.Background(), env); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	msg := getMessage(t, db, models.DirectionOutbound, id)
	if msg.DeliveredAt == nil {
		t.Fatal("delivered_at not stamped")
	}
	if msg.ConfirmedAt != nil {
		t.Fatal("confirmed_at stamped without an ack")
	}
}

func TestSender_ExhaustsAttempts(t *testing.T) {
	db := openTestDB(t)
	queue := NewQueue(db)

	id, _ := queue.Enqueue(models.TypeStatusUpdate, "a")

	// Nothing listens on the dial URL, so every attempt fails.
	sender := &Sender{
		Queue:       queue,
		Channel:     ChannelConfig{Entity: "gateway-events", DialURL: "ws://127.0.0.1:1/none"},
		MaxAttempts: 2,
		AckTimeout:  100 * time.Millisecond,
		Out:         io.Discard,
	}

	row := getMessage(t, db, models.DirectionOutbound, id)
	env := Envelope{ID: row.MessageID, Type: row.Type, Payload: json.RawMessage(row.Payload)}
	err := sender.Deliver(context.Background(), env)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}

	msg := getMessage(t, db, models.DirectionOutbound, id)
	if msg.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", msg.Attempts)
	}
	if msg.DeliveredAt != nil {
		t.Error("delivered_at stamped on a failed delivery")
	}
	if msg.LastError == "" {
		t.Error("last_error not recorded")
	}
}

func TestSender_RunRedrivesAndStops(t *testing.T) {
	db := openTestDB(t)
	queue := NewQueue(db)
	srv := ackingServer(t, "ok")

	id, _ := queue.Enqueue(models.TypeStatusUpdate, map[string]string{"accession_number": "ACC100"})
	// Simulate a prior run that burned all attempts.
	for i := 0; i < 5; i++ {
		queue.RecordAttempt(id, ErrDeliveryFailed)
	}

	sender := &Sender{
		Queue:       queue,
		Channel:     ChannelConfig{Entity: "gateway-events", DialURL: wsURL(srv)},
		AckTimeout:  2 * time.Second,
		Poll:        10 * time.Millisecond,
		Out:         io.Discard,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sender.Run(ctx) }()

	// Wait for the redriven envelope to be confirmed.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := getMessage(t, db, models.DirectionOutbound, id)
		if msg.ConfirmedAt != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	msg := getMessage(t, db, models.DirectionOutbound, id)
	if msg.ConfirmedAt == nil {
		t.Fatal("redriven envelope never confirmed")
	}
}
