package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenland-imaging/gateway/internal/metrics"
	"github.com/fenland-imaging/gateway/internal/models"
)

// ActionHandler applies one inbound action envelope. The returned status is
// echoed in the ack; handler errors are acked as errors but never kill the
// listener.
type ActionHandler interface {
	HandleAction(ctx context.Context, env Envelope) (string, error)
}

// controlFrame is the channel control message. A frame carrying an accept
// block announces a rendezvous the listener must dial to pick up one client
// connection.
type controlFrame struct {
	Accept *struct {
		Address string `json:"address"`
	} `json:"accept"`
}

// Listener owns the inbound action channel: it holds the single listen slot
// the transport allows, accepts rendezvous connections, dedups envelopes by
// message ID and hands each new one to the action handler exactly once.
type Listener struct {
	Queue   *Queue
	Channel ChannelConfig
	Handler ActionHandler
	Backoff time.Duration // reconnect delay after a dropped control connection
	Out     io.Writer
}

const defaultListenerBackoff = 5 * time.Second

// Run maintains the control connection until ctx is cancelled, reconnecting
// with a fixed delay after transport errors.
func (l *Listener) Run(ctx context.Context) error {
	if l.Queue == nil || l.Handler == nil {
		return fmt.Errorf("relay: listener queue and handler are required")
	}
	if l.Backoff <= 0 {
		l.Backoff = defaultListenerBackoff
	}
	if l.Out == nil {
		l.Out = io.Discard
	}

	fmt.Fprintf(l.Out, "Relay listener started (channel=%s)\n", l.Channel.Entity)

	for {
		if err := l.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				fmt.Fprintf(l.Out, "Relay listener stopped\n")
				return nil
			}
			log.Printf("relay: listener: %v, reconnecting in %s", err, l.Backoff)
		}
		select {
		case <-ctx.Done():
			fmt.Fprintf(l.Out, "Relay listener stopped\n")
			return nil
		case <-time.After(l.Backoff):
		}
	}
}

// listenOnce holds one control connection, servicing rendezvous accepts
// until the connection drops or ctx is cancelled.
func (l *Listener) listenOnce(ctx context.Context) error {
	dialURL := l.Channel.DialURL
	if dialURL == "" {
		token := SASToken(l.Channel.Namespace, l.Channel.Entity, l.Channel.KeyName, l.Channel.Key, time.Hour)
		dialURL = ListenURL(l.Channel.Namespace, l.Channel.Entity, token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	defer conn.Close()

	// Unblock the blocking read when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("control read: %w", err)
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("relay: bad control frame: %v", err)
			continue
		}
		if frame.Accept == nil {
			continue
		}

		if err := l.acceptOne(ctx, frame.Accept.Address); err != nil {
			log.Printf("relay: rendezvous: %v", err)
		}
	}
}

// acceptOne dials the rendezvous address, reads a single envelope, applies
// it and acks. One envelope per rendezvous, matching the cloud sender.
func (l *Listener) acceptOne(ctx context.Context, address string) error {
	conn, _, err := websocket.DefaultDialer.Dial(address, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("bad envelope: %w", err)
	}
	if env.ID == "" {
		return fmt.Errorf("envelope without id")
	}

	status := l.process(ctx, env)

	ack := Ack{Status: status, ID: env.ID, ActionID: env.ID}
	ackData, _ := json.Marshal(ack)
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, ackData); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}

	if status != "error" {
		if err := l.Queue.ConfirmInbound(env.ID); err != nil {
			log.Printf("relay: %v", err)
		}
	}
	return nil
}

// process records the envelope and dispatches it to the handler. A message
// ID seen before is acked again without re-delivery to the application —
// retransmission is the transport's business, not the store's.
func (l *Listener) process(ctx context.Context, env Envelope) string {
	fresh, err := l.Queue.RecordInbound(env.ID, env.Type, string(env.Payload))
	if err != nil {
		log.Printf("relay: %v", err)
		return "error"
	}
	if !fresh {
		log.Printf("relay: duplicate inbound message %s suppressed", env.ID)
		return "duplicate"
	}
	metrics.RelayDelivered.WithLabelValues(models.DirectionInbound).Inc()

	status, err := l.Handler.HandleAction(ctx, env)
	if err != nil {
		log.Printf("relay: action %s (%s): %v", env.ID, env.Type, err)
		// Withdraw the dedup row so a cloud retry gets processed rather
		// than suppressed as a duplicate.
		if dErr := l.Queue.DropInbound(env.ID); dErr != nil {
			log.Printf("relay: %v", dErr)
		}
		return "error"
	}
	return status
}
