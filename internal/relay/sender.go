package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/fenland-imaging/gateway/internal/metrics"
	"github.com/fenland-imaging/gateway/internal/models"
	"github.com/gorilla/websocket"
)

// ChannelConfig describes one hybrid-connection endpoint. DialURL, when set,
// bypasses URL construction entirely (tests point it at a local server).
type ChannelConfig struct {
	Namespace string
	Entity    string
	KeyName   string
	Key       string
	DialURL   string
}

// Sender delivers outbound envelopes over the event channel. It is the sole
// sender on that channel; the cloud is the listener. A stalled event channel
// never blocks inbound processing — the listener runs its own connection.
type Sender struct {
	Queue       *Queue
	Channel     ChannelConfig
	MaxAttempts int           // delivery attempts per envelope before giving up
	AckTimeout  time.Duration // wait for the remote acknowledgment
	Poll        time.Duration // queue poll interval when idle
	Out         io.Writer

	conn *websocket.Conn
}

// DefaultMaxAttempts is the per-envelope delivery budget; the health
// endpoint uses the same figure to count exhausted envelopes.
const DefaultMaxAttempts = 5

const (
	defaultAckTimeout  = 5 * time.Second
	defaultSenderPoll  = time.Second
	backoffBase        = 500 * time.Millisecond
	backoffCap         = 30 * time.Second
	senderBatch        = 20
)

// Run drives the delivery loop until ctx is cancelled. Undelivered envelopes
// left over from a previous run are redriven first (at-least-once contract;
// the cloud consumer dedups on message ID).
func (s *Sender) Run(ctx context.Context) error {
	if s.Queue == nil {
		return fmt.Errorf("relay: sender queue is required")
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.AckTimeout <= 0 {
		s.AckTimeout = defaultAckTimeout
	}
	if s.Poll <= 0 {
		s.Poll = defaultSenderPoll
	}
	if s.Out == nil {
		s.Out = io.Discard
	}

	if n, err := s.Queue.ResetUndelivered(); err != nil {
		return err
	} else if n > 0 {
		fmt.Fprintf(s.Out, "Redriving %d undelivered envelope(s)\n", n)
	}

	fmt.Fprintf(s.Out, "Relay sender started (channel=%s)\n", s.Channel.Entity)
	defer s.closeConn()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(s.Out, "Relay sender stopped\n")
			return nil
		default:
		}

		rows, err := s.Queue.PendingOutbound(s.MaxAttempts, senderBatch)
		if err != nil {
			log.Printf("relay: sender poll: %v", err)
			rows = nil
		}
		if len(rows) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.Poll):
			}
			continue
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				break
			}
			env := Envelope{
				ID:          row.MessageID,
				Type:        row.Type,
				Timestamp:   time.Now().UTC().Format(time.RFC3339),
				Source:      SourceSystem,
				Payload:     json.RawMessage(row.Payload),
				Destination: row.Destination,
			}
			if err := s.Deliver(ctx, env); err != nil {
				log.Printf("relay: %v (id=%s type=%s)", err, row.MessageID, row.Type)
			}
		}
	}
}

// Deliver sends one envelope, retrying transport failures with exponential
// backoff up to MaxAttempts, then reporting ErrDeliveryFailed. delivered_at
// is stamped at hand-off; confirmed_at when the ack arrives. An ack timeout
// counts as delivered-unconfirmed and is left for the health monitor.
func (s *Sender) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope %s: %w", env.ID, err)
	}

	for attempt := 0; attempt < s.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffBase << (attempt - 1)
			if wait > backoffCap {
				wait = backoffCap
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := s.sendOnce(data); err != nil {
			s.closeConn()
			if rErr := s.Queue.RecordAttempt(env.ID, err); rErr != nil {
				log.Printf("relay: %v", rErr)
			}
			continue
		}

		if err := s.Queue.MarkDelivered(env.ID); err != nil {
			return err
		}
		metrics.RelayDelivered.WithLabelValues(models.DirectionOutbound).Inc()

		ack, err := s.readAck()
		if err != nil {
			// Delivered but unconfirmed. The monitoring window picks this
			// up; redelivery is not attempted here.
			log.Printf("relay: no ack for %s within %s", env.ID, s.AckTimeout)
			return nil
		}
		id := ack.MessageID()
		if id == "" {
			id = env.ID
		}
		return s.Queue.Confirm(id)
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrDeliveryFailed, env.ID, s.MaxAttempts)
}

func (s *Sender) sendOnce(data []byte) error {
	conn, err := s.ensureConn()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *Sender) readAck() (*Ack, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("relay: connection gone")
	}
	s.conn.SetReadDeadline(time.Now().Add(s.AckTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.closeConn()
		return nil, err
	}
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return nil, fmt.Errorf("relay: bad ack: %w", err)
	}
	return &ack, nil
}

func (s *Sender) ensureConn() (*websocket.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}

	dialURL := s.Channel.DialURL
	if dialURL == "" {
		token := SASToken(s.Channel.Namespace, s.Channel.Entity, s.Channel.KeyName, s.Channel.Key, time.Hour)
		dialURL = ConnectURL(s.Channel.Namespace, s.Channel.Entity, token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.Channel.Entity, err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Sender) closeConn() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
