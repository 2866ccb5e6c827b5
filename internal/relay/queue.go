package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fenland-imaging/gateway/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrDeliveryFailed is returned when an envelope exhausted its delivery
// attempts. The row stays undelivered and is redriven on restart.
var ErrDeliveryFailed = errors.New("relay: delivery failed")

// Queue is the persistent envelope bookkeeping shared by both channels.
// Consumers enqueue; the sender loop delivers; the listener records inbound
// message IDs for dedup.
type Queue struct {
	db *gorm.DB
}

// NewQueue wraps a GORM handle.
func NewQueue(db *gorm.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue persists a new outbound envelope and returns its message ID.
// Delivery happens asynchronously in the sender loop; an enqueued envelope
// survives a restart undelivered and is picked up again.
func (q *Queue) Enqueue(msgType string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("relay: marshal %s payload: %w", msgType, err)
	}

	msg := models.RelayMessage{
		MessageID: uuid.NewString(),
		Direction: models.DirectionOutbound,
		Type:      msgType,
		Payload:   string(data),
	}
	if err := q.db.Create(&msg).Error; err != nil {
		return "", fmt.Errorf("relay: enqueue %s: %w", msgType, err)
	}
	return msg.MessageID, nil
}

// PendingOutbound returns undelivered outbound envelopes that still have
// attempts left, oldest first.
func (q *Queue) PendingOutbound(maxAttempts, limit int) ([]models.RelayMessage, error) {
	var rows []models.RelayMessage
	err := q.db.
		Where("direction = ? AND delivered_at IS NULL AND attempts < ?",
			models.DirectionOutbound, maxAttempts).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("relay: pending outbound: %w", err)
	}
	return rows, nil
}

// ResetUndelivered clears attempt counters on undelivered outbound rows.
// Called once at sender startup: anything without delivered_at is safe to
// redrive under the at-least-once contract.
func (q *Queue) ResetUndelivered() (int64, error) {
	res := q.db.Model(&models.RelayMessage{}).
		Where("direction = ? AND delivered_at IS NULL AND attempts > 0", models.DirectionOutbound).
		Updates(map[string]interface{}{"attempts": 0, "last_error": ""})
	if res.Error != nil {
		return 0, fmt.Errorf("relay: reset undelivered: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkDelivered stamps delivered_at at hand-off to the transport.
func (q *Queue) MarkDelivered(messageID string) error {
	now := time.Now()
	res := q.db.Model(&models.RelayMessage{}).
		Where("direction = ? AND message_id = ?", models.DirectionOutbound, messageID).
		Updates(map[string]interface{}{"delivered_at": &now})
	if res.Error != nil {
		return fmt.Errorf("relay: mark delivered %s: %w", messageID, res.Error)
	}
	return nil
}

// Confirm stamps confirmed_at when the remote end acknowledges an outbound
// envelope. Confirming an unknown or never-delivered message is a no-op
// (late acks after a redrive are expected).
func (q *Queue) Confirm(messageID string) error {
	now := time.Now()
	res := q.db.Model(&models.RelayMessage{}).
		Where("direction = ? AND message_id = ? AND delivered_at IS NOT NULL AND confirmed_at IS NULL",
			models.DirectionOutbound, messageID).
		Updates(map[string]interface{}{"confirmed_at": &now})
	if res.Error != nil {
		return fmt.Errorf("relay: confirm %s: %w", messageID, res.Error)
	}
	return nil
}

// RecordAttempt bumps the attempt counter and error note after a failed
// delivery try.
func (q *Queue) RecordAttempt(messageID string, attemptErr error) error {
	note := attemptErr.Error()
	if len(note) > 500 {
		note = note[:500]
	}
	res := q.db.Model(&models.RelayMessage{}).
		Where("direction = ? AND message_id = ?", models.DirectionOutbound, messageID).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": note,
		})
	if res.Error != nil {
		return fmt.Errorf("relay: record attempt %s: %w", messageID, res.Error)
	}
	return nil
}

// RecordInbound inserts the bookkeeping row for a received envelope. It
// returns false when the message ID was already seen in this direction, which
// is how retransmitted inbound messages get suppressed: the transport may
// redeliver, the application sees each ID exactly once.
func (q *Queue) RecordInbound(messageID, msgType, payload string) (bool, error) {
	now := time.Now()
	msg := models.RelayMessage{
		MessageID:   messageID,
		Direction:   models.DirectionInbound,
		Type:        msgType,
		Payload:     payload,
		DeliveredAt: &now,
	}
	err := q.db.Create(&msg).Error
	if err != nil {
		var count int64
		if cErr := q.db.Model(&models.RelayMessage{}).
			Where("direction = ? AND message_id = ?", models.DirectionInbound, messageID).
			Count(&count).Error; cErr == nil && count > 0 {
			return false, nil
		}
		return false, fmt.Errorf("relay: record inbound %s: %w", messageID, err)
	}
	return true, nil
}

// DropInbound removes an inbound bookkeeping row after a failed apply, so
// the cloud's retry of the same message ID is not suppressed as a duplicate.
func (q *Queue) DropInbound(messageID string) error {
	res := q.db.Where("direction = ? AND message_id = ?", models.DirectionInbound, messageID).
		Delete(&models.RelayMessage{})
	if res.Error != nil {
		return fmt.Errorf("relay: drop inbound %s: %w", messageID, res.Error)
	}
	return nil
}

// ConfirmInbound stamps confirmed_at on an inbound row once the action has
// been applied and acknowledged back to the cloud.
func (q *Queue) ConfirmInbound(messageID string) error {
	now := time.Now()
	res := q.db.Model(&models.RelayMessage{}).
		Where("direction = ? AND message_id = ? AND confirmed_at IS NULL",
			models.DirectionInbound, messageID).
		Updates(map[string]interface{}{"confirmed_at": &now})
	if res.Error != nil {
		return fmt.Errorf("relay: confirm inbound %s: %w", messageID, res.Error)
	}
	return nil
}

// Exhausted counts undelivered outbound envelopes whose attempt budget is
// spent. The sender stops retrying them until a restart resets the
// counters, so they must surface through the health endpoint rather than
// sit silent in last_error.
func (q *Queue) Exhausted(maxAttempts int) (int64, error) {
	var count int64
	err := q.db.Model(&models.RelayMessage{}).
		Where("direction = ? AND delivered_at IS NULL AND attempts >= ?",
			models.DirectionOutbound, maxAttempts).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("relay: exhausted: %w", err)
	}
	return count, nil
}

// Unconfirmed returns outbound envelopes delivered before the window cutoff
// with no confirmation. These indicate a possible outage on the far side and
// surface as a health signal, never as an error to the sender.
func (q *Queue) Unconfirmed(window time.Duration) ([]models.RelayMessage, error) {
	cutoff := time.Now().Add(-window)
	var rows []models.RelayMessage
	err := q.db.
		Where("direction = ? AND delivered_at IS NOT NULL AND delivered_at < ? AND confirmed_at IS NULL",
			models.DirectionOutbound, cutoff).
		Order("delivered_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("relay: unconfirmed: %w", err)
	}
	return rows, nil
}
