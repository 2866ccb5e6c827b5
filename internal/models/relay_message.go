package models

import "time"

// Relay message directions.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// Well-known relay message types.
const (
	TypeWorklistCreate = "worklist.create_item"
	TypeWorklistRemove = "worklist.remove_item"
	TypeStatusUpdate   = "procedure.status_update"
	TypeImageReceived  = "study.image_received"
)

// RelayMessage is the bookkeeping row for one envelope crossing the bridge.
// MessageID is never reused within a direction; the unique index doubles as
// the inbound dedup key. DeliveredAt is set at hand-off to the transport,
// ConfirmedAt when the far side acknowledges.
type RelayMessage struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	MessageID   string `gorm:"size:64;not null;uniqueIndex:idx_relay_dir_msg,priority:2;column:message_id"`
	Direction   string `gorm:"size:8;not null;uniqueIndex:idx_relay_dir_msg,priority:1;index"`
	Type        string `gorm:"size:64;not null"`
	Payload     string `gorm:"type:text"`
	Destination string `gorm:"size:128"`
	Attempts    int    `gorm:"default:0"`
	LastError   string `gorm:"size:500"`
	CreatedAt   time.Time
	DeliveredAt *time.Time `gorm:"index"`
	ConfirmedAt *time.Time
}

func (RelayMessage) TableName() string { return "relay_messages" }
