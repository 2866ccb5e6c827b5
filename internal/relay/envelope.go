package relay

import "encoding/json"

// SourceSystem identifies this gateway in outbound envelopes.
const SourceSystem = "gateway"

// Envelope is the wire shape crossing a relay channel in either direction.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Source      string          `json:"source_system,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Destination string          `json:"destination,omitempty"`
}

// Ack is the acknowledgment frame the receiving end returns, correlated by
// message ID. Older cloud builds acknowledged with action_id; both spellings
// are accepted.
type Ack struct {
	Status   string `json:"status"`
	ID       string `json:"id,omitempty"`
	ActionID string `json:"action_id,omitempty"`
}

// MessageID returns whichever correlation ID the ack carried.
func (a Ack) MessageID() string {
	if a.ID != "" {
		return a.ID
	}
	return a.ActionID
}
