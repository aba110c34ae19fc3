package amqp

import (
	"encoding/json"
	"time"

	"bilancio/internal/core"
)

// Reasons a sync request was enqueued.
const (
	ReasonLinked    = "linked"
	ReasonManual    = "manual"
	ReasonScheduled = "scheduled"
)

// SyncRequestMessage asks a worker to run one sync for an owner.
// It carries only the owner id and the reason; the worker loads the
// provider link from the database when it picks the message up.
type SyncRequestMessage struct {
	OwnerID   core.OwnerID `json:"ownerId"`
	Reason    string       `json:"reason"`
	Timestamp time.Time    `json:"timestamp"`
}

// NewSyncRequestMessage creates a sync request for the given owner
func NewSyncRequestMessage(ownerID core.OwnerID, reason string) *SyncRequestMessage {
	return &SyncRequestMessage{
		OwnerID:   ownerID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncRequestMessageFromJSON creates a message from JSON bytes
func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
