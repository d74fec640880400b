package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a key lifecycle change
type EventType string

const (
	// EventKeyBlocked fires once, on the request that used the last unit of quota
	EventKeyBlocked   EventType = "key.blocked"
	EventKeyUnblocked EventType = "key.unblocked"
	EventKeyRevoked   EventType = "key.revoked"
)

// Event is the notification body
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	OwnerID   int64     `json:"owner_id"`
	KeyID     int64     `json:"key_id"`
	PlanID    string    `json:"plan_id,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time
func NewEvent(typ EventType, ownerID, keyID int64, planID, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		OwnerID:   ownerID,
		KeyID:     keyID,
		PlanID:    planID,
		Message:   message,
	}
}

// Notifier accepts events for delivery. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev *Event)
}

// Nop discards every event
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, *Event) {}
