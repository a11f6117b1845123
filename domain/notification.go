package domain

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// KindPrefix prefixes the action to form a notification kind.
const KindPrefix = "event."

// Notification is the persisted record of one processed ChangeEvent.
type Notification struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	Event     ChangeEvent `json:"event"`
	Actor     string      `json:"actor"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Payload is what subscribers receive: the notification without its storage identity.
type Payload struct {
	Kind  string      `json:"kind"`
	Event ChangeEvent `json:"event"`
	Actor string      `json:"actor"`
}

// NewNotification derives a notification from a validated event, assigning
// its identifier and creation time.
func NewNotification(ev ChangeEvent) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      KindPrefix + string(ev.Action),
		Event:     ev,
		Actor:     ev.User,
		CreatedAt: NextTimestamp(),
	}
}

// Payload returns the fields pushed to subscribers, without the storage identity.
func (n Notification) Payload() Payload {
	return Payload{Kind: n.Kind, Event: n.Event, Actor: n.Actor}
}

// MarshalPayload encodes the subscriber-facing payload.
func (n Notification) MarshalPayload() ([]byte, error) {
	return sonic.ConfigStd.Marshal(n.Payload())
}

// TargetTopics lists the topics a notification for action is fanned out to.
// A created action reaches subscribers of every topic; the others only their own.
func TargetTopics(action Topic) []Topic {
	if action == TopicCreated {
		return Topics()
	}
	return []Topic{action}
}
