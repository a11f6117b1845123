package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Topic is one of the fixed mutation channels clients subscribe to.
type Topic string

const (
	TopicCreated Topic = "created"
	TopicUpdated Topic = "updated"
	TopicDeleted Topic = "deleted"
)

var (
	// ErrUnknownTopic is returned for topic names outside the fixed set.
	ErrUnknownTopic = errors.New("unknown topic")
	// ErrMalformedEvent marks payloads that can never be processed.
	ErrMalformedEvent = errors.New("malformed change event")
)

var allTopics = []Topic{TopicCreated, TopicUpdated, TopicDeleted}

// Topics returns the closed set of topics in a stable order.
func Topics() []Topic {
	out := make([]Topic, len(allTopics))
	copy(out, allTopics)
	return out
}

// ParseTopic maps a raw name onto a Topic.
func ParseTopic(s string) (Topic, error) {
	switch t := Topic(s); t {
	case TopicCreated, TopicUpdated, TopicDeleted:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopic, s)
}

// ChangeEvent is the queue payload emitted on every mutation of a tracked entity.
type ChangeEvent struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Action    Topic  `json:"action"`
	User      string `json:"user"`
	Timestamp string `json:"timestamp"`
}

// Validate checks that every field is present and the action is known.
func (e ChangeEvent) Validate() error {
	missing := make([]string, 0, 5)
	if e.ID == "" {
		missing = append(missing, "id")
	}
	if e.Title == "" {
		missing = append(missing, "title")
	}
	if e.Action == "" {
		missing = append(missing, "action")
	}
	if e.User == "" {
		missing = append(missing, "user")
	}
	if e.Timestamp == "" {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", ErrMalformedEvent, missing)
	}
	if _, err := ParseTopic(string(e.Action)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Key identifies a single mutation; redeliveries of the same message share it.
func (e ChangeEvent) Key() string {
	return e.ID + ":" + string(e.Action) + ":" + e.Timestamp
}

// DecodeChangeEvent parses and validates a raw queue message body.
func DecodeChangeEvent(body []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if len(body) == 0 {
		return ev, fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}
	if err := sonic.ConfigStd.Unmarshal(body, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}
