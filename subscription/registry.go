package subscription

import (
	"sync"

	"github.com/kravtsov-ilia/simple-event-service/domain"
)

// Conn is a live subscriber connection. Implementations must be comparable
// (pointer types) since the registry keys on them.
type Conn interface {
	// Send pushes one encoded notification to the client.
	Send(payload []byte) error
	Close() error
}

type topicSet struct {
	mu      sync.RWMutex
	members map[Conn]struct{}
}

// Registry maps each topic to the set of connections subscribed to it.
// Mutations are serialized per topic; readers only ever see copies.
type Registry struct {
	topics map[domain.Topic]*topicSet
}

// NewRegistry creates an empty registry for the fixed topic set.
func NewRegistry() *Registry {
	r := &Registry{topics: make(map[domain.Topic]*topicSet, len(domain.Topics()))}
	for _, t := range domain.Topics() {
		r.topics[t] = &topicSet{members: make(map[Conn]struct{})}
	}
	return r
}

func (r *Registry) set(topic domain.Topic) (*topicSet, error) {
	s, ok := r.topics[topic]
	if !ok {
		_, err := domain.ParseTopic(string(topic))
		return nil, err
	}
	return s, nil
}

// Subscribe adds c to topic. Adding an existing member is a no-op.
func (r *Registry) Subscribe(topic domain.Topic, c Conn) error {
	s, err := r.set(topic)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.members[c] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes c from topic and reports whether it was a member.
func (r *Registry) Unsubscribe(topic domain.Topic, c Conn) bool {
	s, err := r.set(topic)
	if err != nil {
		return false
	}
	s.mu.Lock()
	_, ok := s.members[c]
	delete(s.members, c)
	s.mu.Unlock()
	return ok
}

// Snapshot returns a copy of the current members of topic.
func (r *Registry) Snapshot(topic domain.Topic) []Conn {
	s, err := r.set(topic)
	if err != nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conn, 0, len(s.members))
	for c := range s.members {
		out = append(out, c)
	}
	return out
}

// Len returns the number of subscribers on topic.
func (r *Registry) Len(topic domain.Topic) int {
	s, err := r.set(topic)
	if err != nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Counts returns subscriber counts keyed by topic name.
func (r *Registry) Counts() map[string]int {
	out := make(map[string]int, len(r.topics))
	for t := range r.topics {
		out[string(t)] = r.Len(t)
	}
	return out
}

// CloseAll empties every topic and closes the removed connections.
func (r *Registry) CloseAll() int {
	closed := 0
	for _, s := range r.topics {
		s.mu.Lock()
		members := s.members
		s.members = make(map[Conn]struct{})
		s.mu.Unlock()
		for c := range members {
			_ = c.Close()
			closed++
		}
	}
	return closed
}
