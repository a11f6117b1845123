package consumer

import (
	"context"
	"errors"
	"sync"

	"github.com/kravtsov-ilia/simple-event-service/domain"
	"github.com/kravtsov-ilia/simple-event-service/subscription"
)

type fakeDelivery struct {
	id   string
	body []byte

	mu       sync.Mutex
	acked    int
	rejected int
	retried  int
	ackErr   error
}

func newDelivery(id, body string) *fakeDelivery {
	return &fakeDelivery{id: id, body: []byte(body)}
}

func (d *fakeDelivery) Body() []byte      { return d.body }
func (d *fakeDelivery) MessageID() string { return d.id }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked++
	return d.ackErr
}

func (d *fakeDelivery) Reject(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected++
	return nil
}

func (d *fakeDelivery) Retry(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried++
	return nil
}

func (d *fakeDelivery) settled() (acked, rejected, retried int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.rejected, d.retried
}

type fakeStore struct {
	mu    sync.Mutex
	saved []domain.Notification
	err   error
}

func (s *fakeStore) Save(_ context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, n)
	return nil
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type dispatchCall struct {
	n      domain.Notification
	action domain.Topic
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	result subscription.Result
}

func (f *fakeDispatcher) Dispatch(n domain.Notification, action domain.Topic) subscription.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{n: n, action: action})
	return f.result
}

type memoryDeduper struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	err     error
	markErr error
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{keys: make(map[string]struct{})}
}

func (m *memoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.keys[key]
	return ok, nil
}

func (m *memoryDeduper) Mark(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryDeduper) marked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok
}

type recordingConn struct {
	mu       sync.Mutex
	payloads [][]byte
	failWith error
	closed   bool
}

func (c *recordingConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	c.payloads = append(c.payloads, payload)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.payloads...)
}

var errBroken = errors.New("broken pipe")

const validEvent = `{"id":"e1","title":"Standup","action":"created","user":"alice","timestamp":"2024-01-01T09:00:00Z"}`
