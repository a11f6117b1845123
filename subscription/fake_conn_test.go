package subscription

import (
	"errors"
	"sync"
)

var errSendFailed = errors.New("send failed")

type fakeConn struct {
	mu       sync.Mutex
	fail     bool
	received [][]byte
	closed   bool
}

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errSendFailed
	}
	f.received = append(f.received, append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.received...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
