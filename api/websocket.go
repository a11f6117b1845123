package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/kravtsov-ilia/simple-event-service/domain"
)

var errConnClosed = errors.New("websocket connection closed")

// wsConn adapts a websocket to subscription.Conn. Writes are serialized; the
// socket allows a single concurrent writer.
type wsConn struct {
	socket    *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSConn(socket *websocket.Conn, writeWait time.Duration) *wsConn {
	return &wsConn{socket: socket, writeWait: writeWait}
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.socket.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// Close sends a close frame and releases the socket. Repeated calls are no-ops.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	_ = c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
	return c.socket.Close()
}

// subscribe upgrades the request and keeps the client registered on its topic
// until it disconnects, stops answering pings, or is pruned by the dispatcher.
func (s *Server) subscribe(c echo.Context) error {
	topic, err := domain.ParseTopic(c.Param("topic"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.admit() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
	}
	defer s.active.Done()

	socket, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}

	conn := newWSConn(socket, s.cfg.WriteWait)
	entry := s.logger.WithFields(log.Fields{"topic": topic, "remote": c.RealIP()})
	if err := s.registry.Subscribe(topic, conn); err != nil {
		entry.WithError(err).Error("failed to register subscriber")
		_ = conn.Close()
		return nil
	}
	entry.Debug("subscriber connected")
	defer func() {
		s.registry.Unsubscribe(topic, conn)
		_ = conn.Close()
		entry.Debug("subscriber disconnected")
	}()

	_ = socket.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	gone := receiveUntilClosed(socket)

	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return nil
		case err := <-gone:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				entry.WithError(err).Debug("subscriber read failed")
			}
			return nil
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				entry.WithError(err).Debug("failed to write ping")
				return nil
			}
		}
	}
}

// receiveUntilClosed drains client frames, which carry no meaning, so control
// frames are processed. The returned channel yields the read error once the
// peer goes away or the read deadline passes.
func receiveUntilClosed(socket *websocket.Conn) <-chan error {
	gone := make(chan error, 1)
	go func() {
		for {
			if _, _, err := socket.NextReader(); err != nil {
				gone <- err
				return
			}
		}
	}()
	return gone
}
