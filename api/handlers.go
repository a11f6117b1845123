package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/kravtsov-ilia/simple-event-service/config"
	"github.com/kravtsov-ilia/simple-event-service/consumer"
	"github.com/kravtsov-ilia/simple-event-service/domain"
	"github.com/kravtsov-ilia/simple-event-service/subscription"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// StatsProvider exposes consumer counters.
type StatsProvider interface {
	Stats() consumer.Stats
}

// History lists recently stored notifications.
type History interface {
	Recent(ctx context.Context, limit int) ([]domain.Notification, error)
}

// Server owns the websocket handlers registered on an echo instance.
type Server struct {
	registry *subscription.Registry
	stats    StatsProvider
	history  History
	cfg      config.ServerConfig
	logger   log.FieldLogger
	upgrader websocket.Upgrader

	// mu orders handler admission against Shutdown so active.Add never
	// races active.Wait.
	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	active  sync.WaitGroup
}

// Register wires the relay endpoints on e. history may be nil, in which case
// the history endpoint is not exposed.
func Register(e *echo.Echo, registry *subscription.Registry, stats StatsProvider, history History, cfg config.ServerConfig, logger log.FieldLogger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	s := &Server{
		registry: registry,
		stats:    stats,
		history:  history,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		stop: make(chan struct{}),
	}

	e.GET("/ws/notifications/:topic", s.subscribe)
	e.GET("/healthz", healthz)
	e.GET("/health", healthz)
	e.GET("/api/stats", s.getStats)
	if history != nil {
		e.GET("/api/notifications", s.getNotifications)
	}
	return s
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

type statsResponse struct {
	Subscribers map[string]int  `json:"subscribers"`
	Consumer    *consumer.Stats `json:"consumer,omitempty"`
}

func (s *Server) getStats(c echo.Context) error {
	resp := statsResponse{Subscribers: s.registry.Counts()}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.Consumer = &st
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getNotifications(c echo.Context) error {
	limit := defaultHistoryLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}
	items, err := s.history.Recent(c.Request().Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("failed to list notifications")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if items == nil {
		items = []domain.Notification{}
	}
	return c.JSON(http.StatusOK, items)
}

// admit registers a connection handler unless Shutdown has begun.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.active.Add(1)
	return true
}

// Shutdown stops accepting notifications on open sockets, closes every
// subscriber and waits for the connection handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	s.mu.Unlock()

	closed := s.registry.CloseAll()
	s.logger.WithField("connections", closed).Info("closed subscriber connections")

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("websocket handlers still running"), ctx.Err())
	}
}
