package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Backoff bounds the delay between broker sessions.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// ErrSessionClosed is returned by a source whose broker closed the session
// without reporting an error.
var ErrSessionClosed = errors.New("consumer: session closed by broker")

// Run consumes from src until ctx is cancelled, starting a new session after
// each failure. The delay grows with consecutive failed sessions and resets
// once a session has handled a message.
func Run(ctx context.Context, src Source, handle Handler, logger log.FieldLogger, backoff Backoff) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	attempt := 0
	for {
		var handled atomic.Int64
		err := src.Consume(ctx, func(ctx context.Context, d Delivery) error {
			handled.Add(1)
			return handle(ctx, d)
		})
		if ctx.Err() != nil {
			logger.Info("consumer stopped")
			return
		}
		if err == nil {
			err = ErrSessionClosed
		}
		if handled.Load() > 0 {
			attempt = 0
		}
		attempt++
		delay := exponentialBackoff(attempt, backoff.Initial, backoff.Max)
		logger.WithError(err).WithFields(log.Fields{
			"attempt":  attempt,
			"retry_in": delay,
		}).Error("consumer session ended, reconnecting")
		if !sleepCtx(ctx, delay) {
			logger.Info("consumer stopped")
			return
		}
	}
}
