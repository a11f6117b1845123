package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kravtsov-ilia/simple-event-service/domain"
	"github.com/kravtsov-ilia/simple-event-service/subscription"
)

// Store persists notifications.
type Store interface {
	Save(ctx context.Context, n domain.Notification) error
}

// Dispatcher fans a stored notification out to subscribers.
type Dispatcher interface {
	Dispatch(n domain.Notification, action domain.Topic) subscription.Result
}

// Deduper remembers keys of events whose notification was already stored.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// RetryPolicy bounds the delay before a failed message is handed back.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Stats are cumulative processing counters.
type Stats struct {
	Processed     int64 `json:"processed"`
	Duplicates    int64 `json:"duplicates"`
	Malformed     int64 `json:"malformed"`
	StoreFailures int64 `json:"storeFailures"`
}

// Processor turns deliveries into stored notifications and pushes them to
// subscribers. Handle is called sequentially by a Source.
type Processor struct {
	store      Store
	dispatcher Dispatcher
	deduper    Deduper
	logger     *log.Logger
	retry      RetryPolicy

	mu       sync.Mutex
	failures int

	processed     atomic.Int64
	duplicates    atomic.Int64
	malformed     atomic.Int64
	storeFailures atomic.Int64
}

// NewProcessor wires a processor. deduper may be nil.
func NewProcessor(store Store, dispatcher Dispatcher, deduper Deduper, logger *log.Logger, retry RetryPolicy) *Processor {
	if store == nil || dispatcher == nil {
		panic("consumer.NewProcessor: store and dispatcher are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Processor{
		store:      store,
		dispatcher: dispatcher,
		deduper:    deduper,
		logger:     logger,
		retry:      retry,
	}
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:     p.processed.Load(),
		Duplicates:    p.duplicates.Load(),
		Malformed:     p.malformed.Load(),
		StoreFailures: p.storeFailures.Load(),
	}
}

// Handle processes one delivery. A malformed body is rejected and does not
// produce an error. A store failure hands the message back for redelivery and
// is returned; nothing is dispatched in that case.
func (p *Processor) Handle(ctx context.Context, d Delivery) (err error) {
	metrics, ctx := newMessageMetrics(ctx, p.logger, d.MessageID())
	defer func() { metrics.End(err) }()

	entry := p.logger.WithField("message", d.MessageID())

	ev, err := domain.DecodeChangeEvent(d.Body())
	if err != nil {
		p.malformed.Add(1)
		metrics.SetOutcome(outcomeMalformed)
		entry.WithError(err).Warn("discarding malformed message")
		if rerr := d.Reject(ctx); rerr != nil {
			return fmt.Errorf("reject malformed message: %w", rerr)
		}
		return nil
	}
	metrics.SetEvent(string(ev.Action), domain.KindPrefix+string(ev.Action))
	entry = entry.WithFields(log.Fields{"event": ev.ID, "action": ev.Action})

	key := ev.Key()
	if p.deduper != nil {
		seen, derr := p.deduper.Seen(ctx, key)
		switch {
		case derr != nil:
			entry.WithError(derr).Warn("dedupe check failed, processing anyway")
		case seen:
			p.duplicates.Add(1)
			metrics.SetOutcome(outcomeDuplicate)
			entry.Debug("skipping already stored event")
			if aerr := d.Ack(ctx); aerr != nil {
				return fmt.Errorf("ack duplicate message: %w", aerr)
			}
			return nil
		}
	}

	n := domain.NewNotification(ev)
	started := time.Now()
	if serr := p.store.Save(ctx, n); serr != nil {
		metrics.ObservePersist(time.Since(started))
		metrics.SetOutcome(outcomeStoreFailed)
		p.storeFailures.Add(1)
		delay := p.nextRetryDelay()
		entry.WithError(serr).WithField("retry_in", delay).Error("failed to store notification")
		sleepCtx(ctx, delay)
		retryErr := d.Retry(context.WithoutCancel(ctx))
		return errors.Join(fmt.Errorf("store notification %s: %w", n.ID, serr), retryErr)
	}
	metrics.ObservePersist(time.Since(started))
	p.resetFailures()
	if p.deduper != nil {
		if merr := p.deduper.Mark(context.WithoutCancel(ctx), key); merr != nil {
			entry.WithError(merr).Warn("failed to mark event as stored")
		}
	}

	res := p.dispatcher.Dispatch(n, ev.Action)
	metrics.SetFanout(res.Delivered, res.Failed)
	metrics.SetOutcome(outcomeProcessed)
	p.processed.Add(1)
	entry.WithFields(log.Fields{
		"notification": n.ID,
		"delivered":    res.Delivered,
		"failed":       res.Failed,
	}).Debug("notification dispatched")

	if aerr := d.Ack(ctx); aerr != nil {
		return fmt.Errorf("ack message: %w", aerr)
	}
	return nil
}

func (p *Processor) nextRetryDelay() time.Duration {
	p.mu.Lock()
	p.failures++
	attempt := p.failures
	p.mu.Unlock()
	return exponentialBackoff(attempt, p.retry.Initial, p.retry.Max)
}

func (p *Processor) resetFailures() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}
