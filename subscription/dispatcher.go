package subscription

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kravtsov-ilia/simple-event-service/domain"
)

// Result summarizes one fan-out.
type Result struct {
	Delivered int
	Failed    int
}

// Dispatcher pushes notifications to every registered subscriber of the
// target topics, pruning subscribers whose send fails.
type Dispatcher struct {
	registry    *Registry
	logger      log.FieldLogger
	concurrency int
}

// NewDispatcher creates a dispatcher. concurrency bounds the number of
// in-flight sends; values below one mean sequential delivery.
func NewDispatcher(registry *Registry, logger log.FieldLogger, concurrency int) *Dispatcher {
	if registry == nil {
		panic("subscription.NewDispatcher: registry is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{registry: registry, logger: logger, concurrency: concurrency}
}

// Dispatch delivers n to subscribers of the topics derived from action and
// returns once every send has finished. Failures never propagate.
func (d *Dispatcher) Dispatch(n domain.Notification, action domain.Topic) Result {
	payload, err := n.MarshalPayload()
	if err != nil {
		d.logger.WithError(err).WithField("notification", n.ID).Error("failed to encode notification payload")
		return Result{}
	}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, topic := range domain.TargetTopics(action) {
		for _, c := range d.registry.Snapshot(topic) {
			g.Go(func() error {
				if err := c.Send(payload); err != nil {
					failed.Add(1)
					d.registry.Unsubscribe(topic, c)
					_ = c.Close()
					d.logger.WithError(err).WithFields(log.Fields{
						"topic":        topic,
						"notification": n.ID,
					}).Debug("dropping subscriber after failed send")
					return nil
				}
				delivered.Add(1)
				return nil
			})
		}
	}
	_ = g.Wait()

	return Result{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
}
