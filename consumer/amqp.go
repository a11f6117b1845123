package consumer

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// AMQPConfig describes the exchange and queue the relay consumes from.
type AMQPConfig struct {
	URL        string
	Exchange   string
	Queue      string
	BindingKey string
	Prefetch   int
}

// amqpChannel is the subset of *amqp.Channel the source drives.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AMQPSource consumes change events from a durable queue bound to a topic
// exchange. Each Consume call opens a fresh connection.
type AMQPSource struct {
	cfg    AMQPConfig
	logger log.FieldLogger
	open   func(url string) (amqpChannel, func() error, error)
}

// NewAMQPSource creates a source for cfg.
func NewAMQPSource(cfg AMQPConfig, logger log.FieldLogger) *AMQPSource {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	return &AMQPSource{cfg: cfg, logger: logger, open: dialChannel}
}

// dialChannel connects to url and opens a channel. The returned func closes
// the connection.
func dialChannel(url string) (amqpChannel, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, conn.Close, nil
}

// Consume declares the topology and handles deliveries until ctx is done or
// the connection drops.
func (s *AMQPSource) Consume(ctx context.Context, handle Handler) error {
	ch, closeConn, err := s.open(s.cfg.URL)
	if err != nil {
		return err
	}
	defer func() { _ = closeConn() }()
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(s.cfg.Exchange, amqp.ExchangeTopic, false, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", s.cfg.Exchange, err)
	}
	q, err := ch.QueueDeclare(s.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", s.cfg.Queue, err)
	}
	if err := ch.QueueBind(q.Name, s.cfg.BindingKey, s.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	s.logger.WithFields(log.Fields{
		"exchange": s.cfg.Exchange,
		"queue":    q.Name,
	}).Info("consuming change events")
	return consumeDeliveries(ctx, msgs, closed, handle, s.logger)
}

func consumeDeliveries(ctx context.Context, msgs <-chan amqp.Delivery, closed <-chan *amqp.Error, handle Handler, logger log.FieldLogger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				return fmt.Errorf("connection closed: %w", amqpErr)
			}
			return ErrSessionClosed
		case msg, ok := <-msgs:
			if !ok {
				return ErrSessionClosed
			}
			d := amqpDelivery{msg: msg}
			if err := handle(ctx, d); err != nil {
				logger.WithError(err).WithField("message", d.MessageID()).Warn("message handed back to broker")
			}
		}
	}
}

type amqpDelivery struct {
	msg amqp.Delivery
}

func (d amqpDelivery) Body() []byte { return d.msg.Body }

func (d amqpDelivery) MessageID() string {
	if d.msg.MessageId != "" {
		return d.msg.MessageId
	}
	return fmt.Sprintf("tag-%d", d.msg.DeliveryTag)
}

func (d amqpDelivery) Ack(context.Context) error {
	return d.msg.Ack(false)
}

func (d amqpDelivery) Reject(context.Context) error {
	return d.msg.Reject(false)
}

func (d amqpDelivery) Retry(context.Context) error {
	return d.msg.Nack(false, true)
}
