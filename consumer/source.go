package consumer

import "context"

// Delivery is one message received from the broker.
type Delivery interface {
	Body() []byte
	MessageID() string
	// Ack confirms processing; the broker forgets the message.
	Ack(ctx context.Context) error
	// Reject discards a message that can never be processed.
	Reject(ctx context.Context) error
	// Retry hands the message back for redelivery.
	Retry(ctx context.Context) error
}

// Handler processes a single delivery and settles it with the broker.
type Handler func(ctx context.Context, d Delivery) error

// Source is a broker session. Consume blocks, feeding deliveries to handle
// one at a time, until ctx is cancelled (nil) or the session fails.
type Source interface {
	Consume(ctx context.Context, handle Handler) error
}
