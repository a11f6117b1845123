package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

type queueClient interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// AzureQueueConfig tunes polling of an Azure Storage queue.
type AzureQueueConfig struct {
	ConnectionString  string
	Queue             string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	MaxDequeueCount   int64
}

// AzureQueueSource polls an Azure Storage queue for change events. A message
// that is not deleted becomes visible again once its visibility timeout
// expires, which is how failed messages are redelivered.
type AzureQueueSource struct {
	client queueClient
	cfg    AzureQueueConfig
	logger log.FieldLogger
}

// NewAzureQueueSource creates a queue client from the connection string.
func NewAzureQueueSource(cfg AzureQueueConfig, logger log.FieldLogger) (*AzureQueueSource, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(cfg.ConnectionString, cfg.Queue, &opts)
	if err != nil {
		return nil, fmt.Errorf("queue client %s: %w", cfg.Queue, err)
	}
	return newAzureQueueSource(client, cfg, logger), nil
}

func newAzureQueueSource(client queueClient, cfg AzureQueueConfig, logger log.FieldLogger) *AzureQueueSource {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &AzureQueueSource{client: client, cfg: cfg, logger: logger}
}

// EnsureQueue creates the queue, treating an existing queue as success.
func (s *AzureQueueSource) EnsureQueue(ctx context.Context) error {
	if _, err := s.client.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return fmt.Errorf("create queue %s: %w", s.cfg.Queue, err)
		}
	}
	return nil
}

// Consume polls the queue one message at a time until ctx is done or a
// dequeue fails.
func (s *AzureQueueSource) Consume(ctx context.Context, handle Handler) error {
	var opts *azqueue.DequeueMessageOptions
	if secs := int32(s.cfg.VisibilityTimeout / time.Second); secs > 0 {
		opts = &azqueue.DequeueMessageOptions{VisibilityTimeout: &secs}
	}
	s.logger.WithField("queue", s.cfg.Queue).Info("polling change events")
	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := s.client.DequeueMessage(ctx, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue %s: %w", s.cfg.Queue, err)
		}
		if len(resp.Messages) == 0 || resp.Messages[0] == nil {
			if !sleepCtx(ctx, s.cfg.PollInterval) {
				return nil
			}
			continue
		}
		d := s.delivery(resp.Messages[0])
		if s.cfg.MaxDequeueCount > 0 && d.dequeueCount > s.cfg.MaxDequeueCount {
			s.logger.WithFields(log.Fields{
				"message":       d.id,
				"dequeue_count": d.dequeueCount,
			}).Warn("discarding message after too many deliveries")
			if err := d.Reject(ctx); err != nil {
				s.logger.WithError(err).WithField("message", d.id).Error("failed to delete poison message")
			}
			continue
		}
		if err := handle(ctx, d); err != nil {
			s.logger.WithError(err).WithField("message", d.id).Warn("message left for redelivery")
		}
	}
}

func (s *AzureQueueSource) delivery(msg *azqueue.DequeuedMessage) *azDelivery {
	d := &azDelivery{client: s.client}
	if msg.MessageID != nil {
		d.id = *msg.MessageID
	}
	if msg.PopReceipt != nil {
		d.popReceipt = *msg.PopReceipt
	}
	if msg.MessageText != nil {
		d.body = []byte(*msg.MessageText)
	}
	if msg.DequeueCount != nil {
		d.dequeueCount = *msg.DequeueCount
	}
	return d
}

type azDelivery struct {
	client       queueClient
	id           string
	popReceipt   string
	body         []byte
	dequeueCount int64
}

func (d *azDelivery) Body() []byte      { return d.body }
func (d *azDelivery) MessageID() string { return d.id }

func (d *azDelivery) Ack(ctx context.Context) error {
	return d.delete(ctx)
}

func (d *azDelivery) Reject(ctx context.Context) error {
	return d.delete(ctx)
}

// Retry leaves the message invisible until its visibility timeout lapses.
func (d *azDelivery) Retry(context.Context) error {
	return nil
}

func (d *azDelivery) delete(ctx context.Context) error {
	if _, err := d.client.DeleteMessage(ctx, d.id, d.popReceipt, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", d.id, err)
	}
	return nil
}
