package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/kravtsov-ilia/simple-event-service/domain"
)

const (
	edmDateTime = "Edm.DateTime"
	// Edm.DateTime keeps 100ns precision.
	tableTimeLayout = "2006-01-02T15:04:05.0000000Z"
	// timeLayout is fixed width so stored timestamps sort lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	CreateTable(ctx context.Context, options *aztables.CreateTableOptions) (aztables.CreateTableResponse, error)
}

// TableStore persists notifications to an Azure Storage table.
type TableStore struct {
	table tableClient
}

// NewTableStore creates a TableStore for the given connection string and table.
func NewTableStore(connStr, table string) (*TableStore, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &TableStore{table: svc.NewClient(table)}, nil
}

// EnsureTable creates the backing table when it does not exist yet.
func (s *TableStore) EnsureTable(ctx context.Context) error {
	if _, err := s.table.CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

type notificationEntity struct {
	PartitionKey   string `json:"PartitionKey"`
	RowKey         string `json:"RowKey"`
	ID             string `json:"NotificationId"`
	Kind           string `json:"Kind"`
	Actor          string `json:"Actor"`
	EventID        string `json:"EventId"`
	EventTitle     string `json:"EventTitle"`
	EventAction    string `json:"EventAction"`
	EventUser      string `json:"EventUser"`
	EventTimestamp string `json:"EventTimestamp"`
	CreatedAt      string `json:"CreatedAt"`
	CreatedAtType  string `json:"CreatedAt@odata.type"`
}

// rowKey sorts lexically in creation order within a partition.
func rowKey(n domain.Notification) string {
	return fmt.Sprintf("%019d_%s", n.CreatedAt.UnixNano(), n.ID)
}

func toEntity(n domain.Notification) notificationEntity {
	return notificationEntity{
		PartitionKey:   n.Kind,
		RowKey:         rowKey(n),
		ID:             n.ID,
		Kind:           n.Kind,
		Actor:          n.Actor,
		EventID:        n.Event.ID,
		EventTitle:     n.Event.Title,
		EventAction:    string(n.Event.Action),
		EventUser:      n.Event.User,
		EventTimestamp: n.Event.Timestamp,
		CreatedAt:      n.CreatedAt.UTC().Format(tableTimeLayout),
		CreatedAtType:  edmDateTime,
	}
}

// Save inserts the notification as a new entity.
func (s *TableStore) Save(ctx context.Context, n domain.Notification) error {
	payload, err := json.Marshal(toEntity(n))
	if err != nil {
		return err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return fmt.Errorf("add notification %s: %w", n.ID, err)
	}
	return nil
}
