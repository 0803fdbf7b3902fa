package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// tableClient is the slice of aztables.Client used by Storage, kept narrow
// so tests can substitute fakes.
type tableClient interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(ctx context.Context, transactionActions []aztables.TransactionAction, options *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Storage provides access to underlying persistence mechanisms.
type Storage struct {
	historyTable       tableClient
	notificationsTable tableClient
	usersTable         tableClient
	eventQueue         queueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, historyTable, notificationsTable, usersTable, eventQueue string) (*Storage, error) {
	svc, err := tablesServiceClient(connStr)
	if err != nil {
		return nil, err
	}
	ht := svc.NewClient(historyTable)
	nt := svc.NewClient(notificationsTable)
	ut := svc.NewClient(usersTable)
	eq, err := NewEventQueue(connStr, eventQueue)
	if err != nil {
		return nil, err
	}
	return &Storage{historyTable: ht, notificationsTable: nt, usersTable: ut, eventQueue: eq}, nil
}

// NewUserDirectory creates a Storage scoped to the user directory table, for
// tooling that only reads or seeds users and carries no queue configuration.
func NewUserDirectory(connStr, usersTable string) (*Storage, error) {
	svc, err := tablesServiceClient(connStr)
	if err != nil {
		return nil, err
	}
	return &Storage{usersTable: svc.NewClient(usersTable)}, nil
}

func tablesServiceClient(connStr string) (*aztables.ServiceClient, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
}

// NewEventQueue creates a queue client with retry options suitable for the
// change event queue. The worker uses it directly for dequeue and delete.
func NewEventQueue(connStr, queue string) (*azqueue.QueueClient, error) {
	queueClientOptions := azqueue.ClientOptions{
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
	return azqueue.NewQueueClientFromConnectionString(connStr, queue, &queueClientOptions)
}

// invertedRowKey maps an id to a zero padded row key that sorts newest
// first: larger ids become lexically smaller keys.
func invertedRowKey(id int64) string {
	return fmt.Sprintf("%020d", math.MaxInt64-id)
}

func entityPartition(entityType string, entityID int64) string {
	return fmt.Sprintf("%s:%d", entityType, entityID)
}

type notFoundError struct {
	kind string
	key  string
}

func (e *notFoundError) Error() string {
	return e.kind + " " + e.key + " not found"
}

func (e *notFoundError) NotFound() {}

type duplicateEventError struct {
	dedupKey string
}

func (e *duplicateEventError) Error() string {
	return "change event " + e.dedupKey + " already applied"
}

func (e *duplicateEventError) DuplicateEvent() {}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// isConflict recognizes duplicate inserts. Transaction failures do not
// always surface as ResponseError, so the error code is matched as well.
func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
		return true
	}
	return strings.Contains(err.Error(), "EntityAlreadyExists")
}
