package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"oikion-live/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// domainEvent is the message read by downstream consumers of the
// domain-events queue.
type domainEvent struct {
	EventType string             `json:"eventType"`
	Event     domain.ChangeEvent `json:"event"`
}

const changeEventType = "entity-changed"

// EventQueue forwards change events to the domain-events queue.
type EventQueue struct {
	queue queueClient
}

func NewEventQueue(connStr, queueName string) (*EventQueue, error) {
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
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &EventQueue{queue: q}, nil
}

func (q *EventQueue) Name() string { return "domain-events" }

func (q *EventQueue) PublishChange(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := sonic.MarshalString(domainEvent{EventType: changeEventType, Event: ev})
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, data, nil)
	return err
}
