package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"oikion-live/domain"
)

type fakeQueue struct {
	messages []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestEventQueuePublishChange(t *testing.T) {
	fq := &fakeQueue{}
	q := &EventQueue{queue: fq}
	ev := domain.ChangeEvent{ID: "e1", EntityType: domain.EntityClient, EntityID: "c1", OrganizationID: "o1", Operation: domain.OperationCreated, Sequence: 7}

	if err := q.PublishChange(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(fq.messages))
	}
	var msg domainEvent
	if err := sonic.UnmarshalString(fq.messages[0], &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.EventType != changeEventType || msg.Event.Sequence != 7 || msg.Event.OrganizationID != "o1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if q.Name() != "domain-events" {
		t.Fatalf("unexpected name %q", q.Name())
	}
}

func TestEventQueuePublishError(t *testing.T) {
	boom := errors.New("queue down")
	q := &EventQueue{queue: &fakeQueue{err: boom}}
	if err := q.PublishChange(context.Background(), domain.ChangeEvent{ID: "e1"}); !errors.Is(err, boom) {
		t.Fatalf("expected enqueue error, got %v", err)
	}
}
