package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/localhands/marketplace/internal/services"
)

func TestPubSubPublisherPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	topic.EnableMessageOrdering = true
	defer topic.Stop()

	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}

	occurred := time.Date(2025, 5, 6, 9, 0, 0, 0, time.FixedZone("JST", 9*3600))
	event := services.OrderEvent{
		Type:           "order.paid",
		OrderID:        "ord_01",
		BuyerID:        "buyer-1",
		ProviderUserID: "provider-1",
		PreviousStatus: "payment_pending",
		CurrentStatus:  "paid",
		Actor:          "system",
		OccurredAt:     occurred,
		Metadata:       map[string]any{"paymentIntentId": "pi_123"},
	}
	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0]

	var payload Envelope
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != "ord_01" || payload.CurrentStatus != "paid" || payload.PreviousStatus != "payment_pending" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if !payload.OccurredAt.Equal(occurred) || payload.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", payload.OccurredAt)
	}
	if msg.Attributes["type"] != "order.paid" || msg.Attributes["orderId"] != "ord_01" {
		t.Fatalf("unexpected attributes %v", msg.Attributes)
	}
	if msg.OrderingKey != "ord_01" {
		t.Fatalf("expected ordering key, got %q", msg.OrderingKey)
	}
	if _, ok := msg.Attributes["actorId"]; ok {
		t.Fatalf("empty attributes should be omitted")
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}

type countingRecorder struct{ calls []string }

func (r *countingRecorder) RecordOrderEvent(_ context.Context, eventType, status string) {
	r.calls = append(r.calls, eventType+":"+status)
}

type failingPublisher struct{}

func (failingPublisher) PublishOrderEvent(context.Context, services.OrderEvent) error {
	return errors.New("broker down")
}

func TestWithMetricsCountsOnlySuccessfulPublishes(t *testing.T) {
	recorder := &countingRecorder{}
	ctx := context.Background()

	ok := WithMetrics(LogPublisher{}, recorder)
	if err := ok.PublishOrderEvent(ctx, services.OrderEvent{Type: "order.created", CurrentStatus: "pending_quote"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	failing := WithMetrics(failingPublisher{}, recorder)
	if err := failing.PublishOrderEvent(ctx, services.OrderEvent{Type: "order.paid"}); err == nil {
		t.Fatal("expected error to propagate")
	}

	if len(recorder.calls) != 1 || recorder.calls[0] != "order.created:pending_quote" {
		t.Fatalf("unexpected recorder calls %v", recorder.calls)
	}
}
