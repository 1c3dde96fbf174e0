package events

import (
	"context"

	"github.com/localhands/marketplace/internal/services"
)

// LogPublisher writes events to the log instead of a broker. Local runs use it.
type LogPublisher struct {
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p LogPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p.Logger == nil {
		return nil
	}
	p.Logger(ctx, "order.event", map[string]any{
		"type":           event.Type,
		"orderId":        event.OrderID,
		"previousStatus": event.PreviousStatus,
		"currentStatus":  event.CurrentStatus,
		"actor":          event.Actor,
	})
	return nil
}

// Recorder counts published events.
type Recorder interface {
	RecordOrderEvent(ctx context.Context, eventType, status string)
}

type meteredPublisher struct {
	next     services.OrderEventPublisher
	recorder Recorder
}

// WithMetrics wraps next so every successful publish is counted.
func WithMetrics(next services.OrderEventPublisher, recorder Recorder) services.OrderEventPublisher {
	if next == nil || recorder == nil {
		return next
	}
	return meteredPublisher{next: next, recorder: recorder}
}

func (p meteredPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if err := p.next.PublishOrderEvent(ctx, event); err != nil {
		return err
	}
	p.recorder.RecordOrderEvent(ctx, event.Type, event.CurrentStatus)
	return nil
}
