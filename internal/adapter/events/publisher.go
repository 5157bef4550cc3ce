package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/srgjo27/event_ticketing/internal/core/domain"
	"github.com/srgjo27/event_ticketing/internal/platform/logging"
)

// OutcomePublisher sends booking outcomes to a watermill topic named after
// the outcome type.
type OutcomePublisher struct {
	publisher message.Publisher
}

func NewOutcomePublisher(publisher message.Publisher) *OutcomePublisher {
	return &OutcomePublisher{
		publisher: publisher,
	}
}

func (p *OutcomePublisher) Publish(ctx context.Context, event domain.OutcomeEvent) error {
	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(event.ID.String(), bytes)
	msg.SetContext(ctx)

	msg.Metadata.Set("type", string(event.Type))
	msg.Metadata.Set("booking_id", event.BookingID.String())
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))

	return p.publisher.Publish(string(event.Type), msg)
}

type CorrelationPublisherDecorator struct {
	message.Publisher
}

func (c CorrelationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if id := logging.CorrelationID(msg.Context()); id != "" {
			msg.Metadata.Set("correlation_id", id)
		}
	}
	return c.Publisher.Publish(topic, messages...)
}
