package processor

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-offline/pkg/broker"
	"github.com/zoff-tech/go-offline/pkg/queue"
)

const (
	HeaderActionID   = "x-action-id"
	HeaderActionType = "x-action-type"
	HeaderRetryCount = "x-retry-count"
)

// Receipt is the result of an action that reached the broker on the first try.
type Receipt struct {
	Topic       string    `json:"topic"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Publisher turns actions into broker messages. Its Replay method is what the
// queue calls to drain pending actions.
type Publisher struct {
	broker      broker.MessageBroker
	topicPrefix string
	tracer      trace.Tracer
	now         func() time.Time
}

// NewPublisher creates a new instance of Publisher.
func NewPublisher(b broker.MessageBroker, topicPrefix string) *Publisher {
	return &Publisher{
		broker:      b,
		topicPrefix: topicPrefix,
		tracer:      otel.Tracer("go-offline"),
		now:         time.Now,
	}
}

// Topic maps an action type to the broker topic it is published on.
func (p *Publisher) Topic(actionType string) string {
	return p.topicPrefix + actionType
}

// Replay publishes a queued action. It satisfies queue.ReplayFunc.
func (p *Publisher) Replay(ctx context.Context, action queue.PendingAction) error {
	ctx, span := p.tracer.Start(ctx, "ReplayPendingAction", trace.WithAttributes(
		attribute.String("action.id", action.ID),
		attribute.String("action.type", action.Type),
		attribute.Int("action.retry_count", action.RetryCount),
		attribute.String("action.timestamp", action.Timestamp.Format(time.RFC3339Nano)),
	))
	defer span.End()

	headers := map[string]string{
		HeaderActionID:   action.ID,
		HeaderActionType: action.Type,
		HeaderRetryCount: strconv.Itoa(action.RetryCount),
	}

	if err := p.broker.Publish(ctx, p.Topic(action.Type), action.Data, headers); err != nil {
		log.Debug().Err(err).Str("action_id", action.ID).Msg("failed to publish pending action")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Action returns the function the queue runs for a fresh action of actionType.
func (p *Publisher) Action(actionType string) queue.ActionFunc {
	topic := p.Topic(actionType)
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		headers := map[string]string{
			HeaderActionType: actionType,
			HeaderRetryCount: "0",
		}
		if err := p.broker.Publish(ctx, topic, data, headers); err != nil {
			return nil, err
		}
		return Receipt{Topic: topic, PublishedAt: p.now().UTC()}, nil
	}
}
