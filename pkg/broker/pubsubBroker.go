package broker

import (
	"context"
	"maps"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/zoff-tech/go-offline/pkg/config"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub brokers.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return newPubSubBroker(client), nil
}

type pubSubBroker struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

func newPubSubBroker(client *pubsub.Client) *pubSubBroker {
	return &pubSubBroker{client: client, topics: make(map[string]*pubsub.Topic)}
}

// topic returns a cached handle so the publish scheduler of each topic is reused.
func (p *pubSubBroker) topic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrBrokerClosed
	}
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t, nil
}

func (p *pubSubBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	tracer := otel.Tracer("go-offline")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
		),
	)
	defer span.End()

	attributes := make(map[string]string, len(headers)+2)
	maps.Copy(attributes, headers)
	// Inject the trace context into the message attributes
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	t, err := p.topic(topic)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	res := t.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	id, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		semconv.MessagingMessageIDKey.String(id),
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)
	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	topics := p.topics
	p.topics = nil
	p.mu.Unlock()

	// Stop flushes whatever is still buffered
	for _, t := range topics {
		t.Stop()
	}
	return p.client.Close()
}
