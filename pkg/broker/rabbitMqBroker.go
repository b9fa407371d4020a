package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-offline/pkg/config"
)

const reconnectInterval = 5 * time.Second

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, onStatus StatusFunc) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, onStatus StatusFunc) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}
	if settings.Exchange == "" {
		return nil, errors.New("exchange must not be empty")
	}

	broker := newRabbitMqBroker(settings, onStatus, time.NewTicker(reconnectInterval))

	// An unreachable broker is just another offline period, recoverConnection keeps trying
	if err := broker.connectAndInitialize(); err != nil {
		log.Warn().Err(err).Msg("RabbitMQ unavailable, starting offline")
		broker.reportStatus(false)
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	closed          bool
	settings        *config.BrokerSettings
	onStatus        StatusFunc
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func newRabbitMqBroker(settings *config.BrokerSettings, onStatus StatusFunc, ticker *time.Ticker) *rabbitMqBroker {
	return &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		onStatus:        onStatus,
		reconnectTicker: ticker,
		stopReconnect:   make(chan struct{}),
	}
}

// Publish sends the payload to the configured topic exchange using topic as the routing key.
func (r *rabbitMqBroker) Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error {
	tracer := otel.Tracer("go-offline")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(topic),
		),
	)
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Copy so the caller's map is never touched, then inject the trace context
	traceHeaders := make(map[string]string, len(headers)+2)
	maps.Copy(traceHeaders, headers)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))

	amqpHeaders := make(amqp.Table, len(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		return fail(err)
	}
	defer r.releaseChannel(pooledChan)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		r.settings.Exchange, // name of the exchange
		"topic",             // type of the exchange
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fail(fmt.Errorf("failed to declare exchange: %w", err))
	}

	err = pooledChan.channel.Publish(
		r.settings.Exchange, topic, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		return fail(err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(payload)),
	)
	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	r.drainPoolLocked()

	var err error
	if r.connection != nil {
		err = r.connection.Close()
	}
	r.mu.Unlock()

	log.Info().Msg("RabbitMQ broker closed")
	return err
}

func (r *rabbitMqBroker) reportStatus(online bool) {
	if r.onStatus != nil {
		r.onStatus(online)
	}
}
