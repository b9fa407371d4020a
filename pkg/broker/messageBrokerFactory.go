package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-offline/pkg/config"
)

// NewBroker creates the broker selected by cfg.Type. onStatus may be nil; only
// RabbitMQ reports connection state through it.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings, onStatus StatusFunc) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, onStatus)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
