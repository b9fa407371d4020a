package broker

import (
	"context"
	"errors"
)

// ErrBrokerClosed is returned by Publish after Close.
var ErrBrokerClosed = errors.New("broker closed")

// MessageBroker defines the operations to publish replayed actions to a broker.
type MessageBroker interface {
	// Publish sends payload to topic with optional headers and waits for the broker to accept it.
	Publish(ctx context.Context, topic string, payload []byte, headers map[string]string) error
	// Close cleans up any resources (connections).
	Close() error
}

// StatusFunc is told whenever the broker connection goes up or down.
type StatusFunc func(online bool)
