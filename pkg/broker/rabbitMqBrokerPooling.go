package broker

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

var errNotConnected = errors.New("not connected to RabbitMQ")

// amqpConnection and amqpChannel are the parts of the streadway client the broker uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpConnAdapter struct {
	*amqp.Connection
}

func (a amqpConnAdapter) Channel() (amqpChannel, error) {
	ch, err := a.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newPooledChannel(ch amqpChannel) *pooledChannel {
	// buffered so the client never blocks delivering the close error
	return &pooledChannel{
		channel:     ch,
		notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}
}

// closed reports whether the server or client already closed the channel.
func (p *pooledChannel) closed() bool {
	select {
	case err := <-p.notifyClose:
		log.Debug().Err(err).Msg("discarding closed channel")
		return true
	default:
		return false
	}
}

var newConnection = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return amqpConnAdapter{conn}, nil
}

func (r *rabbitMqBroker) connectAndInitialize() error {
	conn, err := r.connectLocked()
	if err != nil {
		return err
	}

	log.Info().Int("pool_size", r.settings.PoolSize).Msg("RabbitMQ connection and channel pool initialized")
	r.watchConnection(conn)
	r.reportStatus(true)
	return nil
}

func (r *rabbitMqBroker) connectLocked() (amqpConnection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrBrokerClosed
	}

	// Close existing connection if it exists
	if r.connection != nil && !r.connection.IsClosed() {
		_ = r.connection.Close()
	}
	r.drainPoolLocked()

	// Establish a new connection
	connection, err := newConnection(r.settings.URL)
	if err != nil {
		return nil, err
	}
	r.connection = connection

	// Reinitialize the channel pool
	for i := 0; i < r.settings.PoolSize; i++ {
		channel, err := connection.Channel()
		if err != nil {
			// leave a closed connection behind so recoverConnection tries again
			r.drainPoolLocked()
			_ = connection.Close()
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		r.channelPool <- newPooledChannel(channel)
	}
	return connection, nil
}

// watchConnection reports the broker offline once conn goes away, unless it was
// already replaced or the broker is shutting down.
func (r *rabbitMqBroker) watchConnection(conn amqpConnection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-notifyClose; ok && err != nil {
			log.Warn().Err(err).Msg("RabbitMQ connection closed")
		}

		r.mu.Lock()
		current := r.connection == conn && !r.closed
		r.mu.Unlock()
		if current {
			r.reportStatus(false)
		}
	}()
}

func (r *rabbitMqBroker) drainPoolLocked() {
	for {
		select {
		case pooledChan := <-r.channelPool:
			_ = pooledChan.channel.Close()
		default:
			return
		}
	}
}

func (r *rabbitMqBroker) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			down := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if !down {
				continue
			}
			log.Info().Msg("attempting to reconnect to RabbitMQ")
			if err := r.connectAndInitialize(); err != nil {
				log.Warn().Err(err).Msg("failed to reconnect to RabbitMQ")
			} else {
				log.Info().Msg("reconnected to RabbitMQ")
			}
		case <-r.stopReconnect:
			log.Debug().Msg("stopping RabbitMQ connection recovery")
			return
		}
	}
}

func (r *rabbitMqBroker) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			if pooledChan.closed() {
				continue
			}
			return pooledChan, nil
		default:
			// Create a new channel if none are available
			r.mu.Lock()
			closed, conn := r.closed, r.connection
			r.mu.Unlock()
			if closed {
				return nil, ErrBrokerClosed
			}
			if conn == nil || conn.IsClosed() {
				return nil, errNotConnected
			}
			channel, err := conn.Channel()
			if err != nil {
				return nil, err
			}
			return newPooledChannel(channel), nil
		}
	}
}

func (r *rabbitMqBroker) releaseChannel(pooledChan *pooledChannel) {
	if pooledChan.closed() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = pooledChan.channel.Close()
		return
	}
	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full, close the channel
		_ = pooledChan.channel.Close()
	}
}
