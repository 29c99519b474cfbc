package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"supporthub/pkg/api"

	amqp "github.com/rabbitmq/amqp091-go"
)

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", MaxConnectRetry, err)
}

func declareExchange(channel *amqp.Channel) error {
	// Fanout so that every API instance sees every event.
	return channel.ExchangeDeclare(ChatEventsExchange, amqp.ExchangeFanout, true, false, false, false, nil)
}

type RabbitMQPublisher struct {
	connLock   sync.RWMutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	url        string
	destructor sync.Once
	closed     chan struct{}
}

var _ Publisher = (*RabbitMQPublisher)(nil)

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL, closed: make(chan struct{})}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect() error {
	conn, err := connectToRabbitMQ(p.url)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declareExchange(channel); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare rabbitmq exchange %s: %w", ChatEventsExchange, err)
	}

	p.connLock.Lock()
	select {
	case <-p.closed:
		p.connLock.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	p.conn, p.channel = conn, channel
	p.connLock.Unlock()

	slog.Info("rabbitmq channel opened and exchange declared", "exchange", ChatEventsExchange)

	go p.handleReconnect(channel)

	return nil
}

func (p *RabbitMQPublisher) handleReconnect(channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	err, ok := <-notifyClose
	if !ok { // channel is just closed on graceful close
		slog.Info("rabbitmq publisher channel closed")
		return
	}

	slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

	p.connLock.Lock()
	p.channel = nil
	p.conn = nil
	p.connLock.Unlock()

	p.reconnect()
}

// reconnect retries until connected or closed. The lock is only taken to swap
// in the new connection, so publishes fail fast with ErrDisconnected meanwhile.
func (p *RabbitMQPublisher) reconnect() {
	for {
		select {
		case <-p.closed:
			return
		default:
		}
		if p.connect() == nil {
			slog.Info("successfully reconnected to rabbitmq")
			return
		}
		select {
		case <-p.closed:
			return
		case <-time.After(RetryDelay * 10):
		}
	}
}

func (p *RabbitMQPublisher) PublishChatEvent(ctx context.Context, event api.ChatEvent) error {
	p.connLock.RLock()
	channel := p.channel
	p.connLock.RUnlock()

	if channel == nil || channel.IsClosed() {
		return ErrDisconnected
	}

	body, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal chat event", "type", event.Type, "error", err)
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}

	err = channel.PublishWithContext(ctx,
		ChatEventsExchange,
		"",    // routing key, ignored by fanout exchanges
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Type:        event.Type,
			Timestamp:   event.Time,
			Body:        body,
		})
	if err != nil {
		slog.Error("failed to publish chat event, potential connection issue", "type", event.Type, "error", err)
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() {
	p.destructor.Do(func() {
		close(p.closed)

		p.connLock.RLock()
		defer p.connLock.RUnlock()
		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

// RabbitMQReceiver binds an exclusive, auto deleted queue to the chat events
// exchange. Each API instance gets its own copy of every event.
type RabbitMQReceiver struct {
	events     chan api.ChatEvent
	url        string
	stop       chan struct{}
	destructor sync.Once
	wg         sync.WaitGroup
}

var _ Receiver = (*RabbitMQReceiver)(nil)

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	c := &RabbitMQReceiver{
		events: make(chan api.ChatEvent, 256),
		url:    rabbitMQURL,
		stop:   make(chan struct{}),
	}

	if err := c.receiveEvents(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *RabbitMQReceiver) consume(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for d := range msgs {
		var event api.ChatEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			slog.Error("dropping malformed chat event", "type", d.Type, "error", err)
			continue
		}

		select {
		case c.events <- event:
		case <-c.stop:
			return
		}
	}
}

func (c *RabbitMQReceiver) receiveEvents() error {
	conn, err := connectToRabbitMQ(c.url)
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		slog.Error("failed to open rabbitmq channel", "error", err)
		conn.Close()
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declareExchange(channel); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare rabbitmq exchange %s: %w", ChatEventsExchange, err)
	}

	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare rabbitmq queue: %w", err)
	}

	if err := channel.QueueBind(queue.Name, "", ChatEventsExchange, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to bind queue %s to %s: %w", queue.Name, ChatEventsExchange, err)
	}

	msgs, err := channel.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		slog.Error("failed to consume from rabbitmq queue", "queue", queue.Name, "error", err)
		conn.Close()
		return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", queue.Name, err)
	}

	c.wg.Add(1)
	go c.consume(msgs)

	go c.handleReconnect(conn, channel)

	return nil
}

func (c *RabbitMQReceiver) handleReconnect(conn *amqp.Connection, channel *amqp.Channel) {
	notifyClose := make(chan *amqp.Error, 1)
	channel.NotifyClose(notifyClose)

	select {
	case err, ok := <-notifyClose:
		if !ok { // channel is just closed on graceful close
			slog.Info("rabbitmq receiver channel closed")
			return
		}

		slog.Warn("rabbitmq connection closed, attempting to reconnect", "error", err)

		for {
			select {
			case <-c.stop:
				return
			default:
			}
			if c.receiveEvents() == nil {
				slog.Info("successfully restarted rabbitmq consumer")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-c.stop:
		slog.Info("stopping rabbitmq consumer")
		if err := conn.Close(); err != nil {
			slog.Error("error closing rabbitmq conn", "error", err)
		}
		return
	}
}

func (c *RabbitMQReceiver) Events() <-chan api.ChatEvent {
	return c.events
}

func (c *RabbitMQReceiver) Close() {
	c.destructor.Do(func() {
		close(c.stop)
		go func() {
			c.wg.Wait()
			close(c.events)
		}()
	})
}
