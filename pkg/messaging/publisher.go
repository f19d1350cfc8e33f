package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Message is a single event ready to leave the process.
type Message struct {
	ID         string
	RoutingKey string
	Body       []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// RabbitPublisher publishes to a durable topic exchange, routing by event type.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
}

func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		p.ch = ch
	}

	return p.ch.PublishWithContext(ctx, p.exchange, msg.RoutingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.ID,
		Type:         msg.RoutingKey,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

func declareExchange(ch *amqp091.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}
