// Package broker publishes stored chat records to RabbitMQ for downstream
// consumers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/chatrelay/internal/store"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoutingKeyPublic  = "chat.public"
	RoutingKeyPrivate = "chat.private"

	publishTimeout = 5 * time.Second
)

// RecordMessage is the JSON body of a published record.
type RecordMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoutingKey returns the topic routing key for rec.
func RoutingKey(rec store.Record) string {
	if rec.IsPrivate() {
		return RoutingKeyPrivate
	}
	return RoutingKeyPublic
}

// Encode builds the AMQP publishing for rec.
func Encode(rec store.Record) (amqp.Publishing, error) {
	body, err := json.Marshal(RecordMessage{
		ID:        rec.ID,
		Sender:    rec.Sender,
		Recipient: rec.Recipient,
		Content:   rec.Content,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Timestamp:    rec.CreatedAt,
		Body:         body,
	}, nil
}

// Publisher sends records to a durable topic exchange.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string

	// amqp.Channel is not safe for concurrent publishes.
	mu sync.Mutex
}

// NewPublisher dials url and declares exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends rec with its routing key.
func (p *Publisher) Publish(ctx context.Context, rec store.Record) error {
	msg, err := Encode(rec)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx,
		p.exchange,
		RoutingKey(rec),
		false,
		false,
		msg,
	)
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Nop discards every record. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, store.Record) error { return nil }

func (Nop) Close() error { return nil }
