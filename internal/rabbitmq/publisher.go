package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/routing-service/internal/notify"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher публикует события маршрутизации в topic-exchange RabbitMQ; routing key —
// адресат события (tenant.<id>.agents, agent.<id>, conversation.<id>), так что шлюз
// веб-сокетов подписывается биндингами вида "agent.*".
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	appID    string
}

var _ notify.Notifier = (*Publisher)(nil)

// Dial подключается к брокеру и объявляет durable topic-exchange.
func Dial(url, exchange, appID string) (*Publisher, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &Publisher{conn: conn, ch: ch, exchange: exchange, appID: appID}, nil
}

type envelope struct {
	Meta    meta         `json:"meta"`
	Payload notify.Event `json:"payload"`
}

type meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	Time          time.Time `json:"time"`
}

func (p *Publisher) Publish(ctx context.Context, target string, ev notify.Event) {
	id := uuid.NewString()
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	body, err := json.Marshal(envelope{
		Meta:    meta{ID: id, Type: ev.Type, CorrelationID: id, Time: at},
		Payload: ev,
	})
	if err != nil {
		log.Printf("rabbitmq: marshal %s event: %v", ev.Type, err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, target, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Type:         ev.Type,
		Timestamp:    at,
		AppId:        p.appID,
	})
	if err != nil {
		log.Printf("rabbitmq: publish %s event to %s: %v", ev.Type, target, err)
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
