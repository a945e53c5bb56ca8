package kafka

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/segmentio/kafka-go"
)

// Producer пишет события маршрутизации в топик Kafka (best-effort, не блокирует движок).
// Ключ сообщения — адресат (tenant.<id>.agents, agent.<id>, conversation.<id>), чтобы
// события одного адресата попадали в одну партицию и сохраняли порядок.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

var _ notify.Notifier = (*Producer)(nil)

// NewProducer создаёт продюсер. Если brokers пустой или topic пустой — методы no-op.
func NewProducer(brokers []string, topic string) *Producer {
	if len(brokers) == 0 || topic == "" {
		return &Producer{}
	}
	return &Producer{
		topic: topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Enabled reports whether the producer writes anywhere.
func (p *Producer) Enabled() bool {
	return p.writer != nil
}

type message struct {
	Target string `json:"target"`
	notify.Event
}

// Publish отправляет событие в топик.
func (p *Producer) Publish(ctx context.Context, target string, ev notify.Event) {
	if p.writer == nil {
		return
	}
	body, err := json.Marshal(message{Target: target, Event: ev})
	if err != nil {
		log.Printf("kafka: marshal %s event: %v", ev.Type, err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(target),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Type)},
			{Key: "tenant_id", Value: []byte(ev.TenantID)},
		},
		Time: ev.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("kafka: write %s event to %s: %v", ev.Type, target, err)
	}
}

// Close закрывает writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// ParseBrokers разбивает строку брокеров "host1:9092,host2:9092" на слайс.
func ParseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
