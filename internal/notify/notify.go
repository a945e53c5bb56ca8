// Package notify — best-effort рассылка событий маршрутизации операторам и посетителям.
// Движок не ждёт доставки и не повторяет неудачные отправки.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventNewConversation      = "chat.new"
	EventChatAssigned         = "chat.assigned"
	EventConversationAssigned = "conversation.assigned"
	EventQueuePosition        = "queue.position"
	EventQueueTimeout         = "queue.timeout"
	EventTransferOut          = "chat.transferred_out"
	EventTransferIn           = "chat.transferred_in"
	EventConversationReleased = "chat.released"
	EventAgentState           = "agent.state"
)

// Event — полезная нагрузка уведомления.
type Event struct {
	Type     string                 `json:"event"`
	TenantID string                 `json:"tenant_id"`
	Data     map[string]interface{} `json:"data,omitempty"`
	At       time.Time              `json:"at"`
}

// Notifier публикует событие в топик: группа операторов сайта, конкретный оператор
// или участники диалога.
type Notifier interface {
	Publish(ctx context.Context, topic string, ev Event)
}

func TenantAgents(tenantID string) string { return "tenant." + tenantID + ".agents" }

func Agent(agentID string) string { return "agent." + agentID }

func Conversation(conversationID string) string { return "conversation." + conversationID }

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) {}

// Fanout publishes to every notifier in order.
type Fanout []Notifier

func (f Fanout) Publish(ctx context.Context, topic string, ev Event) {
	for _, n := range f {
		n.Publish(ctx, topic, ev)
	}
}

// Async отправляет события из одной фоновой горутины в порядке публикации, с собственным
// таймаутом: отмена запроса не теряет событие, а медленный брокер не блокирует маршрутизацию.
// Когда буфер полон, событие отбрасывается. Close дожидается отправки всего буфера.
type Async struct {
	next    Notifier
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Published
	done    chan struct{}
	dropped atomic.Int64
}

func NewAsync(next Notifier, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 1
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		logger:  logger.With("component", "notify"),
		queue:   make(chan Published, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, topic string, ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(topic, ev, "closed")
		return
	}
	select {
	case a.queue <- Published{Topic: topic, Event: ev}:
	default:
		a.drop(topic, ev, "buffer full")
	}
}

func (a *Async) drop(topic string, ev Event, reason string) {
	a.dropped.Add(1)
	a.logger.Warn("event dropped", "topic", topic, "event", ev.Type, "reason", reason)
}

// Dropped returns how many events were discarded so far.
func (a *Async) Dropped() int64 { return a.dropped.Load() }

func (a *Async) run() {
	defer close(a.done)
	for p := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		a.next.Publish(ctx, p.Topic, p.Event)
		cancel()
	}
}

// Close stops accepting events and waits until the buffered ones are sent.
func (a *Async) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

// Published is one recorded notification.
type Published struct {
	Topic string
	Event Event
}

// Recorder keeps every published event; tests substitute it for the real transports.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(_ context.Context, topic string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Event: ev})
}

// Events returns a copy of what has been published so far.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Find returns the events of the given type sent to topic.
func (r *Recorder) Find(topic, eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, p := range r.events {
		if p.Topic == topic && p.Event.Type == eventType {
			out = append(out, p.Event)
		}
	}
	return out
}
