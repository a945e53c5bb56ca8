// Package store — слой хранения движка маршрутизации. Все составные изменения
// (назначение, трансфер, освобождение) выполняются одной атомарной операцией с
// условными обновлениями, чтобы гонки разрешались на уровне строки.
package store

import (
	"context"
	"time"

	"github.com/psds-microservice/routing-service/internal/model"
)

// PositionUpdate — новое положение записи очереди после переиндексации.
type PositionUpdate struct {
	EntryID              string
	QueuePosition        int
	EstimatedWaitMinutes int
}

// StateChange — условная смена состояния оператора.
type StateChange struct {
	AgentID       string
	ExpectedState model.AgentState
	ExpectedUntil *time.Time
	State         model.AgentState
	Until         *time.Time
}

// ChatSpan — время работы оператора над закрытым диалогом.
type ChatSpan struct {
	ConversationID string
	AssignedAt     time.Time
	ClosedAt       time.Time
}

// Duration is the time from the first assignment to closing.
func (c ChatSpan) Duration() time.Duration { return c.ClosedAt.Sub(c.AssignedAt) }

// Release describes one agent giving up a conversation.
type Release struct {
	ConversationID    string
	AgentID           string
	At                time.Time
	CloseConversation bool
}

// Store — PersistenceStore движка. Реализации: GormStore (postgres) и MemoryStore.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	// ListAgents returns agents of a tenant ordered by id; an empty tenant lists every agent.
	ListAgents(ctx context.Context, tenantID string) ([]model.Agent, error)
	SetAgentState(ctx context.Context, id string, state model.AgentState, until *time.Time) error
	// CompareAndSetAgentState applies c only if the agent's state and state_until still
	// equal the expected pair.
	CompareAndSetAgentState(ctx context.Context, c StateChange) (bool, error)
	SetAgentOnline(ctx context.Context, id string, online bool) error
	ListExpiredAgentStates(ctx context.Context, now time.Time) ([]model.Agent, error)

	// Conversations
	CreateConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// CloseConversation closes an open conversation without an agent; closing a closed one is a
	// no-op, an assigned one returns errs.ErrConversationAlreadyAssigned (release it instead).
	CloseConversation(ctx context.Context, id string, at time.Time) error
	// ListClosedChats returns the newest closed conversations of a tenant that had an agent,
	// with their first assignment time. Conversations that never left the queue are skipped.
	ListClosedChats(ctx context.Context, tenantID string, since time.Time, limit int) ([]ChatSpan, error)

	// Routing config
	GetRoutingConfig(ctx context.Context, tenantID string) (*model.RoutingConfig, error)
	SaveRoutingConfig(ctx context.Context, cfg *model.RoutingConfig) error

	// Assignment log
	// LastAssignment returns the newest record of a tenant (all tenants when empty).
	LastAssignment(ctx context.Context, tenantID string) (*model.AssignmentRecord, error)
	ListAssignments(ctx context.Context, conversationID string) ([]model.AssignmentRecord, error)

	// CommitAssignment atomically: sets the conversation's agent (only if open and unassigned),
	// increments the agent's load (only if below max) and appends rec.
	CommitAssignment(ctx context.Context, rec *model.AssignmentRecord) error
	// TransferAssignment atomically moves the conversation from rec.FromAgentID to rec.AgentID.
	TransferAssignment(ctx context.Context, rec *model.AssignmentRecord) error
	// ReleaseAssignment atomically clears the conversation's agent, decrements the load and
	// stamps UnassignedAt on the open record.
	ReleaseAssignment(ctx context.Context, r Release) error

	// Queue
	// CreateQueueEntry inserts a waiting entry; at most one waiting entry may exist per conversation.
	CreateQueueEntry(ctx context.Context, e *model.QueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (*model.QueueEntry, error)
	FindWaitingEntry(ctx context.Context, conversationID string) (*model.QueueEntry, error)
	// ListWaitingEntries returns the waiting entries of a tenant ordered by priority desc, entered_at asc.
	ListWaitingEntries(ctx context.Context, tenantID string) ([]model.QueueEntry, error)
	ListExpiredEntries(ctx context.Context, now time.Time) ([]model.QueueEntry, error)
	ListQueueEntriesSince(ctx context.Context, tenantID string, since time.Time) ([]model.QueueEntry, error)
	// ResolveQueueEntry moves an entry out of waiting; it reports false if the entry was no longer waiting.
	ResolveQueueEntry(ctx context.Context, id string, status model.QueueStatus, agentID *string, at time.Time) (bool, error)
	UpdateQueuePositions(ctx context.Context, updates []PositionUpdate) error

	Ping(ctx context.Context) error
	Close() error
}
