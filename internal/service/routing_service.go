package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/psds-microservice/routing-service/internal/queue"
	"github.com/psds-microservice/routing-service/internal/routing"
	"github.com/psds-microservice/routing-service/internal/store"
	"github.com/sethvargo/go-retry"
)

// DefaultCapacityRetryDelay — пауза перед повтором assign после проигранной гонки за слот.
const DefaultCapacityRetryDelay = 50 * time.Millisecond

type OutcomeStatus string

const (
	OutcomeAssigned OutcomeStatus = "assigned"
	OutcomeQueued   OutcomeStatus = "queued"
	OutcomeRejected OutcomeStatus = "rejected"
)

// Outcome — результат assign: назначен, поставлен в очередь или отклонён.
type Outcome struct {
	Status         OutcomeStatus           `json:"status"`
	Agent          *model.Agent            `json:"agent,omitempty"`
	AssignmentType model.AssignmentType    `json:"assignment_type,omitempty"`
	Record         *model.AssignmentRecord `json:"record,omitempty"`
	Entry          *model.QueueEntry       `json:"queue_entry,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
}

// AssignRequest carries the visitor flags supplied by the visitor-tracking side.
type AssignRequest struct {
	ConversationID string
	VIPLevel       int
	Language       string
	DepartmentID   *string
	RequiredSkills []string
}

// RoutingServicer — публичная поверхность движка для HTTP слоя.
type RoutingServicer interface {
	Assign(ctx context.Context, req AssignRequest) (*Outcome, error)
	AssignManual(ctx context.Context, conversationID, agentID string) (*Outcome, error)
	RemoveFromQueue(ctx context.Context, entryID string) error
	Transfer(ctx context.Context, conversationID, fromAgentID, toAgentID string) (*model.AssignmentRecord, error)
	Unassign(ctx context.Context, conversationID, agentID string, closeConversation bool) (*Pulled, error)
	CloseConversation(ctx context.Context, conversationID string) (*Pulled, error)
	OpenConversation(ctx context.Context, c *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, []model.AssignmentRecord, error)
	UpdateRoutingConfig(ctx context.Context, cfg *model.RoutingConfig) (*model.RoutingConfig, error)
	GetRoutingConfig(ctx context.Context, tenantID string) (*model.RoutingConfig, error)
	GetQueueStatus(ctx context.Context, tenantID string) (*queue.Status, error)
	GetQueueStats(ctx context.Context, tenantID string, period time.Duration) (*queue.Stats, error)
	RegisterAgent(ctx context.Context, a *model.Agent) error
	ListAgents(ctx context.Context, tenantID string) ([]model.Agent, error)
	SetAgentState(ctx context.Context, agentID string, state model.AgentState, until *time.Time) (*model.Agent, error)
	SetAgentOnline(ctx context.Context, agentID string, online bool) (*model.Agent, error)
	RunSweeps(ctx context.Context) SweepResult
}

type Options struct {
	CapacityRetryDelay time.Duration
	Now                func() time.Time
}

// RoutingService связывает движок решений, очередь, каталог операторов и координаторы.
type RoutingService struct {
	store     store.Store
	engine    *routing.Engine
	queue     *queue.Queue
	notifier  notify.Notifier
	directory *AgentDirectory
	finalizer *AssignmentFinalizer
	transfers *TransferCoordinator
	unassigns *UnassignCoordinator
	logger    *slog.Logger
	now       func() time.Time
	retryWait time.Duration
}

func NewRoutingService(st store.Store, engine *routing.Engine, q *queue.Queue, n notify.Notifier, opts Options, logger *slog.Logger) *RoutingService {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Nop{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	wait := opts.CapacityRetryDelay
	if wait <= 0 {
		wait = DefaultCapacityRetryDelay
	}
	fin := NewAssignmentFinalizer(st, n, logger, now)
	return &RoutingService{
		store:     st,
		engine:    engine,
		queue:     q,
		notifier:  n,
		directory: NewAgentDirectory(st, n, logger, now),
		finalizer: fin,
		transfers: NewTransferCoordinator(st, n, logger, now),
		unassigns: NewUnassignCoordinator(st, q, fin, n, logger, now),
		logger:    logger.With("component", "routing-service"),
		now:       now,
		retryWait: wait,
	}
}

// Assign routes a conversation. Losing the race for an agent's last slot re-runs the
// decision once; if that is lost too the conversation is queued.
func (s *RoutingService) Assign(ctx context.Context, req AssignRequest) (*Outcome, error) {
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.ConversationClosed {
		return nil, errs.ErrConversationClosed
	}
	if conv.AssignedAgentID != nil {
		return s.alreadyAssigned(ctx, conv)
	}
	cfg, err := tenantConfig(ctx, s.store, conv.TenantID)
	if err != nil {
		return nil, err
	}

	var out *Outcome
	backoff := retry.WithMaxRetries(1, retry.NewConstant(s.retryWait))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		o, err := s.assignOnce(ctx, conv, cfg, req)
		if errors.Is(err, errs.ErrCapacityExceeded) {
			s.logger.Info("capacity race lost, re-running assign", "conversation_id", conv.ID)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	switch {
	case errors.Is(err, errs.ErrCapacityExceeded):
		s.logger.Warn("capacity race lost twice, queueing", "conversation_id", conv.ID)
		return s.enqueue(ctx, conv, cfg, req)
	case errors.Is(err, errs.ErrConversationAlreadyAssigned):
		fresh, gerr := s.store.GetConversation(ctx, conv.ID)
		if gerr != nil {
			return nil, gerr
		}
		return s.alreadyAssigned(ctx, fresh)
	case err != nil:
		return nil, err
	}
	return out, nil
}

func (s *RoutingService) assignOnce(ctx context.Context, conv *model.Conversation, cfg model.RoutingConfig, req AssignRequest) (*Outcome, error) {
	agents, err := s.store.ListAgents(ctx, conv.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	d := s.engine.Decide(ctx, routing.Request{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		VisitorID:      conv.VisitorID,
		VIPLevel:       req.VIPLevel,
		Language:       req.Language,
		DepartmentID:   req.DepartmentID,
		RequiredSkills: req.RequiredSkills,
	}, cfg, agents)
	if d.Rejected != "" {
		s.logger.Info("assign rejected", "conversation_id", conv.ID, "reason", d.Rejected)
		return &Outcome{Status: OutcomeRejected, Reason: d.Rejected}, nil
	}
	if d.Agent == nil {
		return s.enqueue(ctx, conv, cfg, req)
	}
	waiting := s.waitingEntry(ctx, conv.ID)
	rec, err := s.finalizer.Commit(ctx, conv, d.Agent, d.Type)
	if err != nil {
		return nil, err
	}
	if err := s.resolveWaiting(ctx, waiting, d.Agent.ID); err != nil {
		return nil, err
	}
	d.Agent.CurrentChats++
	return &Outcome{Status: OutcomeAssigned, Agent: d.Agent, AssignmentType: d.Type, Record: rec}, nil
}

func (s *RoutingService) enqueue(ctx context.Context, conv *model.Conversation, cfg model.RoutingConfig, req AssignRequest) (*Outcome, error) {
	entry, err := s.queue.Enqueue(ctx, conv.ID, conv.VisitorID, conv.TenantID, queue.EnqueueOptions{
		Priority:              req.VIPLevel,
		RequiredSkills:        req.RequiredSkills,
		PreferredDepartmentID: req.DepartmentID,
		TimeoutMinutes:        cfg.MaxWaitMinutes,
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Publish(ctx, notify.TenantAgents(conv.TenantID), notify.Event{
		Type:     notify.EventNewConversation,
		TenantID: conv.TenantID,
		At:       s.now(),
		Data: map[string]interface{}{
			"conversation_id": conv.ID,
			"visitor_id":      conv.VisitorID,
			"entry_id":        entry.ID,
			"queue_position":  entry.QueuePosition,
			"priority":        entry.Priority,
		},
	})
	return &Outcome{Status: OutcomeQueued, Entry: entry}, nil
}

// alreadyAssigned is the idempotent answer for a conversation that already has an agent.
func (s *RoutingService) alreadyAssigned(ctx context.Context, conv *model.Conversation) (*Outcome, error) {
	s.logger.Info("conversation already assigned",
		"conversation_id", conv.ID,
		"agent_id", *conv.AssignedAgentID)
	agent, err := s.store.GetAgent(ctx, *conv.AssignedAgentID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Status: OutcomeAssigned, Agent: agent, Reason: errs.ErrConversationAlreadyAssigned.Error()}
	recs, err := s.store.ListAssignments(ctx, conv.ID)
	if err == nil && len(recs) > 0 {
		last := recs[len(recs)-1]
		out.Record = &last
		out.AssignmentType = last.AssignmentType
	}
	return out, nil
}

// waitingEntry looks up the conversation's queue entry before a commit, so that a timeout
// or cancellation landing between the commit and the queue update is noticed.
func (s *RoutingService) waitingEntry(ctx context.Context, conversationID string) *model.QueueEntry {
	entry, err := s.queue.FindWaiting(ctx, conversationID)
	if err != nil {
		s.logger.Error("find waiting entry", "conversation_id", conversationID, "error", err)
		return nil
	}
	return entry
}

// resolveWaiting marks the entry found before the commit as assigned. If it has already
// been cancelled or timed out, the assignment is released again, the slot goes back to
// the queue and ErrConversationClosed is returned.
func (s *RoutingService) resolveWaiting(ctx context.Context, entry *model.QueueEntry, agentID string) error {
	if entry == nil {
		return nil
	}
	err := s.queue.MarkAssigned(ctx, entry.ID, agentID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errs.ErrQueueEntryNotFound) {
		s.logger.Error("resolve waiting entry", "entry_id", entry.ID, "error", err)
		return nil
	}
	if rerr := s.unassigns.releaseLost(ctx, entry, agentID, err); rerr != nil {
		return rerr
	}
	s.unassigns.Drain(ctx, agentID)
	return errs.ErrConversationClosed
}

// AssignManual назначает диалог выбранному супервизором оператору в обход стратегий.
// Оператор должен быть онлайн и иметь свободный слот.
func (s *RoutingService) AssignManual(ctx context.Context, conversationID, agentID string) (*Outcome, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.ConversationClosed {
		return nil, errs.ErrConversationClosed
	}
	if conv.AssignedAgentID != nil {
		return s.alreadyAssigned(ctx, conv)
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.TenantID != conv.TenantID || !agent.IsOnline {
		return nil, errs.ErrInvalidTargetAgent
	}
	waiting := s.waitingEntry(ctx, conv.ID)
	rec, err := s.finalizer.Commit(ctx, conv, agent, model.AssignmentManual)
	if errors.Is(err, errs.ErrConversationAlreadyAssigned) {
		fresh, gerr := s.store.GetConversation(ctx, conv.ID)
		if gerr != nil {
			return nil, gerr
		}
		return s.alreadyAssigned(ctx, fresh)
	}
	if err != nil {
		return nil, err
	}
	if err := s.resolveWaiting(ctx, waiting, agent.ID); err != nil {
		return nil, err
	}
	agent.CurrentChats++
	return &Outcome{Status: OutcomeAssigned, Agent: agent, AssignmentType: model.AssignmentManual, Record: rec}, nil
}

// RemoveFromQueue cancels a waiting entry. An entry that is already resolved is not an error.
func (s *RoutingService) RemoveFromQueue(ctx context.Context, entryID string) error {
	err := s.queue.Remove(ctx, entryID, model.QueueStatusCancelled)
	if errors.Is(err, errs.ErrQueueEntryNotFound) {
		s.logger.Info("queue entry already resolved", "entry_id", entryID)
		return nil
	}
	return err
}

func (s *RoutingService) Transfer(ctx context.Context, conversationID, fromAgentID, toAgentID string) (*model.AssignmentRecord, error) {
	return s.transfers.Transfer(ctx, conversationID, fromAgentID, toAgentID)
}

func (s *RoutingService) Unassign(ctx context.Context, conversationID, agentID string, closeConversation bool) (*Pulled, error) {
	return s.unassigns.Unassign(ctx, conversationID, agentID, closeConversation)
}

// CloseConversation handles the transcript side closing a chat: an assigned conversation
// is released (freeing the slot for the queue), a waiting one leaves the queue.
func (s *RoutingService) CloseConversation(ctx context.Context, conversationID string) (*Pulled, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.ConversationClosed {
		return nil, nil
	}
	if conv.AssignedAgentID != nil {
		return s.unassigns.Unassign(ctx, conv.ID, *conv.AssignedAgentID, true)
	}
	entry, err := s.queue.FindWaiting(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if err := s.RemoveFromQueue(ctx, entry.ID); err != nil {
			return nil, err
		}
	}
	err = s.store.CloseConversation(ctx, conv.ID, s.now())
	if errors.Is(err, errs.ErrConversationAlreadyAssigned) {
		// назначение успело пройти между чтением и закрытием
		fresh, gerr := s.store.GetConversation(ctx, conv.ID)
		if gerr != nil {
			return nil, gerr
		}
		if fresh.AssignedAgentID != nil {
			return s.unassigns.Unassign(ctx, fresh.ID, *fresh.AssignedAgentID, true)
		}
		err = s.store.CloseConversation(ctx, conv.ID, s.now())
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversation closed", "conversation_id", conv.ID)
	return nil, nil
}

func (s *RoutingService) OpenConversation(ctx context.Context, c *model.Conversation) error {
	if c.ID == "" || c.TenantID == "" || c.VisitorID == "" {
		return fmt.Errorf("%w: id, tenant_id and visitor_id are required", errs.ErrInvalidConversation)
	}
	c.Status = model.ConversationOpen
	c.AssignedAgentID = nil
	c.ClosedAt = nil
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *RoutingService) GetConversation(ctx context.Context, id string) (*model.Conversation, []model.AssignmentRecord, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	recs, err := s.store.ListAssignments(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return conv, recs, nil
}

// UpdateRoutingConfig validates and stores a tenant's routing config.
func (s *RoutingService) UpdateRoutingConfig(ctx context.Context, cfg *model.RoutingConfig) (*model.RoutingConfig, error) {
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", errs.ErrInvalidRoutingConfig)
	}
	cfg.Strategy = model.Strategy(strings.ToLower(string(cfg.Strategy)))
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", errs.ErrInvalidRoutingConfig, cfg.Strategy)
	}
	if cfg.MaxWaitMinutes < 1 {
		return nil, fmt.Errorf("%w: max_wait_minutes must be at least 1", errs.ErrInvalidRoutingConfig)
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = model.DefaultLanguage
	}
	if err := s.store.SaveRoutingConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save routing config: %w", err)
	}
	s.logger.Info("routing config updated",
		"tenant_id", cfg.TenantID,
		"strategy", cfg.Strategy,
		"auto_assign", cfg.AutoAssign)
	return cfg, nil
}

func (s *RoutingService) GetRoutingConfig(ctx context.Context, tenantID string) (*model.RoutingConfig, error) {
	cfg, err := tenantConfig(ctx, s.store, tenantID)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *RoutingService) GetQueueStatus(ctx context.Context, tenantID string) (*queue.Status, error) {
	return s.queue.Status(ctx, tenantID)
}

func (s *RoutingService) GetQueueStats(ctx context.Context, tenantID string, period time.Duration) (*queue.Stats, error) {
	return s.queue.Stats(ctx, tenantID, period)
}

func (s *RoutingService) RegisterAgent(ctx context.Context, a *model.Agent) error {
	if err := s.directory.Register(ctx, a); err != nil {
		return err
	}
	if a.Eligible() {
		s.unassigns.Drain(ctx, a.ID)
	}
	return nil
}

func (s *RoutingService) ListAgents(ctx context.Context, tenantID string) ([]model.Agent, error) {
	return s.directory.List(ctx, tenantID)
}

// SetAgentState changes the agent state; an agent becoming available immediately
// takes matching waiting conversations.
func (s *RoutingService) SetAgentState(ctx context.Context, agentID string, state model.AgentState, until *time.Time) (*model.Agent, error) {
	a, err := s.directory.SetState(ctx, agentID, state, until)
	if err != nil {
		return nil, err
	}
	if a.Eligible() {
		s.unassigns.Drain(ctx, a.ID)
	}
	return a, nil
}

func (s *RoutingService) SetAgentOnline(ctx context.Context, agentID string, online bool) (*model.Agent, error) {
	a, err := s.directory.SetOnline(ctx, agentID, online)
	if err != nil {
		return nil, err
	}
	if a.Eligible() {
		s.unassigns.Drain(ctx, a.ID)
	}
	return a, nil
}

// SweepResult — итог одного прохода фоновых проверок.
type SweepResult struct {
	TimedOut    int `json:"timed_out"`
	StatesReset int `json:"states_reset"`
	Pulled      int `json:"pulled"`
}

// RunSweeps runs the queue timeout sweep and the expired agent state sweep once.
// Failures are logged by the sweeps themselves and retried on the next run.
func (s *RoutingService) RunSweeps(ctx context.Context) SweepResult {
	res := SweepResult{TimedOut: s.queue.SweepTimeouts(ctx)}
	for _, a := range s.directory.CheckExpiredStates(ctx) {
		res.StatesReset++
		res.Pulled += len(s.unassigns.Drain(ctx, a.ID))
	}
	return res
}
