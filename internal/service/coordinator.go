package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/psds-microservice/routing-service/internal/queue"
	"github.com/psds-microservice/routing-service/internal/store"
)

// TransferCoordinator moves an assigned conversation between agents of one tenant.
type TransferCoordinator struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewTransferCoordinator(st store.Store, n notify.Notifier, logger *slog.Logger, now func() time.Time) *TransferCoordinator {
	return &TransferCoordinator{
		store:    st,
		notifier: n,
		logger:   logger.With("component", "transfer"),
		now:      now,
	}
}

// Transfer проверяет цель (онлайн, available, есть слот, тот же сайт) и одной операцией
// store снимает нагрузку с источника, добавляет цели и пишет запись transfer.
// При отказе состояние не меняется.
func (t *TransferCoordinator) Transfer(ctx context.Context, conversationID, fromAgentID, toAgentID string) (*model.AssignmentRecord, error) {
	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == model.ConversationClosed {
		return nil, errs.ErrConversationClosed
	}
	if conv.AssignedAgentID == nil || *conv.AssignedAgentID != fromAgentID {
		return nil, errs.ErrConversationNotAssigned
	}
	target, err := t.store.GetAgent(ctx, toAgentID)
	if errors.Is(err, errs.ErrAgentNotFound) {
		return nil, fmt.Errorf("%w: agent %s not found", errs.ErrInvalidTargetAgent, toAgentID)
	}
	if err != nil {
		return nil, err
	}
	if toAgentID == fromAgentID || target.TenantID != conv.TenantID || !target.Eligible() {
		return nil, errs.ErrInvalidTargetAgent
	}

	from := fromAgentID
	rec := &model.AssignmentRecord{
		ID:             uuid.NewString(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		AgentID:        toAgentID,
		FromAgentID:    &from,
		AssignmentType: model.AssignmentTransfer,
		AssignedAt:     t.now(),
	}
	if err := t.store.TransferAssignment(ctx, rec); err != nil {
		return nil, err
	}
	t.logger.Info("conversation transferred",
		"conversation_id", conv.ID,
		"from_agent_id", fromAgentID,
		"to_agent_id", toAgentID)

	data := map[string]interface{}{
		"conversation_id": conv.ID,
		"visitor_id":      conv.VisitorID,
		"from_agent_id":   fromAgentID,
		"to_agent_id":     toAgentID,
	}
	t.notifier.Publish(ctx, notify.Agent(fromAgentID), notify.Event{Type: notify.EventTransferOut, TenantID: conv.TenantID, At: rec.AssignedAt, Data: data})
	t.notifier.Publish(ctx, notify.Agent(toAgentID), notify.Event{Type: notify.EventTransferIn, TenantID: conv.TenantID, At: rec.AssignedAt, Data: data})
	t.notifier.Publish(ctx, notify.Conversation(conv.ID), notify.Event{
		Type:     notify.EventConversationAssigned,
		TenantID: conv.TenantID,
		At:       rec.AssignedAt,
		Data: map[string]interface{}{
			"conversation_id": conv.ID,
			"agent_id":        toAgentID,
			"agent_name":      target.Name,
		},
	})
	return rec, nil
}

// Pulled — запись очереди, назначенная освободившемуся оператору.
type Pulled struct {
	Entry  *model.QueueEntry       `json:"entry"`
	Record *model.AssignmentRecord `json:"record"`
}

// UnassignCoordinator releases conversations and reuses the freed capacity for the queue.
type UnassignCoordinator struct {
	store     store.Store
	queue     *queue.Queue
	finalizer *AssignmentFinalizer
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewUnassignCoordinator(st store.Store, q *queue.Queue, f *AssignmentFinalizer, n notify.Notifier, logger *slog.Logger, now func() time.Time) *UnassignCoordinator {
	return &UnassignCoordinator{
		store:     st,
		queue:     q,
		finalizer: f,
		notifier:  n,
		logger:    logger.With("component", "unassign"),
		now:       now,
	}
}

// Unassign снимает диалог с оператора (при closeConversation ещё и закрывает его) и сразу
// пытается отдать оператору подходящую запись очереди. Ошибки подбора только логируются:
// освобождение уже зафиксировано.
func (u *UnassignCoordinator) Unassign(ctx context.Context, conversationID, agentID string, closeConversation bool) (*Pulled, error) {
	conv, err := u.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	at := u.now()
	if err := u.store.ReleaseAssignment(ctx, store.Release{
		ConversationID:    conversationID,
		AgentID:           agentID,
		At:                at,
		CloseConversation: closeConversation,
	}); err != nil {
		return nil, err
	}
	u.logger.Info("conversation released",
		"conversation_id", conversationID,
		"agent_id", agentID,
		"closed", closeConversation)
	u.notifier.Publish(ctx, notify.Agent(agentID), notify.Event{
		Type:     notify.EventConversationReleased,
		TenantID: conv.TenantID,
		At:       at,
		Data: map[string]interface{}{
			"conversation_id": conversationID,
			"closed":          closeConversation,
		},
	})

	pulled, err := u.Pull(ctx, agentID)
	if err != nil {
		u.logger.Error("queue pull after release failed", "agent_id", agentID, "error", err)
		return nil, nil
	}
	return pulled, nil
}

// Pull assigns the first matching waiting entry to the agent if it can take one.
// A nil result means nothing was assigned.
func (u *UnassignCoordinator) Pull(ctx context.Context, agentID string) (*Pulled, error) {
	agent, err := u.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Eligible() {
		return nil, nil
	}
	cfg, err := tenantConfig(ctx, u.store, agent.TenantID)
	if err != nil {
		return nil, err
	}
	if !cfg.AutoAssign || cfg.Strategy == model.StrategyManual {
		return nil, nil
	}
	for {
		entry, err := u.queue.DequeueNext(ctx, agent.TenantID, agent.Skills, agent.DepartmentID)
		if err != nil || entry == nil {
			return nil, err
		}
		pulled, settled, err := u.pullEntry(ctx, agent, cfg, entry)
		if err != nil || pulled != nil || !settled {
			return pulled, err
		}
		// запись ушла из очереди без назначения: слот всё ещё свободен
	}
}

// pullEntry tries to give one waiting entry to the agent. settled reports that the entry
// has left the waiting state without taking the agent's slot, so the next one may be tried.
func (u *UnassignCoordinator) pullEntry(ctx context.Context, agent *model.Agent, cfg model.RoutingConfig, entry *model.QueueEntry) (*Pulled, bool, error) {
	conv, err := u.store.GetConversation(ctx, entry.ConversationID)
	if err != nil {
		return nil, false, err
	}

	rec, err := u.finalizer.Commit(ctx, conv, agent, model.AssignmentType(cfg.Strategy))
	switch {
	case errors.Is(err, errs.ErrCapacityExceeded):
		u.logger.Info("queue pull lost race", "agent_id", agent.ID, "entry_id", entry.ID, "error", err)
		return nil, false, nil
	case errors.Is(err, errs.ErrConversationAlreadyAssigned):
		// диалог получил оператора другим путём: запись больше не ждёт
		fresh, gerr := u.store.GetConversation(ctx, conv.ID)
		if gerr != nil || fresh.AssignedAgentID == nil {
			return nil, false, gerr
		}
		merr := u.queue.MarkAssigned(ctx, entry.ID, *fresh.AssignedAgentID)
		if merr != nil && !errors.Is(merr, errs.ErrQueueEntryNotFound) {
			return nil, false, merr
		}
		return nil, true, nil
	case errors.Is(err, errs.ErrConversationClosed):
		if rerr := u.queue.Remove(ctx, entry.ID, model.QueueStatusCancelled); rerr != nil && !errors.Is(rerr, errs.ErrQueueEntryNotFound) {
			return nil, false, rerr
		}
		return nil, true, nil
	case err != nil:
		return nil, false, err
	}

	if err := u.queue.MarkAssigned(ctx, entry.ID, agent.ID); err != nil {
		if rerr := u.releaseLost(ctx, entry, agent.ID, err); rerr != nil {
			return nil, false, rerr
		}
		if !errors.Is(err, errs.ErrQueueEntryNotFound) {
			return nil, false, err
		}
		return nil, true, nil
	}
	entry.Status = model.QueueStatusAssigned
	entry.AssignedAgentID = &agent.ID
	entry.QueuePosition = 0
	u.logger.Info("queue entry pulled", "entry_id", entry.ID, "agent_id", agent.ID)
	return &Pulled{Entry: entry, Record: rec}, false, nil
}

// releaseLost undoes an assignment whose queue entry was cancelled or timed out between
// the commit and the queue update. The visitor's request is over, so the conversation is closed.
func (u *UnassignCoordinator) releaseLost(ctx context.Context, entry *model.QueueEntry, agentID string, cause error) error {
	u.logger.Warn("queue entry resolved during assignment, releasing",
		"entry_id", entry.ID,
		"conversation_id", entry.ConversationID,
		"agent_id", agentID,
		"error", cause)
	err := u.store.ReleaseAssignment(ctx, store.Release{
		ConversationID:    entry.ConversationID,
		AgentID:           agentID,
		At:                u.now(),
		CloseConversation: true,
	})
	if err != nil {
		return fmt.Errorf("release after lost queue entry: %w", err)
	}
	u.notifier.Publish(ctx, notify.Agent(agentID), notify.Event{
		Type:     notify.EventConversationReleased,
		TenantID: entry.TenantID,
		At:       u.now(),
		Data: map[string]interface{}{
			"conversation_id": entry.ConversationID,
			"closed":          true,
		},
	})
	return nil
}

// Drain pulls entries for the agent until it is full or nothing matches.
func (u *UnassignCoordinator) Drain(ctx context.Context, agentID string) []Pulled {
	var out []Pulled
	for {
		p, err := u.Pull(ctx, agentID)
		if err != nil {
			u.logger.Error("queue drain failed", "agent_id", agentID, "error", err)
			return out
		}
		if p == nil {
			return out
		}
		out = append(out, *p)
	}
}

// tenantConfig returns the stored routing config or the defaults.
func tenantConfig(ctx context.Context, st store.Store, tenantID string) (model.RoutingConfig, error) {
	cfg, err := st.GetRoutingConfig(ctx, tenantID)
	if errors.Is(err, errs.ErrRoutingConfigMissing) {
		return model.DefaultRoutingConfig(tenantID), nil
	}
	if err != nil {
		return model.RoutingConfig{}, fmt.Errorf("get routing config: %w", err)
	}
	return *cfg, nil
}
