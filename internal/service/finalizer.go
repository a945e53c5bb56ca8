package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/psds-microservice/routing-service/internal/store"
)

// AssignmentFinalizer фиксирует решение маршрутизации: диалог получает оператора,
// нагрузка оператора растёт на единицу, в журнал добавляется запись. Проверка ёмкости
// и инкремент выполняются в одной операции store.
type AssignmentFinalizer struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewAssignmentFinalizer(st store.Store, n notify.Notifier, logger *slog.Logger, now func() time.Time) *AssignmentFinalizer {
	return &AssignmentFinalizer{
		store:    st,
		notifier: n,
		logger:   logger.With("component", "assignment-finalizer"),
		now:      now,
	}
}

// Commit returns errs.ErrCapacityExceeded when the agent filled up after the decision
// was made, and errs.ErrConversationAlreadyAssigned when another assignment won.
func (f *AssignmentFinalizer) Commit(ctx context.Context, conv *model.Conversation, agent *model.Agent, typ model.AssignmentType) (*model.AssignmentRecord, error) {
	rec := &model.AssignmentRecord{
		ID:             uuid.NewString(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		AgentID:        agent.ID,
		AssignmentType: typ,
		AssignedAt:     f.now(),
	}
	if err := f.store.CommitAssignment(ctx, rec); err != nil {
		return nil, err
	}
	f.logger.Info("conversation assigned",
		"conversation_id", conv.ID,
		"agent_id", agent.ID,
		"tenant_id", conv.TenantID,
		"assignment_type", typ)

	f.notifier.Publish(ctx, notify.Agent(agent.ID), notify.Event{
		Type:     notify.EventChatAssigned,
		TenantID: conv.TenantID,
		At:       rec.AssignedAt,
		Data: map[string]interface{}{
			"conversation_id": conv.ID,
			"visitor_id":      conv.VisitorID,
			"assignment_type": string(typ),
		},
	})
	f.notifier.Publish(ctx, notify.Conversation(conv.ID), notify.Event{
		Type:     notify.EventConversationAssigned,
		TenantID: conv.TenantID,
		At:       rec.AssignedAt,
		Data: map[string]interface{}{
			"conversation_id": conv.ID,
			"agent_id":        agent.ID,
			"agent_name":      agent.Name,
		},
	})
	return rec, nil
}
