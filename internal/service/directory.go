package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/psds-microservice/routing-service/internal/routing"
	"github.com/psds-microservice/routing-service/internal/store"
)

// AgentDirectory — владелец состояния операторов: регистрация, AgentState, онлайн-статус
// и сброс истёкших перерывов. Нагрузку (CurrentChats) меняют только операции назначения в store.
type AgentDirectory struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewAgentDirectory(st store.Store, n notify.Notifier, logger *slog.Logger, now func() time.Time) *AgentDirectory {
	return &AgentDirectory{
		store:    st,
		notifier: n,
		logger:   logger.With("component", "agent-directory"),
		now:      now,
	}
}

// Register validates and stores a new agent. A new agent never carries load.
func (d *AgentDirectory) Register(ctx context.Context, a *model.Agent) error {
	if a.ID == "" || a.TenantID == "" {
		return fmt.Errorf("%w: id and tenant_id are required", errs.ErrInvalidAgent)
	}
	if a.MaxConcurrentChats < 1 {
		return fmt.Errorf("%w: max_concurrent_chats must be at least 1", errs.ErrInvalidAgent)
	}
	a.CurrentChats = 0
	switch {
	case a.State == "" && a.IsOnline:
		a.State = model.AgentStateAvailable
	case a.State == "" || !a.IsOnline:
		a.State = model.AgentStateOffline
	case !a.State.Valid():
		return fmt.Errorf("%w: unknown state %q", errs.ErrInvalidAgent, a.State)
	}
	if !a.State.Expirable() {
		a.StateUntil = nil
	}
	if err := d.store.CreateAgent(ctx, a); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	d.logger.Info("agent registered", "agent_id", a.ID, "tenant_id", a.TenantID, "state", a.State)
	return nil
}

func (d *AgentDirectory) Get(ctx context.Context, id string) (*model.Agent, error) {
	return d.store.GetAgent(ctx, id)
}

func (d *AgentDirectory) List(ctx context.Context, tenantID string) ([]model.Agent, error) {
	return d.store.ListAgents(ctx, tenantID)
}

// ListEligible returns the tenant's agents that can take a conversation right now.
func (d *AgentDirectory) ListEligible(ctx context.Context, tenantID string) ([]model.Agent, error) {
	agents, err := d.store.ListAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return routing.Eligible(agents), nil
}

// SetState переводит оператора в новое состояние. until допускается только для break/away
// и должен быть в будущем; повтор того же состояния разрешён лишь для продления срока.
func (d *AgentDirectory) SetState(ctx context.Context, agentID string, state model.AgentState, until *time.Time) (*model.Agent, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: unknown state %q", errs.ErrInvalidStateTransition, state)
	}
	now := d.now()
	if until != nil {
		if !state.Expirable() {
			return nil, fmt.Errorf("%w: state %s cannot expire", errs.ErrInvalidStateTransition, state)
		}
		if !until.After(now) {
			return nil, fmt.Errorf("%w: state_until is in the past", errs.ErrInvalidStateTransition)
		}
	}
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !a.IsOnline && state != model.AgentStateOffline {
		return nil, fmt.Errorf("%w: agent %s is offline", errs.ErrInvalidStateTransition, agentID)
	}
	if a.State == state && until == nil {
		return nil, fmt.Errorf("%w: agent %s is already %s", errs.ErrInvalidStateTransition, agentID, state)
	}
	ok, err := d.store.CompareAndSetAgentState(ctx, store.StateChange{
		AgentID: agentID, ExpectedState: a.State, ExpectedUntil: a.StateUntil, State: state, Until: until,
	})
	if err != nil {
		return nil, fmt.Errorf("set agent state: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: agent %s state changed concurrently", errs.ErrInvalidStateTransition, agentID)
	}
	prev := a.State
	a.State, a.StateUntil = state, until
	d.logger.Info("agent state changed", "agent_id", agentID, "from", prev, "to", state)
	d.publishState(ctx, a, now)
	return a, nil
}

// SetOnline toggles presence. Going offline forces the offline state; coming back online
// from offline makes the agent available.
func (d *AgentDirectory) SetOnline(ctx context.Context, agentID string, online bool) (*model.Agent, error) {
	if err := d.store.SetAgentOnline(ctx, agentID, online); err != nil {
		return nil, err
	}
	a, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	d.logger.Info("agent presence changed", "agent_id", agentID, "online", online, "state", a.State)
	d.publishState(ctx, a, d.now())
	return a, nil
}

// CheckExpiredStates возвращает в available операторов с истёкшим break/away. Смена
// выполняется условно, поэтому ручная смена состояния в то же время побеждает.
// Ошибки только логируются; возвращаются операторы, которые реально стали available.
func (d *AgentDirectory) CheckExpiredStates(ctx context.Context) []model.Agent {
	now := d.now()
	expired, err := d.store.ListExpiredAgentStates(ctx, now)
	if err != nil {
		d.logger.Error("list expired agent states", "error", err)
		return nil
	}
	var reset []model.Agent
	for i := range expired {
		a := expired[i]
		// продление перерыва между чтением и сбросом меняет state_until, и сброс проигрывает
		ok, err := d.store.CompareAndSetAgentState(ctx, store.StateChange{
			AgentID: a.ID, ExpectedState: a.State, ExpectedUntil: a.StateUntil, State: model.AgentStateAvailable,
		})
		if err != nil {
			if !errors.Is(err, errs.ErrAgentNotFound) {
				d.logger.Error("reset expired agent state", "agent_id", a.ID, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		d.logger.Info("agent state expired", "agent_id", a.ID, "from", a.State)
		a.State, a.StateUntil = model.AgentStateAvailable, nil
		d.publishState(ctx, &a, now)
		reset = append(reset, a)
	}
	return reset
}

func (d *AgentDirectory) publishState(ctx context.Context, a *model.Agent, at time.Time) {
	d.notifier.Publish(ctx, notify.TenantAgents(a.TenantID), notify.Event{
		Type:     notify.EventAgentState,
		TenantID: a.TenantID,
		At:       at,
		Data: map[string]interface{}{
			"agent_id":  a.ID,
			"state":     string(a.State),
			"is_online": a.IsOnline,
		},
	})
}
