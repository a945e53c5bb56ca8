package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
)

// MemoryStore is an in-process Store. A single mutex makes every method, including the
// multi-row assignment operations, atomic. Used by tests and by STORE_DRIVER=memory.
type MemoryStore struct {
	mu            sync.Mutex
	agents        map[string]*model.Agent
	conversations map[string]*model.Conversation
	configs       map[string]*model.RoutingConfig
	entries       map[string]*model.QueueEntry
	records       []*model.AssignmentRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:        make(map[string]*model.Agent),
		conversations: make(map[string]*model.Conversation),
		configs:       make(map[string]*model.RoutingConfig),
		entries:       make(map[string]*model.QueueEntry),
	}
}

func cloneAgent(a *model.Agent) model.Agent {
	out := *a
	out.Skills = append([]string(nil), a.Skills...)
	out.Languages = append([]string(nil), a.Languages...)
	return out
}

func cloneEntry(e *model.QueueEntry) model.QueueEntry {
	out := *e
	out.RequiredSkills = append([]string(nil), e.RequiredSkills...)
	return out
}

func strPtr(s string) *string { return &s }

func (m *MemoryStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.State == "" {
		a.State = model.AgentStateOffline
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	c := cloneAgent(a)
	m.agents[a.ID] = &c
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, errs.ErrAgentNotFound
	}
	c := cloneAgent(a)
	return &c, nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, tenantID string) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetAgentState(ctx context.Context, id string, state model.AgentState, until *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return errs.ErrAgentNotFound
	}
	a.State = state
	a.StateUntil = until
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CompareAndSetAgentState(ctx context.Context, c StateChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[c.AgentID]
	if !ok {
		return false, errs.ErrAgentNotFound
	}
	if a.State != c.ExpectedState || !sameInstant(a.StateUntil, c.ExpectedUntil) {
		return false, nil
	}
	a.State = c.State
	a.StateUntil = c.Until
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (m *MemoryStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return errs.ErrAgentNotFound
	}
	a.IsOnline = online
	switch {
	case !online:
		a.State = model.AgentStateOffline
		a.StateUntil = nil
	case a.State == model.AgentStateOffline:
		a.State = model.AgentStateAvailable
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExpiredAgentStates(ctx context.Context, now time.Time) ([]model.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Agent
	for _, a := range m.agents {
		if a.State.Expirable() && a.StateUntil != nil && a.StateUntil.Before(now) {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == "" {
		c.Status = model.ConversationOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.conversations[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, errs.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CloseConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return errs.ErrConversationNotFound
	}
	if c.Status == model.ConversationClosed {
		return nil
	}
	if c.AssignedAgentID != nil {
		return errs.ErrConversationAlreadyAssigned
	}
	c.Status = model.ConversationClosed
	c.ClosedAt = &at
	c.UpdatedAt = at
	return nil
}

func (m *MemoryStore) ListClosedChats(ctx context.Context, tenantID string, since time.Time, limit int) ([]ChatSpan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := make(map[string]time.Time)
	for _, r := range m.records {
		if at, ok := first[r.ConversationID]; !ok || r.AssignedAt.Before(at) {
			first[r.ConversationID] = r.AssignedAt
		}
	}
	var out []ChatSpan
	for _, c := range m.conversations {
		if c.TenantID != tenantID || c.Status != model.ConversationClosed || c.ClosedAt == nil || c.ClosedAt.Before(since) {
			continue
		}
		assignedAt, ok := first[c.ID]
		if !ok {
			continue
		}
		out = append(out, ChatSpan{ConversationID: c.ID, AssignedAt: assignedAt, ClosedAt: *c.ClosedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.After(out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetRoutingConfig(ctx context.Context, tenantID string) (*model.RoutingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return nil, errs.ErrRoutingConfigMissing
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) SaveRoutingConfig(ctx context.Context, cfg *model.RoutingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.configs[cfg.TenantID]; ok {
		cfg.CreatedAt = prev.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cp := *cfg
	m.configs[cfg.TenantID] = &cp
	return nil
}

func (m *MemoryStore) LastAssignment(ctx context.Context, tenantID string) (*model.AssignmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *model.AssignmentRecord
	for _, r := range m.records {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		if last == nil || !r.AssignedAt.Before(last.AssignedAt) {
			last = r
		}
	}
	if last == nil {
		return nil, errs.ErrAssignmentNotFound
	}
	cp := *last
	return &cp, nil
}

func (m *MemoryStore) ListAssignments(ctx context.Context, conversationID string) ([]model.AssignmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AssignmentRecord
	for _, r := range m.records {
		if r.ConversationID == conversationID {
			out = append(out, *r)
		}
	}
	return out, nil
}

// conversationFor returns the open conversation or the error explaining why it cannot be changed.
func (m *MemoryStore) conversationFor(id string) (*model.Conversation, error) {
	c, ok := m.conversations[id]
	if !ok {
		return nil, errs.ErrConversationNotFound
	}
	if c.Status == model.ConversationClosed {
		return nil, errs.ErrConversationClosed
	}
	return c, nil
}

func (m *MemoryStore) CommitAssignment(ctx context.Context, rec *model.AssignmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.conversationFor(rec.ConversationID)
	if err != nil {
		return err
	}
	if c.AssignedAgentID != nil {
		return errs.ErrConversationAlreadyAssigned
	}
	a, ok := m.agents[rec.AgentID]
	if !ok {
		return errs.ErrAgentNotFound
	}
	if !a.HasCapacity() {
		return errs.ErrCapacityExceeded
	}
	a.CurrentChats++
	c.AssignedAgentID = strPtr(rec.AgentID)
	c.UpdatedAt = rec.AssignedAt
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) TransferAssignment(ctx context.Context, rec *model.AssignmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.FromAgentID == nil {
		return errs.ErrConversationNotAssigned
	}
	from := *rec.FromAgentID
	c, err := m.conversationFor(rec.ConversationID)
	if err != nil {
		return err
	}
	if c.AssignedAgentID == nil || *c.AssignedAgentID != from {
		return errs.ErrConversationNotAssigned
	}
	target, ok := m.agents[rec.AgentID]
	if !ok || from == rec.AgentID || !target.Eligible() {
		return errs.ErrInvalidTargetAgent
	}
	if src, ok := m.agents[from]; ok && src.CurrentChats > 0 {
		src.CurrentChats--
	}
	target.CurrentChats++
	c.AssignedAgentID = strPtr(rec.AgentID)
	c.UpdatedAt = rec.AssignedAt
	m.stampUnassigned(rec.ConversationID, from, rec.AssignedAt)
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) ReleaseAssignment(ctx context.Context, r Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[r.ConversationID]
	if !ok {
		return errs.ErrConversationNotFound
	}
	if c.AssignedAgentID == nil || *c.AssignedAgentID != r.AgentID {
		return errs.ErrConversationNotAssigned
	}
	if a, ok := m.agents[r.AgentID]; ok && a.CurrentChats > 0 {
		a.CurrentChats--
	}
	c.AssignedAgentID = nil
	c.UpdatedAt = r.At
	if r.CloseConversation && c.Status == model.ConversationOpen {
		c.Status = model.ConversationClosed
		at := r.At
		c.ClosedAt = &at
	}
	m.stampUnassigned(r.ConversationID, r.AgentID, r.At)
	return nil
}

func (m *MemoryStore) stampUnassigned(conversationID, agentID string, at time.Time) {
	for _, rec := range m.records {
		if rec.ConversationID == conversationID && rec.AgentID == agentID && rec.UnassignedAt == nil {
			t := at
			rec.UnassignedAt = &t
		}
	}
}

func (m *MemoryStore) CreateQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.entries {
		if other.ConversationID == e.ConversationID && other.Status == model.QueueStatusWaiting {
			return errs.ErrAlreadyQueued
		}
	}
	cp := cloneEntry(e)
	m.entries[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetQueueEntry(ctx context.Context, id string) (*model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, errs.ErrQueueEntryNotFound
	}
	cp := cloneEntry(e)
	return &cp, nil
}

func (m *MemoryStore) FindWaitingEntry(ctx context.Context, conversationID string) (*model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ConversationID == conversationID && e.Status == model.QueueStatusWaiting {
			cp := cloneEntry(e)
			return &cp, nil
		}
	}
	return nil, errs.ErrQueueEntryNotFound
}

func (m *MemoryStore) ListWaitingEntries(ctx context.Context, tenantID string) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.Status == model.QueueStatusWaiting {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

func (m *MemoryStore) ListExpiredEntries(ctx context.Context, now time.Time) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range m.entries {
		if e.Status == model.QueueStatusWaiting && e.TimeoutAt.Before(now) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	return out, nil
}

func (m *MemoryStore) ListQueueEntriesSince(ctx context.Context, tenantID string, since time.Time) ([]model.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.QueueEntry
	for _, e := range m.entries {
		if e.TenantID == tenantID && !e.EnteredAt.Before(since) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out, nil
}

func (m *MemoryStore) ResolveQueueEntry(ctx context.Context, id string, status model.QueueStatus, agentID *string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, errs.ErrQueueEntryNotFound
	}
	if e.Status != model.QueueStatusWaiting {
		return false, nil
	}
	e.Status = status
	e.AssignedAgentID = agentID
	e.ResolvedAt = &at
	e.QueuePosition = 0
	return true, nil
}

func (m *MemoryStore) UpdateQueuePositions(ctx context.Context, updates []PositionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		e, ok := m.entries[u.EntryID]
		if !ok || e.Status != model.QueueStatusWaiting {
			continue
		}
		e.QueuePosition = u.QueuePosition
		e.EstimatedWaitMinutes = u.EstimatedWaitMinutes
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
