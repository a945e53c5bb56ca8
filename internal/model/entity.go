package model

import (
	"time"

	"github.com/lib/pq"
)

// AgentState — состояние оператора, не зависящее от нагрузки.
type AgentState string

const (
	AgentStateAvailable AgentState = "available"
	AgentStateBusy      AgentState = "busy"
	AgentStateBreak     AgentState = "break"
	AgentStateDND       AgentState = "dnd"
	AgentStateAway      AgentState = "away"
	AgentStateOffline   AgentState = "offline"
)

// Valid reports whether s is one of the known agent states.
func (s AgentState) Valid() bool {
	switch s {
	case AgentStateAvailable, AgentStateBusy, AgentStateBreak, AgentStateDND, AgentStateAway, AgentStateOffline:
		return true
	}
	return false
}

// Expirable reports whether the state may carry a StateUntil deadline.
func (s AgentState) Expirable() bool {
	return s == AgentStateBreak || s == AgentStateAway
}

type Agent struct {
	ID                 string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID           string         `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	Name               string         `gorm:"type:varchar(255)" json:"name,omitempty"`
	IsOnline           bool           `gorm:"not null;default:false" json:"is_online"`
	State              AgentState     `gorm:"type:varchar(16);index;not null" json:"state"`
	StateUntil         *time.Time     `json:"state_until,omitempty"`
	MaxConcurrentChats int            `gorm:"not null;default:5" json:"max_concurrent_chats"`
	CurrentChats       int            `gorm:"not null;default:0" json:"current_chats"`
	Skills             pq.StringArray `gorm:"type:text[]" json:"skills,omitempty"`
	DepartmentID       *string        `gorm:"type:varchar(64);index" json:"department_id,omitempty"`
	Languages          pq.StringArray `gorm:"type:text[]" json:"languages,omitempty"`
	PriorityLevel      int            `gorm:"not null;default:0" json:"priority_level"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAvailable is true only in the available state; every other state hides the agent from routing.
func (a *Agent) IsAvailable() bool {
	return a.State == AgentStateAvailable
}

// HasCapacity reports spare chat slots.
func (a *Agent) HasCapacity() bool {
	return a.CurrentChats < a.MaxConcurrentChats
}

// Eligible — онлайн, в состоянии available и со свободным слотом.
func (a *Agent) Eligible() bool {
	return a.IsOnline && a.IsAvailable() && a.HasCapacity()
}

type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

type Conversation struct {
	ID              string             `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID        string             `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	VisitorID       string             `gorm:"type:varchar(64);index;not null" json:"visitor_id"`
	AssignedAgentID *string            `gorm:"type:varchar(64);index" json:"assigned_agent_id,omitempty"`
	Status          ConversationStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

type QueueStatus string

const (
	QueueStatusWaiting   QueueStatus = "waiting"
	QueueStatusAssigned  QueueStatus = "assigned"
	QueueStatusCancelled QueueStatus = "cancelled"
	QueueStatusTimeout   QueueStatus = "timeout"
)

// Valid reports whether s is a known queue status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusWaiting, QueueStatusAssigned, QueueStatusCancelled, QueueStatusTimeout:
		return true
	}
	return false
}

type QueueEntry struct {
	ID                    string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ConversationID        string         `gorm:"type:varchar(64);index;not null" json:"conversation_id"`
	VisitorID             string         `gorm:"type:varchar(64);not null" json:"visitor_id"`
	TenantID              string         `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	Priority              int            `gorm:"not null;default:0" json:"priority"`
	RequiredSkills        pq.StringArray `gorm:"type:text[]" json:"required_skills,omitempty"`
	PreferredDepartmentID *string        `gorm:"type:varchar(64)" json:"preferred_department_id,omitempty"`
	EnteredAt             time.Time      `gorm:"not null" json:"entered_at"`
	TimeoutAt             time.Time      `gorm:"not null;index" json:"timeout_at"`
	Status                QueueStatus    `gorm:"type:varchar(16);index;not null" json:"status"`
	QueuePosition         int            `gorm:"not null;default:0" json:"queue_position"`
	EstimatedWaitMinutes  int            `gorm:"not null;default:0" json:"estimated_wait_minutes"`
	AssignedAgentID       *string        `gorm:"type:varchar(64)" json:"assigned_agent_id,omitempty"`
	ResolvedAt            *time.Time     `json:"resolved_at,omitempty"`
}

// Before orders entries by priority desc, then entered_at asc; id keeps the order total.
func (e *QueueEntry) Before(o *QueueEntry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	if !e.EnteredAt.Equal(o.EnteredAt) {
		return e.EnteredAt.Before(o.EnteredAt)
	}
	return e.ID < o.ID
}

type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastBusy  Strategy = "least_busy"
	StrategySkillBased Strategy = "skill_based"
	StrategyManual     Strategy = "manual"
)

// Valid reports whether s is a configurable strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastBusy, StrategySkillBased, StrategyManual:
		return true
	}
	return false
}

type RoutingConfig struct {
	TenantID        string                 `gorm:"primaryKey;type:varchar(64)" json:"tenant_id"`
	Strategy        Strategy               `gorm:"type:varchar(32);not null" json:"strategy"`
	AutoAssign      bool                   `gorm:"not null" json:"auto_assign"`
	MaxWaitMinutes  int                    `gorm:"not null" json:"max_wait_minutes"`
	DefaultLanguage string                 `gorm:"type:varchar(16)" json:"default_language,omitempty"`
	Settings        map[string]interface{} `gorm:"serializer:json;type:jsonb" json:"settings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	DefaultMaxWaitMinutes = 10
	DefaultLanguage       = "en"
)

// DefaultRoutingConfig — конфигурация сайта, для которого ничего не сохранено.
func DefaultRoutingConfig(tenantID string) RoutingConfig {
	return RoutingConfig{
		TenantID:        tenantID,
		Strategy:        StrategyLeastBusy,
		AutoAssign:      true,
		MaxWaitMinutes:  DefaultMaxWaitMinutes,
		DefaultLanguage: DefaultLanguage,
	}
}

type AssignmentType string

const (
	AssignmentRoundRobin AssignmentType = "round_robin"
	AssignmentLeastBusy  AssignmentType = "least_busy"
	AssignmentSkillBased AssignmentType = "skill_based"
	AssignmentVIP        AssignmentType = "vip"
	AssignmentDepartment AssignmentType = "department"
	AssignmentLanguage   AssignmentType = "language"
	AssignmentTransfer   AssignmentType = "transfer"
	AssignmentManual     AssignmentType = "manual"
)

// AssignmentRecord — запись журнала назначений (только добавление; UnassignedAt ставится один раз).
type AssignmentRecord struct {
	ID             string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID       string         `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	ConversationID string         `gorm:"type:varchar(64);index;not null" json:"conversation_id"`
	AgentID        string         `gorm:"type:varchar(64);index;not null" json:"agent_id"`
	FromAgentID    *string        `gorm:"type:varchar(64)" json:"from_agent_id,omitempty"`
	AssignmentType AssignmentType `gorm:"type:varchar(32);not null" json:"assignment_type"`
	AssignedAt     time.Time      `gorm:"index;not null" json:"assigned_at"`
	UnassignedAt   *time.Time     `json:"unassigned_at,omitempty"`
}
