package routing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
)

// Request — входные данные маршрутизации одного диалога.
type Request struct {
	TenantID       string
	ConversationID string
	VisitorID      string
	VIPLevel       int
	Language       string
	DepartmentID   *string
	RequiredSkills []string
}

// LastAssignmentLookup is the part of the store round-robin needs.
type LastAssignmentLookup interface {
	LastAssignment(ctx context.Context, tenantID string) (*model.AssignmentRecord, error)
}

// Strategies holds the selection functions. Each one returns at most one agent from the
// eligible list, or nil; none of them loops or retries.
type Strategies struct {
	lookup LastAssignmentLookup
	logger *slog.Logger
}

func NewStrategies(lookup LastAssignmentLookup, logger *slog.Logger) *Strategies {
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategies{lookup: lookup, logger: logger.With("component", "strategies")}
}

// Eligible returns the online, available agents with spare capacity, ordered by id.
func Eligible(agents []model.Agent) []model.Agent {
	out := make([]model.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Eligible() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func pick(agents []model.Agent, i int) *model.Agent {
	a := agents[i]
	return &a
}

func (s *Strategies) degraded(req Request, strategy, reason string) {
	s.logger.Warn("degraded routing: falling back to least-busy",
		"strategy", strategy,
		"reason", reason,
		"tenant_id", req.TenantID,
		"conversation_id", req.ConversationID)
}

// LeastBusy picks the agent with the fewest current chats; ties go to the lowest id.
func (s *Strategies) LeastBusy(eligible []model.Agent) *model.Agent {
	best := -1
	for i := range eligible {
		if best < 0 || eligible[i].CurrentChats < eligible[best].CurrentChats {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return pick(eligible, best)
}

// RoundRobin returns the agent following the tenant's last assigned agent in id order.
// When the last agent is no longer eligible the next higher id is used, so the rotation
// keeps moving forward instead of restarting.
func (s *Strategies) RoundRobin(ctx context.Context, req Request, eligible []model.Agent) *model.Agent {
	if len(eligible) == 0 {
		return nil
	}
	last, err := s.lookup.LastAssignment(ctx, req.TenantID)
	if errors.Is(err, errs.ErrAssignmentNotFound) {
		return pick(eligible, 0)
	}
	if err != nil {
		s.degraded(req, string(model.StrategyRoundRobin), "last assignment lookup failed: "+err.Error())
		return s.LeastBusy(eligible)
	}
	for i := range eligible {
		if eligible[i].ID > last.AgentID {
			return pick(eligible, i)
		}
	}
	return pick(eligible, 0)
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if containsFold(b, v) {
			return true
		}
	}
	return false
}

func filter(agents []model.Agent, keep func(*model.Agent) bool) []model.Agent {
	var out []model.Agent
	for i := range agents {
		if keep(&agents[i]) {
			out = append(out, agents[i])
		}
	}
	return out
}

// SkillBased picks the least busy agent sharing at least one requested skill.
func (s *Strategies) SkillBased(req Request, eligible []model.Agent) *model.Agent {
	if len(eligible) == 0 {
		return nil
	}
	if len(req.RequiredSkills) == 0 {
		return s.LeastBusy(eligible)
	}
	matched := filter(eligible, func(a *model.Agent) bool { return intersects(a.Skills, req.RequiredSkills) })
	if len(matched) == 0 {
		s.degraded(req, string(model.StrategySkillBased), "no agent has skills "+strings.Join(req.RequiredSkills, ","))
		return s.LeastBusy(eligible)
	}
	return s.LeastBusy(matched)
}

// VIP picks among agents whose priority level covers the visitor's, highest level first.
func (s *Strategies) VIP(req Request, eligible []model.Agent) *model.Agent {
	if len(eligible) == 0 {
		return nil
	}
	matched := filter(eligible, func(a *model.Agent) bool { return a.PriorityLevel >= req.VIPLevel })
	if len(matched) == 0 {
		s.degraded(req, string(model.AssignmentVIP), "no agent with sufficient priority level")
		return s.LeastBusy(eligible)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].PriorityLevel != matched[j].PriorityLevel {
			return matched[i].PriorityLevel > matched[j].PriorityLevel
		}
		if matched[i].CurrentChats != matched[j].CurrentChats {
			return matched[i].CurrentChats < matched[j].CurrentChats
		}
		return matched[i].ID < matched[j].ID
	})
	return pick(matched, 0)
}

// Language picks among agents speaking the visitor's language or without a language restriction.
func (s *Strategies) Language(req Request, eligible []model.Agent) *model.Agent {
	if len(eligible) == 0 {
		return nil
	}
	matched := filter(eligible, func(a *model.Agent) bool {
		return len(a.Languages) == 0 || containsFold(a.Languages, req.Language)
	})
	if len(matched) == 0 {
		s.degraded(req, string(model.AssignmentLanguage), "no agent speaks "+req.Language)
		return s.LeastBusy(eligible)
	}
	return s.LeastBusy(matched)
}

// Department picks among agents of the requested department or without one.
func (s *Strategies) Department(req Request, eligible []model.Agent) *model.Agent {
	if len(eligible) == 0 {
		return nil
	}
	if req.DepartmentID == nil {
		return s.LeastBusy(eligible)
	}
	dept := *req.DepartmentID
	matched := filter(eligible, func(a *model.Agent) bool {
		return a.DepartmentID == nil || *a.DepartmentID == dept
	})
	if len(matched) == 0 {
		s.degraded(req, string(model.AssignmentDepartment), "no agent in department "+dept)
		return s.LeastBusy(eligible)
	}
	return s.LeastBusy(matched)
}
