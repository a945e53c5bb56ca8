package routing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/psds-microservice/routing-service/internal/model"
	"gopkg.in/yaml.v3"
)

const (
	RejectManualRouting = "manual-routing"
	RejectManual        = "manual"
)

// Pre-routing step names accepted in the precedence list.
const (
	StepVIP        = "vip"
	StepDepartment = "department"
	StepLanguage   = "language"
	StepConfigured = "configured"
)

// DefaultPrecedence is evaluated before the tenant's configured strategy.
var DefaultPrecedence = []string{StepVIP, StepDepartment, StepLanguage}

// Decision — результат маршрутизации. Agent == nil и пустой Rejected означают
// «нет подходящего оператора»: это не ошибка, вызывающий ставит диалог в очередь.
type Decision struct {
	Agent    *model.Agent
	Type     model.AssignmentType
	Rule     string
	Rejected string
}

func (d Decision) Assigned() bool { return d.Agent != nil }

func (d Decision) NoEligibleAgent() bool { return d.Agent == nil && d.Rejected == "" }

// Rule — шаг политики приоритетов: условие применимости и стратегия выбора.
type Rule struct {
	Name    string
	Applies func(req Request, cfg model.RoutingConfig) bool
	Select  func(ctx context.Context, req Request, cfg model.RoutingConfig, eligible []model.Agent) Decision
}

// Engine evaluates the precedence rules in order. It owns no state and never mutates
// agents or conversations.
type Engine struct {
	rules  []Rule
	logger *slog.Logger
}

// NewEngine builds the rule list from step names; the configured strategy is always last.
func NewEngine(s *Strategies, precedence []string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rules := make([]Rule, 0, len(precedence)+1)
	seen := make(map[string]bool, len(precedence))
	for _, name := range precedence {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			return nil, fmt.Errorf("routing: duplicate precedence step %q", name)
		}
		seen[name] = true
		r, err := s.rule(name)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	rules = append(rules, s.configuredRule())
	return &Engine{rules: rules, logger: logger.With("component", "routing-engine")}, nil
}

// Rules returns the step names in evaluation order.
func (e *Engine) Rules() []string {
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name
	}
	return out
}

// Decide runs the applicable rules in order; the first one that yields an agent or a
// rejection wins. When all of them come back empty the result is NoEligibleAgent.
func (e *Engine) Decide(ctx context.Context, req Request, cfg model.RoutingConfig, agents []model.Agent) Decision {
	if !cfg.AutoAssign {
		return Decision{Rejected: RejectManualRouting}
	}
	eligible := Eligible(agents)
	for _, r := range e.rules {
		if !r.Applies(req, cfg) {
			continue
		}
		d := r.Select(ctx, req, cfg, eligible)
		d.Rule = r.Name
		if d.Agent != nil || d.Rejected != "" {
			e.logger.Debug("routing decision",
				"rule", r.Name,
				"tenant_id", req.TenantID,
				"conversation_id", req.ConversationID,
				"agent_id", agentID(d.Agent),
				"rejected", d.Rejected)
			return d
		}
	}
	return Decision{}
}

func agentID(a *model.Agent) string {
	if a == nil {
		return ""
	}
	return a.ID
}

func (s *Strategies) rule(name string) (Rule, error) {
	switch name {
	case StepVIP:
		return Rule{
			Name:    StepVIP,
			Applies: func(req Request, _ model.RoutingConfig) bool { return req.VIPLevel > 0 },
			Select: func(_ context.Context, req Request, _ model.RoutingConfig, eligible []model.Agent) Decision {
				return Decision{Agent: s.VIP(req, eligible), Type: model.AssignmentVIP}
			},
		}, nil
	case StepDepartment:
		return Rule{
			Name: StepDepartment,
			Applies: func(req Request, _ model.RoutingConfig) bool {
				return req.DepartmentID != nil && *req.DepartmentID != ""
			},
			Select: func(_ context.Context, req Request, _ model.RoutingConfig, eligible []model.Agent) Decision {
				return Decision{Agent: s.Department(req, eligible), Type: model.AssignmentDepartment}
			},
		}, nil
	case StepLanguage:
		return Rule{
			Name: StepLanguage,
			Applies: func(req Request, cfg model.RoutingConfig) bool {
				def := cfg.DefaultLanguage
				if def == "" {
					def = model.DefaultLanguage
				}
				return req.Language != "" && !strings.EqualFold(req.Language, def)
			},
			Select: func(_ context.Context, req Request, _ model.RoutingConfig, eligible []model.Agent) Decision {
				return Decision{Agent: s.Language(req, eligible), Type: model.AssignmentLanguage}
			},
		}, nil
	}
	return Rule{}, fmt.Errorf("routing: unknown precedence step %q", name)
}

func (s *Strategies) configuredRule() Rule {
	return Rule{
		Name:    StepConfigured,
		Applies: func(Request, model.RoutingConfig) bool { return true },
		Select: func(ctx context.Context, req Request, cfg model.RoutingConfig, eligible []model.Agent) Decision {
			switch cfg.Strategy {
			case model.StrategyManual:
				return Decision{Rejected: RejectManual}
			case model.StrategyRoundRobin:
				return Decision{Agent: s.RoundRobin(ctx, req, eligible), Type: model.AssignmentRoundRobin}
			case model.StrategySkillBased:
				return Decision{Agent: s.SkillBased(req, eligible), Type: model.AssignmentSkillBased}
			default:
				return Decision{Agent: s.LeastBusy(eligible), Type: model.AssignmentLeastBusy}
			}
		},
	}
}

type precedenceFile struct {
	Precedence []string `yaml:"precedence"`
}

// LoadPrecedence reads the pre-routing step order from a YAML file:
//
//	precedence: [vip, department, language]
//
// An empty path yields DefaultPrecedence.
func LoadPrecedence(path string) ([]string, error) {
	if path == "" {
		return append([]string(nil), DefaultPrecedence...), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read precedence file: %w", err)
	}
	var f precedenceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse precedence file %s: %w", path, err)
	}
	if f.Precedence == nil {
		return append([]string(nil), DefaultPrecedence...), nil
	}
	return f.Precedence, nil
}
