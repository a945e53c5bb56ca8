package routing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	last *model.AssignmentRecord
	err  error
}

func (f *fakeLookup) LastAssignment(context.Context, string) (*model.AssignmentRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.last == nil {
		return nil, errs.ErrAssignmentNotFound
	}
	return f.last, nil
}

func agent(id string, chats, max int) model.Agent {
	return model.Agent{
		ID:                 id,
		TenantID:           "site-1",
		IsOnline:           true,
		State:              model.AgentStateAvailable,
		MaxConcurrentChats: max,
		CurrentChats:       chats,
	}
}

func newTestStrategies(lookup LastAssignmentLookup) (*Strategies, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewStrategies(lookup, logger), &buf
}

func TestEligible_FiltersAndOrders(t *testing.T) {
	offline := agent("a", 0, 2)
	offline.IsOnline = false
	onBreak := agent("b", 0, 2)
	onBreak.State = model.AgentStateBreak
	full := agent("c", 2, 2)

	got := Eligible([]model.Agent{agent("e", 0, 1), offline, onBreak, full, agent("d", 1, 3)})
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].ID)
	assert.Equal(t, "e", got[1].ID)
}

func TestLeastBusy_TiesBrokenByID(t *testing.T) {
	s, _ := newTestStrategies(&fakeLookup{})
	got := s.LeastBusy(Eligible([]model.Agent{agent("c", 1, 3), agent("b", 0, 3), agent("a", 0, 3)}))
	require.NotNil(t, got)
	assert.Equal(t, "a", got.ID)

	assert.Nil(t, s.LeastBusy(nil))
}

func TestRoundRobin(t *testing.T) {
	agents := Eligible([]model.Agent{agent("A", 0, 2), agent("B", 0, 2), agent("C", 0, 2)})
	ctx := context.Background()
	req := Request{TenantID: "site-1"}

	t.Run("no history picks first", func(t *testing.T) {
		s, _ := newTestStrategies(&fakeLookup{})
		assert.Equal(t, "A", s.RoundRobin(ctx, req, agents).ID)
	})
	t.Run("after B comes C", func(t *testing.T) {
		s, _ := newTestStrategies(&fakeLookup{last: &model.AssignmentRecord{AgentID: "B"}})
		assert.Equal(t, "C", s.RoundRobin(ctx, req, agents).ID)
	})
	t.Run("after C wraps to A", func(t *testing.T) {
		s, _ := newTestStrategies(&fakeLookup{last: &model.AssignmentRecord{AgentID: "C"}})
		assert.Equal(t, "A", s.RoundRobin(ctx, req, agents).ID)
	})
	t.Run("last agent gone moves forward", func(t *testing.T) {
		s, _ := newTestStrategies(&fakeLookup{last: &model.AssignmentRecord{AgentID: "B"}})
		got := s.RoundRobin(ctx, req, Eligible([]model.Agent{agent("A", 0, 1), agent("C", 0, 1)}))
		assert.Equal(t, "C", got.ID)
	})
	t.Run("lookup failure degrades to least busy", func(t *testing.T) {
		s, logs := newTestStrategies(&fakeLookup{err: errors.New("db down")})
		busy := Eligible([]model.Agent{agent("A", 1, 2), agent("B", 0, 2)})
		assert.Equal(t, "B", s.RoundRobin(ctx, req, busy).ID)
		assert.Contains(t, logs.String(), "degraded routing")
		assert.Contains(t, logs.String(), "level=WARN")
	})
}

func TestSkillBased(t *testing.T) {
	sales := agent("a", 1, 3)
	sales.Skills = []string{"sales"}
	billing := agent("b", 2, 3)
	billing.Skills = []string{"Billing", "refunds"}
	idle := agent("c", 0, 3)
	eligible := Eligible([]model.Agent{sales, billing, idle})

	s, logs := newTestStrategies(&fakeLookup{})
	got := s.SkillBased(Request{RequiredSkills: []string{"billing"}}, eligible)
	assert.Equal(t, "b", got.ID)
	assert.Empty(t, logs.String())

	got = s.SkillBased(Request{}, eligible)
	assert.Equal(t, "c", got.ID, "no skills requested means least busy overall")
}

func TestSkillBased_NoMatchDegrades(t *testing.T) {
	a := agent("a", 1, 3)
	a.Skills = []string{"sales"}
	b := agent("b", 0, 3)
	s, logs := newTestStrategies(&fakeLookup{})

	got := s.SkillBased(Request{TenantID: "site-1", RequiredSkills: []string{"billing"}}, Eligible([]model.Agent{a, b}))
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
	assert.Contains(t, logs.String(), "degraded routing")
	assert.Contains(t, logs.String(), "strategy=skill_based")
}

func TestVIP(t *testing.T) {
	junior := agent("a", 0, 3)
	junior.PriorityLevel = 1
	senior := agent("b", 2, 3)
	senior.PriorityLevel = 3
	lead := agent("c", 1, 3)
	lead.PriorityLevel = 3
	s, logs := newTestStrategies(&fakeLookup{})

	got := s.VIP(Request{VIPLevel: 2}, Eligible([]model.Agent{junior, senior, lead}))
	assert.Equal(t, "c", got.ID, "highest level first, then fewest chats")

	got = s.VIP(Request{VIPLevel: 5}, Eligible([]model.Agent{junior, senior, lead}))
	assert.Equal(t, "a", got.ID)
	assert.Contains(t, logs.String(), "degraded routing")
}

func TestLanguage(t *testing.T) {
	de := agent("a", 2, 3)
	de.Languages = []string{"de"}
	fr := agent("b", 0, 3)
	fr.Languages = []string{"fr"}
	multi := agent("c", 1, 3)
	s, logs := newTestStrategies(&fakeLookup{})

	assert.Equal(t, "c", s.Language(Request{Language: "DE"}, Eligible([]model.Agent{de, fr, multi})).ID)
	assert.Equal(t, "a", s.Language(Request{Language: "de"}, Eligible([]model.Agent{de, fr})).ID)
	assert.Empty(t, logs.String())

	assert.Equal(t, "b", s.Language(Request{Language: "es"}, Eligible([]model.Agent{de, fr})).ID)
	assert.Contains(t, logs.String(), "degraded routing")
}

func TestDepartment(t *testing.T) {
	sales, support := "sales", "support"
	a := agent("a", 0, 3)
	a.DepartmentID = &support
	b := agent("b", 1, 3)
	b.DepartmentID = &sales
	c := agent("c", 2, 3)
	s, logs := newTestStrategies(&fakeLookup{})

	assert.Equal(t, "b", s.Department(Request{DepartmentID: &sales}, Eligible([]model.Agent{a, b, c})).ID)
	assert.Equal(t, "c", s.Department(Request{DepartmentID: &sales}, Eligible([]model.Agent{a, c})).ID)
	assert.Empty(t, logs.String())

	billing := "billing"
	assert.Equal(t, "a", s.Department(Request{DepartmentID: &billing}, Eligible([]model.Agent{a, b})).ID)
	assert.Contains(t, logs.String(), "degraded routing")
}

func TestStrategies_EmptyEligibleReturnsNil(t *testing.T) {
	s, _ := newTestStrategies(&fakeLookup{})
	dept := "x"
	ctx := context.Background()
	assert.Nil(t, s.LeastBusy(nil))
	assert.Nil(t, s.RoundRobin(ctx, Request{}, nil))
	assert.Nil(t, s.SkillBased(Request{RequiredSkills: []string{"x"}}, nil))
	assert.Nil(t, s.VIP(Request{VIPLevel: 1}, nil))
	assert.Nil(t, s.Language(Request{Language: "de"}, nil))
	assert.Nil(t, s.Department(Request{DepartmentID: &dept}, nil))
}
