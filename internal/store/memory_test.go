package store

import (
	"context"
	"testing"
	"time"

	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore()
	for _, a := range []model.Agent{
		{ID: "A", TenantID: "t1", IsOnline: true, State: model.AgentStateAvailable, MaxConcurrentChats: 1},
		{ID: "B", TenantID: "t1", IsOnline: true, State: model.AgentStateAvailable, MaxConcurrentChats: 2},
		{ID: "C", TenantID: "t1", IsOnline: true, State: model.AgentStateBreak, MaxConcurrentChats: 2},
	} {
		a := a
		require.NoError(t, m.CreateAgent(ctx, &a))
	}
	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, m.CreateConversation(ctx, &model.Conversation{ID: id, TenantID: "t1", VisitorID: "v-" + id}))
	}
	return m
}

func rec(id, conv, agent string, at time.Time) *model.AssignmentRecord {
	return &model.AssignmentRecord{
		ID: id, TenantID: "t1", ConversationID: conv, AgentID: agent,
		AssignmentType: model.AssignmentLeastBusy, AssignedAt: at,
	}
}

func TestMemoryStore_CommitAssignment(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	require.NoError(t, m.CommitAssignment(ctx, rec("r1", "c1", "A", t0)))
	a, err := m.GetAgent(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, a.CurrentChats)

	assert.ErrorIs(t, m.CommitAssignment(ctx, rec("r2", "c2", "A", t0)), errs.ErrCapacityExceeded)
	assert.ErrorIs(t, m.CommitAssignment(ctx, rec("r3", "c1", "B", t0)), errs.ErrConversationAlreadyAssigned)
	assert.ErrorIs(t, m.CommitAssignment(ctx, rec("r4", "c2", "nobody", t0)), errs.ErrAgentNotFound)

	require.NoError(t, m.CloseConversation(ctx, "c3", t0))
	assert.ErrorIs(t, m.CommitAssignment(ctx, rec("r5", "c3", "B", t0)), errs.ErrConversationClosed)

	// failed commits leave neither load nor records behind
	b, err := m.GetAgent(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, 0, b.CurrentChats)
	recs, err := m.ListAssignments(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryStore_TransferAndRelease(t *testing.T) {
	ctx := context.Background()
	m := seed(t)
	require.NoError(t, m.CommitAssignment(ctx, rec("r1", "c1", "A", t0)))

	from := "A"
	move := rec("r2", "c1", "B", t0.Add(time.Minute))
	move.FromAgentID = &from
	move.AssignmentType = model.AssignmentTransfer

	toBreak := *move
	toBreak.AgentID = "C"
	assert.ErrorIs(t, m.TransferAssignment(ctx, &toBreak), errs.ErrInvalidTargetAgent)

	wrongFrom := *move
	other := "B"
	wrongFrom.FromAgentID = &other
	assert.ErrorIs(t, m.TransferAssignment(ctx, &wrongFrom), errs.ErrConversationNotAssigned)

	require.NoError(t, m.TransferAssignment(ctx, move))
	a, _ := m.GetAgent(ctx, "A")
	b, _ := m.GetAgent(ctx, "B")
	assert.Equal(t, 0, a.CurrentChats)
	assert.Equal(t, 1, b.CurrentChats)

	recs, err := m.ListAssignments(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.NotNil(t, recs[0].UnassignedAt)
	assert.Nil(t, recs[1].UnassignedAt)

	assert.ErrorIs(t, m.ReleaseAssignment(ctx, Release{ConversationID: "c1", AgentID: "A", At: t0}), errs.ErrConversationNotAssigned)
	require.NoError(t, m.ReleaseAssignment(ctx, Release{ConversationID: "c1", AgentID: "B", At: t0.Add(2 * time.Minute), CloseConversation: true}))

	b, _ = m.GetAgent(ctx, "B")
	assert.Equal(t, 0, b.CurrentChats)
	c, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, c.AssignedAgentID)
	assert.Equal(t, model.ConversationClosed, c.Status)
	require.NotNil(t, c.ClosedAt)

	recs, _ = m.ListAssignments(ctx, "c1")
	assert.NotNil(t, recs[1].UnassignedAt)
}

func TestMemoryStore_LastAssignment(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	_, err := m.LastAssignment(ctx, "t1")
	assert.ErrorIs(t, err, errs.ErrAssignmentNotFound)

	require.NoError(t, m.CommitAssignment(ctx, rec("r1", "c1", "A", t0)))
	require.NoError(t, m.CommitAssignment(ctx, rec("r2", "c2", "B", t0)))

	// при равном времени побеждает последняя вставленная запись
	last, err := m.LastAssignment(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "r2", last.ID)

	_, err = m.LastAssignment(ctx, "t2")
	assert.ErrorIs(t, err, errs.ErrAssignmentNotFound)
}

func TestMemoryStore_QueueEntries(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	e := &model.QueueEntry{
		ID: "e1", ConversationID: "c1", VisitorID: "v-c1", TenantID: "t1",
		EnteredAt: t0, TimeoutAt: t0.Add(10 * time.Minute), Status: model.QueueStatusWaiting,
	}
	require.NoError(t, m.CreateQueueEntry(ctx, e))
	dup := *e
	dup.ID = "e2"
	assert.ErrorIs(t, m.CreateQueueEntry(ctx, &dup), errs.ErrAlreadyQueued)

	expired, err := m.ListExpiredEntries(ctx, t0.Add(11*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, m.UpdateQueuePositions(ctx, []PositionUpdate{{EntryID: "e1", QueuePosition: 1, EstimatedWaitMinutes: 5}}))
	got, err := m.GetQueueEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.QueuePosition)
	assert.Equal(t, 5, got.EstimatedWaitMinutes)

	ok, err := m.ResolveQueueEntry(ctx, "e1", model.QueueStatusTimeout, nil, t0.Add(11*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// второй выход из waiting проигрывает
	agent := "A"
	ok, err = m.ResolveQueueEntry(ctx, "e1", model.QueueStatusAssigned, &agent, t0.Add(12*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ = m.GetQueueEntry(ctx, "e1")
	assert.Equal(t, model.QueueStatusTimeout, got.Status)
	assert.Equal(t, 0, got.QueuePosition)
	assert.Nil(t, got.AssignedAgentID)

	w, err := m.FindWaitingEntry(ctx, "c1")
	assert.Nil(t, w)
	assert.ErrorIs(t, err, errs.ErrQueueEntryNotFound)

	// после выхода из waiting диалог можно поставить снова
	require.NoError(t, m.CreateQueueEntry(ctx, &dup))

	_, err = m.ResolveQueueEntry(ctx, "missing", model.QueueStatusCancelled, nil, t0)
	assert.ErrorIs(t, err, errs.ErrQueueEntryNotFound)
}

func TestMemoryStore_AgentStates(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	until := t0.Add(5 * time.Minute)
	require.NoError(t, m.SetAgentState(ctx, "C", model.AgentStateBreak, &until))

	expired, err := m.ListExpiredAgentStates(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)
	expired, err = m.ListExpiredAgentStates(ctx, t0.Add(6*time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "C", expired[0].ID)

	ok, err := m.CompareAndSetAgentState(ctx, StateChange{
		AgentID: "C", ExpectedState: model.AgentStateAway, ExpectedUntil: &until, State: model.AgentStateAvailable,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// перерыв продлён: тот же state, но другой state_until
	stale := until.Add(-time.Minute)
	ok, err = m.CompareAndSetAgentState(ctx, StateChange{
		AgentID: "C", ExpectedState: model.AgentStateBreak, ExpectedUntil: &stale, State: model.AgentStateAvailable,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.CompareAndSetAgentState(ctx, StateChange{
		AgentID: "C", ExpectedState: model.AgentStateBreak, State: model.AgentStateAvailable,
	})
	require.NoError(t, err)
	assert.False(t, ok, "nil expected until does not match a timed break")

	same := until.In(time.FixedZone("MSK", 3*3600))
	ok, err = m.CompareAndSetAgentState(ctx, StateChange{
		AgentID: "C", ExpectedState: model.AgentStateBreak, ExpectedUntil: &same, State: model.AgentStateAvailable,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	c, _ := m.GetAgent(ctx, "C")
	assert.Nil(t, c.StateUntil)

	require.NoError(t, m.SetAgentOnline(ctx, "C", false))
	c, _ = m.GetAgent(ctx, "C")
	assert.Equal(t, model.AgentStateOffline, c.State)
	require.NoError(t, m.SetAgentOnline(ctx, "C", true))
	c, _ = m.GetAgent(ctx, "C")
	assert.Equal(t, model.AgentStateAvailable, c.State)

	agents, err := m.ListAgents(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, agents, 3)
	assert.Equal(t, "A", agents[0].ID)
	assert.Equal(t, "C", agents[2].ID)
}

func TestMemoryStore_ListClosedChats(t *testing.T) {
	ctx := context.Background()
	m := seed(t)

	require.NoError(t, m.CommitAssignment(ctx, rec("r1", "c1", "A", t0)))
	from := "A"
	move := rec("r2", "c1", "B", t0.Add(5*time.Minute))
	move.FromAgentID = &from
	move.AssignmentType = model.AssignmentTransfer
	require.NoError(t, m.TransferAssignment(ctx, move))
	require.NoError(t, m.ReleaseAssignment(ctx, Release{ConversationID: "c1", AgentID: "B", At: t0.Add(20 * time.Minute), CloseConversation: true}))

	require.NoError(t, m.CommitAssignment(ctx, rec("r3", "c2", "B", t0.Add(time.Minute))))
	require.NoError(t, m.ReleaseAssignment(ctx, Release{ConversationID: "c2", AgentID: "B", At: t0.Add(31 * time.Minute), CloseConversation: true}))

	// закрыт без оператора: в историю длительностей не попадает
	require.NoError(t, m.CloseConversation(ctx, "c3", t0.Add(40*time.Minute)))

	chats, err := m.ListClosedChats(ctx, "t1", t0, 0)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "c2", chats[0].ConversationID)
	assert.Equal(t, 30*time.Minute, chats[0].Duration())
	assert.Equal(t, "c1", chats[1].ConversationID)
	assert.Equal(t, 20*time.Minute, chats[1].Duration(), "measured from the first assignment")

	chats, err = m.ListClosedChats(ctx, "t1", t0, 1)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "c2", chats[0].ConversationID)

	chats, err = m.ListClosedChats(ctx, "t1", t0.Add(25*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, chats, 1)

	chats, err = m.ListClosedChats(ctx, "t2", t0, 0)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestMemoryStore_CloseAssignedConversation(t *testing.T) {
	ctx := context.Background()
	m := seed(t)
	require.NoError(t, m.CommitAssignment(ctx, rec("r1", "c1", "A", t0)))

	assert.ErrorIs(t, m.CloseConversation(ctx, "c1", t0), errs.ErrConversationAlreadyAssigned)
	c, err := m.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConversationOpen, c.Status)
	a, _ := m.GetAgent(ctx, "A")
	assert.Equal(t, 1, a.CurrentChats)

	require.NoError(t, m.CloseConversation(ctx, "c2", t0))
	require.NoError(t, m.CloseConversation(ctx, "c2", t0), "closing twice is a no-op")
}
