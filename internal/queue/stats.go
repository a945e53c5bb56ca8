package queue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/psds-microservice/routing-service/internal/model"
)

// Status — текущее состояние очереди сайта.
type Status struct {
	TenantID           string             `json:"tenant_id"`
	Waiting            int                `json:"waiting"`
	AvailableAgents    int                `json:"available_agents"`
	AverageChatMinutes float64            `json:"average_chat_minutes"`
	LongestWaitMinutes int                `json:"longest_wait_minutes"`
	Entries            []model.QueueEntry `json:"entries"`
}

// Stats — агрегаты по записям очереди за период.
type Stats struct {
	TenantID           string  `json:"tenant_id"`
	Period             string  `json:"period"`
	Total              int     `json:"total"`
	Waiting            int     `json:"waiting"`
	Assigned           int     `json:"assigned"`
	Cancelled          int     `json:"cancelled"`
	TimedOut           int     `json:"timed_out"`
	AverageWaitMinutes float64 `json:"average_wait_minutes"`
	MaxWaitMinutes     float64 `json:"max_wait_minutes"`
	TimeoutRate        float64 `json:"timeout_rate"`
}

func (q *Queue) Status(ctx context.Context, tenantID string) (*Status, error) {
	waiting, err := q.store.ListWaitingEntries(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].Before(&waiting[j]) })
	available, err := q.availableAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st := &Status{
		TenantID:           tenantID,
		Waiting:            len(waiting),
		AvailableAgents:    available,
		AverageChatMinutes: round2(q.averageChatMinutes(ctx, tenantID)),
		Entries:            waiting,
	}
	now := q.cfg.Now()
	for i := range waiting {
		if w := int(now.Sub(waiting[i].EnteredAt).Minutes()); w > st.LongestWaitMinutes {
			st.LongestWaitMinutes = w
		}
	}
	if st.Entries == nil {
		st.Entries = []model.QueueEntry{}
	}
	return st, nil
}

// Stats aggregates the entries that entered the queue within period.
// Wait time is measured to resolution for resolved entries and to now for waiting ones.
func (q *Queue) Stats(ctx context.Context, tenantID string, period time.Duration) (*Stats, error) {
	if period <= 0 {
		return nil, fmt.Errorf("queue: period must be positive")
	}
	now := q.cfg.Now()
	entries, err := q.store.ListQueueEntriesSince(ctx, tenantID, now.Add(-period))
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	st := &Stats{TenantID: tenantID, Period: period.String(), Total: len(entries)}
	var waitSum float64
	for i := range entries {
		e := &entries[i]
		switch e.Status {
		case model.QueueStatusWaiting:
			st.Waiting++
		case model.QueueStatusAssigned:
			st.Assigned++
		case model.QueueStatusCancelled:
			st.Cancelled++
		case model.QueueStatusTimeout:
			st.TimedOut++
		}
		end := now
		if e.ResolvedAt != nil {
			end = *e.ResolvedAt
		}
		w := end.Sub(e.EnteredAt).Minutes()
		if w < 0 {
			w = 0
		}
		waitSum += w
		if w > st.MaxWaitMinutes {
			st.MaxWaitMinutes = w
		}
	}
	if st.Total > 0 {
		st.AverageWaitMinutes = round2(waitSum / float64(st.Total))
	}
	st.MaxWaitMinutes = round2(st.MaxWaitMinutes)
	if resolved := st.Assigned + st.Cancelled + st.TimedOut; resolved > 0 {
		st.TimeoutRate = round2(float64(st.TimedOut) / float64(resolved))
	}
	return st, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
