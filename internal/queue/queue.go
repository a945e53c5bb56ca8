// Package queue — очередь ожидания диалогов по сайтам: постановка, пересчёт позиций
// и ETA, выбор записи под освободившегося оператора и таймауты.
//
// Статус записи — единственный источник истины: все выходы из waiting выполняются
// условным обновлением «только если ещё waiting», поэтому отмена, таймаут и назначение
// могут гоняться без двойной обработки.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"github.com/psds-microservice/routing-service/internal/notify"
	"github.com/psds-microservice/routing-service/internal/store"
)

const (
	DefaultETAWindow        = 7 * 24 * time.Hour
	DefaultETAMaxSamples    = 50
	DefaultChatMinutes      = 5.0
	DefaultTimeoutMinutes   = model.DefaultMaxWaitMinutes
	DefaultDurationCacheTTL = time.Minute
)

type Config struct {
	ETAWindow      time.Duration
	ETAMaxSamples  int
	DefaultChat    float64
	DefaultTimeout int
	// DurationCacheTTL bounds how stale the per-tenant average chat duration may be.
	// Negative disables the cache.
	DurationCacheTTL time.Duration
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ETAWindow <= 0 {
		c.ETAWindow = DefaultETAWindow
	}
	if c.ETAMaxSamples <= 0 {
		c.ETAMaxSamples = DefaultETAMaxSamples
	}
	if c.DefaultChat <= 0 {
		c.DefaultChat = DefaultChatMinutes
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeoutMinutes
	}
	if c.DurationCacheTTL == 0 {
		c.DurationCacheTTL = DefaultDurationCacheTTL
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// EnqueueOptions — параметры постановки в очередь.
type EnqueueOptions struct {
	Priority              int
	RequiredSkills        []string
	PreferredDepartmentID *string
	TimeoutMinutes        int
}

type Queue struct {
	store    store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config

	durations *expirable.LRU[string, float64]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st store.Store, n notify.Notifier, cfg Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.Nop{}
	}
	cfg = cfg.withDefaults()
	q := &Queue{
		store:    st,
		notifier: n,
		logger:   logger.With("component", "queue"),
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
	}
	if cfg.DurationCacheTTL > 0 {
		q.durations = expirable.NewLRU[string, float64](1024, nil, cfg.DurationCacheTTL)
	}
	return q
}

func (q *Queue) tenantLock(tenantID string) *sync.Mutex {
	q.locksMu.Lock()
	defer q.locksMu.Unlock()
	l, ok := q.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		q.locks[tenantID] = l
	}
	return l
}

type pending struct {
	topic string
	ev    notify.Event
}

func (q *Queue) flush(ctx context.Context, out []pending) {
	for _, p := range out {
		q.notifier.Publish(ctx, p.topic, p.ev)
	}
}

// Enqueue ставит диалог в очередь. Повторный вызов для диалога, у которого уже есть
// ожидающая запись, возвращает её без создания дубля.
func (q *Queue) Enqueue(ctx context.Context, conversationID, visitorID, tenantID string, opts EnqueueOptions) (*model.QueueEntry, error) {
	l := q.tenantLock(tenantID)
	l.Lock()
	existing, err := q.store.FindWaitingEntry(ctx, conversationID)
	if err == nil {
		l.Unlock()
		q.logger.Warn("conversation already queued",
			"conversation_id", conversationID,
			"entry_id", existing.ID,
			"tenant_id", tenantID)
		return existing, nil
	}
	if !errors.Is(err, errs.ErrQueueEntryNotFound) {
		l.Unlock()
		return nil, fmt.Errorf("find waiting entry: %w", err)
	}

	timeout := opts.TimeoutMinutes
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	now := q.cfg.Now()
	entry := &model.QueueEntry{
		ID:                    uuid.NewString(),
		ConversationID:        conversationID,
		VisitorID:             visitorID,
		TenantID:              tenantID,
		Priority:              opts.Priority,
		RequiredSkills:        append([]string(nil), opts.RequiredSkills...),
		PreferredDepartmentID: opts.PreferredDepartmentID,
		EnteredAt:             now,
		TimeoutAt:             now.Add(time.Duration(timeout) * time.Minute),
		Status:                model.QueueStatusWaiting,
	}
	if err := q.store.CreateQueueEntry(ctx, entry); err != nil {
		l.Unlock()
		if errors.Is(err, errs.ErrAlreadyQueued) {
			return q.store.FindWaitingEntry(ctx, conversationID)
		}
		return nil, fmt.Errorf("create queue entry: %w", err)
	}
	notes, err := q.reindexLocked(ctx, tenantID)
	l.Unlock()
	if err != nil {
		return nil, err
	}
	q.flush(ctx, notes)

	q.logger.Info("conversation queued",
		"conversation_id", conversationID,
		"entry_id", entry.ID,
		"tenant_id", tenantID,
		"priority", entry.Priority)
	return q.store.GetQueueEntry(ctx, entry.ID)
}

// Reindex пересчитывает позиции и ETA всех ожидающих записей сайта и уведомляет
// диалоги, у которых они изменились.
func (q *Queue) Reindex(ctx context.Context, tenantID string) error {
	l := q.tenantLock(tenantID)
	l.Lock()
	notes, err := q.reindexLocked(ctx, tenantID)
	l.Unlock()
	if err != nil {
		return err
	}
	q.flush(ctx, notes)
	return nil
}

func (q *Queue) reindexLocked(ctx context.Context, tenantID string) ([]pending, error) {
	waiting, err := q.store.ListWaitingEntries(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	if len(waiting) == 0 {
		return nil, nil
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].Before(&waiting[j]) })

	available, err := q.availableAgents(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	avg := q.averageChatMinutes(ctx, tenantID)

	var (
		updates []store.PositionUpdate
		notes   []pending
		now     = q.cfg.Now()
	)
	for i := range waiting {
		e := &waiting[i]
		pos := i + 1
		eta := EstimateWait(pos, available, avg)
		if e.QueuePosition == pos && e.EstimatedWaitMinutes == eta {
			continue
		}
		updates = append(updates, store.PositionUpdate{EntryID: e.ID, QueuePosition: pos, EstimatedWaitMinutes: eta})
		notes = append(notes, pending{
			topic: notify.Conversation(e.ConversationID),
			ev: notify.Event{
				Type:     notify.EventQueuePosition,
				TenantID: tenantID,
				At:       now,
				Data: map[string]interface{}{
					"entry_id":               e.ID,
					"conversation_id":        e.ConversationID,
					"queue_position":         pos,
					"estimated_wait_minutes": eta,
				},
			},
		})
	}
	if err := q.store.UpdateQueuePositions(ctx, updates); err != nil {
		return nil, fmt.Errorf("update queue positions: %w", err)
	}
	return notes, nil
}

// EstimateWait = ceil(position / max(1, agents)) * avgChatMinutes, not less than one minute.
func EstimateWait(position, availableAgents int, avgChatMinutes float64) int {
	if availableAgents < 1 {
		availableAgents = 1
	}
	batches := math.Ceil(float64(position) / float64(availableAgents))
	eta := int(math.Ceil(batches * avgChatMinutes))
	if eta < 1 {
		eta = 1
	}
	return eta
}

// availableAgents counts online agents in the available state; agents that are merely
// full still free up slots, so capacity is not part of the count.
func (q *Queue) availableAgents(ctx context.Context, tenantID string) (int, error) {
	agents, err := q.store.ListAgents(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	n := 0
	for i := range agents {
		if agents[i].IsOnline && agents[i].IsAvailable() {
			n++
		}
	}
	return n, nil
}

func (q *Queue) averageChatMinutes(ctx context.Context, tenantID string) float64 {
	if q.durations != nil {
		if v, ok := q.durations.Get(tenantID); ok {
			return v
		}
	}
	avg := q.cfg.DefaultChat
	since := q.cfg.Now().Add(-q.cfg.ETAWindow)
	chats, err := q.store.ListClosedChats(ctx, tenantID, since, q.cfg.ETAMaxSamples)
	if err != nil {
		q.logger.Warn("chat duration history unavailable, using default",
			"tenant_id", tenantID,
			"error", err)
		return avg
	}
	var (
		total float64
		n     int
	)
	for _, c := range chats {
		if d := c.Duration(); d >= 0 {
			total += d.Minutes()
			n++
		}
	}
	if n > 0 {
		avg = total / float64(n)
	}
	if q.durations != nil {
		q.durations.Add(tenantID, avg)
	}
	return avg
}

func matchesAgent(e *model.QueueEntry, skills []string, departmentID *string) bool {
	if len(e.RequiredSkills) > 0 {
		ok := false
		for _, want := range e.RequiredSkills {
			for _, have := range skills {
				if strings.EqualFold(want, have) {
					ok = true
					break
				}
			}
			if ok {
				break
			}
		}
		if !ok {
			return false
		}
	}
	if e.PreferredDepartmentID != nil {
		return departmentID != nil && *departmentID == *e.PreferredDepartmentID
	}
	return true
}

// DequeueNext returns the first waiting entry, in queue order, the agent can serve.
// It does not change the entry; nil means nothing matches.
func (q *Queue) DequeueNext(ctx context.Context, tenantID string, agentSkills []string, agentDepartmentID *string) (*model.QueueEntry, error) {
	waiting, err := q.store.ListWaitingEntries(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list waiting entries: %w", err)
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].Before(&waiting[j]) })
	for i := range waiting {
		if matchesAgent(&waiting[i], agentSkills, agentDepartmentID) {
			e := waiting[i]
			return &e, nil
		}
	}
	return nil, nil
}

// FindWaiting returns the waiting entry of a conversation, or nil.
func (q *Queue) FindWaiting(ctx context.Context, conversationID string) (*model.QueueEntry, error) {
	e, err := q.store.FindWaitingEntry(ctx, conversationID)
	if errors.Is(err, errs.ErrQueueEntryNotFound) {
		return nil, nil
	}
	return e, err
}

// Remove выводит запись из waiting с указанной причиной и переиндексирует очередь сайта.
// Если запись уже разрешена (или не существует), возвращается errs.ErrQueueEntryNotFound —
// вызывающие считают это успехом.
func (q *Queue) Remove(ctx context.Context, entryID string, reason model.QueueStatus) error {
	if reason == model.QueueStatusWaiting || !reason.Valid() {
		return fmt.Errorf("queue: invalid removal reason %q", reason)
	}
	_, err := q.resolve(ctx, entryID, reason, nil)
	return err
}

// MarkAssigned resolves a waiting entry as assigned to agentID. It returns
// errs.ErrQueueEntryNotFound if the entry had already left the waiting state.
func (q *Queue) MarkAssigned(ctx context.Context, entryID, agentID string) error {
	_, err := q.resolve(ctx, entryID, model.QueueStatusAssigned, &agentID)
	return err
}

func (q *Queue) resolve(ctx context.Context, entryID string, status model.QueueStatus, agentID *string) (*model.QueueEntry, error) {
	entry, err := q.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	ok, err := q.store.ResolveQueueEntry(ctx, entryID, status, agentID, q.cfg.Now())
	if err != nil {
		return nil, fmt.Errorf("resolve queue entry: %w", err)
	}
	if !ok {
		q.logger.Info("queue entry already resolved",
			"entry_id", entryID,
			"wanted", status)
		return nil, errs.ErrQueueEntryNotFound
	}
	if err := q.Reindex(ctx, entry.TenantID); err != nil {
		q.logger.Error("reindex after removal failed",
			"tenant_id", entry.TenantID,
			"error", err)
	}
	return entry, nil
}

// SweepTimeouts переводит просроченные ожидающие записи в timeout, закрывает их диалоги
// и уведомляет посетителей. Ошибки только логируются: следующий тик повторит попытку.
func (q *Queue) SweepTimeouts(ctx context.Context) int {
	now := q.cfg.Now()
	expired, err := q.store.ListExpiredEntries(ctx, now)
	if err != nil {
		q.logger.Error("list expired queue entries", "error", err)
		return 0
	}
	touched := make(map[string]bool)
	n := 0
	for i := range expired {
		e := &expired[i]
		ok, err := q.store.ResolveQueueEntry(ctx, e.ID, model.QueueStatusTimeout, nil, now)
		if err != nil {
			q.logger.Error("timeout queue entry", "entry_id", e.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		n++
		touched[e.TenantID] = true
		switch err := q.store.CloseConversation(ctx, e.ConversationID, now); {
		case errors.Is(err, errs.ErrConversationAlreadyAssigned):
			// назначение закоммичено до таймаута записи; оно само увидит проигрыш и освободит слот
			q.logger.Info("timed out entry already has an agent",
				"entry_id", e.ID,
				"conversation_id", e.ConversationID)
		case err != nil:
			q.logger.Error("close timed out conversation",
				"conversation_id", e.ConversationID,
				"error", err)
		}
		q.notifier.Publish(ctx, notify.Conversation(e.ConversationID), notify.Event{
			Type:     notify.EventQueueTimeout,
			TenantID: e.TenantID,
			At:       now,
			Data: map[string]interface{}{
				"entry_id":        e.ID,
				"conversation_id": e.ConversationID,
				"visitor_id":      e.VisitorID,
				"waited_minutes":  int(now.Sub(e.EnteredAt).Minutes()),
			},
		})
	}
	for tenantID := range touched {
		if err := q.Reindex(ctx, tenantID); err != nil {
			q.logger.Error("reindex after timeout sweep", "tenant_id", tenantID, "error", err)
		}
	}
	if n > 0 {
		q.logger.Info("queue timeout sweep", "timed_out", n)
	}
	return n
}
