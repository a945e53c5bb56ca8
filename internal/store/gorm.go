package store

import (
	"context"
	"errors"
	"time"

	"github.com/psds-microservice/routing-service/internal/errs"
	"github.com/psds-microservice/routing-service/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore — Store поверх gorm (postgres). Гонки разрешаются условными UPDATE ... WHERE
// внутри транзакций; число затронутых строк показывает, выиграна ли гонка.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func notFound(err, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

func (s *GormStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	if a.State == "" {
		a.State = model.AgentStateOffline
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, errs.ErrAgentNotFound)
	}
	return &a, nil
}

func (s *GormStore) ListAgents(ctx context.Context, tenantID string) ([]model.Agent, error) {
	var items []model.Agent
	tx := s.db.WithContext(ctx).Model(&model.Agent{})
	if tenantID != "" {
		tx = tx.Where("tenant_id = ?", tenantID)
	}
	if err := tx.Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *GormStore) SetAgentState(ctx context.Context, id string, state model.AgentState, until *time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Agent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"state": state, "state_until": until})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrAgentNotFound
	}
	return nil
}

func (s *GormStore) CompareAndSetAgentState(ctx context.Context, c StateChange) (bool, error) {
	q := s.db.WithContext(ctx).Model(&model.Agent{}).Where("id = ? AND state = ?", c.AgentID, c.ExpectedState)
	if c.ExpectedUntil == nil {
		q = q.Where("state_until IS NULL")
	} else {
		q = q.Where("state_until = ?", *c.ExpectedUntil)
	}
	res := q.Updates(map[string]interface{}{"state": c.State, "state_until": c.Until})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a model.Agent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "id = ?", id).Error; err != nil {
			return notFound(err, errs.ErrAgentNotFound)
		}
		changes := map[string]interface{}{"is_online": online}
		switch {
		case !online:
			changes["state"] = model.AgentStateOffline
			changes["state_until"] = nil
		case a.State == model.AgentStateOffline:
			changes["state"] = model.AgentStateAvailable
		}
		return tx.Model(&a).Updates(changes).Error
	})
}

func (s *GormStore) ListExpiredAgentStates(ctx context.Context, now time.Time) ([]model.Agent, error) {
	var items []model.Agent
	err := s.db.WithContext(ctx).
		Where("state IN ? AND state_until IS NOT NULL AND state_until < ?",
			[]model.AgentState{model.AgentStateBreak, model.AgentStateAway}, now).
		Order("id ASC").Find(&items).Error
	return items, err
}

func (s *GormStore) CreateConversation(ctx context.Context, c *model.Conversation) error {
	if c.Status == "" {
		c.Status = model.ConversationOpen
	}
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, errs.ErrConversationNotFound)
	}
	return &c, nil
}

func (s *GormStore) CloseConversation(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Conversation{}).
		Where("id = ? AND status = ? AND assigned_agent_id IS NULL", id, model.ConversationOpen).
		Updates(map[string]interface{}{"status": model.ConversationClosed, "closed_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		c, err := s.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == model.ConversationOpen && c.AssignedAgentID != nil {
			return errs.ErrConversationAlreadyAssigned
		}
	}
	return nil
}

func (s *GormStore) ListClosedChats(ctx context.Context, tenantID string, since time.Time, limit int) ([]ChatSpan, error) {
	var items []ChatSpan
	tx := s.db.WithContext(ctx).
		Table("conversations AS c").
		Select("c.id AS conversation_id, MIN(ar.assigned_at) AS assigned_at, c.closed_at AS closed_at").
		Joins("JOIN assignment_records AS ar ON ar.conversation_id = c.id").
		Where("c.tenant_id = ? AND c.status = ? AND c.closed_at >= ?", tenantID, model.ConversationClosed, since).
		Group("c.id, c.closed_at").
		Order("c.closed_at DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *GormStore) GetRoutingConfig(ctx context.Context, tenantID string) (*model.RoutingConfig, error) {
	var cfg model.RoutingConfig
	if err := s.db.WithContext(ctx).First(&cfg, "tenant_id = ?", tenantID).Error; err != nil {
		return nil, notFound(err, errs.ErrRoutingConfigMissing)
	}
	return &cfg, nil
}

func (s *GormStore) SaveRoutingConfig(ctx context.Context, cfg *model.RoutingConfig) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"strategy", "auto_assign", "max_wait_minutes", "default_language", "settings", "updated_at"}),
	}).Create(cfg).Error
}

func (s *GormStore) LastAssignment(ctx context.Context, tenantID string) (*model.AssignmentRecord, error) {
	var rec model.AssignmentRecord
	tx := s.db.WithContext(ctx).Model(&model.AssignmentRecord{})
	if tenantID != "" {
		tx = tx.Where("tenant_id = ?", tenantID)
	}
	if err := tx.Order("assigned_at DESC").Take(&rec).Error; err != nil {
		return nil, notFound(err, errs.ErrAssignmentNotFound)
	}
	return &rec, nil
}

func (s *GormStore) ListAssignments(ctx context.Context, conversationID string) ([]model.AssignmentRecord, error) {
	var items []model.AssignmentRecord
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("assigned_at ASC").Find(&items).Error
	return items, err
}

// conversationConflict explains why a conditional conversation update touched no rows.
func conversationConflict(tx *gorm.DB, id string, assigned error) error {
	var c model.Conversation
	if err := tx.First(&c, "id = ?", id).Error; err != nil {
		return notFound(err, errs.ErrConversationNotFound)
	}
	if c.Status == model.ConversationClosed {
		return errs.ErrConversationClosed
	}
	return assigned
}

func (s *GormStore) CommitAssignment(ctx context.Context, rec *model.AssignmentRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Conversation{}).
			Where("id = ? AND status = ? AND assigned_agent_id IS NULL", rec.ConversationID, model.ConversationOpen).
			Updates(map[string]interface{}{"assigned_agent_id": rec.AgentID, "updated_at": rec.AssignedAt})
		if errors.Is(res.Error, gorm.ErrForeignKeyViolated) {
			return errs.ErrAgentNotFound
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conversationConflict(tx, rec.ConversationID, errs.ErrConversationAlreadyAssigned)
		}
		res = tx.Model(&model.Agent{}).
			Where("id = ? AND current_chats < max_concurrent_chats", rec.AgentID).
			UpdateColumn("current_chats", gorm.Expr("current_chats + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&model.Agent{}).Where("id = ?", rec.AgentID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return errs.ErrAgentNotFound
			}
			return errs.ErrCapacityExceeded
		}
		return tx.Create(rec).Error
	})
}

func (s *GormStore) TransferAssignment(ctx context.Context, rec *model.AssignmentRecord) error {
	if rec.FromAgentID == nil {
		return errs.ErrConversationNotAssigned
	}
	from := *rec.FromAgentID
	if from == rec.AgentID {
		return errs.ErrInvalidTargetAgent
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Conversation{}).
			Where("id = ? AND status = ? AND assigned_agent_id = ?", rec.ConversationID, model.ConversationOpen, from).
			Updates(map[string]interface{}{"assigned_agent_id": rec.AgentID, "updated_at": rec.AssignedAt})
		if errors.Is(res.Error, gorm.ErrForeignKeyViolated) {
			return errs.ErrInvalidTargetAgent
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conversationConflict(tx, rec.ConversationID, errs.ErrConversationNotAssigned)
		}
		res = tx.Model(&model.Agent{}).
			Where("id = ? AND is_online AND state = ? AND current_chats < max_concurrent_chats", rec.AgentID, model.AgentStateAvailable).
			UpdateColumn("current_chats", gorm.Expr("current_chats + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.ErrInvalidTargetAgent
		}
		if err := decrementLoad(tx, from); err != nil {
			return err
		}
		if err := stampUnassigned(tx, rec.ConversationID, from, rec.AssignedAt); err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
}

func (s *GormStore) ReleaseAssignment(ctx context.Context, r Release) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changes := map[string]interface{}{"assigned_agent_id": nil, "updated_at": r.At}
		if r.CloseConversation {
			changes["status"] = model.ConversationClosed
			changes["closed_at"] = gorm.Expr("COALESCE(closed_at, ?)", r.At)
		}
		res := tx.Model(&model.Conversation{}).
			Where("id = ? AND assigned_agent_id = ?", r.ConversationID, r.AgentID).
			Updates(changes)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&model.Conversation{}).Where("id = ?", r.ConversationID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return errs.ErrConversationNotFound
			}
			return errs.ErrConversationNotAssigned
		}
		if err := decrementLoad(tx, r.AgentID); err != nil {
			return err
		}
		return stampUnassigned(tx, r.ConversationID, r.AgentID, r.At)
	})
}

func decrementLoad(tx *gorm.DB, agentID string) error {
	return tx.Model(&model.Agent{}).
		Where("id = ? AND current_chats > 0", agentID).
		UpdateColumn("current_chats", gorm.Expr("current_chats - 1")).Error
}

func stampUnassigned(tx *gorm.DB, conversationID, agentID string, at time.Time) error {
	return tx.Model(&model.AssignmentRecord{}).
		Where("conversation_id = ? AND agent_id = ? AND unassigned_at IS NULL", conversationID, agentID).
		Update("unassigned_at", at).Error
}

func (s *GormStore) CreateQueueEntry(ctx context.Context, e *model.QueueEntry) error {
	err := s.db.WithContext(ctx).Create(e).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.ErrAlreadyQueued
	}
	return err
}

func (s *GormStore) GetQueueEntry(ctx context.Context, id string) (*model.QueueEntry, error) {
	var e model.QueueEntry
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, errs.ErrQueueEntryNotFound)
	}
	return &e, nil
}

func (s *GormStore) FindWaitingEntry(ctx context.Context, conversationID string) (*model.QueueEntry, error) {
	var e model.QueueEntry
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, model.QueueStatusWaiting).
		Take(&e).Error
	if err != nil {
		return nil, notFound(err, errs.ErrQueueEntryNotFound)
	}
	return &e, nil
}

func (s *GormStore) ListWaitingEntries(ctx context.Context, tenantID string) ([]model.QueueEntry, error) {
	var items []model.QueueEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, model.QueueStatusWaiting).
		Order("priority DESC, entered_at ASC, id ASC").Find(&items).Error
	return items, err
}

func (s *GormStore) ListExpiredEntries(ctx context.Context, now time.Time) ([]model.QueueEntry, error) {
	var items []model.QueueEntry
	err := s.db.WithContext(ctx).
		Where("status = ? AND timeout_at < ?", model.QueueStatusWaiting, now).
		Order("timeout_at ASC").Find(&items).Error
	return items, err
}

func (s *GormStore) ListQueueEntriesSince(ctx context.Context, tenantID string, since time.Time) ([]model.QueueEntry, error) {
	var items []model.QueueEntry
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND entered_at >= ?", tenantID, since).
		Order("entered_at ASC").Find(&items).Error
	return items, err
}

func (s *GormStore) ResolveQueueEntry(ctx context.Context, id string, status model.QueueStatus, agentID *string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("id = ? AND status = ?", id, model.QueueStatusWaiting).
		Updates(map[string]interface{}{
			"status":            status,
			"assigned_agent_id": agentID,
			"resolved_at":       at,
			"queue_position":    0,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetQueueEntry(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *GormStore) UpdateQueuePositions(ctx context.Context, updates []PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			err := tx.Model(&model.QueueEntry{}).
				Where("id = ? AND status = ?", u.EntryID, model.QueueStatusWaiting).
				Updates(map[string]interface{}{
					"queue_position":         u.QueuePosition,
					"estimated_wait_minutes": u.EstimatedWaitMinutes,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
