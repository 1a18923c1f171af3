package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"supportdesk/internal/models"

	"gorm.io/gorm"
)

// GormStore 基于 gorm 的 SessionStore 实现（生产 Postgres，测试 SQLite）
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建 gorm 存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 自动迁移本服务的表结构
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(models.AllModels()...)
}

// DB 暴露底层连接（健康检查用）
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) CreateSession(ctx context.Context, sess *models.Session) error {
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *GormStore) ListSessions(ctx context.Context, f SessionFilter) ([]models.Session, error) {
	q := s.db.WithContext(ctx).Model(&models.Session{})
	if f.CustomerID != "" {
		q = q.Where("customer_id = ?", f.CustomerID)
	}
	if f.OperatorID != "" {
		q = q.Where("(operator_id = ? OR (operator_id IS NULL AND last_operator_id = ?))", f.OperatorID, f.OperatorID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	if len(f.ConnectionStates) > 0 {
		q = q.Where("connection_state IN ?", connStateStrings(f.ConnectionStates))
	}
	if f.OldestFirst {
		q = q.Order("created_at ASC")
	} else {
		q = q.Order("last_active_at DESC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []models.Session
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *GormStore) UpdateSession(ctx context.Context, id string, updates map[string]interface{}) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update session: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) UpdateSessionIf(ctx context.Context, id string, cond SessionCondition, updates map[string]interface{}) (bool, error) {
	res := applyCondition(s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id), cond).Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("conditional update session: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ApplyTransfer(ctx context.Context, id string, cond SessionCondition, updates map[string]interface{}, rec *models.TransferRecord) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := applyCondition(tx.Model(&models.Session{}).Where("id = ?", id), cond).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update session: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return nil
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("create transfer record: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *GormStore) AcceptTransfer(ctx context.Context, sessionID, toOperatorID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.TransferRecord{}).
		Where("session_id = ? AND to_operator_id = ? AND accepted_at IS NULL", sessionID, toOperatorID).
		Update("accepted_at", at).Error
	if err != nil {
		return fmt.Errorf("accept transfer: %w", err)
	}
	return nil
}

func (s *GormStore) ListTransferRecords(ctx context.Context, sessionID string) ([]models.TransferRecord, error) {
	var out []models.TransferRecord
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("transferred_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list transfer records: %w", err)
	}
	return out, nil
}

func (s *GormStore) AppendMessage(ctx context.Context, m *models.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Session{}).Where("id = ?", m.SessionID).Count(&count).Error; err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}

		var last models.Message
		err := tx.Where("session_id = ?", m.SessionID).Order("seq DESC").Limit(1).Take(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			m.Seq = 1
		case err != nil:
			return fmt.Errorf("load last message: %w", err)
		default:
			m.Seq = last.Seq + 1
			if m.SentAt.Before(last.SentAt) {
				m.SentAt = last.SentAt
			}
		}

		if err := tx.Create(m).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

func (s *GormStore) ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]models.Message, error) {
	var out []models.Message
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("seq DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *GormStore) LastMessage(ctx context.Context, sessionID string) (*models.Message, error) {
	var m models.Message
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq DESC").Limit(1).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("last message: %w", err)
	}
	return &m, nil
}

func (s *GormStore) UpdateMessageStatusIf(ctx context.Context, id string, from []models.DeliveryStatus, to models.DeliveryStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND delivery_status IN ?", id, deliveryStrings(from)).
		Update("delivery_status", to)
	if res.Error != nil {
		return false, fmt.Errorf("update message status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) MarkMessagesRead(ctx context.Context, sessionID, viewerID string) ([]string, error) {
	unread := deliveryStrings(models.PredecessorsOf(models.DeliveryRead))
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Message{}).
			Where("session_id = ? AND sender_id <> ? AND delivery_status IN ?", sessionID, viewerID, unread).
			Order("seq ASC").
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("select unread: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&models.Message{}).
			Where("id IN ? AND delivery_status IN ?", ids, unread).
			Update("delivery_status", models.DeliveryRead).Error
	})
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	return ids, nil
}

// CountUnread 只统计还能被标记为已读的消息；failed 不计入
func (s *GormStore) CountUnread(ctx context.Context, sessionID, viewerID string) (int64, error) {
	unread := deliveryStrings(models.PredecessorsOf(models.DeliveryRead))
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("session_id = ? AND sender_id <> ? AND delivery_status IN ?", sessionID, viewerID, unread).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func (s *GormStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *GormStore) CreateUser(ctx context.Context, u *models.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func applyCondition(q *gorm.DB, cond SessionCondition) *gorm.DB {
	if len(cond.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(cond.Statuses))
	}
	if cond.OperatorID != nil {
		q = q.Where("operator_id = ?", *cond.OperatorID)
	}
	if len(cond.ConnectionStates) > 0 {
		q = q.Where("connection_state IN ?", connStateStrings(cond.ConnectionStates))
	}
	if cond.LastActiveBefore != nil {
		q = q.Where("last_active_at < ?", *cond.LastActiveBefore)
	}
	return q
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func statusStrings(in []models.SessionStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func connStateStrings(in []models.ConnectionState) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func deliveryStrings(in []models.DeliveryStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
