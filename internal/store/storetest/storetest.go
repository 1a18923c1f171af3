// Package storetest 为测试提供基于内存 SQLite 的 GormStore。
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"supportdesk/internal/models"
	"supportdesk/internal/store"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// New 为当前测试创建独立的内存数据库并完成迁移
func New(t testing.TB) *store.GormStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := "file:" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// 单连接：SQLite 写锁由连接池排队，避免 "database is locked"
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	st := store.NewGormStore(db)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return st
}

// SeedUser 写入一个测试用户
func SeedUser(t testing.TB, st store.SessionStore, id string, role models.Role) *models.User {
	t.Helper()
	now := time.Now()
	u := &models.User{
		ID:          id,
		Username:    id,
		DisplayName: strings.ToUpper(id[:1]) + id[1:],
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}
