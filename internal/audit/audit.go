// Package audit is a secondary, non-authoritative command/event history
// store the HTTP bridge appends to. It is never consulted for sandbox
// lifecycle decisions — the JSON registry (internal/registry) remains the
// sole authority there. This package exists purely so operators can
// answer "what ran against sandbox X and when" after the fact, using a
// GORM+SQLite store scoped to history instead of live state.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Event is one recorded command/lifecycle event against a sandbox.
type Event struct {
	ID         uint   `gorm:"primaryKey"`
	SandboxID  string `gorm:"index"`
	Kind       string `gorm:"index"` // "create", "start", "stop", "exec", "run", "pull", ...
	Detail     string
	Success    bool
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// Store is the audit log, backed by a local SQLite file.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the audit database at dbPath and ensures its
// schema is migrated.
func Open(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("audit: auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends an event. Failures to record are the caller's concern to
// log; this store never blocks or fails a request on its own account.
func (s *Store) Record(ctx context.Context, ev Event) error {
	return s.db.WithContext(ctx).Create(&ev).Error
}

// ForSandbox returns the most recent events for a sandbox, newest first.
func (s *Store) ForSandbox(ctx context.Context, sandboxID string, limit int) ([]Event, error) {
	var events []Event
	q := s.db.WithContext(ctx).Where("sandbox_id = ?", sandboxID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
