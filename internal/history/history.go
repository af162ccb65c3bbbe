// Package history records pairing lifecycle events in a database for
// operational inspection via the admin command and the HTTP surface.
package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Event names recorded in the log.
const (
	EventGenerated = "generated"
	EventCompleted = "completed"
	EventExpired   = "expired"
)

// PairingEvent is one recorded pairing lifecycle event.
type PairingEvent struct {
	ID          string `gorm:"primaryKey;size:36"`
	Code        string `gorm:"size:16;index"`
	PhoneNumber string `gorm:"size:32"`
	UserID      string `gorm:"size:64"`
	Identity    string `gorm:"size:128"`
	DisplayName string `gorm:"size:128"`
	Event       string `gorm:"size:16;index"`
	CreatedAt   time.Time
}

// Log is the pairing event log.
type Log struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
func Open(driver, dsn string) (*Log, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("history: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("history: db is required")
	}
	if err := db.AutoMigrate(&PairingEvent{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Log{db: db}, nil
}

// Record stores one event. The ID and timestamp are filled in here.
func (l *Log) Record(ev PairingEvent) error {
	ev.ID = uuid.NewString()
	ev.CreatedAt = time.Now()
	if err := l.db.Create(&ev).Error; err != nil {
		return fmt.Errorf("history: record %s for %s: %w", ev.Event, ev.Code, err)
	}
	return nil
}

// Recent returns the most recent events, newest first.
func (l *Log) Recent(limit int) ([]PairingEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	var events []PairingEvent
	if err := l.db.Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("history: list recent: %w", err)
	}
	return events, nil
}
