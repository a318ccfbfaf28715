// Package state persists the bot's durable state: the dashboard message,
// the active log thread, and the last lifecycle action audit fields.
package state

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Record is the single-row persistent state. Every write is flushed to the
// database before returning, so a process restart resumes where it left off.
type Record struct {
	ID                 uint   `gorm:"primaryKey"`
	DashboardMessageID string `gorm:"size:128"`
	LogsEnabled        bool
	CurrentThreadID    string `gorm:"size:128"`
	CurrentDate        string `gorm:"size:10"` // YYYY-MM-DD in the configured timezone
	LastActionTime     *time.Time
	LastActionUser     string `gorm:"size:128"`
	LastActionType     string `gorm:"size:16"` // start, stop, restart
	UpdatedAt          time.Time
}

// Store reads and writes the Record. A mutex serializes writers so
// read-modify-write updates never interleave.
type Store struct {
	db  *gorm.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore migrates the state table and ensures the single row exists.
func NewStore(gdb *gorm.DB) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("state: db is required")
	}
	if err := gdb.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("state: migrate: %w", err)
	}
	var rec Record
	if err := gdb.Where(Record{ID: 1}).FirstOrCreate(&rec).Error; err != nil {
		return nil, fmt.Errorf("state: init row: %w", err)
	}
	return &Store{db: gdb, now: time.Now}, nil
}

// Snapshot returns the current persisted state.
func (s *Store) Snapshot() (Record, error) {
	var rec Record
	if err := s.db.First(&rec, 1).Error; err != nil {
		return Record{}, fmt.Errorf("state: read: %w", err)
	}
	return rec, nil
}

// WriteDashboard stores the dashboard message ID.
func (s *Store) WriteDashboard(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(rec *Record) {
		rec.DashboardMessageID = messageID
	})
}

// WriteLogs stores the log sync state. Empty threadID or date leave the
// stored values unchanged, so disabling sync keeps the last thread on
// record for a later resume.
func (s *Store) WriteLogs(enabled bool, threadID, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(rec *Record) {
		rec.LogsEnabled = enabled
		if threadID != "" {
			rec.CurrentThreadID = threadID
		}
		if date != "" {
			rec.CurrentDate = date
		}
	})
}

// ClearLogs disables log sync and forgets the active thread.
func (s *Store) ClearLogs() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(func(rec *Record) {
		rec.LogsEnabled = false
		rec.CurrentThreadID = ""
		rec.CurrentDate = ""
	})
}

// WriteLastAction records the audit fields for a completed lifecycle action.
func (s *Store) WriteLastAction(kind, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	return s.update(func(rec *Record) {
		rec.LastActionTime = &now
		rec.LastActionType = kind
		rec.LastActionUser = user
	})
}

// update applies fn to the row and saves it synchronously. Callers hold mu.
func (s *Store) update(fn func(*Record)) error {
	var rec Record
	if err := s.db.First(&rec, 1).Error; err != nil {
		return fmt.Errorf("state: read for update: %w", err)
	}
	fn(&rec)
	if err := s.db.Save(&rec).Error; err != nil {
		return fmt.Errorf("state: write: %w", err)
	}
	return nil
}
