// Package auditlog persists a copy of operator-facing log events so they
// remain queryable after UI sessions disconnect, batching rows in memory
// before each MySQL flush.
package auditlog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Entry is one audit log row.
type Entry struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RelayID   string    `json:"relay_id,omitempty"`
	CubeID    string    `json:"cube_id,omitempty"`
	Context   string    `json:"context_json,omitempty" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName pins the GORM table name rather than pluralizing the package-
// qualified struct name.
func (Entry) TableName() string { return "audit_log_entries" }

const (
	defaultFlushSize     = 50
	defaultFlushInterval = 5 * time.Second
)

// Store buffers entries in memory and flushes them to MySQL in batches,
// either when the buffer fills or on a fixed interval.
type Store struct {
	db *gorm.DB

	mu       sync.Mutex
	buffer   []Entry
	flush    int
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Open connects to MySQL using the MYSQL_HOST/MYSQL_PORT/MYSQL_USER/
// MYSQL_PASSWORD/MYSQL_DATABASE environment variables, migrates the audit
// log table, and starts the background flush loop. If the environment
// variables are not set, Open returns a Store with no backing database:
// appended entries are buffered and then discarded on Flush, so the control
// server can run without MySQL configured.
func Open() (*Store, error) {
	host := os.Getenv("MYSQL_HOST")
	user := os.Getenv("MYSQL_USER")
	password := os.Getenv("MYSQL_PASSWORD")
	dbname := os.Getenv("MYSQL_DATABASE")

	if host == "" || user == "" || dbname == "" {
		log.Println("auditlog: MySQL environment not configured, audit entries will not be persisted")
		return &Store{flush: defaultFlushSize, stopCh: make(chan struct{})}, nil
	}

	port, err := strconv.Atoi(os.Getenv("MYSQL_PORT"))
	if err != nil || port == 0 {
		port = 3306
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		user, password, host, port, dbname)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("auditlog: connect failed: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("auditlog: migration failed: %w", err)
	}

	s := &Store{db: db, flush: defaultFlushSize, stopCh: make(chan struct{})}
	go s.autoFlush(defaultFlushInterval)
	log.Println("auditlog: connected and migrated")
	return s, nil
}

func (s *Store) autoFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.stopCh:
			s.Flush()
			return
		}
	}
}

// Append queues one entry for the next flush. context, if non-nil, is
// marshaled to JSON for the context_json column.
func (s *Store) Append(level, message, relayID, cubeID string, context any) {
	entry := Entry{
		Level:     level,
		Message:   message,
		RelayID:   relayID,
		CubeID:    cubeID,
		CreatedAt: time.Now(),
	}
	if context != nil {
		if data, err := json.Marshal(context); err == nil {
			entry.Context = string(data)
		}
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, entry)
	size := len(s.buffer)
	s.mu.Unlock()

	if size >= s.flush {
		go s.Flush()
	}
}

// Flush writes every buffered entry to MySQL. A no-op if Store was opened
// without a database.
func (s *Store) Flush() {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]Entry, len(s.buffer))
	copy(batch, s.buffer)
	s.buffer = s.buffer[:0]
	s.mu.Unlock()

	if s.db == nil {
		return
	}
	if err := s.db.CreateInBatches(batch, 100).Error; err != nil {
		log.Printf("auditlog: flush failed: %v", err)
	}
}

// Close stops the background flush loop after writing any remaining
// buffered entries. Safe to call more than once.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Recent returns up to limit entries, optionally filtered by cube id,
// newest first.
func (s *Store) Recent(cubeID string, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := s.db.Order("created_at DESC").Limit(limit)
	if cubeID != "" {
		query = query.Where("cube_id = ?", cubeID)
	}
	var entries []Entry
	err := query.Find(&entries).Error
	return entries, err
}

// Range returns up to limit entries created within [start, end], newest
// first.
func (s *Store) Range(start, end time.Time, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := s.db.Where("created_at BETWEEN ? AND ?", start, end).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}
