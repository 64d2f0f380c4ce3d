// Package sshaudit records the lifecycle of bridged shell sessions
// (connect, restore, eviction, close) in the database and the process log.
package sshaudit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/gluk-w/shellbridge/internal/database"
	"github.com/gluk-w/shellbridge/internal/logutil"
)

// Event types for session audit logging.
const (
	EventSessionCreated  = "session_created"
	EventConnectFailed   = "connect_failed"
	EventSessionRestored = "session_restored"
	EventRestoreFailed   = "restore_failed"
	EventSessionEvicted  = "session_evicted"
	EventSessionClosed   = "session_closed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 30

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	SessionID string
	EventType string
	Principal string
	Host      string
	Port      int
	Username  string
	SourceIP  string
	Details   string
}

// Auditor provides methods for recording and querying session audit logs.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	cron          *cron.Cron
}

// NewAuditor creates a new Auditor that writes to the given database.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&database.SessionAuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Log records an audit event to the database and standard logger.
// A nil Auditor is a no-op so callers need not guard optional auditing.
func (a *Auditor) Log(e Entry) error {
	if a == nil {
		return nil
	}
	record := database.SessionAuditLog{
		SessionID: e.SessionID,
		EventType: e.EventType,
		Principal: e.Principal,
		Host:      e.Host,
		Port:      e.Port,
		Username:  e.Username,
		SourceIP:  e.SourceIP,
		Details:   e.Details,
		CreatedAt: a.nowFn(),
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s session=%s principal=%s target=%s@%s:%d details=%s",
		e.EventType,
		logutil.ShortID(e.SessionID),
		logutil.SanitizeForLog(e.Principal),
		logutil.SanitizeForLog(e.Username),
		logutil.SanitizeForLog(e.Host),
		e.Port,
		logutil.SanitizeForLog(e.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	EventType string
	Principal string
	Since     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.SessionAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query retrieves audit log entries matching the given options, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.SessionAuditLog{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Principal != "" {
		tx = tx.Where("principal = ?", opts.Principal)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.SessionAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes audit log entries older than days (the configured
// retention when days <= 0). Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// StartRetention schedules PurgeOlderThan on a cron spec such as
// "@every 6h" or "0 3 * * *".
func (a *Auditor) StartRetention(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		a.PurgeOlderThan(0)
	}); err != nil {
		return fmt.Errorf("schedule audit retention %q: %w", spec, err)
	}
	c.Start()

	a.mu.Lock()
	a.cron = c
	a.mu.Unlock()
	return nil
}

// Stop halts the retention schedule, waiting for a running purge to finish.
func (a *Auditor) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
