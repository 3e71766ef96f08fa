// Package sessionaudit keeps a queryable trail of session lifecycle events
// with a retention purge.
package sessionaudit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/logutil"
	"github.com/gluk-w/sshdeck/internal/sessions"
	"gorm.io/gorm"
)

// Event types for session audit logging.
const (
	EventSessionCreated   = "session_created"
	EventSessionBound     = "session_bound"
	EventSessionClosed    = "session_closed"
	EventConnectionStatus = "connection_status"
	EventIdleAdvisory     = "idle_advisory"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// queueSize bounds events waiting to be written.
const queueSize = 256

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	SessionID string
	TargetID  string
	EventType string
	Details   string
}

// Auditor records and queries session audit logs. Records go to the
// database and are echoed to the standard logger.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time

	queue chan Entry
	wg    sync.WaitGroup
}

// NewAuditor creates an Auditor writing to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		queue:         make(chan Entry, queueSize),
	}
}

// Log records an audit event synchronously.
func (a *Auditor) Log(entry Entry) error {
	record := database.SessionAuditLog{
		SessionID: entry.SessionID,
		TargetID:  entry.TargetID,
		EventType: entry.EventType,
		Details:   entry.Details,
		CreatedAt: a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s session=%s target=%s details=%s",
		entry.EventType,
		entry.SessionID,
		logutil.SanitizeForLog(entry.TargetID),
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// EntryFor maps an orchestrator event to an audit entry. ok is false for
// events that are not audited, such as reorders.
func EntryFor(ev sessions.Event) (Entry, bool) {
	e := Entry{SessionID: ev.SessionID, TargetID: ev.TargetID, Details: ev.Detail}
	switch ev.Kind {
	case sessions.EventListChanged:
		switch ev.Action {
		case sessions.ActionCreated:
			e.EventType = EventSessionCreated
		case sessions.ActionDuplicated:
			e.EventType = EventSessionCreated
			e.Details = "duplicate of " + ev.Detail
		case sessions.ActionBound:
			e.EventType = EventSessionBound
		case sessions.ActionClosed:
			e.EventType = EventSessionClosed
		default:
			return Entry{}, false
		}
	case sessions.EventStatusChanged:
		e.EventType = EventConnectionStatus
		e.Details = ev.Status
		if ev.Detail != "" {
			e.Details += ": " + ev.Detail
		}
	case sessions.EventAdvisory:
		e.EventType = EventIdleAdvisory
	default:
		return Entry{}, false
	}
	return e, true
}

// Handle queues ev for writing without blocking the caller. Events are
// dropped with a log line when the queue is full.
func (a *Auditor) Handle(ev sessions.Event) {
	entry, ok := EntryFor(ev)
	if !ok {
		return
	}
	select {
	case a.queue <- entry:
	default:
		log.Printf("[audit] queue full, dropping %s for session %s", entry.EventType, entry.SessionID)
	}
}

// Start writes queued entries until ctx is done, then drains the queue.
func (a *Auditor) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case entry := <-a.queue:
				a.Log(entry)
			case <-ctx.Done():
				for {
					select {
					case entry := <-a.queue:
						a.Log(entry)
					default:
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until the writer started by Start has drained and exited.
func (a *Auditor) Wait() {
	a.wg.Wait()
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	TargetID  string
	EventType string
	Since     *time.Time
	Until     *time.Time
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

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.SessionAuditLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.TargetID != "" {
		tx = tx.Where("target_id = ?", opts.TargetID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
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
	if opts.Offset < 0 {
		opts.Offset = 0
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

// PurgeOlderThan removes entries older than days, or the configured
// retention period when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
