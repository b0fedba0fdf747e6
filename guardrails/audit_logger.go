// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package guardrails

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"axonflow/controlplane/shared/logger"
)

const (
	auditQueueSize     = 10000
	auditBatchSize     = 100
	auditFlushInterval = 5 * time.Second
)

// AuditRecord is one row of the safety audit trail.
type AuditRecord struct {
	ID           string      `json:"id"`
	RequestID    string      `json:"request_id"`
	ClientID     string      `json:"client_id"`
	Direction    string      `json:"direction"` // input | output
	Provider     string      `json:"provider,omitempty"`
	Domain       string      `json:"domain,omitempty"`
	Decision     string      `json:"decision"` // allowed | blocked | redacted | error
	Violations   []Violation `json:"violations,omitempty"`
	Confidence   float64     `json:"confidence"`
	ProcessingMs int64       `json:"processing_ms"`
	Redacted     bool        `json:"redacted"`
	CreatedAt    time.Time   `json:"created_at"`
}

// AuditSearchFilter narrows a Search call. Zero fields are ignored.
type AuditSearchFilter struct {
	RequestID string
	ClientID  string
	Decision  string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// AuditLogger persists safety decisions to Postgres asynchronously: records
// flow through a buffered channel into a batch writer (size and ticker
// driven). Without a reachable database it runs in no-op mode; audit must
// never take the safety layer down with it.
type AuditLogger struct {
	db    *sql.DB
	queue chan *AuditRecord

	mu    sync.Mutex
	batch []*AuditRecord

	stop    chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	dropped atomic.Int64

	log *logger.Logger
}

// NewAuditLogger connects to Postgres and starts the batch writer. An empty
// databaseURL, a connect failure, or an unreachable server all yield a
// functional no-op logger.
func NewAuditLogger(databaseURL string) *AuditLogger {
	l := &AuditLogger{
		queue: make(chan *AuditRecord, auditQueueSize),
		stop:  make(chan struct{}),
		log:   logger.New("safety-audit"),
	}

	if databaseURL == "" {
		l.log.Warn("", "", "DATABASE_URL not set, audit logging disabled", nil)
		return l
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		l.log.Warn("", "", "Failed to open audit database, audit logging disabled", map[string]interface{}{
			"error": err.Error(),
		})
		return l
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		l.log.Warn("", "", "Audit database unreachable, audit logging disabled", map[string]interface{}{
			"error": err.Error(),
		})
		db.Close()
		return l
	}

	return newAuditLoggerWithDB(l, db)
}

// NewAuditLoggerWithDB wires an existing database handle (used by tests and
// by deployments that manage the pool themselves).
func NewAuditLoggerWithDB(db *sql.DB) *AuditLogger {
	l := &AuditLogger{
		queue: make(chan *AuditRecord, auditQueueSize),
		stop:  make(chan struct{}),
		log:   logger.New("safety-audit"),
	}
	return newAuditLoggerWithDB(l, db)
}

func newAuditLoggerWithDB(l *AuditLogger, db *sql.DB) *AuditLogger {
	l.db = db
	if err := createSafetyAuditTable(db); err != nil {
		l.log.Warn("", "", "Failed to create safety_audit table", map[string]interface{}{
			"error": err.Error(),
		})
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// IsEnabled reports whether records are actually persisted.
func (l *AuditLogger) IsEnabled() bool { return l.db != nil }

// Dropped returns the number of records lost to a full queue.
func (l *AuditLogger) Dropped() int64 { return l.dropped.Load() }

// Record enqueues one audit record. Never blocks: when the queue is full the
// record is dropped and counted.
func (l *AuditLogger) Record(_ context.Context, rec AuditRecord) {
	if l.db == nil || l.closed.Load() {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case l.queue <- &rec:
	default:
		l.dropped.Add(1)
	}
}

// Close stops the writer, draining queued records into a final flush.
func (l *AuditLogger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.stop)
	l.wg.Wait()
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

func (l *AuditLogger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-l.queue:
			l.add(rec)
		case <-ticker.C:
			l.flush()
		case <-l.stop:
			for {
				select {
				case rec := <-l.queue:
					l.add(rec)
				default:
					l.flush()
					return
				}
			}
		}
	}
}

func (l *AuditLogger) add(rec *AuditRecord) {
	l.mu.Lock()
	l.batch = append(l.batch, rec)
	full := len(l.batch) >= auditBatchSize
	l.mu.Unlock()
	if full {
		l.flush()
	}
}

func (l *AuditLogger) flush() {
	l.mu.Lock()
	if len(l.batch) == 0 {
		l.mu.Unlock()
		return
	}
	pending := l.batch
	l.batch = nil
	l.mu.Unlock()

	if err := l.writeBatch(pending); err != nil {
		l.log.Warn("", "", "Failed to write audit batch", map[string]interface{}{
			"records": len(pending),
			"error":   err.Error(),
		})
	}
}

func (l *AuditLogger) writeBatch(records []*AuditRecord) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO safety_audit (
			id, request_id, client_id, direction, provider, domain,
			decision, violations, confidence, processing_ms, redacted, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		violationsJSON, _ := json.Marshal(rec.Violations)
		if _, err := stmt.Exec(
			rec.ID,
			rec.RequestID,
			rec.ClientID,
			rec.Direction,
			rec.Provider,
			rec.Domain,
			rec.Decision,
			violationsJSON,
			rec.Confidence,
			rec.ProcessingMs,
			rec.Redacted,
			rec.CreatedAt,
		); err != nil {
			l.log.Warn("", rec.RequestID, "Failed to insert audit record", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	return tx.Commit()
}

// Search queries the audit trail with dynamic filters, newest first.
func (l *AuditLogger) Search(ctx context.Context, f AuditSearchFilter) ([]AuditRecord, error) {
	if l.db == nil {
		return nil, fmt.Errorf("audit logging is disabled")
	}

	query := `SELECT id, request_id, client_id, direction, provider, domain,
		decision, violations, confidence, processing_ms, redacted, created_at
		FROM safety_audit WHERE 1=1`
	var args []interface{}

	if f.RequestID != "" {
		args = append(args, f.RequestID)
		query += fmt.Sprintf(" AND request_id = $%d", len(args))
	}
	if f.ClientID != "" {
		args = append(args, f.ClientID)
		query += fmt.Sprintf(" AND client_id = $%d", len(args))
	}
	if f.Decision != "" {
		args = append(args, f.Decision)
		query += fmt.Sprintf(" AND decision = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit search failed: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var violationsJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.ClientID, &rec.Direction,
			&rec.Provider, &rec.Domain, &rec.Decision, &violationsJSON,
			&rec.Confidence, &rec.ProcessingMs, &rec.Redacted, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("audit scan failed: %w", err)
		}
		if len(violationsJSON) > 0 {
			_ = json.Unmarshal(violationsJSON, &rec.Violations)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func createSafetyAuditTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS safety_audit (
		id VARCHAR(255) PRIMARY KEY,
		request_id VARCHAR(255),
		client_id VARCHAR(255),
		direction VARCHAR(10) NOT NULL,
		provider VARCHAR(100),
		domain VARCHAR(100),
		decision VARCHAR(20) NOT NULL,
		violations JSONB,
		confidence DECIMAL(4, 3),
		processing_ms BIGINT,
		redacted BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_safety_audit_request_id ON safety_audit(request_id);
	CREATE INDEX IF NOT EXISTS idx_safety_audit_client_id ON safety_audit(client_id);
	CREATE INDEX IF NOT EXISTS idx_safety_audit_decision ON safety_audit(decision);
	CREATE INDEX IF NOT EXISTS idx_safety_audit_created_at ON safety_audit(created_at);
	`

	_, err := db.Exec(query)
	return err
}
