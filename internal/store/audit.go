package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xirs/xirs/internal/model"
	"github.com/xirs/xirs/internal/protocol"
)

// AuditLog is the append-only trail of security and workflow events.
type AuditLog interface {
	Append(ctx context.Context, ev model.AuditEvent) error
	Recent(ctx context.Context, limit int) ([]model.AuditEvent, error)
}

// SQLAudit stores audit events in the station database.
type SQLAudit struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLAudit creates an audit log over db. The audit table must exist.
func NewSQLAudit(db *sql.DB) *SQLAudit {
	return &SQLAudit{db: db}
}

// Append writes ev, assigning an id and timestamp when missing.
func (a *SQLAudit) Append(ctx context.Context, ev model.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	fillEvent(&ev)
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit (event_id, event_type, packet_type, message_id, code, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.EventType, string(ev.PacketType), ev.MessageID, string(ev.Code), ev.Detail,
		ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (a *SQLAudit) Recent(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT event_id, event_type, packet_type, message_id, code, detail, created_at
		FROM audit ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var packetType, code, createdAt string
		if err := rows.Scan(&ev.ID, &ev.EventType, &packetType, &ev.MessageID, &code, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.PacketType = protocol.PacketType(packetType)
		ev.Code = protocol.Code(code)
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MemAudit keeps audit events in memory.
type MemAudit struct {
	mu     sync.Mutex
	events []model.AuditEvent
}

// NewMemAudit creates an empty in-memory audit log.
func NewMemAudit() *MemAudit {
	return &MemAudit{}
}

func (a *MemAudit) Append(_ context.Context, ev model.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	fillEvent(&ev)
	a.events = append(a.events, ev)
	return nil
}

func (a *MemAudit) Recent(_ context.Context, limit int) ([]model.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []model.AuditEvent
	for i := len(a.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.events[i])
	}
	return out, nil
}

func fillEvent(ev *model.AuditEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
}
