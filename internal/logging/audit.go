package logging

import (
	"database/sql"
	"fmt"
	"time"
)

// #region schema
const auditSchema = `
CREATE TABLE IF NOT EXISTS decision_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT NOT NULL,
    cycle_id     TEXT,
    session_id   TEXT,
    persona_id   TEXT,
    state_key    TEXT,
    action_id    TEXT,
    policy       TEXT,
    payload_json TEXT,
    reason       TEXT,
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_cycle ON decision_log(cycle_id);
CREATE INDEX IF NOT EXISTS idx_decision_log_kind ON decision_log(kind, created_at);
`

// #endregion schema

// AuditLog appends provenance rows for decisions, rewards, persona swaps and
// snapshot flushes.
type AuditLog struct {
	db *sql.DB
}

// NewAuditLog creates the decision_log table if needed.
func NewAuditLog(db *sql.DB) (*AuditLog, error) {
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// #region log
// Log writes one entry. A zero CreatedAt is filled with the current time.
func (a *AuditLog) Log(entry AuditEntry) error {
	if entry.Kind == "" {
		return fmt.Errorf("log audit: kind is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := a.db.Exec(
		`INSERT INTO decision_log (kind, cycle_id, session_id, persona_id, state_key, action_id, policy, payload_json, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.Kind),
		nullIfEmpty(entry.CycleID),
		nullIfEmpty(entry.SessionID),
		nullIfEmpty(entry.PersonaID),
		nullIfEmpty(entry.StateKey),
		nullIfEmpty(entry.ActionID),
		nullIfEmpty(entry.Policy),
		nullIfEmpty(entry.PayloadJSON),
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log audit: %w", err)
	}
	return nil
}

// #endregion log

// #region query
// Recent returns the newest entries, optionally restricted to kind.
func (a *AuditLog) Recent(kind Kind, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, kind, cycle_id, session_id, persona_id, state_key, action_id, policy, payload_json, reason, created_at
	      FROM decision_log`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return a.query(q, args...)
}

// ForCycle returns every entry of one cycle in insertion order.
func (a *AuditLog) ForCycle(cycleID string) ([]AuditEntry, error) {
	return a.query(
		`SELECT id, kind, cycle_id, session_id, persona_id, state_key, action_id, policy, payload_json, reason, created_at
		 FROM decision_log WHERE cycle_id = ? ORDER BY id ASC`,
		cycleID,
	)
}

func (a *AuditLog) query(q string, args ...any) ([]AuditEntry, error) {
	rows, err := a.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var kind, createdAt string
		var cycle, session, persona, key, action, policy, payload, reason sql.NullString
		if err := rows.Scan(&e.ID, &kind, &cycle, &session, &persona, &key, &action, &policy, &payload, &reason, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.CycleID = cycle.String
		e.SessionID = session.String
		e.PersonaID = persona.String
		e.StateKey = key.String
		e.ActionID = action.String
		e.Policy = policy.String
		e.PayloadJSON = payload.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion query

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
