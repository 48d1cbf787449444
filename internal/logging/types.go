package logging

import "time"

// #region audit-entry
// Kind classifies an audit row.
type Kind string

const (
	KindDecision    Kind = "decision"
	KindReward      Kind = "reward"
	KindPersonaSwap Kind = "persona_swap"
	KindSnapshot    Kind = "snapshot"
)

// AuditEntry is a single row in the decision_log table.
type AuditEntry struct {
	ID          int64
	Kind        Kind
	CycleID     string
	SessionID   string
	PersonaID   string
	StateKey    string
	ActionID    string
	Policy      string // chosen policy for decisions, snapshot version id for snapshots
	PayloadJSON string
	Reason      string
	CreatedAt   time.Time
}

// #endregion audit-entry
