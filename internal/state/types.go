package state

import "time"

// #region entry
// Entry is one persisted Q-table row, unique per (StateKey, ActionID) within
// a snapshot.
type Entry struct {
	StateKey           string
	ActionID           string
	Value              float64
	UpdateCount        int
	DiscretizerVersion string
}

// #endregion entry

// #region snapshot-record
// SnapshotRecord is one versioned flush of the Q-table.
type SnapshotRecord struct {
	VersionID          string
	ParentID           string
	DiscretizerVersion string
	Entries            []Entry
	EntryCount         int
	CreatedAt          time.Time
	MetricsJSON        string
}

// #endregion snapshot-record
