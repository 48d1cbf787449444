package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNoSnapshot is returned when no snapshot has been committed yet.
var ErrNoSnapshot = errors.New("no active snapshot")

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS snapshot_versions (
	version_id          TEXT PRIMARY KEY,
	parent_id           TEXT,
	discretizer_version TEXT NOT NULL,
	entry_count         INTEGER NOT NULL,
	created_at          TEXT NOT NULL,
	metrics_json        TEXT,
	FOREIGN KEY (parent_id) REFERENCES snapshot_versions(version_id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS qtable_entries (
	version_id          TEXT NOT NULL,
	state_key           TEXT NOT NULL,
	action_id           TEXT NOT NULL,
	value               REAL NOT NULL,
	update_count        INTEGER NOT NULL,
	discretizer_version TEXT NOT NULL,
	PRIMARY KEY (version_id, state_key, action_id),
	FOREIGN KEY (version_id) REFERENCES snapshot_versions(version_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS active_snapshot (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	version_id    TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES snapshot_versions(version_id)
);
`

// #endregion schema

// #region store-struct
// Store manages versioned Q-table snapshots in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion close

// #region db-accessor
// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion db-accessor

// #region commit-snapshot
// CommitSnapshot writes a new snapshot version with its entries and moves the
// active pointer to it in one transaction. The parent is the currently active
// version. Returns the committed record.
func (s *Store) CommitSnapshot(discretizerVersion string, entries []Entry, metricsJSON string) (SnapshotRecord, error) {
	rec := SnapshotRecord{
		VersionID:          uuid.New().String(),
		DiscretizerVersion: discretizerVersion,
		Entries:            entries,
		EntryCount:         len(entries),
		CreatedAt:          time.Now().UTC(),
		MetricsJSON:        metricsJSON,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRow(`SELECT version_id FROM active_snapshot WHERE id = 1`).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, fmt.Errorf("get active: %w", err)
	}
	var parentPtr interface{}
	if parent.Valid {
		rec.ParentID = parent.String
		parentPtr = parent.String
	}

	var metricsPtr interface{}
	if metricsJSON != "" {
		metricsPtr = metricsJSON
	}

	_, err = tx.Exec(
		`INSERT INTO snapshot_versions (version_id, parent_id, discretizer_version, entry_count, created_at, metrics_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, discretizerVersion, len(entries), rec.CreatedAt.Format(time.RFC3339Nano), metricsPtr,
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("insert version: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO qtable_entries (version_id, state_key, action_id, value, update_count, discretizer_version)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("prepare entries: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(rec.VersionID, e.StateKey, e.ActionID, e.Value, e.UpdateCount, e.DiscretizerVersion); err != nil {
			return SnapshotRecord{}, fmt.Errorf("insert entry %s/%s: %w", e.StateKey, e.ActionID, err)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO active_snapshot (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion commit-snapshot

// #region get-current
// GetCurrent reads the active snapshot with its entries.
func (s *Store) GetCurrent() (SnapshotRecord, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_snapshot WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, ErrNoSnapshot
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get active: %w", err)
	}
	return s.GetVersion(versionID)
}

// #endregion get-current

// #region get-version
// GetVersion retrieves a snapshot version and its entries by ID.
func (s *Store) GetVersion(id string) (SnapshotRecord, error) {
	rec, err := scanVersion(s.db.QueryRow(
		`SELECT version_id, parent_id, discretizer_version, entry_count, created_at, metrics_json
		 FROM snapshot_versions WHERE version_id = ?`, id,
	))
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get version %s: %w", id, err)
	}

	rows, err := s.db.Query(
		`SELECT state_key, action_id, value, update_count, discretizer_version
		 FROM qtable_entries WHERE version_id = ? ORDER BY state_key, action_id`, id,
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get entries %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.StateKey, &e.ActionID, &e.Value, &e.UpdateCount, &e.DiscretizerVersion); err != nil {
			return SnapshotRecord{}, fmt.Errorf("scan entry: %w", err)
		}
		rec.Entries = append(rec.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("iterate entries: %w", err)
	}
	if len(rec.Entries) != rec.EntryCount {
		return SnapshotRecord{}, fmt.Errorf("snapshot %s: %d entries, header says %d", id, len(rec.Entries), rec.EntryCount)
	}
	return rec, nil
}

// #endregion get-version

// #region rollback
// Rollback sets the active pointer to a previous snapshot.
func (s *Store) Rollback(targetVersionID string) error {
	var exists int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM snapshot_versions WHERE version_id = ?`, targetVersionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check version: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("version %s not found", targetVersionID)
	}

	_, err = s.db.Exec(`UPDATE active_snapshot SET version_id = ? WHERE id = 1`, targetVersionID)
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// #endregion rollback

// #region list-versions
// ListVersions returns the most recent snapshot headers, without entries.
func (s *Store) ListVersions(limit int) ([]SnapshotRecord, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, discretizer_version, entry_count, created_at, metrics_json
		 FROM snapshot_versions ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		rec, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion list-versions

// #region prune
// Prune deletes all but the newest keep snapshots. The active snapshot is
// never deleted. Returns the number of versions removed.
func (s *Store) Prune(keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.Exec(
		`DELETE FROM snapshot_versions
		 WHERE version_id NOT IN (SELECT version_id FROM snapshot_versions ORDER BY created_at DESC LIMIT ?)
		   AND version_id NOT IN (SELECT version_id FROM active_snapshot)`, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// #endregion prune

// #region scan
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (SnapshotRecord, error) {
	var rec SnapshotRecord
	var parentID sql.NullString
	var createdStr string
	var metricsJSON sql.NullString
	if err := row.Scan(&rec.VersionID, &parentID, &rec.DiscretizerVersion, &rec.EntryCount, &createdStr, &metricsJSON); err != nil {
		return SnapshotRecord{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	if metricsJSON.Valid {
		rec.MetricsJSON = metricsJSON.String
	}
	return rec, nil
}

// #endregion scan
