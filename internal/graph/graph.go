// Package graph records observed StateKey -> StateKey transitions.
package graph

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS state_transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    from_key    TEXT NOT NULL,
    to_key      TEXT NOT NULL,
    action_id   TEXT NOT NULL,
    weight      REAL NOT NULL DEFAULT 0.1,
    observed    INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    UNIQUE(from_key, to_key, action_id)
);
CREATE INDEX IF NOT EXISTS idx_transitions_from ON state_transitions(from_key);
CREATE INDEX IF NOT EXISTS idx_transitions_to ON state_transitions(to_key);
`

// minWeight is the floor below which decayed transitions are dropped.
const minWeight = 0.01

// #endregion schema

// #region types
// Transition is a weighted, counted edge: from --action--> to.
type Transition struct {
	ID        int64
	From      contracts.StateKey
	To        contracts.StateKey
	ActionID  string
	Weight    float64
	Observed  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WalkResult holds an ordered path from a graph walk.
type WalkResult struct {
	Keys   []contracts.StateKey // state keys in walk order
	Scores []float64            // cumulative scores at each key
}

// TransitionStore manages the state_transitions table.
type TransitionStore struct {
	db  *sql.DB
	now func() time.Time
}

// #endregion types

// #region constructor
// NewTransitionStore creates tables and returns a TransitionStore.
func NewTransitionStore(db *sql.DB) (*TransitionStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("transition schema: %w", err)
	}
	return &TransitionStore{db: db, now: time.Now}, nil
}

// #endregion constructor

// #region record
// Record increases the weight of from --actionID--> to by delta, capped at 1.0,
// and bumps its observation count. A new transition starts at weight=delta.
func (g *TransitionStore) Record(from, to contracts.StateKey, actionID string, delta float64) error {
	if from == "" || to == "" {
		return fmt.Errorf("record transition: empty state key")
	}
	if delta <= 0 {
		return fmt.Errorf("record transition: delta must be positive, got %.3f", delta)
	}
	now := g.now().UTC().Format(time.RFC3339)
	_, err := g.db.Exec(
		`INSERT INTO state_transitions (from_key, to_key, action_id, weight, observed, created_at, updated_at)
		 VALUES (?, ?, ?, MIN(1.0, ?), 1, ?, ?)
		 ON CONFLICT(from_key, to_key, action_id) DO UPDATE SET
		   weight = MIN(1.0, state_transitions.weight + ?),
		   observed = state_transitions.observed + 1,
		   updated_at = ?`,
		string(from), string(to), actionID, delta, now, now,
		delta, now,
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// #endregion record

// #region neighbors
// Neighbors returns all transitions leaving from with weight >= floor, heaviest first.
func (g *TransitionStore) Neighbors(from contracts.StateKey, floor float64) ([]Transition, error) {
	return g.query(
		`SELECT id, from_key, to_key, action_id, weight, observed, created_at, updated_at
		 FROM state_transitions
		 WHERE from_key = ? AND weight >= ?
		 ORDER BY weight DESC, observed DESC, id ASC`,
		string(from), floor,
	)
}

// Top returns the heaviest transitions overall.
func (g *TransitionStore) Top(limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 20
	}
	return g.query(
		`SELECT id, from_key, to_key, action_id, weight, observed, created_at, updated_at
		 FROM state_transitions
		 ORDER BY weight DESC, observed DESC, id ASC
		 LIMIT ?`,
		limit,
	)
}

func (g *TransitionStore) query(q string, args ...any) ([]Transition, error) {
	rows, err := g.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to, createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &from, &to, &t.ActionID, &t.Weight, &t.Observed, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.From = contracts.StateKey(from)
		t.To = contracts.StateKey(to)
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// #endregion neighbors

// #region walk
// Walk performs a BFS from entry, following transitions with weight >= floor,
// up to maxDepth hops and maxNodes keys. Parallel transitions to the same key
// under different actions count once, with the heaviest weight.
func (g *TransitionStore) Walk(entry contracts.StateKey, maxDepth int, floor float64, maxNodes int) (WalkResult, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if maxNodes <= 0 {
		maxNodes = 10
	}

	result := WalkResult{
		Keys:   []contracts.StateKey{entry},
		Scores: []float64{1.0},
	}
	visited := map[contracts.StateKey]bool{entry: true}

	type queueItem struct {
		key   contracts.StateKey
		depth int
		score float64
	}
	queue := []queueItem{{entry, 0, 1.0}}

	for len(queue) > 0 {
		if len(result.Keys) >= maxNodes {
			break
		}
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}

		next, err := g.Neighbors(current.key, floor)
		if err != nil {
			return result, fmt.Errorf("walk neighbors: %w", err)
		}
		for _, t := range next {
			if len(result.Keys) >= maxNodes {
				break
			}
			if visited[t.To] {
				continue
			}
			visited[t.To] = true
			cum := current.score * t.Weight
			result.Keys = append(result.Keys, t.To)
			result.Scores = append(result.Scores, cum)
			queue = append(queue, queueItem{t.To, current.depth + 1, cum})
		}
	}
	return result, nil
}

// #endregion walk

// #region decay
// DecayAll applies exponential decay to every weight based on time since its
// last update. Transitions that fall below 0.01 are deleted; the number
// deleted is returned.
func (g *TransitionStore) DecayAll(halfLife time.Duration) (int64, error) {
	if halfLife <= 0 {
		return 0, fmt.Errorf("decay: half-life must be positive")
	}
	now := g.now().UTC()
	halfLifeSec := halfLife.Seconds()

	rows, err := g.db.Query(`SELECT id, weight, updated_at FROM state_transitions`)
	if err != nil {
		return 0, fmt.Errorf("decay scan: %w", err)
	}

	type decayItem struct {
		id     int64
		weight float64
	}
	var updates []decayItem
	var deletes []int64

	for rows.Next() {
		var id int64
		var weight float64
		var updatedAt string
		if err := rows.Scan(&id, &weight, &updatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		t, _ := time.Parse(time.RFC3339, updatedAt)
		age := now.Sub(t).Seconds()
		if age <= 0 {
			continue
		}
		decayed := weight * math.Exp(-age*math.Ln2/halfLifeSec)
		if decayed < minWeight {
			deletes = append(deletes, id)
		} else {
			updates = append(updates, decayItem{id, decayed})
		}
	}
	rows.Close()

	tx, err := g.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("decay begin: %w", err)
	}
	defer tx.Rollback()

	nowStr := now.Format(time.RFC3339)
	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE state_transitions SET weight = ?, updated_at = ? WHERE id = ?`, u.weight, nowStr, u.id); err != nil {
			return 0, fmt.Errorf("decay update: %w", err)
		}
	}
	for _, id := range deletes {
		if _, err := tx.Exec(`DELETE FROM state_transitions WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("decay delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("decay commit: %w", err)
	}
	return int64(len(deletes)), nil
}

// #endregion decay

// #region forget
// Forget deletes every transition into or out of key.
func (g *TransitionStore) Forget(key contracts.StateKey) (int64, error) {
	res, err := g.db.Exec(
		`DELETE FROM state_transitions WHERE from_key = ? OR to_key = ?`,
		string(key), string(key),
	)
	if err != nil {
		return 0, fmt.Errorf("forget %s: %w", key, err)
	}
	return res.RowsAffected()
}

// #endregion forget
