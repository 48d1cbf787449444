package graph

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

func setupTestStore(t *testing.T) (*TransitionStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	ts, err := NewTransitionStore(db)
	require.NoError(t, err)
	return ts, db
}

const (
	keyTense   = contracts.StateKey("rhythm=scattered|health=ok|emotion=tense|goal=important_today|env=quiet")
	keyFocused = contracts.StateKey("rhythm=deep_focus|health=ok|emotion=calm|goal=important_today|env=quiet")
	keyDrained = contracts.StateKey("rhythm=scattered|health=sitting_long|emotion=drained|goal=none|env=quiet")
	keyIdle    = contracts.StateKey("rhythm=idle|health=ok|emotion=calm|goal=none|env=quiet")
)

// #region test-record
func TestRecord_CreatesThenIncrements(t *testing.T) {
	ts, _ := setupTestStore(t)

	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 0.1))
	got, err := ts.Neighbors(keyTense, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keyFocused, got[0].To)
	assert.Equal(t, "focus_45", got[0].ActionID)
	assert.InDelta(t, 0.1, got[0].Weight, 1e-9)
	assert.Equal(t, 1, got[0].Observed)

	for i := 0; i < 3; i++ {
		require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 0.1))
	}
	got, err = ts.Neighbors(keyTense, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.4, got[0].Weight, 1e-9)
	assert.Equal(t, 4, got[0].Observed)
}

func TestRecord_CapsAtOne(t *testing.T) {
	ts, _ := setupTestStore(t)

	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 1.5))
	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 0.6))
	got, err := ts.Neighbors(keyTense, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Weight, 1e-9)
}

func TestRecord_SeparatesActions(t *testing.T) {
	ts, _ := setupTestStore(t)

	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 0.5))
	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_25", 0.2))
	got, err := ts.Neighbors(keyTense, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "focus_45", got[0].ActionID, "heaviest first")
}

func TestRecord_RejectsBadInput(t *testing.T) {
	ts, _ := setupTestStore(t)

	assert.Error(t, ts.Record("", keyFocused, "none", 0.1))
	assert.Error(t, ts.Record(keyTense, keyFocused, "none", 0))
}

// #endregion test-record

// #region test-walk
func TestWalk(t *testing.T) {
	ts, _ := setupTestStore(t)

	// tense -> focused -> drained -> idle, plus tense -> idle
	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 0.5))
	require.NoError(t, ts.Record(keyFocused, keyDrained, "none", 0.8))
	require.NoError(t, ts.Record(keyDrained, keyIdle, "break_walk", 0.3))
	require.NoError(t, ts.Record(keyTense, keyIdle, "none", 0.2))

	res, err := ts.Walk(keyTense, 5, 0.1, 100)
	require.NoError(t, err)
	assert.Equal(t, []contracts.StateKey{keyTense, keyFocused, keyIdle, keyDrained}, res.Keys)
	assert.InDelta(t, 0.4, res.Scores[3], 1e-9)

	res, err = ts.Walk(keyTense, 5, 0.3, 100)
	require.NoError(t, err)
	assert.Equal(t, []contracts.StateKey{keyTense, keyFocused, keyDrained, keyIdle}, res.Keys)

	res, err = ts.Walk(keyTense, 1, 0.1, 100)
	require.NoError(t, err)
	assert.Len(t, res.Keys, 3)

	res, err = ts.Walk(keyTense, 5, 0.1, 2)
	require.NoError(t, err)
	assert.Len(t, res.Keys, 2)
}

// #endregion test-walk

// #region test-decay
func TestDecayAll(t *testing.T) {
	ts, db := setupTestStore(t)

	past := time.Now().UTC().Add(-96 * time.Hour).Format(time.RFC3339)
	_, err := db.Exec(
		`INSERT INTO state_transitions (from_key, to_key, action_id, weight, observed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?), (?, ?, ?, ?, 1, ?, ?)`,
		string(keyDrained), string(keyIdle), "break_walk", 0.1, past, past,
		string(keyDrained), string(keyTense), "none", 0.03, past, past,
	)
	require.NoError(t, err)
	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 0.5))

	deleted, err := ts.DecayAll(48 * time.Hour)
	require.NoError(t, err)
	// 0.03 * 0.25 falls under the floor; 0.1 * 0.25 survives.
	assert.Equal(t, int64(1), deleted)

	old, err := ts.Neighbors(keyDrained, 0)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.InDelta(t, 0.025, old[0].Weight, 0.001)

	fresh, err := ts.Neighbors(keyTense, 0)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Greater(t, fresh[0].Weight, 0.49)

	_, err = ts.DecayAll(0)
	assert.Error(t, err)
}

// #endregion test-decay

// #region test-forget
func TestForget(t *testing.T) {
	ts, _ := setupTestStore(t)

	require.NoError(t, ts.Record(keyTense, keyFocused, "focus_45", 0.5))
	require.NoError(t, ts.Record(keyFocused, keyDrained, "none", 0.5))
	require.NoError(t, ts.Record(keyDrained, keyFocused, "focus_25", 0.3))
	require.NoError(t, ts.Record(keyDrained, keyIdle, "none", 0.3))

	n, err := ts.Forget(keyFocused)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	top, err := ts.Top(10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, keyIdle, top[0].To)
}

// #endregion test-forget
