package macro

// #region imports
import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// #endregion

// #region schema
const preferenceSamplesSchema = `
CREATE TABLE IF NOT EXISTS preference_samples (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id      TEXT NOT NULL,
    persona_id    TEXT NOT NULL,
    state_key     TEXT NOT NULL,
    intent        TEXT NOT NULL,
    emotion       TEXT NOT NULL,
    strategy_id   TEXT NOT NULL,
    attempt_num   INTEGER NOT NULL,
    action_id     TEXT NOT NULL DEFAULT '',
    score         REAL NOT NULL,
    failure_type  TEXT NOT NULL DEFAULT 'none',
    accepted      INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL
);
`

const preferenceSamplesIndex = `
CREATE INDEX IF NOT EXISTS idx_preference_samples_lookup
ON preference_samples(intent, emotion, strategy_id);
`

const preferenceSamplesPersonaIndex = `
CREATE INDEX IF NOT EXISTS idx_preference_samples_persona
ON preference_samples(persona_id, state_key, action_id);
`

// #endregion

// #region types
// Sample is one evaluated macro attempt.
type Sample struct {
	CycleID     string
	PersonaID   string
	StateKey    contracts.StateKey
	Intent      contracts.Intent
	Emotion     contracts.SpeechEmotion
	StrategyID  StrategyID
	AttemptNum  int
	ActionID    string
	Score       float64
	FailureType string
	Accepted    bool
	CreatedAt   time.Time
}

// ActionPreference is the decay-weighted score of an action in a state.
type ActionPreference struct {
	StateKey contracts.StateKey
	ActionID string
	Score    float64
	Samples  int
}

// #endregion

// #region store
// PreferenceStore persists macro attempt outcomes in SQLite and answers
// decay-weighted queries over them.
type PreferenceStore struct {
	db       *sql.DB
	halfLife time.Duration
	now      func() time.Time
}

// NewPreferenceStore creates the tables and returns a store.
func NewPreferenceStore(db *sql.DB) (*PreferenceStore, error) {
	for _, stmt := range []string{preferenceSamplesSchema, preferenceSamplesIndex, preferenceSamplesPersonaIndex} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("preference schema: %w", err)
		}
	}
	return &PreferenceStore{db: db, halfLife: 7 * 24 * time.Hour, now: time.Now}, nil
}

// Record persists one sample.
func (m *PreferenceStore) Record(s Sample) error {
	accepted := 0
	if s.Accepted {
		accepted = 1
	}
	if s.FailureType == "" {
		s.FailureType = "none"
	}
	_, err := m.db.Exec(`
		INSERT INTO preference_samples
		(cycle_id, persona_id, state_key, intent, emotion, strategy_id, attempt_num,
		 action_id, score, failure_type, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.CycleID,
		s.PersonaID,
		string(s.StateKey),
		string(s.Intent),
		string(s.Emotion),
		string(s.StrategyID),
		s.AttemptNum,
		s.ActionID,
		s.Score,
		s.FailureType,
		accepted,
		s.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record preference sample: %w", err)
	}
	return nil
}

func (m *PreferenceStore) weight(createdAt string) (float64, bool) {
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0, false
	}
	age := m.now().Sub(t).Hours()
	return math.Exp(-age / m.halfLife.Hours()), true
}

// #endregion

// #region best-strategy
// BestStrategy returns the strategy with the highest decay-weighted score of
// accepted samples for the intent and emotion. Returns ("", 0, nil) when no
// strategy has 3 samples.
func (m *PreferenceStore) BestStrategy(intent, emotion string) (StrategyID, float64, error) {
	rows, err := m.db.Query(`
		SELECT strategy_id, score, created_at
		FROM preference_samples
		WHERE intent = ? AND emotion = ? AND accepted = 1`,
		intent, emotion,
	)
	if err != nil {
		return "", 0, err
	}
	defer rows.Close()

	type accum struct {
		weightedSum float64
		totalWeight float64
		count       int
	}
	acc := make(map[StrategyID]*accum)
	for rows.Next() {
		var sid, createdAt string
		var score float64
		if err := rows.Scan(&sid, &score, &createdAt); err != nil {
			return "", 0, err
		}
		w, ok := m.weight(createdAt)
		if !ok {
			continue
		}
		a := acc[StrategyID(sid)]
		if a == nil {
			a = &accum{}
			acc[StrategyID(sid)] = a
		}
		a.weightedSum += score * w
		a.totalWeight += w
		a.count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	var bestID StrategyID
	bestScore := -1.0
	for sid, a := range acc {
		if a.count < 3 || a.totalWeight == 0 {
			continue
		}
		avg := a.weightedSum / a.totalWeight
		if avg > bestScore || (avg == bestScore && sid < bestID) {
			bestScore, bestID = avg, sid
		}
	}
	if bestID == "" {
		return "", 0, nil
	}
	return bestID, bestScore, nil
}

// #endregion

// #region action-preferences
// ActionPreferences aggregates the samples of a persona per (state, action)
// with recency decay, keeping pairs with at least minSamples. Ordered by
// state then action.
func (m *PreferenceStore) ActionPreferences(personaID string, minSamples int) ([]ActionPreference, error) {
	rows, err := m.db.Query(`
		SELECT state_key, action_id, score, created_at
		FROM preference_samples
		WHERE persona_id = ? AND action_id != ''`,
		personaID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type pair struct{ key, id string }
	type accum struct {
		weightedSum, totalWeight float64
		count                    int
	}
	acc := make(map[pair]*accum)
	for rows.Next() {
		var key, id, createdAt string
		var score float64
		if err := rows.Scan(&key, &id, &score, &createdAt); err != nil {
			return nil, err
		}
		w, ok := m.weight(createdAt)
		if !ok {
			continue
		}
		p := pair{key, id}
		a := acc[p]
		if a == nil {
			a = &accum{}
			acc[p] = a
		}
		a.weightedSum += score * w
		a.totalWeight += w
		a.count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []ActionPreference
	for p, a := range acc {
		if a.count < minSamples || a.totalWeight == 0 {
			continue
		}
		out = append(out, ActionPreference{
			StateKey: contracts.StateKey(p.key),
			ActionID: p.id,
			Score:    a.weightedSum / a.totalWeight,
			Samples:  a.count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StateKey != out[j].StateKey {
			return out[i].StateKey < out[j].StateKey
		}
		return out[i].ActionID < out[j].ActionID
	})
	return out, nil
}

// Prune deletes samples older than maxAge.
func (m *PreferenceStore) Prune(maxAge time.Duration) (int64, error) {
	cutoff := m.now().Add(-maxAge).UTC().Format(time.RFC3339)
	res, err := m.db.Exec(`DELETE FROM preference_samples WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune preference samples: %w", err)
	}
	return res.RowsAffected()
}

// #endregion
