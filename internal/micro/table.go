package micro

import (
	"sort"
	"sync"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
)

// entry is one Q value. mu serializes read-modify-write of value and count.
type entry struct {
	mu      sync.Mutex
	value   float64
	count   int
	version string
}

// Table maps (StateKey, ActionID) to entries. The outer lock guards the map
// shape only; values are guarded per entry.
type Table struct {
	mu   sync.RWMutex
	rows map[contracts.StateKey]map[string]*entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{rows: make(map[contracts.StateKey]map[string]*entry)}
}

func (t *Table) get(key contracts.StateKey, id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows[key][id]
}

// getOrCreate returns the entry for the pair, seeding a new one with prior.
func (t *Table) getOrCreate(key contracts.StateKey, id string, prior float64, version string) *entry {
	if e := t.get(key, id); e != nil {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	row := t.rows[key]
	if row == nil {
		row = make(map[string]*entry)
		t.rows[key] = row
	}
	if e := row[id]; e != nil {
		return e
	}
	e := &entry{value: prior, version: version}
	row[id] = e
	return e
}

// Value returns the stored value and update count, or prior and 0 when the
// pair has never been seen.
func (t *Table) Value(key contracts.StateKey, id string, prior float64) (float64, int) {
	e := t.get(key, id)
	if e == nil {
		return prior, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.count
}

// Len returns the number of stored pairs.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, row := range t.rows {
		n += len(row)
	}
	return n
}

// Snapshot copies every entry, sorted by state key then action id.
func (t *Table) Snapshot() []state.Entry {
	t.mu.RLock()
	out := make([]state.Entry, 0, len(t.rows)*4)
	for key, row := range t.rows {
		for id, e := range row {
			e.mu.Lock()
			out = append(out, state.Entry{
				StateKey:           string(key),
				ActionID:           id,
				Value:              e.value,
				UpdateCount:        e.count,
				DiscretizerVersion: e.version,
			})
			e.mu.Unlock()
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StateKey != out[j].StateKey {
			return out[i].StateKey < out[j].StateKey
		}
		return out[i].ActionID < out[j].ActionID
	})
	return out
}

// Restore replaces the table contents.
func (t *Table) Restore(entries []state.Entry) {
	rows := make(map[contracts.StateKey]map[string]*entry)
	for _, en := range entries {
		key := contracts.StateKey(en.StateKey)
		if rows[key] == nil {
			rows[key] = make(map[string]*entry)
		}
		rows[key][en.ActionID] = &entry{value: en.Value, count: en.UpdateCount, version: en.DiscretizerVersion}
	}
	t.mu.Lock()
	t.rows = rows
	t.mu.Unlock()
}
