// Package micro is the tabular Q-learning policy.
package micro

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
	"github.com/danielpatrickdp/emate/decision-core/internal/gate"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
	"github.com/danielpatrickdp/emate/decision-core/internal/update"
)

// #endregion

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUpdateRejected is returned when the gate vetoes a Q update.
var ErrUpdateRejected = errors.New("q update rejected")

// #region config
// Config holds learning and exploration parameters.
type Config struct {
	Update       update.UpdateConfig
	Gate         gate.GateConfig
	EpsilonStart float64 // default 0.3
	EpsilonFloor float64 // must be > 0 (default 0.05)
	EpsilonDecay float64 // multiplicative per interaction (default 0.995)
	Retention    int     // snapshot versions kept on flush (default 20)
	Seed         int64   // 0 = time seeded
}

// DefaultConfig returns the defaults of the micro policy.
func DefaultConfig() Config {
	return Config{
		Update:       update.DefaultUpdateConfig(),
		Gate:         gate.DefaultGateConfig(discretize.Version),
		EpsilonStart: 0.3,
		EpsilonFloor: 0.05,
		EpsilonDecay: 0.995,
		Retention:    20,
	}
}

// #endregion config

// #region interfaces
// PriorSource supplies the cold-start value of an unseen pair.
type PriorSource interface {
	Prior(key contracts.StateKey, actionID string) float64
}

// PriorFunc adapts a function to PriorSource.
type PriorFunc func(key contracts.StateKey, actionID string) float64

// Prior implements PriorSource.
func (f PriorFunc) Prior(key contracts.StateKey, actionID string) float64 { return f(key, actionID) }

// SnapshotStore persists table snapshots. *state.Store implements it.
type SnapshotStore interface {
	CommitSnapshot(discretizerVersion string, entries []state.Entry, metricsJSON string) (state.SnapshotRecord, error)
	GetCurrent() (state.SnapshotRecord, error)
	Prune(keep int) (int64, error)
}

// #endregion interfaces

// #region policy
// Policy owns the Q-table.
type Policy struct {
	cfg    Config
	table  *Table
	gate   *gate.Gate
	store  SnapshotStore
	priors PriorSource
	logger *zap.Logger

	interactions atomic.Int64
	updates      atomic.Int64
	dirty        atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	flushMu sync.Mutex
}

// NewPolicy builds a policy. store may be nil for a purely in-memory table;
// priors may be nil for zero priors.
func NewPolicy(cfg Config, store SnapshotStore, priors PriorSource, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EpsilonFloor <= 0 {
		cfg.EpsilonFloor = 0.01
	}
	if cfg.EpsilonStart < cfg.EpsilonFloor {
		cfg.EpsilonStart = cfg.EpsilonFloor
	}
	if cfg.EpsilonDecay <= 0 || cfg.EpsilonDecay > 1 {
		cfg.EpsilonDecay = 1
	}
	if priors == nil {
		priors = PriorFunc(func(contracts.StateKey, string) float64 { return 0 })
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{
		cfg:    cfg,
		table:  NewTable(),
		gate:   gate.NewGate(cfg.Gate),
		store:  store,
		priors: priors,
		logger: logger.Named("micro"),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Table exposes the underlying table for inspection.
func (p *Policy) Table() *Table { return p.table }

// Interactions returns the number of selections made so far.
func (p *Policy) Interactions() int64 { return p.interactions.Load() }

// Epsilon returns the exploration rate after n interactions. It is
// non-increasing in n and never below the floor.
func (p *Policy) Epsilon(n int64) float64 {
	eps := p.cfg.EpsilonStart * math.Pow(p.cfg.EpsilonDecay, float64(n))
	if eps < p.cfg.EpsilonFloor {
		eps = p.cfg.EpsilonFloor
	}
	return eps
}

// CurrentEpsilon is Epsilon at the current interaction count.
func (p *Policy) CurrentEpsilon() float64 { return p.Epsilon(p.interactions.Load()) }

// #endregion policy

// #region select
// SelectOptions tunes one selection.
type SelectOptions struct {
	// NoExplore disables the exploration branch.
	NoExplore bool
}

// Selection is the outcome of Select.
type Selection struct {
	ActionID    string
	Value       float64
	UpdateCount int
	Confidence  float64
	Explored    bool
	Epsilon     float64
}

// Select picks an action id from legal for key. legal must be in tie-break
// order; an empty legal set selects None.
func (p *Policy) Select(key contracts.StateKey, legal []string, opts SelectOptions) Selection {
	n := p.interactions.Add(1) - 1
	eps := p.Epsilon(n)
	if len(legal) == 0 {
		legal = []string{actions.None}
	}

	explore := false
	idx := 0
	if !opts.NoExplore {
		p.rngMu.Lock()
		if p.rng.Float64() < eps {
			explore = true
			idx = p.rng.Intn(len(legal))
		}
		p.rngMu.Unlock()
	}

	if !explore {
		best := math.Inf(-1)
		for i, id := range legal {
			v, _ := p.table.Value(key, id, p.priors.Prior(key, id))
			if v > best {
				best = v
				idx = i
			}
		}
	}

	id := legal[idx]
	v, count := p.table.Value(key, id, p.priors.Prior(key, id))
	conf := Confidence(v, count)
	if explore {
		conf *= 0.5
	}
	return Selection{ActionID: id, Value: v, UpdateCount: count, Confidence: conf, Explored: explore, Epsilon: eps}
}

// Confidence maps a Q value onto [0,1]: (tanh(q)+1)/2 scaled by a certainty
// factor that grows from 0.5 toward 1 with the update count.
func Confidence(q float64, updateCount int) float64 {
	squash := (math.Tanh(q) + 1) / 2
	certainty := 1 - 0.5/(1+float64(updateCount))
	return squash * certainty
}

// Candidate materializes the selection for in.
func (s Selection) Candidate(in contracts.InputState, now time.Time) contracts.Candidate {
	reason := fmt.Sprintf("q=%.3f n=%d", s.Value, s.UpdateCount)
	if s.Explored {
		reason = fmt.Sprintf("explore eps=%.3f, %s", s.Epsilon, reason)
	}
	return contracts.Candidate{
		Action:     actions.Materialize(s.ActionID, in, now),
		ActionID:   s.ActionID,
		Confidence: s.Confidence,
		Source:     contracts.SourceMicro,
		Explored:   s.Explored,
		Reasoning:  reason,
	}
}

// #endregion select

// #region update
// Observation is one reward for a (state, action) pair.
type Observation struct {
	StateKey           contracts.StateKey
	ActionID           string
	Reward             float64
	NextStateKey       contracts.StateKey // empty = terminal
	DiscretizerVersion string             // empty = current
}

// Update applies the Q rule atomically for the pair. Concurrent updates to
// the same pair serialize on the entry lock.
func (p *Policy) Update(obs Observation) (update.UpdateResult, error) {
	version := obs.DiscretizerVersion
	if version == "" {
		version = discretize.Version
	}

	var nextMax *float64
	if obs.NextStateKey != "" {
		m := p.maxValue(obs.NextStateKey)
		nextMax = &m
	}

	known := actions.Known(obs.ActionID)
	prior := p.priors.Prior(obs.StateKey, obs.ActionID)
	evaluate := func(value float64, count int) (update.UpdateResult, gate.GateDecision) {
		res := update.Update(value, update.UpdateContext{
			StateKey:    string(obs.StateKey),
			ActionID:    obs.ActionID,
			Reward:      obs.Reward,
			UpdateCount: count,
			NextMax:     nextMax,
		}, p.cfg.Update)
		return res, p.gate.Evaluate(gate.Proposal{
			StateKey:           string(obs.StateKey),
			ActionID:           obs.ActionID,
			DiscretizerVersion: version,
			Reward:             obs.Reward,
			KnownAction:        known,
			Result:             res,
		})
	}

	// An unseen pair is only inserted once the gate would commit.
	var (
		res      update.UpdateResult
		decision gate.GateDecision
	)
	e := p.table.get(obs.StateKey, obs.ActionID)
	if e == nil {
		res, decision = evaluate(prior, 0)
		if decision.Action == "commit" {
			e = p.table.getOrCreate(obs.StateKey, obs.ActionID, prior, version)
		}
	}
	if e != nil {
		e.mu.Lock()
		res, decision = evaluate(e.value, e.count)
		if decision.Action == "commit" {
			e.value = res.NewValue
			e.count++
		}
		e.mu.Unlock()
	}

	if decision.Vetoed {
		p.logger.Warn("q update rejected",
			zap.String("state_key", string(obs.StateKey)),
			zap.String("action_id", obs.ActionID),
			zap.Float64("reward", obs.Reward),
			zap.String("reason", decision.Reason))
		return res, fmt.Errorf("%w: %s", ErrUpdateRejected, decision.Reason)
	}

	p.updates.Add(1)
	p.dirty.Store(true)
	p.logger.Debug("q update",
		zap.String("state_key", string(obs.StateKey)),
		zap.String("action_id", obs.ActionID),
		zap.Float64("old", res.OldValue),
		zap.Float64("new", res.NewValue),
		zap.Bool("terminal", res.Metrics.Terminal),
		zap.Float64("soft_score", decision.SoftScore))
	return res, nil
}

func (p *Policy) maxValue(key contracts.StateKey) float64 {
	best := math.Inf(-1)
	for _, id := range actions.All {
		v, _ := p.table.Value(key, id, p.priors.Prior(key, id))
		if v > best {
			best = v
		}
	}
	return best
}

// #endregion update

// #region persistence
// LoadReport describes a startup load.
type LoadReport struct {
	VersionID string
	Loaded    int
	Skipped   int
	Degraded  bool
}

// Load restores the active snapshot. A missing or unreadable snapshot leaves
// the table empty and is logged, never returned as an error. Rows from other
// discretizer versions are skipped.
func (p *Policy) Load(ctx context.Context) LoadReport {
	if p.store == nil {
		return LoadReport{}
	}
	rec, err := p.store.GetCurrent()
	if errors.Is(err, state.ErrNoSnapshot) {
		p.logger.Info("no q-table snapshot, starting empty")
		return LoadReport{}
	}
	if err != nil {
		p.logger.Warn("q-table snapshot unreadable, starting empty",
			zap.Error(fmt.Errorf("%w: %v", contracts.ErrPersistenceFailure, err)))
		return LoadReport{Degraded: true}
	}

	kept := make([]state.Entry, 0, len(rec.Entries))
	skipped := 0
	for _, e := range rec.Entries {
		if e.DiscretizerVersion != discretize.Version || math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			skipped++
			continue
		}
		kept = append(kept, e)
	}
	p.table.Restore(kept)
	if skipped > 0 {
		p.logger.Warn("skipped incompatible q-table rows", zap.Int("skipped", skipped), zap.String("version_id", rec.VersionID))
	}
	p.logger.Info("q-table loaded", zap.String("version_id", rec.VersionID), zap.Int("entries", len(kept)))
	return LoadReport{VersionID: rec.VersionID, Loaded: len(kept), Skipped: skipped}
}

// Flush writes a snapshot if the table changed since the last flush, or
// always when force is set. Failures are wrapped in ErrPersistenceFailure;
// the in-memory table stays authoritative.
func (p *Policy) Flush(ctx context.Context, force bool) (string, error) {
	if p.store == nil {
		return "", nil
	}
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !p.dirty.Swap(false) && !force {
		return "", nil
	}

	metrics, _ := json.Marshal(map[string]int64{
		"interactions": p.interactions.Load(),
		"updates":      p.updates.Load(),
	})
	rec, err := p.store.CommitSnapshot(discretize.Version, p.table.Snapshot(), string(metrics))
	if err != nil {
		p.dirty.Store(true)
		err = fmt.Errorf("%w: %v", contracts.ErrPersistenceFailure, err)
		p.logger.Warn("q-table snapshot failed, continuing in memory", zap.Error(err))
		return "", err
	}
	if p.cfg.Retention > 0 {
		if n, err := p.store.Prune(p.cfg.Retention); err != nil {
			p.logger.Warn("snapshot prune failed", zap.Error(err))
		} else if n > 0 {
			p.logger.Debug("snapshots pruned", zap.Int64("removed", n))
		}
	}
	p.logger.Info("q-table snapshot", zap.String("version_id", rec.VersionID), zap.Int("entries", rec.EntryCount))
	return rec.VersionID, nil
}

// #endregion persistence
