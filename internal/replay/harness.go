// Package replay runs recorded interactions through the discretizer, the
// micro policy and the update gate with exploration disabled, so the same
// fixture always produces the same choices and values.
package replay

import (
	"context"
	"errors"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
	"github.com/danielpatrickdp/emate/decision-core/internal/gate"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/perception"
	"github.com/danielpatrickdp/emate/decision-core/internal/retrieval"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
	"github.com/danielpatrickdp/emate/decision-core/internal/update"
)

// #region types
// Interaction is a single recorded cycle for replay.
type Interaction struct {
	TurnID         string
	Request        contracts.DecisionRequest
	Reward         *float64 // nil = the cycle earned no reward
	ExpectedAction string
}

// ReplayConfig bundles the update and gate configs of a run.
type ReplayConfig struct {
	UpdateConfig update.UpdateConfig
	GateConfig   gate.GateConfig
}

// DefaultReplayConfig returns the micro policy defaults.
func DefaultReplayConfig(discretizerVersion string) ReplayConfig {
	return ReplayConfig{
		UpdateConfig: update.DefaultUpdateConfig(),
		GateConfig:   gate.DefaultGateConfig(discretizerVersion),
	}
}

// Options select the persona side of a run. Both fields may be nil.
type Options struct {
	Priors  micro.PriorSource
	Allowed func(contracts.ActionType) bool
}

// ReplayResult captures the outcome of one interaction.
type ReplayResult struct {
	TurnID   string
	StateKey contracts.StateKey
	ActionID string
	Expected string
	Matched  bool
	Action   string // "commit" | "gate_reject" | "no_op" | "no_reward" | "malformed"
	Reason   string
	OldValue float64
	NewValue float64
	Metrics  update.Metrics
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalTurns  int
	Commits     int
	GateRejects int
	NoOps       int
	NoRewards   int
	Malformed   int
	Expected    int // turns that named an expected action
	Matched     int
	Entries     []state.Entry
}

// #endregion types

// #region replay
// Replay iterates through interactions in order. Each turn is normalized,
// discretized and answered greedily; its reward then updates the chosen pair
// with the next turn's state as s'. The last turn is terminal. Operates
// entirely in memory, starting from the start rows.
func Replay(start []state.Entry, interactions []Interaction, config ReplayConfig, opts Options) ([]ReplayResult, []state.Entry) {
	pol := micro.NewPolicy(micro.Config{
		Update:       config.UpdateConfig,
		Gate:         config.GateConfig,
		EpsilonStart: 0.01,
		EpsilonFloor: 0.01,
		EpsilonDecay: 1,
		Seed:         1,
	}, nil, opts.Priors, nil)
	pol.Table().Restore(start)

	adapter := perception.NewAdapter(nil)
	rcfg := retrieval.DefaultConfig()
	rcfg.MaxEpisodeAge = 0
	retriever := retrieval.NewRetriever(nil, rcfg, nil)

	// 1. Perception and discretization for every turn, so s' is known.
	keys := make([]contracts.StateKey, len(interactions))
	bad := make([]error, len(interactions))
	for i, inter := range interactions {
		in, _, err := adapter.Normalize(inter.Request)
		if err != nil {
			bad[i] = err
			continue
		}
		gr, _ := retriever.Retrieve(context.Background(), in, inter.Request.Memory)
		keys[i] = discretize.Discretize(in, gr.Context)
	}

	legal := actions.Legal(opts.Allowed)
	results := make([]ReplayResult, 0, len(interactions))
	for i, inter := range interactions {
		r := ReplayResult{TurnID: inter.TurnID, Expected: inter.ExpectedAction}
		if bad[i] != nil {
			r.Action = "malformed"
			r.Reason = bad[i].Error()
			results = append(results, r)
			continue
		}

		// 2. Greedy selection.
		sel := pol.Select(keys[i], legal, micro.SelectOptions{NoExplore: true})
		r.StateKey = keys[i]
		r.ActionID = sel.ActionID
		r.Matched = inter.ExpectedAction != "" && inter.ExpectedAction == sel.ActionID
		r.OldValue, r.NewValue = sel.Value, sel.Value

		if inter.Reward == nil {
			r.Action = "no_reward"
			results = append(results, r)
			continue
		}

		// 3. Update through the gate.
		var next contracts.StateKey
		if i+1 < len(interactions) && bad[i+1] == nil {
			next = keys[i+1]
		}
		res, err := pol.Update(micro.Observation{
			StateKey:     keys[i],
			ActionID:     sel.ActionID,
			Reward:       *inter.Reward,
			NextStateKey: next,
		})
		r.OldValue, r.Metrics = res.OldValue, res.Metrics
		switch {
		case errors.Is(err, micro.ErrUpdateRejected):
			r.Action = "gate_reject"
			r.Reason = err.Error()
		case res.Decision.Action == "no_op":
			r.Action = "no_op"
			r.Reason = res.Decision.Reason
		default:
			r.Action = "commit"
			r.Reason = res.Decision.Reason
			r.NewValue = res.NewValue
		}
		results = append(results, r)
	}

	return results, pol.Table().Snapshot()
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, final []state.Entry) ReplaySummary {
	s := ReplaySummary{
		TotalTurns: len(results),
		Entries:    final,
	}
	for _, r := range results {
		switch r.Action {
		case "commit":
			s.Commits++
		case "gate_reject":
			s.GateRejects++
		case "no_op":
			s.NoOps++
		case "no_reward":
			s.NoRewards++
		case "malformed":
			s.Malformed++
		}
		if r.Expected != "" {
			s.Expected++
			if r.Matched {
				s.Matched++
			}
		}
	}
	return s
}

// RunFixture replays a loaded fixture as one session.
func RunFixture(f *Fixture, opts Options) ([]ReplayResult, ReplaySummary) {
	interactions := make([]Interaction, len(f.Interactions))
	for i := range f.Interactions {
		interactions[i] = f.Interactions[i].ToInteraction("replay")
	}
	results, final := Replay(f.ToEntries(discretize.Version), interactions, f.Config.ToReplayConfig(discretize.Version), opts)
	return results, Summarize(results, final)
}

// #endregion replay
