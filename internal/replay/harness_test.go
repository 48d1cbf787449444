package replay

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
)

// helper: a calm focus request.
func focusInteraction(turnID string, reward *float64) Interaction {
	return Interaction{
		TurnID: turnID,
		Request: contracts.DecisionRequest{
			SessionID: "s",
			Perception: contracts.PerceptionInput{
				UserText:      "let's focus on the report",
				SpeechEmotion: "calm",
				TextSentiment: "neutral",
				TimeOfDay:     "afternoon",
			},
		},
		Reward: reward,
	}
}

func ptr(v float64) *float64 { return &v }

func config() ReplayConfig { return DefaultReplayConfig(discretize.Version) }

// 1. Full commit path: a rewarded turn moves the chosen pair.
func TestReplay_FullCommitPath(t *testing.T) {
	results, final := Replay(nil, []Interaction{focusInteraction("turn-1", ptr(1))}, config(), Options{})

	require.Len(t, results, 1)
	r := results[0]
	require.Equal(t, "commit", r.Action, r.Reason)
	assert.Equal(t, "focus_25", r.ActionID, "first legal action on a cold table")
	assert.Greater(t, r.NewValue, r.OldValue)
	assert.True(t, r.Metrics.Terminal, "last turn must be terminal")
	require.Len(t, final, 1)
	assert.Equal(t, 1, final[0].UpdateCount)
}

// 2. Gate rejection: a reward outside the bound leaves the table untouched.
func TestReplay_GateRejection(t *testing.T) {
	results, final := Replay(nil, []Interaction{focusInteraction("turn-1", ptr(50))}, config(), Options{})

	require.Equal(t, "gate_reject", results[0].Action)
	for _, e := range final {
		assert.Zero(t, e.UpdateCount, "rejected update must not count: %+v", e)
	}
}

// 3. Turns without reward and malformed turns are reported, not applied.
func TestReplay_NoRewardAndMalformed(t *testing.T) {
	bad := focusInteraction("turn-2", ptr(1))
	bad.Request.Perception.UserText = "\xff\xfe"

	results, _ := Replay(nil, []Interaction{focusInteraction("turn-1", nil), bad}, config(), Options{})

	assert.Equal(t, "no_reward", results[0].Action)
	assert.Equal(t, "malformed", results[1].Action)
	assert.NotEmpty(t, results[1].Reason)
	s := Summarize(results, nil)
	assert.Equal(t, 1, s.NoRewards)
	assert.Equal(t, 1, s.Malformed)
	assert.Zero(t, s.Commits)
}

// 4. Next state: a non-final rewarded turn bootstraps from the following key.
func TestReplay_NonTerminalUsesNextState(t *testing.T) {
	results, _ := Replay(nil, []Interaction{
		focusInteraction("turn-1", ptr(1)),
		focusInteraction("turn-2", ptr(1)),
	}, config(), Options{})

	assert.False(t, results[0].Metrics.Terminal, "first turn has a successor")
	assert.True(t, results[1].Metrics.Terminal, "last turn must be terminal")
	assert.Equal(t, results[0].StateKey, results[1].StateKey, "identical turns share a key")
}

// 5. Determinism: the same input always yields the same run.
func TestReplay_Deterministic(t *testing.T) {
	interactions := []Interaction{
		focusInteraction("a", ptr(0.5)),
		focusInteraction("b", ptr(-0.25)),
		focusInteraction("c", ptr(1)),
	}
	r1, f1 := Replay(nil, interactions, config(), Options{})
	r2, f2 := Replay(nil, interactions, config(), Options{})

	assert.Empty(t, cmp.Diff(r1, r2), "results differ (-first +second)")
	assert.Empty(t, cmp.Diff(f1, f2), "tables differ (-first +second)")
}

// 6. Start rows and persona options steer the greedy choice.
func TestReplay_StartEntriesAndPersona(t *testing.T) {
	seed, _ := Replay(nil, []Interaction{focusInteraction("seed", nil)}, config(), Options{})
	key := seed[0].StateKey

	start := []state.Entry{{StateKey: string(key), ActionID: "reminder", Value: 0.9, UpdateCount: 4, DiscretizerVersion: discretize.Version}}
	results, _ := Replay(start, []Interaction{focusInteraction("t", nil)}, config(), Options{})
	assert.Equal(t, "reminder", results[0].ActionID, "seeded reminder wins")

	all, err := persona.Defaults()
	require.NoError(t, err)
	var boss *persona.Constitution
	for _, c := range all {
		if c.PersonaID == "ColdBoss" {
			boss = c
		}
	}
	require.NotNil(t, boss, "ColdBoss missing")
	results, _ = Replay(nil, []Interaction{focusInteraction("t", nil)}, config(), Options{Priors: boss, Allowed: boss.Allows})
	assert.Equal(t, "focus_45", results[0].ActionID, "ColdBoss prior picks focus_45")
}

func TestSummarize_Counts(t *testing.T) {
	results := []ReplayResult{
		{Action: "commit", Expected: "focus_25", Matched: true},
		{Action: "commit", Expected: "focus_45"},
		{Action: "gate_reject"},
		{Action: "no_op"},
	}
	s := Summarize(results, nil)
	assert.Equal(t, 4, s.TotalTurns)
	assert.Equal(t, 2, s.Commits)
	assert.Equal(t, 1, s.GateRejects)
	assert.Equal(t, 1, s.NoOps)
	assert.Equal(t, 2, s.Expected)
	assert.Equal(t, 1, s.Matched)
}
