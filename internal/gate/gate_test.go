package gate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/emate/decision-core/internal/update"
)

func proposal(reward, newValue float64) Proposal {
	return Proposal{
		StateKey:           "rhythm=normal",
		ActionID:           "focus_45",
		DiscretizerVersion: "d1",
		Reward:             reward,
		KnownAction:        true,
		Result:             update.UpdateResult{NewValue: newValue, Metrics: update.Metrics{Delta: newValue}},
	}
}

func TestGateCommitOnCleanProposal(t *testing.T) {
	g := NewGate(DefaultGateConfig("d1"))
	decision := g.Evaluate(proposal(0.5, 0.15))
	require.Equal(t, "commit", decision.Action, decision.Reason)
	assert.False(t, decision.Vetoed)
	assert.Greater(t, decision.SoftScore, 0.0)
	assert.LessOrEqual(t, decision.SoftScore, 1.0)
}

func TestGateRejects(t *testing.T) {
	unknown := proposal(0.5, 0.1)
	unknown.KnownAction = false

	tests := []struct {
		name    string
		version string
		p       Proposal
		want    VetoType
	}{
		{"nan reward", "d1", proposal(math.NaN(), 0), VetoInvalidReward},
		{"reward bound", "d1", proposal(50, 1), VetoRewardBound},
		{"stale discretizer", "d2", proposal(0.5, 0.1), VetoStaleState},
		{"unknown action", "d1", unknown, VetoUnknownAction},
		{"value cap", "d1", proposal(1, 500), VetoValueCap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := NewGate(DefaultGateConfig(tt.version)).Evaluate(tt.p)
			assert.Equal(t, "reject", decision.Action)
			assert.True(t, decision.Vetoed)
			require.NotEmpty(t, decision.VetoSignals)
			assert.Equal(t, tt.want, decision.VetoSignals[0].Type)
		})
	}
}
