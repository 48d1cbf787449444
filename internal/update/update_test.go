package update

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateTerminalMovesTowardReward(t *testing.T) {
	res := Update(0, UpdateContext{Reward: 1}, DefaultUpdateConfig())
	assert.True(t, res.Metrics.Terminal)
	assert.InDelta(t, 0.3, res.NewValue, 1e-9)
	assert.Equal(t, "commit", res.Decision.Action)
}

func TestUpdateBootstrapsFromNextState(t *testing.T) {
	next := 1.0
	res := Update(0, UpdateContext{Reward: 0, NextMax: &next}, DefaultUpdateConfig())
	assert.InDelta(t, 0.3*0.85, res.NewValue, 1e-9)
	assert.False(t, res.Metrics.Terminal)
}

func TestUpdateConvergesToRewardWithoutDiverging(t *testing.T) {
	for _, alpha := range []float64{0.05, 0.3, 0.9} {
		cfg := UpdateConfig{LearningRate: alpha, MinLearningRate: alpha / 2, LearningRateDecay: 0.01, Discount: 0.85}
		q := 0.0
		prevGap := math.Inf(1)
		for n := 0; n < 2000; n++ {
			q = Update(q, UpdateContext{Reward: 0.8, UpdateCount: n}, cfg).NewValue
			gap := math.Abs(0.8 - q)
			require.LessOrEqualf(t, gap, prevGap+1e-12, "alpha=%v: gap grew at step %d", alpha, n)
			require.LessOrEqualf(t, q, 0.8+1e-9, "alpha=%v: overshoot", alpha)
			prevGap = gap
		}
		assert.Lessf(t, prevGap, 1e-3, "alpha=%v: did not converge", alpha)
	}
}

func TestEffectiveLearningRateShrinksToFloor(t *testing.T) {
	cfg := DefaultUpdateConfig()
	assert.Equal(t, cfg.LearningRate, EffectiveLearningRate(cfg, 0))
	assert.Less(t, EffectiveLearningRate(cfg, 100), cfg.LearningRate)
	assert.Equal(t, cfg.MinLearningRate, EffectiveLearningRate(cfg, 1_000_000))
}

func TestUpdateClampsDelta(t *testing.T) {
	cfg := DefaultUpdateConfig()
	cfg.MaxDelta = 0.1
	res := Update(0, UpdateContext{Reward: 10}, cfg)
	assert.True(t, res.Metrics.Clamped)
	assert.InDelta(t, 0.1, res.NewValue, 1e-9)
}
