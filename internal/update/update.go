package update

import (
	"fmt"
	"math"
)

// #region learning-rate
// EffectiveLearningRate shrinks alpha with the number of updates already
// applied to the pair, never below MinLearningRate.
func EffectiveLearningRate(config UpdateConfig, updateCount int) float64 {
	alpha := config.LearningRate
	if config.LearningRateDecay > 0 && updateCount > 0 {
		alpha = alpha / (1 + config.LearningRateDecay*float64(updateCount))
	}
	if alpha < config.MinLearningRate {
		alpha = config.MinLearningRate
	}
	return alpha
}

// #endregion learning-rate

// #region update-function
// Update is a pure function computing the next value of Q(s,a):
//
//	Q <- Q + alpha * (R + gamma * max_a' Q(s',a') - Q)
//
// With a nil NextMax the bootstrap term is zero.
func Update(old float64, ctx UpdateContext, config UpdateConfig) UpdateResult {
	alpha := EffectiveLearningRate(config, ctx.UpdateCount)

	target := ctx.Reward
	terminal := ctx.NextMax == nil
	if !terminal {
		target += config.Discount * *ctx.NextMax
	}
	td := target - old
	delta := alpha * td

	clamped := false
	if config.MaxDelta > 0 && math.Abs(delta) > config.MaxDelta {
		delta = math.Copysign(config.MaxDelta, delta)
		clamped = true
	}

	next := old + delta
	decision := Decision{Action: "no_op", Reason: "value unchanged"}
	if delta != 0 {
		decision = Decision{
			Action: "commit",
			Reason: fmt.Sprintf("%s/%s td=%.6f alpha=%.4f", ctx.StateKey, ctx.ActionID, td, alpha),
		}
	}

	return UpdateResult{
		OldValue: old,
		NewValue: next,
		Decision: decision,
		Metrics: Metrics{
			Alpha:    alpha,
			Target:   target,
			TDError:  td,
			Delta:    delta,
			Clamped:  clamped,
			Terminal: terminal,
		},
	}
}

// #endregion update-function
