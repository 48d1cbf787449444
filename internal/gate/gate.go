package gate

import (
	"fmt"
	"math"
)

// #region gate
// Gate evaluates whether a proposed Q update should be committed or rejected.
type Gate struct {
	config GateConfig
}

// NewGate creates a gate with the given configuration.
func NewGate(config GateConfig) *Gate {
	return &Gate{config: config}
}

// Evaluate checks hard vetoes first, then scores the update's stability.
func (g *Gate) Evaluate(p Proposal) GateDecision {
	var vetoes []VetoSignal

	// 1. Reward must be a finite number
	if math.IsNaN(p.Reward) || math.IsInf(p.Reward, 0) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoInvalidReward,
			Reason: fmt.Sprintf("reward %v is not finite", p.Reward),
		})
	} else if g.config.RewardBound > 0 && math.Abs(p.Reward) > g.config.RewardBound {
		// 2. Reward magnitude
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoRewardBound,
			Reason: fmt.Sprintf("reward %.4f exceeds bound %.4f", p.Reward, g.config.RewardBound),
		})
	}

	// 3. Key produced by another discretizer version
	if g.config.DiscretizerVersion != "" && p.DiscretizerVersion != g.config.DiscretizerVersion {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoStaleState,
			Reason: fmt.Sprintf("discretizer %q, expected %q", p.DiscretizerVersion, g.config.DiscretizerVersion),
		})
	}

	// 4. Action must exist in the catalog
	if !p.KnownAction {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoUnknownAction,
			Reason: fmt.Sprintf("unknown action %q", p.ActionID),
		})
	}

	// 5. Resulting value must stay bounded
	nv := p.Result.NewValue
	if math.IsNaN(nv) || math.IsInf(nv, 0) || (g.config.MaxAbsValue > 0 && math.Abs(nv) > g.config.MaxAbsValue) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoValueCap,
			Reason: fmt.Sprintf("new value %v exceeds cap %.4f", nv, g.config.MaxAbsValue),
		})
	}

	if len(vetoes) > 0 {
		return GateDecision{
			Action:      "reject",
			Reason:      fmt.Sprintf("hard veto: %s", vetoes[0].Reason),
			Vetoed:      true,
			VetoSignals: vetoes,
		}
	}

	softScore := computeSoftScore(p)
	return GateDecision{
		Action:    "commit",
		Reason:    fmt.Sprintf("passed gate: soft_score=%.4f", softScore),
		SoftScore: softScore,
	}
}

// #endregion gate

// #region helpers
// computeSoftScore is 1 for a no-op and decays with the size of the step and
// whether the step was clamped. Logged only.
func computeSoftScore(p Proposal) float64 {
	score := 1.0 / (1.0 + math.Abs(p.Result.Metrics.Delta))
	if p.Result.Metrics.Clamped {
		score *= 0.5
	}
	return score
}

// #endregion helpers
