// Package router picks one candidate from the micro and macro policies.
package router

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// Config tunes Hybrid conflict resolution.
type Config struct {
	// TieMargin is how much higher macro's confidence must be than micro's
	// to win a conflict. Within the margin micro wins.
	TieMargin float64
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{TieMargin: 0.05}
}

// Decision is the routed candidate with the policy it is attributed to.
type Decision struct {
	Candidate contracts.Candidate
	Chosen    contracts.PolicySource
	Reason    string
}

// Router is stateless.
type Router struct {
	cfg Config
}

// New builds a router.
func New(cfg Config) *Router {
	if cfg.TieMargin < 0 || math.IsNaN(cfg.TieMargin) {
		cfg.TieMargin = 0
	}
	return &Router{cfg: cfg}
}

// Route always returns exactly one candidate. With neither input present it
// returns the None action attributed to Fallback.
func (r *Router) Route(micro, macro *contracts.Candidate, mode contracts.AgentMode) Decision {
	switch mode {
	case contracts.ModeMicro:
		if micro != nil {
			return Decision{Candidate: *micro, Chosen: contracts.SourceMicro, Reason: "mode=Micro"}
		}
		return fallback("mode=Micro, micro policy produced nothing")
	case contracts.ModeMacro:
		if macro != nil {
			return Decision{Candidate: *macro, Chosen: contracts.SourceMacro, Reason: "mode=Macro"}
		}
		if micro != nil {
			return Decision{Candidate: *micro, Chosen: contracts.SourceMicro, Reason: "mode=Macro, macro unavailable, fell back to micro"}
		}
		return fallback("mode=Macro, no candidates")
	default:
		return r.hybrid(micro, macro)
	}
}

func (r *Router) hybrid(micro, macro *contracts.Candidate) Decision {
	switch {
	case micro == nil && macro == nil:
		return fallback("mode=Hybrid, no candidates")
	case macro == nil:
		return Decision{Candidate: *micro, Chosen: contracts.SourceMicro, Reason: "mode=Hybrid, macro unavailable"}
	case micro == nil:
		return Decision{Candidate: *macro, Chosen: contracts.SourceMacro, Reason: "mode=Hybrid, micro unavailable"}
	}

	if micro.Action.Type == macro.Action.Type {
		merged := Merge(*micro, *macro)
		return Decision{
			Candidate: merged,
			Chosen:    contracts.SourceHybrid,
			Reason:    fmt.Sprintf("mode=Hybrid, both proposed %s, merged parameters", merged.Action.Type),
		}
	}

	mc, ac := clamp01(micro.Confidence), clamp01(macro.Confidence)
	if ac > mc+r.cfg.TieMargin {
		return Decision{
			Candidate: *macro,
			Chosen:    contracts.SourceMacro,
			Reason:    fmt.Sprintf("mode=Hybrid, conflict %s vs %s, macro %.3f > micro %.3f", micro.Action.Type, macro.Action.Type, ac, mc),
		}
	}
	return Decision{
		Candidate: *micro,
		Chosen:    contracts.SourceMicro,
		Reason:    fmt.Sprintf("mode=Hybrid, conflict %s vs %s, micro %.3f kept against macro %.3f", micro.Action.Type, macro.Action.Type, mc, ac),
	}
}

// Merge combines two candidates of the same action type, preferring each
// non-zero macro parameter over micro's.
func Merge(micro, macro contracts.Candidate) contracts.Candidate {
	p := micro.Action.Params
	mp := macro.Action.Params
	if mp.Duration != 0 {
		p.Duration = mp.Duration
	}
	if mp.Timestamp != "" {
		p.Timestamp = mp.Timestamp
	}
	if mp.Kind != "" {
		p.Kind = mp.Kind
	}
	if mp.RelatedTask != "" {
		p.RelatedTask = mp.RelatedTask
	}
	a := contracts.Action{Type: micro.Action.Type, Params: p}
	reason := macro.Reasoning
	if reason == "" {
		reason = micro.Reasoning
	}
	return contracts.Candidate{
		Action:     a,
		ActionID:   actions.IDOf(a),
		Confidence: math.Max(clamp01(micro.Confidence), clamp01(macro.Confidence)),
		Source:     contracts.SourceHybrid,
		Reasoning:  reason,
		Animation:  macro.Animation,
	}
}

func fallback(reason string) Decision {
	return Decision{
		Candidate: contracts.Candidate{
			Action:    contracts.NoneAction(),
			ActionID:  actions.None,
			Source:    contracts.SourceFallback,
			Reasoning: reason,
		},
		Chosen: contracts.SourceFallback,
		Reason: reason,
	}
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
