package macro

import (
	"fmt"
	"math"
	"reflect"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

// EvolveConfig controls offline persona evolution.
type EvolveConfig struct {
	MinSamples     int
	Rate           float64 // step toward the preference score
	MaxConditional int     // cap on conditional priors kept
}

// DefaultEvolveConfig returns the evolution defaults.
func DefaultEvolveConfig() EvolveConfig {
	return EvolveConfig{MinSamples: 3, Rate: 0.5, MaxConditional: 200}
}

// EvolveReport lists what changed.
type EvolveReport struct {
	PersonaID string
	From, To  int
	Adjusted  int
	Skipped   int
	Unchanged bool
}

// Evolve derives the next version of c whose priors move toward the
// preference scores. A preference for a state becomes an exact-match
// conditional prior placed ahead of the hand-written ones. Actions the
// persona can never emit are skipped. The input constitution is not modified.
func Evolve(c *persona.Constitution, prefs []ActionPreference, cfg EvolveConfig) (*persona.Constitution, EvolveReport, error) {
	rep := EvolveReport{PersonaID: c.PersonaID, From: c.Version, To: c.Version}
	raw, err := persona.Marshal(c)
	if err != nil {
		return nil, rep, fmt.Errorf("evolve %s: %w", c.PersonaID, err)
	}
	next, err := persona.Parse(raw)
	if err != nil {
		return nil, rep, fmt.Errorf("evolve %s: %w", c.PersonaID, err)
	}

	var learned []persona.ConditionalPrior
	for _, p := range prefs {
		if p.Samples < cfg.MinSamples || !actions.Known(p.ActionID) || !emittable(c, p.ActionID) {
			rep.Skipped++
			continue
		}
		when := discretize.Parse(p.StateKey)
		if len(when) == 0 {
			rep.Skipped++
			continue
		}
		old := c.Prior(p.StateKey, p.ActionID)
		value := old + cfg.Rate*(p.Score-0.5)
		value = math.Round(math.Max(-1, math.Min(1, value))*1000) / 1000
		learned = append(learned, persona.ConditionalPrior{When: when, Action: p.ActionID, Value: value})
		rep.Adjusted++
	}

	merged := append([]persona.ConditionalPrior{}, learned...)
	for _, cp := range next.Priors.Conditional {
		if !replaced(cp, learned) {
			merged = append(merged, cp)
		}
	}
	if cfg.MaxConditional > 0 && len(merged) > cfg.MaxConditional {
		merged = merged[:cfg.MaxConditional]
	}
	if len(merged) == len(next.Priors.Conditional) && (len(merged) == 0 || reflect.DeepEqual(merged, next.Priors.Conditional)) {
		rep.Unchanged = true
		return c, rep, nil
	}
	next.Priors.Conditional = merged
	next.Version = c.Version + 1
	if err := next.Validate(); err != nil {
		return nil, rep, fmt.Errorf("evolve %s: %w", c.PersonaID, err)
	}
	rep.To = next.Version
	return next, rep, nil
}

// emittable reports whether the persona can ever emit the action.
func emittable(c *persona.Constitution, id string) bool {
	t := actions.TypeOf(id)
	if !c.Allows(t) {
		return false
	}
	for _, fc := range c.ForbiddenCombinations {
		if fc.Action == t && len(fc.WhenFlags) == 0 && len(fc.WhenEmotions) == 0 {
			return false
		}
	}
	return true
}

func replaced(cp persona.ConditionalPrior, learned []persona.ConditionalPrior) bool {
	for _, l := range learned {
		if l.Action == cp.Action && reflect.DeepEqual(l.When, cp.When) {
			return true
		}
	}
	return false
}
