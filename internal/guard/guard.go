// Package guard filters routed candidates against a persona constitution.
package guard

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

// Rule kinds, in evaluation priority.
const (
	KindBan     = "ban"
	KindRewrite = "rewrite"
)

// #region rule
// Rule is one predicate/transform pair compiled from a constitution.
// Apply returns the transformed action and whether the rule resolved its
// predicate; an unresolved ban stops evaluation.
type Rule struct {
	Name  string
	Kind  string
	Match func(a contracts.Action, in contracts.InputState) bool
	Apply func(a contracts.Action, in contracts.InputState, now time.Time) (contracts.Action, bool)
}

// Compile turns a constitution into its ordered rule list: forbidden
// combinations in document order, then the allowed-actions check, then
// parameter rewrites in document order.
func Compile(c *persona.Constitution) []Rule {
	rules := make([]Rule, 0, len(c.ForbiddenCombinations)+len(c.RewriteRules)+1)

	for _, f := range c.ForbiddenCombinations {
		f := f
		rules = append(rules, Rule{
			Name:  "forbidden:" + f.Name,
			Kind:  KindBan,
			Match: func(a contracts.Action, in contracts.InputState) bool { return f.Matches(a.Type, in) },
			Apply: func(a contracts.Action, in contracts.InputState, now time.Time) (contracts.Action, bool) {
				if f.Substitute == nil {
					return a, false
				}
				return f.Substitute.Materialize(in, a, now), true
			},
		})
	}

	rules = append(rules, Rule{
		Name:  "allowed_actions",
		Kind:  KindBan,
		Match: func(a contracts.Action, _ contracts.InputState) bool { return !c.Allows(a.Type) },
		Apply: func(a contracts.Action, in contracts.InputState, now time.Time) (contracts.Action, bool) {
			if c.FallbackAction == nil {
				return a, false
			}
			return c.FallbackAction.Materialize(in, a, now), true
		},
	})

	for _, r := range c.RewriteRules {
		r := r
		rules = append(rules, Rule{
			Name:  "rewrite:" + r.Name,
			Kind:  KindRewrite,
			Match: func(a contracts.Action, _ contracts.InputState) bool { return a.Type == r.Action },
			Apply: func(a contracts.Action, _ contracts.InputState, _ time.Time) (contracts.Action, bool) {
				return rewrite(a, r), true
			},
		})
	}
	return rules
}

func rewrite(a contracts.Action, r persona.RewriteRule) contracts.Action {
	switch a.Type {
	case contracts.ActionEnterFocusMode:
		d := a.Params.Duration
		if d == 0 {
			d = r.MinDuration
		}
		if r.MinDuration > 0 && d < r.MinDuration {
			d = r.MinDuration
		}
		if r.MaxDuration > 0 && d > r.MaxDuration {
			d = r.MaxDuration
		}
		if len(r.SnapDurations) > 0 {
			d = snap(d, r.SnapDurations)
		}
		a.Params.Duration = d
	case contracts.ActionSuggestBreak:
		if a.Params.Kind == "" && r.DefaultKind != "" {
			a.Params.Kind = r.DefaultKind
		}
	}
	return a
}

func snap(d int, options []int) int {
	opts := append([]int(nil), options...)
	sort.Ints(opts)
	best := opts[0]
	for _, o := range opts[1:] {
		if abs(o-d) < abs(best-d) {
			best = o
		}
	}
	return best
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// #endregion rule

// #region guard
// Result is the guard outcome.
type Result struct {
	Candidate   contracts.Candidate
	Adjustments []contracts.Adjustment
	Violations  []contracts.Violation
}

// Unresolved reports whether a ban could not be resolved.
func (r Result) Unresolved() bool {
	for _, v := range r.Violations {
		if !v.Resolved {
			return true
		}
	}
	return false
}

// Guard applies constitutions. It is stateless apart from its logger.
type Guard struct {
	logger *zap.Logger
}

// New builds a guard.
func New(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger.Named("guard")}
}

// Apply runs the constitution rules over candidate. Applying it again to the
// returned candidate with the same constitution, input and clock changes
// nothing. A nil constitution passes the candidate through.
func (g *Guard) Apply(cand contracts.Candidate, c *persona.Constitution, in contracts.InputState, now time.Time) Result {
	res := Result{Candidate: cand}
	if c == nil {
		return res
	}

	a := cand.Action
	for _, rule := range Compile(c) {
		if !rule.Match(a, in) {
			continue
		}
		next, resolved := rule.Apply(a, in, now)
		if rule.Kind == KindBan {
			v := contracts.Violation{Rule: rule.Name, Action: a.Type, Resolved: resolved}
			if !resolved {
				v.Detail = fmt.Sprintf("%s banned with no substitute", a.Type)
				res.Violations = append(res.Violations, v)
				g.logger.Warn("unresolved persona violation",
					zap.String("persona_id", c.PersonaID), zap.Int("version", c.Version),
					zap.String("rule", rule.Name), zap.String("action", string(a.Type)))
				break
			}
			v.Detail = fmt.Sprintf("%s replaced by %s", a.Type, next.Type)
			res.Violations = append(res.Violations, v)
		}
		if next != a {
			adj := contracts.Adjustment{Rule: rule.Name, Kind: rule.Kind, Before: a, After: next}
			res.Adjustments = append(res.Adjustments, adj)
			g.logger.Info("guard adjustment",
				zap.String("persona_id", c.PersonaID), zap.Int("version", c.Version),
				zap.String("rule", rule.Name), zap.String("kind", rule.Kind),
				zap.String("before", string(a.Type)), zap.String("after", string(next.Type)),
				zap.Int("duration", next.Params.Duration))
		}
		a = next
	}

	if a != cand.Action {
		res.Candidate.Action = a
		res.Candidate.ActionID = actions.IDOf(a)
	}
	return res
}

// #endregion guard
