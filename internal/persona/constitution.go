// Package persona loads versioned persona constitutions and holds the active
// one behind an atomic pointer.
package persona

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
)

// Constitution is one immutable persona version. Never modify a value that
// has been registered; derive a new version instead.
type Constitution struct {
	PersonaID             string                          `yaml:"persona_id" json:"persona_id"`
	Version               int                             `yaml:"version" json:"version"`
	DisplayName           string                          `yaml:"display_name" json:"display_name"`
	Description           string                          `yaml:"description" json:"description"`
	AllowedActions        []contracts.ActionType          `yaml:"allowed_actions" json:"allowed_actions"`
	FallbackAction        *ActionSpec                     `yaml:"fallback_action,omitempty" json:"fallback_action,omitempty"`
	ForbiddenCombinations []ForbiddenCombination          `yaml:"forbidden_combinations" json:"forbidden_combinations"`
	RewriteRules          []RewriteRule                   `yaml:"rewrite_rules" json:"rewrite_rules"`
	ToneDirectives        ToneDirectives                  `yaml:"tone_directives" json:"tone_directives"`
	RewardWeights         RewardWeights                   `yaml:"reward_weights" json:"reward_weights"`
	Priors                Priors                          `yaml:"priors" json:"priors"`
	Messages              map[contracts.ActionType]string `yaml:"messages" json:"messages"`
}

// ActionSpec declares a substitute action.
type ActionSpec struct {
	Type     contracts.ActionType `yaml:"type" json:"type"`
	Duration int                  `yaml:"duration,omitempty" json:"duration,omitempty"`
	Kind     contracts.BreakKind  `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// ForbiddenCombination bans Action when every WhenFlags flag is set and,
// if WhenEmotions is non-empty, the speech emotion is one of them.
type ForbiddenCombination struct {
	Name         string                    `yaml:"name" json:"name"`
	Action       contracts.ActionType      `yaml:"action" json:"action"`
	WhenFlags    []contracts.Flag          `yaml:"when_flags" json:"when_flags"`
	WhenEmotions []contracts.SpeechEmotion `yaml:"when_emotions" json:"when_emotions"`
	Substitute   *ActionSpec               `yaml:"substitute,omitempty" json:"substitute,omitempty"`
}

// RewriteRule clamps or defaults the parameters of Action.
type RewriteRule struct {
	Name          string               `yaml:"name" json:"name"`
	Action        contracts.ActionType `yaml:"action" json:"action"`
	MinDuration   int                  `yaml:"min_duration,omitempty" json:"min_duration,omitempty"`
	MaxDuration   int                  `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	SnapDurations []int                `yaml:"snap_durations,omitempty" json:"snap_durations,omitempty"`
	DefaultKind   contracts.BreakKind  `yaml:"default_kind,omitempty" json:"default_kind,omitempty"`
}

// ToneDirectives shape the spoken line and presentation.
type ToneDirectives struct {
	Prefix             string            `yaml:"prefix" json:"prefix"`
	Suffix             string            `yaml:"suffix" json:"suffix"`
	Replacements       map[string]string `yaml:"replacements" json:"replacements"`
	AnimationOverrides map[string]string `yaml:"animation_overrides" json:"animation_overrides"`
	LightOverrides     map[string]string `yaml:"light_overrides" json:"light_overrides"`
}

// RewardWeights are w1..w4 of the reward formula.
type RewardWeights struct {
	Explicit     float64 `yaml:"explicit" json:"explicit"`
	EmotionDelta float64 `yaml:"emotion_delta" json:"emotion_delta"`
	Task         float64 `yaml:"task" json:"task"`
	Focus        float64 `yaml:"focus" json:"focus"`
}

// DefaultRewardWeights is used when a document declares none.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{Explicit: 0.4, EmotionDelta: 0.3, Task: 0.2, Focus: 0.1}
}

// Priors are the cold-start values of unseen Q pairs.
type Priors struct {
	Default     float64            `yaml:"default" json:"default"`
	Actions     map[string]float64 `yaml:"actions" json:"actions"`
	Conditional []ConditionalPrior `yaml:"conditional" json:"conditional"`
}

// ConditionalPrior applies Value to Action when every feature in When has the
// given bucket. A bucket ending in "*" matches by prefix.
type ConditionalPrior struct {
	When   map[string]string `yaml:"when" json:"when"`
	Action string            `yaml:"action" json:"action"`
	Value  float64           `yaml:"value" json:"value"`
}

// #region queries
// Allows reports whether t may be emitted at all. None is always allowed.
func (c *Constitution) Allows(t contracts.ActionType) bool {
	if t == contracts.ActionNone {
		return true
	}
	for _, a := range c.AllowedActions {
		if a == t {
			return true
		}
	}
	return false
}

// Matches reports whether the combination applies to t under in.
func (f ForbiddenCombination) Matches(t contracts.ActionType, in contracts.InputState) bool {
	if f.Action != t {
		return false
	}
	for _, fl := range f.WhenFlags {
		if !in.HasFlag(fl) {
			return false
		}
	}
	if len(f.WhenEmotions) == 0 {
		return true
	}
	for _, e := range f.WhenEmotions {
		if e == in.SpeechEmotion {
			return true
		}
	}
	return false
}

// Prior returns the cold-start value for (key, actionID). The first matching
// conditional prior wins, then the per-action prior, then Default.
func (c *Constitution) Prior(key contracts.StateKey, actionID string) float64 {
	feats := discretize.Parse(key)
	for _, cp := range c.Priors.Conditional {
		if cp.Action != actionID {
			continue
		}
		if matchesFeatures(cp.When, feats) {
			return cp.Value
		}
	}
	if v, ok := c.Priors.Actions[actionID]; ok {
		return v
	}
	return c.Priors.Default
}

func matchesFeatures(when map[string]string, feats map[string]string) bool {
	for f, bucket := range when {
		got := feats[f]
		if strings.HasSuffix(bucket, "*") {
			if !strings.HasPrefix(got, strings.TrimSuffix(bucket, "*")) {
				return false
			}
			continue
		}
		if got != bucket {
			return false
		}
	}
	return true
}

// Message returns the persona line for t, or "".
func (c *Constitution) Message(t contracts.ActionType) string {
	return c.Messages[t]
}

// Materialize turns s into an action for in. Task context carries
// over from the replaced action.
func (s ActionSpec) Materialize(in contracts.InputState, replaced contracts.Action, now time.Time) contracts.Action {
	task := replaced.Params.RelatedTask
	if task == "" {
		task = in.Entity("task")
	}
	switch s.Type {
	case contracts.ActionEnterFocusMode:
		d := s.Duration
		if d == 0 {
			d = 25
		}
		return contracts.EnterFocusMode(d, task)
	case contracts.ActionSetReminder:
		return contracts.SetReminder(actions.ReminderTime(in, now), task)
	case contracts.ActionSuggestBreak:
		k := s.Kind
		if k == "" {
			k = contracts.BreakStretch
		}
		return contracts.SuggestBreak(k)
	}
	return contracts.NoneAction()
}

// #endregion queries

// #region validate
// Validate checks the document. A valid constitution guarantees that no
// substitute or fallback action is itself banned, so guarding is idempotent.
func (c *Constitution) Validate() error {
	if strings.TrimSpace(c.PersonaID) == "" {
		return fmt.Errorf("persona_id is required")
	}
	if c.Version < 1 {
		return fmt.Errorf("%s: version must be >= 1", c.PersonaID)
	}
	if len(c.AllowedActions) == 0 {
		return fmt.Errorf("%s: allowed_actions is empty", c.PersonaID)
	}
	for _, a := range c.AllowedActions {
		if !knownType(a) {
			return fmt.Errorf("%s: unknown allowed action %q", c.PersonaID, a)
		}
	}

	banned := map[contracts.ActionType]bool{}
	for _, f := range c.ForbiddenCombinations {
		if !knownType(f.Action) {
			return fmt.Errorf("%s: forbidden combination %q names unknown action %q", c.PersonaID, f.Name, f.Action)
		}
		banned[f.Action] = true
	}
	checkSpec := func(where string, s *ActionSpec) error {
		if s == nil {
			return nil
		}
		if !knownType(s.Type) {
			return fmt.Errorf("%s: %s: unknown action %q", c.PersonaID, where, s.Type)
		}
		if !c.Allows(s.Type) {
			return fmt.Errorf("%s: %s: %q is not an allowed action", c.PersonaID, where, s.Type)
		}
		if banned[s.Type] {
			return fmt.Errorf("%s: %s: %q is itself forbidden", c.PersonaID, where, s.Type)
		}
		sample := s.Materialize(contracts.InputState{}, contracts.NoneAction(), time.Unix(0, 0))
		if err := sample.Validate(); err != nil {
			return fmt.Errorf("%s: %s: %w", c.PersonaID, where, err)
		}
		return nil
	}
	if err := checkSpec("fallback_action", c.FallbackAction); err != nil {
		return err
	}
	for _, f := range c.ForbiddenCombinations {
		if err := checkSpec("substitute of "+f.Name, f.Substitute); err != nil {
			return err
		}
	}

	for _, r := range c.RewriteRules {
		if r.MinDuration < 0 || r.MaxDuration < 0 {
			return fmt.Errorf("%s: rewrite %q: negative bounds", c.PersonaID, r.Name)
		}
		if r.MaxDuration > 0 && r.MinDuration > r.MaxDuration {
			return fmt.Errorf("%s: rewrite %q: min %d > max %d", c.PersonaID, r.Name, r.MinDuration, r.MaxDuration)
		}
		for _, d := range r.SnapDurations {
			if d < r.MinDuration || (r.MaxDuration > 0 && d > r.MaxDuration) ||
				d < contracts.MinFocusMinutes || d > contracts.MaxFocusMinutes {
				return fmt.Errorf("%s: rewrite %q: snap duration %d outside bounds", c.PersonaID, r.Name, d)
			}
		}
	}

	for from, to := range c.ToneDirectives.Replacements {
		if from == "" {
			return fmt.Errorf("%s: empty tone replacement key", c.PersonaID)
		}
		for k := range c.ToneDirectives.Replacements {
			if strings.Contains(strings.ToLower(to), strings.ToLower(k)) {
				return fmt.Errorf("%s: tone replacement %q -> %q reintroduces %q", c.PersonaID, from, to, k)
			}
		}
	}

	w := c.RewardWeights
	for _, x := range []float64{w.Explicit, w.EmotionDelta, w.Task, w.Focus} {
		if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%s: reward weights must be finite and non-negative", c.PersonaID)
		}
	}
	for _, cp := range c.Priors.Conditional {
		if !actions.Known(cp.Action) {
			return fmt.Errorf("%s: conditional prior names unknown action %q", c.PersonaID, cp.Action)
		}
	}
	for id := range c.Priors.Actions {
		if !actions.Known(id) {
			return fmt.Errorf("%s: prior names unknown action %q", c.PersonaID, id)
		}
	}
	return nil
}

func knownType(t contracts.ActionType) bool {
	switch t {
	case contracts.ActionEnterFocusMode, contracts.ActionSetReminder, contracts.ActionSuggestBreak, contracts.ActionNone:
		return true
	}
	return false
}

// #endregion validate
