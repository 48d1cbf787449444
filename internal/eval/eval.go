// Package eval scores macro candidates with deterministic rule checks.
package eval

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

// #region eval-harness
// EvalHarness runs the self-evaluation of a candidate. No model call.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Subject is what a candidate is judged against.
type Subject struct {
	Input   contracts.InputState
	Memory  contracts.MemoryContext
	Goals   []string
	Persona *persona.Constitution
}

// Run scores a candidate. An action that fails schema validation scores 0.
func (h *EvalHarness) Run(cand contracts.Candidate, s Subject) EvalResult {
	if err := cand.Action.Validate(); err != nil {
		return EvalResult{
			Failure: FailureSchema,
			Metrics: []EvalMetric{{Name: "schema", Value: 0, Pass: false}},
			Reason:  fmt.Sprintf("eval failed: %v", err),
		}
	}

	checks := []struct {
		name    string
		weight  float64
		value   float64
		failure FailureType
	}{
		{"persona", h.config.PersonaWeight, personaFit(cand.Action, s), FailurePersona},
		{"emotion", h.config.EmotionWeight, emotionFit(cand.Action, s.Input), FailureEmotion},
		{"intent", h.config.IntentWeight, intentFit(cand.Action, s.Input), FailureIntent},
		{"goal", h.config.GoalWeight, goalFit(cand.Action, s), FailureGoal},
	}

	metrics := []EvalMetric{{Name: "schema", Value: 1, Pass: true}}
	var score, total float64
	failure := FailureNone
	worst := 1.0
	for _, c := range checks {
		pass := c.value >= 0.5
		metrics = append(metrics, EvalMetric{Name: c.name, Value: c.value, Pass: pass})
		score += c.weight * c.value
		total += c.weight
		if !pass && c.value < worst {
			worst = c.value
			failure = c.failure
		}
	}
	if total > 0 {
		score /= total
	}

	passed := score >= h.config.PassThreshold && failure != FailurePersona
	reason := "all checks passed"
	if failure != FailureNone {
		reason = fmt.Sprintf("weakest check: %s", failure)
	}
	return EvalResult{
		Score:   score,
		Passed:  passed,
		Failure: failure,
		Metrics: metrics,
		Reason:  reason,
	}
}

// #endregion eval-harness

// #region checks
// personaFit: 1 allowed, 0.3 banned in this context (the guard would
// substitute), 0 not allowed at all.
func personaFit(a contracts.Action, s Subject) float64 {
	if s.Persona == nil {
		return 1
	}
	if !s.Persona.Allows(a.Type) {
		return 0
	}
	for _, fc := range s.Persona.ForbiddenCombinations {
		if fc.Matches(a.Type, s.Input) {
			return 0.3
		}
	}
	return 1
}

func emotionFit(a contracts.Action, in contracts.InputState) float64 {
	switch in.SpeechEmotion {
	case contracts.EmotionStress, contracts.EmotionAngry:
		switch a.Type {
		case contracts.ActionEnterFocusMode:
			if a.Params.Duration > 90 {
				return 0.4
			}
			return 1
		case contracts.ActionSuggestBreak, contracts.ActionSetReminder:
			return 0.8
		}
		return 0.4
	case contracts.EmotionFatigue, contracts.EmotionSad:
		switch a.Type {
		case contracts.ActionSuggestBreak:
			return 1
		case contracts.ActionEnterFocusMode:
			if a.Params.Duration > 45 {
				return 0.2
			}
			return 0.5
		}
		return 0.7
	}
	return 0.8
}

func intentFit(a contracts.Action, in contracts.InputState) float64 {
	switch in.Intent {
	case contracts.IntentReminder:
		switch a.Type {
		case contracts.ActionSetReminder:
			return 1
		case contracts.ActionEnterFocusMode:
			// a deadline makes protected work time a valid answer to a reminder
			if in.Entity("deadline") != "" || in.HasFlag(contracts.FlagDeadlineNear) {
				return 0.9
			}
			return 0.6
		}
		return 0.3
	case contracts.IntentFocus:
		if a.Type == contracts.ActionEnterFocusMode {
			return 1
		}
		return 0.3
	case contracts.IntentBreak:
		if a.Type == contracts.ActionSuggestBreak {
			return 1
		}
		return 0.3
	case contracts.IntentChat:
		if a.Type == contracts.ActionNone {
			return 0.9
		}
		return 0.5
	}
	return 0.6
}

// goalFit rewards working actions when the utterance touches a goal or a
// remembered fact.
func goalFit(a contracts.Action, s Subject) float64 {
	utter := words(s.Input.UserText + " " + s.Input.Entity("task"))
	relevant := false
	for _, src := range append(append([]string{}, s.Goals...), s.Memory.Facts...) {
		for w := range words(src) {
			if utter[w] {
				relevant = true
				break
			}
		}
		if relevant {
			break
		}
	}
	if !relevant {
		return 0.7
	}
	switch a.Type {
	case contracts.ActionEnterFocusMode, contracts.ActionSetReminder:
		return 1
	}
	return 0.4
}

func words(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) }) {
		if len(w) >= 4 {
			out[w] = true
		}
	}
	return out
}

// #endregion checks
