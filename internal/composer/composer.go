// Package composer turns the guarded candidate into the final OutputCommand.
package composer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

// Presentation values.
const (
	AnimFocused       = "focused"
	AnimEmpatheticNod = "empathetic_nod"
	AnimBreathingCalm = "breathing_calm"

	LightFocusBlue      = "focus_blue"
	LightWarmYellowGlow = "warm_yellow_glow"
	LightCalmGreenPulse = "calm_green_pulse"
	LightOff            = "off"
)

// Input is everything the composer needs for one cycle.
type Input struct {
	CycleID    string
	State      contracts.InputState
	StateKey   contracts.StateKey
	Chosen     contracts.PolicySource
	Candidate  contracts.Candidate
	Violations []contracts.Violation
	Persona    *persona.Constitution
	Flags      []string
	Reasoning  string
}

// Composer is stateless apart from its logger.
type Composer struct {
	logger *zap.Logger
}

// New builds a composer.
func New(logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{logger: logger.Named("composer")}
}

// Compose resolves residual conflicts and emits the command. An unresolved
// violation or an action failing its schema yields the None action with a
// flag and an explanation.
func (c *Composer) Compose(in Input) contracts.OutputCommand {
	flags := append([]string(nil), in.Flags...)
	action := in.Candidate.Action
	chosen := in.Chosen
	explanation := ""

	for _, v := range in.Violations {
		if !v.Resolved {
			explanation = fmt.Sprintf("%s: %s (%v)", contracts.ErrPersonaViolationUnresolved, v.Detail, v.Rule)
			flags = append(flags, contracts.FlagViolationUnresolved)
			action = contracts.NoneAction()
			break
		}
	}
	if action.Type == "" {
		action = contracts.NoneAction()
	}
	if err := action.Validate(); err != nil {
		explanation = err.Error()
		flags = append(flags, contracts.FlagInvalidAction)
		action = contracts.NoneAction()
	}
	if explanation != "" {
		c.logger.Warn("emitting none action",
			zap.String("cycle_id", in.CycleID), zap.String("reason", explanation))
	}

	reasoning := in.Reasoning
	if reasoning == "" {
		reasoning = in.Candidate.Reasoning
	}
	if explanation != "" {
		reasoning = strings.TrimSpace(reasoning + "; " + explanation)
	}

	exec := Presentation(action, in.State.SpeechEmotion, in.Candidate.Animation, in.Persona)
	return contracts.OutputCommand{
		CycleID:         in.CycleID,
		StateKey:        in.StateKey,
		ActionID:        actions.IDOf(action),
		ChosenPolicy:    chosen,
		ExecutionOutput: exec,
		TTSOutput:       contracts.TTSOutput{TextToSpeak: Speech(action, in.State, in.Persona)},
		Action:          action,
		MemoryOutput: contracts.MemoryOutput{MemoryToStore: contracts.MemoryToStore{
			Input:             in.State,
			DecisionReasoning: reasoning,
			FinalAction:       string(action.Type),
		}},
		Flags:       flags,
		Explanation: explanation,
	}
}

// Presentation maps an action to screen and light, honoring a macro hint for
// the animation when it fits the action and persona overrides last.
func Presentation(a contracts.Action, emotion contracts.SpeechEmotion, hint string, p *persona.Constitution) contracts.ExecutionOutput {
	var out contracts.ExecutionOutput
	switch a.Type {
	case contracts.ActionEnterFocusMode:
		out = contracts.ExecutionOutput{ScreenAnimation: AnimFocused, LightEffect: LightFocusBlue}
		switch emotion {
		case contracts.EmotionStress, contracts.EmotionSad, contracts.EmotionAngry:
			out.ScreenAnimation = AnimEmpatheticNod
		}
		if hint == AnimFocused || hint == AnimEmpatheticNod {
			out.ScreenAnimation = hint
		}
	case contracts.ActionSetReminder:
		out = contracts.ExecutionOutput{ScreenAnimation: AnimEmpatheticNod, LightEffect: LightWarmYellowGlow}
	case contracts.ActionSuggestBreak:
		out = contracts.ExecutionOutput{ScreenAnimation: AnimBreathingCalm, LightEffect: LightCalmGreenPulse}
	default:
		out = contracts.ExecutionOutput{ScreenAnimation: AnimBreathingCalm, LightEffect: LightOff}
	}
	if p != nil {
		if v, ok := p.ToneDirectives.AnimationOverrides[out.ScreenAnimation]; ok && v != "" {
			out.ScreenAnimation = v
		}
		if v, ok := p.ToneDirectives.LightOverrides[out.LightEffect]; ok && v != "" {
			out.LightEffect = v
		}
	}
	return out
}

// Speech renders the persona line for the action with its tone directives.
func Speech(a contracts.Action, in contracts.InputState, p *persona.Constitution) string {
	if p == nil {
		return ""
	}
	tmpl := p.Message(a.Type)
	if tmpl == "" {
		return ""
	}
	task := a.Params.RelatedTask
	if task == "" {
		task = in.Entity("task")
	}
	if task == "" {
		task = "this"
	}
	text := strings.NewReplacer(
		"{task}", task,
		"{duration}", strconv.Itoa(a.Params.Duration),
		"{kind}", string(a.Params.Kind),
	).Replace(tmpl)
	return ApplyTone(text, p.ToneDirectives)
}

// ApplyTone applies replacements, then prefix and suffix. Applying it to its
// own output changes nothing.
func ApplyTone(text string, t persona.ToneDirectives) string {
	if len(t.Replacements) > 0 {
		// Longest key first so "Let's" wins over "Let" at the same position.
		keys := make([]string, 0, len(t.Replacements))
		for from := range t.Replacements {
			keys = append(keys, from)
		}
		sort.Slice(keys, func(i, j int) bool {
			if len(keys[i]) != len(keys[j]) {
				return len(keys[i]) > len(keys[j])
			}
			return keys[i] < keys[j]
		})
		pairs := make([]string, 0, len(keys)*2)
		for _, from := range keys {
			pairs = append(pairs, from, t.Replacements[from])
		}
		text = strings.NewReplacer(pairs...).Replace(text)
	}
	if t.Prefix != "" && !strings.HasPrefix(text, t.Prefix) {
		text = t.Prefix + text
	}
	if t.Suffix != "" && !strings.HasSuffix(text, t.Suffix) {
		text += t.Suffix
	}
	return text
}
