package macro

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// Prompt is a rendered system/user pair.
type Prompt struct {
	System      string
	User        string
	Temperature float32
}

const responseSchema = `Reply with one JSON object:
{"action": {"type": "enter_focus_mode" | "set_reminder" | "suggest_break" | "none",
            "parameters": {"duration": minutes, "timestamp": RFC3339, "kind": "stretch" | "breathing" | "walk", "related_task": string}},
 "screen_animation": "focused" | "empathetic_nod" | "breathing_calm",
 "reasoning": one or two sentences}
Only the parameters of the chosen type may be set. duration is 25, 45 or 90.`

// PromptEngine renders prompts for the generator.
type PromptEngine struct{}

// Render builds the prompt for one attempt. feedback is the evaluation reason
// of the previous attempt, empty on the first.
func (PromptEngine) Render(in PlanInput, strat StrategyConfig, feedback string) Prompt {
	var sys strings.Builder
	sys.WriteString("You are the planning module of a desk companion robot. You choose exactly one action for the user.\n")
	if p := in.Persona; p != nil {
		fmt.Fprintf(&sys, "Persona: %s. %s\n", nonEmpty(p.DisplayName, p.PersonaID), p.Description)
		if strat.InjectRules {
			allowed := make([]string, len(p.AllowedActions))
			for i, a := range p.AllowedActions {
				allowed[i] = string(a)
			}
			fmt.Fprintf(&sys, "Allowed actions: %s.\n", strings.Join(allowed, ", "))
			for _, fc := range p.ForbiddenCombinations {
				var cond []string
				for _, f := range fc.WhenFlags {
					cond = append(cond, "flag "+string(f))
				}
				for _, e := range fc.WhenEmotions {
					cond = append(cond, "emotion "+string(e))
				}
				when := "always"
				if len(cond) > 0 {
					when = "when " + strings.Join(cond, " and ")
				}
				fmt.Fprintf(&sys, "Never %s %s.\n", fc.Action, when)
			}
		}
	}
	sys.WriteString(responseSchema)

	u := in.Input
	var user strings.Builder
	fmt.Fprintf(&user, "User said: %q\n", u.UserText)
	fmt.Fprintf(&user, "Speech emotion: %s. Text sentiment: %s. Time of day: %s. Intent: %s.\n",
		nonEmpty(string(u.SpeechEmotion), "unknown"), nonEmpty(string(u.TextSentiment), "unknown"),
		nonEmpty(string(u.TimeOfDay), "unknown"), nonEmpty(string(u.Intent), "unknown"))
	if len(u.ContextFlags) > 0 {
		flags := make([]string, len(u.ContextFlags))
		for i, f := range u.ContextFlags {
			flags[i] = string(f)
		}
		fmt.Fprintf(&user, "Context flags: %s.\n", strings.Join(flags, ", "))
	}
	if task := u.Entity("task"); task != "" {
		fmt.Fprintf(&user, "Task: %s.", task)
		if d := u.Entity("deadline"); d != "" {
			fmt.Fprintf(&user, " Deadline: %s.", d)
		}
		user.WriteString("\n")
	}
	if len(in.Goals) > 0 {
		fmt.Fprintf(&user, "Long-term goals: %s.\n", strings.Join(in.Goals, "; "))
	}
	if n := min(strat.MaxFacts, len(in.Memory.Facts)); n > 0 {
		fmt.Fprintf(&user, "Known facts: %s.\n", strings.Join(in.Memory.Facts[:n], "; "))
	}
	for i, ep := range in.Memory.Episodes {
		if i >= strat.MaxEpisodes {
			break
		}
		fmt.Fprintf(&user, "Past episode: %s (felt %s).\n", ep.Event, nonEmpty(ep.Emotion, "unknown"))
	}
	if in.StateKey != "" {
		fmt.Fprintf(&user, "Discrete state: %s.\n", in.StateKey)
	}
	if feedback != "" {
		fmt.Fprintf(&user, "Your previous proposal was rejected: %s.\n", feedback)
	}
	if strat.PromptModifier != "" {
		user.WriteString(strat.PromptModifier + "\n")
	}
	return Prompt{System: sys.String(), User: user.String(), Temperature: strat.Temperature}
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// describe renders an action for logs and evaluation feedback.
func describe(a contracts.Action) string {
	switch a.Type {
	case contracts.ActionEnterFocusMode:
		return fmt.Sprintf("%s(%d)", a.Type, a.Params.Duration)
	case contracts.ActionSuggestBreak:
		return fmt.Sprintf("%s(%s)", a.Type, a.Params.Kind)
	}
	return string(a.Type)
}
