// Package discretize maps an InputState and MemoryContext to a StateKey.
//
// The feature set is fixed: rhythm, health, emotion, goal and env, in that
// order. Each feature has an "unknown" bucket. Changing a feature or its
// buckets changes the key space and must bump Version.
package discretize

import (
	"strings"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

// Version tags persisted Q-table rows produced from keys of this discretizer.
const Version = "d1"

// Unknown is the reserved bucket of every feature.
const Unknown = "unknown"

// Features lists the feature names in key order.
var Features = []string{"rhythm", "health", "emotion", "goal", "env"}

// priorityWords mark a memory fact as describing an important goal.
var priorityWords = []string{"priority", "important", "urgent", "critical", "must"}

// Discretize is total and pure: identical inputs yield identical keys.
func Discretize(in contracts.InputState, mem contracts.MemoryContext) contracts.StateKey {
	vals := []string{
		rhythm(in, mem),
		health(in),
		emotion(in, mem),
		goal(in, mem),
		env(in),
	}
	parts := make([]string, len(Features))
	for i, f := range Features {
		parts[i] = f + "=" + vals[i]
	}
	return contracts.StateKey(strings.Join(parts, "|"))
}

// Parse splits a key back into feature buckets. Missing features map to Unknown.
func Parse(key contracts.StateKey) map[string]string {
	out := make(map[string]string, len(Features))
	for _, f := range Features {
		out[f] = Unknown
	}
	for _, part := range strings.Split(string(key), "|") {
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if _, known := out[name]; known && val != "" {
			out[name] = val
		}
	}
	return out
}

func rhythm(in contracts.InputState, mem contracts.MemoryContext) string {
	switch {
	case in.HasFlag(contracts.FlagDeepWorkMode) && !in.HasFlag(contracts.FlagInterruptionHigh):
		return "deep_focus"
	case in.HasFlag(contracts.FlagHighWorkload),
		in.HasFlag(contracts.FlagDeadlineNear) && in.SpeechEmotion == contracts.EmotionStress:
		return "intense_work"
	case in.SpeechEmotion == contracts.EmotionFatigue:
		return "energy_low"
	case in.HasFlag(contracts.FlagInterruptionHigh), in.HasFlag(contracts.FlagTaskSwitching),
		episodesMention(mem, "interrupt"):
		return "fragmented"
	case in.HasFlag(contracts.FlagEnergyHigh),
		in.SpeechEmotion == contracts.EmotionCalm, in.SpeechEmotion == contracts.EmotionHappy:
		return "steady_flow"
	case in.SpeechEmotion == contracts.EmotionUnknown && len(in.ContextFlags) == 0:
		return Unknown
	}
	return "normal"
}

func health(in contracts.InputState) string {
	switch {
	case in.HasFlag(contracts.FlagSittingOver2h):
		return "sitting_long"
	case in.HasFlag(contracts.FlagSittingOver1h):
		return "sitting_moderate"
	case in.SpeechEmotion == contracts.EmotionStress:
		return "stress_high"
	case in.SpeechEmotion == contracts.EmotionFatigue:
		return "energy_depleted"
	case in.HasFlag(contracts.FlagEnvUncomfortable):
		return "env_poor"
	case in.SpeechEmotion == contracts.EmotionUnknown:
		return Unknown
	}
	return "healthy"
}

func emotion(in contracts.InputState, mem contracts.MemoryContext) string {
	e, s := in.SpeechEmotion, in.TextSentiment
	switch {
	case e == contracts.EmotionStress && (s == contracts.SentimentNegative || episodesFelt(mem, "frustrat")):
		return "overwhelmed"
	case e == contracts.EmotionStress:
		return "tense"
	case e == contracts.EmotionSad, e == contracts.EmotionAngry:
		return "need_comfort"
	case e == contracts.EmotionFatigue:
		return "drained"
	case e == contracts.EmotionHappy, s == contracts.SentimentPositive:
		return "positive"
	case e == contracts.EmotionCalm:
		return "calm"
	case e == contracts.EmotionUnknown && s == contracts.SentimentUnknown:
		return Unknown
	}
	return "neutral"
}

func goal(in contracts.InputState, mem contracts.MemoryContext) string {
	important := in.HasFlag(contracts.FlagImportantTask) || mentionsPriorityFact(in.UserText, mem)
	behind := in.HasFlag(contracts.FlagDeadlineNear) || in.Entity("deadline") != "" ||
		in.SpeechEmotion == contracts.EmotionStress
	active := in.Intent == contracts.IntentReminder || in.Intent == contracts.IntentFocus || in.Entity("task") != ""
	switch {
	case important && behind:
		return "important_behind"
	case important:
		return "important_progress"
	case active:
		return "goal_active"
	case in.UserText == "" && len(in.ContextFlags) == 0:
		return Unknown
	case in.Intent == contracts.IntentChat && strings.HasSuffix(in.UserText, "?"):
		return "goal_unclear"
	}
	return "routine"
}

func env(in contracts.InputState) string {
	tod := in.TimeOfDay
	switch {
	case tod == contracts.TimeUnknown:
		return Unknown
	case tod == contracts.TimeMorning && in.HasFlag(contracts.FlagEnergyHigh):
		return "morning_fresh"
	case tod == contracts.TimeAfternoon && in.SpeechEmotion == contracts.EmotionFatigue:
		return "afternoon_low"
	case (tod == contracts.TimeEvening || tod == contracts.TimeNight) && in.HasFlag(contracts.FlagOvertime):
		return "evening_overtime"
	case in.HasFlag(contracts.FlagInterruptionHigh), in.HasFlag(contracts.FlagTaskSwitching):
		return string(tod) + "_chaotic"
	case in.HasFlag(contracts.FlagQuietSpace), in.HasFlag(contracts.FlagDeepWorkMode):
		return string(tod) + "_peaceful"
	}
	return string(tod) + "_normal"
}

// #region memory-tags
func episodesMention(mem contracts.MemoryContext, stem string) bool {
	for _, ep := range mem.Episodes {
		if strings.Contains(strings.ToLower(ep.Event), stem) {
			return true
		}
	}
	return false
}

func episodesFelt(mem contracts.MemoryContext, stem string) bool {
	for _, ep := range mem.Episodes {
		if strings.Contains(strings.ToLower(ep.Emotion), stem) {
			return true
		}
	}
	return false
}

// mentionsPriorityFact reports whether a fact marked as a priority shares a
// significant word (4+ letters) with the utterance.
func mentionsPriorityFact(text string, mem contracts.MemoryContext) bool {
	if text == "" {
		return false
	}
	words := significantWords(text)
	for _, fact := range mem.Facts {
		lower := strings.ToLower(fact)
		if !containsAny(lower, priorityWords) {
			continue
		}
		for w := range significantWords(fact) {
			if words[w] && !containsAny(w, priorityWords) {
				return true
			}
		}
	}
	return false
}

func significantWords(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if len(w) >= 4 {
			out[w] = true
		}
	}
	return out
}

func containsAny(s string, kws []string) bool {
	for _, kw := range kws {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// #endregion memory-tags
