package contracts

import (
	"sort"
	"strings"
	"time"
)

// #region enums
// SpeechEmotion is the label produced by upstream speech-emotion inference.
type SpeechEmotion string

const (
	EmotionUnknown SpeechEmotion = ""
	EmotionStress  SpeechEmotion = "stress"
	EmotionCalm    SpeechEmotion = "calm"
	EmotionHappy   SpeechEmotion = "happy"
	EmotionSad     SpeechEmotion = "sad"
	EmotionAngry   SpeechEmotion = "angry"
	EmotionFatigue SpeechEmotion = "fatigue"
)

// TextSentiment is the polarity of the transcribed utterance.
type TextSentiment string

const (
	SentimentUnknown  TextSentiment = ""
	SentimentPositive TextSentiment = "positive"
	SentimentNeutral  TextSentiment = "neutral"
	SentimentNegative TextSentiment = "negative"
)

// TimeOfDay buckets the local clock.
type TimeOfDay string

const (
	TimeUnknown   TimeOfDay = ""
	TimeMorning   TimeOfDay = "morning"
	TimeAfternoon TimeOfDay = "afternoon"
	TimeEvening   TimeOfDay = "evening"
	TimeNight     TimeOfDay = "night"
)

// Intent is the coarse purpose of the utterance.
type Intent string

const (
	IntentUnknown  Intent = ""
	IntentReminder Intent = "reminder"
	IntentFocus    Intent = "focus"
	IntentBreak    Intent = "break"
	IntentChat     Intent = "chat"
)

// Flag is a context flag raised by the environment sensors or the host.
type Flag string

const (
	FlagDeadlineNear     Flag = "deadline_near"
	FlagInterruptionHigh Flag = "interruption_high"
	FlagDeepWorkMode     Flag = "deep_work_mode"
	FlagImportantTask    Flag = "important_task"
	FlagQuietSpace       Flag = "quiet_space"
	FlagSittingOver2h    Flag = "sitting_over_2h"
	FlagSittingOver1h    Flag = "sitting_over_1h"
	FlagHighWorkload     Flag = "high_workload"
	FlagEnvUncomfortable Flag = "env_uncomfortable"
	FlagTaskSwitching    Flag = "task_switching"
	FlagEnergyHigh       Flag = "energy_high"
	FlagOvertime         Flag = "overtime"
)

// AgentMode selects which policy the router trusts.
type AgentMode string

const (
	ModeMicro  AgentMode = "Micro"
	ModeMacro  AgentMode = "Macro"
	ModeHybrid AgentMode = "Hybrid"
)

// ParseAgentMode accepts the canonical names and the legacy QLearning/GSPO aliases.
func ParseAgentMode(s string) (AgentMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "micro", "qlearning", "q_learning":
		return ModeMicro, true
	case "macro", "gspo":
		return ModeMacro, true
	case "hybrid":
		return ModeHybrid, true
	}
	return "", false
}

// PolicySource records which policy produced a candidate.
type PolicySource string

const (
	SourceMicro    PolicySource = "Micro"
	SourceMacro    PolicySource = "Macro"
	SourceHybrid   PolicySource = "Hybrid"
	SourceFallback PolicySource = "Fallback"
)

// #endregion enums

// #region input-state
// InputState is the canonical perception snapshot for one decision cycle.
// Build it with NewInputState; it is not mutated afterwards.
type InputState struct {
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	UserText      string            `json:"user_text"`
	SpeechEmotion SpeechEmotion     `json:"speech_emotion"`
	TextSentiment TextSentiment     `json:"text_sentiment"`
	ContextFlags  []Flag            `json:"context_flags"`
	TimeOfDay     TimeOfDay         `json:"time_of_day"`
	Intent        Intent            `json:"intent"`
	Entities      map[string]string `json:"entities,omitempty"`
}

// NewInputState copies flags and entities so callers cannot alias them.
// Flags are deduplicated and sorted.
func NewInputState(in InputState) InputState {
	seen := make(map[Flag]bool, len(in.ContextFlags))
	flags := make([]Flag, 0, len(in.ContextFlags))
	for _, f := range in.ContextFlags {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		flags = append(flags, f)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	in.ContextFlags = flags

	if len(in.Entities) > 0 {
		ents := make(map[string]string, len(in.Entities))
		for k, v := range in.Entities {
			ents[k] = v
		}
		in.Entities = ents
	} else {
		in.Entities = nil
	}
	return in
}

// HasFlag reports whether f is set.
func (s InputState) HasFlag(f Flag) bool {
	for _, x := range s.ContextFlags {
		if x == f {
			return true
		}
	}
	return false
}

// Entity returns the named entity or "".
func (s InputState) Entity(name string) string {
	return s.Entities[name]
}

// #endregion input-state

// #region memory-context
// Episode is one remembered event.
type Episode struct {
	Event     string    `json:"event"`
	Emotion   string    `json:"emotion"`
	Timestamp time.Time `json:"ts"`
}

// MemoryContext is the read-only memory snapshot for one cycle.
type MemoryContext struct {
	Facts    []string  `json:"facts"`
	Episodes []Episode `json:"episodes"`
	// Ref identifies the snapshot in the memory store, when the store provides one.
	Ref string `json:"ref,omitempty"`
}

// IsEmpty reports whether the context carries nothing.
func (m MemoryContext) IsEmpty() bool {
	return len(m.Facts) == 0 && len(m.Episodes) == 0
}

// #endregion memory-context

// StateKey is the deterministic discrete state identifier.
type StateKey string

// #region candidate
// Candidate is a proposed action with the proposing policy's confidence in [0,1].
type Candidate struct {
	Action     Action       `json:"action"`
	ActionID   string       `json:"action_id"`
	Confidence float64      `json:"confidence"`
	Source     PolicySource `json:"source"`
	Explored   bool         `json:"explored,omitempty"`
	Reasoning  string       `json:"reasoning,omitempty"`
	// Animation is an optional presentation hint from the macro policy.
	Animation string `json:"animation,omitempty"`
}

// #endregion candidate

// #region guard-records
// Adjustment is one change PersonaGuard made to a candidate.
type Adjustment struct {
	Rule   string `json:"rule"`
	Kind   string `json:"kind"` // "ban" | "rewrite" | "default"
	Before Action `json:"before"`
	After  Action `json:"after"`
	Detail string `json:"detail,omitempty"`
}

// Violation is a constitution breach PersonaGuard saw.
type Violation struct {
	Rule     string     `json:"rule"`
	Action   ActionType `json:"action"`
	Resolved bool       `json:"resolved"`
	Detail   string     `json:"detail,omitempty"`
}

// #endregion guard-records
