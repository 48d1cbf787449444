package contracts

import "time"

// #region request
// PerceptionInput is the upstream recognition output.
type PerceptionInput struct {
	UserText      string   `json:"user_text"`
	SpeechEmotion string   `json:"speech_emotion"`
	TextSentiment string   `json:"text_sentiment"`
	ContextFlags  []string `json:"context_flags"`
	TimeOfDay     string   `json:"time_of_day"`
}

// EpisodeInput is an episode as sent by the host.
type EpisodeInput struct {
	Event   string `json:"event"`
	Emotion string `json:"emotion"`
	TS      string `json:"ts"`
}

// MemoryInput lets the host pass memory directly instead of querying the store.
type MemoryInput struct {
	Facts    []string       `json:"facts"`
	Episodes []EpisodeInput `json:"episodes"`
}

// SystemContext selects persona, goals and mode.
type SystemContext struct {
	Personality   string   `json:"personality"`
	LongTermGoals []string `json:"long_term_goals"`
	AgentMode     string   `json:"agent_mode"`
}

// DecisionRequest is the input contract of one decision cycle.
type DecisionRequest struct {
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Perception PerceptionInput `json:"perception_input"`
	Memory     *MemoryInput    `json:"memory_input,omitempty"`
	System     SystemContext   `json:"system_context"`
}

// #endregion request

// #region response
// ExecutionOutput drives the screen and the light.
type ExecutionOutput struct {
	ScreenAnimation string `json:"screen_animation"`
	LightEffect     string `json:"light_effect"`
}

// TTSOutput is the spoken line.
type TTSOutput struct {
	TextToSpeak string `json:"text_to_speak"`
}

// MemoryToStore is the memory the host should persist for this cycle.
type MemoryToStore struct {
	Input             InputState `json:"input"`
	DecisionReasoning string     `json:"decision_reasoning"`
	FinalAction       string     `json:"final_action"`
}

// MemoryOutput wraps MemoryToStore.
type MemoryOutput struct {
	MemoryToStore MemoryToStore `json:"memory_to_store"`
}

// OutputCommand is the response of one decision cycle.
type OutputCommand struct {
	CycleID         string          `json:"cycle_id"`
	StateKey        StateKey        `json:"state_key"`
	ActionID        string          `json:"action_id"`
	ChosenPolicy    PolicySource    `json:"chosen_policy"`
	ExecutionOutput ExecutionOutput `json:"execution_output"`
	TTSOutput       TTSOutput       `json:"tts_output"`
	Action          Action          `json:"action"`
	MemoryOutput    MemoryOutput    `json:"memory_output"`
	Flags           []string        `json:"flags,omitempty"`
	Explanation     string          `json:"explanation,omitempty"`
}

// HasFlag reports whether the command carries flag f.
func (c OutputCommand) HasFlag(f string) bool {
	for _, x := range c.Flags {
		if x == f {
			return true
		}
	}
	return false
}

// #endregion response

// #region decision-record
// CandidateSet holds what each policy proposed. Nil means no candidate.
type CandidateSet struct {
	Micro *Candidate `json:"micro,omitempty"`
	Macro *Candidate `json:"macro,omitempty"`
}

// OutcomeSignal is a reward component observed after the cycle.
type OutcomeSignal struct {
	Channel string    `json:"channel"`
	Value   float64   `json:"value"`
	At      time.Time `json:"at"`
}

// DecisionRecord is the audit trail of one cycle. It is built once and then
// only read.
type DecisionRecord struct {
	CycleID            string          `json:"cycle_id"`
	SessionID          string          `json:"session_id"`
	UserID             string          `json:"user_id"`
	CreatedAt          time.Time       `json:"created_at"`
	InputState         InputState      `json:"input_state"`
	MemoryContextRef   string          `json:"memory_context_ref"`
	MemoryUnavailable  bool            `json:"memory_unavailable"`
	StateKey           StateKey        `json:"state_key"`
	DiscretizerVersion string          `json:"discretizer_version"`
	CandidateActions   CandidateSet    `json:"candidate_actions"`
	RoutedChoice       Candidate       `json:"routed_choice"`
	RouteReason        string          `json:"route_reason"`
	ChosenPolicy       PolicySource    `json:"chosen_policy"`
	GuardAdjustments   []Adjustment    `json:"guard_adjustments"`
	Violations         []Violation     `json:"violations,omitempty"`
	FinalAction        Action          `json:"final_action"`
	FinalActionID      string          `json:"final_action_id"`
	Reasoning          string          `json:"decision_reasoning"`
	PersonaID          string          `json:"persona_id"`
	PersonaVersion     int             `json:"persona_version"`
	Flags              []string        `json:"flags,omitempty"`
	Importance         string          `json:"importance,omitempty"`
	Tags               []string        `json:"tags,omitempty"`
	OutcomeSignals     []OutcomeSignal `json:"outcome_signals"`
}

// #endregion decision-record

// #region reward-submission
// RewardSubmission is the body of the reward ingestion endpoint. Either Reward
// is set (direct scalar for StateKey/ActionID) or Channel/Value (a component
// signal attributed by CycleID).
type RewardSubmission struct {
	SubmissionID string   `json:"submission_id"`
	CycleID      string   `json:"cycle_id,omitempty"`
	StateKey     StateKey `json:"state_key,omitempty"`
	ActionID     string   `json:"action_id,omitempty"`
	NextStateKey StateKey `json:"next_state_key,omitempty"`
	Reward       *float64 `json:"reward,omitempty"`
	Channel      string   `json:"channel,omitempty"`
	Value        *float64 `json:"value,omitempty"`
	Final        bool     `json:"final,omitempty"`
}

// #endregion reward-submission
