package macro

// #region imports
import (
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/eval"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

// #endregion

// #region strategy-id
// StrategyID identifies a prompting strategy.
type StrategyID string

const (
	StrategyDefault       StrategyID = "default"
	StrategyMinimal       StrategyID = "minimal"
	StrategyPersonaStrict StrategyID = "persona_strict"
	StrategyEmpathic      StrategyID = "empathic"
	StrategyIntentDirect  StrategyID = "intent_direct"
)

// #endregion

// #region strategy-config
// StrategyConfig defines how a strategy shapes the prompt.
type StrategyConfig struct {
	ID             StrategyID
	MaxFacts       int
	MaxEpisodes    int
	InjectRules    bool
	Temperature    float32
	PromptModifier string // appended to the user prompt, empty = none
}

// #endregion

// #region config
// Config controls the generate-evaluate-refine loop.
type Config struct {
	Timeout        time.Duration // whole loop; 0 = caller context only
	MaxRefinements int           // extra attempts after the first
	MinAcceptScore float64       // best-effort floor when no attempt passes
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        4 * time.Second,
		MaxRefinements: 2,
		MinAcceptScore: 0.4,
	}
}

// #endregion config

// #region plan-input
// PlanInput is everything the macro policy sees for one cycle.
type PlanInput struct {
	CycleID  string
	StateKey contracts.StateKey
	Input    contracts.InputState
	Memory   contracts.MemoryContext
	Goals    []string
	Persona  *persona.Constitution
	Now      time.Time
}

// #endregion

// #region attempt
// Attempt records one generation within a cycle.
type Attempt struct {
	Strategy   StrategyID
	Raw        string
	Candidate  *contracts.Candidate // nil when the output did not parse
	Evaluation eval.EvalResult
	Err        error
}

// #endregion

// #region result
// Result is the macro policy outcome. Candidate is nil when the policy
// contributes nothing this cycle.
type Result struct {
	Candidate   *contracts.Candidate
	Attempts    []Attempt
	Unavailable bool
	Reason      string
}

// #endregion
