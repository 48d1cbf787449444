package eval

// #region eval-config
// EvalConfig weighs the rule checks of a candidate self-evaluation.
type EvalConfig struct {
	PersonaWeight float64
	EmotionWeight float64
	IntentWeight  float64
	GoalWeight    float64
	PassThreshold float64 // candidates scoring below are sent back for refinement
}

// DefaultEvalConfig returns the default weights.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		PersonaWeight: 0.35,
		EmotionWeight: 0.2,
		IntentWeight:  0.25,
		GoalWeight:    0.2,
		PassThreshold: 0.55,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single rule check.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region failure-type
// FailureType names the dominant reason a candidate scored low.
type FailureType string

const (
	FailureNone    FailureType = "none"
	FailureSchema  FailureType = "schema"
	FailurePersona FailureType = "persona"
	FailureEmotion FailureType = "emotion"
	FailureIntent  FailureType = "intent"
	FailureGoal    FailureType = "goal"
)

// #endregion failure-type

// #region eval-result
// EvalResult is the outcome of a self-evaluation. Score is in [0,1].
type EvalResult struct {
	Score   float64
	Passed  bool
	Failure FailureType
	Metrics []EvalMetric
	Reason  string
}

// #endregion eval-result
