package macro

import (
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/eval"
)

// #region strategy-definitions
// Strategies is the full set of built-in strategy configs.
var Strategies = map[StrategyID]StrategyConfig{
	StrategyDefault: {
		ID:          StrategyDefault,
		MaxFacts:    5,
		MaxEpisodes: 3,
		InjectRules: true,
		Temperature: 0.7,
	},
	StrategyMinimal: {
		ID:             StrategyMinimal,
		MaxFacts:       1,
		MaxEpisodes:    0,
		InjectRules:    true,
		Temperature:    0.2,
		PromptModifier: "Answer with the JSON object only. Keep parameters inside the stated bounds.",
	},
	StrategyPersonaStrict: {
		ID:             StrategyPersonaStrict,
		MaxFacts:       3,
		MaxEpisodes:    1,
		InjectRules:    true,
		Temperature:    0.3,
		PromptModifier: "Your previous action broke the persona rules. Pick only from the allowed actions and respect every forbidden combination.",
	},
	StrategyEmpathic: {
		ID:             StrategyEmpathic,
		MaxFacts:       3,
		MaxEpisodes:    3,
		InjectRules:    true,
		Temperature:    0.5,
		PromptModifier: "Weigh the user's emotional state first. Prefer gentle, short commitments when they are tired or upset.",
	},
	StrategyIntentDirect: {
		ID:             StrategyIntentDirect,
		MaxFacts:       5,
		MaxEpisodes:    1,
		InjectRules:    true,
		Temperature:    0.3,
		PromptModifier: "Serve exactly what the user asked for and the goal it belongs to.",
	},
}

// #endregion

// #region retry-escalation
// retryEscalation maps failure type to an ordered strategy fallback chain.
var retryEscalation = map[eval.FailureType][]StrategyID{
	eval.FailureSchema:  {StrategyMinimal, StrategyPersonaStrict},
	eval.FailurePersona: {StrategyPersonaStrict, StrategyMinimal},
	eval.FailureEmotion: {StrategyEmpathic, StrategyIntentDirect},
	eval.FailureIntent:  {StrategyIntentDirect, StrategyMinimal},
	eval.FailureGoal:    {StrategyIntentDirect, StrategyEmpathic},
}

// #endregion

// #region selector
// StrategySelector picks strategies from learned outcomes and failures.
type StrategySelector struct {
	prefs *PreferenceStore // nil = no learning
}

// NewStrategySelector creates a selector with optional preference backing.
func NewStrategySelector(prefs *PreferenceStore) *StrategySelector {
	return &StrategySelector{prefs: prefs}
}

// SelectInitial picks the first strategy for a cycle.
func (s *StrategySelector) SelectInitial(in contracts.InputState) StrategyConfig {
	if s.prefs != nil {
		learned, _, err := s.prefs.BestStrategy(string(in.Intent), string(in.SpeechEmotion))
		if err == nil && learned != "" {
			if cfg, ok := Strategies[learned]; ok {
				return cfg
			}
		}
	}
	switch in.SpeechEmotion {
	case contracts.EmotionSad, contracts.EmotionFatigue:
		return Strategies[StrategyEmpathic]
	}
	return Strategies[StrategyDefault]
}

// SelectRetry picks the next strategy after a failure, avoiding tried ones.
func (s *StrategySelector) SelectRetry(failure eval.FailureType, tried []StrategyID) *StrategyConfig {
	triedSet := make(map[StrategyID]bool)
	for _, t := range tried {
		triedSet[t] = true
	}

	chain, ok := retryEscalation[failure]
	if !ok {
		chain = retryEscalation[eval.FailureSchema]
	}
	for _, sid := range chain {
		if !triedSet[sid] {
			cfg := Strategies[sid]
			return &cfg
		}
	}

	all := []StrategyID{StrategyDefault, StrategyMinimal, StrategyPersonaStrict, StrategyEmpathic, StrategyIntentDirect}
	for _, sid := range all {
		if !triedSet[sid] {
			cfg := Strategies[sid]
			return &cfg
		}
	}
	return nil
}

// #endregion
