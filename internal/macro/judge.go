package macro

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/eval"
	"github.com/danielpatrickdp/emate/decision-core/internal/llm"
)

// #region judge-config
// JudgeConfig tunes the model-backed judge.
type JudgeConfig struct {
	Timeout       time.Duration // per scoring call; 0 = caller context only
	Weight        float64       // share of the model score in the blended score
	PassThreshold float64
}

// DefaultJudgeConfig returns the judge defaults.
func DefaultJudgeConfig() JudgeConfig {
	return JudgeConfig{
		Timeout:       1500 * time.Millisecond,
		Weight:        0.5,
		PassThreshold: eval.DefaultEvalConfig().PassThreshold,
	}
}

// #endregion judge-config

// #region llm-judge
// LLMJudge scores a candidate with a second model call and blends it with
// the rule checks of Fallback. Schema and persona failures found by the
// rules are final. Any model error or timeout returns the rule result.
type LLMJudge struct {
	client   llm.Client
	fallback Judge
	cfg      JudgeConfig
	logger   *zap.Logger
}

// NewLLMJudge builds a judge over client. fallback must not be nil.
func NewLLMJudge(client llm.Client, fallback Judge, cfg JudgeConfig, logger *zap.Logger) *LLMJudge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Weight <= 0 || cfg.Weight > 1 {
		cfg.Weight = 0.5
	}
	return &LLMJudge{client: client, fallback: fallback, cfg: cfg, logger: logger.Named("judge")}
}

// Judge implements Judge.
func (j *LLMJudge) Judge(ctx context.Context, cand contracts.Candidate, s eval.Subject) eval.EvalResult {
	rule := j.fallback.Judge(ctx, cand, s)
	if rule.Failure == eval.FailureSchema || rule.Failure == eval.FailurePersona {
		return rule
	}

	if j.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.cfg.Timeout)
		defer cancel()
	}
	resp, err := j.client.Complete(ctx, llm.Request{
		System:      judgeSystem,
		Prompt:      judgePrompt(cand, s),
		JSON:        true,
		Temperature: 0,
	})
	if err != nil {
		j.logger.Debug("llm judge unavailable, using rule score", zap.Error(err))
		return rule
	}
	v, err := ParseVerdict(resp.Text)
	if err != nil {
		j.logger.Debug("llm judge output unusable, using rule score", zap.Error(err))
		return rule
	}

	score := (1-j.cfg.Weight)*rule.Score + j.cfg.Weight*v.Score
	out := rule
	out.Metrics = append(append([]eval.EvalMetric(nil), rule.Metrics...),
		eval.EvalMetric{Name: "llm", Value: v.Score, Pass: v.Score >= j.cfg.PassThreshold})
	out.Score = score
	out.Passed = score >= j.cfg.PassThreshold
	if v.Reason != "" {
		out.Reason = fmt.Sprintf("%s; judge: %s", rule.Reason, v.Reason)
	}
	return out
}

// #endregion llm-judge

// #region verdict
// Verdict is the parsed judge answer.
type Verdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// ParseVerdict reads {"score":0..1,"reason":"..."} from model output. Scores
// given on a 0..10 scale are rescaled; anything else out of range is an error.
func ParseVerdict(raw string) (Verdict, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Verdict{}, fmt.Errorf("%w: no JSON object", ErrMalformedOutput)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if math.IsNaN(v.Score) || v.Score < 0 || v.Score > 10 {
		return Verdict{}, fmt.Errorf("%w: score %v out of range", ErrMalformedOutput, v.Score)
	}
	if v.Score > 1 {
		v.Score /= 10
	}
	v.Reason = strings.TrimSpace(v.Reason)
	return v, nil
}

// #endregion verdict

// #region judge-prompt
const judgeSystem = `You review actions proposed by a productivity companion.
Score how well the action fits the persona, the user's emotional state and their stated goals.
Answer with one JSON object: {"score": <number 0..1>, "reason": "<one short sentence>"}.`

func judgePrompt(cand contracts.Candidate, s eval.Subject) string {
	var b strings.Builder
	if s.Persona != nil {
		fmt.Fprintf(&b, "Persona: %s. %s\n", s.Persona.PersonaID, s.Persona.Description)
	}
	in := s.Input
	fmt.Fprintf(&b, "User said: %q\n", in.UserText)
	fmt.Fprintf(&b, "Emotion: %s, sentiment: %s, time: %s\n", in.SpeechEmotion, in.TextSentiment, in.TimeOfDay)
	if len(s.Goals) > 0 {
		fmt.Fprintf(&b, "Goals: %s\n", strings.Join(s.Goals, "; "))
	}
	fmt.Fprintf(&b, "Proposed action: %s", cand.ActionID)
	if cand.Reasoning != "" {
		fmt.Fprintf(&b, " (%s)", cand.Reasoning)
	}
	b.WriteString("\n")
	return b.String()
}

// #endregion judge-prompt
