// Package macro is the reflective policy: an LLM proposes an action, a judge
// (rule checks, optionally blended with a second model call) scores it, and
// low scores are sent back for refinement.
package macro

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/eval"
	"github.com/danielpatrickdp/emate/decision-core/internal/llm"
)

// #endregion

// #region interfaces
// Generator produces raw proposal text for a prompt.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, p Prompt) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// Judge scores a parsed candidate.
type Judge interface {
	Judge(ctx context.Context, cand contracts.Candidate, s eval.Subject) eval.EvalResult
}

// RuleJudge is the deterministic judge backed by the eval harness.
type RuleJudge struct {
	Harness *eval.EvalHarness
}

// Judge implements Judge.
func (j RuleJudge) Judge(_ context.Context, cand contracts.Candidate, s eval.Subject) eval.EvalResult {
	return j.Harness.Run(cand, s)
}

// LLMGenerator adapts an llm.Client.
type LLMGenerator struct {
	Client llm.Client
}

// Generate implements Generator.
func (g LLMGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	resp, err := g.Client.Complete(ctx, llm.Request{
		System:      p.System,
		Prompt:      p.User,
		JSON:        true,
		Temperature: p.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// #endregion

// #region policy
// Policy runs the generate-evaluate-refine loop.
type Policy struct {
	cfg      Config
	gen      Generator
	judge    Judge
	prompts  PromptEngine
	selector *StrategySelector
	prefs    *PreferenceStore
	logger   *zap.Logger
}

// NewPolicy creates a macro policy. gen may be nil, in which case Propose
// always reports MacroUnavailable. prefs may be nil.
func NewPolicy(cfg Config, gen Generator, judge Judge, prefs *PreferenceStore, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	if judge == nil {
		judge = RuleJudge{Harness: eval.NewEvalHarness(eval.DefaultEvalConfig())}
	}
	return &Policy{
		cfg:      cfg,
		gen:      gen,
		judge:    judge,
		selector: NewStrategySelector(prefs),
		prefs:    prefs,
		logger:   logger.Named("macro"),
	}
}

// Available reports whether a generator is wired.
func (p *Policy) Available() bool { return p.gen != nil }

// #endregion

// #region propose
// Propose runs up to 1+MaxRefinements attempts under the configured timeout.
// The first passing candidate wins; otherwise the best candidate scoring at
// least MinAcceptScore. Timeouts, generator errors and unusable output yield
// no candidate, Unavailable set and an error wrapping ErrMacroUnavailable.
// Confidence of the returned candidate is its evaluation score.
func (p *Policy) Propose(ctx context.Context, in PlanInput) (Result, error) {
	if p.gen == nil {
		return Result{Unavailable: true, Reason: "no generator"},
			fmt.Errorf("%w: no generator", contracts.ErrMacroUnavailable)
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	subject := eval.Subject{Input: in.Input, Memory: in.Memory, Goals: in.Goals, Persona: in.Persona}
	strat := p.selector.SelectInitial(in.Input)
	var res Result
	feedback := ""
	best := -1

	for n := 0; n <= p.cfg.MaxRefinements; n++ {
		att := p.attempt(ctx, in, subject, strat, feedback)
		res.Attempts = append(res.Attempts, att)

		if att.Err != nil && ctx.Err() != nil {
			break
		}
		if att.Candidate != nil && (best < 0 || att.Evaluation.Score > res.Attempts[best].Evaluation.Score) {
			best = len(res.Attempts) - 1
		}
		if att.Candidate != nil && att.Evaluation.Passed {
			break
		}

		tried := make([]StrategyID, len(res.Attempts))
		for i, a := range res.Attempts {
			tried[i] = a.Strategy
		}
		failure := att.Evaluation.Failure
		if att.Candidate == nil {
			failure = eval.FailureSchema
		}
		next := p.selector.SelectRetry(failure, tried)
		if next == nil {
			break
		}
		p.logger.Debug("macro refine",
			zap.String("cycle_id", in.CycleID),
			zap.String("failure", string(failure)),
			zap.String("next_strategy", string(next.ID)))
		strat = *next
		feedback = att.Evaluation.Reason
		if att.Err != nil {
			feedback = att.Err.Error()
		}
	}

	accepted := -1
	if best >= 0 {
		b := res.Attempts[best]
		if b.Evaluation.Passed || b.Evaluation.Score >= p.cfg.MinAcceptScore {
			accepted = best
		}
	}
	p.record(in, res.Attempts, accepted)

	if accepted < 0 {
		res.Unavailable = true
		cause := "no acceptable candidate"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = "timeout"
		} else if last := res.Attempts[len(res.Attempts)-1]; last.Err != nil {
			cause = last.Err.Error()
		}
		res.Reason = cause
		p.logger.Warn("macro unavailable",
			zap.String("cycle_id", in.CycleID),
			zap.Int("attempts", len(res.Attempts)),
			zap.String("reason", cause))
		return res, fmt.Errorf("%w: %s", contracts.ErrMacroUnavailable, cause)
	}

	cand := *res.Attempts[accepted].Candidate
	cand.Confidence = res.Attempts[accepted].Evaluation.Score
	res.Candidate = &cand
	res.Reason = fmt.Sprintf("attempt %d/%d via %s scored %.2f",
		accepted+1, len(res.Attempts), res.Attempts[accepted].Strategy, cand.Confidence)
	p.logger.Info("macro proposal",
		zap.String("cycle_id", in.CycleID),
		zap.String("action", describe(cand.Action)),
		zap.Float64("score", cand.Confidence),
		zap.Int("attempts", len(res.Attempts)))
	return res, nil
}

func (p *Policy) attempt(ctx context.Context, in PlanInput, s eval.Subject, strat StrategyConfig, feedback string) Attempt {
	att := Attempt{Strategy: strat.ID}
	raw, err := p.gen.Generate(ctx, p.prompts.Render(in, strat, feedback))
	if err != nil {
		att.Err = fmt.Errorf("generate: %w", err)
		return att
	}
	att.Raw = raw
	cand, err := Parse(raw, in.Input, in.Now)
	if err != nil {
		att.Err = err
		att.Evaluation = eval.EvalResult{Failure: eval.FailureSchema, Reason: err.Error()}
		return att
	}
	att.Candidate = &cand
	att.Evaluation = p.judge.Judge(ctx, cand, s)
	return att
}

// record persists every attempt as a preference sample.
func (p *Policy) record(in PlanInput, attempts []Attempt, accepted int) {
	if p.prefs == nil {
		return
	}
	personaID := ""
	if in.Persona != nil {
		personaID = in.Persona.PersonaID
	}
	for i, a := range attempts {
		if a.Candidate == nil && a.Raw == "" {
			continue
		}
		s := Sample{
			CycleID:     in.CycleID,
			PersonaID:   personaID,
			StateKey:    in.StateKey,
			Intent:      in.Input.Intent,
			Emotion:     in.Input.SpeechEmotion,
			StrategyID:  a.Strategy,
			AttemptNum:  i,
			Score:       a.Evaluation.Score,
			FailureType: string(a.Evaluation.Failure),
			Accepted:    i == accepted,
			CreatedAt:   in.Now,
		}
		if a.Candidate != nil {
			s.ActionID = a.Candidate.ActionID
		}
		if err := p.prefs.Record(s); err != nil {
			p.logger.Warn("failed to record preference sample", zap.Error(err))
		}
	}
}

// #endregion
