package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/composer"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
	"github.com/danielpatrickdp/emate/decision-core/internal/guard"
	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/macro"
	"github.com/danielpatrickdp/emate/decision-core/internal/metrics"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/reward"
	"github.com/danielpatrickdp/emate/decision-core/internal/signals"
	"github.com/danielpatrickdp/emate/decision-core/internal/writeback"
)

// #region config
// Config tunes the engine.
type Config struct {
	Mode            contracts.AgentMode // used when a request names no valid mode
	CycleTimeout    time.Duration       // whole cycle; 0 = caller context only
	Explore         bool                // allow epsilon exploration in the micro policy
	TransitionDelta float64             // weight added per observed state transition
	SessionTTL      time.Duration       // a session idle longer starts fresh
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            contracts.ModeHybrid,
		CycleTimeout:    6 * time.Second,
		Explore:         true,
		TransitionDelta: 0.1,
		SessionTTL:      30 * time.Minute,
	}
}

// #endregion config

// #region deps
// Deps are the stage implementations. Macro, Writeback, Transitions, Audit,
// Metrics and Signals are optional.
type Deps struct {
	Perception  Perceiver
	Memory      MemoryQuerier
	Micro       MicroPolicy
	Macro       MacroPolicy
	Router      Router
	Guard       Guard
	Composer    Composer
	Personas    Personas
	Rewards     RewardTracker
	Writeback   Writeback
	Transitions TransitionRecorder
	Audit       AuditLogger
	Metrics     *metrics.Metrics
	Signals     *signals.Producer
}

// #endregion deps

// #region engine
// Engine runs decision cycles. It is safe for concurrent use; per-cycle
// state never leaves the call stack of Decide.
type Engine struct {
	cfg      Config
	d        Deps
	sessions *sessions
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine validates deps and wires the reward finalize hook.
func NewEngine(cfg Config, d Deps, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case d.Perception == nil:
		return nil, errors.New("pipeline: perception stage is required")
	case d.Memory == nil:
		return nil, errors.New("pipeline: memory stage is required")
	case d.Micro == nil:
		return nil, errors.New("pipeline: micro policy is required")
	case d.Router == nil:
		return nil, errors.New("pipeline: router is required")
	case d.Guard == nil:
		return nil, errors.New("pipeline: guard is required")
	case d.Composer == nil:
		return nil, errors.New("pipeline: composer is required")
	case d.Personas == nil:
		return nil, errors.New("pipeline: persona registry is required")
	case d.Rewards == nil:
		return nil, errors.New("pipeline: reward collector is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = contracts.ModeHybrid
	}
	if d.Signals == nil {
		d.Signals = signals.NewProducer(signals.DefaultProducerConfig())
	}
	e := &Engine{
		cfg:      cfg,
		d:        d,
		sessions: newSessions(cfg.SessionTTL, 0),
		logger:   logger.Named("pipeline"),
		now:      time.Now,
	}
	d.Rewards.OnFinalize(e.onFinalize)
	return e, nil
}

// #endregion engine

// #region decide
// Decide runs one cycle. It returns an error only for a request that cannot
// form a valid input state (wrapping ErrMalformedRequest) or when ctx is
// cancelled before composition; the malformed case still returns the
// fail-closed None command. Every degraded stage is reported through flags.
func (e *Engine) Decide(ctx context.Context, req contracts.DecisionRequest) (out contracts.OutputCommand, err error) {
	start := e.now()
	cycleID := uuid.NewString()
	log := e.logger.With(zap.String("cycle_id", cycleID), zap.String("session_id", req.SessionID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("decision cycle panicked, failing closed",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			out = failClosed(cycleID, contracts.InputState{SessionID: req.SessionID, UserID: req.UserID},
				fmt.Sprintf("internal error: %v", r))
			err = nil
			e.observeDegraded(out.Flags)
		}
	}()

	in, gaps, err := e.d.Perception.Normalize(req)
	if err != nil {
		log.Warn("malformed request, failing closed", zap.Error(err))
		out = failClosed(cycleID, contracts.InputState{SessionID: req.SessionID, UserID: req.UserID}, err.Error())
		e.observeDegraded(out.Flags)
		return out, err
	}

	parent := ctx
	if e.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.CycleTimeout)
		defer cancel()
	}

	var flags []string
	if len(gaps) > 0 {
		flags = append(flags, contracts.FlagRecognitionGap)
	}
	mode, ok := contracts.ParseAgentMode(req.System.AgentMode)
	if !ok {
		mode = e.cfg.Mode
	}
	p := e.d.Personas.Resolve(req.System.Personality)

	// Memory query.
	gr, merr := e.d.Memory.Retrieve(ctx, in, req.Memory)
	if merr != nil || gr.Unavailable {
		flags = append(flags, contracts.FlagMemoryUnavailable)
	}
	mem := gr.Context

	// Discretize and select.
	key := discretize.Discretize(in, mem)
	legal := actions.Legal(allowedBy(p))
	sel := e.d.Micro.Select(key, legal, micro.SelectOptions{NoExplore: !e.cfg.Explore})
	microCand := sel.Candidate(in, start)
	if e.d.Metrics != nil {
		e.d.Metrics.Epsilon.Set(sel.Epsilon)
	}

	var macroCand *contracts.Candidate
	if mode != contracts.ModeMicro {
		macroCand = e.proposeMacro(ctx, log, macro.PlanInput{
			CycleID:  cycleID,
			StateKey: key,
			Input:    in,
			Memory:   mem,
			Goals:    req.System.LongTermGoals,
			Persona:  p,
			Now:      start,
		})
		if macroCand == nil {
			flags = append(flags, contracts.FlagMacroUnavailable)
		}
	}

	if cerr := parent.Err(); cerr != nil {
		log.Info("cycle cancelled before composition", zap.Error(cerr))
		return contracts.OutputCommand{}, cerr
	}

	// Route, guard, compose.
	dec := e.d.Router.Route(&microCand, macroCand, mode)
	gres := e.d.Guard.Apply(dec.Candidate, p, in, start)
	out = e.d.Composer.Compose(composer.Input{
		CycleID:    cycleID,
		State:      in,
		StateKey:   key,
		Chosen:     dec.Chosen,
		Candidate:  gres.Candidate,
		Violations: gres.Violations,
		Persona:    p,
		Flags:      flags,
		Reasoning:  reasoning(dec.Reason, gres.Candidate.Reasoning),
	})

	rec := contracts.DecisionRecord{
		CycleID:            cycleID,
		SessionID:          in.SessionID,
		UserID:             in.UserID,
		CreatedAt:          start.UTC(),
		InputState:         in,
		MemoryContextRef:   mem.Ref,
		MemoryUnavailable:  out.HasFlag(contracts.FlagMemoryUnavailable),
		StateKey:           key,
		DiscretizerVersion: discretize.Version,
		CandidateActions:   contracts.CandidateSet{Micro: &microCand, Macro: macroCand},
		RoutedChoice:       dec.Candidate,
		RouteReason:        dec.Reason,
		ChosenPolicy:       out.ChosenPolicy,
		GuardAdjustments:   gres.Adjustments,
		Violations:         gres.Violations,
		FinalAction:        out.Action,
		FinalActionID:      out.ActionID,
		Reasoning:          out.MemoryOutput.MemoryToStore.DecisionReasoning,
		Flags:              out.Flags,
	}
	if p != nil {
		rec.PersonaID, rec.PersonaVersion = p.PersonaID, p.Version
	}
	writeback.Annotate(&rec)

	e.afterCycle(log, rec, p)
	e.observe(start, out, p, gres)
	log.Info("decision",
		zap.String("state_key", string(key)),
		zap.String("action_id", out.ActionID),
		zap.String("chosen_policy", string(out.ChosenPolicy)),
		zap.Strings("flags", out.Flags),
		zap.Duration("elapsed", e.now().Sub(start)))
	return out, nil
}

func (e *Engine) proposeMacro(ctx context.Context, log *zap.Logger, plan macro.PlanInput) *contracts.Candidate {
	if e.d.Macro == nil || !e.d.Macro.Available() {
		return nil
	}
	res, err := e.d.Macro.Propose(ctx, plan)
	if e.d.Metrics != nil && len(res.Attempts) > 0 {
		e.d.Metrics.MacroAttempts.Observe(float64(len(res.Attempts)))
	}
	if err != nil {
		log.Warn("macro policy contributed nothing", zap.Error(err))
		return nil
	}
	return res.Candidate
}

// Reject returns the fail-closed None command for a request that could not
// be decoded at all. cause is wrapped in ErrMalformedRequest.
func (e *Engine) Reject(cause error) contracts.OutputCommand {
	cycleID := uuid.NewString()
	err := fmt.Errorf("%w: %v", contracts.ErrMalformedRequest, cause)
	e.logger.Warn("undecodable request, failing closed", zap.String("cycle_id", cycleID), zap.Error(err))
	out := failClosed(cycleID, contracts.InputState{}, err.Error())
	e.observeDegraded(out.Flags)
	return out
}

// #endregion decide

// #region after-cycle
// afterCycle hands the record to the out-of-band consumers. None of them can
// fail the cycle.
func (e *Engine) afterCycle(log *zap.Logger, rec contracts.DecisionRecord, p *persona.Constitution) {
	attr := reward.Attribution{
		CycleID:  rec.CycleID,
		StateKey: rec.StateKey,
		ActionID: rec.FinalActionID,
		Created:  rec.CreatedAt,
	}
	if p != nil {
		attr.PersonaID, attr.Weights = p.PersonaID, p.RewardWeights
	}
	e.d.Rewards.Register(attr)

	if prev, ok := e.sessions.advance(rec.SessionID, lastCycle{
		CycleID:  rec.CycleID,
		StateKey: rec.StateKey,
		ActionID: rec.FinalActionID,
		Input:    rec.InputState,
		At:       rec.CreatedAt,
	}); ok {
		e.d.Rewards.SetNextState(prev.CycleID, rec.StateKey)
		for _, s := range e.d.Signals.Transition(prev.Input, rec.InputState, rec.CreatedAt) {
			e.d.Rewards.AddSignal(prev.CycleID, s)
		}
		if e.d.Transitions != nil && e.cfg.TransitionDelta > 0 {
			if err := e.d.Transitions.Record(prev.StateKey, rec.StateKey, prev.ActionID, e.cfg.TransitionDelta); err != nil {
				log.Warn("transition not recorded", zap.Error(err))
			}
		}
	}

	if e.d.Writeback != nil && !e.d.Writeback.Enqueue(rec) {
		log.Warn("writeback queue full, record dropped")
	}
	if e.d.Audit != nil {
		payload, _ := writeback.Encode(rec)
		err := e.d.Audit.Log(logging.AuditEntry{
			Kind:        logging.KindDecision,
			CycleID:     rec.CycleID,
			SessionID:   rec.SessionID,
			PersonaID:   rec.PersonaID,
			StateKey:    string(rec.StateKey),
			ActionID:    rec.FinalActionID,
			Policy:      string(rec.ChosenPolicy),
			PayloadJSON: string(payload),
			Reason:      rec.RouteReason,
			CreatedAt:   rec.CreatedAt,
		})
		if err != nil {
			log.Warn("audit log write failed", zap.Error(err))
		}
	}
}

// #endregion after-cycle

// #region rewards
// SubmitReward forwards a submission to the collector. duplicate is true for
// a submission id already seen.
func (e *Engine) SubmitReward(sub contracts.RewardSubmission) (duplicate bool, err error) {
	duplicate, err = e.d.Rewards.Submit(sub)
	if e.d.Metrics != nil {
		switch {
		case err != nil:
			e.d.Metrics.Rewards.WithLabelValues("rejected").Inc()
		case duplicate:
			e.d.Metrics.Rewards.WithLabelValues("duplicate").Inc()
		default:
			e.d.Metrics.Rewards.WithLabelValues("accepted").Inc()
		}
	}
	return duplicate, err
}

func (e *Engine) onFinalize(o reward.Outcome) {
	if e.d.Metrics != nil {
		result := "applied"
		if o.Err != nil {
			result = "update_rejected"
		} else {
			e.d.Metrics.RewardValue.Observe(o.Reward)
		}
		e.d.Metrics.Rewards.WithLabelValues(result).Inc()
	}
	if e.d.Audit == nil {
		return
	}
	entry := logging.AuditEntry{
		Kind:        logging.KindReward,
		CycleID:     o.CycleID,
		StateKey:    string(o.StateKey),
		ActionID:    o.ActionID,
		PayloadJSON: fmt.Sprintf(`{"reward":%.6f,"direct":%t,"next_state_key":%q}`, o.Reward, o.Direct, o.NextStateKey),
	}
	if o.Err != nil {
		entry.Reason = o.Err.Error()
	}
	if err := e.d.Audit.Log(entry); err != nil {
		e.logger.Warn("audit log write failed", zap.String("cycle_id", o.CycleID), zap.Error(err))
	}
}

// #endregion rewards

// #region personas
// ActivatePersona swaps the active constitution; version 0 means latest.
func (e *Engine) ActivatePersona(id string, version int) (*persona.Constitution, error) {
	c, err := e.d.Personas.Activate(id, version)
	if err != nil {
		return nil, err
	}
	e.logger.Info("persona activated", zap.String("persona_id", c.PersonaID), zap.Int("version", c.Version))
	return c, nil
}

// Personas lists the registered constitutions.
func (e *Engine) Personas() []persona.Summary {
	return e.d.Personas.List()
}

// #endregion personas

// #region helpers
func allowedBy(p *persona.Constitution) func(contracts.ActionType) bool {
	if p == nil {
		return nil
	}
	return p.Allows
}

func reasoning(route, cand string) string {
	switch {
	case cand == "":
		return route
	case route == "":
		return cand
	}
	return route + "; " + cand
}

// failClosed is the None command returned when a cycle cannot run.
func failClosed(cycleID string, in contracts.InputState, reason string) contracts.OutputCommand {
	none := contracts.NoneAction()
	return contracts.OutputCommand{
		CycleID:      cycleID,
		ActionID:     actions.None,
		ChosenPolicy: contracts.SourceFallback,
		ExecutionOutput: contracts.ExecutionOutput{
			ScreenAnimation: composer.AnimBreathingCalm,
			LightEffect:     composer.LightOff,
		},
		Action: none,
		MemoryOutput: contracts.MemoryOutput{MemoryToStore: contracts.MemoryToStore{
			Input:             in,
			DecisionReasoning: "fail closed: " + reason,
			FinalAction:       string(none.Type),
		}},
		Flags:       []string{contracts.FlagFailClosed},
		Explanation: reason,
	}
}

func (e *Engine) observe(start time.Time, out contracts.OutputCommand, p *persona.Constitution, gres guard.Result) {
	m := e.d.Metrics
	if m == nil {
		return
	}
	m.DecisionLatency.Observe(e.now().Sub(start).Seconds())
	m.Decisions.WithLabelValues(string(out.ChosenPolicy), string(out.Action.Type)).Inc()
	e.observeDegraded(out.Flags)
	if p != nil {
		for _, a := range gres.Adjustments {
			m.GuardAdjustments.WithLabelValues(p.PersonaID, a.Kind).Inc()
		}
	}
}

func (e *Engine) observeDegraded(flags []string) {
	if e.d.Metrics == nil {
		return
	}
	for _, f := range flags {
		e.d.Metrics.Degraded.WithLabelValues(f).Inc()
	}
}

// #endregion helpers
