package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/emate/decision-core/internal/composer"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/eval"
	"github.com/danielpatrickdp/emate/decision-core/internal/guard"
	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/macro"
	"github.com/danielpatrickdp/emate/decision-core/internal/metrics"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/perception"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/retrieval"
	"github.com/danielpatrickdp/emate/decision-core/internal/reward"
	"github.com/danielpatrickdp/emate/decision-core/internal/router"
	"github.com/danielpatrickdp/emate/decision-core/internal/signals"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region fakes
type fakeRewards struct {
	mu        sync.Mutex
	attrs     []reward.Attribution
	next      map[string]contracts.StateKey
	sigs      map[string][]signals.Signal
	submitted []contracts.RewardSubmission
	seen      map[string]bool
}

func newFakeRewards() *fakeRewards {
	return &fakeRewards{
		next: make(map[string]contracts.StateKey),
		sigs: make(map[string][]signals.Signal),
		seen: make(map[string]bool),
	}
}

func (f *fakeRewards) Register(a reward.Attribution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attrs = append(f.attrs, a)
}

func (f *fakeRewards) SetNextState(cycleID string, next contracts.StateKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[cycleID] = next
}

func (f *fakeRewards) AddSignal(cycleID string, s signals.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sigs[cycleID] = append(f.sigs[cycleID], s)
}

func (f *fakeRewards) Submit(sub contracts.RewardSubmission) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[sub.SubmissionID] {
		return true, nil
	}
	f.seen[sub.SubmissionID] = true
	f.submitted = append(f.submitted, sub)
	return false, nil
}

func (f *fakeRewards) OnFinalize(func(reward.Outcome)) {}

type fakeTransitions struct {
	mu   sync.Mutex
	rows []string
}

func (f *fakeTransitions) Record(from, to contracts.StateKey, actionID string, delta float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, string(from)+"|"+actionID+"|"+string(to))
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []logging.AuditEntry
}

func (f *fakeAudit) Log(e logging.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type fakeWriteback struct {
	mu   sync.Mutex
	recs []contracts.DecisionRecord
}

func (f *fakeWriteback) Enqueue(rec contracts.DecisionRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return true
}

type failingMemory struct{}

func (failingMemory) Retrieve(context.Context, contracts.InputState, *contracts.MemoryInput) (retrieval.GateResult, error) {
	return retrieval.GateResult{Unavailable: true, Reason: "down"}, contracts.ErrMemoryUnavailable
}

// fixedMicro always proposes the same action id.
type fixedMicro struct{ id string }

func (f fixedMicro) Select(contracts.StateKey, []string, micro.SelectOptions) micro.Selection {
	return micro.Selection{ActionID: f.id, Value: 0.8, UpdateCount: 10, Confidence: 0.9}
}

// passingJudge accepts every candidate with a fixed score.
type passingJudge struct{ score float64 }

func (j passingJudge) Judge(context.Context, contracts.Candidate, eval.Subject) eval.EvalResult {
	return eval.EvalResult{Score: j.score, Passed: true, Failure: eval.FailureNone}
}

type panickyComposer struct{}

func (panickyComposer) Compose(composer.Input) contracts.OutputCommand { panic("boom") }

// #endregion fakes

// #region harness
const focus45 = `{"action":{"type":"enter_focus_mode","parameters":{"duration":45,"related_task":"Phoenix draft"}},"screen_animation":"focused","reasoning":"Protect a block for the Phoenix draft."}`

type harness struct {
	engine      *Engine
	rewards     *fakeRewards
	transitions *fakeTransitions
	audit       *fakeAudit
	writeback   *fakeWriteback
	registry    *persona.Registry
}

func newHarness(t *testing.T, gen macro.Generator, mutate func(*Deps)) *harness {
	t.Helper()
	reg := persona.NewRegistry(nil)
	all, err := persona.Defaults()
	require.NoError(t, err)
	for _, c := range all {
		require.NoError(t, reg.Register(c))
	}
	_, err = reg.Activate("StandardAssistant", 0)
	require.NoError(t, err)

	h := &harness{
		rewards:     newFakeRewards(),
		transitions: &fakeTransitions{},
		audit:       &fakeAudit{},
		writeback:   &fakeWriteback{},
		registry:    reg,
	}
	d := Deps{
		Perception:  perception.NewAdapter(nil),
		Memory:      retrieval.NewRetriever(nil, retrieval.DefaultConfig(), nil),
		Micro:       micro.NewPolicy(micro.Config{EpsilonStart: 0.05, EpsilonFloor: 0.05, EpsilonDecay: 1, Seed: 7}, nil, reg, nil),
		Router:      router.New(router.DefaultConfig()),
		Guard:       guard.New(nil),
		Composer:    composer.New(nil),
		Personas:    reg,
		Rewards:     h.rewards,
		Writeback:   h.writeback,
		Transitions: h.transitions,
		Audit:       h.audit,
		Metrics:     metrics.New(nil),
	}
	if gen != nil {
		d.Macro = macro.NewPolicy(macro.Config{Timeout: time.Second, MaxRefinements: 1, MinAcceptScore: 0.4}, gen, nil, nil, nil)
	}
	if mutate != nil {
		mutate(&d)
	}
	cfg := DefaultConfig()
	cfg.Explore = false
	h.engine, err = NewEngine(cfg, d, nil)
	require.NoError(t, err)
	return h
}

func staticGen(out string) macro.Generator {
	return macro.GeneratorFunc(func(context.Context, macro.Prompt) (string, error) { return out, nil })
}

func phoenixRequest() contracts.DecisionRequest {
	return contracts.DecisionRequest{
		SessionID: "s1",
		UserID:    "u1",
		Perception: contracts.PerceptionInput{
			UserText:      "remind me to finish the Phoenix draft by Friday",
			SpeechEmotion: "stress",
			TextSentiment: "negative",
			TimeOfDay:     "morning",
		},
		Memory: &contracts.MemoryInput{
			Facts:    []string{"Phoenix is top priority"},
			Episodes: []contracts.EpisodeInput{{Event: "interrupted while working on Phoenix", Emotion: "frustration"}},
		},
		System: contracts.SystemContext{
			Personality:   "StandardAssistant",
			LongTermGoals: []string{"ship Phoenix"},
			AgentMode:     "Hybrid",
		},
	}
}

// #endregion harness

// #region tests
func TestNewEngineRequiresStages(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), Deps{}, nil)
	require.Error(t, err)
}

func TestDecidePhoenixHybrid(t *testing.T) {
	h := newHarness(t, staticGen(focus45), nil)

	out, err := h.engine.Decide(context.Background(), phoenixRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, out.CycleID)
	assert.NotEmpty(t, out.StateKey)
	assert.Equal(t, contracts.ActionEnterFocusMode, out.Action.Type)
	assert.Contains(t, []int{25, 45, 90}, out.Action.Params.Duration)
	assert.Equal(t, contracts.SourceHybrid, out.ChosenPolicy)
	assert.Equal(t, composer.LightFocusBlue, out.ExecutionOutput.LightEffect)
	assert.Contains(t, []string{composer.AnimEmpatheticNod, composer.AnimFocused}, out.ExecutionOutput.ScreenAnimation)
	assert.Empty(t, out.Flags)

	require.Len(t, h.rewards.attrs, 1)
	attr := h.rewards.attrs[0]
	assert.Equal(t, out.CycleID, attr.CycleID)
	assert.Equal(t, out.StateKey, attr.StateKey)
	assert.Equal(t, out.ActionID, attr.ActionID)
	assert.Equal(t, "StandardAssistant", attr.PersonaID)

	require.Len(t, h.writeback.recs, 1)
	rec := h.writeback.recs[0]
	assert.Equal(t, out.CycleID, rec.CycleID)
	assert.Equal(t, out.ActionID, rec.FinalActionID)
	assert.NotNil(t, rec.CandidateActions.Micro)
	assert.NotNil(t, rec.CandidateActions.Macro)
	assert.Equal(t, "StandardAssistant", rec.PersonaID)

	require.Len(t, h.audit.entries, 1)
	assert.Equal(t, logging.KindDecision, h.audit.entries[0].Kind)
	assert.Contains(t, h.audit.entries[0].PayloadJSON, out.CycleID)
}

func TestDecidePersonaBanRewritesBreak(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps) { d.Micro = fixedMicro{id: "break_stretch"} })

	req := phoenixRequest()
	req.System.Personality = "ColdBoss"
	req.System.AgentMode = "Micro"
	out, err := h.engine.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionEnterFocusMode, out.Action.Type)
	assert.Equal(t, 45, out.Action.Params.Duration)
	assert.NotContains(t, out.Flags, contracts.FlagViolationUnresolved)

	require.Len(t, h.writeback.recs, 1)
	rec := h.writeback.recs[0]
	assert.Equal(t, "ColdBoss", rec.PersonaID)
	require.NotEmpty(t, rec.GuardAdjustments)
	assert.Equal(t, contracts.ActionSuggestBreak, rec.GuardAdjustments[0].Before.Type)
}

func TestDecideHybridBreakBannedNearDeadline(t *testing.T) {
	const walk = `{"action":{"type":"suggest_break","parameters":{"kind":"walk"}},"screen_animation":"gentle","reasoning":"A short walk resets focus."}`
	h := newHarness(t, nil, func(d *Deps) {
		d.Micro = fixedMicro{id: "break_walk"}
		d.Macro = macro.NewPolicy(macro.Config{Timeout: time.Second, MinAcceptScore: 0.4}, staticGen(walk), passingJudge{score: 0.95}, nil, nil)
	})

	req := phoenixRequest()
	req.Perception.ContextFlags = []string{"deadline_near"}
	out, err := h.engine.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, contracts.ActionEnterFocusMode, out.Action.Type)
	assert.Equal(t, 25, out.Action.Params.Duration)
	assert.NotEqual(t, contracts.SourceFallback, out.ChosenPolicy)
	assert.NotContains(t, out.Flags, contracts.FlagMacroUnavailable)
	assert.NotContains(t, out.Flags, contracts.FlagViolationUnresolved)

	require.Len(t, h.writeback.recs, 1)
	rec := h.writeback.recs[0]
	assert.Equal(t, "StandardAssistant", rec.PersonaID)
	require.NotNil(t, rec.CandidateActions.Micro)
	require.NotNil(t, rec.CandidateActions.Macro)
	assert.Equal(t, contracts.ActionSuggestBreak, rec.CandidateActions.Micro.Action.Type)
	assert.Equal(t, contracts.ActionSuggestBreak, rec.CandidateActions.Macro.Action.Type)
	assert.Equal(t, contracts.ActionSuggestBreak, rec.RoutedChoice.Action.Type)
	require.NotEmpty(t, rec.GuardAdjustments)
	assert.Equal(t, contracts.ActionSuggestBreak, rec.GuardAdjustments[0].Before.Type)
	assert.Equal(t, out.Action, rec.FinalAction)
}

func TestRejectFailsClosed(t *testing.T) {
	h := newHarness(t, nil, nil)

	out := h.engine.Reject(errors.New("expects \" or n, but found 4"))
	assert.NotEmpty(t, out.CycleID)
	assert.Equal(t, contracts.ActionNone, out.Action.Type)
	assert.Equal(t, contracts.SourceFallback, out.ChosenPolicy)
	assert.Contains(t, out.Flags, contracts.FlagFailClosed)
	assert.Contains(t, out.Explanation, contracts.ErrMalformedRequest.Error())
	assert.Empty(t, h.rewards.attrs)
	assert.Empty(t, h.writeback.recs)
}

func TestDecideMacroTimeoutFallsBackToMicro(t *testing.T) {
	slow := macro.GeneratorFunc(func(ctx context.Context, _ macro.Prompt) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, nil, func(d *Deps) {
		d.Macro = macro.NewPolicy(macro.Config{Timeout: 30 * time.Millisecond, MinAcceptScore: 0.4}, slow, nil, nil, nil)
	})

	out, err := h.engine.Decide(context.Background(), phoenixRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.SourceMicro, out.ChosenPolicy)
	assert.Contains(t, out.Flags, contracts.FlagMacroUnavailable)
	assert.NotEqual(t, contracts.ActionType(""), out.Action.Type)
}

func TestDecideWithoutMacroFlagsUnavailable(t *testing.T) {
	h := newHarness(t, nil, nil)

	out, err := h.engine.Decide(context.Background(), phoenixRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.SourceMicro, out.ChosenPolicy)
	assert.Contains(t, out.Flags, contracts.FlagMacroUnavailable)

	req := phoenixRequest()
	req.System.AgentMode = "QLearning"
	out, err = h.engine.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.NotContains(t, out.Flags, contracts.FlagMacroUnavailable)
}

func TestDecideMemoryUnavailable(t *testing.T) {
	h := newHarness(t, staticGen(focus45), func(d *Deps) { d.Memory = failingMemory{} })

	out, err := h.engine.Decide(context.Background(), phoenixRequest())
	require.NoError(t, err)
	assert.Contains(t, out.Flags, contracts.FlagMemoryUnavailable)
	assert.NotEqual(t, contracts.SourceFallback, out.ChosenPolicy)

	require.Len(t, h.writeback.recs, 1)
	assert.True(t, h.writeback.recs[0].MemoryUnavailable)
}

func TestDecideMalformedFailsClosed(t *testing.T) {
	h := newHarness(t, staticGen(focus45), nil)

	req := phoenixRequest()
	req.Perception.UserText = "bad \xff text"
	out, err := h.engine.Decide(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, contracts.ErrMalformedRequest))
	assert.Equal(t, contracts.ActionNone, out.Action.Type)
	assert.Equal(t, contracts.SourceFallback, out.ChosenPolicy)
	assert.Contains(t, out.Flags, contracts.FlagFailClosed)
	assert.Empty(t, h.rewards.attrs)
	assert.Empty(t, h.writeback.recs)
}

func TestDecidePanicFailsClosed(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps) { d.Composer = panickyComposer{} })

	out, err := h.engine.Decide(context.Background(), phoenixRequest())
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionNone, out.Action.Type)
	assert.Contains(t, out.Flags, contracts.FlagFailClosed)
}

func TestDecideCancelledContext(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Decide(ctx, phoenixRequest())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.rewards.attrs)
	assert.Empty(t, h.writeback.recs)
}

func TestDecideSessionContinuity(t *testing.T) {
	h := newHarness(t, nil, nil)

	first, err := h.engine.Decide(context.Background(), phoenixRequest())
	require.NoError(t, err)

	req := phoenixRequest()
	req.Perception.SpeechEmotion = "calm"
	req.Perception.TextSentiment = "positive"
	second, err := h.engine.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, second.StateKey, h.rewards.next[first.CycleID])
	assert.NotEmpty(t, h.rewards.sigs[first.CycleID])
	require.Len(t, h.transitions.rows, 1)
	assert.Equal(t, string(first.StateKey)+"|"+first.ActionID+"|"+string(second.StateKey), h.transitions.rows[0])

	other := phoenixRequest()
	other.SessionID = "s2"
	_, err = h.engine.Decide(context.Background(), other)
	require.NoError(t, err)
	assert.Len(t, h.transitions.rows, 1)
}

func TestSubmitRewardDuplicate(t *testing.T) {
	h := newHarness(t, nil, nil)
	v := 0.5
	sub := contracts.RewardSubmission{SubmissionID: "r1", CycleID: "c1", Channel: "explicit", Value: &v}

	dup, err := h.engine.SubmitReward(sub)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = h.engine.SubmitReward(sub)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestActivatePersonaAndList(t *testing.T) {
	h := newHarness(t, nil, nil)

	c, err := h.engine.ActivatePersona("WarmSister", 0)
	require.NoError(t, err)
	assert.Equal(t, "WarmSister", c.PersonaID)
	assert.Equal(t, "WarmSister", h.registry.Active().PersonaID)

	_, err = h.engine.ActivatePersona("Nobody", 0)
	require.Error(t, err)

	list := h.engine.Personas()
	require.Len(t, list, 6)
	for _, s := range list {
		assert.Equal(t, s.PersonaID == "WarmSister", s.Active)
	}
}

// #endregion tests

// #region session-tests
func TestSessionsExpireAndSweep(t *testing.T) {
	s := newSessions(time.Minute, 2)
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	_, ok := s.advance("a", lastCycle{CycleID: "1", At: t0})
	assert.False(t, ok)
	prev, ok := s.advance("a", lastCycle{CycleID: "2", At: t0.Add(30 * time.Second)})
	require.True(t, ok)
	assert.Equal(t, "1", prev.CycleID)

	_, ok = s.advance("a", lastCycle{CycleID: "3", At: t0.Add(5 * time.Minute)})
	assert.False(t, ok, "stale previous cycle is ignored")

	_, ok = s.advance("", lastCycle{CycleID: "x", At: t0})
	assert.False(t, ok)

	s.advance("b", lastCycle{CycleID: "4", At: t0.Add(6 * time.Minute)})
	s.advance("c", lastCycle{CycleID: "5", At: t0.Add(7 * time.Minute)})
	assert.Equal(t, 2, s.len())
}

// #endregion session-tests
