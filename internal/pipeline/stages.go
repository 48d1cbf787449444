// Package pipeline runs one decision cycle as a fixed sequence of typed
// stages: perception, memory query, discretization, micro and macro
// policies, routing, persona guard and composition.
package pipeline

import (
	"context"
	"time"

	"github.com/danielpatrickdp/emate/decision-core/internal/composer"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/guard"
	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/macro"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/perception"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/retrieval"
	"github.com/danielpatrickdp/emate/decision-core/internal/reward"
	"github.com/danielpatrickdp/emate/decision-core/internal/router"
	"github.com/danielpatrickdp/emate/decision-core/internal/signals"
)

// #region stages
// Perceiver is implemented by *perception.Adapter.
type Perceiver interface {
	Normalize(req contracts.DecisionRequest) (contracts.InputState, []perception.Gap, error)
}

// MemoryQuerier is implemented by *retrieval.Retriever.
type MemoryQuerier interface {
	Retrieve(ctx context.Context, in contracts.InputState, supplied *contracts.MemoryInput) (retrieval.GateResult, error)
}

// MicroPolicy is implemented by *micro.Policy.
type MicroPolicy interface {
	Select(key contracts.StateKey, legal []string, opts micro.SelectOptions) micro.Selection
}

// MacroPolicy is implemented by *macro.Policy.
type MacroPolicy interface {
	Available() bool
	Propose(ctx context.Context, in macro.PlanInput) (macro.Result, error)
}

// Router is implemented by *router.Router.
type Router interface {
	Route(micro, macro *contracts.Candidate, mode contracts.AgentMode) router.Decision
}

// Guard is implemented by *guard.Guard.
type Guard interface {
	Apply(cand contracts.Candidate, c *persona.Constitution, in contracts.InputState, now time.Time) guard.Result
}

// Composer is implemented by *composer.Composer.
type Composer interface {
	Compose(in composer.Input) contracts.OutputCommand
}

// #endregion stages

// #region side-channels
// Personas is implemented by *persona.Registry.
type Personas interface {
	Resolve(name string) *persona.Constitution
	Activate(id string, version int) (*persona.Constitution, error)
	List() []persona.Summary
}

// RewardTracker is implemented by *reward.Collector.
type RewardTracker interface {
	Register(a reward.Attribution)
	SetNextState(cycleID string, next contracts.StateKey)
	AddSignal(cycleID string, s signals.Signal)
	Submit(sub contracts.RewardSubmission) (bool, error)
	OnFinalize(fn func(reward.Outcome))
}

// Writeback is implemented by *writeback.Writer.
type Writeback interface {
	Enqueue(rec contracts.DecisionRecord) bool
}

// TransitionRecorder is implemented by *graph.TransitionStore.
type TransitionRecorder interface {
	Record(from, to contracts.StateKey, actionID string, delta float64) error
}

// AuditLogger is implemented by *logging.AuditLog.
type AuditLogger interface {
	Log(entry logging.AuditEntry) error
}

// #endregion side-channels
