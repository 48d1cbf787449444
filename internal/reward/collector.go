// Package reward aggregates post-action signals into scalar rewards and feeds
// them to the micro policy.
package reward

// #region imports
import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/signals"
	"github.com/danielpatrickdp/emate/decision-core/internal/update"
)

// #endregion

// #region types
// Sink receives finalized rewards. *micro.Policy implements it.
type Sink interface {
	Update(obs micro.Observation) (update.UpdateResult, error)
}

// Attribution ties a decision cycle to the pair it chose.
type Attribution struct {
	CycleID   string
	StateKey  contracts.StateKey
	ActionID  string
	PersonaID string
	Weights   persona.RewardWeights
	Created   time.Time
}

// Outcome is a finalized cycle.
type Outcome struct {
	CycleID      string
	StateKey     contracts.StateKey
	ActionID     string
	NextStateKey contracts.StateKey
	Reward       float64
	Components   map[signals.Channel]float64
	Signals      []contracts.OutcomeSignal
	Direct       bool
	Result       update.UpdateResult
	Err          error
}

// Config controls windows and buffers.
type Config struct {
	Window          time.Duration // signals accepted this long after the decision
	Tick            time.Duration
	OrphanTTL       time.Duration // signals for unregistered cycles wait this long
	DedupeTTL       time.Duration
	MaxPending      int
	UpdateOnSilence bool // finalize cycles that received no signal with R=0
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		Window:     2 * time.Minute,
		Tick:       5 * time.Second,
		OrphanTTL:  time.Minute,
		DedupeTTL:  time.Hour,
		MaxPending: 10000,
	}
}

type cycle struct {
	attr    Attribution
	next    contracts.StateKey
	values  map[signals.Channel][]float64
	history []contracts.OutcomeSignal
}

type orphan struct {
	signals  []signals.Signal
	received time.Time
}

// #endregion types

// #region collector
// Collector attributes signals to cycles by cycle id and finalizes each cycle
// once, either on request or when its window closes.
type Collector struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  map[string]*cycle
	orphans  map[string]*orphan
	seen     map[string]time.Time
	onFinals []func(Outcome)
}

// NewCollector creates a Collector.
func NewCollector(cfg Config, sink Sink, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = cfg.Window
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = DefaultConfig().DedupeTTL
	}
	return &Collector{
		cfg:     cfg,
		sink:    sink,
		logger:  logger.Named("reward"),
		now:     time.Now,
		pending: make(map[string]*cycle),
		orphans: make(map[string]*orphan),
		seen:    make(map[string]time.Time),
	}
}

// OnFinalize registers a callback run after every finalized cycle. Callbacks
// run on the finalizing goroutine outside the collector lock.
func (c *Collector) OnFinalize(fn func(Outcome)) {
	c.mu.Lock()
	c.onFinals = append(c.onFinals, fn)
	c.mu.Unlock()
}

// Pending returns the number of open cycles.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// #endregion collector

// #region register
// Register opens the window of a cycle. Signals buffered for the cycle before
// it was registered are attached.
func (c *Collector) Register(a Attribution) {
	if a.Created.IsZero() {
		a.Created = c.now()
	}
	if a.Weights == (persona.RewardWeights{}) {
		a.Weights = persona.DefaultRewardWeights()
	}
	c.mu.Lock()
	if c.cfg.MaxPending > 0 && len(c.pending) >= c.cfg.MaxPending {
		c.evictOldestLocked()
	}
	cy := &cycle{attr: a, values: make(map[signals.Channel][]float64)}
	c.pending[a.CycleID] = cy
	if o, ok := c.orphans[a.CycleID]; ok {
		delete(c.orphans, a.CycleID)
		for _, s := range o.signals {
			cy.add(s)
		}
	}
	c.mu.Unlock()
}

func (c *Collector) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, cy := range c.pending {
		if oldestID == "" || cy.attr.Created.Before(oldest) {
			oldestID, oldest = id, cy.attr.Created
		}
	}
	delete(c.pending, oldestID)
	c.logger.Warn("reward buffer full, dropped oldest cycle", zap.String("cycle_id", oldestID))
}

// SetNextState records s' for a cycle. The first call wins.
func (c *Collector) SetNextState(cycleID string, next contracts.StateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cy, ok := c.pending[cycleID]; ok && cy.next == "" {
		cy.next = next
	}
}

// #endregion register

// #region signals
// AddSignal attaches a component signal to a cycle. Signals for unknown
// cycles are buffered until the cycle registers or the orphan ttl expires.
func (c *Collector) AddSignal(cycleID string, s signals.Signal) {
	if s.At.IsZero() {
		s.At = c.now()
	}
	s.Value = clamp(s.Value)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cy, ok := c.pending[cycleID]; ok {
		cy.add(s)
		return
	}
	o, ok := c.orphans[cycleID]
	if !ok {
		o = &orphan{received: c.now()}
		c.orphans[cycleID] = o
	}
	o.signals = append(o.signals, s)
	c.logger.Debug("signal for unknown cycle buffered",
		zap.String("cycle_id", cycleID), zap.String("channel", string(s.Channel)))
}

func (cy *cycle) add(s signals.Signal) {
	cy.values[s.Channel] = append(cy.values[s.Channel], s.Value)
	cy.history = append(cy.history, contracts.OutcomeSignal{Channel: string(s.Channel), Value: s.Value, At: s.At})
}

// Submit ingests a reward submission. Repeated submission ids are reported as
// duplicates and change nothing.
func (c *Collector) Submit(sub contracts.RewardSubmission) (bool, error) {
	if sub.Reward == nil && sub.Value == nil {
		return false, fmt.Errorf("%w: reward or value required", contracts.ErrMalformedRequest)
	}
	if sub.SubmissionID != "" {
		c.mu.Lock()
		if _, dup := c.seen[sub.SubmissionID]; dup {
			c.mu.Unlock()
			c.logger.Debug("duplicate reward submission", zap.String("submission_id", sub.SubmissionID))
			return true, nil
		}
		c.seen[sub.SubmissionID] = c.now()
		c.mu.Unlock()
	}

	var err error
	if sub.Reward != nil {
		_, err = c.submitDirect(sub)
	} else {
		err = c.submitSignal(sub)
	}
	if err != nil && sub.SubmissionID != "" {
		c.mu.Lock()
		delete(c.seen, sub.SubmissionID)
		c.mu.Unlock()
	}
	return false, err
}

func (c *Collector) submitSignal(sub contracts.RewardSubmission) error {
	if sub.CycleID == "" {
		return fmt.Errorf("%w: component signals need a cycle_id", contracts.ErrMalformedRequest)
	}
	ch, ok := signals.ParseChannel(sub.Channel)
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", contracts.ErrMalformedRequest, sub.Channel)
	}
	c.AddSignal(sub.CycleID, signals.Signal{Channel: ch, Value: *sub.Value, At: c.now()})
	if sub.NextStateKey != "" {
		c.SetNextState(sub.CycleID, sub.NextStateKey)
	}
	if sub.Final {
		_, err := c.Finalize(sub.CycleID)
		return err
	}
	return nil
}

// submitDirect applies a scalar reward. A cycle id, when known, supplies the
// pair and closes the cycle.
func (c *Collector) submitDirect(sub contracts.RewardSubmission) (Outcome, error) {
	out := Outcome{
		CycleID:      sub.CycleID,
		StateKey:     sub.StateKey,
		ActionID:     sub.ActionID,
		NextStateKey: sub.NextStateKey,
		Reward:       *sub.Reward,
		Direct:       true,
	}
	if sub.CycleID != "" {
		c.mu.Lock()
		cy, ok := c.pending[sub.CycleID]
		if ok {
			delete(c.pending, sub.CycleID)
		}
		c.mu.Unlock()
		if ok {
			out.StateKey, out.ActionID = cy.attr.StateKey, cy.attr.ActionID
			if out.NextStateKey == "" {
				out.NextStateKey = cy.next
			}
			out.Signals = cy.history
		}
	}
	if out.StateKey == "" || out.ActionID == "" {
		return out, fmt.Errorf("%w: state_key and action_id required", contracts.ErrMalformedRequest)
	}
	if !actions.Known(out.ActionID) {
		return out, fmt.Errorf("%w: unknown action %q", contracts.ErrMalformedRequest, out.ActionID)
	}
	return c.apply(out), nil
}

// #endregion signals

// #region finalize
// Aggregate computes R = w1*explicit + w2*emotion_delta + w3*task + w4*focus
// over the mean of each channel. Missing channels contribute zero.
func Aggregate(w persona.RewardWeights, components map[signals.Channel]float64) float64 {
	return w.Explicit*components[signals.ChannelExplicit] +
		w.EmotionDelta*components[signals.ChannelEmotionDelta] +
		w.Task*components[signals.ChannelTask] +
		w.Focus*components[signals.ChannelFocus]
}

// Finalize closes a cycle and applies its reward.
func (c *Collector) Finalize(cycleID string) (Outcome, error) {
	c.mu.Lock()
	cy, ok := c.pending[cycleID]
	if ok {
		delete(c.pending, cycleID)
	}
	c.mu.Unlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", contracts.ErrUnknownCycle, cycleID)
	}
	return c.apply(cy.outcome()), nil
}

func (cy *cycle) outcome() Outcome {
	comps := make(map[signals.Channel]float64, len(cy.values))
	for ch, vs := range cy.values {
		sum := 0.0
		for _, v := range vs {
			sum += v
		}
		comps[ch] = sum / float64(len(vs))
	}
	return Outcome{
		CycleID:      cy.attr.CycleID,
		StateKey:     cy.attr.StateKey,
		ActionID:     cy.attr.ActionID,
		NextStateKey: cy.next,
		Reward:       Aggregate(cy.attr.Weights, comps),
		Components:   comps,
		Signals:      cy.history,
	}
}

func (c *Collector) apply(out Outcome) Outcome {
	if c.sink != nil {
		out.Result, out.Err = c.sink.Update(micro.Observation{
			StateKey:     out.StateKey,
			ActionID:     out.ActionID,
			Reward:       out.Reward,
			NextStateKey: out.NextStateKey,
		})
	}
	fields := []zap.Field{
		zap.String("cycle_id", out.CycleID),
		zap.String("state_key", string(out.StateKey)),
		zap.String("action_id", out.ActionID),
		zap.Float64("reward", out.Reward),
		zap.Bool("terminal", out.NextStateKey == ""),
	}
	if out.Err != nil {
		c.logger.Warn("reward not applied", append(fields, zap.Error(out.Err))...)
	} else {
		c.logger.Info("reward applied", append(fields, zap.Float64("q", out.Result.NewValue))...)
	}

	c.mu.Lock()
	hooks := append([]func(Outcome){}, c.onFinals...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(out)
	}
	return out
}

// #endregion finalize

// #region run
// Run finalizes cycles whose window has closed until ctx is done, then
// finalizes everything still open.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return nil
		case <-ticker.C:
			c.sweep(c.now())
		}
	}
}

// sweep finalizes expired cycles and forgets stale orphans and submission ids.
func (c *Collector) sweep(now time.Time) int {
	var due []*cycle
	c.mu.Lock()
	for id, cy := range c.pending {
		if now.Sub(cy.attr.Created) >= c.cfg.Window {
			delete(c.pending, id)
			due = append(due, cy)
		}
	}
	for id, o := range c.orphans {
		if now.Sub(o.received) >= c.cfg.OrphanTTL {
			delete(c.orphans, id)
			c.logger.Debug("orphan signals expired", zap.String("cycle_id", id), zap.Int("signals", len(o.signals)))
		}
	}
	for id, at := range c.seen {
		if now.Sub(at) >= c.cfg.DedupeTTL {
			delete(c.seen, id)
		}
	}
	c.mu.Unlock()

	return c.finalizeAll(due)
}

func (c *Collector) drain() {
	c.mu.Lock()
	due := make([]*cycle, 0, len(c.pending))
	for id, cy := range c.pending {
		delete(c.pending, id)
		due = append(due, cy)
	}
	c.mu.Unlock()
	if n := c.finalizeAll(due); n > 0 {
		c.logger.Info("reward collector drained", zap.Int("finalized", n))
	}
}

func (c *Collector) finalizeAll(due []*cycle) int {
	n := 0
	for _, cy := range due {
		if len(cy.history) == 0 && !c.cfg.UpdateOnSilence {
			continue
		}
		c.apply(cy.outcome())
		n++
	}
	return n
}

// #endregion run

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
