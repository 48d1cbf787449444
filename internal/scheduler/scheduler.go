// Package scheduler runs the periodic maintenance of the decision core on
// cron specs: Q-table snapshots, offline persona evolution with preference
// pruning, and transition graph decay.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/macro"
	"github.com/danielpatrickdp/emate/decision-core/internal/metrics"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

// #region deps
// QPolicy is implemented by *micro.Policy.
type QPolicy interface {
	Flush(ctx context.Context, force bool) (string, error)
	Table() *micro.Table
	CurrentEpsilon() float64
}

// Preferences is implemented by *macro.PreferenceStore.
type Preferences interface {
	ActionPreferences(personaID string, minSamples int) ([]macro.ActionPreference, error)
	Prune(maxAge time.Duration) (int64, error)
}

// Personas is implemented by *persona.Registry.
type Personas interface {
	List() []persona.Summary
	Get(id string, version int) (*persona.Constitution, error)
	Register(c *persona.Constitution) error
	PromoteIfActive(c *persona.Constitution) bool
}

// Transitions is implemented by *graph.TransitionStore.
type Transitions interface {
	DecayAll(halfLife time.Duration) (int64, error)
}

// AuditLogger is implemented by *logging.AuditLog.
type AuditLogger interface {
	Log(entry logging.AuditEntry) error
}

// Deps are the maintained components. Any of them may be nil; its jobs are
// then not scheduled.
type Deps struct {
	Micro       QPolicy
	Preferences Preferences
	Personas    Personas
	Transitions Transitions
	Audit       AuditLogger
	Metrics     *metrics.Metrics
}

// #endregion deps

// #region config
// Config holds the cron specs. An empty spec disables its job.
type Config struct {
	FlushSpec          string
	EvolveSpec         string
	DecaySpec          string
	TransitionHalfLife time.Duration
	PreferenceMaxAge   time.Duration
	Evolve             macro.EvolveConfig
	PersonaDir         string // evolved versions are written here when set
}

// DefaultConfig returns the schedule defaults.
func DefaultConfig() Config {
	return Config{
		FlushSpec:          "@every 1m",
		EvolveSpec:         "0 3 * * *",
		DecaySpec:          "@hourly",
		TransitionHalfLife: 72 * time.Hour,
		PreferenceMaxAge:   90 * 24 * time.Hour,
		Evolve:             macro.DefaultEvolveConfig(),
	}
}

// #endregion config

// #region scheduler
// Scheduler owns a cron instance and the maintenance jobs.
type Scheduler struct {
	cfg    Config
	d      Deps
	cron   *cron.Cron
	logger *zap.Logger
}

// New registers the jobs. A spec cron cannot parse is an error.
func New(cfg Config, d Deps, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")
	cl := cron.PrintfLogger(zap.NewStdLog(logger))
	s := &Scheduler{
		cfg: cfg,
		d:   d,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}

	jobs := []struct {
		name string
		spec string
		on   bool
		run  func()
	}{
		{"flush", cfg.FlushSpec, d.Micro != nil, func() { _, _ = s.FlushSnapshot(context.Background(), false) }},
		{"evolve", cfg.EvolveSpec, d.Personas != nil && d.Preferences != nil, func() { _, _ = s.EvolvePersonas() }},
		{"decay", cfg.DecaySpec, d.Transitions != nil, func() { _, _ = s.DecayTransitions() }},
	}
	for _, j := range jobs {
		if j.spec == "" || !j.on {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return nil, fmt.Errorf("scheduler: %s spec %q: %w", j.name, j.spec, err)
		}
		logger.Info("job scheduled", zap.String("job", j.name), zap.String("spec", j.spec))
	}
	return s, nil
}

// Jobs reports how many jobs are scheduled.
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// Run starts the cron loop and blocks until ctx is done. Running jobs finish
// before it returns, followed by a forced snapshot flush.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	if s.d.Micro != nil {
		if _, err := s.FlushSnapshot(context.Background(), true); err != nil {
			return err
		}
	}
	return nil
}

// #endregion scheduler

// #region jobs
// FlushSnapshot persists the Q-table when it changed, or always with force.
// The returned version id is empty when nothing was written.
func (s *Scheduler) FlushSnapshot(ctx context.Context, force bool) (string, error) {
	if s.d.Micro == nil {
		return "", nil
	}
	if m := s.d.Metrics; m != nil {
		m.QTableEntries.Set(float64(s.d.Micro.Table().Len()))
		m.Epsilon.Set(s.d.Micro.CurrentEpsilon())
	}
	id, err := s.d.Micro.Flush(ctx, force)
	if err != nil {
		s.logger.Warn("snapshot flush failed", zap.Error(err))
		return "", err
	}
	if id == "" {
		return "", nil
	}
	s.audit(logging.AuditEntry{
		Kind:        logging.KindSnapshot,
		PayloadJSON: fmt.Sprintf(`{"version_id":%q,"entries":%d}`, id, s.d.Micro.Table().Len()),
		Reason:      "scheduled flush",
	})
	return id, nil
}

// EvolvePersonas prunes old preference samples, then derives a new version
// of every registered persona whose priors the remaining samples move.
// Evolved versions are registered and promoted when their persona is active.
func (s *Scheduler) EvolvePersonas() ([]macro.EvolveReport, error) {
	if s.d.Personas == nil || s.d.Preferences == nil {
		return nil, nil
	}
	if s.cfg.PreferenceMaxAge > 0 {
		n, err := s.d.Preferences.Prune(s.cfg.PreferenceMaxAge)
		if err != nil {
			s.logger.Warn("preference prune failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("preference samples pruned", zap.Int64("removed", n))
		}
	}

	var reports []macro.EvolveReport
	var firstErr error
	for _, sum := range s.d.Personas.List() {
		rep, err := s.evolveOne(sum.PersonaID)
		if err != nil {
			s.logger.Warn("persona evolution failed", zap.String("persona_id", sum.PersonaID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		reports = append(reports, rep)
	}
	return reports, firstErr
}

func (s *Scheduler) evolveOne(id string) (macro.EvolveReport, error) {
	cur, err := s.d.Personas.Get(id, 0)
	if err != nil {
		return macro.EvolveReport{}, err
	}
	prefs, err := s.d.Preferences.ActionPreferences(id, s.cfg.Evolve.MinSamples)
	if err != nil {
		return macro.EvolveReport{PersonaID: id}, err
	}
	next, rep, err := macro.Evolve(cur, prefs, s.cfg.Evolve)
	if err != nil || rep.Unchanged {
		return rep, err
	}
	if err := s.d.Personas.Register(next); err != nil {
		return rep, err
	}
	if s.cfg.PersonaDir != "" {
		if err := writePersona(s.cfg.PersonaDir, next); err != nil {
			s.logger.Warn("evolved persona not written", zap.String("persona_id", id), zap.Error(err))
		}
	}
	promoted := s.d.Personas.PromoteIfActive(next)
	s.logger.Info("persona evolved",
		zap.String("persona_id", id),
		zap.Int("from", rep.From), zap.Int("to", rep.To),
		zap.Int("adjusted", rep.Adjusted), zap.Bool("promoted", promoted))
	s.audit(logging.AuditEntry{
		Kind:        logging.KindPersonaSwap,
		PersonaID:   id,
		PayloadJSON: fmt.Sprintf(`{"from":%d,"to":%d,"adjusted":%d,"promoted":%t}`, rep.From, rep.To, rep.Adjusted, promoted),
		Reason:      "offline evolution",
	})
	return rep, nil
}

// DecayTransitions halves transition weights every TransitionHalfLife and
// drops the ones that fall below the floor.
func (s *Scheduler) DecayTransitions() (int64, error) {
	if s.d.Transitions == nil || s.cfg.TransitionHalfLife <= 0 {
		return 0, nil
	}
	n, err := s.d.Transitions.DecayAll(s.cfg.TransitionHalfLife)
	if err != nil {
		s.logger.Warn("transition decay failed", zap.Error(err))
		return 0, err
	}
	s.logger.Debug("transitions decayed", zap.Int64("removed", n))
	return n, nil
}

// #endregion jobs

func (s *Scheduler) audit(e logging.AuditEntry) {
	if s.d.Audit == nil {
		return
	}
	if err := s.d.Audit.Log(e); err != nil {
		s.logger.Warn("audit log write failed", zap.Error(err))
	}
}

func writePersona(dir string, c *persona.Constitution) error {
	raw, err := persona.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s_v%d.yaml", c.PersonaID, c.Version)
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}
