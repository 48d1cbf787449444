package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/composer"
	"github.com/danielpatrickdp/emate/decision-core/internal/config"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/eval"
	"github.com/danielpatrickdp/emate/decision-core/internal/graph"
	"github.com/danielpatrickdp/emate/decision-core/internal/guard"
	"github.com/danielpatrickdp/emate/decision-core/internal/llm"
	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
	"github.com/danielpatrickdp/emate/decision-core/internal/macro"
	"github.com/danielpatrickdp/emate/decision-core/internal/memory"
	"github.com/danielpatrickdp/emate/decision-core/internal/metrics"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/perception"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
	"github.com/danielpatrickdp/emate/decision-core/internal/pipeline"
	"github.com/danielpatrickdp/emate/decision-core/internal/retrieval"
	"github.com/danielpatrickdp/emate/decision-core/internal/reward"
	"github.com/danielpatrickdp/emate/decision-core/internal/router"
	"github.com/danielpatrickdp/emate/decision-core/internal/scheduler"
	"github.com/danielpatrickdp/emate/decision-core/internal/state"
	"github.com/danielpatrickdp/emate/decision-core/internal/writeback"
)

// #region app
// app holds every wired component of one process.
type app struct {
	store       *state.Store
	transitions *graph.TransitionStore
	audit       *logging.AuditLog
	prefs       *macro.PreferenceStore
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	personas    *persona.Registry
	micro       *micro.Policy
	memory      memory.Store
	llm         llm.Client
	collector   *reward.Collector
	writer      *writeback.Writer
	engine      *pipeline.Engine
	scheduler   *scheduler.Scheduler
}

// newApp opens storage and builds the full decision pipeline from c.
func newApp(ctx context.Context, c *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if a.store, err = openStore(c.Storage.DBPath, logger); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.transitions, err = graph.NewTransitionStore(a.store.DB()); err != nil {
		return nil, fmt.Errorf("open transitions: %w", err)
	}
	if a.audit, err = logging.NewAuditLog(a.store.DB()); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if a.prefs, err = macro.NewPreferenceStore(a.store.DB()); err != nil {
		return nil, fmt.Errorf("open preference store: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if a.personas, err = loadPersonas(c.Persona, logger); err != nil {
		return nil, err
	}
	a.personas.OnSwap(func(old, next *persona.Constitution) {
		a.metrics.PersonaSwaps.WithLabelValues(next.PersonaID).Inc()
		from := ""
		if old != nil {
			from = fmt.Sprintf("%s v%d", old.PersonaID, old.Version)
		}
		if err := a.audit.Log(logging.AuditEntry{
			Kind:        logging.KindPersonaSwap,
			PersonaID:   next.PersonaID,
			PayloadJSON: fmt.Sprintf(`{"from":%q,"to":%d}`, from, next.Version),
			Reason:      "activated",
		}); err != nil {
			logger.Warn("audit log write failed", zap.Error(err))
		}
	})
	if _, err = a.personas.Activate(c.Persona.Default, 0); err != nil {
		return nil, fmt.Errorf("activate default persona: %w", err)
	}

	a.micro = micro.NewPolicy(c.MicroPolicy(), a.store, a.personas, logger)
	rep := a.micro.Load(ctx)
	a.metrics.QTableEntries.Set(float64(rep.Loaded))

	if a.memory, err = openMemory(ctx, c.Memory, c.Redis()); err != nil {
		return nil, err
	}

	if a.llm, err = llm.New(ctx, c.Provider(), logger); err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	var gen macro.Generator
	if a.llm != nil {
		gen = macro.LLMGenerator{Client: a.llm}
	}
	var judge macro.Judge = macro.RuleJudge{Harness: eval.NewEvalHarness(c.Eval())}
	if c.Macro.Judge == "llm" && a.llm != nil {
		judge = macro.NewLLMJudge(a.llm, judge, c.JudgeConfig(), logger)
	}
	macroPolicy := macro.NewPolicy(c.MacroPolicy(), gen, judge, a.prefs, logger)

	a.collector = reward.NewCollector(c.Collector(), a.micro, logger)

	deps := pipeline.Deps{
		Perception:  perception.NewAdapter(logger),
		Memory:      retrieval.NewRetriever(a.memory, c.Retrieval(), logger),
		Micro:       a.micro,
		Macro:       macroPolicy,
		Router:      router.New(c.Routing()),
		Guard:       guard.New(logger),
		Composer:    composer.New(logger),
		Personas:    a.personas,
		Rewards:     a.collector,
		Transitions: a.transitions,
		Metrics:     a.metrics,
	}
	if c.Writeback.Enabled {
		a.writer = writeback.NewWriter(a.memory, c.Writer(), logger)
		a.writer.OnResult(func(r writeback.Result) {
			result := "written"
			if r.Err != nil {
				result = "failed"
			}
			a.metrics.Writeback.WithLabelValues(result).Inc()
			a.metrics.WritebackQueue.Set(float64(a.writer.Stats().Queued))
		})
		deps.Writeback = a.writer
	}
	if c.Pipeline.Audit {
		deps.Audit = a.audit
	}

	if a.engine, err = pipeline.NewEngine(pipelineConfig(c), deps, logger); err != nil {
		return nil, err
	}
	if a.scheduler, err = scheduler.New(schedulerConfig(c), scheduler.Deps{
		Micro:       a.micro,
		Preferences: a.prefs,
		Personas:    a.personas,
		Transitions: a.transitions,
		Audit:       a.audit,
		Metrics:     a.metrics,
	}, logger); err != nil {
		return nil, err
	}
	return a, nil
}

// close releases the llm connection, the memory backend and the database.
func (a *app) close() error {
	var errs []error
	if a.llm != nil {
		errs = append(errs, llm.Close(a.llm))
	}
	if a.memory != nil {
		errs = append(errs, a.memory.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// #endregion app

// #region builders
// loadPersonas registers the built-in constitutions, then every file in
// pc.Dir. A file that conflicts with an already registered version is
// skipped with a warning.
func loadPersonas(pc config.PersonaConfig, logger *zap.Logger) (*persona.Registry, error) {
	reg := persona.NewRegistry(logger)
	defaults, err := persona.Defaults()
	if err != nil {
		return nil, fmt.Errorf("built-in personas: %w", err)
	}
	for _, c := range defaults {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.PersonaID, err)
		}
	}
	if pc.Dir == "" {
		return reg, nil
	}
	loaded, err := persona.LoadDir(pc.Dir)
	if err != nil {
		return nil, err
	}
	for _, c := range loaded {
		if err := reg.Register(c); err != nil {
			logger.Warn("persona file skipped", zap.String("persona_id", c.PersonaID), zap.Int("version", c.Version), zap.Error(err))
		}
	}
	return reg, nil
}

// openStore opens the snapshot database. A file that cannot be opened is
// moved aside and replaced by a fresh database; if that fails too the process
// runs on an in-memory database. Neither case is fatal.
func openStore(path string, logger *zap.Logger) (*state.Store, error) {
	s, err := state.NewStore(path)
	if err == nil {
		return s, nil
	}
	logger.Error("snapshot database unreadable, starting with an empty table",
		zap.String("path", path),
		zap.Error(fmt.Errorf("%w: %v", contracts.ErrPersistenceFailure, err)))

	if path != ":memory:" {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if err := os.Rename(path, aside); err == nil {
			for _, suffix := range []string{"-wal", "-shm"} {
				_ = os.Remove(path + suffix)
			}
			logger.Warn("corrupt snapshot database moved aside", zap.String("moved_to", aside))
			if s, err = state.NewStore(path); err == nil {
				return s, nil
			}
		}
		logger.Error("snapshot database unavailable, running without persistence",
			zap.Error(fmt.Errorf("%w: %v", contracts.ErrPersistenceFailure, err)))
	}
	return state.NewStore(":memory:")
}

func openMemory(ctx context.Context, mc config.MemoryConfig, rc memory.RedisConfig) (memory.Store, error) {
	switch strings.ToLower(mc.Backend) {
	case "", "memory":
		return memory.NewInMemoryStore(), nil
	case "redis":
		s, err := memory.NewRedisStore(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("redis memory: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown memory backend %q", mc.Backend)
	}
}

func pipelineConfig(c *config.Config) pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		Mode:            c.Mode(),
		CycleTimeout:    p.CycleTimeout,
		Explore:         p.Explore,
		TransitionDelta: p.TransitionDelta,
		SessionTTL:      p.SessionTTL,
	}
}

// schedulerConfig lives here because config cannot import scheduler.
func schedulerConfig(c *config.Config) scheduler.Config {
	s := c.Scheduler
	if !s.Enabled {
		return scheduler.Config{}
	}
	return scheduler.Config{
		FlushSpec:          s.FlushSpec,
		EvolveSpec:         s.EvolveSpec,
		DecaySpec:          s.DecaySpec,
		TransitionHalfLife: s.TransitionHalfLife,
		PreferenceMaxAge:   c.Macro.PreferenceMaxAge,
		Evolve:             c.Evolve(),
		PersonaDir:         c.Persona.Dir,
	}
}

// #endregion builders
