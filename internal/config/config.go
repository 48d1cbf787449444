// Package config loads engine settings from YAML and EMATE_ environment
// variables through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
	"github.com/danielpatrickdp/emate/decision-core/internal/eval"
	"github.com/danielpatrickdp/emate/decision-core/internal/gate"
	"github.com/danielpatrickdp/emate/decision-core/internal/llm"
	"github.com/danielpatrickdp/emate/decision-core/internal/macro"
	"github.com/danielpatrickdp/emate/decision-core/internal/memory"
	"github.com/danielpatrickdp/emate/decision-core/internal/micro"
	"github.com/danielpatrickdp/emate/decision-core/internal/retrieval"
	"github.com/danielpatrickdp/emate/decision-core/internal/reward"
	"github.com/danielpatrickdp/emate/decision-core/internal/router"
	"github.com/danielpatrickdp/emate/decision-core/internal/update"
	"github.com/danielpatrickdp/emate/decision-core/internal/writeback"
)

// EnvPrefix is prepended to every environment override, e.g. EMATE_ROUTER_MODE.
const EnvPrefix = "EMATE"

// #region sections
// Config is the complete engine configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Micro     MicroConfig     `mapstructure:"micro" yaml:"micro"`
	Macro     MacroConfig     `mapstructure:"macro" yaml:"macro"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Reward    RewardConfig    `mapstructure:"reward" yaml:"reward"`
	Memory    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	Writeback WritebackConfig `mapstructure:"writeback" yaml:"writeback"`
	Persona   PersonaConfig   `mapstructure:"persona" yaml:"persona"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
}

// LoggerConfig drives logging.NewLogger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // console | json
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	File        string `mapstructure:"file" yaml:"file"` // empty = console only
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// StorageConfig locates the SQLite database shared by snapshots, preference
// samples, transitions and the audit log.
type StorageConfig struct {
	DBPath            string `mapstructure:"db_path" yaml:"db_path"`
	SnapshotRetention int    `mapstructure:"snapshot_retention" yaml:"snapshot_retention"`
}

type MicroConfig struct {
	LearningRate      float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	MinLearningRate   float64 `mapstructure:"min_learning_rate" yaml:"min_learning_rate"`
	LearningRateDecay float64 `mapstructure:"learning_rate_decay" yaml:"learning_rate_decay"`
	Discount          float64 `mapstructure:"discount" yaml:"discount"`
	MaxDelta          float64 `mapstructure:"max_delta" yaml:"max_delta"`
	EpsilonStart      float64 `mapstructure:"epsilon_start" yaml:"epsilon_start"`
	EpsilonFloor      float64 `mapstructure:"epsilon_floor" yaml:"epsilon_floor"`
	EpsilonDecay      float64 `mapstructure:"epsilon_decay" yaml:"epsilon_decay"`
	RewardBound       float64 `mapstructure:"reward_bound" yaml:"reward_bound"`
	MaxAbsValue       float64 `mapstructure:"max_abs_value" yaml:"max_abs_value"`
	Seed              int64   `mapstructure:"seed" yaml:"seed"`
}

type MacroConfig struct {
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRefinements   int           `mapstructure:"max_refinements" yaml:"max_refinements"`
	MinAcceptScore   float64       `mapstructure:"min_accept_score" yaml:"min_accept_score"`
	PassThreshold    float64       `mapstructure:"pass_threshold" yaml:"pass_threshold"`
	EvolveMinSamples int           `mapstructure:"evolve_min_samples" yaml:"evolve_min_samples"`
	EvolveRate       float64       `mapstructure:"evolve_rate" yaml:"evolve_rate"`
	MaxConditional   int           `mapstructure:"max_conditional" yaml:"max_conditional"`
	PreferenceMaxAge time.Duration `mapstructure:"preference_max_age" yaml:"preference_max_age"`
	Judge            string        `mapstructure:"judge" yaml:"judge"` // rule | llm
	JudgeTimeout     time.Duration `mapstructure:"judge_timeout" yaml:"judge_timeout"`
	JudgeWeight      float64       `mapstructure:"judge_weight" yaml:"judge_weight"`
}

type RouterConfig struct {
	Mode      string  `mapstructure:"mode" yaml:"mode"`
	TieMargin float64 `mapstructure:"tie_margin" yaml:"tie_margin"`
}

type RewardConfig struct {
	Window          time.Duration `mapstructure:"window" yaml:"window"`
	Tick            time.Duration `mapstructure:"tick" yaml:"tick"`
	OrphanTTL       time.Duration `mapstructure:"orphan_ttl" yaml:"orphan_ttl"`
	DedupeTTL       time.Duration `mapstructure:"dedupe_ttl" yaml:"dedupe_ttl"`
	MaxPending      int           `mapstructure:"max_pending" yaml:"max_pending"`
	UpdateOnSilence bool          `mapstructure:"update_on_silence" yaml:"update_on_silence"`
}

// MemoryConfig selects the memory backend ("memory" or "redis").
type MemoryConfig struct {
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TopK           int           `mapstructure:"top_k" yaml:"top_k"`
	MaxEvidenceLen int           `mapstructure:"max_evidence_len" yaml:"max_evidence_len"`
	MaxEpisodeAge  time.Duration `mapstructure:"max_episode_age" yaml:"max_episode_age"`
	Redis          RedisConfig   `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
	MaxFacts  int64  `mapstructure:"max_facts" yaml:"max_facts"`
	MaxStream int64  `mapstructure:"max_stream" yaml:"max_stream"`
}

type WritebackConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	QueueSize      int           `mapstructure:"queue_size" yaml:"queue_size"`
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	MaxRetries     uint64        `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type PersonaConfig struct {
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Default string `mapstructure:"default" yaml:"default"`
	Watch   bool   `mapstructure:"watch" yaml:"watch"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type PipelineConfig struct {
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout" yaml:"cycle_timeout"`
	Explore         bool          `mapstructure:"explore" yaml:"explore"`
	TransitionDelta float64       `mapstructure:"transition_delta" yaml:"transition_delta"`
	SessionTTL      time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	Audit           bool          `mapstructure:"audit" yaml:"audit"`
}

// SchedulerConfig holds cron specs; an empty spec disables that job.
type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	FlushSpec          string        `mapstructure:"flush_spec" yaml:"flush_spec"`
	EvolveSpec         string        `mapstructure:"evolve_spec" yaml:"evolve_spec"`
	DecaySpec          string        `mapstructure:"decay_spec" yaml:"decay_spec"`
	TransitionHalfLife time.Duration `mapstructure:"transition_half_life" yaml:"transition_half_life"`
}

type LLMConfig struct {
	Provider       string  `mapstructure:"provider" yaml:"provider"`
	Model          string  `mapstructure:"model" yaml:"model"`
	APIKey         string  `mapstructure:"api_key" yaml:"api_key"`
	Addr           string  `mapstructure:"addr" yaml:"addr"`
	RequestsPerSec float64 `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
	Burst          int     `mapstructure:"burst" yaml:"burst"`
}

// #endregion sections

// #region defaults
// SetDefaults registers every key so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "emate")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	v.SetDefault("storage.db_path", "emate.db")
	v.SetDefault("storage.snapshot_retention", 20)

	u := update.DefaultUpdateConfig()
	g := gate.DefaultGateConfig(discretize.Version)
	v.SetDefault("micro.learning_rate", u.LearningRate)
	v.SetDefault("micro.min_learning_rate", u.MinLearningRate)
	v.SetDefault("micro.learning_rate_decay", u.LearningRateDecay)
	v.SetDefault("micro.discount", u.Discount)
	v.SetDefault("micro.max_delta", u.MaxDelta)
	v.SetDefault("micro.epsilon_start", 0.3)
	v.SetDefault("micro.epsilon_floor", 0.05)
	v.SetDefault("micro.epsilon_decay", 0.995)
	v.SetDefault("micro.reward_bound", g.RewardBound)
	v.SetDefault("micro.max_abs_value", g.MaxAbsValue)
	v.SetDefault("micro.seed", 0)

	v.SetDefault("macro.timeout", "4s")
	v.SetDefault("macro.max_refinements", 2)
	v.SetDefault("macro.min_accept_score", 0.4)
	v.SetDefault("macro.pass_threshold", 0.55)
	v.SetDefault("macro.evolve_min_samples", 3)
	v.SetDefault("macro.evolve_rate", 0.5)
	v.SetDefault("macro.max_conditional", 200)
	v.SetDefault("macro.preference_max_age", "2160h")
	v.SetDefault("macro.judge", "rule")
	v.SetDefault("macro.judge_timeout", "1500ms")
	v.SetDefault("macro.judge_weight", 0.5)

	v.SetDefault("router.mode", string(contracts.ModeHybrid))
	v.SetDefault("router.tie_margin", 0.05)

	v.SetDefault("reward.window", "2m")
	v.SetDefault("reward.tick", "5s")
	v.SetDefault("reward.orphan_ttl", "1m")
	v.SetDefault("reward.dedupe_ttl", "1h")
	v.SetDefault("reward.max_pending", 10000)
	v.SetDefault("reward.update_on_silence", false)

	v.SetDefault("memory.backend", "memory")
	v.SetDefault("memory.timeout", "300ms")
	v.SetDefault("memory.top_k", 5)
	v.SetDefault("memory.max_evidence_len", 500)
	v.SetDefault("memory.max_episode_age", "720h")
	v.SetDefault("memory.redis.addr", "127.0.0.1:6379")
	v.SetDefault("memory.redis.password", "")
	v.SetDefault("memory.redis.db", 0)
	v.SetDefault("memory.redis.key_prefix", "emate")
	v.SetDefault("memory.redis.max_facts", 500)
	v.SetDefault("memory.redis.max_stream", 10000)

	v.SetDefault("writeback.enabled", true)
	v.SetDefault("writeback.queue_size", 256)
	v.SetDefault("writeback.workers", 2)
	v.SetDefault("writeback.max_retries", 4)
	v.SetDefault("writeback.initial_backoff", "100ms")
	v.SetDefault("writeback.max_backoff", "2s")
	v.SetDefault("writeback.write_timeout", "2s")

	v.SetDefault("persona.dir", "personas")
	v.SetDefault("persona.default", "StandardAssistant")
	v.SetDefault("persona.watch", true)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("pipeline.cycle_timeout", "6s")
	v.SetDefault("pipeline.explore", true)
	v.SetDefault("pipeline.transition_delta", 0.1)
	v.SetDefault("pipeline.session_ttl", "30m")
	v.SetDefault("pipeline.audit", true)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.flush_spec", "@every 1m")
	v.SetDefault("scheduler.evolve_spec", "0 3 * * *")
	v.SetDefault("scheduler.decay_spec", "@hourly")
	v.SetDefault("scheduler.transition_half_life", "72h")

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.addr", "")
	v.SetDefault("llm.requests_per_sec", 1.0)
	v.SetDefault("llm.burst", 2)
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// #endregion defaults

// #region load
// Load merges defaults, the optional YAML file at path and EMATE_ overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("llm.api_key", "EMATE_LLM_API_KEY", "GEMINI_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper decodes and validates v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// #endregion load

// #region validate
// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	m := c.Micro
	if m.LearningRate <= 0 || m.LearningRate > 1 {
		return fmt.Errorf("micro.learning_rate must be in (0,1], got %v", m.LearningRate)
	}
	if m.MinLearningRate <= 0 || m.MinLearningRate > m.LearningRate {
		return fmt.Errorf("micro.min_learning_rate must be in (0, learning_rate], got %v", m.MinLearningRate)
	}
	if m.Discount < 0 || m.Discount >= 1 {
		return fmt.Errorf("micro.discount must be in [0,1), got %v", m.Discount)
	}
	if m.EpsilonFloor <= 0 {
		return fmt.Errorf("micro.epsilon_floor must be > 0, got %v", m.EpsilonFloor)
	}
	if m.EpsilonStart < m.EpsilonFloor || m.EpsilonStart > 1 {
		return fmt.Errorf("micro.epsilon_start must be in [epsilon_floor,1], got %v", m.EpsilonStart)
	}
	if m.EpsilonDecay <= 0 || m.EpsilonDecay > 1 {
		return fmt.Errorf("micro.epsilon_decay must be in (0,1], got %v", m.EpsilonDecay)
	}
	if _, ok := contracts.ParseAgentMode(c.Router.Mode); !ok {
		return fmt.Errorf("router.mode %q is not Micro, Macro or Hybrid", c.Router.Mode)
	}
	if c.Router.TieMargin < 0 {
		return fmt.Errorf("router.tie_margin must be >= 0")
	}
	for name, d := range map[string]time.Duration{
		"macro.timeout":           c.Macro.Timeout,
		"macro.judge_timeout":     c.Macro.JudgeTimeout,
		"memory.timeout":          c.Memory.Timeout,
		"reward.window":           c.Reward.Window,
		"reward.tick":             c.Reward.Tick,
		"pipeline.cycle_timeout":  c.Pipeline.CycleTimeout,
		"writeback.write_timeout": c.Writeback.WriteTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Reward.Tick == 0 {
		return fmt.Errorf("reward.tick must be positive")
	}
	switch c.Memory.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("memory.backend %q is not memory or redis", c.Memory.Backend)
	}
	if c.Writeback.Enabled && (c.Writeback.Workers <= 0 || c.Writeback.QueueSize <= 0) {
		return fmt.Errorf("writeback.workers and writeback.queue_size must be positive")
	}
	if c.Macro.PassThreshold < 0 || c.Macro.PassThreshold > 1 {
		return fmt.Errorf("macro.pass_threshold must be in [0,1]")
	}
	switch c.Macro.Judge {
	case "rule", "llm":
	default:
		return fmt.Errorf("macro.judge %q is not rule or llm", c.Macro.Judge)
	}
	if c.Macro.JudgeWeight <= 0 || c.Macro.JudgeWeight > 1 {
		return fmt.Errorf("macro.judge_weight must be in (0,1]")
	}
	return nil
}

// #endregion validate

// #region component-configs
// Mode returns the parsed router mode.
func (c *Config) Mode() contracts.AgentMode {
	m, _ := contracts.ParseAgentMode(c.Router.Mode)
	return m
}

func (c *Config) MicroPolicy() micro.Config {
	m := c.Micro
	return micro.Config{
		Update: update.UpdateConfig{
			LearningRate:      m.LearningRate,
			MinLearningRate:   m.MinLearningRate,
			LearningRateDecay: m.LearningRateDecay,
			Discount:          m.Discount,
			MaxDelta:          m.MaxDelta,
		},
		Gate: gate.GateConfig{
			RewardBound:        m.RewardBound,
			MaxAbsValue:        m.MaxAbsValue,
			DiscretizerVersion: discretize.Version,
		},
		EpsilonStart: m.EpsilonStart,
		EpsilonFloor: m.EpsilonFloor,
		EpsilonDecay: m.EpsilonDecay,
		Retention:    c.Storage.SnapshotRetention,
		Seed:         m.Seed,
	}
}

func (c *Config) MacroPolicy() macro.Config {
	return macro.Config{
		Timeout:        c.Macro.Timeout,
		MaxRefinements: c.Macro.MaxRefinements,
		MinAcceptScore: c.Macro.MinAcceptScore,
	}
}

func (c *Config) Evolve() macro.EvolveConfig {
	return macro.EvolveConfig{
		MinSamples:     c.Macro.EvolveMinSamples,
		Rate:           c.Macro.EvolveRate,
		MaxConditional: c.Macro.MaxConditional,
	}
}

func (c *Config) JudgeConfig() macro.JudgeConfig {
	return macro.JudgeConfig{
		Timeout:       c.Macro.JudgeTimeout,
		Weight:        c.Macro.JudgeWeight,
		PassThreshold: c.Macro.PassThreshold,
	}
}

func (c *Config) Eval() eval.EvalConfig {
	e := eval.DefaultEvalConfig()
	e.PassThreshold = c.Macro.PassThreshold
	return e
}

func (c *Config) Routing() router.Config {
	return router.Config{TieMargin: c.Router.TieMargin}
}

func (c *Config) Collector() reward.Config {
	r := c.Reward
	return reward.Config{
		Window:          r.Window,
		Tick:            r.Tick,
		OrphanTTL:       r.OrphanTTL,
		DedupeTTL:       r.DedupeTTL,
		MaxPending:      r.MaxPending,
		UpdateOnSilence: r.UpdateOnSilence,
	}
}

func (c *Config) Retrieval() retrieval.RetrievalConfig {
	m := c.Memory
	return retrieval.RetrievalConfig{
		Timeout:        m.Timeout,
		TopK:           m.TopK,
		MaxEvidenceLen: m.MaxEvidenceLen,
		MaxEpisodeAge:  m.MaxEpisodeAge,
	}
}

func (c *Config) Redis() memory.RedisConfig {
	r := c.Memory.Redis
	return memory.RedisConfig{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
		MaxFacts:  r.MaxFacts,
		MaxStream: r.MaxStream,
	}
}

func (c *Config) Writer() writeback.Config {
	w := c.Writeback
	return writeback.Config{
		QueueSize:      w.QueueSize,
		Workers:        w.Workers,
		MaxRetries:     w.MaxRetries,
		InitialBackoff: w.InitialBackoff,
		MaxBackoff:     w.MaxBackoff,
		WriteTimeout:   w.WriteTimeout,
	}
}

func (c *Config) Provider() llm.Config {
	l := c.LLM
	return llm.Config{
		Provider:       l.Provider,
		Model:          l.Model,
		APIKey:         l.APIKey,
		Addr:           l.Addr,
		RequestsPerSec: l.RequestsPerSec,
		Burst:          l.Burst,
	}
}

// #endregion component-configs
