package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/discretize"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, contracts.ModeHybrid, cfg.Mode())
	assert.Equal(t, 4*time.Second, cfg.Macro.Timeout)
	assert.Equal(t, 300*time.Millisecond, cfg.Memory.Timeout)
	assert.Equal(t, uint64(4), cfg.Writeback.MaxRetries)
	assert.InDelta(t, 0.05, cfg.Routing().TieMargin, 1e-9)

	mc := cfg.MicroPolicy()
	assert.Equal(t, discretize.Version, mc.Gate.DiscretizerVersion)
	assert.InDelta(t, 0.05, mc.EpsilonFloor, 1e-9)
	assert.Equal(t, 20, mc.Retention)

	jc := cfg.JudgeConfig()
	assert.Equal(t, "rule", cfg.Macro.Judge)
	assert.Equal(t, 1500*time.Millisecond, jc.Timeout)
	assert.InDelta(t, 0.55, jc.PassThreshold, 1e-9)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
router:
  mode: QLearning
macro:
  timeout: 1500ms
memory:
  backend: redis
  redis:
    addr: redis:6379
`), 0o644))
	t.Setenv("EMATE_STORAGE_DB_PATH", filepath.Join(dir, "override.db"))
	t.Setenv("EMATE_MICRO_EPSILON_FLOOR", "0.1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, contracts.ModeMicro, cfg.Mode())
	assert.Equal(t, 1500*time.Millisecond, cfg.MacroPolicy().Timeout)
	assert.Equal(t, "redis:6379", cfg.Redis().Addr)
	assert.Equal(t, "emate", cfg.Redis().KeyPrefix)
	assert.Equal(t, filepath.Join(dir, "override.db"), cfg.Storage.DBPath)
	assert.InDelta(t, 0.1, cfg.Micro.EpsilonFloor, 1e-9)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero epsilon floor": func(c *Config) { c.Micro.EpsilonFloor = 0 },
		"alpha above one":    func(c *Config) { c.Micro.LearningRate = 1.5 },
		"gamma of one":       func(c *Config) { c.Micro.Discount = 1 },
		"negative timeout":   func(c *Config) { c.Macro.Timeout = -time.Second },
		"empty db path":      func(c *Config) { c.Storage.DBPath = " " },
		"unknown mode":       func(c *Config) { c.Router.Mode = "Random" },
		"unknown backend":    func(c *Config) { c.Memory.Backend = "postgres" },
		"unknown judge":      func(c *Config) { c.Macro.Judge = "crowd" },
		"zero judge weight":  func(c *Config) { c.Macro.JudgeWeight = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
