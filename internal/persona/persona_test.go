package persona

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danielpatrickdp/emate/decision-core/internal/actions"
	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

const phoenixKey = contracts.StateKey("rhythm=fragmented|health=stress_high|emotion=overwhelmed|goal=important_behind|env=unknown")

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	defs, err := Defaults()
	require.NoError(t, err)
	for _, c := range defs {
		require.NoError(t, r.Register(c))
	}
	return r
}

func TestDefaultsAreValid(t *testing.T) {
	defs, err := Defaults()
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, c := range defs {
		ids[c.PersonaID] = true
		assert.NotZero(t, c.RewardWeights)
	}
	for _, id := range []string{"StandardAssistant", "CuteCat", "ColdBoss", "WarmSister", "AnimeWizard", "SarcasticFighter"} {
		assert.True(t, ids[id], id)
	}
}

func TestPriorConditionalMatching(t *testing.T) {
	r := defaultRegistry(t)
	c, err := r.Get("StandardAssistant", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.6, c.Prior(phoenixKey, actions.Focus45))
	assert.Equal(t, 0.35, c.Prior(phoenixKey, actions.Reminder))
	assert.Equal(t, 0.0, c.Prior(phoenixKey, actions.None))
	assert.Equal(t, 0.1, c.Prior(phoenixKey, actions.BreakWalk))
}

func TestValidateRejectsBannedSubstitute(t *testing.T) {
	doc := `
persona_id: Loop
version: 1
allowed_actions: [enter_focus_mode, suggest_break]
forbidden_combinations:
  - name: a
    action: suggest_break
    substitute: {type: enter_focus_mode, duration: 25}
  - name: b
    action: enter_focus_mode
    substitute: {type: suggest_break, kind: walk}
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself forbidden")
}

func TestValidateRejectsSelfReintroducingReplacement(t *testing.T) {
	doc := `
persona_id: Echo
version: 1
allowed_actions: [none]
tone_directives:
  replacements:
    "hi": "hi there"
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestRegisterConflictAndIdempotence(t *testing.T) {
	r := defaultRegistry(t)
	c, err := r.Get("ColdBoss", 1)
	require.NoError(t, err)

	clone := *c
	require.NoError(t, r.Register(&clone), "identical content is a no-op")

	changed := *c
	changed.DisplayName = "Colder Boss"
	require.ErrorIs(t, r.Register(&changed), ErrVersionConflict)
}

func TestActivateAndResolve(t *testing.T) {
	r := defaultRegistry(t)
	assert.Nil(t, r.Active())

	var swaps int
	r.OnSwap(func(old, next *Constitution) { swaps++ })

	c, err := r.Activate("StandardAssistant", 0)
	require.NoError(t, err)
	assert.Same(t, c, r.Active())
	assert.Equal(t, 1, swaps)

	_, err = r.Activate("Nobody", 0)
	require.ErrorIs(t, err, ErrUnknownPersona)

	assert.Equal(t, "ColdBoss", r.Resolve("ColdBoss").PersonaID)
	assert.Equal(t, "StandardAssistant", r.Resolve("Unknown").PersonaID)
	assert.Equal(t, "StandardAssistant", r.Resolve("").PersonaID)
}

func TestConcurrentSwapsNeverExposePartialVersion(t *testing.T) {
	r := defaultRegistry(t)
	base, err := r.Get("StandardAssistant", 1)
	require.NoError(t, err)
	v2 := *base
	v2.Version = 2
	v2.ToneDirectives.Suffix = " v2"
	require.NoError(t, r.Register(&v2))
	_, err = r.Activate("StandardAssistant", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				c := r.Active()
				if c.Version == 2 && !assert.Equal(t, " v2", c.ToneDirectives.Suffix, "mixed version observed") {
					return
				}
				if c.Version == 1 && !assert.Empty(t, c.ToneDirectives.Suffix, "mixed version observed") {
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		_, err := r.Activate("StandardAssistant", 1+i%2)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
}

func TestPromoteIfActive(t *testing.T) {
	r := defaultRegistry(t)
	_, err := r.Activate("ColdBoss", 0)
	require.NoError(t, err)

	base, _ := r.Get("ColdBoss", 1)
	v2 := *base
	v2.Version = 2
	require.NoError(t, r.Register(&v2))
	assert.True(t, r.PromoteIfActive(&v2))
	assert.Equal(t, 2, r.Active().Version)
	assert.False(t, r.PromoteIfActive(base), "older version must not replace newer")

	other, _ := r.Get("WarmSister", 1)
	assert.False(t, r.PromoteIfActive(other))
}

func TestWatcherHotReload(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	r := defaultRegistry(t)
	_, err := r.Activate("StandardAssistant", 1)
	require.NoError(t, err)

	w, err := NewWatcher(dir, r, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	data, err := defaultFS.ReadFile("defaults/standard_assistant.yaml")
	require.NoError(t, err)
	doc := strings.Replace(string(data), "version: 1", "version: 2", 1)

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "standard.yaml"), []byte(doc), 0o644))

	require.Eventually(t, func() bool {
		return r.Active().Version == 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)
	<-w.Done()
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	got, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
