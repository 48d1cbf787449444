package persona

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
)

var (
	// ErrUnknownPersona is returned for an id or version never registered.
	ErrUnknownPersona = errors.New("unknown persona")
	// ErrVersionConflict is returned when a version is re-registered with
	// different content.
	ErrVersionConflict = errors.New("persona version already registered with different content")
)

// Summary describes one registered persona.
type Summary struct {
	PersonaID string `json:"persona_id"`
	Versions  []int  `json:"versions"`
	Active    bool   `json:"active"`
	ActiveVer int    `json:"active_version,omitempty"`
}

// Registry holds every loaded constitution version and the active pointer.
// Loaded versions are never modified; activation swaps the pointer with
// compare-and-swap so readers see either the old or the new version.
type Registry struct {
	active atomic.Pointer[Constitution]

	mu       sync.RWMutex
	versions map[string]map[int]*Constitution

	swapMu sync.Mutex
	onSwap []func(old, new *Constitution)

	logger *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		versions: make(map[string]map[int]*Constitution),
		logger:   logger.Named("persona"),
	}
}

// OnSwap registers a callback run after every successful activation.
func (r *Registry) OnSwap(fn func(old, new *Constitution)) {
	r.swapMu.Lock()
	r.onSwap = append(r.onSwap, fn)
	r.swapMu.Unlock()
}

// Register adds a validated version. Registering an identical version again
// is a no-op.
func (r *Registry) Register(c *Constitution) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byVer := r.versions[c.PersonaID]
	if byVer == nil {
		byVer = make(map[int]*Constitution)
		r.versions[c.PersonaID] = byVer
	}
	if existing, ok := byVer[c.Version]; ok {
		if reflect.DeepEqual(existing, c) {
			return nil
		}
		return fmt.Errorf("%w: %s v%d", ErrVersionConflict, c.PersonaID, c.Version)
	}
	byVer[c.Version] = c
	r.logger.Info("persona registered", zap.String("persona_id", c.PersonaID), zap.Int("version", c.Version))
	return nil
}

// Get returns a version; version 0 means the latest.
func (r *Registry) Get(id string, version int) (*Constitution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVer := r.versions[id]
	if len(byVer) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPersona, id)
	}
	if version == 0 {
		best := 0
		for v := range byVer {
			if v > best {
				best = v
			}
		}
		return byVer[best], nil
	}
	c, ok := byVer[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownPersona, id, version)
	}
	return c, nil
}

// Active returns the active constitution, or nil before the first activation.
func (r *Registry) Active() *Constitution {
	return r.active.Load()
}

// Activate makes id/version (0 = latest) the active constitution.
func (r *Registry) Activate(id string, version int) (*Constitution, error) {
	next, err := r.Get(id, version)
	if err != nil {
		return nil, err
	}
	for {
		old := r.active.Load()
		if old == next {
			return next, nil
		}
		if r.active.CompareAndSwap(old, next) {
			r.swapped(old, next)
			return next, nil
		}
	}
}

// PromoteIfActive swaps in c when the active persona has the same id and an
// older version. Used by hot reload and offline evolution.
func (r *Registry) PromoteIfActive(c *Constitution) bool {
	for {
		old := r.active.Load()
		if old == nil || old.PersonaID != c.PersonaID || old.Version >= c.Version {
			return false
		}
		if r.active.CompareAndSwap(old, c) {
			r.swapped(old, c)
			return true
		}
	}
}

func (r *Registry) swapped(old, next *Constitution) {
	fields := []zap.Field{zap.String("persona_id", next.PersonaID), zap.Int("version", next.Version)}
	if old != nil {
		fields = append(fields, zap.String("previous", fmt.Sprintf("%s v%d", old.PersonaID, old.Version)))
	}
	r.logger.Info("persona activated", fields...)

	r.swapMu.Lock()
	hooks := append([]func(old, new *Constitution){}, r.onSwap...)
	r.swapMu.Unlock()
	for _, fn := range hooks {
		fn(old, next)
	}
}

// Resolve picks the constitution for a cycle: the latest version of name when
// registered, otherwise the active one.
func (r *Registry) Resolve(name string) *Constitution {
	if name != "" {
		if c, err := r.Get(name, 0); err == nil {
			return c
		}
		r.logger.Debug("unknown personality requested, using active", zap.String("personality", name))
	}
	return r.Active()
}

// Prior implements the micro policy prior source using the active persona.
func (r *Registry) Prior(key contracts.StateKey, actionID string) float64 {
	if c := r.Active(); c != nil {
		return c.Prior(key, actionID)
	}
	return 0
}

// List summarizes every registered persona, sorted by id.
func (r *Registry) List() []Summary {
	active := r.Active()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.versions))
	for id, byVer := range r.versions {
		s := Summary{PersonaID: id}
		for v := range byVer {
			s.Versions = append(s.Versions, v)
		}
		sort.Ints(s.Versions)
		if active != nil && active.PersonaID == id {
			s.Active = true
			s.ActiveVer = active.Version
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonaID < out[j].PersonaID })
	return out
}
