package persona

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads constitutions when files in a directory change. A changed
// file is registered as a new version and promoted if it supersedes the
// active persona.
type Watcher struct {
	watcher  *fsnotify.Watcher
	registry *Registry
	dir      string
	logger   *zap.Logger

	mu          sync.Mutex
	pending     map[string]time.Time
	debounceDur time.Duration

	doneCh chan struct{}
}

// NewWatcher creates a watcher on dir.
func NewWatcher(dir string, registry *Registry, logger *zap.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:     w,
		registry:    registry,
		dir:         dir,
		logger:      logger.Named("persona_watcher"),
		pending:     make(map[string]time.Time),
		debounceDur: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}, nil
}

// Run watches until ctx is cancelled, then closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.doneCh)
	defer w.watcher.Close()

	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching persona directory", zap.String("dir", w.dir))

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isPersonaFile(ev.Name) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending[ev.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		case <-ticker.C:
			w.flush()
		}
	}
}

// Done is closed when Run returns.
func (w *Watcher) Done() <-chan struct{} { return w.doneCh }

func (w *Watcher) flush() {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		w.reload(path)
	}
}

func (w *Watcher) reload(path string) {
	c, err := LoadFile(path)
	if err != nil {
		w.logger.Warn("persona reload rejected", zap.String("path", path), zap.Error(err))
		return
	}
	if err := w.registry.Register(c); err != nil {
		w.logger.Warn("persona reload rejected", zap.String("path", path), zap.Error(err))
		return
	}
	if w.registry.PromoteIfActive(c) {
		w.logger.Info("persona hot-swapped", zap.String("persona_id", c.PersonaID), zap.Int("version", c.Version))
	}
}
