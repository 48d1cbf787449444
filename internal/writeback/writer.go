// Package writeback persists decision records to the memory store out of the
// request path.
package writeback

// #region imports
import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/memory"
)

// #endregion

// #region config
// Config controls the queue and retry policy.
type Config struct {
	QueueSize      int
	Workers        int
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration // per attempt
}

// DefaultConfig returns the writeback defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		Workers:        2,
		MaxRetries:     4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		WriteTimeout:   2 * time.Second,
	}
}

// #endregion config

// #region writer
// Result reports the fate of one record.
type Result struct {
	CycleID  string
	Attempts int
	Err      error
}

// Stats are the writer counters.
type Stats struct {
	Written int64
	Failed  int64
	Dropped int64
	Queued  int
}

// Writer is a bounded queue drained by worker goroutines.
type Writer struct {
	store  memory.Store
	cfg    Config
	logger *zap.Logger
	queue  chan contracts.DecisionRecord

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	mu       sync.Mutex
	onResult func(Result)
}

// NewWriter creates a Writer. Run must be called to start the workers.
func NewWriter(store memory.Store, cfg Config, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Writer{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("writeback"),
		queue:  make(chan contracts.DecisionRecord, cfg.QueueSize),
	}
}

// OnResult sets a callback invoked after every record.
func (w *Writer) OnResult(fn func(Result)) {
	w.mu.Lock()
	w.onResult = fn
	w.mu.Unlock()
}

// Enqueue hands a record to the workers without blocking. A full queue drops
// the record and returns false.
func (w *Writer) Enqueue(rec contracts.DecisionRecord) bool {
	select {
	case w.queue <- rec:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("writeback queue full, record dropped", zap.String("cycle_id", rec.CycleID))
		return false
	}
}

// Stats returns the current counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Queued:  len(w.queue),
	}
}

// #endregion writer

// #region run
// Run starts the workers and blocks until ctx is done. Records still queued
// at shutdown get one attempt each.
func (w *Writer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-w.queue:
					w.process(ctx, rec, w.cfg.MaxRetries)
				}
			}
		}()
	}
	wg.Wait()
	w.drain()
	return nil
}

func (w *Writer) drain() {
	for {
		select {
		case rec := <-w.queue:
			w.process(context.Background(), rec, 0)
		default:
			return
		}
	}
}

func (w *Writer) process(ctx context.Context, rec contracts.DecisionRecord, retries uint64) {
	attempts, err := w.write(ctx, rec, retries)
	if err != nil {
		w.failed.Add(1)
		w.logger.Warn("writeback failed",
			zap.String("cycle_id", rec.CycleID), zap.Int("attempts", attempts), zap.Error(err))
	} else {
		w.written.Add(1)
		w.logger.Debug("writeback stored", zap.String("cycle_id", rec.CycleID), zap.Int("attempts", attempts))
	}
	w.mu.Lock()
	fn := w.onResult
	w.mu.Unlock()
	if fn != nil {
		fn(Result{CycleID: rec.CycleID, Attempts: attempts, Err: err})
	}
}

// #endregion run

// #region write
// write stores the record, a summarizing episode and the extracted facts with
// bounded exponential retry. Steps already stored are not repeated. Encoding
// errors are permanent.
func (w *Writer) write(ctx context.Context, rec contracts.DecisionRecord, retries uint64) (int, error) {
	if rec.Importance == "" {
		Annotate(&rec)
	}
	payload, err := Encode(rec)
	if err != nil {
		return 0, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	facts := ExtractFacts(rec)
	attempts := 0
	recordDone, episodeDone, factsDone := false, false, 0
	operation := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
		if !recordDone {
			if err := w.store.WriteDecision(actx, rec.UserID, rec.CycleID, payload); err != nil {
				return err
			}
			recordDone = true
		}
		if !episodeDone {
			if err := w.store.AddEpisode(actx, rec.UserID, Episode(rec)); err != nil {
				return err
			}
			episodeDone = true
		}
		for ; factsDone < len(facts); factsDone++ {
			if err := w.store.AddFact(actx, rec.UserID, facts[factsDone]); err != nil {
				return err
			}
		}
		return nil
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
	if err != nil {
		return attempts, fmt.Errorf("write decision %s: %w", rec.CycleID, err)
	}
	return attempts, nil
}

// Episode summarizes a decision as a memory episode.
func Episode(rec contracts.DecisionRecord) contracts.Episode {
	text := strings.TrimSpace(rec.InputState.UserText)
	if r := []rune(text); len(r) > 80 {
		text = string(r[:80]) + "..."
	}
	event := "assistant chose " + string(rec.FinalAction.Type)
	if text != "" {
		event += " after: " + text
	}
	return contracts.Episode{
		Event:     event,
		Emotion:   string(rec.InputState.SpeechEmotion),
		Timestamp: rec.CreatedAt,
	}
}

// #endregion write
