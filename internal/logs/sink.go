package logs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store"
)

// Default sink settings.
const (
	DefaultBatchSize     = 200
	DefaultFlushInterval = time.Second
	// DefaultMaxPending bounds the unstored lines kept per build while the
	// log store is failing.
	DefaultMaxPending = 10000
)

// Option is a functional option for configuring the Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		s.logger = logger
	}
}

// WithBatchSize sets how many pending lines trigger an early write.
func WithBatchSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval sets how often pending lines are written.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxPending sets how many unstored lines are kept per build. Older
// lines are dropped first.
func WithMaxPending(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithTailLines sets how many recent lines are kept in memory per build.
func WithTailLines(n int) Option {
	return func(s *Sink) {
		s.tailLines = n
	}
}

// WithClock sets the time source used to stamp lines.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) {
		s.now = now
	}
}

// Sink buffers build output, publishes every line to the broker at once
// and writes lines to the log store in batches. Appending never blocks on
// storage.
type Sink struct {
	logs      store.LogStore
	broker    *Broker
	logger    *slog.Logger
	batchSize  int
	interval   time.Duration
	tailLines  int
	maxPending int
	now        func() time.Time

	mu      sync.Mutex
	pending map[string][]*models.LogEntry
	dropped int64
	tails   map[string]*tail
	// writing serializes store writes per build so lines stay in order.
	writing map[string]*sync.Mutex

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSink creates a sink writing to logs and publishing to broker. broker may be nil.
func NewSink(logs store.LogStore, broker *Broker, opts ...Option) *Sink {
	s := &Sink{
		logs:      logs,
		broker:    broker,
		logger:    slog.Default(),
		batchSize:  DefaultBatchSize,
		interval:   DefaultFlushInterval,
		maxPending: DefaultMaxPending,
		now:        time.Now,
		pending:   make(map[string][]*models.LogEntry),
		tails:     make(map[string]*tail),
		writing:   make(map[string]*sync.Mutex),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background writer.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.flushAll()
				return
			case <-s.stopCh:
				s.flushAll()
				return
			case <-ticker.C:
				s.flushAll()
			case <-s.kick:
				s.flushAll()
			}
		}
	}()
	s.logger.Info("log sink started", "batch_size", s.batchSize, "interval", s.interval)
}

// Stop writes whatever is pending and stops the background writer.
func (s *Sink) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("log sink stopped")
}

// Append implements builder.LogSink.
func (s *Sink) Append(buildID string, phase models.PhaseType, lines []string) {
	if len(lines) == 0 {
		return
	}
	now := s.now().UTC()
	entries := make([]*models.LogEntry, len(lines))
	for i, line := range lines {
		entries[i] = &models.LogEntry{
			ID:        uuid.NewString(),
			BuildID:   buildID,
			Phase:     phase,
			Message:   line,
			Timestamp: now,
		}
	}

	s.mu.Lock()
	t, ok := s.tails[buildID]
	if !ok {
		t = newTail(s.tailLines)
		s.tails[buildID] = t
	}
	s.pending[buildID] = append(s.pending[buildID], entries...)
	s.trimLocked(buildID)
	full := len(s.pending[buildID]) >= s.batchSize
	s.mu.Unlock()

	t.add(entries)
	if s.broker != nil {
		s.broker.PublishBatch(entries)
	}
	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

// Flush implements builder.Flusher. It writes the build's pending lines,
// forgets its in-memory tail and ends live subscriptions. When the write
// fails the build's unstored lines are dropped.
func (s *Sink) Flush(ctx context.Context, buildID string) error {
	err := s.write(ctx, buildID)

	s.mu.Lock()
	lost := 0
	if err != nil {
		lost = len(s.pending[buildID])
		s.dropped += int64(lost)
		delete(s.pending, buildID)
	}
	delete(s.tails, buildID)
	delete(s.writing, buildID)
	s.mu.Unlock()
	if lost > 0 {
		s.logger.Warn("dropped unstored build logs", "build_id", buildID, "lines", lost, "error", err)
	}
	if s.broker != nil {
		s.broker.CloseBuild(buildID)
	}
	return err
}

// Dropped returns how many lines were discarded without being stored.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending returns how many lines wait to be stored across all builds.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		n += len(p)
	}
	return n
}

// trimLocked drops the oldest pending lines of a build beyond maxPending.
// Callers hold mu.
func (s *Sink) trimLocked(buildID string) {
	p := s.pending[buildID]
	over := len(p) - s.maxPending
	if over <= 0 {
		return
	}
	s.pending[buildID] = append([]*models.LogEntry(nil), p[over:]...)
	s.dropped += int64(over)
}

// Tail returns up to n recent lines of a running build, oldest first, and
// whether the build is still producing output.
func (s *Sink) Tail(buildID string, n int) ([]*models.LogEntry, bool) {
	s.mu.Lock()
	t, ok := s.tails[buildID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return t.last(n), true
}

func (s *Sink) flushAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := s.write(ctx, id); err != nil {
			s.logger.Warn("failed to write build logs", "build_id", id, "error", err)
		}
	}
}

// write stores the pending lines of one build. Lines that fail to store
// are put back in front of newer ones.
func (s *Sink) write(ctx context.Context, buildID string) error {
	s.mu.Lock()
	w, ok := s.writing[buildID]
	if !ok {
		w = &sync.Mutex{}
		s.writing[buildID] = w
	}
	s.mu.Unlock()

	w.Lock()
	defer w.Unlock()

	s.mu.Lock()
	batch := s.pending[buildID]
	delete(s.pending, buildID)
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := s.logs.Append(ctx, batch); err != nil {
		s.mu.Lock()
		s.pending[buildID] = append(batch, s.pending[buildID]...)
		s.trimLocked(buildID)
		s.mu.Unlock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("storing %d log lines: %w", len(batch), err)
	}
	return nil
}
