package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"audit-core/internal/events"
)

var (
	ErrQueueFull   = errors.New("audit queue is full")
	ErrStoreClosed = errors.New("audit store is closed")
	ErrInvalidDate = errors.New("invalid date, expected YYYY-MM-DD")
)

// Sink is one durable destination for audit batches. A sink must either
// commit the whole batch or nothing.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, batch []events.AuditEvent) error
	Close() error
}

// Reader serves the read-only queries.
type Reader interface {
	Trail(ctx context.Context, correlationID string) ([]events.AuditEvent, error)
	DailyReport(ctx context.Context, day string) (DailyReport, error)
	CountDay(ctx context.Context, day string) (int, error)
}

// FaultReporter receives persistence faults. monitor.Health implements it.
type FaultReporter interface {
	PersistenceFault(err error, attempt int, exhausted bool)
	QueueOverflow(pending int)
	PersistenceRecovered()
}

// Config tunes batching and retries. Zero values fall back to defaults.
type Config struct {
	Dir            string        `json:"dir"`
	DBPath         string        `json:"db_path"`
	BatchSize      int           `json:"batch_size"`
	BatchInterval  time.Duration `json:"batch_interval"`
	QueueSize      int           `json:"queue_size"`
	EnqueueTimeout time.Duration `json:"enqueue_timeout"`
	MaxRetries     int           `json:"max_retries"`
	RetryBackoff   time.Duration `json:"retry_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		Dir:            "./data/audit",
		DBPath:         "./data/audit/index.db",
		BatchSize:      50,
		BatchInterval:  500 * time.Millisecond,
		QueueSize:      10000,
		EnqueueTimeout: 50 * time.Millisecond,
		MaxRetries:     5,
		RetryBackoff:   100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = def.BatchInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.EnqueueTimeout < 0 {
		c.EnqueueTimeout = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = c.RetryBackoff
	}
	return c
}

// StoreMetrics provides statistics about batch operations.
type StoreMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	TotalRetries  uint64    `json:"total_retries"`
	Dropped       uint64    `json:"dropped"`
	Pending       int       `json:"pending"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
	Degraded      bool      `json:"degraded"`
}

// request is one queue item: an event, a flush barrier, or the stop marker.
type request struct {
	event *events.AuditEvent
	flush chan struct{}
	stop  bool
}

// Option customises a Store.
type Option func(*Store)

// WithFaultReporter routes persistence faults to r.
func WithFaultReporter(r FaultReporter) Option {
	return func(s *Store) { s.reporter = r }
}

// WithBatchObserver calls fn after every committed batch with its size and
// the time spent writing it, retries included.
func WithBatchObserver(fn func(size int, took time.Duration)) Option {
	return func(s *Store) { s.observe = fn }
}

// Store batches audit events into its sinks from a single background writer.
// Append only enqueues; Flush waits for durability.
type Store struct {
	cfg      Config
	sinks    []Sink
	reader   Reader
	reporter FaultReporter
	observe  func(size int, took time.Duration)

	queue   chan request
	mu      sync.RWMutex
	closed  bool
	abort   chan struct{}
	stopped chan struct{}

	degraded atomic.Bool
	writes   atomic.Uint64
	batches  atomic.Uint64
	errs     atomic.Uint64
	retries  atomic.Uint64
	dropped  atomic.Uint64

	statMu        sync.Mutex
	lastBatchSize int
	lastFlushTime time.Time
}

// Open creates the journal and index described by cfg and starts a store on them.
func Open(cfg Config, opts ...Option) (*Store, error) {
	journal, err := OpenJournal(cfg.Dir)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(cfg.DBPath)
	if err != nil {
		journal.Close()
		return nil, err
	}
	return NewStore(cfg, index, []Sink{journal, index}, opts...), nil
}

// NewStore starts the background writer. Sinks are written in order for every
// batch; reader answers queries.
func NewStore(cfg Config, reader Reader, sinks []Sink, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:     cfg,
		sinks:   sinks,
		reader:  reader,
		queue:   make(chan request, cfg.QueueSize),
		abort:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Append enqueues ev. It waits at most EnqueueTimeout for queue space and
// returns ErrQueueFull when none frees up. Oversized payloads are refused
// with events.ErrPayloadTooLarge.
func (s *Store) Append(ev events.AuditEvent) error {
	if len(ev.Payload) > events.MaxPayloadBytes {
		return fmt.Errorf("%w: %s %s is %d bytes", events.ErrPayloadTooLarge, ev.Type, ev.ID, len(ev.Payload))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	req := request{event: &ev}
	select {
	case s.queue <- req:
		return nil
	default:
	}

	if s.cfg.EnqueueTimeout > 0 {
		timer := time.NewTimer(s.cfg.EnqueueTimeout)
		defer timer.Stop()
		select {
		case s.queue <- req:
			return nil
		case <-timer.C:
		}
	}

	s.dropped.Add(1)
	log.Printf("❌ AuditStore: queue full (%d pending), dropping %s %s (corr=%s)", len(s.queue), ev.Type, ev.ID, ev.CorrelationID)
	if s.reporter != nil {
		s.reporter.QueueOverflow(len(s.queue))
	}
	return ErrQueueFull
}

// Flush blocks until every event appended before the call is durable in all
// sinks, or ctx ends.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	done := make(chan struct{})
	select {
	case s.queue <- request{flush: done}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, flushes what is queued and closes the sinks.
// If ctx ends first the writer is abandoned and unwritten events are lost.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Nothing can be appended any more, so this send only waits on the writer.
	select {
	case s.queue <- request{stop: true}:
	case <-ctx.Done():
		close(s.abort)
		return fmt.Errorf("audit store close: %w", ctx.Err())
	}

	select {
	case <-s.stopped:
	case <-ctx.Done():
		close(s.abort)
		<-s.stopped
		log.Printf("❌ AuditStore: shutdown deadline hit with %d events unwritten", len(s.queue))
		return fmt.Errorf("audit store close: %w", ctx.Err())
	}

	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", sink.Name(), err))
		}
	}
	m := s.Metrics()
	log.Printf("✓ AuditStore closed: written=%d batches=%d errors=%d dropped=%d", m.TotalWrites, m.TotalBatches, m.TotalErrors, m.Dropped)
	return errors.Join(errs...)
}

// run is the single consumer of the queue.
func (s *Store) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	batch := make([]events.AuditEvent, 0, s.cfg.BatchSize)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		ok := s.write(batch)
		batch = make([]events.AuditEvent, 0, s.cfg.BatchSize)
		return ok
	}

	for {
		select {
		case req := <-s.queue:
			switch {
			case req.event != nil:
				batch = append(batch, *req.event)
				if len(batch) >= s.cfg.BatchSize && !flush() {
					return
				}
			case req.flush != nil:
				if !flush() {
					return
				}
				close(req.flush)
			case req.stop:
				flush()
				return
			}
		case <-ticker.C:
			if !flush() {
				return
			}
		case <-s.abort:
			return
		}
	}
}

// write persists batch into every sink, retrying with exponential backoff.
// A sink that already committed the batch is not written again. It only gives
// up when the store is aborted.
func (s *Store) write(batch []events.AuditEvent) bool {
	committed := make([]bool, len(s.sinks))
	backoff := s.cfg.RetryBackoff
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := s.writeOnce(batch, committed)
		if err == nil {
			s.writes.Add(uint64(len(batch)))
			s.batches.Add(1)
			s.statMu.Lock()
			s.lastBatchSize = len(batch)
			s.lastFlushTime = time.Now()
			s.statMu.Unlock()
			if s.observe != nil {
				s.observe(len(batch), time.Since(start))
			}
			if s.degraded.CompareAndSwap(true, false) {
				log.Printf("✓ AuditStore: recovered after %d attempts, flushed %d events", attempt, len(batch))
				if s.reporter != nil {
					s.reporter.PersistenceRecovered()
				}
			} else {
				log.Printf("💾 AuditStore: flushed %d events", len(batch))
			}
			return true
		}

		s.errs.Add(1)
		s.degraded.Store(true)
		exhausted := attempt >= s.cfg.MaxRetries
		if exhausted {
			backoff = s.cfg.MaxBackoff
		}
		log.Printf("⚠️ AuditStore: batch of %d failed (attempt %d, retry in %s): %v", len(batch), attempt, backoff, err)
		if s.reporter != nil {
			s.reporter.PersistenceFault(err, attempt, exhausted)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-s.abort:
			timer.Stop()
			log.Printf("❌ AuditStore: aborted with a batch of %d unwritten events", len(batch))
			return false
		}
		s.retries.Add(1)
		if backoff *= 2; backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Store) writeOnce(batch []events.AuditEvent, committed []bool) error {
	for i, sink := range s.sinks {
		if committed[i] {
			continue
		}
		if err := sink.WriteBatch(context.Background(), batch); err != nil {
			return fmt.Errorf("%s: %w", sink.Name(), err)
		}
		committed[i] = true
	}
	return nil
}

// Degraded reports whether the last write attempt failed and no batch has
// succeeded since.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Pending returns the number of queued requests.
func (s *Store) Pending() int {
	return len(s.queue)
}

// Metrics returns the current writer statistics.
func (s *Store) Metrics() StoreMetrics {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	return StoreMetrics{
		TotalWrites:   s.writes.Load(),
		TotalBatches:  s.batches.Load(),
		TotalErrors:   s.errs.Load(),
		TotalRetries:  s.retries.Load(),
		Dropped:       s.dropped.Load(),
		Pending:       len(s.queue),
		LastBatchSize: s.lastBatchSize,
		LastFlushTime: s.lastFlushTime,
		Degraded:      s.degraded.Load(),
	}
}

// Trail returns the ordered events of one decision.
func (s *Store) Trail(ctx context.Context, correlationID string) ([]events.AuditEvent, error) {
	return s.reader.Trail(ctx, correlationID)
}

// DailyReport aggregates one UTC day.
func (s *Store) DailyReport(ctx context.Context, day string) (DailyReport, error) {
	return s.reader.DailyReport(ctx, day)
}

// CountDay returns the number of indexed events of one day.
func (s *Store) CountDay(ctx context.Context, day string) (int, error) {
	return s.reader.CountDay(ctx, day)
}
