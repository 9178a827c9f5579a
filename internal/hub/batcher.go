package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suspiciousleaf/chat-app/internal/monitoring"
	"github.com/suspiciousleaf/chat-app/internal/store"
)

const flushCheckInterval = time.Second

// batchStore is the slice of Store the batcher needs.
type batchStore interface {
	InsertBatch(ctx context.Context, records []store.ChatRecord) error
}

// BatcherOptions tune flush thresholds and retry pacing.
type BatcherOptions struct {
	// UploadTimer is the maximum age of the oldest cached record before a
	// flush is forced regardless of size.
	UploadTimer time.Duration

	// MaxReconnectAttempts is the number of consecutive flush failures
	// before the failure is logged as persistent. The cache is kept and
	// retried either way.
	MaxReconnectAttempts int

	// ReconnectDelay is how long the loop pauses after a failed flush
	// before the next attempt.
	ReconnectDelay time.Duration

	// LiveConnections reports the current connection count; the size
	// threshold scales with it.
	LiveConnections func() int
}

// Batcher is the write-behind message cache. Appends come from dispatch
// goroutines; a single loop evaluates the flush policy once per second:
// flush when the cache holds at least max(liveConnections, 5) records, or
// when the oldest record is older than UploadTimer. A failed flush keeps
// the cache intact for the next tick, so records survive transient store
// outages and are never written twice.
type Batcher struct {
	store  batchStore
	logger zerolog.Logger
	opts   BatcherOptions

	// flushMu serializes whole flushes (snapshot, insert, trim) so two
	// callers can never write the same snapshot twice; mu only guards the
	// cache and loop state, so Append never waits on store I/O.
	flushMu sync.Mutex

	mu          sync.Mutex
	cache       []store.ChatRecord
	lastFlushAt time.Time
	failures    int

	running bool
	stop    chan struct{}
	done    chan struct{}

	now func() time.Time
}

// NewBatcher creates an idle batcher; Start launches the flush loop.
func NewBatcher(st batchStore, logger zerolog.Logger, opts BatcherOptions) *Batcher {
	if opts.LiveConnections == nil {
		opts.LiveConnections = func() int { return 0 }
	}
	return &Batcher{
		store:       st,
		logger:      logger,
		opts:        opts,
		lastFlushAt: time.Now(),
		now:         time.Now,
	}
}

// Append adds one record to the cache. Safe to call from any goroutine.
func (b *Batcher) Append(r store.ChatRecord) {
	b.mu.Lock()
	b.cache = append(b.cache, r)
	depth := len(b.cache)
	b.mu.Unlock()
	monitoring.MessageCacheDepth.Set(float64(depth))
}

// Len reports the current cache depth.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cache)
}

// Start launches the flush loop. Idempotent; called on every registration
// so the loop runs whenever at least one connection exists.
func (b *Batcher) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.lastFlushAt = b.now()
	stop, done := b.stop, b.done
	b.mu.Unlock()

	b.logger.Info().Msg("Batcher loop started")
	go b.loop(stop, done)
}

// Stop performs a final flush and halts the loop. Blocks until the loop has
// exited. Safe to call when the loop is not running.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		b.FlushNow()
		return
	}
	b.running = false
	stop, done := b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done
	b.FlushNow()
	b.logger.Info().Msg("Batcher loop stopped")
}

func (b *Batcher) loop(stop, done chan struct{}) {
	defer monitoring.RecoverPanic(b.logger, "batcher")
	defer close(done)

	ticker := time.NewTicker(flushCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if b.shouldFlush() {
				if !b.FlushNow() {
					b.backoff(stop)
				}
			}
		}
	}
}

// shouldFlush evaluates the flush policy. An empty cache advances the age
// clock so an idle period never triggers a spurious flush later.
func (b *Batcher) shouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cache) == 0 {
		b.lastFlushAt = b.now()
		return false
	}

	threshold := b.opts.LiveConnections()
	if threshold < 5 {
		threshold = 5
	}
	if len(b.cache) >= threshold {
		return true
	}
	return b.now().Sub(b.lastFlushAt) > b.opts.UploadTimer
}

// FlushNow writes the current cache snapshot to the store. Returns true when
// the cache is empty afterwards or the write succeeded. Records appended
// during the write are preserved. Concurrent callers (the loop racing a
// last-disconnect Stop against Shutdown) are serialized so a snapshot is
// written at most once.
func (b *Batcher) FlushNow() bool {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	k := len(b.cache)
	if k == 0 {
		b.lastFlushAt = b.now()
		b.mu.Unlock()
		return true
	}
	snapshot := make([]store.ChatRecord, k)
	copy(snapshot, b.cache[:k])
	b.mu.Unlock()

	err := b.store.InsertBatch(context.Background(), snapshot)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		monitoring.BatchFlushes.WithLabelValues("error").Inc()
		if b.failures >= b.opts.MaxReconnectAttempts {
			b.logger.Error().Err(err).
				Int("consecutive_failures", b.failures).
				Int("cached_messages", len(b.cache)).
				Msg("Message flush failing persistently, cache retained")
		} else {
			b.logger.Warn().Err(err).
				Int("consecutive_failures", b.failures).
				Msg("Message flush failed, will retry")
		}
		return false
	}

	if k <= len(b.cache) {
		b.cache = b.cache[k:]
	}
	b.lastFlushAt = b.now()
	b.failures = 0
	monitoring.BatchFlushes.WithLabelValues("ok").Inc()
	monitoring.BatchFlushSize.Observe(float64(k))
	monitoring.MessageCacheDepth.Set(float64(len(b.cache)))
	b.logger.Debug().Int("records", k).Msg("Message batch flushed")
	return true
}

// backoff pauses after a failed flush, waking early on stop.
func (b *Batcher) backoff(stop chan struct{}) {
	select {
	case <-stop:
	case <-time.After(b.opts.ReconnectDelay):
	}
}
