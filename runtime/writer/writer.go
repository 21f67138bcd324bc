// Package writer implements the Robust Writer (spec §4.2): the only path
// the rest of the system uses to turn a Partial event into a persisted,
// sequenced Event. It retries transient store failures on a configured
// backoff schedule, falls back to a bounded in-memory queue when retries
// are exhausted, and periodically re-drains that queue. It never
// propagates a persistence failure to its caller; Agent Executor drain
// loops must never stall waiting on storage.
package writer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agentcore/runtime/agentcoreerrors"
	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/telemetry"
)

// Options configures a Writer.
type Options struct {
	// Store is the durable Event Store backend.
	Store event.Store
	// RetrySchedule lists the backoff delay before each retry attempt, in
	// order. len(RetrySchedule)+1 is the number of attempts made
	// synchronously before falling back to the queue.
	RetrySchedule []time.Duration
	// FallbackCapacity bounds the in-memory fallback queue. Writes beyond
	// capacity drop the oldest queued event.
	FallbackCapacity int
	// RedrainInterval paces the background re-drain loop.
	RedrainInterval time.Duration
	// Notifier, if set, is pinged after every successful Append so Stream
	// Watchers waiting on the push-notification fast path wake immediately
	// instead of on their next poll tick.
	Notifier Notifier
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
}

// Notifier is the push-notification fast path the Writer pings after a
// successful append. Implemented by pulsenotify.Notifier.
type Notifier interface {
	Ping(ctx context.Context, messageID string) error
}

// Writer is the Robust Writer.
type Writer struct {
	store    event.Store
	schedule []time.Duration
	cap      int
	notifier Notifier
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	mu       sync.Mutex
	fallback []*event.Event

	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

const defaultRedrainInterval = 2 * time.Second

// New constructs a Writer and starts its background re-drain loop. Call
// Close to stop it.
func New(opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	cap := opts.FallbackCapacity
	if cap <= 0 {
		cap = 1024
	}
	interval := opts.RedrainInterval
	if interval <= 0 {
		interval = defaultRedrainInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:    opts.Store,
		schedule: opts.RetrySchedule,
		cap:      cap,
		notifier: opts.Notifier,
		logger:   logger,
		metrics:  metrics,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.redrainLoop(ctx)
	return w
}

// Write completes a Partial into a fully sequenced Event and persists it.
// It always returns the constructed Event (even if persistence ultimately
// failed and the event was queued for later re-drain); err is non-nil only
// for caller programming errors, never for store failures.
func (w *Writer) Write(ctx context.Context, p event.Partial) (*event.Event, error) {
	if p.MessageID == "" {
		return nil, agentcoreerrors.New(agentcoreerrors.KindAgentFault, "message id is required")
	}

	seq, err := w.retrySeq(ctx, p.MessageID)
	if err != nil {
		// Even seq allocation is exhausted. The event cannot be ordered
		// without a seq; queue it with seq 0 and let redrain resolve it
		// once the store recovers.
		w.logger.Warn(ctx, "event writer: seq allocation exhausted, queuing for redrain", "message_id", p.MessageID, "error", err.Error())
		e := &event.Event{Partial: p, Timestamp: time.Now()}
		w.enqueueFallback(e)
		return e, nil
	}

	now := time.Now()
	id, err := event.NewID(now, seq)
	if err != nil {
		id = ""
	}
	e := &event.Event{Partial: p, Seq: seq, ID: id, Timestamp: now, Version: event.SchemaVersion}

	if err := w.retryAppend(ctx, e); err != nil {
		w.logger.Warn(ctx, "event writer: persistence retries exhausted", "message_id", p.MessageID, "seq", seq, "type", string(p.Type), "error", err.Error())
		w.metrics.IncCounter("event_writer_fallback_total", 1, "message_id", p.MessageID)
		if p.Type.IsTerminal() {
			// Best-effort final synchronous attempt for terminal events:
			// readers watching for the terminal event matter more than the
			// redrain loop's cadence.
			finalCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			ferr := w.store.Append(finalCtx, e)
			cancel()
			if ferr == nil {
				w.notify(ctx, e.MessageID)
				return e, nil
			}
		}
		w.enqueueFallback(e)
		return e, nil
	}
	w.notify(ctx, e.MessageID)
	return e, nil
}

// notify pings the push-notification fast path, if configured. Failures
// are swallowed: a watcher that misses a ping simply falls back to its
// poll interval.
func (w *Writer) notify(ctx context.Context, messageID string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Ping(ctx, messageID); err != nil {
		w.logger.Debug(ctx, "event writer: notify ping failed", "message_id", messageID, "error", err.Error())
	}
}

// Close stops the background re-drain loop.
func (w *Writer) Close() {
	w.cancel()
	<-w.done
}

func (w *Writer) retrySeq(ctx context.Context, messageID string) (uint64, error) {
	var lastErr error
	attempts := len(w.schedule) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		seq, err := w.store.AllocateSeq(ctx, messageID)
		if err == nil {
			return seq, nil
		}
		lastErr = err
		if attempt >= len(w.schedule) {
			break
		}
		if !w.wait(ctx, w.schedule[attempt]) {
			return 0, ctx.Err()
		}
	}
	return 0, lastErr
}

func (w *Writer) retryAppend(ctx context.Context, e *event.Event) error {
	var lastErr error
	attempts := len(w.schedule) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		err := w.store.Append(ctx, e)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= len(w.schedule) {
			break
		}
		if !w.wait(ctx, w.schedule[attempt]) {
			return ctx.Err()
		}
	}
	return lastErr
}

func (w *Writer) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Writer) enqueueFallback(e *event.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.fallback) >= w.cap {
		w.fallback = w.fallback[1:]
		w.metrics.IncCounter("event_writer_fallback_dropped_total", 1)
	}
	w.fallback = append(w.fallback, e)
}

func (w *Writer) redrainLoop(ctx context.Context) {
	defer close(w.done)
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.redrainOnce(ctx)
	}
}

func (w *Writer) redrainOnce(ctx context.Context) {
	w.mu.Lock()
	pending := w.fallback
	w.fallback = nil
	w.mu.Unlock()

	var retained []*event.Event
	for _, e := range pending {
		if e.Seq == 0 {
			seq, err := w.store.AllocateSeq(ctx, e.MessageID)
			if err != nil {
				retained = append(retained, e)
				continue
			}
			e.Seq = seq
			if id, err := event.NewID(e.Timestamp, seq); err == nil {
				e.ID = id
			}
		}
		if err := w.store.Append(ctx, e); err != nil {
			retained = append(retained, e)
			continue
		}
		w.logger.Info(ctx, "event writer: redrained queued event", "message_id", e.MessageID, "seq", e.Seq)
		w.notify(ctx, e.MessageID)
	}

	if len(retained) > 0 {
		w.mu.Lock()
		w.fallback = append(retained, w.fallback...)
		w.mu.Unlock()
	}
}
