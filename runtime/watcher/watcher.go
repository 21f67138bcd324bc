// Package watcher implements the Stream Watcher (spec §4.6): an
// independent, resumable read cursor over one message_id's event log. A
// Watcher first catches up on everything already persisted after its
// resume point, then polls for new events until it observes a
// terminal event, its max wait elapses, or the consumer stops it.
package watcher

import (
	"context"
	"time"

	"goa.design/agentcore/runtime/event"
)

// Options configures a Watcher.
type Options struct {
	Store event.Store
	// MessageID is the message_id whose log is being watched. Required.
	MessageID string
	// SinceSeq resumes the watch after this seq; 0 starts from the
	// beginning.
	SinceSeq uint64
	// PollInterval paces the fallback poll loop once catch-up is
	// exhausted.
	PollInterval time.Duration
	// MaxWait bounds the total lifetime of the watch when no terminal
	// event is ever observed (e.g. a stuck or unknown message_id).
	MaxWait time.Duration
	// Notify, if non-nil, is consulted before each poll tick; a send on it
	// wakes the watcher immediately instead of waiting out the full
	// interval. Backed by the push-notification fast path (see
	// pulsenotify) when available.
	Notify <-chan struct{}
}

const (
	defaultPollInterval = 500 * time.Millisecond
	// DefaultMaxWait is the watch lifetime used when Options.MaxWait is
	// unset. Callers that shorten the deadline for an unknown message_id
	// (spec §4.6's grace period) compute their fraction against this.
	DefaultMaxWait   = time.Hour
	catchUpBatchSize = 256
)

// Watcher streams events for one message_id starting after SinceSeq.
type Watcher struct {
	store        event.Store
	messageID    string
	sinceSeq     uint64
	pollInterval time.Duration
	maxWait      time.Duration
	notify       <-chan struct{}
}

// New constructs a Watcher. The returned Watcher has not started reading
// yet; call Run to begin streaming events into the returned channel.
func New(opts Options) *Watcher {
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Watcher{
		store:        opts.Store,
		messageID:    opts.MessageID,
		sinceSeq:     opts.SinceSeq,
		pollInterval: pollInterval,
		maxWait:      maxWait,
		notify:       opts.Notify,
	}
}

// Run streams events on the returned channel in seq order, closing it when
// a terminal event has been delivered, MaxWait elapses, or ctx is canceled
// (consumer disconnect). The channel is unbuffered; Run blocks on send
// until the consumer receives, so a slow consumer paces the watcher
// without affecting the underlying RunningTask.
func (w *Watcher) Run(ctx context.Context) <-chan *event.Event {
	out := make(chan *event.Event)
	go w.run(ctx, out)
	return out
}

func (w *Watcher) run(ctx context.Context, out chan<- *event.Event) {
	defer close(out)

	deadline := time.Now().Add(w.maxWait)
	sinceSeq := w.sinceSeq

	for {
		events, err := w.store.ReadSince(ctx, w.messageID, sinceSeq, catchUpBatchSize)
		if err != nil {
			return
		}
		for _, e := range events {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			sinceSeq = e.Seq
			if e.Type.IsTerminal() {
				return
			}
		}
		if len(events) == catchUpBatchSize {
			// More events are immediately available; keep catching up
			// without waiting out the poll interval.
			continue
		}
		if time.Now().After(deadline) {
			return
		}
		if !w.wait(ctx, deadline) {
			return
		}
	}
}

// wait blocks until the next poll tick, a push notification arrives, ctx
// is canceled, or the watch deadline passes. It returns false when the
// watch should stop.
func (w *Watcher) wait(ctx context.Context, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	wait := w.pollInterval
	if wait > remaining {
		wait = remaining
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-w.notify:
		return true
	}
}
