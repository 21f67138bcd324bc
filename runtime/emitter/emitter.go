// Package emitter implements the Event Emitter (spec §4.3): a single
// execution's unbounded FIFO queue of Partial events. The agent routine
// (and anything it calls, including nested tool/hook code) pushes events
// onto the ambient Emitter installed for its context; the Agent Executor
// drains it on a fixed poll cadence and hands each Partial to the Robust
// Writer.
package emitter

import (
	"context"
	"sync"

	"goa.design/agentcore/runtime/event"
)

// Emitter is a multi-producer/single-consumer FIFO queue of
// Partial events scoped to one execution. It is safe for concurrent Emit
// calls (nested subagent/tool code may emit from other goroutines) and for
// exactly one concurrent Drain caller.
type Emitter struct {
	mu    sync.Mutex
	queue []event.Partial
}

// New constructs an empty Emitter.
func New() *Emitter {
	return &Emitter{}
}

// Emit appends a Partial event to the queue. It never blocks.
func (e *Emitter) Emit(p event.Partial) {
	e.mu.Lock()
	e.queue = append(e.queue, p)
	e.mu.Unlock()
}

// Drain removes and returns every Partial currently queued, in emission
// order. It returns an empty (nil) slice if nothing is queued.
func (e *Emitter) Drain() []event.Partial {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	drained := e.queue
	e.queue = nil
	return drained
}

// Len reports the number of events currently queued, for heartbeat
// scheduling and diagnostics.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// emitterCtxKey is the private context key used to install an ambient
// Emitter, letting nested agent/tool code emit events without threading an
// Emitter through every call signature.
type emitterCtxKey struct{}

// WithEmitter returns a child context carrying e as the ambient Emitter.
func WithEmitter(ctx context.Context, e *Emitter) context.Context {
	return context.WithValue(ctx, emitterCtxKey{}, e)
}

// FromContext retrieves the ambient Emitter installed on ctx, or nil if
// none was installed.
func FromContext(ctx context.Context) *Emitter {
	v := ctx.Value(emitterCtxKey{})
	if e, ok := v.(*Emitter); ok {
		return e
	}
	return nil
}

// Emit is a convenience that emits p on the ambient Emitter installed on
// ctx, if any. Code far from the Agent Executor (tool implementations,
// subagent hooks) calls this instead of threading an Emitter reference.
func Emit(ctx context.Context, p event.Partial) {
	if e := FromContext(ctx); e != nil {
		e.Emit(p)
	}
}
