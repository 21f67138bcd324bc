// Package executor implements the Agent Executor (spec §4.4): it runs an
// agent routine to completion as a cancellation-shielded background
// goroutine, installs the Emitter the routine emits events on, drains it
// on a fixed poll cadence, heartbeats on silence, and writes the terminal
// event once the routine returns.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/agentcore/runtime/agentcoreerrors"
	"goa.design/agentcore/runtime/emitter"
	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/telemetry"
	"goa.design/agentcore/runtime/writer"
)

// Agent is the routine the Executor runs. It receives a context carrying
// the ambient Emitter (retrievable via emitter.FromContext, or simply by
// calling emitter.Emit(ctx, ...)) and returns when the agent turn is
// complete. A non-nil error produces a terminal error event instead of an
// end event.
type Agent func(ctx context.Context) error

// Options configures an Executor run.
type Options struct {
	Writer            *writer.Writer
	MessageID         string
	ChatID            string
	AgentName         string
	Agent             Agent
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Logger            telemetry.Logger
	Metrics           telemetry.Metrics
}

const (
	defaultPollInterval      = 10 * time.Millisecond
	defaultHeartbeatInterval = 15 * time.Second
)

// Handle is the running (or completed) execution. Run returns one
// immediately; callers await completion via Wait.
type Handle struct {
	done chan struct{}

	mu        sync.Mutex
	err       error
	toolCalls int
}

// Run starts the agent routine and its drain loop as background
// goroutines shielded from ctx cancellation: once started, only the
// process exiting stops them before a terminal event is written. ctx is not
// consulted: the run's context is derived from context.Background(), so a
// canceled ctx does not abort the run (spec: cancellation shielding).
func Run(ctx context.Context, opts Options) *Handle {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	h := &Handle{done: make(chan struct{})}

	// runCtx is deliberately detached from the caller's ctx (HTTP/SSE
	// request lifetime): background() carries no deadline and no
	// cancellation the caller can trigger.
	runCtx := context.Background()
	em := emitter.New()
	runCtx = emitter.WithEmitter(runCtx, em)

	start := time.Now()

	go func() {
		defer close(h.done)

		logger.Info(runCtx, "agent run starting", "message_id", opts.MessageID, "agent_name", opts.AgentName)

		writePartial(runCtx, opts.Writer, event.Partial{
			MessageID: opts.MessageID,
			ChatID:    opts.ChatID,
			Type:      event.TypeStart,
			Data:      &event.StartPayload{Status: "processing"},
		})

		agentDone := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					agentDone <- agentcoreerrors.Errorf(agentcoreerrors.KindAgentFault, "agent routine panicked: %v", r)
					return
				}
			}()
			agentDone <- opts.Agent(runCtx)
		}()

		toolCalls, agentErr := runDrainLoop(runCtx, drainLoopOptions{
			writer:            opts.Writer,
			messageID:         opts.MessageID,
			chatID:            opts.ChatID,
			emitter:           em,
			agentDone:         agentDone,
			pollInterval:      opts.PollInterval,
			heartbeatInterval: opts.HeartbeatInterval,
			runStart:          start,
			logger:            logger,
		})

		msTotal := time.Since(start).Milliseconds()

		h.mu.Lock()
		h.err = agentErr
		h.toolCalls = toolCalls
		h.mu.Unlock()

		var aerr *agentcoreerrors.Error
		if errors.As(agentErr, &aerr) && aerr.Kind == agentcoreerrors.KindInterrupted {
			logger.Info(runCtx, "agent run interrupted", "message_id", opts.MessageID, "reason", aerr.Error())
			metrics.IncCounter("agent_run_interrupted_total", 1, "message_id", opts.MessageID)
			writePartial(runCtx, opts.Writer, event.Partial{
				MessageID: opts.MessageID,
				ChatID:    opts.ChatID,
				Type:      event.TypeEnd,
				Data:      &event.EndPayload{Status: "interrupted", MsTotal: msTotal, ToolCalls: toolCalls},
			})
			return
		}

		if agentErr != nil {
			logger.Warn(runCtx, "agent run failed", "message_id", opts.MessageID, "error", agentErr.Error())
			metrics.IncCounter("agent_run_errors_total", 1, "message_id", opts.MessageID)
			writePartial(runCtx, opts.Writer, event.Partial{
				MessageID: opts.MessageID,
				ChatID:    opts.ChatID,
				Type:      event.TypeError,
				Data:      &event.ErrorPayload{Error: agentErr.Error()},
			})
			return
		}

		metrics.RecordTimer("agent_run_duration", time.Since(start), "message_id", opts.MessageID)
		writePartial(runCtx, opts.Writer, event.Partial{
			MessageID: opts.MessageID,
			ChatID:    opts.ChatID,
			Type:      event.TypeEnd,
			Data:      &event.EndPayload{Status: "completed", MsTotal: msTotal, ToolCalls: toolCalls},
		})
	}()

	return h
}

// Wait blocks until the run completes or ctx is canceled, whichever comes
// first. A canceled ctx here only stops the caller from waiting; it does
// not abort the underlying run (spec: cancellation shielding).
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	}
}

// Done returns a channel closed when the run completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

type drainLoopOptions struct {
	writer            *writer.Writer
	messageID         string
	chatID            string
	emitter           *emitter.Emitter
	agentDone         <-chan error
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	runStart          time.Time
	logger            telemetry.Logger
}

// runDrainLoop polls the Emitter and writes each drained Partial via the
// Writer, resetting the heartbeat timer on every successful drain. It
// returns the number of tool_end events observed, used for the terminal
// event's tool_calls field, and the agent routine's own result. It returns
// once agentDone has fired and the queue has been drained one final time.
func runDrainLoop(ctx context.Context, opts drainLoopOptions) (int, error) {
	toolCalls := 0
	ticker := time.NewTicker(opts.pollInterval)
	defer ticker.Stop()

	lastActivity := time.Now()

	for {
		select {
		case agentErr := <-opts.agentDone:
			// Drain once more for anything emitted right before return,
			// then stop.
			toolCalls += drainOnce(ctx, opts, &lastActivity)
			return toolCalls, agentErr
		case <-ticker.C:
			toolCalls += drainOnce(ctx, opts, &lastActivity)
			if time.Since(lastActivity) >= opts.heartbeatInterval {
				elapsed := int(time.Since(opts.runStart).Seconds())
				writePartial(ctx, opts.writer, event.Partial{
					MessageID: opts.messageID,
					ChatID:    opts.chatID,
					Type:      event.TypeStatus,
					Data:      &event.StatusPayload{Text: fmt.Sprintf("Processing... (%ds elapsed)", elapsed)},
				})
				lastActivity = time.Now()
			}
		}
	}
}

func drainOnce(ctx context.Context, opts drainLoopOptions, lastActivity *time.Time) int {
	partials := opts.emitter.Drain()
	if len(partials) == 0 {
		return 0
	}
	*lastActivity = time.Now()
	toolCalls := 0
	for _, p := range partials {
		if p.Type == event.TypeToolEnd {
			toolCalls++
		}
		writePartial(ctx, opts.writer, p)
	}
	return toolCalls
}

func writePartial(ctx context.Context, w *writer.Writer, p event.Partial) {
	if w == nil {
		return
	}
	_, _ = w.Write(ctx, p)
}
