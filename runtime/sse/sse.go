// Package sse implements the SSE Endpoint (spec §4.7): the HTTP adapter
// that parses Last-Event-ID, opens a Stream Watcher, serializes events to
// the SSE wire format for one connection, and cleans up on disconnect
// without ever touching the underlying RunningTask.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	goahttp "goa.design/goa/v3/http"

	"goa.design/agentcore/runtime/agentcoreerrors"
	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/executor"
	"goa.design/agentcore/runtime/pulsenotify"
	"goa.design/agentcore/runtime/registry"
	"goa.design/agentcore/runtime/telemetry"
	"goa.design/agentcore/runtime/watcher"
)

// AgentFactory builds the agent routine to run for a newly created
// message. It is supplied by the embedding application; agentcore itself
// has no opinion on what an agent does, only on how its execution is
// scheduled, observed, and replayed.
type AgentFactory func(ctx context.Context, chatID, messageID, content string) executor.Agent

// ResumeFactory builds the agent routine that continues a message_id
// previously paused for human input. action and args carry the resume
// decision (accept/edit/respond/ignore and its payload, per spec §9),
// grounded on api/streaming_router.py's resume_interrupted_message
// handler — adapted here to agentcore's async registry/watcher pattern
// rather than that handler's synchronous ainvoke call.
type ResumeFactory func(ctx context.Context, chatID, messageID, action, args string) executor.Agent

// Server wires the Task Registry, Event Store, and push-notification
// Notifier into the four HTTP routes of spec §6.1 plus the resume route.
type Server struct {
	Registry      *registry.Registry
	Store         event.Store
	Notifier      *pulsenotify.Notifier
	AgentFactory  AgentFactory
	ResumeFactory ResumeFactory

	PollInterval time.Duration
	MaxWait      time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	mux goahttp.Muxer
}

// Mount registers the SSE endpoint's routes on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	s.mux = mux
	mux.Handle(http.MethodPost, "/api/chats/{chat_id}/messages", s.handleCreateMessage)
	mux.Handle(http.MethodGet, "/api/chats/{chat_id}/messages/{message_id}/stream", s.handleStream)
	mux.Handle(http.MethodPost, "/api/chats/{chat_id}/messages/{message_id}/resume", s.handleResume)
	mux.Handle(http.MethodGet, "/api/messages/{message_id}/events", s.handleReplay)
	mux.Handle(http.MethodGet, "/api/agents/active", s.handleActiveAgents)
}

func (s *Server) logger() telemetry.Logger {
	if s.Logger == nil {
		return telemetry.NewNoopLogger()
	}
	return s.Logger
}

type createMessageRequest struct {
	Content string `json:"content"`
}

type createMessageResponse struct {
	MessageID string `json:"message_id"`
	StreamURL string `json:"stream_url"`
}

// handleCreateMessage persists the user/assistant message pair (delegated
// to the embedding application via AgentFactory) and synchronously
// registers a background task with the Task Registry. It returns before
// the agent has produced any event (spec §6.1).
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	chatID := s.mux.Vars(r)["chat_id"]

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	messageID := uuid.NewString()

	if s.AgentFactory == nil {
		writeError(w, http.StatusInternalServerError, "no agent factory configured")
		return
	}
	agent := s.AgentFactory(r.Context(), chatID, messageID, req.Content)

	if _, err := s.Registry.Start(context.Background(), messageID, chatID, agent); err != nil {
		var aerr *agentcoreerrors.Error
		if !errors.As(err, &aerr) || aerr.Kind != agentcoreerrors.KindIdempotent {
			s.logger().Warn(r.Context(), "sse: failed to start task", "message_id", messageID, "error", err.Error())
			writeError(w, http.StatusInternalServerError, "failed to start agent")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, createMessageResponse{
		MessageID: messageID,
		StreamURL: fmt.Sprintf("/api/chats/%s/messages/%s/stream", chatID, messageID),
	})
}

type resumeRequest struct {
	Action string `json:"action"`
	Args   string `json:"args"`
}

type resumeResponse struct {
	MessageID string `json:"message_id"`
	StreamURL string `json:"stream_url"`
}

// handleResume restarts a background execution for a message_id
// previously paused for human input, reusing the same message_id rather
// than allocating a new one (spec §9, grounded on
// api/streaming_router.py:704-728's resume_interrupted_message, which
// updates the original message document in place). action defaults to
// "accept" when omitted, matching the original handler.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	chatID := s.mux.Vars(r)["chat_id"]
	messageID := s.mux.Vars(r)["message_id"]
	if messageID == "" {
		writeError(w, http.StatusNotFound, "message_id is required")
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Action == "" {
		req.Action = "accept"
	}
	switch req.Action {
	case "accept", "ignore":
		// No args required.
	case "edit", "respond":
		if req.Args == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("action %q requires non-empty args", req.Action))
			return
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown resume action %q", req.Action))
		return
	}

	if s.ResumeFactory == nil {
		writeError(w, http.StatusInternalServerError, "no resume factory configured")
		return
	}
	agent := s.ResumeFactory(r.Context(), chatID, messageID, req.Action, req.Args)

	if _, err := s.Registry.Resume(context.Background(), messageID, chatID, agent); err != nil {
		var aerr *agentcoreerrors.Error
		if errors.As(err, &aerr) && aerr.Kind == agentcoreerrors.KindIdempotent {
			// Already running: fall through to the normal 202 response so
			// the caller just reconnects to the stream.
		} else {
			s.logger().Warn(r.Context(), "sse: failed to resume task", "message_id", messageID, "error", err.Error())
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusAccepted, resumeResponse{
		MessageID: messageID,
		StreamURL: fmt.Sprintf("/api/chats/%s/messages/%s/stream", chatID, messageID),
	})
}

// handleStream opens an SSE connection for one message_id, resuming from
// the sequence embedded in Last-Event-ID (or ?since=) if present (spec
// §4.7, P4).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	messageID := s.mux.Vars(r)["message_id"]
	if messageID == "" {
		writeError(w, http.StatusNotFound, "message_id is required")
		return
	}

	sinceSeq := s.parseSinceSeq(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("retry: 3000\n\n")); err != nil {
		return
	}
	flusher.Flush()

	watcherID := uuid.NewString()
	s.Registry.RegisterWatcher(messageID, watcherID)
	defer s.Registry.UnregisterWatcher(messageID, watcherID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var notifyCh <-chan struct{}
	if s.Notifier != nil {
		ch, notifyCancel, err := s.Notifier.Subscribe(ctx, messageID, watcherID)
		if err == nil {
			notifyCh = ch
			defer notifyCancel()
		} else {
			s.logger().Info(ctx, "sse: notifier subscribe failed, falling back to poll", "message_id", messageID, "error", err.Error())
		}
	}

	watch := watcher.New(watcher.Options{
		Store:        s.Store,
		MessageID:    messageID,
		SinceSeq:     sinceSeq,
		PollInterval: s.PollInterval,
		MaxWait:      s.graceAwareMaxWait(ctx, messageID),
		Notify:       notifyCh,
	})

	for evt := range watch.Run(ctx) {
		if !s.writeSSEFrame(w, flusher, evt) {
			return
		}
		if evt.Type.IsTerminal() {
			return
		}
	}
}

// writeSSEFrame serializes one event to the SSE wire format (spec §6.3)
// and flushes it. It returns false on write failure, the caller's signal
// to treat the connection as disconnected.
func (s *Server) writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, evt *event.Event) bool {
	body, err := json.Marshal(evt)
	if err != nil {
		s.logger().Warn(context.Background(), "sse: failed to marshal event", "message_id", evt.MessageID, "error", err.Error())
		return false
	}
	frame := fmt.Sprintf("event: %s\nid: %s\ndata: %s\n\n", evt.Type, evt.ID, body)
	if _, err := w.Write([]byte(frame)); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// handleReplay serves a synchronous, fully persisted replay of a
// message's event log (spec §6.1 debug / polling fallback).
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	messageID := s.mux.Vars(r)["message_id"]
	if messageID == "" {
		writeError(w, http.StatusNotFound, "message_id is required")
		return
	}

	sinceSeq := s.parseSinceSeq(r)

	events, err := s.Store.ReadSince(r.Context(), messageID, sinceSeq, 0)
	if err != nil {
		s.logger().Warn(r.Context(), "sse: replay read failed", "message_id", messageID, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type activeAgent struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Watchers  int    `json:"watchers"`
	Completed bool   `json:"completed"`
}

type activeAgentsResponse struct {
	Count  int           `json:"count"`
	Agents []activeAgent `json:"agents"`
}

// handleActiveAgents lists every RunningTask the registry currently
// tracks, running or recently completed (spec §6.1).
func (s *Server) handleActiveAgents(w http.ResponseWriter, r *http.Request) {
	tasks := s.Registry.List()
	resp := activeAgentsResponse{Agents: make([]activeAgent, 0, len(tasks))}
	for _, t := range tasks {
		_, completed := t.CompletedAt()
		resp.Agents = append(resp.Agents, activeAgent{
			MessageID: t.MessageID,
			ChatID:    t.ChatID,
			Watchers:  t.WatcherCount(),
			Completed: completed,
		})
	}
	resp.Count = len(resp.Agents)
	writeJSON(w, http.StatusOK, resp)
}

// graceAwareMaxWait returns the Watcher deadline to use for messageID. If
// neither a RunningTask nor any persisted event exists for it, the target
// may simply not be registered yet; rather than hold the connection open
// for the full deadline, it returns maxWait/60 of grace (spec §4.6).
func (s *Server) graceAwareMaxWait(ctx context.Context, messageID string) time.Duration {
	maxWait := s.MaxWait
	if maxWait <= 0 {
		maxWait = watcher.DefaultMaxWait
	}
	if _, running := s.Registry.Get(messageID); running {
		return maxWait
	}
	probe, err := s.Store.ReadSince(ctx, messageID, 0, 1)
	if err != nil || len(probe) > 0 {
		return maxWait
	}
	return maxWait / 60
}

// parseSinceSeq resolves since_seq from Last-Event-ID (preferred) or
// ?since=, defaulting to 0 on a missing or malformed cursor (spec §4.7,
// §7 error taxonomy item 4: never a 4xx, always a clean fallback).
func (s *Server) parseSinceSeq(r *http.Request) uint64 {
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if seq, ok := event.ParseSeq(id); ok {
			return seq
		}
		s.logger().Info(r.Context(), "sse: malformed Last-Event-ID, resuming from 0", "value", id)
		return 0
	}
	if id := r.URL.Query().Get("since"); id != "" {
		if seq, ok := event.ParseSeq(id); ok {
			return seq
		}
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			return n
		}
		s.logger().Info(r.Context(), "sse: malformed since cursor, resuming from 0", "value", id)
		return 0
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
