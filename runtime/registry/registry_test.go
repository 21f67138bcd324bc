package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agentcoreerrors"
	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/event/inmem"
	"goa.design/agentcore/runtime/registry"
	"goa.design/agentcore/runtime/runindex"
	"goa.design/agentcore/runtime/writer"
)

func newTestRegistry(store event.Store) *registry.Registry {
	w := writer.New(writer.Options{Store: store, RetrySchedule: []time.Duration{time.Millisecond}})
	return registry.New(registry.Options{Writer: w, GCInterval: time.Hour})
}

func TestStartIsIdempotentForRunningMessage(t *testing.T) {
	store := inmem.New()
	r := newTestRegistry(store)
	defer r.Close()

	block := make(chan struct{})
	agent := func(ctx context.Context) error {
		<-block
		return nil
	}

	task1, err := r.Start(context.Background(), "msg-1", "chat-1", agent)
	require.NoError(t, err)

	task2, err := r.Start(context.Background(), "msg-1", "chat-1", agent)
	require.Error(t, err)
	var agErr *agentcoreerrors.Error
	require.ErrorAs(t, err, &agErr)
	require.Equal(t, agentcoreerrors.KindIdempotent, agErr.Kind)
	require.Same(t, task1, task2)

	close(block)
	require.NoError(t, task1.Wait(context.Background()))
}

func TestGetAndListReflectTasks(t *testing.T) {
	store := inmem.New()
	r := newTestRegistry(store)
	defer r.Close()

	_, err := r.Start(context.Background(), "msg-2", "", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	task, ok := r.Get("msg-2")
	require.True(t, ok)
	require.Equal(t, "msg-2", task.MessageID)
	require.Len(t, r.List(), 1)
}

func TestGCRemovesOldCompletedTasks(t *testing.T) {
	store := inmem.New()
	w := writer.New(writer.Options{Store: store, RetrySchedule: []time.Duration{time.Millisecond}})
	r := registry.New(registry.Options{Writer: w, GCMaxAge: time.Millisecond, GCInterval: time.Hour})
	defer r.Close()

	_, err := r.Start(context.Background(), "msg-3", "", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		task, ok := r.Get("msg-3")
		if !ok {
			return false
		}
		return !task.IsRunning()
	}, time.Second, 5*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	removed := r.GC()
	require.Equal(t, 1, removed)

	_, ok := r.Get("msg-3")
	require.False(t, ok)
}

func TestResumeRestartsInterruptedTask(t *testing.T) {
	store := inmem.New()
	r := newTestRegistry(store)
	defer r.Close()

	_, err := r.Start(context.Background(), "msg-5", "chat-1", func(ctx context.Context) error {
		return agentcoreerrors.New(agentcoreerrors.KindInterrupted, "paused for human input")
	})
	require.NoError(t, err)

	task, ok := r.Get("msg-5")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		status, done := task.LastStatus()
		return done && status == runindex.StatusInterrupted
	}, time.Second, 5*time.Millisecond)

	resumed, err := r.Resume(context.Background(), "msg-5", "chat-1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, resumed.Wait(context.Background()))

	status, done := resumed.LastStatus()
	require.True(t, done)
	require.Equal(t, runindex.StatusCompleted, status)
}

func TestResumeRejectsMessageThatNeverRan(t *testing.T) {
	store := inmem.New()
	r := newTestRegistry(store)
	defer r.Close()

	_, err := r.Resume(context.Background(), "msg-6", "chat-1", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	var agErr *agentcoreerrors.Error
	require.ErrorAs(t, err, &agErr)
	require.Equal(t, agentcoreerrors.KindAgentFault, agErr.Kind)
}

func TestResumeRejectsMessageThatCompletedNormally(t *testing.T) {
	store := inmem.New()
	r := newTestRegistry(store)
	defer r.Close()

	task, err := r.Start(context.Background(), "msg-7", "chat-1", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !task.IsRunning() }, time.Second, 5*time.Millisecond)

	_, err = r.Resume(context.Background(), "msg-7", "chat-1", func(ctx context.Context) error { return nil })
	require.Error(t, err)
	var agErr *agentcoreerrors.Error
	require.ErrorAs(t, err, &agErr)
	require.Equal(t, agentcoreerrors.KindAgentFault, agErr.Kind)
}

func TestWatcherRegistrationDoesNotAffectTaskLifecycle(t *testing.T) {
	store := inmem.New()
	r := newTestRegistry(store)
	defer r.Close()

	_, err := r.Start(context.Background(), "msg-4", "", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	r.RegisterWatcher("msg-4", "watcher-1")
	r.UnregisterWatcher("msg-4", "watcher-1")

	task, ok := r.Get("msg-4")
	require.True(t, ok)
	require.Eventually(t, func() bool { return !task.IsRunning() }, time.Second, 5*time.Millisecond)
}
