package watcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/event/inmem"
	"goa.design/agentcore/runtime/watcher"
)

func seedEvents(t *testing.T, store event.Store, messageID string, types ...event.Type) {
	t.Helper()
	for i, ty := range types {
		seq, err := store.AllocateSeq(context.Background(), messageID)
		require.NoError(t, err)
		id, err := event.NewID(time.Now(), seq)
		require.NoError(t, err)
		require.NoError(t, store.Append(context.Background(), &event.Event{
			Partial:   event.Partial{MessageID: messageID, Type: ty},
			Seq:       seq,
			ID:        id,
			Timestamp: time.Now(),
		}))
		_ = i
	}
}

func TestWatcherCatchesUpAndStopsOnTerminal(t *testing.T) {
	store := inmem.New()
	seedEvents(t, store, "msg-1", event.TypeStart, event.TypeContent, event.TypeEnd)

	w := watcher.New(watcher.Options{Store: store, MessageID: "msg-1", PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []event.Type
	for e := range w.Run(ctx) {
		got = append(got, e.Type)
	}
	require.Equal(t, []event.Type{event.TypeStart, event.TypeContent, event.TypeEnd}, got)
}

func TestWatcherResumesFromSinceSeq(t *testing.T) {
	store := inmem.New()
	seedEvents(t, store, "msg-2", event.TypeStart, event.TypeContent, event.TypeEnd)

	w := watcher.New(watcher.Options{Store: store, MessageID: "msg-2", SinceSeq: 1, PollInterval: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []event.Type
	for e := range w.Run(ctx) {
		got = append(got, e.Type)
	}
	require.Equal(t, []event.Type{event.TypeContent, event.TypeEnd}, got)
}

func TestWatcherStopsOnConsumerCancel(t *testing.T) {
	store := inmem.New()
	seedEvents(t, store, "msg-3", event.TypeStart)

	w := watcher.New(watcher.Options{Store: store, MessageID: "msg-3", PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	ch := w.Run(ctx)
	e := <-ch
	require.Equal(t, event.TypeStart, e.Type)

	cancel()
	_, open := <-ch
	require.False(t, open)
}

func TestWatcherStopsAtMaxWaitWithoutTerminalEvent(t *testing.T) {
	store := inmem.New()
	seedEvents(t, store, "msg-4", event.TypeStart)

	w := watcher.New(watcher.Options{
		Store:        store,
		MessageID:    "msg-4",
		PollInterval: 2 * time.Millisecond,
		MaxWait:      20 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []event.Type
	for e := range w.Run(ctx) {
		got = append(got, e.Type)
	}
	require.Equal(t, []event.Type{event.TypeStart}, got)
}

func TestWatcherWakesOnNotify(t *testing.T) {
	store := inmem.New()
	notify := make(chan struct{}, 1)

	w := watcher.New(watcher.Options{
		Store:        store,
		MessageID:    "msg-5",
		PollInterval: time.Hour,
		MaxWait:      time.Second,
		Notify:       notify,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch := w.Run(ctx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		seedEvents(t, store, "msg-5", event.TypeEnd)
		notify <- struct{}{}
	}()

	e := <-ch
	require.Equal(t, event.TypeEnd, e.Type)
}
