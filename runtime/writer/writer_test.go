package writer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/event/inmem"
	"goa.design/agentcore/runtime/writer"
)

// flakyStore fails Append the first failCount times per message, then
// delegates to an in-memory store.
type flakyStore struct {
	event.Store
	mu        sync.Mutex
	failCount int
	failed    map[string]int
}

func newFlakyStore(failCount int) *flakyStore {
	return &flakyStore{Store: inmem.New(), failCount: failCount, failed: make(map[string]int)}
}

func (f *flakyStore) Append(ctx context.Context, e *event.Event) error {
	f.mu.Lock()
	n := f.failed[e.MessageID]
	if n < f.failCount {
		f.failed[e.MessageID] = n + 1
		f.mu.Unlock()
		return errors.New("transient failure")
	}
	f.mu.Unlock()
	return f.Store.Append(ctx, e)
}

func TestWriteSucceedsAfterRetry(t *testing.T) {
	store := newFlakyStore(2)
	w := writer.New(writer.Options{
		Store:         store,
		RetrySchedule: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
	})
	defer w.Close()

	e, err := w.Write(context.Background(), event.Partial{MessageID: "m1", Type: event.TypeStart, Data: &event.StartPayload{}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Seq)

	got, err := store.ReadAll(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestWriteFallsBackAndRedrains(t *testing.T) {
	store := newFlakyStore(100)
	w := writer.New(writer.Options{
		Store:           store,
		RetrySchedule:   []time.Duration{time.Millisecond},
		RedrainInterval: 5 * time.Millisecond,
	})
	defer w.Close()

	e, err := w.Write(context.Background(), event.Partial{MessageID: "m2", Type: event.TypeStatus, Data: &event.StatusPayload{Text: "working"}})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)

	store.mu.Lock()
	store.failCount = 0
	store.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := store.ReadAll(context.Background(), "m2")
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWriteRejectsEmptyMessageID(t *testing.T) {
	w := writer.New(writer.Options{Store: inmem.New()})
	defer w.Close()

	_, err := w.Write(context.Background(), event.Partial{Type: event.TypeStart})
	require.Error(t, err)
}
