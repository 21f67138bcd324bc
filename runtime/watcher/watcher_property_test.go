package watcher_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/event/inmem"
	"goa.design/agentcore/runtime/watcher"
)

func seedN(t *testing.T, store event.Store, messageID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ty := event.TypeContent
		if i == n-1 {
			ty = event.TypeEnd
		}
		seq, err := store.AllocateSeq(context.Background(), messageID)
		if err != nil {
			t.Fatalf("allocate seq: %v", err)
		}
		id, err := event.NewID(time.Now(), seq)
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if err := store.Append(context.Background(), &event.Event{
			Partial:   event.Partial{MessageID: messageID, Type: ty},
			Seq:       seq,
			ID:        id,
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func drain(t *testing.T, w *watcher.Watcher) []*event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []*event.Event
	for e := range w.Run(ctx) {
		got = append(got, e)
	}
	return got
}

// TestTwoWatchersObserveIdenticalOrderedLogProperty verifies P3 from
// SPEC_FULL.md §8: two independent Watchers started at the same cursor
// over a fully persisted, already-terminal event log observe an
// identical, seq-ordered sequence of events.
func TestTwoWatchersObserveIdenticalOrderedLogProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("two watchers see the same seq-ordered event multiset", prop.ForAll(
		func(n int) bool {
			store := inmem.New()
			messageID := fmt.Sprintf("msg-%d", n)
			seedN(t, store, messageID, n)

			w1 := watcher.New(watcher.Options{Store: store, MessageID: messageID, PollInterval: time.Millisecond})
			w2 := watcher.New(watcher.Options{Store: store, MessageID: messageID, PollInterval: time.Millisecond})

			got1 := drain(t, w1)
			got2 := drain(t, w2)

			if len(got1) != n || len(got2) != n {
				return false
			}
			var lastSeq uint64
			for i := range got1 {
				if got1[i].Seq != got2[i].Seq || got1[i].Type != got2[i].Type {
					return false
				}
				if got1[i].Seq <= lastSeq {
					return false
				}
				lastSeq = got1[i].Seq
			}
			return true
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// TestResumeFromCursorObservesOnlyNewerProperty verifies P4 from
// SPEC_FULL.md §8: a Watcher resuming from an arbitrary since_seq cursor
// observes only events with seq strictly greater than that cursor.
func TestResumeFromCursorObservesOnlyNewerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("resume cursor yields only seq greater than it", prop.ForAll(
		func(tc resumeCursorTestCase) bool {
			store := inmem.New()
			messageID := fmt.Sprintf("msg-resume-%d-%d", tc.total, tc.cursor)
			seedN(t, store, messageID, tc.total)

			w := watcher.New(watcher.Options{
				Store:        store,
				MessageID:    messageID,
				SinceSeq:     uint64(tc.cursor),
				PollInterval: time.Millisecond,
				MaxWait:      50 * time.Millisecond,
			})
			got := drain(t, w)

			for _, e := range got {
				if e.Seq <= uint64(tc.cursor) {
					return false
				}
			}
			return len(got) == tc.total-tc.cursor
		},
		genResumeCursorTestCase(),
	))

	properties.TestingRun(t)
}

// TestAbortingWatchersDoesNotChangePersistedSequenceProperty verifies P5
// from SPEC_FULL.md §8: canceling any subset of concurrent watchers mid-
// stream never alters the Event Store's final persisted seq sequence for
// the message_id, since watchers are read-only observers.
func TestAbortingWatchersDoesNotChangePersistedSequenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("aborting watchers leaves the persisted log unchanged", prop.ForAll(
		func(tc abortWatchersTestCase) bool {
			store := inmem.New()
			messageID := fmt.Sprintf("msg-abort-%d-%d", tc.total, tc.abortAfter)
			seedN(t, store, messageID, tc.total)

			before, err := store.ReadAll(context.Background(), messageID)
			if err != nil {
				return false
			}

			for i := 0; i < tc.watcherCount; i++ {
				ctx, cancel := context.WithCancel(context.Background())
				w := watcher.New(watcher.Options{Store: store, MessageID: messageID, PollInterval: time.Millisecond})
				ch := w.Run(ctx)
				for j := 0; j < tc.abortAfter && j < tc.total; j++ {
					<-ch
				}
				cancel()
				for range ch {
					// Drain until the channel closes from cancellation.
				}
			}

			after, err := store.ReadAll(context.Background(), messageID)
			if err != nil || len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i].Seq != after[i].Seq || before[i].Type != after[i].Type {
					return false
				}
			}
			return true
		},
		genAbortWatchersTestCase(),
	))

	properties.TestingRun(t)
}

// Test types

type resumeCursorTestCase struct {
	total  int
	cursor int
}

type abortWatchersTestCase struct {
	total        int
	abortAfter   int
	watcherCount int
}

// Generators

func genResumeCursorTestCase() gopter.Gen {
	return gen.IntRange(1, 40).FlatMap(func(total any) gopter.Gen {
		tot := total.(int)
		return gen.IntRange(0, tot).Map(func(cursor int) resumeCursorTestCase {
			return resumeCursorTestCase{total: tot, cursor: cursor}
		})
	}, reflect.TypeOf(resumeCursorTestCase{}))
}

func genAbortWatchersTestCase() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(2, 20),
		gen.IntRange(1, 5),
	).FlatMap(func(vals any) gopter.Gen {
		v := vals.([]any)
		total := v[0].(int)
		watcherCount := v[1].(int)
		return gen.IntRange(1, total).Map(func(abortAfter int) abortWatchersTestCase {
			return abortWatchersTestCase{total: total, abortAfter: abortAfter, watcherCount: watcherCount}
		})
	}, reflect.TypeOf(abortWatchersTestCase{}))
}
