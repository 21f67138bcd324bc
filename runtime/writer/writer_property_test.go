package writer_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/writer"
)

// TestWriteOrderSurvivesIntermittentFailuresProperty verifies P6 from
// SPEC_FULL.md §8: a Store backend that fails an arbitrary number of its
// first calls per message before succeeding (the flakyStore harness) still
// leaves the persisted log in strict, contiguous seq order once every
// Write call returns.
func TestWriteOrderSurvivesIntermittentFailuresProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("writes land in strict seq order despite transient failures", prop.ForAll(
		func(tc flakyWriteTestCase) bool {
			store := newFlakyStore(tc.failCount)
			w := writer.New(writer.Options{
				Store:           store,
				RetrySchedule:   make([]time.Duration, tc.retryBudget),
				RedrainInterval: 5 * time.Millisecond,
			})
			defer w.Close()

			messageID := fmt.Sprintf("msg-%d-%d-%d", tc.failCount, tc.retryBudget, tc.eventCount)
			for i := 0; i < tc.eventCount; i++ {
				if _, err := w.Write(context.Background(), event.Partial{
					MessageID: messageID,
					Type:      event.TypeContent,
					Data:      &event.ContentPayload{MD: fmt.Sprintf("chunk %d", i)},
				}); err != nil {
					return false
				}
			}

			// Allow the fallback redrain loop to flush anything that
			// exhausted its retry budget and was queued.
			var got []*event.Event
			deadline := time.Now().Add(time.Second)
			for time.Now().Before(deadline) {
				var err error
				got, err = store.ReadAll(context.Background(), messageID)
				if err != nil {
					return false
				}
				if len(got) == tc.eventCount {
					break
				}
				time.Sleep(time.Millisecond)
			}
			if len(got) != tc.eventCount {
				return false
			}
			var lastSeq uint64
			for _, e := range got {
				if e.Seq <= lastSeq {
					return false
				}
				lastSeq = e.Seq
			}
			return true
		},
		genFlakyWriteTestCase(),
	))

	properties.TestingRun(t)
}

// Test types

type flakyWriteTestCase struct {
	failCount   int
	retryBudget int
	eventCount  int
}

// Generators

func genFlakyWriteTestCase() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 4),
		gen.IntRange(1, 5),
		gen.IntRange(1, 10),
	).Map(func(vals []any) flakyWriteTestCase {
		return flakyWriteTestCase{
			failCount:   vals[0].(int),
			retryBudget: vals[1].(int),
			eventCount:  vals[2].(int),
		}
	})
}
