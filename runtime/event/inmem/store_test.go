package inmem_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/event"
	"goa.design/agentcore/runtime/event/inmem"
)

// TestAllocateSeqIsGapFreeUnderConcurrencyProperty verifies P1 from
// SPEC_FULL.md §8: for any number of concurrent AllocateSeq callers
// against a single message_id, the allocated seqs are unique and form the
// contiguous range [1, n] with no gaps.
func TestAllocateSeqIsGapFreeUnderConcurrencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent AllocateSeq calls are unique and gap-free", prop.ForAll(
		func(n int) bool {
			s := inmem.New()
			ctx := context.Background()

			seqs := make([]uint64, n)
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					seq, err := s.AllocateSeq(ctx, "msg-1")
					if err != nil {
						seqs[i] = 0
						return
					}
					seqs[i] = seq
				}(i)
			}
			wg.Wait()

			seen := make(map[uint64]bool, n)
			for _, seq := range seqs {
				if seq == 0 || seen[seq] {
					return false
				}
				seen[seq] = true
			}
			for i := uint64(1); i <= uint64(n); i++ {
				if !seen[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

func TestAppendRejectsDuplicateSeq(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	e := &event.Event{
		Partial:   event.Partial{MessageID: "msg-1", Type: event.TypeStart},
		Seq:       1,
		ID:        "1_0001_aaaaaaaa",
		Timestamp: time.Now(),
	}
	require.NoError(t, s.Append(ctx, e))

	dup := &event.Event{
		Partial:   event.Partial{MessageID: "msg-1", Type: event.TypeStart},
		Seq:       1,
		ID:        "1_0001_bbbbbbbb",
		Timestamp: time.Now(),
	}
	require.ErrorIs(t, s.Append(ctx, dup), event.ErrSeqConflict)
}

func TestReadSinceReturnsOnlyNewer(t *testing.T) {
	s := inmem.New()
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.Append(ctx, &event.Event{
			Partial:   event.Partial{MessageID: "msg-1", Type: event.TypeStatus},
			Seq:       seq,
			ID:        "id-" + string(rune('0'+seq)),
			Timestamp: time.Now(),
		}))
	}

	events, err := s.ReadSince(ctx, "msg-1", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Seq)
	require.Equal(t, uint64(3), events[1].Seq)
}
