// Package pulsenotify implements the Stream Watcher's push-notification
// fast path: a best-effort wake-up signal, published by the Robust Writer
// after each successful append, that lets a Watcher skip waiting out its
// full poll interval. The Event Store remains the source of truth; a
// missed or delayed ping only costs a watcher its normal poll latency, it
// never loses or reorders events (spec §4.6's optimization note).
package pulsenotify

import (
	"context"
	"fmt"
	"time"

	"goa.design/agentcore/runtime/pulsenotify/clients/pulse"
)

// Notifier publishes and subscribes to per-message ping streams.
type Notifier struct {
	client pulse.Client
}

// New constructs a Notifier backed by client.
func New(client pulse.Client) *Notifier {
	return &Notifier{client: client}
}

func streamName(messageID string) string {
	return fmt.Sprintf("agentcore/notify/%s", messageID)
}

// Ping publishes a wake-up signal for messageID. Failures are logged by
// the caller and otherwise ignored; pings are an optimization, not a
// delivery guarantee.
func (n *Notifier) Ping(ctx context.Context, messageID string) error {
	str, err := n.client.Stream(streamName(messageID))
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, "ping", []byte("1"))
	return err
}

// Subscribe opens a consumer on messageID's ping stream and forwards a
// tick on the returned channel for every ping received. The returned
// cancel function stops consumption and releases the sink; callers must
// call it once done to avoid leaking the consumer group.
func (n *Notifier) Subscribe(ctx context.Context, messageID, watcherID string) (<-chan struct{}, context.CancelFunc, error) {
	str, err := n.client.Stream(streamName(messageID))
	if err != nil {
		return nil, nil, err
	}
	sink, err := str.NewSink(ctx, watcherID)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan struct{}, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, sink, out)

	cancelFunc := func() {
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		sink.Close(closeCtx)
	}
	return out, cancelFunc, nil
}

func consume(ctx context.Context, sink pulse.Sink, out chan<- struct{}) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			select {
			case out <- struct{}{}:
			default:
				// A tick is already pending; the watcher only needs to
				// know "something changed", not how many times.
			}
			_ = sink.Ack(ctx, evt)
		}
	}
}
