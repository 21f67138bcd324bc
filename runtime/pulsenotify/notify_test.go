package pulsenotify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/pulsenotify"
)

type fakeNotifierClient struct {
	pingErr error
	calls   int
}

func (f *fakeNotifierClient) Ping(context.Context, string) error {
	f.calls++
	return f.pingErr
}

func TestWriterNotifierInterfaceSatisfiedByPing(t *testing.T) {
	// pulsenotify.Notifier exposes Ping(ctx, messageID) error, the shape
	// the writer package depends on without importing pulsenotify.
	var _ interface {
		Ping(ctx context.Context, messageID string) error
	} = &pulsenotify.Notifier{}
}

func TestFakeNotifierClientPingPropagatesError(t *testing.T) {
	f := &fakeNotifierClient{pingErr: errors.New("down")}
	err := f.Ping(context.Background(), "msg-1")
	require.Error(t, err)
	require.Equal(t, 1, f.calls)
}
