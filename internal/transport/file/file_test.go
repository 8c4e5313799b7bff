package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/powermode/internal/transport"
)

func publish(t *testing.T, tr *Transport, ch transport.Channel, kind string) {
	t.Helper()
	msg, err := transport.NewMessage(kind, "alpha", "s-1", map[string]string{"kind": kind})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), ch, msg))
}

func TestTailDeliversExistingAndNewFrames(t *testing.T) {
	t.Parallel()
	tr, err := Open(t.TempDir(), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	defer tr.Close()

	publish(t, tr, transport.Broadcast, transport.KindDispatch)
	sub, err := tr.Subscribe(context.Background(), transport.Broadcast)
	require.NoError(t, err)
	defer sub.Close()
	publish(t, tr, transport.Broadcast, transport.KindDirective)

	var got []transport.Message
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-sub.Messages():
			got = append(got, msg)
		case <-deadline:
			t.Fatalf("timed out after %d messages", len(got))
		}
	}
	assert.Equal(t, transport.KindDispatch, got[0].Kind)
	assert.Equal(t, int64(2), got[1].Sequence)
	var payload map[string]string
	require.NoError(t, got[1].Decode(&payload))
	assert.Equal(t, transport.KindDirective, payload["kind"])
}

func TestSequenceResumesFromExistingLog(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first, err := Open(dir)
	require.NoError(t, err)
	publish(t, first, transport.Heartbeat, transport.KindHeartbeat)
	publish(t, first, transport.Heartbeat, transport.KindHeartbeat)
	require.NoError(t, first.Close())

	second, err := Open(dir)
	require.NoError(t, err)
	defer second.Close()
	publish(t, second, transport.Heartbeat, transport.KindHeartbeat)

	data, err := os.ReadFile(filepath.Join(dir, "heartbeat.cbor"))
	require.NoError(t, err)
	msgs, consumed := decodeFrames(data)
	require.Len(t, msgs, 3)
	assert.Equal(t, len(data), consumed)
	assert.Equal(t, int64(3), msgs[2].Sequence)
}

func TestPartialFrameIsLeftForLater(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	tr, err := Open(dir)
	require.NoError(t, err)
	defer tr.Close()
	publish(t, tr, transport.Insights, transport.KindInsight)

	path := filepath.Join(dir, "insights.cbor")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	whole := len(data)
	require.NoError(t, os.WriteFile(path, append(data, data[:whole/2]...), 0o644))

	msgs, next, err := tr.readFrom(transport.Insights, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, int64(whole), next)
}

func TestClosedTransportIsUnavailable(t *testing.T) {
	t.Parallel()
	tr, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	msg, err := transport.NewMessage(transport.KindHeartbeat, "alpha", "s-1", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, tr.Publish(context.Background(), transport.Heartbeat, msg), transport.ErrUnavailable)
}
