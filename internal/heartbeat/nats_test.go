package heartbeat

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/rankwatch/pkg/types"
)

// getNATSURL returns the NATS URL for testing, or skips the test.
func getNATSURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	nc, err := nats.Connect(url, nats.Timeout(2*time.Second), nats.MaxReconnects(0))
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	nc.Close()
	return url
}

func TestNATSRoundTrip(t *testing.T) {
	url := getNATSURL(t)
	runID := "test-" + uuid.NewString()

	var mu sync.Mutex
	var malformed int
	nc, err := ConnectNATS(url, "rankwatch-test")
	require.NoError(t, err)
	defer nc.Close()

	rx := NewNATSReceiver(nc, runID, Options{OnMalformed: func(error) {
		mu.Lock()
		malformed++
		mu.Unlock()
	}})
	defer rx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sink := &collector{}
	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx, sink) }()

	tx, err := DialNATS(url, runID)
	require.NoError(t, err)
	defer tx.Close()

	// The subscription starts inside Run; keep publishing until it is live.
	want := sampleHeartbeat()
	require.Eventually(t, func() bool {
		if err := tx.Send(want); err != nil {
			return false
		}
		return sink.len() > 0
	}, 5*time.Second, 50*time.Millisecond)

	sink.mu.Lock()
	got := sink.got[0]
	sink.mu.Unlock()
	assert.Equal(t, want.Rank, got.Rank)
	assert.Equal(t, want.Attempt, got.Attempt)
	assert.Equal(t, want.Progress, got.Progress)
	assert.True(t, want.Timestamp.Equal(got.Timestamp))
	require.NotNil(t, got.Sample)
	assert.Equal(t, *want.Sample, *got.Sample)

	require.NoError(t, nc.Publish(Subject(runID), []byte{0xff, 0xff, 0xff}))
	require.NoError(t, nc.Flush())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return malformed == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := rx.Stats()
	assert.GreaterOrEqual(t, stats.Received, uint64(1))
	assert.Equal(t, uint64(1), stats.Malformed)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop after cancel")
	}
}

func TestNATSSenderAfterClose(t *testing.T) {
	url := getNATSURL(t)

	tx, err := DialNATS(url, "closed")
	require.NoError(t, err)
	require.NoError(t, tx.Close())
	assert.ErrorIs(t, tx.Send(types.Heartbeat{Rank: 0}), nats.ErrConnectionClosed)
}
