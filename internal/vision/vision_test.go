package vision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/serialmux"
	"github.com/banshee-data/selfdrive/internal/timeutil"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		line    string
		want    Classification
		wantErr bool
	}{
		{`{"lane_error":0.12,"light":"red","obstacle":false}`, Classification{LaneError: 0.12, Light: fusion.LightRed}, false},
		{`{"lane_error":-2.5,"light":"GREEN","obstacle":true}`, Classification{LaneError: -1, Light: fusion.LightGreen, Obstacle: true}, false},
		{`{"light":"none"}`, Classification{Light: fusion.LightNone}, false},
		{`{"lane_error":0.4,"light":""}`, Classification{LaneError: 0.4}, false},
		{`{"lane_error":0.4,"light":"purple"}`, Classification{}, true},
		{`{"lane_error":NaN}`, Classification{}, true},
		{`{"lane_error":"0.1"}`, Classification{}, true},
		{`not json`, Classification{}, true},
	}
	for _, tt := range tests {
		got, err := ParseClassification(tt.line)
		if tt.wantErr {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestFeed_ClassifyLifecycle(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(500, 0))
	f := NewFeed(250*time.Millisecond, clock)

	_, err := f.Classify(clock.Now())
	assert.ErrorIs(t, err, ErrNoClassification)

	require.NoError(t, f.Ingest(`{"lane_error":0.2,"light":"green","obstacle":false}`))
	c, err := f.Classify(clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.2, c.LaneError)
	assert.Equal(t, uint64(1), c.Seq)
	assert.Equal(t, clock.Now(), c.ReceivedAt)

	clock.Advance(250 * time.Millisecond)
	_, err = f.Classify(clock.Now())
	assert.NoError(t, err, "exactly at the window is still fresh")

	clock.Advance(time.Millisecond)
	c, err = f.Classify(clock.Now())
	assert.ErrorIs(t, err, ErrStale)
	assert.False(t, errors.Is(err, ErrNoClassification), "stale is distinct from never classified")
	assert.Equal(t, 0.2, c.LaneError, "a stale result still carries the last frame")
}

func TestFeed_IngestCounts(t *testing.T) {
	f := NewFeed(0, nil)
	assert.NoError(t, f.Ingest("OK DRV"))
	assert.Error(t, f.Ingest(`{"light":"blue"}`))
	assert.NoError(t, f.Ingest(`{"light":"red"}`))

	assert.Equal(t, FeedStats{Accepted: 1, Rejected: 1, Ignored: 1}, f.Stats())

	c, err := f.Classify(time.Now().Add(time.Hour))
	require.NoError(t, err, "no staleness window")
	assert.Equal(t, fusion.LightRed, c.Light)
}

func TestFeed_RunOverSerialMux(t *testing.T) {
	port := serialmux.NewTestableSerialPort()
	port.BlockReads = true
	mux := serialmux.NewSerialMux("vision", port)
	f := NewFeed(time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, mux) }()

	// Run subscribes asynchronously; keep writing frames until one lands
	deadline := time.Now().Add(2 * time.Second)
	for f.Stats().Accepted == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no frame accepted")
		}
		port.AddReadData([]byte("garbage\n" + `{"lane_error":-0.3,"light":"yellow","obstacle":true}` + "\n"))
		time.Sleep(5 * time.Millisecond)
	}

	c, err := f.Classify(time.Now())
	require.NoError(t, err)
	assert.Equal(t, -0.3, c.LaneError)
	assert.Equal(t, fusion.LightYellow, c.Light)
	assert.True(t, c.Obstacle)

	require.NoError(t, mux.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the mux closed")
	}
}

func TestFixed(t *testing.T) {
	now := time.Unix(42, 0)
	c, err := Fixed{LaneError: 0.1, Light: fusion.LightGreen}.Classify(now)
	require.NoError(t, err)
	assert.Equal(t, now, c.ReceivedAt)
	assert.Equal(t, 0.1, c.LaneError)
}

func TestDemoLine(t *testing.T) {
	for _, i := range []int{0, 100, 250, 599} {
		_, err := ParseClassification(DemoLine(i))
		assert.NoError(t, err, DemoLine(i))
	}
	c, _ := ParseClassification(DemoLine(12 * 20))
	assert.Equal(t, fusion.LightRed, c.Light)
	c, _ = ParseClassification(DemoLine(20 * 20))
	assert.Equal(t, fusion.LightGreen, c.Light)
}
