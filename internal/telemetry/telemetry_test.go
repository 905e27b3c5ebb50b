package telemetry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/pilot"
)

func sampleCycle(seq uint64) pilot.Cycle {
	return pilot.Cycle{
		Seq:             seq,
		At:              time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		State:           fusion.StopLight,
		Light:           fusion.LightRed,
		LaneError:       -0.25,
		FrontClearanceM: 1.75,
		Gap:             lidar.Gap{CenterDeg: 20, Valid: true},
		Reason:          "red light",
		ScanSeq:         seq * 2,
		Duration:        2 * time.Millisecond,
	}
}

func TestCycleStructRoundTrip(t *testing.T) {
	in := sampleCycle(7)
	s, err := CycleToStruct(in)
	require.NoError(t, err)
	assert.Equal(t, "STOP_LIGHT", s.GetFields()["state"].GetStringValue())

	out, err := CycleFromStruct(s)
	require.NoError(t, err)
	assert.True(t, in.At.Equal(out.At))
	out.At = in.At
	assert.Equal(t, in, out)
}

func TestCycleFromStruct_BadState(t *testing.T) {
	s, err := CycleToStruct(sampleCycle(1))
	require.NoError(t, err)
	s.Fields["state"] = s.Fields["light"]
	_, err = CycleFromStruct(s)
	assert.Error(t, err)
}

func startBufconn(t *testing.T, cfg Config) (*Publisher, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	p := NewPublisher(cfg)
	require.NoError(t, p.Serve(lis))
	t.Cleanup(p.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return p, NewClient(conn)
}

func waitClients(t *testing.T, p *Publisher, n int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Clients != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", p.Stats().Clients, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamCycles(t *testing.T) {
	p, client := startBufconn(t, DefaultConfig())

	// nobody listening: nothing is encoded
	p.Publish(sampleCycle(1))
	assert.Equal(t, uint64(0), p.Stats().Published)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := client.StreamCycles(ctx)
	require.NoError(t, err)
	b, err := client.StreamCycles(ctx)
	require.NoError(t, err)
	waitClients(t, p, 2)

	p.Publish(sampleCycle(2))
	p.Publish(sampleCycle(3))

	for _, s := range []*CycleStream{a, b} {
		c, err := s.RecvCycle()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), c.Seq)
		c, err = s.RecvCycle()
		require.NoError(t, err)
		assert.Equal(t, uint64(3), c.Seq)
		assert.Equal(t, fusion.LightRed, c.Light)
	}
	assert.Equal(t, uint64(2), p.Stats().Published)
}

func TestStreamCycles_MaxClients(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	p, client := startBufconn(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.StreamCycles(ctx)
	require.NoError(t, err)
	waitClients(t, p, 1)

	second, err := client.StreamCycles(ctx)
	require.NoError(t, err, "the error arrives on the first receive")
	_, err = second.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStreamCycles_SlowClientDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientBuffer = 1
	p, client := startBufconn(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.StreamCycles(ctx)
	require.NoError(t, err)
	waitClients(t, p, 1)

	for i := uint64(1); i <= 5000; i++ {
		p.Publish(sampleCycle(i))
	}
	assert.Greater(t, p.Stats().Dropped, uint64(0))
}

func TestStreamCycles_CancelRemovesClient(t *testing.T) {
	p, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := client.StreamCycles(ctx)
	require.NoError(t, err)
	waitClients(t, p, 1)

	cancel()
	waitClients(t, p, 0)
}

func TestStopEndsStreams(t *testing.T) {
	p, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := client.StreamCycles(ctx)
	require.NoError(t, err)
	waitClients(t, p, 1)

	p.Stop()
	_, err = s.Recv()
	assert.Error(t, err)
	assert.False(t, p.Stats().Running)
	assert.Equal(t, int32(0), p.Stats().Clients)
}
