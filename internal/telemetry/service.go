// Package telemetry streams control loop cycles to gRPC clients.
//
// The service has a single server-streaming method,
// selfdrive.Telemetry/StreamCycles, which takes google.protobuf.Empty and
// sends one google.protobuf.Struct per cycle. Using the well-known types
// keeps the wire format stable without generated code.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/pilot"
)

const (
	ServiceName       = "selfdrive.Telemetry"
	streamCyclesName  = "StreamCycles"
	streamCyclesRoute = "/" + ServiceName + "/" + streamCyclesName
)

// cycleStreamer is implemented by Publisher.
type cycleStreamer interface {
	streamCycles(*emptypb.Empty, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*cycleStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    streamCyclesName,
		Handler:       streamCyclesHandler,
		ServerStreams: true,
	}},
	Metadata: "selfdrive/telemetry.proto",
}

func streamCyclesHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(cycleStreamer).streamCycles(in, stream)
}

// RegisterService registers the publisher's telemetry service on s.
func RegisterService(s grpc.ServiceRegistrar, p *Publisher) {
	s.RegisterService(&serviceDesc, p)
}

// CycleToStruct encodes a cycle for the wire.
func CycleToStruct(c pilot.Cycle) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"seq":               float64(c.Seq),
		"at":                c.At.UTC().Format(time.RFC3339Nano),
		"state":             c.State.String(),
		"light":             c.Light.String(),
		"lane_error":        c.LaneError,
		"front_clearance_m": c.FrontClearanceM,
		"gap_valid":         c.Gap.Valid,
		"gap_center_deg":    c.Gap.CenterDeg,
		"steer":             c.Steer,
		"throttle":          c.Throttle,
		"fail_safe":         c.FailSafe,
		"gap_steer":         c.GapSteer,
		"reason":            c.Reason,
		"scan_seq":          float64(c.ScanSeq),
		"duration_us":       float64(c.Duration.Microseconds()),
	})
}

// CycleFromStruct decodes a cycle sent by CycleToStruct. Unknown fields are
// ignored and missing ones are left zero.
func CycleFromStruct(s *structpb.Struct) (pilot.Cycle, error) {
	f := s.GetFields()
	num := func(k string) float64 { return f[k].GetNumberValue() }
	str := func(k string) string { return f[k].GetStringValue() }

	c := pilot.Cycle{
		Seq:             uint64(num("seq")),
		LaneError:       num("lane_error"),
		FrontClearanceM: num("front_clearance_m"),
		Gap:             lidar.Gap{Valid: f["gap_valid"].GetBoolValue(), CenterDeg: num("gap_center_deg")},
		Steer:           num("steer"),
		Throttle:        num("throttle"),
		FailSafe:        f["fail_safe"].GetBoolValue(),
		GapSteer:        f["gap_steer"].GetBoolValue(),
		Reason:          str("reason"),
		ScanSeq:         uint64(num("scan_seq")),
		Duration:        time.Duration(num("duration_us")) * time.Microsecond,
	}
	var err error
	if at := str("at"); at != "" {
		if c.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return c, fmt.Errorf("telemetry: bad timestamp: %w", err)
		}
	}
	if c.State, err = fusion.ParseVehicleState(str("state")); err != nil {
		return c, fmt.Errorf("telemetry: %w", err)
	}
	if c.Light, err = fusion.ParseLightColor(str("light")); err != nil {
		return c, fmt.Errorf("telemetry: %w", err)
	}
	return c, nil
}

// Client subscribes to a telemetry server.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// CycleStream receives cycles from the server.
type CycleStream struct {
	stream grpc.ClientStream
}

// StreamCycles opens a cycle stream. It ends when ctx is done or the server
// goes away.
func (c *Client) StreamCycles(ctx context.Context, opts ...grpc.CallOption) (*CycleStream, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], streamCyclesRoute, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &CycleStream{stream: stream}, nil
}

// Recv returns the next cycle as sent on the wire.
func (s *CycleStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecvCycle returns the next cycle decoded.
func (s *CycleStream) RecvCycle() (pilot.Cycle, error) {
	m, err := s.Recv()
	if err != nil {
		return pilot.Cycle{}, err
	}
	return CycleFromStruct(m)
}
