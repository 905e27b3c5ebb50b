package fusion

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/selfdrive/internal/lidar"
)

func fresh(clearance float64, light LightColor, lane float64) *SensorSnapshot {
	return &SensorSnapshot{
		LaneError:       lane,
		Light:           light,
		FrontClearanceM: clearance,
		ScanFresh:       true,
		ClassifierFresh: true,
	}
}

func TestEngine_InitialState(t *testing.T) {
	assert.Equal(t, Cruise, NewEngine(DefaultPolicy()).State())
}

func TestEngine_Hysteresis(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	var got []VehicleState
	for _, c := range []float64{0.70, 0.55, 0.55, 0.75, 0.85} {
		got = append(got, e.Step(fresh(c, LightGreen, 0)).State)
	}
	want := []VehicleState{Cruise, StopObstacle, StopObstacle, StopObstacle, Cruise}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_GreenReleasesLightStop(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.Restore(StopLight)
	d := e.Step(fresh(0.90, LightGreen, 0))
	assert.Equal(t, Cruise, d.State)
}

func TestEngine_LightTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  VehicleState
		light LightColor
		want  VehicleState
	}{
		{"red stops", Cruise, LightRed, StopLight},
		{"yellow keeps light stop", StopLight, LightYellow, StopLight},
		{"none keeps light stop", StopLight, LightNone, StopLight},
		{"yellow does not stop", Cruise, LightYellow, Cruise},
		{"green while cruising", Cruise, LightGreen, Cruise},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(DefaultPolicy())
			e.Restore(tt.from)
			assert.Equal(t, tt.want, e.Step(fresh(2.0, tt.light, 0)).State)
		})
	}
}

func TestEngine_ObstacleWinsOverRed(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	d := e.Step(fresh(0.3, LightRed, 0))
	assert.Equal(t, StopObstacle, d.State)

	light, obstacle := e.Halts()
	assert.True(t, light, "the red light must still be remembered")
	assert.True(t, obstacle)
}

// Clearing the obstacle while the light is still red must not resume driving.
func TestEngine_ReleasingObstacleKeepsLightHalt(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.Step(fresh(0.3, LightRed, 0))
	d := e.Step(fresh(1.5, LightNone, 0))
	assert.Equal(t, StopLight, d.State)
	assert.Zero(t, d.Command.Throttle)

	d = e.Step(fresh(1.5, LightGreen, 0))
	assert.Equal(t, Cruise, d.State)
}

func TestEngine_StopMeansZeroThrottle(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	for _, s := range []*SensorSnapshot{
		fresh(0.1, LightGreen, 1),
		fresh(5, LightRed, -1),
		fresh(0.59, LightNone, 0.9),
		nil,
		{},
	} {
		d := e.Step(s)
		require.True(t, d.State.Stopped(), spew.Sdump(s, d))
		assert.Equal(t, StopCommand, d.Command)
	}
}

func TestEngine_FailSafe(t *testing.T) {
	tests := []struct {
		name string
		snap *SensorSnapshot
	}{
		{"nil snapshot", nil},
		{"zero snapshot", &SensorSnapshot{}},
		{"stale scan", &SensorSnapshot{ClassifierFresh: true, FrontClearanceM: 5}},
		{"stale classifier", &SensorSnapshot{ScanFresh: true, FrontClearanceM: 5}},
		{"NaN clearance", &SensorSnapshot{ScanFresh: true, ClassifierFresh: true, FrontClearanceM: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(DefaultPolicy())
			d := e.Step(tt.snap)
			assert.True(t, d.FailSafe)
			assert.Equal(t, StopObstacle, d.State)
			assert.Equal(t, StopCommand, d.Command)
			assert.Contains(t, d.Reason, "fail-safe")
		})
	}
}

func TestEngine_FailSafeReasonPassedThrough(t *testing.T) {
	d := NewEngine(DefaultPolicy()).Step(&SensorSnapshot{ClassifierFresh: true, FailReason: "scan 900ms old"})
	assert.Equal(t, "fail-safe: scan 900ms old", d.Reason)
}

func TestEngine_RecoversThroughHysteresis(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.Step(nil)
	assert.Equal(t, StopObstacle, e.Step(fresh(0.7, LightNone, 0)).State, "inside the band stays stopped")
	assert.Equal(t, Cruise, e.Step(fresh(0.9, LightNone, 0)).State)
}

func TestEngine_FailSafeStillSeesRedLight(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	e.Step(&SensorSnapshot{ClassifierFresh: true, Light: LightRed})
	assert.Equal(t, StopLight, e.Step(fresh(2, LightNone, 0)).State)
}

func TestPolicy_Command(t *testing.T) {
	p := DefaultPolicy()

	cmd, gap := p.Command(Cruise, SensorSnapshot{FrontClearanceM: 1.2, LaneError: 0.1})
	assert.Equal(t, ControlCommand{Steer: 0.1, Throttle: 0.40}, cmd)
	assert.False(t, gap)

	// gap 45° right of forward
	cmd, gap = p.Command(Cruise, SensorSnapshot{FrontClearanceM: 0.5, LaneError: 0.9, Gap: lidar.Gap{CenterDeg: 45, Valid: true}})
	assert.Equal(t, ControlCommand{Steer: 0.5, Throttle: 0.25}, cmd)
	assert.True(t, gap)

	// the same gap seen by a scanner mounted facing backwards
	p.ScannerYawDeg = 180
	cmd, _ = p.Command(Cruise, SensorSnapshot{FrontClearanceM: 0.5, LaneError: 0.9, Gap: lidar.Gap{CenterDeg: 225, Valid: true}})
	assert.Equal(t, 0.5, cmd.Steer)
}

func TestPolicy_CommandGapOverride(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name      string
		snap      SensorSnapshot
		wantSteer float64
		wantGap   bool
	}{
		{"far away uses lane", SensorSnapshot{FrontClearanceM: 1.5, LaneError: 0.9, Gap: lidar.Gap{CenterDeg: 45, Valid: true}}, 0.9, false},
		{"gentle lane uses lane", SensorSnapshot{FrontClearanceM: 0.8, LaneError: 0.5, Gap: lidar.Gap{CenterDeg: 45, Valid: true}}, 0.5, false},
		{"no gap uses lane", SensorSnapshot{FrontClearanceM: 0.8, LaneError: -0.9}, -0.9, false},
		{"left gap", SensorSnapshot{FrontClearanceM: 0.8, LaneError: -0.9, Gap: lidar.Gap{CenterDeg: 315, Valid: true}}, -0.5, true},
		{"gap behind saturates", SensorSnapshot{FrontClearanceM: 0.8, LaneError: 0.9, Gap: lidar.Gap{CenterDeg: 170, Valid: true}}, 1, true},
		{"lane out of range clamps", SensorSnapshot{FrontClearanceM: 2, LaneError: 3}, 1, false},
		{"NaN lane steers straight", SensorSnapshot{FrontClearanceM: 2, LaneError: math.NaN()}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, gap := p.Command(Cruise, tt.snap)
			assert.InDelta(t, tt.wantSteer, cmd.Steer, 1e-12)
			assert.Equal(t, tt.wantGap, gap)
		})
	}
}

func TestPolicy_CautionThrottleAtBoundary(t *testing.T) {
	cmd, _ := DefaultPolicy().Command(Cruise, SensorSnapshot{FrontClearanceM: 1.0})
	assert.Equal(t, 0.25, cmd.Throttle)
}

func TestEngine_VisionOnly(t *testing.T) {
	p := DefaultPolicy()
	p.VisionOnly = true
	e := NewEngine(p)

	snap := func(obstacle bool, light LightColor) *SensorSnapshot {
		return &SensorSnapshot{ClassifierFresh: true, ObstacleFlag: obstacle, Light: light, LaneError: -0.3}
	}

	d := e.Step(snap(false, LightNone))
	assert.Equal(t, Cruise, d.State)
	assert.Equal(t, ControlCommand{Steer: -0.3, Throttle: 0.40}, d.Command, "no scan means no caution tier")

	assert.Equal(t, StopObstacle, e.Step(snap(true, LightGreen)).State)
	assert.Equal(t, StopObstacle, e.Step(snap(true, LightRed)).State)
	assert.Equal(t, StopLight, e.Step(snap(false, LightRed)).State)
	assert.Equal(t, Cruise, e.Step(snap(false, LightYellow)).State, "any non-red light releases")

	assert.True(t, e.Step(&SensorSnapshot{}).FailSafe, "a stale classifier still stops")
}

func TestVehicleStateText(t *testing.T) {
	b, err := json.Marshal(map[string]VehicleState{"s": StopLight})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"STOP_LIGHT"}`, string(b))

	var s VehicleState
	require.NoError(t, s.UnmarshalText([]byte("stop_obstacle")))
	assert.Equal(t, StopObstacle, s)
	assert.Error(t, s.UnmarshalText([]byte("parked")))
	assert.Equal(t, "VehicleState(9)", VehicleState(9).String())
}

func TestParseLightColor(t *testing.T) {
	for in, want := range map[string]LightColor{
		"red": LightRed, "RED": LightRed, " Green ": LightGreen, "yellow": LightYellow, "none": LightNone, "": LightNone,
	} {
		got, err := ParseLightColor(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLightColor("blue")
	assert.Error(t, err)

	var c LightColor
	require.NoError(t, json.Unmarshal([]byte(`"green"`), &c))
	assert.Equal(t, LightGreen, c)
}
