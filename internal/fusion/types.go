// Package fusion holds the decision engine that turns one cycle of sensor
// data into a vehicle state and a drive command.
package fusion

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/selfdrive/internal/lidar"
)

// VehicleState is the effective driving state.
type VehicleState uint8

const (
	Cruise VehicleState = iota
	StopLight
	StopObstacle
)

var stateNames = [...]string{
	Cruise:       "CRUISE",
	StopLight:    "STOP_LIGHT",
	StopObstacle: "STOP_OBSTACLE",
}

func (s VehicleState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("VehicleState(%d)", uint8(s))
}

// Stopped reports whether the state commands zero throttle.
func (s VehicleState) Stopped() bool { return s != Cruise }

// ParseVehicleState parses the String form.
func ParseVehicleState(v string) (VehicleState, error) {
	for i, name := range stateNames {
		if strings.EqualFold(v, name) {
			return VehicleState(i), nil
		}
	}
	return Cruise, fmt.Errorf("unknown vehicle state %q", v)
}

func (s VehicleState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *VehicleState) UnmarshalText(b []byte) error {
	v, err := ParseVehicleState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// LightColor is the traffic light the classifier reports.
type LightColor uint8

const (
	LightNone LightColor = iota
	LightRed
	LightYellow
	LightGreen
)

var lightNames = [...]string{
	LightNone:   "none",
	LightRed:    "red",
	LightYellow: "yellow",
	LightGreen:  "green",
}

func (c LightColor) String() string {
	if int(c) < len(lightNames) {
		return lightNames[c]
	}
	return fmt.Sprintf("LightColor(%d)", uint8(c))
}

// ParseLightColor parses a classifier label, case-insensitively. The empty
// label means no light.
func ParseLightColor(v string) (LightColor, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return LightNone, nil
	}
	for i, name := range lightNames {
		if strings.EqualFold(v, name) {
			return LightColor(i), nil
		}
	}
	return LightNone, fmt.Errorf("unknown light color %q", v)
}

func (c LightColor) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *LightColor) UnmarshalText(b []byte) error {
	v, err := ParseLightColor(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ControlCommand is the drive output. Both fields are in [-1,1]; positive
// steer turns right.
type ControlCommand struct {
	Steer    float64 `json:"steer"`
	Throttle float64 `json:"throttle"`
}

// StopCommand holds the wheels straight with no drive.
var StopCommand = ControlCommand{}

// Clamp returns c with both fields in [-1,1]. NaN becomes 0.
func (c ControlCommand) Clamp() ControlCommand {
	return ControlCommand{Steer: clampUnit(c.Steer), Throttle: clampUnit(c.Throttle)}
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(-1, math.Min(1, v))
}

// SensorSnapshot is one cycle's input. The zero value carries no fresh data
// and so always decides to stop.
type SensorSnapshot struct {
	LaneError       float64
	Light           LightColor
	ObstacleFlag    bool // classifier's own obstacle detection
	FrontClearanceM float64
	Gap             lidar.Gap

	ScanFresh       bool // a scan no older than the staleness window was used
	ClassifierFresh bool
	FailReason      string // why a source is not fresh, for logs
}
