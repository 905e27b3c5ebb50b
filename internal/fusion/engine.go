package fusion

import (
	"fmt"
	"math"

	"github.com/banshee-data/selfdrive/internal/lidar"
)

// Policy holds the tunable decision thresholds.
type Policy struct {
	StopThresholdM         float64
	ReleaseThresholdM      float64
	CautionDistanceM       float64
	SteerOverrideLaneError float64
	CruiseThrottle         float64
	CautionThrottle        float64
	ScannerYawDeg          float64

	// VisionOnly runs without a range scanner: the classifier obstacle flag
	// drives the obstacle halt and any non-red light releases a light halt.
	VisionOnly bool
}

// DefaultPolicy returns the reference thresholds.
func DefaultPolicy() Policy {
	return Policy{
		StopThresholdM:         0.60,
		ReleaseThresholdM:      0.80,
		CautionDistanceM:       1.0,
		SteerOverrideLaneError: 0.5,
		CruiseThrottle:         0.40,
		CautionThrottle:        0.25,
	}
}

// Decision is the outcome of one engine step.
type Decision struct {
	State    VehicleState   `json:"state"`
	Command  ControlCommand `json:"command"`
	FailSafe bool           `json:"fail_safe"`
	GapSteer bool           `json:"gap_steer"` // steering came from the free gap, not the lane
	Reason   string         `json:"reason,omitempty"`
}

// Engine is the stateful decision engine. It keeps the light halt and the
// obstacle halt as separate flags so clearing one never clears the other.
// An Engine is used from a single goroutine.
type Engine struct {
	policy       Policy
	lightHalt    bool
	obstacleHalt bool
}

// NewEngine returns an engine in CRUISE.
func NewEngine(p Policy) *Engine {
	return &Engine{policy: p}
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy { return e.policy }

// State returns the effective state after the last step.
func (e *Engine) State() VehicleState {
	switch {
	case e.obstacleHalt:
		return StopObstacle
	case e.lightHalt:
		return StopLight
	default:
		return Cruise
	}
}

// Halts reports the two halt flags.
func (e *Engine) Halts() (light, obstacle bool) {
	return e.lightHalt, e.obstacleHalt
}

// Restore sets the engine to state, e.g. after a restart.
func (e *Engine) Restore(state VehicleState) {
	e.lightHalt = state == StopLight
	e.obstacleHalt = state == StopObstacle
}

// Step evaluates one cycle.
func (e *Engine) Step(s *SensorSnapshot) Decision {
	if reason, ok := e.failSafe(s); !ok {
		if s != nil && s.ClassifierFresh {
			e.updateLight(s.Light)
		}
		e.obstacleHalt = true
		return Decision{State: e.State(), Command: StopCommand, FailSafe: true, Reason: reason}
	}

	e.updateLight(s.Light)

	var reason string
	if e.policy.VisionOnly {
		e.obstacleHalt = s.ObstacleFlag
		if s.ObstacleFlag {
			reason = "obstacle in view"
		}
	} else {
		switch {
		case s.FrontClearanceM < e.policy.StopThresholdM:
			e.obstacleHalt = true
			reason = fmt.Sprintf("obstacle at %.2fm", s.FrontClearanceM)
		case e.obstacleHalt && s.FrontClearanceM > e.policy.ReleaseThresholdM:
			e.obstacleHalt = false
		case e.obstacleHalt:
			reason = fmt.Sprintf("holding, clearance %.2fm", s.FrontClearanceM)
		}
	}

	state := e.State()
	if state == StopLight {
		reason = "red light"
	}
	cmd, gapSteer := e.policy.Command(state, *s)
	return Decision{State: state, Command: cmd, GapSteer: gapSteer, Reason: reason}
}

func (e *Engine) updateLight(light LightColor) {
	if e.policy.VisionOnly {
		e.lightHalt = light == LightRed
		return
	}
	switch {
	case light == LightRed:
		e.lightHalt = true
	case light == LightGreen:
		e.lightHalt = false
	}
}

func (e *Engine) failSafe(s *SensorSnapshot) (string, bool) {
	switch {
	case s == nil:
		return "fail-safe: no snapshot", false
	case !s.ClassifierFresh:
		return failReason(s, "classifier unavailable"), false
	case e.policy.VisionOnly:
		return "", true
	case !s.ScanFresh:
		return failReason(s, "scan unavailable"), false
	case math.IsNaN(s.FrontClearanceM):
		return "fail-safe: clearance undefined", false
	}
	return "", true
}

func failReason(s *SensorSnapshot, fallback string) string {
	if s.FailReason != "" {
		return "fail-safe: " + s.FailReason
	}
	return "fail-safe: " + fallback
}

// Command synthesizes the drive command for a state. Stopped states give
// zero throttle and straight wheels. In CRUISE the lane error steers, unless
// the vehicle is close to something, the lane error asks for a hard turn and
// a free gap exists: then the gap bearing steers, 90° off forward mapping to
// full lock.
func (p Policy) Command(state VehicleState, s SensorSnapshot) (ControlCommand, bool) {
	if state.Stopped() {
		return StopCommand, false
	}

	lane := clampUnit(s.LaneError)
	if p.VisionOnly {
		return ControlCommand{Steer: lane, Throttle: p.CruiseThrottle}.Clamp(), false
	}

	steer, gapSteer := lane, false
	if s.FrontClearanceM < p.CautionDistanceM && math.Abs(lane) > p.SteerOverrideLaneError && s.Gap.Valid {
		steer = lidar.HeadingOffset(s.Gap.CenterDeg, p.ScannerYawDeg) / 90
		gapSteer = true
	}

	throttle := p.CautionThrottle
	if s.FrontClearanceM > p.CautionDistanceM {
		throttle = p.CruiseThrottle
	}
	return ControlCommand{Steer: steer, Throttle: throttle}.Clamp(), gapSteer
}
