// Package actuation turns control commands into motor controller output.
package actuation

import (
	"fmt"
	"math"

	"github.com/banshee-data/selfdrive/internal/fusion"
)

// Servo duty cycle, in percent of a 20 ms period, for the Ackermann steering
// servo. 7.5% is centred; full lock is 2.2 points either side.
const (
	ServoCenterDuty = 7.5
	ServoRangeDuty  = 2.2
)

// Mixer converts a command into the line understood by the motor controller.
type Mixer interface {
	Name() string
	Line(cmd fusion.ControlCommand) string
}

// AckermannOutput is the mixed output for a servo-steered chassis.
type AckermannOutput struct {
	ServoDuty float64 // percent
	MotorDuty float64 // percent, always >= 0
	Forward   bool
}

// MixAckermann mixes cmd for a single drive motor and a steering servo.
// Positive steer turns right, which lowers the servo duty.
func MixAckermann(cmd fusion.ControlCommand) AckermannOutput {
	c := cmd.Clamp()
	return AckermannOutput{
		ServoDuty: ServoCenterDuty - c.Steer*ServoRangeDuty,
		MotorDuty: math.Abs(c.Throttle) * 100,
		Forward:   c.Throttle >= 0,
	}
}

// DifferentialOutput is the mixed output for a skid-steered chassis, as
// signed wheel duty in percent.
type DifferentialOutput struct {
	Left  float64
	Right float64
}

// MixDifferential mixes cmd for two independently driven wheels. Both wheels
// run at the throttle; the wheel on the inside of the turn is slowed by
// 1-|steer|.
func MixDifferential(cmd fusion.ControlCommand) DifferentialOutput {
	c := cmd.Clamp()
	base := c.Throttle * 100
	inner := base * (1 - math.Abs(c.Steer))
	switch {
	case c.Steer > 0:
		return DifferentialOutput{Left: base, Right: inner}
	case c.Steer < 0:
		return DifferentialOutput{Left: inner, Right: base}
	default:
		return DifferentialOutput{Left: base, Right: base}
	}
}

// StopLine is the command that halts every motor and centres the steering.
const StopLine = "STOP"

// Ackermann formats "DRV <servo> <motor> F|R".
type Ackermann struct{}

func (Ackermann) Name() string { return "ackermann" }

func (Ackermann) Line(cmd fusion.ControlCommand) string {
	out := MixAckermann(cmd)
	dir := "F"
	if !out.Forward {
		dir = "R"
	}
	return fmt.Sprintf("DRV %.2f %.1f %s", out.ServoDuty, out.MotorDuty, dir)
}

// Differential formats "DIF <left> <right>".
type Differential struct{}

func (Differential) Name() string { return "differential" }

func (Differential) Line(cmd fusion.ControlCommand) string {
	out := MixDifferential(cmd)
	return fmt.Sprintf("DIF %.1f %.1f", out.Left, out.Right)
}

// MixerFor returns the mixer for a drive name as accepted by the tuning
// config.
func MixerFor(drive string) (Mixer, error) {
	switch drive {
	case "", "ackermann":
		return Ackermann{}, nil
	case "differential":
		return Differential{}, nil
	default:
		return nil, fmt.Errorf("actuation: unknown drive %q", drive)
	}
}
