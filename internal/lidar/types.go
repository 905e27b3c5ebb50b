package lidar

import (
	"math"
	"time"
)

// Measurement is one range return.
type Measurement struct {
	Quality    uint8   `json:"quality"`
	AngleDeg   float64 `json:"angle_deg"`   // [0,360), clockwise from the scanner's zero
	DistanceMM float64 `json:"distance_mm"` // 0 = no echo
}

// Valid reports whether the measurement carries an echo. A zero distance
// means "nothing came back", not "touching".
func (m Measurement) Valid() bool {
	return m.DistanceMM > 0 && !math.IsNaN(m.DistanceMM) && !math.IsInf(m.DistanceMM, 0)
}

// DistanceM returns the distance in meters.
func (m Measurement) DistanceM() float64 {
	return m.DistanceMM / 1000.0
}

// Scan is one full rotation of measurements. Order is irrelevant. A Scan is
// never mutated after it has been published to a Store.
type Scan struct {
	Seq          uint64        `json:"seq"`
	AcquiredAt   time.Time     `json:"acquired_at"`
	Measurements []Measurement `json:"measurements"`
}

// NewScan wraps measurements into a Scan stamped at t. The slice is owned by
// the returned Scan from here on.
func NewScan(measurements []Measurement, t time.Time) *Scan {
	return &Scan{AcquiredAt: t, Measurements: measurements}
}

// Len returns the number of measurements; nil-safe.
func (s *Scan) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Measurements)
}

// Empty reports whether the scan carries no measurements at all.
func (s *Scan) Empty() bool {
	return s.Len() == 0
}

// ValidCount returns the number of measurements with an echo.
func (s *Scan) ValidCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, m := range s.Measurements {
		if m.Valid() {
			n++
		}
	}
	return n
}

// Gap is the result of a free-gap search.
type Gap struct {
	CenterDeg float64 `json:"center_deg"`
	Valid     bool    `json:"valid"`
}

// NoGap is the "no qualifying gap" result.
var NoGap = Gap{}

// NormalizeAngle maps any angle in degrees onto [0,360).
func NormalizeAngle(deg float64) float64 {
	a := math.Mod(deg, 360)
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a = 0
	}
	return a
}

// RelativeAngle returns the angle of deg measured from the forward direction
// yawDeg, in [0,360).
func RelativeAngle(deg, yawDeg float64) float64 {
	return NormalizeAngle(deg - yawDeg)
}

// HeadingOffset returns the signed offset of deg from forward in (-180,180];
// positive is to the right (clockwise).
func HeadingOffset(deg, yawDeg float64) float64 {
	rel := RelativeAngle(deg, yawDeg)
	if rel > 180 {
		rel -= 360
	}
	return rel
}
