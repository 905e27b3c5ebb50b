package lidar

import (
	"math"
)

// NoObstacleM is the clearance reported when nothing is known to be in the
// forward cone: an empty scan, or a cone with no echoes in it.
const NoObstacleM = 999.0

// GeometryParams describes the vehicle and scanner for the range geometry.
type GeometryParams struct {
	FrontHalfWidthDeg float64 // half-angle of the forward clearance cone
	MinGapM           float64 // a bucket is clear when its distance is at least this
	VehicleWidthM     float64
	ProbeDistanceM    float64 // distance at which the vehicle footprint is projected
	AcceptRatio       float64 // fraction of the window a run must fill to count as a gap
	YawDeg            float64 // raw scan angle that points straight ahead
}

// DefaultGeometryParams returns the geometry of the reference rover.
func DefaultGeometryParams() GeometryParams {
	return GeometryParams{
		FrontHalfWidthDeg: 35,
		MinGapM:           0.50,
		VehicleWidthM:     0.22,
		ProbeDistanceM:    0.30,
		AcceptRatio:       0.7,
		YawDeg:            0,
	}
}

// InForwardCone reports whether angleDeg lies in [360-h,360) ∪ [0,h] relative
// to forward.
func InForwardCone(angleDeg, halfWidthDeg, yawDeg float64) bool {
	rel := RelativeAngle(angleDeg, yawDeg)
	return rel >= 360-halfWidthDeg || rel <= halfWidthDeg
}

// FrontClearance returns the distance in meters to the closest echo in the
// forward cone, or NoObstacleM when the scan is empty or the cone holds no
// echo. Zero-distance readings are skipped: they mean "no return".
func FrontClearance(scan *Scan, p GeometryParams) float64 {
	if scan.Empty() {
		return NoObstacleM
	}
	best := math.Inf(1)
	for _, m := range scan.Measurements {
		if !m.Valid() || !InForwardCone(m.AngleDeg, p.FrontHalfWidthDeg, p.YawDeg) {
			continue
		}
		if d := m.DistanceM(); d < best {
			best = d
		}
	}
	if math.IsInf(best, 1) {
		return NoObstacleM
	}
	return best
}

// OccupancyProfile is the per-degree minimum distance (meters) of one scan,
// indexed by integer raw scan angle. Buckets without an echo hold +Inf.
type OccupancyProfile [360]float64

// BuildProfile folds a scan into an OccupancyProfile.
func BuildProfile(scan *Scan) OccupancyProfile {
	var p OccupancyProfile
	for i := range p {
		p[i] = math.Inf(1)
	}
	if scan == nil {
		return p
	}
	for _, m := range scan.Measurements {
		if !m.Valid() {
			continue
		}
		b := int(math.Floor(NormalizeAngle(m.AngleDeg)))
		if d := m.DistanceM(); d < p[b] {
			p[b] = d
		}
	}
	return p
}

// Clear reports whether bucket deg (wrapped) is at least minGapM away.
func (p *OccupancyProfile) Clear(deg int, minGapM float64) bool {
	return p[((deg%360)+360)%360] >= minGapM
}

// WindowWidth returns the angular footprint, in whole degrees, that a vehicle
// of the given width subtends at probeDistanceM: ceil(2·atan((w/2)/probe)).
// The result is kept within [1,360].
func WindowWidth(vehicleWidthM, probeDistanceM float64) int {
	if probeDistanceM <= 0 {
		return 360
	}
	deg := 2 * math.Atan((vehicleWidthM/2)/probeDistanceM) * 180 / math.Pi
	w := int(math.Ceil(deg))
	if w < 1 {
		w = 1
	}
	if w > 360 {
		w = 360
	}
	return w
}

// DetectGap searches the scan for the largest angularly contiguous free
// region wide enough for the vehicle. An empty scan has no gap, but a scan
// whose readings are all zero (no returns) is entirely clear and has one.
func DetectGap(scan *Scan, p GeometryParams) Gap {
	if scan.Empty() {
		return NoGap
	}
	profile := BuildProfile(scan)
	return profile.FindGap(p)
}

// FindGap slides a window of WindowWidth degrees over every start angle,
// wrapping at 360. For each start it counts the clear buckets from the start
// up to the first blocked one (the run never skips a blocker). The first
// start with the strictly longest run wins, so ties resolve to the lowest
// start angle. The winner is accepted only if its run covers AcceptRatio of
// the window; the result is the window centre (start + window/2) mod 360 in
// raw scan degrees.
func (o *OccupancyProfile) FindGap(p GeometryParams) Gap {
	win := WindowWidth(p.VehicleWidthM, p.ProbeDistanceM)

	bestStart, bestLen := 0, 0
	for start := 0; start < 360; start++ {
		run := 0
		for i := 0; i < win; i++ {
			if !o.Clear(start+i, p.MinGapM) {
				break
			}
			run++
		}
		if run > bestLen {
			bestStart, bestLen = start, run
			if bestLen == win {
				break // nothing can beat a full window
			}
		}
	}

	if float64(bestLen) < p.AcceptRatio*float64(win) || bestLen == 0 {
		return NoGap
	}
	return Gap{
		CenterDeg: float64((bestStart + win/2) % 360),
		Valid:     true,
	}
}
