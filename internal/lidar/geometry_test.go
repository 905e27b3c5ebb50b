package lidar

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// scanWith builds a scan with one measurement per integer degree where dist
// returns the distance in mm for that degree.
func scanWith(dist func(deg int) float64) *Scan {
	ms := make([]Measurement, 0, 360)
	for d := 0; d < 360; d++ {
		ms = append(ms, Measurement{Quality: 15, AngleDeg: float64(d), DistanceMM: dist(d)})
	}
	return NewScan(ms, time.Unix(0, 0))
}

// clearBetween returns a distance function that is 2 m inside [lo,hi] and
// 0.3 m (blocked) elsewhere.
func clearBetween(lo, hi int) func(int) float64 {
	return func(d int) float64 {
		if d >= lo && d <= hi {
			return 2000
		}
		return 300
	}
}

func TestFrontClearance(t *testing.T) {
	p := DefaultGeometryParams()

	tests := []struct {
		name string
		scan *Scan
		yaw  float64
		want float64
	}{
		{"nil scan", nil, 0, NoObstacleM},
		{"empty scan", &Scan{}, 0, NoObstacleM},
		{"all zero distances", scanWith(func(int) float64 { return 0 }), 0, NoObstacleM},
		{"single point ahead", NewScan([]Measurement{{AngleDeg: 0, DistanceMM: 1500}}, time.Time{}), 0, 1.5},
		{"edge of cone right", NewScan([]Measurement{{AngleDeg: 35, DistanceMM: 700}}, time.Time{}), 0, 0.7},
		{"edge of cone left", NewScan([]Measurement{{AngleDeg: 325, DistanceMM: 900}}, time.Time{}), 0, 0.9},
		{"just outside cone", NewScan([]Measurement{{AngleDeg: 36, DistanceMM: 100}}, time.Time{}), 0, NoObstacleM},
		{"behind", NewScan([]Measurement{{AngleDeg: 180, DistanceMM: 100}}, time.Time{}), 0, NoObstacleM},
		{"minimum wins", NewScan([]Measurement{
			{AngleDeg: 10, DistanceMM: 2000},
			{AngleDeg: 350, DistanceMM: 800},
			{AngleDeg: 0, DistanceMM: 0},
		}, time.Time{}), 0, 0.8},
		{"yawed scanner sees behind as forward", NewScan([]Measurement{
			{AngleDeg: 180, DistanceMM: 400},
			{AngleDeg: 0, DistanceMM: 100},
		}, time.Time{}), 180, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p.YawDeg = tt.yaw
			got := FrontClearance(tt.scan, p)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("FrontClearance() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildProfile(t *testing.T) {
	scan := NewScan([]Measurement{
		{AngleDeg: 10.2, DistanceMM: 1200},
		{AngleDeg: 10.9, DistanceMM: 900},
		{AngleDeg: 359.99, DistanceMM: 500},
		{AngleDeg: 20, DistanceMM: 0},
	}, time.Time{})

	p := BuildProfile(scan)
	assert.InDelta(t, 0.9, p[10], 1e-9)
	assert.InDelta(t, 0.5, p[359], 1e-9)
	assert.True(t, math.IsInf(p[20], 1), "zero distance must leave the bucket empty")
	assert.True(t, math.IsInf(p[0], 1))
}

func TestWindowWidth(t *testing.T) {
	assert.Equal(t, 41, WindowWidth(0.22, 0.30))
	assert.Equal(t, 360, WindowWidth(0.22, 0))
	assert.Equal(t, 1, WindowWidth(0, 1))
}

func TestDetectGap_NoReturnsIsClearNotEmpty(t *testing.T) {
	silent := scanWith(func(int) float64 { return 0 })
	p := DefaultGeometryParams()

	assert.False(t, silent.Empty(), "zero readings still make a scan")
	profile := BuildProfile(silent)
	for d, v := range profile {
		if !math.IsInf(v, 1) {
			t.Fatalf("bucket %d = %v, want +Inf", d, v)
		}
	}
	assert.Equal(t, NoObstacleM, FrontClearance(silent, p))
	assert.True(t, DetectGap(silent, p).Valid)
	assert.False(t, DetectGap(&Scan{}, p).Valid)
}

func TestDetectGap(t *testing.T) {
	p := DefaultGeometryParams()

	tests := []struct {
		name string
		scan *Scan
		want Gap
	}{
		{"empty scan", &Scan{}, NoGap},
		{"nil scan", nil, NoGap},
		{"all blocked", scanWith(func(int) float64 { return 300 }), NoGap},
		{"all clear", scanWith(func(int) float64 { return 5000 }), Gap{CenterDeg: 20, Valid: true}},
		{"no echoes anywhere", scanWith(func(int) float64 { return 0 }), Gap{CenterDeg: 20, Valid: true}},
		{"single opening", scanWith(clearBetween(80, 139)), Gap{CenterDeg: 100, Valid: true}},
		{"partial run accepted", scanWith(clearBetween(100, 128)), Gap{CenterDeg: 120, Valid: true}},
		{"partial run too short", scanWith(clearBetween(100, 127)), NoGap},
		{"tie goes to lowest start", scanWith(func(d int) float64 {
			if (d >= 10 && d <= 59) || (d >= 200 && d <= 259) {
				return 2000
			}
			return 100
		}), Gap{CenterDeg: 30, Valid: true}},
		{"opening across zero", scanWith(func(d int) float64 {
			if d >= 340 || d <= 30 {
				return 2000
			}
			return 100
		}), Gap{CenterDeg: 0, Valid: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectGap(tt.scan, p)
			if got != tt.want {
				t.Errorf("DetectGap() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDetectGapDeterministic(t *testing.T) {
	p := DefaultGeometryParams()
	scan := scanWith(func(d int) float64 { return float64(300 + (d*37)%2000) })
	first := DetectGap(scan, p)
	for i := 0; i < 10; i++ {
		if got := DetectGap(scan, p); got != first {
			t.Fatalf("run %d: DetectGap() = %+v, want %+v", i, got, first)
		}
	}
}

func TestHeadingOffset(t *testing.T) {
	tests := []struct {
		deg, yaw, want float64
	}{
		{0, 0, 0},
		{45, 0, 45},
		{315, 0, -45},
		{180, 0, 180},
		{225, 180, 45},
		{135, 180, -45},
		{-10, 0, -10},
		{370, 0, 10},
	}
	for _, tt := range tests {
		if got := HeadingOffset(tt.deg, tt.yaw); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("HeadingOffset(%v, %v) = %v, want %v", tt.deg, tt.yaw, got, tt.want)
		}
	}
}

func TestNormalizeAngle(t *testing.T) {
	assert.InDelta(t, 0, NormalizeAngle(360), 1e-12)
	assert.InDelta(t, 350, NormalizeAngle(-10), 1e-12)
	assert.InDelta(t, 1, NormalizeAngle(721), 1e-12)
}
