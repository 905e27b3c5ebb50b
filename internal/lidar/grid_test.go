package lidar

import (
	"math"
	"testing"
	"time"
)

func TestPolarToCartesian(t *testing.T) {
	p := PolarToCartesian(90, 2)
	if math.Abs(p.X-2) > 1e-9 || math.Abs(p.Y) > 1e-9 {
		t.Errorf("PolarToCartesian(90, 2) = %+v, want (2, 0)", p)
	}
	p = PolarToCartesian(0, 1.5)
	if math.Abs(p.X) > 1e-9 || math.Abs(p.Y-1.5) > 1e-9 {
		t.Errorf("PolarToCartesian(0, 1.5) = %+v, want (0, 1.5)", p)
	}
}

func TestBuildGrid(t *testing.T) {
	scan := NewScan([]Measurement{
		{AngleDeg: 0, DistanceMM: 1010},  // straight ahead
		{AngleDeg: 90, DistanceMM: 510},  // to the right, level with the car
		{AngleDeg: 180, DistanceMM: 500}, // behind, outside the grid
		{AngleDeg: 0, DistanceMM: 3000},  // too far
		{AngleDeg: 45, DistanceMM: 0},    // no echo
	}, time.Time{})

	g := BuildGrid(scan, DefaultGridParams())
	if g.Cols != 100 || g.Rows != 100 {
		t.Fatalf("grid = %dx%d, want 100x100", g.Cols, g.Rows)
	}
	if got := g.Occupied(); got != 2 {
		t.Errorf("Occupied() = %d, want 2", got)
	}
	if g.At(50, 49) != 1 {
		t.Error("expected cell (50,49) to be occupied")
	}
	if g.At(75, 99) != 1 {
		t.Error("expected cell (75,99) to be occupied")
	}
	if g.At(-1, 0) != 0 || g.At(0, 1000) != 0 {
		t.Error("out of range cells must read as free")
	}
}

func TestBuildGridYaw(t *testing.T) {
	scan := NewScan([]Measurement{{AngleDeg: 180, DistanceMM: 1010}}, time.Time{})
	p := DefaultGridParams()
	p.YawDeg = 180
	g := BuildGrid(scan, p)
	if g.At(50, 49) != 1 {
		t.Error("with the scanner mounted backwards, 180° should land straight ahead")
	}
}

func TestBuildGridEmpty(t *testing.T) {
	g := BuildGrid(nil, GridParams{WidthM: 1, HeightM: 1, ResolutionM: 0})
	if g.Occupied() != 0 {
		t.Errorf("Occupied() = %d, want 0", g.Occupied())
	}
	if g.ResolutionM != DefaultGridParams().ResolutionM {
		t.Errorf("ResolutionM = %v, want default", g.ResolutionM)
	}
}
