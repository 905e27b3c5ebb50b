package lidar

import (
	"math"

	"github.com/golang/geo/r2"
)

// GridParams sizes a local occupancy grid around the vehicle.
type GridParams struct {
	WidthM      float64
	HeightM     float64
	ResolutionM float64
	YawDeg      float64
}

// DefaultGridParams returns a 2 m × 2 m grid at 2 cm resolution.
func DefaultGridParams() GridParams {
	return GridParams{WidthM: 2.0, HeightM: 2.0, ResolutionM: 0.02}
}

// Grid is a row-major occupancy grid. The vehicle sits at the bottom centre
// cell; row 0 is the far edge ahead of it.
type Grid struct {
	Cols        int     `json:"cols"`
	Rows        int     `json:"rows"`
	ResolutionM float64 `json:"resolution_m"`
	Cells       []uint8 `json:"cells"` // 1 = at least one echo in the cell
}

// At returns the occupancy of a cell, 0 outside the grid.
func (g *Grid) At(col, row int) uint8 {
	if col < 0 || row < 0 || col >= g.Cols || row >= g.Rows {
		return 0
	}
	return g.Cells[row*g.Cols+col]
}

// Occupied counts the occupied cells.
func (g *Grid) Occupied() int {
	n := 0
	for _, c := range g.Cells {
		if c != 0 {
			n++
		}
	}
	return n
}

// PolarToCartesian converts a forward-relative clockwise angle and a distance
// into vehicle coordinates: X to the right, Y forward.
func PolarToCartesian(relAngleDeg, distanceM float64) r2.Point {
	rad := relAngleDeg * math.Pi / 180
	return r2.Point{X: distanceM * math.Sin(rad), Y: distanceM * math.Cos(rad)}
}

// Points returns every echo of the scan in vehicle coordinates.
func Points(scan *Scan, yawDeg float64) []r2.Point {
	if scan == nil {
		return nil
	}
	pts := make([]r2.Point, 0, len(scan.Measurements))
	for _, m := range scan.Measurements {
		if !m.Valid() {
			continue
		}
		pts = append(pts, PolarToCartesian(RelativeAngle(m.AngleDeg, yawDeg), m.DistanceM()))
	}
	return pts
}

// BuildGrid rasterises the echoes of a scan that fall inside the grid area.
func BuildGrid(scan *Scan, p GridParams) *Grid {
	if p.ResolutionM <= 0 {
		p.ResolutionM = DefaultGridParams().ResolutionM
	}
	cols := int(math.Round(p.WidthM / p.ResolutionM))
	rows := int(math.Round(p.HeightM / p.ResolutionM))
	g := &Grid{Cols: cols, Rows: rows, ResolutionM: p.ResolutionM, Cells: make([]uint8, cols*rows)}
	if cols == 0 || rows == 0 {
		return g
	}

	area := r2.RectFromPoints(r2.Point{X: -p.WidthM / 2, Y: 0}, r2.Point{X: p.WidthM / 2, Y: p.HeightM})
	cx := cols / 2
	cy := rows - 1
	for _, pt := range Points(scan, p.YawDeg) {
		if !area.ContainsPoint(pt) {
			continue
		}
		col := cx + int(math.Floor(pt.X/p.ResolutionM))
		row := cy - int(math.Floor(pt.Y/p.ResolutionM))
		if col < 0 || col >= cols || row < 0 || row >= rows {
			continue
		}
		g.Cells[row*cols+col] = 1
	}
	return g
}
