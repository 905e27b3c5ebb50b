package main

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"os"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/banshee-data/selfdrive/internal/db"
	"github.com/banshee-data/selfdrive/internal/pilot"
)

// Series holds one run's traces against seconds since its first cycle.
type Series struct {
	Clearance plotter.XYs
	Steer     plotter.XYs
	Throttle  plotter.XYs
	FailSafe  plotter.XYs
}

func (s *Series) Len() int { return len(s.Steer) }

// buildSeries clips clearance to maxClearance so the no-obstacle sentinel
// does not flatten the plot.
func buildSeries(cycles []pilot.Cycle, maxClearance float64) *Series {
	s := &Series{
		Clearance: make(plotter.XYs, 0, len(cycles)),
		Steer:     make(plotter.XYs, 0, len(cycles)),
		Throttle:  make(plotter.XYs, 0, len(cycles)),
	}
	if len(cycles) == 0 {
		return s
	}
	t0 := cycles[0].At
	for _, c := range cycles {
		x := c.At.Sub(t0).Seconds()
		clr := c.FrontClearanceM
		if math.IsNaN(clr) || clr > maxClearance {
			clr = maxClearance
		}
		s.Clearance = append(s.Clearance, plotter.XY{X: x, Y: clr})
		s.Steer = append(s.Steer, plotter.XY{X: x, Y: c.Steer})
		s.Throttle = append(s.Throttle, plotter.XY{X: x, Y: c.Throttle})
		if c.FailSafe {
			s.FailSafe = append(s.FailSafe, plotter.XY{X: x, Y: 0})
		}
	}
	return s
}

func loadSeries(ctx context.Context, d *db.DB, runID string, maxClearance float64) (*Series, error) {
	var all []pilot.Cycle
	var after uint64
	for {
		page, err := d.Cycles(ctx, runID, after, cycleLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < cycleLimit {
			break
		}
		after = page[len(page)-1].Seq
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("run %s has no cycles", runID)
	}
	return buildSeries(all, maxClearance), nil
}

func addLine(p *plot.Plot, name string, pts plotter.XYs, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("%s line: %w", name, err)
	}
	l.Color = c
	l.Width = vg.Points(1)
	p.Add(l)
	p.Legend.Add(name, l)
	return nil
}

// render draws clearance above and the commands below, sharing the time axis.
func render(s *Series, title, path string) error {
	top := plot.New()
	top.Title.Text = title
	top.Y.Label.Text = "front clearance (m)"
	top.Add(plotter.NewGrid())
	if err := addLine(top, "clearance", s.Clearance, color.RGBA{R: 31, G: 119, B: 180, A: 255}); err != nil {
		return err
	}
	if len(s.FailSafe) > 0 {
		sc, err := plotter.NewScatter(s.FailSafe)
		if err != nil {
			return fmt.Errorf("fail-safe markers: %w", err)
		}
		sc.GlyphStyle.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		sc.GlyphStyle.Radius = vg.Points(1.5)
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		top.Add(sc)
		top.Legend.Add("fail-safe", sc)
	}
	top.Legend.Top = true

	bottom := plot.New()
	bottom.X.Label.Text = "time (s)"
	bottom.Y.Label.Text = "command"
	bottom.Y.Min, bottom.Y.Max = -1.05, 1.05
	bottom.Add(plotter.NewGrid())
	if err := addLine(bottom, "steer", s.Steer, color.RGBA{R: 255, G: 127, B: 14, A: 255}); err != nil {
		return err
	}
	if err := addLine(bottom, "throttle", s.Throttle, color.RGBA{R: 44, G: 160, B: 44, A: 255}); err != nil {
		return err
	}
	bottom.Legend.Top = true
	top.X.Min, top.X.Max = bottom.X.Min, bottom.X.Max

	const w, h = 14 * vg.Inch, 8 * vg.Inch
	img := vgimg.New(w, h)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Points(8), PadX: vg.Points(8), PadTop: vg.Points(4), PadBottom: vg.Points(4)}
	canvases := plot.Align([][]*plot.Plot{{top}, {bottom}}, tiles, dc)
	top.Draw(canvases[0][0])
	bottom.Draw(canvases[1][0])

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
