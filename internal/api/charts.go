package api

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/selfdrive/internal/httputil"
	"github.com/banshee-data/selfdrive/internal/lidar"
)

// AttachAdminRoutes mounts the debug pages under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("scan-polar", "Latest scan (polar -> XY)", s.handleScanPolar)
}

// handleScanPolar renders the latest scan as an XY scatter in the vehicle
// frame (x right, y forward) with the gap bearing drawn as a ray.
func (s *Server) handleScanPolar(w http.ResponseWriter, r *http.Request) {
	scan := s.store.Snapshot()
	pts := lidar.Points(scan, s.geometry.YawDeg)

	data := make([]opts.ScatterData, 0, len(pts))
	maxAbs := 0.0
	for _, p := range pts {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	clearance := lidar.FrontClearance(scan, s.geometry)
	gap := lidar.DetectGap(scan, s.geometry)
	subtitle := fmt.Sprintf("seq=%d points=%d front=%s gap=%s", scan.Seq, len(pts), formatMeters(clearance), formatGap(gap))

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan (Polar->XY)", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Latest scan", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X right (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y forward (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("echoes", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	if gap.Valid {
		ray := make([]opts.ScatterData, 0, 10)
		for i := 1; i <= 10; i++ {
			p := lidar.PolarToCartesian(lidar.HeadingOffset(gap.CenterDeg, s.geometry.YawDeg), pad*float64(i)/10)
			ray = append(ray, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
		}
		scatter.AddSeries("gap", ray, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func formatMeters(m float64) string {
	if m >= lidar.NoObstacleM {
		return "clear"
	}
	return fmt.Sprintf("%.2fm", m)
}

func formatGap(g lidar.Gap) string {
	if !g.Valid {
		return "none"
	}
	return fmt.Sprintf("%.0f°", g.CenterDeg)
}
