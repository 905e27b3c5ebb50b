// Package api serves the pilot's read-only HTTP API and debug pages.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/selfdrive/internal/config"
	"github.com/banshee-data/selfdrive/internal/db"
	"github.com/banshee-data/selfdrive/internal/httputil"
	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/pilot"
	"github.com/banshee-data/selfdrive/internal/units"
	"github.com/banshee-data/selfdrive/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options wires the server to the running pilot. DB may be nil when the run
// log is disabled.
type Options struct {
	Loop   *pilot.Loop
	Config *config.TuningConfig
	DB     *db.DB
	Mode   string
	Units  string
	RunID  string

	// Extras are reported under "links" in /api/status, keyed by name.
	Extras map[string]func() any
}

type Server struct {
	loop     *pilot.Loop
	store    *lidar.Store
	cfg      *config.TuningConfig
	geometry lidar.GeometryParams
	db       *db.DB
	mode     string
	units    string
	runID    string
	extras   map[string]func() any
	started  time.Time
}

func NewServer(o Options) *Server {
	cfg := o.Config
	if cfg == nil {
		cfg = config.EmptyTuningConfig()
	}
	u := o.Units
	if !units.IsValid(u) {
		u = units.M
	}
	return &Server{
		loop:     o.Loop,
		store:    o.Loop.Store(),
		cfg:      cfg,
		geometry: cfg.Geometry(),
		db:       o.DB,
		mode:     o.Mode,
		units:    u,
		runID:    o.RunID,
		extras:   o.Extras,
		started:  time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.getOnly(s.showStatus))
	mux.HandleFunc("/api/scan", s.getOnly(s.showScan))
	mux.HandleFunc("/api/scan/grid", s.getOnly(s.showGrid))
	mux.HandleFunc("/api/config", s.getOnly(s.showConfig))
	mux.HandleFunc("/api/runs", s.getOnly(s.listRuns))
	mux.HandleFunc("/api/runs/cycles", s.getOnly(s.listCycles))
	return mux
}

func (s *Server) getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		h(w, r)
	}
}

// requestUnits returns the units query parameter or the server default.
func (s *Server) requestUnits(r *http.Request) (string, error) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, nil
	}
	if !units.IsValid(u) {
		return "", fmt.Errorf("invalid units %q: expected one of %s", u, units.GetValidUnitsString())
	}
	return u, nil
}

// distance converts meters for output, keeping the no-obstacle sentinel
// recognisable as null.
func distance(m float64, u string) *float64 {
	if m >= lidar.NoObstacleM {
		return nil
	}
	v := units.ConvertDistance(m, u)
	return &v
}

type statusResponse struct {
	Mode           string         `json:"mode"`
	Version        string         `json:"version"`
	GitSHA         string         `json:"git_sha"`
	RunID          string         `json:"run_id,omitempty"`
	Uptime         string         `json:"uptime"`
	Units          string         `json:"units"`
	FrontClearance *float64       `json:"front_clearance"`
	Pilot          pilot.Status   `json:"pilot"`
	Links          map[string]any `json:"links,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	st := s.loop.Status()
	resp := statusResponse{
		Mode:    s.mode,
		Version: version.Version,
		GitSHA:  version.GitSHA,
		RunID:   s.runID,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Units:   u,
		Pilot:   st,
	}
	if st.Last != nil {
		resp.FrontClearance = distance(st.Last.FrontClearanceM, u)
	}
	if len(s.extras) > 0 {
		resp.Links = make(map[string]any, len(s.extras))
		for name, f := range s.extras {
			resp.Links[name] = f()
		}
	}
	httputil.WriteJSONOK(w, resp)
}

type scanPoint struct {
	AngleDeg float64 `json:"angle_deg"`
	Distance float64 `json:"distance"`
	Quality  uint8   `json:"quality"`
}

type scanResponse struct {
	Seq            uint64      `json:"seq"`
	AcquiredAt     *time.Time  `json:"acquired_at,omitempty"`
	Units          string      `json:"units"`
	Measurements   int         `json:"measurements"`
	FrontClearance *float64    `json:"front_clearance"`
	Gap            lidar.Gap   `json:"gap"`
	Points         []scanPoint `json:"points"`
}

func (s *Server) showScan(w http.ResponseWriter, r *http.Request) {
	u, err := s.requestUnits(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	scan := s.store.Snapshot()
	resp := scanResponse{
		Seq:            scan.Seq,
		Units:          u,
		Measurements:   scan.Len(),
		FrontClearance: distance(lidar.FrontClearance(scan, s.geometry), u),
		Gap:            lidar.DetectGap(scan, s.geometry),
		Points:         make([]scanPoint, 0, scan.Len()),
	}
	if !scan.AcquiredAt.IsZero() {
		t := scan.AcquiredAt
		resp.AcquiredAt = &t
	}
	for _, m := range scan.Measurements {
		if !m.Valid() {
			continue
		}
		resp.Points = append(resp.Points, scanPoint{
			AngleDeg: m.AngleDeg,
			Distance: units.ConvertDistance(m.DistanceM(), u),
			Quality:  m.Quality,
		})
	}
	httputil.WriteJSONOK(w, resp)
}

type gridResponse struct {
	Seq         uint64   `json:"seq"`
	Cols        int      `json:"cols"`
	Rows        int      `json:"rows"`
	ResolutionM float64  `json:"resolution_m"`
	Occupied    int      `json:"occupied"`
	Cells       []string `json:"cells"` // one string per row, far row first; '#' occupied
}

func (s *Server) showGrid(w http.ResponseWriter, r *http.Request) {
	p := lidar.DefaultGridParams()
	p.YawDeg = s.geometry.YawDeg
	if v := r.URL.Query().Get("resolution_m"); v != "" {
		res, err := strconv.ParseFloat(v, 64)
		if err != nil || res < 0.005 || res > 0.5 {
			httputil.BadRequest(w, "resolution_m must be between 0.005 and 0.5")
			return
		}
		p.ResolutionM = res
	}
	scan := s.store.Snapshot()
	g := lidar.BuildGrid(scan, p)
	resp := gridResponse{
		Seq:         scan.Seq,
		Cols:        g.Cols,
		Rows:        g.Rows,
		ResolutionM: g.ResolutionM,
		Occupied:    g.Occupied(),
		Cells:       make([]string, g.Rows),
	}
	row := make([]byte, g.Cols)
	for y := 0; y < g.Rows; y++ {
		for x := 0; x < g.Cols; x++ {
			row[x] = '.'
			if g.At(x, y) != 0 {
				row[x] = '#'
			}
		}
		resp.Cells[y] = string(row)
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{
		"units":  s.units,
		"mode":   s.mode,
		"tuning": s.cfg.Effective(),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "run log disabled")
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := s.db.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) listCycles(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "run log disabled")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}
	limit, err := intParam(r, "limit", 1000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	after, err := intParam(r, "after", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	cycles, err := s.db.Cycles(r.Context(), runID, uint64(after), limit)
	switch {
	case errors.Is(err, db.ErrRunNotFound):
		httputil.NotFound(w, err.Error())
		return
	case err != nil:
		httputil.InternalServerError(w, fmt.Sprintf("failed to list cycles: %v", err))
		return
	}
	if cycles == nil {
		cycles = []pilot.Cycle{}
	}
	httputil.WriteJSONOK(w, cycles)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
