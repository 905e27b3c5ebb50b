// Package pilot runs the fixed-period control loop that fuses the latest
// scan with the latest classification and drives the actuator.
package pilot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/selfdrive/internal/actuation"
	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/timeutil"
	"github.com/banshee-data/selfdrive/internal/vision"
)

var logf = monitoring.Prefixed("[pilot] ")

// ErrAcquisitionTimeout is returned by Run when the acquisition task does not
// release the scanner within Config.ShutdownTimeout.
var ErrAcquisitionTimeout = errors.New("pilot: acquisition did not stop in time")

// durationWindow is how many recent cycle durations feed the timing stats.
const durationWindow = 256

// Config holds the loop timing and the decision parameters.
type Config struct {
	Period          time.Duration
	ScanStaleAfter  time.Duration
	ShutdownTimeout time.Duration
	Geometry        lidar.GeometryParams
	Policy          fusion.Policy

	// ConsoleEvery prints a status line every N cycles; 0 disables it.
	ConsoleEvery int

	Clock timeutil.Clock
}

// DefaultConfig returns a 20 Hz loop with the reference thresholds.
func DefaultConfig() Config {
	return Config{
		Period:          50 * time.Millisecond,
		ScanStaleAfter:  500 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		Geometry:        lidar.DefaultGeometryParams(),
		Policy:          fusion.DefaultPolicy(),
	}
}

// Cycle is the record of one loop iteration.
type Cycle struct {
	Seq             uint64              `json:"seq"`
	At              time.Time           `json:"at"`
	State           fusion.VehicleState `json:"state"`
	Light           fusion.LightColor   `json:"light"`
	LaneError       float64             `json:"lane_error"`
	FrontClearanceM float64             `json:"front_clearance_m"`
	Gap             lidar.Gap           `json:"gap"`
	Steer           float64             `json:"steer"`
	Throttle        float64             `json:"throttle"`
	FailSafe        bool                `json:"fail_safe"`
	GapSteer        bool                `json:"gap_steer"`
	Reason          string              `json:"reason,omitempty"`
	ScanSeq         uint64              `json:"scan_seq"`
	Duration        time.Duration       `json:"duration_ns"`
}

// Sink receives every completed cycle. Publish is called from the loop
// goroutine and must not block.
type Sink interface {
	Publish(c Cycle)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(c Cycle)

func (f SinkFunc) Publish(c Cycle) { f(c) }

// Stats summarises the loop so far.
type Stats struct {
	Cycles         uint64  `json:"cycles"`
	Overruns       uint64  `json:"overruns"`
	FailSafeCycles uint64  `json:"fail_safe_cycles"`
	ActuatorErrors uint64  `json:"actuator_errors"`
	MeanCycleMs    float64 `json:"mean_cycle_ms"`
	StdDevCycleMs  float64 `json:"stddev_cycle_ms"`
}

// Status is the loop state as served by the API.
type Status struct {
	State         fusion.VehicleState `json:"state"`
	LightHalt     bool                `json:"light_halt"`
	ObstacleHalt  bool                `json:"obstacle_halt"`
	Stats         Stats               `json:"stats"`
	Last          *Cycle              `json:"last,omitempty"`
	ScanAge       string              `json:"scan_age,omitempty"`
	ScansReceived uint64              `json:"scans_received"`
}

// Loop is the control loop. Step and Run are called from one goroutine;
// Status may be called from any.
type Loop struct {
	cfg        Config
	clock      timeutil.Clock
	store      *lidar.Store
	classifier vision.Classifier
	actuator   actuation.Actuator
	engine     *fusion.Engine
	sinks      []Sink

	mu           sync.RWMutex
	seq          uint64
	last         *Cycle
	lightHalt    bool
	obstacleHalt bool
	stats        Stats
	durations    []float64
	durNext      int
}

// New returns a loop reading store and classifier and driving actuator.
func New(cfg Config, store *lidar.Store, classifier vision.Classifier, actuator actuation.Actuator, sinks ...Sink) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if store == nil {
		store = lidar.NewStore()
	}
	return &Loop{
		cfg:        cfg,
		clock:      cfg.Clock,
		store:      store,
		classifier: classifier,
		actuator:   actuator,
		engine:     fusion.NewEngine(cfg.Policy),
		sinks:      sinks,
	}
}

// AddSink registers another cycle sink. It must be called before Run.
func (l *Loop) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Store returns the scan store the loop reads.
func (l *Loop) Store() *lidar.Store { return l.store }

// Config returns the loop configuration.
func (l *Loop) Config() Config { return l.cfg }

// snapshot gathers this cycle's sensor inputs.
func (l *Loop) snapshot(now time.Time) (fusion.SensorSnapshot, uint64) {
	var snap fusion.SensorSnapshot
	var reasons []string

	c, err := l.classifier.Classify(now)
	switch {
	case err == nil:
		snap.ClassifierFresh = true
		snap.LaneError = c.LaneError
		snap.Light = c.Light
		snap.ObstacleFlag = c.Obstacle
	default:
		reasons = append(reasons, err.Error())
	}

	scan := l.store.Snapshot()
	snap.FrontClearanceM = lidar.FrontClearance(scan, l.cfg.Geometry)
	snap.Gap = lidar.DetectGap(scan, l.cfg.Geometry)
	age, ok := l.store.Age(now)
	switch {
	case !ok:
		if !l.cfg.Policy.VisionOnly {
			reasons = append(reasons, "no scan received")
		}
	case l.cfg.ScanStaleAfter > 0 && age > l.cfg.ScanStaleAfter:
		if !l.cfg.Policy.VisionOnly {
			reasons = append(reasons, fmt.Sprintf("scan stale: %v old", age.Round(time.Millisecond)))
		}
	default:
		snap.ScanFresh = true
	}
	snap.FailReason = strings.Join(reasons, "; ")
	return snap, scan.Seq
}

// Step runs one cycle at now: gather inputs, decide, actuate and publish.
func (l *Loop) Step(now time.Time) Cycle {
	snap, scanSeq := l.snapshot(now)
	d := l.engine.Step(&snap)
	lightHalt, obstacleHalt := l.engine.Halts()

	actErr := l.actuator.Apply(d.Command)

	l.mu.Lock()
	l.seq++
	c := Cycle{
		Seq:             l.seq,
		At:              now,
		State:           d.State,
		Light:           snap.Light,
		LaneError:       snap.LaneError,
		FrontClearanceM: snap.FrontClearanceM,
		Gap:             snap.Gap,
		Steer:           d.Command.Steer,
		Throttle:        d.Command.Throttle,
		FailSafe:        d.FailSafe,
		GapSteer:        d.GapSteer,
		Reason:          d.Reason,
		ScanSeq:         scanSeq,
		Duration:        l.clock.Since(now),
	}
	l.recordLocked(c, actErr != nil)
	l.last = &c
	l.lightHalt, l.obstacleHalt = lightHalt, obstacleHalt
	l.mu.Unlock()

	if actErr != nil {
		if n := l.Stats().ActuatorErrors; n == 1 || n%100 == 0 {
			logf("actuator error (%d so far): %v", n, actErr)
		}
	}
	if l.cfg.ConsoleEvery > 0 && c.Seq%uint64(l.cfg.ConsoleEvery) == 0 {
		logf("%s", ConsoleLine(c))
	}
	for _, s := range l.sinks {
		s.Publish(c)
	}
	return c
}

func (l *Loop) recordLocked(c Cycle, actErr bool) {
	l.stats.Cycles++
	if c.FailSafe {
		l.stats.FailSafeCycles++
	}
	if actErr {
		l.stats.ActuatorErrors++
	}
	if c.Duration > l.cfg.Period {
		l.stats.Overruns++
	}
	ms := float64(c.Duration) / float64(time.Millisecond)
	if len(l.durations) < durationWindow {
		l.durations = append(l.durations, ms)
	} else {
		l.durations[l.durNext] = ms
		l.durNext = (l.durNext + 1) % durationWindow
	}
}

// Stats returns the loop counters and recent cycle timing.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.stats
	switch len(l.durations) {
	case 0:
	case 1:
		s.MeanCycleMs = l.durations[0]
	default:
		s.MeanCycleMs, s.StdDevCycleMs = stat.MeanStdDev(l.durations, nil)
	}
	return s
}

// Status returns the current engine state, stats and last cycle.
func (l *Loop) Status() Status {
	st := Status{Stats: l.Stats(), ScansReceived: l.store.Published()}
	l.mu.RLock()
	if l.last != nil {
		c := *l.last
		st.Last = &c
		st.State = c.State
	}
	st.LightHalt, st.ObstacleHalt = l.lightHalt, l.obstacleHalt
	l.mu.RUnlock()
	if age, ok := l.store.Age(l.clock.Now()); ok {
		st.ScanAge = age.Round(time.Millisecond).String()
	}
	return st
}

// Run steps the loop every period until ctx is done or the store's stop flag
// is set. On the way out it sends a final stop, asks acquisition to stop and
// waits for acquisitionDone (if not nil) to close.
func (l *Loop) Run(ctx context.Context, acquisitionDone <-chan struct{}) error {
	ticker := l.clock.NewTicker(l.cfg.Period)
	defer ticker.Stop()

	logf("control loop running every %v", l.cfg.Period)
	for ctx.Err() == nil && !l.store.Stopped() {
		l.Step(l.clock.Now())
		select {
		case <-ctx.Done():
		case <-ticker.C():
		}
	}
	return l.shutdown(acquisitionDone)
}

func (l *Loop) shutdown(acquisitionDone <-chan struct{}) error {
	var errs []error
	if err := l.actuator.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("final stop: %w", err))
	}
	l.store.RequestStop()

	if acquisitionDone != nil {
		timeout := l.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = DefaultConfig().ShutdownTimeout
		}
		select {
		case <-acquisitionDone:
		case <-time.After(timeout):
			errs = append(errs, ErrAcquisitionTimeout)
		}
	}
	st := l.Stats()
	logf("control loop stopped after %d cycles (%d fail-safe, %d overruns)", st.Cycles, st.FailSafeCycles, st.Overruns)
	return errors.Join(errs...)
}

// ConsoleLine renders a cycle as a one-line status.
func ConsoleLine(c Cycle) string {
	gap := "none"
	if c.Gap.Valid {
		gap = fmt.Sprintf("%.0f°", c.Gap.CenterDeg)
	}
	front := "inf"
	if c.FrontClearanceM < lidar.NoObstacleM && !math.IsNaN(c.FrontClearanceM) {
		front = fmt.Sprintf("%.2fm", c.FrontClearanceM)
	}
	line := fmt.Sprintf("state=%s front=%s gap=%s lane=%+.2f steer=%+.2f throttle=%.2f",
		c.State, front, gap, c.LaneError, c.Steer, c.Throttle)
	if c.FailSafe {
		line += " fail-safe=" + c.Reason
	}
	return line
}
