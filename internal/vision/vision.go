// Package vision receives the camera co-processor's per-frame
// classifications and serves the latest one to the control loop.
package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/serialmux"
	"github.com/banshee-data/selfdrive/internal/timeutil"
)

var (
	// ErrNoClassification means no frame has been received yet.
	ErrNoClassification = errors.New("vision: no classification received")
	// ErrStale means the latest frame is older than the staleness window.
	ErrStale = errors.New("vision: classification stale")
)

var logf = monitoring.Prefixed("[vision] ")

// Classification is the classifier's verdict on one frame.
type Classification struct {
	Seq        uint64            `json:"seq"`
	LaneError  float64           `json:"lane_error"` // [-1,1], positive means steer right
	Light      fusion.LightColor `json:"light"`
	Obstacle   bool              `json:"obstacle"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Classifier supplies the latest classification as of now.
type Classifier interface {
	Classify(now time.Time) (Classification, error)
}

type wireFrame struct {
	LaneError *float64 `json:"lane_error"`
	Light     string   `json:"light"`
	Obstacle  bool     `json:"obstacle"`
}

// ParseClassification decodes one JSON line from the co-processor, e.g.
// {"lane_error":0.12,"light":"red","obstacle":false}. The lane error is
// clamped to [-1,1]; a missing lane error reads as 0.
func ParseClassification(line string) (Classification, error) {
	var w wireFrame
	dec := json.NewDecoder(strings.NewReader(line))
	if err := dec.Decode(&w); err != nil {
		return Classification{}, fmt.Errorf("vision: decode frame: %w", err)
	}
	light, err := fusion.ParseLightColor(w.Light)
	if err != nil {
		return Classification{}, fmt.Errorf("vision: %w", err)
	}
	var lane float64
	if w.LaneError != nil {
		lane = *w.LaneError
		if math.IsNaN(lane) || math.IsInf(lane, 0) {
			return Classification{}, fmt.Errorf("vision: lane error %v is not finite", lane)
		}
		lane = math.Max(-1, math.Min(1, lane))
	}
	return Classification{LaneError: lane, Light: light, Obstacle: w.Obstacle}, nil
}

// FeedStats counts what a Feed has seen.
type FeedStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Ignored  uint64 `json:"ignored"`
}

// Feed keeps the most recent classification received over a serial link.
// Ingest and Classify may be called from different goroutines.
type Feed struct {
	staleAfter time.Duration
	clock      timeutil.Clock

	latest   atomic.Pointer[Classification]
	seq      atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
	ignored  atomic.Uint64
}

// NewFeed returns a Feed whose classifications go stale after staleAfter.
// A non-positive staleAfter disables the staleness check.
func NewFeed(staleAfter time.Duration, clock timeutil.Clock) *Feed {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Feed{staleAfter: staleAfter, clock: clock}
}

var _ Classifier = (*Feed)(nil)

// Ingest handles one line from the link. Lines that are not classifier
// frames are counted and ignored.
func (f *Feed) Ingest(line string) error {
	if serialmux.ClassifyPayload(line) != serialmux.EventTypeClassification {
		f.ignored.Add(1)
		return nil
	}
	c, err := ParseClassification(line)
	if err != nil {
		f.rejected.Add(1)
		return err
	}
	c.Seq = f.seq.Add(1)
	c.ReceivedAt = f.clock.Now()
	f.latest.Store(&c)
	f.accepted.Add(1)
	return nil
}

// Run subscribes to mux and ingests lines until ctx is done or the mux
// closes the subscription.
func (f *Feed) Run(ctx context.Context, mux serialmux.SerialMuxInterface) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := f.Ingest(line); err != nil {
				monitoring.Debugf("[vision] rejected %q: %v", line, err)
				if n := f.rejected.Load(); n == 1 || n%100 == 0 {
					logf("%d malformed frames from %s so far (last: %v)", n, mux.Name(), err)
				}
			}
		}
	}
}

// Classify returns the latest classification, or ErrNoClassification /
// ErrStale.
func (f *Feed) Classify(now time.Time) (Classification, error) {
	c := f.latest.Load()
	if c == nil {
		return Classification{}, ErrNoClassification
	}
	if f.staleAfter > 0 {
		if age := now.Sub(c.ReceivedAt); age > f.staleAfter {
			return *c, fmt.Errorf("%w: %v old", ErrStale, age.Round(time.Millisecond))
		}
	}
	return *c, nil
}

// Stats returns the feed counters.
func (f *Feed) Stats() FeedStats {
	return FeedStats{Accepted: f.accepted.Load(), Rejected: f.rejected.Load(), Ignored: f.ignored.Load()}
}

// Fixed is a Classifier that always returns the same verdict, stamped now.
// It stands in for the camera on the bench.
type Fixed struct {
	LaneError float64
	Light     fusion.LightColor
	Obstacle  bool
}

func (x Fixed) Classify(now time.Time) (Classification, error) {
	return Classification{LaneError: x.LaneError, Light: x.Light, Obstacle: x.Obstacle, ReceivedAt: now}, nil
}
