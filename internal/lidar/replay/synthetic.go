package replay

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/selfdrive/internal/lidar"
	"github.com/banshee-data/selfdrive/internal/timeutil"
)

// SyntheticConfig describes a straight corridor with an optional obstacle
// dead ahead.
type SyntheticConfig struct {
	Period               time.Duration // time per rotation
	Points               int           // measurements per rotation
	CorridorHalfWidthM   float64
	MaxRangeM            float64
	ObstacleDistanceM    float64 // 0 means no obstacle
	ObstacleHalfWidthDeg float64
	YawDeg               float64
	Clock                timeutil.Clock
}

// DefaultSyntheticConfig is a 1.2 m wide corridor scanned at 10 Hz.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Period:               100 * time.Millisecond,
		Points:               360,
		CorridorHalfWidthM:   0.6,
		MaxRangeM:            6.0,
		ObstacleHalfWidthDeg: 10,
	}
}

// Synthetic generates corridor scans.
type Synthetic struct {
	cfg      SyntheticConfig
	obstacle atomic.Uint64 // math.Float64bits of the obstacle distance
}

// NewSynthetic returns a Source for cfg.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	def := DefaultSyntheticConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.Points <= 0 {
		cfg.Points = def.Points
	}
	if cfg.MaxRangeM <= 0 {
		cfg.MaxRangeM = def.MaxRangeM
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	s := &Synthetic{cfg: cfg}
	s.SetObstacle(cfg.ObstacleDistanceM)
	return s
}

var _ lidar.Source = (*Synthetic)(nil)

// SetObstacle moves the obstacle; 0 removes it. Safe to call while Run is
// in progress.
func (s *Synthetic) SetObstacle(distanceM float64) {
	s.obstacle.Store(math.Float64bits(distanceM))
}

// Obstacle returns the current obstacle distance.
func (s *Synthetic) Obstacle() float64 {
	return math.Float64frombits(s.obstacle.Load())
}

// Scan renders one rotation at now.
func (s *Synthetic) Scan(now time.Time) *lidar.Scan {
	obstacle := s.Obstacle()
	ms := make([]lidar.Measurement, 0, s.cfg.Points)
	step := 360.0 / float64(s.cfg.Points)
	for i := 0; i < s.cfg.Points; i++ {
		raw := float64(i) * step
		rel := lidar.RelativeAngle(raw, s.cfg.YawDeg)
		d := s.cfg.MaxRangeM
		if s.cfg.CorridorHalfWidthM > 0 {
			if sin := math.Abs(math.Sin(rel * math.Pi / 180)); sin > 1e-9 {
				d = math.Min(d, s.cfg.CorridorHalfWidthM/sin)
			}
		}
		if obstacle > 0 && math.Abs(lidar.HeadingOffset(raw, s.cfg.YawDeg)) <= s.cfg.ObstacleHalfWidthDeg {
			d = math.Min(d, obstacle)
		}
		if d >= s.cfg.MaxRangeM {
			d = 0 // out of range reads as no echo
		}
		ms = append(ms, lidar.Measurement{Quality: 47, AngleDeg: raw, DistanceMM: d * 1000})
	}
	return lidar.NewScan(ms, now)
}

// Run publishes one scan per period until ctx is done or the store is
// asked to stop.
func (s *Synthetic) Run(ctx context.Context, store *lidar.Store) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		if store.Stopped() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C():
			if store.Stopped() {
				return nil
			}
			store.Publish(s.Scan(now))
		}
	}
}
