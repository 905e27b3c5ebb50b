package rplidar

import (
	"time"

	"github.com/banshee-data/selfdrive/internal/lidar"
)

// Assembler groups measurement nodes into whole rotations. A rotation ends
// when the next node carries the start flag.
type Assembler struct {
	// MinPoints is the fewest echoes a rotation needs to be published.
	MinPoints int
	// MaxBuffered caps the echoes held for one rotation. A rotation that
	// grows past it has lost its start flag and is discarded.
	MaxBuffered int

	pending []lidar.Measurement
	started bool
	dropped int
}

// NewAssembler returns an Assembler with the given limits.
func NewAssembler(minPoints, maxBuffered int) *Assembler {
	if maxBuffered <= 0 {
		maxBuffered = 800
	}
	return &Assembler{MinPoints: minPoints, MaxBuffered: maxBuffered}
}

// Add feeds one node. When n starts a new rotation the previous one is
// returned as a Scan stamped at now, provided it has enough echoes.
// Zero-distance nodes are dropped here.
func (a *Assembler) Add(n Node, now time.Time) *lidar.Scan {
	var out *lidar.Scan
	if n.StartFlag {
		if a.started && len(a.pending) >= a.MinPoints && len(a.pending) > 0 {
			out = lidar.NewScan(a.pending, now)
		} else if a.started {
			a.dropped++
		}
		a.pending = nil
		a.started = true
	}
	if !a.started {
		// nodes before the first start flag belong to a partial rotation
		return out
	}
	if n.DistanceMM > 0 {
		if len(a.pending) >= a.MaxBuffered {
			a.pending = nil
			a.started = false
			a.dropped++
			return out
		}
		a.pending = append(a.pending, lidar.Measurement{
			Quality:    n.Quality,
			AngleDeg:   n.AngleDeg,
			DistanceMM: n.DistanceMM,
		})
	}
	return out
}

// Dropped returns the number of rotations discarded so far.
func (a *Assembler) Dropped() int { return a.dropped }

// Reset discards any partial rotation.
func (a *Assembler) Reset() {
	a.pending = nil
	a.started = false
}
