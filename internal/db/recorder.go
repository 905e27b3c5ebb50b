package db

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/banshee-data/selfdrive/internal/pilot"
)

// Recorder buffers cycles from the control loop and writes them in batches.
// Publish never blocks: when the buffer is full the cycle is dropped and
// counted.
type Recorder struct {
	db         *DB
	runID      string
	ch         chan pilot.Cycle
	batchSize  int
	flushEvery time.Duration

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder returns a recorder for runID holding up to buffer cycles.
func NewRecorder(db *DB, runID string, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		db:         db,
		runID:      runID,
		ch:         make(chan pilot.Cycle, buffer),
		batchSize:  100,
		flushEvery: time.Second,
	}
}

var _ pilot.Sink = (*Recorder)(nil)

// RunID returns the run the recorder writes to.
func (r *Recorder) RunID() string { return r.runID }

func (r *Recorder) Publish(c pilot.Cycle) {
	select {
	case r.ch <- c:
	default:
		r.dropped.Add(1)
	}
}

// Written and Dropped count cycles stored and discarded so far.
func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes buffered cycles until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	batch := make([]pilot.Cycle, 0, r.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.db.InsertCycles(ctx, r.runID, batch); err != nil {
			log.Printf("recorder: dropping %d cycles: %v", len(batch), err)
			r.dropped.Add(uint64(len(batch)))
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case c := <-r.ch:
			batch = append(batch, c)
			if len(batch) >= r.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			for {
				select {
				case c := <-r.ch:
					batch = append(batch, c)
					if len(batch) >= r.batchSize {
						flush(context.Background())
					}
				default:
					flush(context.Background())
					return
				}
			}
		}
	}
}
