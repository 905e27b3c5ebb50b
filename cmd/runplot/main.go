// Command runplot renders the front clearance, steering and throttle of a
// recorded run to a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/selfdrive/internal/db"
	"github.com/banshee-data/selfdrive/internal/security"
)

var (
	dbFile  = flag.String("db", "selfdrive.db", "Path to the run log database")
	runID   = flag.String("run", "", "Run to plot (defaults to the most recent)")
	out     = flag.String("out", "", "Output PNG (defaults to run-<id>.png in the working directory)")
	maxClr  = flag.Float64("max-clearance", 3.0, "Clip clearance above this many metres")
	timeout = flag.Duration("timeout", 30*time.Second, "Query timeout")
)

// cycleLimit caps one query; longer runs are read in pages.
const cycleLimit = 5000

func main() {
	flag.Parse()

	d, err := db.OpenDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	id := *runID
	if id == "" {
		runs, err := d.Runs(ctx, 1)
		if err != nil {
			log.Fatalf("failed to list runs: %v", err)
		}
		if len(runs) == 0 {
			log.Fatalf("no runs recorded in %s", *dbFile)
		}
		id = runs[0].RunID
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("run-%s.png", security.SanitizeFilename(id))
	}
	path, err = security.ValidateOutputPath(path)
	if err != nil {
		log.Fatalf("refusing to write plot: %v", err)
	}

	series, err := loadSeries(ctx, d, id, *maxClr)
	if err != nil {
		log.Fatalf("failed to read run %s: %v", id, err)
	}
	if err := render(series, "run "+id, path); err != nil {
		log.Fatalf("failed to render plot: %v", err)
	}
	log.Printf("wrote %d cycles of run %s to %s", series.Len(), id, path)
}
