package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/selfdrive/internal/fusion"
	"github.com/banshee-data/selfdrive/internal/pilot"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one pilot session.
type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Mode       string     `json:"mode"`
	Drive      string     `json:"drive"`
	ConfigJSON string     `json:"config_json"`
	EndReason  string     `json:"end_reason,omitempty"`
	Cycles     int        `json:"cycles"`
}

// StartRun records a new run and returns its id.
func (db *DB) StartRun(ctx context.Context, startedAt time.Time, mode, drive, configJSON string) (string, error) {
	id := uuid.NewString()
	if configJSON == "" {
		configJSON = "{}"
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, mode, drive, config_json) VALUES (?, ?, ?, ?, ?)`,
		id, startedAt.UnixNano(), mode, drive, configJSON)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// EndRun stamps the end of a run.
func (db *DB) EndRun(ctx context.Context, runID string, endedAt time.Time, reason string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, end_reason = ? WHERE run_id = ?`,
		endedAt.UnixNano(), reason, runID)
	if err != nil {
		return fmt.Errorf("failed to end run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// InsertCycles appends cycles to a run in one transaction. Cycles already
// stored under the same sequence number are left alone.
func (db *DB) InsertCycles(ctx context.Context, runID string, cycles []pilot.Cycle) error {
	if len(cycles) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO cycles (
			run_id, seq, ts, state, light, lane_error, front_clearance_m,
			gap_valid, gap_center_deg, steer, throttle, fail_safe, gap_steer,
			reason, scan_seq, duration_us
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range cycles {
		if _, err := stmt.ExecContext(ctx,
			runID, c.Seq, c.At.UnixNano(), c.State.String(), c.Light.String(),
			c.LaneError, c.FrontClearanceM, c.Gap.Valid, c.Gap.CenterDeg,
			c.Steer, c.Throttle, c.FailSafe, c.GapSteer,
			c.Reason, c.ScanSeq, c.Duration.Microseconds(),
		); err != nil {
			return fmt.Errorf("failed to insert cycle %d: %w", c.Seq, err)
		}
	}
	return tx.Commit()
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT r.run_id, r.started_at, r.ended_at, r.mode, r.drive, r.config_json, r.end_reason,
			(SELECT COUNT(*) FROM cycles c WHERE c.run_id = r.run_id)
		FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r       Run
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &started, &ended, &r.Mode, &r.Drive, &r.ConfigJSON, &r.EndReason, &r.Cycles); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Cycles returns up to limit cycles of a run in sequence order, starting
// after afterSeq.
func (db *DB) Cycles(ctx context.Context, runID string, afterSeq uint64, limit int) ([]pilot.Cycle, error) {
	if limit <= 0 {
		limit = 1000
	}
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) > 0 FROM runs WHERE run_id = ?`, runID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT seq, ts, state, light, lane_error, front_clearance_m, gap_valid, gap_center_deg,
			steer, throttle, fail_safe, gap_steer, reason, scan_seq, duration_us
		FROM cycles WHERE run_id = ? AND seq > ? ORDER BY seq LIMIT ?`, runID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pilot.Cycle
	for rows.Next() {
		var (
			c            pilot.Cycle
			ts, durUS    int64
			state, light string
		)
		if err := rows.Scan(&c.Seq, &ts, &state, &light, &c.LaneError, &c.FrontClearanceM,
			&c.Gap.Valid, &c.Gap.CenterDeg, &c.Steer, &c.Throttle, &c.FailSafe, &c.GapSteer,
			&c.Reason, &c.ScanSeq, &durUS); err != nil {
			return nil, err
		}
		c.At = time.Unix(0, ts)
		c.Duration = time.Duration(durUS) * time.Microsecond
		if c.State, err = fusion.ParseVehicleState(state); err != nil {
			return nil, err
		}
		if c.Light, err = fusion.ParseLightColor(light); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
