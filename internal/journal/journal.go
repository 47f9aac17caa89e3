// Package journal keeps run history in a local SQLite database so `status`
// can answer "what happened last time" without re-probing anything.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/manish-psys/aioctl/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id        TEXT PRIMARY KEY,
    plan      TEXT NOT NULL,
    mode      TEXT NOT NULL,
    started   TIMESTAMP NOT NULL,
    finished  TIMESTAMP NOT NULL,
    exit_code INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS run_steps (
    run_id      TEXT NOT NULL REFERENCES runs(id),
    seq         INTEGER NOT NULL,
    step        TEXT NOT NULL,
    resource    TEXT NOT NULL,
    status      TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT '',
    duration_ns INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
);
`

// ErrNoRuns is returned by LastRun when the journal is empty for a plan.
var ErrNoRuns = errors.New("no recorded runs")

type Journal struct {
	db *sql.DB
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Record writes one run and all its step results in a single transaction.
func (j *Journal) Record(runID string, s *report.Summary) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO runs (id, plan, mode, started, finished, exit_code) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, s.Plan, s.Mode, s.Started.UTC(), s.Finished.UTC(), s.ExitCode(),
	); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	for i, r := range s.Results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		if _, err := tx.Exec(
			`INSERT INTO run_steps (run_id, seq, step, resource, status, detail, error, duration_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, i, r.Step, r.Desc.Name(), string(r.Status), r.Detail, errText, r.Duration.Nanoseconds(),
		); err != nil {
			return fmt.Errorf("record step %s: %w", r.Step, err)
		}
	}
	return tx.Commit()
}

type Run struct {
	ID       string
	Plan     string
	Mode     string
	Started  time.Time
	Finished time.Time
	ExitCode int
}

type StepRecord struct {
	Step     string
	Resource string
	Status   string
	Detail   string
	Error    string
	Duration time.Duration
}

// LastRun returns the most recent run for a plan and its step results in
// execution order.
func (j *Journal) LastRun(planName string) (Run, []StepRecord, error) {
	var run Run
	err := j.db.QueryRow(
		`SELECT id, plan, mode, started, finished, exit_code FROM runs
		 WHERE plan = ? ORDER BY finished DESC LIMIT 1`, planName,
	).Scan(&run.ID, &run.Plan, &run.Mode, &run.Started, &run.Finished, &run.ExitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, ErrNoRuns
	}
	if err != nil {
		return Run{}, nil, fmt.Errorf("read last run: %w", err)
	}

	rows, err := j.db.Query(
		`SELECT step, resource, status, detail, error, duration_ns FROM run_steps
		 WHERE run_id = ? ORDER BY seq`, run.ID)
	if err != nil {
		return Run{}, nil, fmt.Errorf("read run steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var s StepRecord
		var ns int64
		if err := rows.Scan(&s.Step, &s.Resource, &s.Status, &s.Detail, &s.Error, &ns); err != nil {
			return Run{}, nil, fmt.Errorf("read run steps: %w", err)
		}
		s.Duration = time.Duration(ns)
		steps = append(steps, s)
	}
	return run, steps, rows.Err()
}
