// Package mirror maintains an optional relational copy of the event log
// in an embedded DuckDB database, for ad-hoc SQL over past runs.
package mirror

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/mtaplabs/mtap/internal/eventlog"
)

const createTable = `
CREATE TABLE IF NOT EXISTS step_events (
	schema_version  INTEGER NOT NULL,
	timestamp       VARCHAR NOT NULL,
	run_id          VARCHAR NOT NULL,
	batch_id        VARCHAR,
	station_id      VARCHAR,
	stage           VARCHAR,
	sn              VARCHAR NOT NULL,
	fw_version      VARCHAR,
	test_step       VARCHAR NOT NULL,
	command         VARCHAR,
	attempt         INTEGER NOT NULL,
	retry_count     INTEGER NOT NULL,
	retries_allowed INTEGER NOT NULL,
	timeout_s       DOUBLE,
	backoff_ms      INTEGER,
	duration_ms     DOUBLE,
	passed          BOOLEAN NOT NULL,
	error_code      VARCHAR,
	measurement     VARCHAR,
	value           DOUBLE,
	units           VARCHAR,
	message         VARCHAR
)`

const insertEvent = `
INSERT INTO step_events VALUES
(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Write appends the events to the step_events table at dbPath, creating
// the database and table as needed. The whole batch commits atomically.
func Write(ctx context.Context, dbPath string, events []eventlog.StepEvent) error {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create step_events: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		var errCode any
		if e.ErrorCode != nil {
			errCode = *e.ErrorCode
		}
		var value any
		if e.Value != nil {
			value = *e.Value
		}
		if _, err := stmt.ExecContext(ctx,
			e.SchemaVersion, e.Timestamp, e.RunID, e.BatchID, e.StationID,
			e.Stage, e.SN, e.FWVersion, e.TestStep, e.Command,
			e.Attempt, e.RetryCount, e.RetriesAllowed, e.TimeoutS, e.BackoffMs,
			e.DurationMs, e.Passed, errCode, e.Measurement, value,
			e.Units, e.Message,
		); err != nil {
			return fmt.Errorf("insert event %s/%s/%d: %w", e.SN, e.TestStep, e.Attempt, err)
		}
	}
	return tx.Commit()
}
