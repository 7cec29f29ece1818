package mirror

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/mtaplabs/mtap/internal/eventlog"
)

func sPtr(s string) *string { return &s }

func TestWriteAndQueryBack(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.duckdb")
	events := []eventlog.StepEvent{
		{SchemaVersion: 1, Timestamp: "2026-01-02T03:04:05Z", RunID: "R1", SN: "SN-1", TestStep: "t_ping", Attempt: 1, RetriesAllowed: 1, Passed: true},
		{SchemaVersion: 1, Timestamp: "2026-01-02T03:04:06Z", RunID: "R1", SN: "SN-1", TestStep: "t_temp", Attempt: 1, RetriesAllowed: 1, Passed: false, ErrorCode: sPtr("E_TIMEOUT")},
	}

	if err := Write(context.Background(), dbPath, events); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow("SELECT count(*) FROM step_events").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("rows = %d", n)
	}

	var code sql.NullString
	err = db.QueryRow("SELECT error_code FROM step_events WHERE test_step = 't_temp'").Scan(&code)
	if err != nil {
		t.Fatal(err)
	}
	if !code.Valid || code.String != "E_TIMEOUT" {
		t.Errorf("error_code = %+v", code)
	}

	var passedCode sql.NullString
	err = db.QueryRow("SELECT error_code FROM step_events WHERE test_step = 't_ping'").Scan(&passedCode)
	if err != nil {
		t.Fatal(err)
	}
	if passedCode.Valid {
		t.Errorf("passed event carries error_code %q", passedCode.String)
	}
}

func TestWriteAppendsAcrossCalls(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.duckdb")
	e := eventlog.StepEvent{SchemaVersion: 1, Timestamp: "2026-01-02T03:04:05Z", RunID: "R1", SN: "SN-1", TestStep: "s", Attempt: 1, Passed: true}

	if err := Write(context.Background(), dbPath, []eventlog.StepEvent{e}); err != nil {
		t.Fatal(err)
	}
	e.RunID = "R2"
	if err := Write(context.Background(), dbPath, []eventlog.StepEvent{e}); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT count(DISTINCT run_id) FROM step_events").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("distinct runs = %d", n)
	}
}
