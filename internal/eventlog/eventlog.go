// Package eventlog defines the per-attempt step event record and its two
// append-only sinks: a JSONL stream carrying the full record and a CSV
// mirror with a frozen column order for spreadsheet users.
package eventlog

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// SchemaVersion tags every emitted event. Bump only with a column change.
const SchemaVersion = 1

// File names inside a run directory.
const (
	JSONLName = "events.jsonl"
	CSVName   = "events.csv"
)

// Columns is the frozen CSV column order. Consumers key on position, so
// new fields append at the end and existing ones never move.
var Columns = []string{
	"schema_version",
	"timestamp",
	"run_id",
	"batch_id",
	"station_id",
	"stage",
	"sn",
	"fw_version",
	"test_step",
	"command",
	"attempt",
	"retry_count",
	"retries_allowed",
	"timeout_s",
	"backoff_ms",
	"duration_ms",
	"passed",
	"error_code",
	"measurement",
	"value",
	"units",
	"message",
}

// StepEvent records one attempt of one step against one serial number.
// The Data payload travels only in the JSONL sink.
type StepEvent struct {
	SchemaVersion  int            `json:"schema_version"`
	Timestamp      string         `json:"timestamp"`
	RunID          string         `json:"run_id"`
	BatchID        string         `json:"batch_id"`
	StationID      string         `json:"station_id"`
	Stage          string         `json:"stage"`
	SN             string         `json:"sn"`
	FWVersion      string         `json:"fw_version"`
	TestStep       string         `json:"test_step"`
	Command        string         `json:"command"`
	Attempt        int            `json:"attempt"`
	RetryCount     int            `json:"retry_count"`
	RetriesAllowed int            `json:"retries_allowed"`
	TimeoutS       float64        `json:"timeout_s"`
	BackoffMs      int            `json:"backoff_ms"`
	DurationMs     float64        `json:"duration_ms"`
	Passed         bool           `json:"passed"`
	ErrorCode      *string        `json:"error_code"`
	Measurement    string         `json:"measurement"`
	Value          *float64       `json:"value"`
	Units          string         `json:"units"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
}

// csvRow renders the event in the frozen column order.
func (e StepEvent) csvRow() []string {
	errCode := ""
	if e.ErrorCode != nil {
		errCode = *e.ErrorCode
	}
	value := ""
	if e.Value != nil {
		value = strconv.FormatFloat(*e.Value, 'g', -1, 64)
	}
	return []string{
		strconv.Itoa(e.SchemaVersion),
		e.Timestamp,
		e.RunID,
		e.BatchID,
		e.StationID,
		e.Stage,
		e.SN,
		e.FWVersion,
		e.TestStep,
		e.Command,
		strconv.Itoa(e.Attempt),
		strconv.Itoa(e.RetryCount),
		strconv.Itoa(e.RetriesAllowed),
		strconv.FormatFloat(e.TimeoutS, 'g', -1, 64),
		strconv.Itoa(e.BackoffMs),
		strconv.FormatFloat(e.DurationMs, 'g', -1, 64),
		strconv.FormatBool(e.Passed),
		errCode,
		e.Measurement,
		value,
		e.Units,
		e.Message,
	}
}

// RunLogger appends events to both sinks under one run directory. Safe for
// concurrent use.
type RunLogger struct {
	mu   sync.Mutex
	jf   *os.File
	cf   *os.File
	csvW *csv.Writer
}

// NewRunLogger opens (or creates) both sinks under dir, writing the CSV
// header only when the file is empty.
func NewRunLogger(dir string) (*RunLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(filepath.Join(dir, JSONLName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	cf, err := os.OpenFile(filepath.Join(dir, CSVName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		jf.Close()
		return nil, err
	}

	l := &RunLogger{jf: jf, cf: cf, csvW: csv.NewWriter(cf)}

	st, err := cf.Stat()
	if err != nil {
		l.Close()
		return nil, err
	}
	if st.Size() == 0 {
		if err := l.csvW.Write(Columns); err != nil {
			l.Close()
			return nil, err
		}
		l.csvW.Flush()
		if err := l.csvW.Error(); err != nil {
			l.Close()
			return nil, err
		}
	}
	return l, nil
}

// Append writes the event to both sinks and flushes. An event is durable
// in both files or the call errors.
func (l *RunLogger) Append(e StepEvent) error {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.jf.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append jsonl: %w", err)
	}
	if err := l.csvW.Write(e.csvRow()); err != nil {
		return fmt.Errorf("append csv: %w", err)
	}
	l.csvW.Flush()
	if err := l.csvW.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

// Close flushes and closes both sinks.
func (l *RunLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.csvW.Flush()
	err := l.csvW.Error()
	if e := l.jf.Close(); err == nil {
		err = e
	}
	if e := l.cf.Close(); err == nil {
		err = e
	}
	return err
}

// ReadEvents loads every event from a JSONL file. Blank lines are skipped;
// a malformed line is an error because replay results must not silently
// drop records.
func ReadEvents(path string) ([]StepEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []StepEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e StepEvent
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadRunEvents loads the JSONL sink from a run directory.
func ReadRunEvents(runDir string) ([]StepEvent, error) {
	return ReadEvents(filepath.Join(runDir, JSONLName))
}
