package sysinfo

import (
	"encoding/json"
	"testing"
)

func TestCapture(t *testing.T) {
	s := Capture()
	if s.OS == "" {
		t.Error("OS missing")
	}
	if s.CPUCount < 1 {
		t.Errorf("CPUCount = %d", s.CPUCount)
	}
	if s.GoVersion == "" {
		t.Error("GoVersion missing")
	}
	if s.CapturedAt == "" {
		t.Error("CapturedAt missing")
	}
}

func TestSnapshotSerialises(t *testing.T) {
	raw, err := json.Marshal(Capture())
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if _, ok := back["go_version"]; !ok {
		t.Errorf("go_version missing: %v", back)
	}
}
