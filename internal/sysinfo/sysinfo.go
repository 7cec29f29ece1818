// Package sysinfo captures a snapshot of the station host for inclusion
// in the run summary. Field collection is best-effort: a probe that fails
// leaves its field zero rather than failing the run.
package sysinfo

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot describes the station host at run time.
type Snapshot struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	UptimeS       uint64  `json:"uptime_s,omitempty"`
	CPUModel      string  `json:"cpu_model,omitempty"`
	CPUCount      int     `json:"cpu_count"`
	MemTotalMB    uint64  `json:"mem_total_mb,omitempty"`
	MemUsedPct    float64 `json:"mem_used_pct,omitempty"`
	Load1         float64 `json:"load1,omitempty"`
	GoVersion     string  `json:"go_version"`
	CapturedAt    string  `json:"captured_at"`
}

// Capture probes the host.
func Capture() Snapshot {
	s := Snapshot{
		OS:         runtime.GOOS,
		CPUCount:   runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		CapturedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if hi, err := host.Info(); err == nil {
		s.Hostname = hi.Hostname
		s.Platform = hi.Platform
		s.KernelVersion = hi.KernelVersion
		s.UptimeS = hi.Uptime
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		s.CPUModel = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemTotalMB = vm.Total / (1024 * 1024)
		s.MemUsedPct = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}
	return s
}
