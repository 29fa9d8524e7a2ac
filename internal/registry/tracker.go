package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kart-io/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	gopsmem "github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kart-io/shannon-mcp-core/internal/errs"
)

// SystemStats is a point-in-time snapshot of host-wide resource usage.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	TrackedCount  int     `json:"tracked_count"`
}

// Tracker inspects OS processes via gopsutil, persists snapshots to
// Storage, and runs a background sampling loop over every tracked pid.
type Tracker struct {
	storage        *Storage
	sampleInterval time.Duration

	mu      sync.Mutex
	tracked map[int32]trackedProcess
}

type trackedProcess struct {
	sessionID string
	startedAt time.Time
}

// NewTracker creates a Tracker backed by storage, sampling every
// sampleInterval.
func NewTracker(storage *Storage, sampleInterval time.Duration) *Tracker {
	return &Tracker{
		storage:        storage,
		sampleInterval: sampleInterval,
		tracked:        make(map[int32]trackedProcess),
	}
}

// TrackProcess inspects pid, registers it with Storage, and begins
// tracking it for background sampling.
func (t *Tracker) TrackProcess(ctx context.Context, pid int32, sessionID, projectPath string, metadata map[string]string) (*ProcessEntry, error) {
	info, err := t.inspect(pid)
	if err != nil {
		return nil, err
	}

	entry := &ProcessEntry{
		PID:         pid,
		Host:        t.storage.Host(),
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Command:     info.Name,
		Args:        info.Cmdline,
		Status:      StatusStarting,
		StartedAt:   info.CreateTime,
		LastSeen:    time.Now().UTC(),
		Metadata:    metadata,
	}

	if err := t.storage.Register(ctx, entry); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.tracked[pid] = trackedProcess{sessionID: sessionID, startedAt: info.CreateTime}
	t.mu.Unlock()

	return entry, nil
}

// UntrackProcess removes pid from the in-memory tracked set without
// touching its registry row.
func (t *Tracker) UntrackProcess(pid int32) {
	t.mu.Lock()
	delete(t.tracked, pid)
	t.mu.Unlock()
}

// GetProcessInfo inspects a live pid, independent of tracking state.
func (t *Tracker) GetProcessInfo(pid int32) (*ProcessInfo, error) {
	return t.inspect(pid)
}

func (t *Tracker) inspect(pid int32) (*ProcessInfo, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, errs.New(errs.KindOS, "tracker.no_such_process", fmt.Sprintf("pid %d not found", pid)).WithCause(err)
	}

	info := &ProcessInfo{PID: pid}
	if name, err := proc.Name(); err == nil {
		info.Name = name
	}
	if cmdline, err := proc.CmdlineSlice(); err == nil {
		info.Cmdline = cmdline
	}
	if createMs, err := proc.CreateTime(); err == nil {
		info.CreateTime = time.UnixMilli(createMs).UTC()
	}
	if status, err := proc.Status(); err == nil && len(status) > 0 {
		info.Status = status[0]
	}
	if cpuPct, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = cpuPct
	}
	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.MemoryMB = float64(memInfo.RSS) / (1024 * 1024)
	}
	if io, err := proc.IOCounters(); err == nil && io != nil {
		info.IOReadMB = float64(io.ReadBytes) / (1024 * 1024)
		info.IOWriteMB = float64(io.WriteBytes) / (1024 * 1024)
	}
	if threads, err := proc.NumThreads(); err == nil {
		info.NumThreads = threads
	}
	if fds, err := proc.NumFDs(); err == nil {
		info.NumFDs = fds
	}
	if conns, err := proc.Connections(); err == nil {
		info.NumConns = int32(len(conns))
	}
	return info, nil
}

// FindClaudeProcesses scans all OS processes for ones whose name or any
// argv element contains "claude" (case-insensitive).
func (t *Tracker) FindClaudeProcesses() ([]*ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, errs.New(errs.KindOS, "tracker.list_processes", "enumerate OS processes").WithCause(err)
	}

	var out []*ProcessInfo
	for _, p := range procs {
		if isClaudeProcess(p) {
			info, err := t.inspect(p.Pid)
			if err != nil {
				continue
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func isClaudeProcess(p *process.Process) bool {
	if name, err := p.Name(); err == nil && strings.Contains(strings.ToLower(name), "claude") {
		return true
	}
	if cmdline, err := p.CmdlineSlice(); err == nil {
		for _, arg := range cmdline {
			if strings.Contains(strings.ToLower(arg), "claude") {
				return true
			}
		}
	}
	return false
}

// ValidateTrackedProcesses partitions the in-memory tracked set into
// still-alive and dead pids, based purely on OS existence (identity
// checks belong to the Validator).
func (t *Tracker) ValidateTrackedProcesses() (alive, dead []int32) {
	t.mu.Lock()
	pids := make([]int32, 0, len(t.tracked))
	for pid := range t.tracked {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	for _, pid := range pids {
		if exists, _ := process.PidExists(pid); exists {
			alive = append(alive, pid)
		} else {
			dead = append(dead, pid)
		}
	}
	return alive, dead
}

// GetSystemStats returns a host-wide snapshot.
func (t *Tracker) GetSystemStats() (*SystemStats, error) {
	stats := &SystemStats{}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := gopsmem.VirtualMemory(); err == nil && vm != nil {
		stats.MemoryUsedMB = float64(vm.Used) / (1024 * 1024)
		stats.MemoryTotalMB = float64(vm.Total) / (1024 * 1024)
	}

	t.mu.Lock()
	stats.TrackedCount = len(t.tracked)
	t.mu.Unlock()

	return stats, nil
}

// Run is the background sampling loop: every sampleInterval, it samples
// every tracked pid and pushes fresh resource numbers to Storage,
// deriving status from cpu usage, and drops pids the OS no longer knows
// about. It returns when ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.sampleOnce(ctx)
		}
	}
}

func (t *Tracker) sampleOnce(ctx context.Context) {
	t.mu.Lock()
	pids := make([]int32, 0, len(t.tracked))
	for pid := range t.tracked {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	for _, pid := range pids {
		info, err := t.inspect(pid)
		if err != nil {
			t.UntrackProcess(pid)
			continue
		}

		status := StatusIdle
		switch {
		case info.CPUPercent > 50:
			status = StatusBusy
		case info.CPUPercent > 0:
			status = StatusRunning
		}

		if err := t.storage.UpdateResources(ctx, pid, t.storage.Host(), info.CPUPercent, info.MemoryMB, info.IOReadMB, info.IOWriteMB); err != nil {
			logger.Warnw("tracker: failed to update resources", "pid", pid, "error", err)
			continue
		}
		if err := t.storage.UpdateStatus(ctx, pid, t.storage.Host(), status, "sampled"); err != nil {
			logger.Warnw("tracker: failed to update status", "pid", pid, "error", err)
		}
	}
}
