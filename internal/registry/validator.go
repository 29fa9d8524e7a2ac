package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kart-io/shannon-mcp-core/internal/config"
)

// Validator classifies every tracked process entry against observed OS
// state, using the seven-status table from the component design.
type Validator struct {
	storage  *Storage
	tracker  *Tracker
	cfg      config.RegistryConfig
}

// NewValidator creates a Validator over storage and tracker using cfg's
// thresholds.
func NewValidator(storage *Storage, tracker *Tracker, cfg config.RegistryConfig) *Validator {
	return &Validator{storage: storage, tracker: tracker, cfg: cfg}
}

// ValidateEntry classifies a single entry, consulting live OS state.
func (v *Validator) ValidateEntry(entry *ProcessEntry) ValidationResult {
	result := ValidationResult{PID: entry.PID, Host: entry.Host, Status: ValidOK, RecommendedAction: ActionNone}

	proc, err := process.NewProcess(entry.PID)
	if err != nil {
		result.Status = ValidMissing
		result.Reason = "process does not exist"
		result.RecommendedAction = ActionRemoveFromRegistry
		return result
	}

	createMs, err := proc.CreateTime()
	if err == nil {
		createTime := time.UnixMilli(createMs).UTC()
		if diff := createTime.Sub(entry.StartedAt); diff > time.Second || diff < -time.Second {
			result.Status = ValidHijacked
			result.Reason = fmt.Sprintf("creation time differs: registered=%s observed=%s", entry.StartedAt, createTime)
			result.RecommendedAction = ActionRemoveFromRegistry
			return result
		}
	}

	if statuses, err := proc.Status(); err == nil && len(statuses) > 0 && isZombieStatus(statuses[0]) {
		// Zombie-since tracking relies on last_seen: once the tracker stops
		// seeing progress on a zombie pid, elapsed time since last_seen
		// approximates time-in-zombie-state.
		if time.Since(entry.LastSeen) > v.cfg.ZombieGrace {
			result.Status = ValidZombie
			result.Reason = "process has been a zombie past the grace period"
			result.RecommendedAction = ActionKillAndRemove
			return result
		}
	}

	if time.Since(entry.LastSeen) > time.Duration(v.cfg.StaleThresholdS)*time.Second {
		result.Status = ValidStale
		result.Reason = "last_seen exceeds stale threshold"
		result.RecommendedAction = ActionRefreshTracking
		return result
	}

	if entry.CPUPercent >= v.cfg.ResourceCPUPercent || entry.MemoryMB >= v.cfg.ResourceMemoryMB {
		result.Status = ValidResourceExceeded
		result.Reason = "cpu or memory usage over threshold"
		result.RecommendedAction = ActionMonitorClosely
		return result
	}

	numFDs, _ := proc.NumFDs()
	conns, _ := proc.Connections()
	numThreads, _ := proc.NumThreads()
	if int(numFDs) > v.cfg.MaxOpenFiles || len(conns) > v.cfg.MaxConnections || int(numThreads) > v.cfg.MaxThreads {
		result.Status = ValidUnhealthy
		result.Reason = "open files, connections, or threads over threshold"
		result.RecommendedAction = ActionInvestigateHealth
		return result
	}

	return result
}

func isZombieStatus(status string) bool {
	return status == "zombie" || status == "Z"
}

// ValidateAllProcesses validates every entry on this host, optionally
// applying the recommended fix.
func (v *Validator) ValidateAllProcesses(ctx context.Context, fixIssues bool) ([]ValidationResult, error) {
	entries, err := v.storage.GetAll(ctx, "", v.storage.Host())
	if err != nil {
		return nil, err
	}

	results := make([]ValidationResult, 0, len(entries))
	for _, entry := range entries {
		result := v.ValidateEntry(entry)
		results = append(results, result)
		if fixIssues && result.RecommendedAction != ActionNone {
			v.applyFix(ctx, entry, result)
		}
	}
	return results, nil
}

func (v *Validator) applyFix(ctx context.Context, entry *ProcessEntry, result ValidationResult) {
	switch result.RecommendedAction {
	case ActionRemoveFromRegistry, ActionKillAndRemove:
		_ = v.storage.Remove(ctx, entry.PID, entry.Host, string(result.Status)+": "+result.Reason)
	case ActionRefreshTracking:
		_ = v.storage.UpdateStatus(ctx, entry.PID, entry.Host, entry.Status, "refresh_tracking")
	}
}

// ValidateSession validates every entry belonging to a single session.
func (v *Validator) ValidateSession(ctx context.Context, sessionID string) ([]ValidationResult, error) {
	entries, err := v.storage.GetSession(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	results := make([]ValidationResult, 0, len(entries))
	for _, entry := range entries {
		results = append(results, v.ValidateEntry(entry))
	}
	return results, nil
}

// PortConflict describes two registered entries claiming the same port.
type PortConflict struct {
	Port int32
	PIDs []int32
}

// CheckPortConflicts finds ports claimed by more than one registered
// process on this host.
func (v *Validator) CheckPortConflicts(ctx context.Context) ([]PortConflict, error) {
	entries, err := v.storage.GetAll(ctx, "", v.storage.Host())
	if err != nil {
		return nil, err
	}

	byPort := make(map[int32][]int32)
	for _, e := range entries {
		if e.Port == 0 {
			continue
		}
		byPort[e.Port] = append(byPort[e.Port], e.PID)
	}

	var conflicts []PortConflict
	for port, pids := range byPort {
		if len(pids) > 1 {
			conflicts = append(conflicts, PortConflict{Port: port, PIDs: pids})
		}
	}
	return conflicts, nil
}

// FindOrphanedProcesses returns Claude processes observed on this host
// that have no registry entry at all.
func (v *Validator) FindOrphanedProcesses(ctx context.Context) ([]*ProcessInfo, error) {
	claudeProcs, err := v.tracker.FindClaudeProcesses()
	if err != nil {
		return nil, err
	}

	registered, err := v.storage.GetAll(ctx, "", v.storage.Host())
	if err != nil {
		return nil, err
	}
	known := make(map[int32]struct{}, len(registered))
	for _, e := range registered {
		known[e.PID] = struct{}{}
	}

	var orphans []*ProcessInfo
	for _, p := range claudeProcs {
		if _, ok := known[p.PID]; !ok {
			orphans = append(orphans, p)
		}
	}
	return orphans, nil
}
