package registry

import (
	"context"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/kart-io/logger"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/kart-io/shannon-mcp-core/internal/config"
	"github.com/kart-io/shannon-mcp-core/internal/idgen"
)

// sessionArgPattern matches a bare session_... token in a process's argv
// (extractSessionID handles --session X and --session=X itself), for
// synthesizing session ids when registering orphaned Claude processes.
var sessionArgPattern = regexp.MustCompile(`^(session_[A-Za-z0-9_-]+)$`)

// Cleaner periodically reconciles registry state against observed OS
// reality: it validates every entry, removes what the validator flags,
// registers orphaned Claude processes, and enforces storage-level
// retention.
type Cleaner struct {
	storage   *Storage
	tracker   *Tracker
	validator *Validator
	cfg       config.RegistryConfig
}

// NewCleaner creates a Cleaner wired to storage/tracker/validator.
func NewCleaner(storage *Storage, tracker *Tracker, validator *Validator, cfg config.RegistryConfig) *Cleaner {
	return &Cleaner{storage: storage, tracker: tracker, validator: validator, cfg: cfg}
}

// CleanupNow runs one reconciliation pass immediately. deep additionally
// purges old history rows and runs an OS sync.
func (c *Cleaner) CleanupNow(ctx context.Context, deep bool) (*CleanupStats, error) {
	stats := &CleanupStats{RanAt: time.Now().UTC()}

	results, err := c.validator.ValidateAllProcesses(ctx, false)
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return stats, err
	}
	stats.Checked = len(results)

	entries, err := c.storage.GetAll(ctx, "", c.storage.Host())
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
		return stats, err
	}
	byPID := make(map[int32]*ProcessEntry, len(entries))
	for _, e := range entries {
		byPID[e.PID] = e
	}

	for _, result := range results {
		if result.Status == ValidOK {
			continue
		}

		entry := byPID[result.PID]

		switch result.RecommendedAction {
		case ActionKillAndRemove:
			c.killZombieParent(entry, stats)
			if err := c.storage.Remove(ctx, result.PID, result.Host, string(result.Status)+": "+result.Reason); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				continue
			}
			stats.Removed++

		case ActionRemoveFromRegistry:
			if err := c.storage.Remove(ctx, result.PID, result.Host, string(result.Status)+": "+result.Reason); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				continue
			}
			stats.Removed++

		case ActionRefreshTracking:
			if result.Status != ValidStale {
				continue
			}
			if c.isReactive(result.PID) {
				continue
			}
			if err := c.storage.Remove(ctx, result.PID, result.Host, string(result.Status)+": "+result.Reason+" (null-signal probe found no reactive process)"); err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				continue
			}
			stats.Removed++

		default:
			// monitor_closely / investigate_health: surfaced via
			// ValidateAllProcesses results, no removal here.
		}
	}

	registered, err := c.registeredOrphans(ctx, stats)
	if err == nil {
		stats.OrphansRegistered = registered
	}

	staleRemoved, err := c.storage.CleanupStale(ctx, time.Duration(c.cfg.StaleProcessHours)*time.Hour)
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	} else {
		stats.Removed += staleRemoved
	}

	expiredMsgs, err := c.storage.CleanupExpiredMessages(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	} else {
		stats.MessagesPurged = expiredMsgs
	}

	if deep {
		purged, err := c.storage.PurgeHistoryOlderThan(ctx, time.Duration(c.cfg.HistoryRetentionDays)*24*time.Hour)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
		} else {
			stats.HistoryPurged = purged
		}
		syncDisk()
	}

	logger.Infow("cleaner: pass complete", "checked", stats.Checked, "removed", stats.Removed,
		"zombies_killed", stats.ZombiesKilled, "orphans_registered", stats.OrphansRegistered,
		"history_purged", stats.HistoryPurged)
	return stats, nil
}

func (c *Cleaner) killZombieParent(entry *ProcessEntry, stats *CleanupStats) {
	if entry == nil {
		return
	}
	proc, err := process.NewProcess(entry.PID)
	if err != nil {
		return
	}
	ppid, err := proc.Ppid()
	if err != nil || ppid <= 1 {
		return
	}

	_ = syscall.Kill(int(ppid), syscall.SIGCHLD)
	time.Sleep(50 * time.Millisecond)

	if stillZombie, _ := process.PidExists(entry.PID); stillZombie {
		_ = syscall.Kill(int(ppid), syscall.SIGKILL)
	}
	stats.ZombiesKilled++
}

// isReactive probes pid with a null signal to confirm it genuinely does
// not respond before the cleaner removes a stale entry.
func (c *Cleaner) isReactive(pid int32) bool {
	return syscall.Kill(int(pid), 0) == nil
}

func (c *Cleaner) registeredOrphans(ctx context.Context, stats *CleanupStats) (int, error) {
	orphans, err := c.validator.FindOrphanedProcesses(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, o := range orphans {
		sessionID := extractSessionID(o.Cmdline)
		if sessionID == "" {
			sessionID = idgen.NewUUID()
		}
		if _, err := c.tracker.TrackProcess(ctx, o.PID, sessionID, "", map[string]string{"source": "orphan_recovery"}); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			continue
		}
		count++
	}
	return count, nil
}

// extractSessionID scans argv for --session X, --session=X, or a bare
// session_... token.
func extractSessionID(argv []string) string {
	for i, arg := range argv {
		if arg == "--session" && i+1 < len(argv) {
			return argv[i+1]
		}
		if strings.HasPrefix(arg, "--session=") {
			return strings.TrimPrefix(arg, "--session=")
		}
		if m := sessionArgPattern.FindStringSubmatch(arg); m != nil {
			return m[1]
		}
	}
	return ""
}

func syncDisk() {
	f, err := os.Open("/")
	if err != nil {
		return
	}
	defer f.Close()
	_ = f.Sync()
}

// Run is the periodic cleanup loop, firing every cfg.CleanupInterval
// until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.CleanupNow(ctx, false); err != nil {
				logger.Warnw("cleaner: pass failed", "error", err)
			}
		}
	}
}
