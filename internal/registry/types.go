// Package registry implements the durable Process Registry: a
// SQLite-backed table of processes tracked across sessions, an
// append-only history log, a mailbox for inter-session messages, an
// OS-sampling tracker, a status validator, a resource monitor, and a
// periodic cleaner that reconciles registry state against reality.
package registry

import "time"

// Status is the lifecycle state of a tracked process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
	StatusZombie   Status = "zombie"
)

// ProcessEntry is one row of the processes table, keyed by (pid, host).
type ProcessEntry struct {
	PID           int32             `json:"pid"`
	Host          string            `json:"host"`
	SessionID     string            `json:"session_id"`
	ProjectPath   string            `json:"project_path,omitempty"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Status        Status            `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	LastSeen      time.Time         `json:"last_seen"`
	Port          int32             `json:"port,omitempty"`
	User          string            `json:"user,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryMB      float64           `json:"memory_mb"`
	DiskReadMB    float64           `json:"disk_read_mb"`
	DiskWriteMB   float64           `json:"disk_write_mb"`
}

// HistoryEventType enumerates the append-only process_history event kinds.
type HistoryEventType string

const (
	EventRegistered    HistoryEventType = "registered"
	EventStatusChanged HistoryEventType = "status_changed"
	EventUpdated       HistoryEventType = "updated"
	EventRemoved       HistoryEventType = "removed"
)

// HistoryEntry is one append-only row of the process_history table.
type HistoryEntry struct {
	ID        int64            `json:"id"`
	PID       int32            `json:"pid"`
	Host      string           `json:"host"`
	SessionID string           `json:"session_id"`
	EventType HistoryEventType `json:"event_type"`
	EventTime time.Time        `json:"event_time"`
	OldStatus Status           `json:"old_status,omitempty"`
	NewStatus Status           `json:"new_status,omitempty"`
	Details   string           `json:"details,omitempty"`
}

// Message is one mailbox row in the messages table. ToSession == "" means
// a broadcast.
type Message struct {
	ID          int64      `json:"id"`
	FromSession string     `json:"from_session"`
	ToSession   string     `json:"to_session,omitempty"`
	MessageType string     `json:"message_type"`
	Payload     string     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ValidationStatus is the outcome of validating one process entry against
// observed OS state.
type ValidationStatus string

const (
	ValidOK               ValidationStatus = "valid"
	ValidMissing          ValidationStatus = "missing"
	ValidHijacked         ValidationStatus = "hijacked"
	ValidZombie           ValidationStatus = "zombie"
	ValidStale            ValidationStatus = "stale"
	ValidResourceExceeded ValidationStatus = "resource_exceeded"
	ValidUnhealthy        ValidationStatus = "unhealthy"
)

// RecommendedAction is what the validator suggests doing about a
// ValidationResult.
type RecommendedAction string

const (
	ActionNone                RecommendedAction = "none"
	ActionRemoveFromRegistry  RecommendedAction = "remove_from_registry"
	ActionKillAndRemove       RecommendedAction = "kill_and_remove"
	ActionRefreshTracking     RecommendedAction = "refresh_tracking"
	ActionMonitorClosely      RecommendedAction = "monitor_closely"
	ActionInvestigateHealth   RecommendedAction = "investigate_health"
)

// ValidationResult classifies one tracked entry's health against the OS.
type ValidationResult struct {
	PID               int32             `json:"pid"`
	Host              string            `json:"host"`
	Status            ValidationStatus  `json:"status"`
	Reason            string            `json:"reason"`
	Details           map[string]string `json:"details,omitempty"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
}

// CleanupStats summarizes one Cleaner pass.
type CleanupStats struct {
	Checked          int       `json:"checked"`
	Removed          int       `json:"removed"`
	ZombiesKilled    int       `json:"zombies_killed"`
	OrphansRegistered int      `json:"orphans_registered"`
	HistoryPurged    int       `json:"history_purged"`
	MessagesPurged   int       `json:"messages_purged"`
	Errors           []string  `json:"errors,omitempty"`
	RanAt            time.Time `json:"ran_at"`
}

// ProcessInfo is a lightweight OS-observed snapshot, distinct from the
// persisted ProcessEntry, used by the tracker and validator when
// inspecting a live PID.
type ProcessInfo struct {
	PID          int32
	Name         string
	Cmdline      []string
	CreateTime   time.Time
	Status       string
	CPUPercent   float64
	MemoryMB     float64
	IOReadMB     float64
	IOWriteMB    float64
	NumThreads   int32
	NumFDs       int32
	NumConns     int32
}
