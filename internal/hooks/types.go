// Package hooks implements the event-triggered hook system: a registry of
// configured hooks indexed by trigger, an engine that evaluates
// conditions, enforces rate limits, and dispatches sandboxed actions, and
// a sandbox that scans, scrubs, and kernel-limits everything the engine
// spawns.
package hooks

import "time"

// TriggerType is one of the fixed trigger tags plus "custom".
type TriggerType string

const (
	TriggerSessionStart     TriggerType = "session_start"
	TriggerSessionEnd       TriggerType = "session_end"
	TriggerCheckpointCreate TriggerType = "checkpoint_create"
	TriggerCheckpointRestore TriggerType = "checkpoint_restore"
	TriggerFileModify       TriggerType = "file_modify"
	TriggerProcessStart     TriggerType = "process_start"
	TriggerProcessStop      TriggerType = "process_stop"
	TriggerAlert            TriggerType = "alert"
	TriggerCustom           TriggerType = "custom"
)

// ActionType tags the action variant.
type ActionType string

const (
	ActionCommand      ActionType = "command"
	ActionScript       ActionType = "script"
	ActionWebhook      ActionType = "webhook"
	ActionFunction     ActionType = "function"
	ActionNotification ActionType = "notification"
	ActionLog          ActionType = "log"
	ActionTransform    ActionType = "transform"
)

// Action is a tagged union: Type selects which of the following fields
// apply. This mirrors the source's dynamically-typed action dict as a Go
// struct with one populated variant instead of an interface hierarchy.
type Action struct {
	Type ActionType `json:"type"`

	// command
	Command string `json:"command,omitempty"`

	// script
	ScriptPath string `json:"script_path,omitempty"`

	// webhook
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// function
	FunctionName string `json:"function_name,omitempty"`
	Async        bool   `json:"async,omitempty"`

	// notification
	NotificationChannel string `json:"notification_channel,omitempty"`
	NotificationLevel   string `json:"notification_level,omitempty"`

	// log
	LogLevel   string `json:"log_level,omitempty"`
	LogMessage string `json:"log_message,omitempty"`

	// transform
	Expression string `json:"expression,omitempty"`

	// shared
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ConditionOperator enumerates the comparison operators a Condition may
// use against the flattened event context.
type ConditionOperator string

const (
	OpEq       ConditionOperator = "eq"
	OpNe       ConditionOperator = "ne"
	OpGt       ConditionOperator = "gt"
	OpLt       ConditionOperator = "lt"
	OpContains ConditionOperator = "contains"
	OpRegex    ConditionOperator = "regex"
)

// Condition is one predicate over a dotted path into the event context.
// All conditions on a hook must pass for it to fire.
type Condition struct {
	FieldPath string            `json:"field_path"`
	Operator  ConditionOperator `json:"operator"`
	Value     any               `json:"value"`
}

// Hook is one configured (triggers, conditions, actions) tuple.
type Hook struct {
	Name         string        `json:"name"`
	Triggers     []TriggerType `json:"triggers"`
	Actions      []Action      `json:"actions"`
	Conditions   []Condition   `json:"conditions,omitempty"`
	Enabled      bool          `json:"enabled"`
	Priority     int           `json:"priority"`
	Async        bool          `json:"async"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	RetryCount   int           `json:"retry_count"`
	RetryDelay   time.Duration `json:"retry_delay"`
	Sandbox      bool          `json:"sandbox"`
	AllowedPaths []string      `json:"allowed_paths,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	RateLimit    int           `json:"rate_limit,omitempty"`
	Cooldown     time.Duration `json:"cooldown,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
}

// Event is the typed payload carried into the engine for one trigger
// firing, replacing an ad-hoc dictionary with a known shape plus a free
// context map for trigger-specific fields.
type Event struct {
	Type      TriggerType
	Context   map[string]any
	Timestamp time.Time
}

// ActionOutput is the recorded result of one action within a hook
// execution.
type ActionOutput struct {
	ActionType ActionType `json:"action_type"`
	Success    bool       `json:"success"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ExecutionResult is recorded in the bounded per-hook history after every
// execution attempt.
type ExecutionResult struct {
	HookName  string         `json:"hook_name"`
	Success   bool           `json:"success"`
	Outputs   []ActionOutput `json:"outputs,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Error     string         `json:"error,omitempty"`
	Skipped   bool           `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
	StartedAt time.Time      `json:"started_at"`
}
