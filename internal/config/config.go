// Package config loads the tunable parameters the core needs: CAS
// compression level, registry thresholds, sandbox resource limits, hook
// rate limits. This is not the out-of-scope MCP protocol/CLI
// configuration layer — it is the ambient knob set the core components
// themselves read, loaded the way the teacher's pkg/options packages load
// typed, mapstructure-tagged settings via viper.
package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// CASConfig tunes the Object Store / CAS.
type CASConfig struct {
	ZstdLevel int `mapstructure:"zstd-level"`
}

// RegistryConfig tunes the Process Registry.
type RegistryConfig struct {
	SampleInterval       time.Duration `mapstructure:"sample-interval"`
	StaleThresholdS      int64         `mapstructure:"stale-threshold-seconds"`
	ZombieGrace          time.Duration `mapstructure:"zombie-grace"`
	StaleProcessHours    int           `mapstructure:"stale-process-hours"`
	HistoryRetentionDays int           `mapstructure:"history-retention-days"`
	CleanupInterval      time.Duration `mapstructure:"cleanup-interval"`
	ResourceCPUPercent   float64       `mapstructure:"resource-cpu-percent"`
	ResourceMemoryMB     float64       `mapstructure:"resource-memory-mb"`
	MaxOpenFiles         int           `mapstructure:"max-open-files"`
	MaxConnections       int           `mapstructure:"max-connections"`
	MaxThreads           int           `mapstructure:"max-threads"`
}

// MonitorConfig tunes the Resource Monitor ring buffers and thresholds.
type MonitorConfig struct {
	RingBufferSize int           `mapstructure:"ring-buffer-size"`
	SampleInterval time.Duration `mapstructure:"sample-interval"`
	Thresholds     Thresholds    `mapstructure:"thresholds"`
}

// Thresholds holds the three-severity threshold table for each resource
// type the monitor watches.
type Thresholds struct {
	CPUWarn, CPUCrit, CPUEmerg                   float64
	MemWarnMB, MemCritMB, MemEmergMB             float64
	FilesWarn, FilesCrit, FilesEmerg             int
	ThreadsWarn, ThreadsCrit, ThreadsEmerg       int
}

// HookConfig tunes the Hook Registry/Engine/Sandbox.
type HookConfig struct {
	HistorySize         int           `mapstructure:"history-size"`
	ConcurrencyCap      int           `mapstructure:"concurrency-cap"`
	RateLimitWindow     time.Duration `mapstructure:"rate-limit-window"`
	HotReloadDebounce   time.Duration `mapstructure:"hot-reload-debounce"`
	Sandbox             SandboxConfig `mapstructure:"sandbox"`
}

// SandboxConfig tunes the Hook Sandbox's kernel-enforced limits and
// allow-lists.
type SandboxConfig struct {
	AddressSpaceMB    int64         `mapstructure:"address-space-mb"`
	CPUTimeSeconds    int64         `mapstructure:"cpu-time-seconds"`
	FileSizeMB        int64         `mapstructure:"file-size-mb"`
	MaxProcesses      int64         `mapstructure:"max-processes"`
	MaxOpenFiles      int64         `mapstructure:"max-open-files"`
	AllowedCommands   []string      `mapstructure:"allowed-commands"`
	DangerousPatterns []string      `mapstructure:"dangerous-patterns"`
	EnvAllowList      []string      `mapstructure:"env-allow-list"`
	EnvPrefixAllow    []string      `mapstructure:"env-prefix-allow"`
}

// Config is the full ambient tunable set for one core instance.
type Config struct {
	CAS      CASConfig      `mapstructure:"cas"`
	Registry RegistryConfig `mapstructure:"registry"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Hooks    HookConfig     `mapstructure:"hooks"`
}

// Default returns the spec-mandated default tunables.
func Default() *Config {
	return &Config{
		CAS: CASConfig{ZstdLevel: 3},
		Registry: RegistryConfig{
			SampleInterval:       30 * time.Second,
			StaleThresholdS:      300,
			ZombieGrace:          10 * time.Minute,
			StaleProcessHours:    24,
			HistoryRetentionDays: 30,
			CleanupInterval:      time.Hour,
			ResourceCPUPercent:   90,
			ResourceMemoryMB:     4096,
			MaxOpenFiles:         1000,
			MaxConnections:       100,
			MaxThreads:           100,
		},
		Monitor: MonitorConfig{
			RingBufferSize: 180,
			SampleInterval: 5 * time.Second,
			Thresholds: Thresholds{
				CPUWarn: 70, CPUCrit: 90, CPUEmerg: 95,
				MemWarnMB: 2048, MemCritMB: 4096, MemEmergMB: 8192,
				FilesWarn: 500, FilesCrit: 1000, FilesEmerg: 2000,
				ThreadsWarn: 50, ThreadsCrit: 100, ThreadsEmerg: 200,
			},
		},
		Hooks: HookConfig{
			HistorySize:       1000,
			ConcurrencyCap:    10,
			RateLimitWindow:   60 * time.Second,
			HotReloadDebounce: 250 * time.Millisecond,
			Sandbox: SandboxConfig{
				AddressSpaceMB: 512,
				CPUTimeSeconds: 60,
				FileSizeMB:     100,
				MaxProcesses:   10,
				MaxOpenFiles:   100,
				AllowedCommands: []string{
					"echo", "cat", "grep", "sed", "awk", "sort", "uniq", "head",
					"tail", "wc", "find", "ls", "cp", "mv", "rm", "mkdir", "touch",
					"chmod", "chown", "tar", "gzip", "python", "python3", "node",
					"npm", "git", "curl", "wget",
				},
				DangerousPatterns: []string{
					"sudo", "rm -rf /", "/etc/passwd", "../..", ":(){:|:&};:",
					"mkfs", "dd if=", "> /dev/sda",
				},
				EnvAllowList: []string{
					"PATH", "HOME", "USER", "LANG", "LC_ALL", "TZ", "PYTHONPATH",
					"NODE_PATH", "GIT_AUTHOR_NAME", "GIT_AUTHOR_EMAIL", "HOOK_CONTEXT",
				},
				EnvPrefixAllow: []string{"HOOK_"},
			},
		},
	}
}

// Load reads path (if non-empty and present) via viper and merges the
// result onto the spec-mandated defaults. A missing path is not an error:
// the defaults stand alone. Environment variables prefixed SHANNON_
// override only keys that the file itself sets, under the key's full
// dotted name (no key replacer is installed); with no file, no
// environment variable is read.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("SHANNON")
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}
