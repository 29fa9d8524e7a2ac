package hooks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchingHooksOrdersByPriorityAndIncludesCustom(t *testing.T) {
	reg := NewRegistry(50 * time.Millisecond)

	reg.Register(&Hook{Name: "low", Triggers: []TriggerType{TriggerFileModify}, Enabled: true, Priority: 1})
	reg.Register(&Hook{Name: "high", Triggers: []TriggerType{TriggerFileModify}, Enabled: true, Priority: 10})
	reg.Register(&Hook{Name: "any", Triggers: []TriggerType{TriggerCustom}, Enabled: true})
	reg.Register(&Hook{Name: "disabled", Triggers: []TriggerType{TriggerFileModify}, Enabled: false})

	matches := reg.MatchingHooks(TriggerFileModify)
	require.Len(t, matches, 3)
	require.Equal(t, "high", matches[0].Name)
	require.Equal(t, "low", matches[1].Name)
	require.Equal(t, "any", matches[2].Name)
}

func TestRateLimitStateCooldownAndWindow(t *testing.T) {
	state := &rateLimitState{}
	now := time.Now()

	ok, _ := state.allow(now, 2, 0)
	require.True(t, ok)
	ok, reason := state.allow(now, 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, "cooldown", reason)

	later := now.Add(2 * time.Minute)
	ok, _ = state.allow(later, 2, time.Minute)
	require.True(t, ok)
	ok, _ = state.allow(later.Add(time.Second), 2, 0)
	require.True(t, ok)
	ok, reason = state.allow(later.Add(2*time.Second), 2, 0)
	require.False(t, ok)
	require.Equal(t, "rate_limit", reason)
}

func TestLoadDirectoryAndHotReload(t *testing.T) {
	dir := t.TempDir()
	hookPath := filepath.Join(dir, "greet.json")
	initial := `{
		"name": "greet",
		"triggers": ["session_start"],
		"enabled": true,
		"priority": 5,
		"actions": [{"type": "log", "log_message": "hello"}]
	}`
	require.NoError(t, os.WriteFile(hookPath, []byte(initial), 0o600))

	reg := NewRegistry(20 * time.Millisecond)
	require.NoError(t, reg.LoadDirectory(dir))

	h, ok := reg.Get("greet")
	require.True(t, ok)
	require.Equal(t, 5, h.Priority)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	require.NoError(t, reg.WatchDirectory(stop))

	time.Sleep(10 * time.Millisecond)
	updated := `{
		"name": "greet",
		"triggers": ["session_start"],
		"enabled": true,
		"priority": 9,
		"actions": [{"type": "log", "log_message": "hello again"}]
	}`
	require.NoError(t, os.WriteFile(hookPath, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		h, ok := reg.Get("greet")
		return ok && h.Priority == 9
	}, time.Second, 10*time.Millisecond)
}
