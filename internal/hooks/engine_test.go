package hooks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kart-io/shannon-mcp-core/internal/config"
)

func newTestEngine(t *testing.T) (*Engine, *Registry) {
	t.Helper()
	reg := NewRegistry(100 * time.Millisecond)
	sb := NewSandbox(config.Default().Hooks.Sandbox, t.TempDir())
	e, err := NewEngine(reg, sb, 4, 1000, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, reg
}

func TestRateLimitAllowsExactlyNWithinWindow(t *testing.T) {
	e, reg := newTestEngine(t)

	reg.Register(&Hook{
		Name:      "logger",
		Triggers:  []TriggerType{TriggerFileModify},
		Enabled:   true,
		RateLimit: 3,
		Actions:   []Action{{Type: ActionLog, LogLevel: "info", LogMessage: "x"}},
	})

	var succeeded, skipped int
	for i := 0; i < 10; i++ {
		results, err := e.Trigger(context.Background(), TriggerFileModify, map[string]any{"i": i})
		require.NoError(t, err)
		require.Len(t, results, 1)
		if results[0].Skipped {
			skipped++
		} else {
			succeeded++
		}
	}

	require.Equal(t, 3, succeeded)
	require.Equal(t, 7, skipped)
}

func TestSandboxRefusesDangerousCommand(t *testing.T) {
	e, reg := newTestEngine(t)

	reg.Register(&Hook{
		Name:     "destroyer",
		Triggers: []TriggerType{TriggerFileModify},
		Enabled:  true,
		Sandbox:  true,
		Actions:  []Action{{Type: ActionCommand, Command: "rm -rf /"}},
	})

	result, err := e.ExecuteHook(context.Background(), "destroyer", nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Outputs, 1)
	require.Contains(t, result.Outputs[0].Error, "dangerous pattern")
}

func TestConditionGatesExecution(t *testing.T) {
	e, reg := newTestEngine(t)

	reg.Register(&Hook{
		Name:     "conditional",
		Triggers: []TriggerType{TriggerFileModify},
		Enabled:  true,
		Conditions: []Condition{
			{FieldPath: "size", Operator: OpGt, Value: float64(100)},
		},
		Actions: []Action{{Type: ActionLog, LogMessage: "big file"}},
	})

	results, err := e.Trigger(context.Background(), TriggerFileModify, map[string]any{"size": float64(10)})
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = e.Trigger(context.Background(), TriggerFileModify, map[string]any{"size": float64(500)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
}

func TestTemplateSubstitutionFillsContextValues(t *testing.T) {
	flat := flatten(map[string]any{"checkpoint": map[string]any{"id": "01ABC"}}, "")
	action := Action{LogMessage: "created ${checkpoint.id}"}
	sub := substituteAction(action, flat)
	require.Equal(t, "created 01ABC", sub.LogMessage)
}

func TestInFlightGuardSkipsReentrantExecution(t *testing.T) {
	e, reg := newTestEngine(t)

	reg.Register(&Hook{
		Name:     "slow",
		Triggers: []TriggerType{TriggerFileModify},
		Enabled:  true,
		Actions:  []Action{{Type: ActionLog, LogMessage: "tick"}},
	})

	require.True(t, e.markInFlight("slow"))
	result, err := e.ExecuteHook(context.Background(), "slow", nil)
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, "in_flight", result.SkipReason)
	e.clearInFlight("slow")
}

func TestFunctionActionInvokesRegisteredCallback(t *testing.T) {
	e, reg := newTestEngine(t)

	var calls int32
	e.RegisterFunction("ping", func(ctx context.Context, hook *Hook, action Action, eventCtx map[string]any) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "pong", nil
	})

	reg.Register(&Hook{
		Name:     "caller",
		Triggers: []TriggerType{TriggerFileModify},
		Enabled:  true,
		Actions:  []Action{{Type: ActionFunction, FunctionName: "ping"}},
	})

	result, err := e.ExecuteHook(context.Background(), "caller", nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
