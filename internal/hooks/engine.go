package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/shannon-mcp-core/internal/errs"
	"github.com/kart-io/shannon-mcp-core/internal/execpool"
	"github.com/kart-io/shannon-mcp-core/internal/idgen"
)

var templateVar = regexp.MustCompile(`\$\{([^}]+)\}`)

// runUnsandboxed executes a command with the inheriting process's
// environment plus hook-declared extras, for hooks with sandbox=false.
// Only the wall-clock deadline is enforced.
func runUnsandboxed(ctx context.Context, command string, extraEnv map[string]string, timeout time.Duration) SandboxResult {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr boundedBuffer
	stdout.limit, stderr.limit = maxCapturedOutput, maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := SandboxResult{Stdout: stdout.buf.String(), Stderr: stderr.buf.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		result.Error = errs.New(errs.KindTimeout, "hooks.command_timeout", "command exceeded timeout")
		return result
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		result.Error = errs.New(errs.KindOS, "hooks.command_failed", "command exited non-zero").WithCause(err)
		return result
	}

	result.Success = true
	return result
}

// FunctionCallback is a host-registered callable the "function" action type
// invokes by name.
type FunctionCallback func(ctx context.Context, hook *Hook, action Action, eventCtx map[string]any) (string, error)

// NotificationSink receives the outcome notification the engine emits
// after every hook execution, and the explicit "notification" action.
type NotificationSink func(channel, level, message string, context map[string]any)

// boundedHistory is a fixed-capacity ring of execution results, one per
// hook name plus a global feed.
type boundedHistory struct {
	mu       sync.Mutex
	capacity int
	byHook   map[string][]ExecutionResult
	global   []ExecutionResult
}

func newBoundedHistory(capacity int) *boundedHistory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &boundedHistory{capacity: capacity, byHook: make(map[string][]ExecutionResult)}
}

func (h *boundedHistory) record(r ExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = appendBounded(h.global, r, h.capacity)
	h.byHook[r.HookName] = appendBounded(h.byHook[r.HookName], r, h.capacity)
}

func appendBounded(s []ExecutionResult, r ExecutionResult, capacity int) []ExecutionResult {
	s = append(s, r)
	if len(s) > capacity {
		s = s[len(s)-capacity:]
	}
	return s
}

func (h *boundedHistory) forHook(name string) []ExecutionResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ExecutionResult, len(h.byHook[name]))
	copy(out, h.byHook[name])
	return out
}

func (h *boundedHistory) all() []ExecutionResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ExecutionResult, len(h.global))
	copy(out, h.global)
	return out
}

// Engine evaluates conditions, enforces rate limits and in-flight
// exclusivity, and dispatches a hook's actions through the sandbox or
// directly, bounding overall concurrency with a worker pool.
type Engine struct {
	registry *Registry
	sandbox  *Sandbox
	pool     *execpool.Pool
	history  *boundedHistory

	functions     map[string]FunctionCallback
	notifications NotificationSink
	httpClient    *http.Client

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine builds an Engine with a concurrency-capped worker pool of the
// given size (0 uses a default of 10).
func NewEngine(registry *Registry, sandbox *Sandbox, concurrencyCap int, historySize int, notifications NotificationSink) (*Engine, error) {
	pool, err := execpool.New("hooks", execpool.DefaultConfig(concurrencyCap))
	if err != nil {
		return nil, errs.New(errs.KindOS, "hooks.pool_init", "create hook execution pool").WithCause(err)
	}

	return &Engine{
		registry:      registry,
		sandbox:       sandbox,
		pool:          pool,
		history:       newBoundedHistory(historySize),
		functions:     make(map[string]FunctionCallback),
		notifications: notifications,
		httpClient:    &http.Client{},
		inFlight:      make(map[string]struct{}),
	}, nil
}

// RegisterFunction makes name callable from a "function" action.
func (e *Engine) RegisterFunction(name string, fn FunctionCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
}

// Close releases the worker pool.
func (e *Engine) Close() {
	e.pool.Release()
}

// History returns the bounded execution history for one hook, most recent
// last.
func (e *Engine) History(hookName string) []ExecutionResult {
	return e.history.forHook(hookName)
}

// AllHistory returns the bounded execution history across every hook,
// most recent last.
func (e *Engine) AllHistory() []ExecutionResult {
	return e.history.all()
}

// Trigger fires every enabled hook registered for eventType whose
// conditions hold, in descending-priority order, and collects their
// execution results. Hooks marked async are dispatched on the worker pool
// without blocking the caller.
func (e *Engine) Trigger(ctx context.Context, eventType TriggerType, eventContext map[string]any) ([]ExecutionResult, error) {
	hooks := e.registry.MatchingHooks(eventType)
	flat := flatten(eventContext, "")

	results := make([]ExecutionResult, 0, len(hooks))
	for _, h := range hooks {
		if !evaluateConditions(h.Conditions, flat) {
			continue
		}

		if ok, reason := e.registry.CheckRateLimit(h); !ok {
			results = append(results, ExecutionResult{
				HookName: h.Name, Skipped: true, SkipReason: reason, StartedAt: time.Now(),
			})
			continue
		}

		if h.Async {
			hook, evCtx := h, eventContext
			if err := e.pool.Submit(func() { _, _ = e.ExecuteHook(context.Background(), hook.Name, evCtx) }); err != nil {
				logger.Warnw("hooks: failed to submit async execution", "hook", h.Name, "error", err)
			}
			continue
		}

		result, err := e.ExecuteHook(ctx, h.Name, eventContext)
		if err != nil {
			logger.Warnw("hooks: execution error", "hook", h.Name, "error", err)
		}
		results = append(results, result)
	}
	return results, nil
}

// ExecuteHook runs one hook by name directly, honoring its in-flight
// guard, retry policy, and action sequence.
func (e *Engine) ExecuteHook(ctx context.Context, name string, eventContext map[string]any) (ExecutionResult, error) {
	h, ok := e.registry.Get(name)
	if !ok {
		return ExecutionResult{}, errs.New(errs.KindValidation, "hooks.not_found", fmt.Sprintf("hook %q not registered", name))
	}

	if !e.markInFlight(name) {
		result := ExecutionResult{HookName: name, Skipped: true, SkipReason: "in_flight", StartedAt: time.Now()}
		return result, nil
	}
	defer e.clearInFlight(name)

	start := time.Now()
	flat := flatten(eventContext, "")
	contextJSON, _ := json.Marshal(eventContext)

	var outputs []ActionOutput
	var lastErr error

	attempts := h.RetryCount
	if attempts < 0 {
		attempts = 0
	}
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 && h.RetryDelay > 0 {
			select {
			case <-time.After(h.RetryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
			}
			if lastErr != nil {
				break
			}
		}

		outputs = nil
		lastErr = nil
		for _, action := range h.Actions {
			substituted := substituteAction(action, flat)
			out := e.dispatch(ctx, h, substituted, string(contextJSON), eventContext)
			outputs = append(outputs, out)
			if !out.Success {
				lastErr = fmt.Errorf("%s", out.Error)
				break
			}
		}

		if lastErr == nil {
			break
		}
	}

	result := ExecutionResult{
		HookName:  name,
		Success:   lastErr == nil,
		Outputs:   outputs,
		Duration:  time.Since(start),
		StartedAt: start,
	}
	if lastErr != nil {
		result.Error = lastErr.Error()
	}

	e.history.record(result)
	e.emitOutcomeNotification(h, result)
	return result, nil
}

func (e *Engine) markInFlight(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[name]; busy {
		return false
	}
	e.inFlight[name] = struct{}{}
	return true
}

func (e *Engine) clearInFlight(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, name)
}

func (e *Engine) emitOutcomeNotification(h *Hook, result ExecutionResult) {
	if e.notifications == nil {
		return
	}
	level := "info"
	if !result.Success {
		level = "error"
	}
	e.notifications("hooks", level, fmt.Sprintf("hook %q finished (success=%v)", h.Name, result.Success), map[string]any{
		"hook_name": h.Name,
		"success":   result.Success,
		"duration":  result.Duration.String(),
	})
}

// dispatch executes one action by type, per §4.10's action-type table.
func (e *Engine) dispatch(ctx context.Context, h *Hook, action Action, contextJSON string, eventContext map[string]any) ActionOutput {
	timeout := action.Timeout
	if timeout <= 0 {
		timeout = h.Timeout
	}

	switch action.Type {
	case ActionCommand:
		return e.dispatchCommand(ctx, h, action, timeout)
	case ActionScript:
		return e.dispatchScript(ctx, h, action, contextJSON, timeout)
	case ActionWebhook:
		return e.dispatchWebhook(ctx, h, action, eventContext, timeout)
	case ActionFunction:
		return e.dispatchFunction(ctx, h, action, eventContext)
	case ActionNotification:
		return e.dispatchNotification(h, action, eventContext)
	case ActionLog:
		return e.dispatchLog(action)
	case ActionTransform:
		return e.dispatchTransform(action, eventContext)
	default:
		return ActionOutput{ActionType: action.Type, Success: false, Error: "unknown action type"}
	}
}

func (e *Engine) dispatchCommand(ctx context.Context, h *Hook, action Action, timeout time.Duration) ActionOutput {
	out := ActionOutput{ActionType: ActionCommand}

	var res SandboxResult
	if h.Sandbox {
		res = e.sandbox.RunCommand(ctx, idgen.NewUUID(), action.Command, h.Environment, h.AllowedPaths, timeout)
	} else {
		res = runUnsandboxed(ctx, action.Command, h.Environment, timeout)
	}

	out.Success = res.Success
	out.Output = res.Stdout
	if res.Error != nil {
		out.Error = res.Error.Error()
	} else if !res.Success {
		out.Error = res.Stderr
	}
	return out
}

func (e *Engine) dispatchScript(ctx context.Context, h *Hook, action Action, contextJSON string, timeout time.Duration) ActionOutput {
	out := ActionOutput{ActionType: ActionScript}
	executionID := idgen.NewUUID()

	res := e.sandbox.RunScript(ctx, executionID, action.ScriptPath, contextJSON, h.Environment, h.AllowedPaths, timeout)
	out.Success = res.Success
	out.Output = res.Stdout
	if res.Error != nil {
		out.Error = res.Error.Error()
	} else if !res.Success {
		out.Error = res.Stderr
	}
	return out
}

func (e *Engine) dispatchWebhook(ctx context.Context, h *Hook, action Action, eventContext map[string]any, timeout time.Duration) ActionOutput {
	out := ActionOutput{ActionType: ActionWebhook}

	method := action.Method
	if method == "" {
		method = http.MethodPost
	}

	payload := map[string]any{
		"hook_name": h.Name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"context":   eventContext,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, action.URL, bytes.NewReader(body))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer resp.Body.Close()

	out.Output = "status " + strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Success = true
	} else {
		out.Error = fmt.Sprintf("webhook returned status %d", resp.StatusCode)
	}
	return out
}

func (e *Engine) dispatchFunction(ctx context.Context, h *Hook, action Action, eventContext map[string]any) ActionOutput {
	out := ActionOutput{ActionType: ActionFunction}

	e.mu.Lock()
	fn, ok := e.functions[action.FunctionName]
	e.mu.Unlock()
	if !ok {
		out.Error = fmt.Sprintf("function %q not registered", action.FunctionName)
		return out
	}

	run := func() {
		output, err := fn(ctx, h, action, eventContext)
		out.Output = output
		if err != nil {
			out.Error = err.Error()
			return
		}
		out.Success = true
	}

	if action.Async {
		fnCopy := fn
		if err := e.pool.Submit(func() { _, _ = fnCopy(context.Background(), h, action, eventContext) }); err != nil {
			out.Error = err.Error()
			return out
		}
		out.Success = true
		out.Output = "dispatched async"
		return out
	}

	run()
	return out
}

func (e *Engine) dispatchNotification(h *Hook, action Action, eventContext map[string]any) ActionOutput {
	out := ActionOutput{ActionType: ActionNotification, Success: true}
	if e.notifications != nil {
		level := action.NotificationLevel
		if level == "" {
			level = "info"
		}
		e.notifications(action.NotificationChannel, level, fmt.Sprintf("hook %q notification", h.Name), eventContext)
	}
	return out
}

func (e *Engine) dispatchLog(action Action) ActionOutput {
	out := ActionOutput{ActionType: ActionLog, Success: true}
	switch strings.ToLower(action.LogLevel) {
	case "warn", "warning":
		logger.Warnw(action.LogMessage)
	case "error":
		logger.Errorw(action.LogMessage)
	default:
		logger.Infow(action.LogMessage)
	}
	return out
}

// dispatchTransform applies a dotted-path expression against the
// flattened context and returns the matched value as output, matching a
// JSONPath-lite subset sufficient for picking a nested field.
func (e *Engine) dispatchTransform(action Action, eventContext map[string]any) ActionOutput {
	out := ActionOutput{ActionType: ActionTransform}
	flat := flatten(eventContext, "")

	expr := strings.TrimPrefix(action.Expression, "$.")
	val, ok := flat[expr]
	if !ok {
		out.Error = fmt.Sprintf("expression %q matched nothing", action.Expression)
		return out
	}
	out.Success = true
	out.Output = fmt.Sprintf("%v", val)
	return out
}

// flatten turns a nested map into a dotted-path → value map, e.g.
// {"a":{"b":1}} becomes {"a.b": 1}.
func flatten(m map[string]any, prefix string) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(nested, path) {
				out[nk] = nv
			}
			continue
		}
		out[path] = v
	}
	return out
}

// substituteAction returns a copy of action with every ${field.path}
// placeholder in its string fields replaced by the matching flattened
// context value.
func substituteAction(action Action, flat map[string]any) Action {
	sub := func(s string) string {
		return templateVar.ReplaceAllStringFunc(s, func(match string) string {
			key := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
			if v, ok := flat[key]; ok {
				return fmt.Sprintf("%v", v)
			}
			return match
		})
	}

	out := action
	out.Command = sub(action.Command)
	out.ScriptPath = sub(action.ScriptPath)
	out.URL = sub(action.URL)
	out.FunctionName = sub(action.FunctionName)
	out.NotificationChannel = sub(action.NotificationChannel)
	out.LogMessage = sub(action.LogMessage)
	out.Expression = sub(action.Expression)
	if action.Headers != nil {
		headers := make(map[string]string, len(action.Headers))
		for k, v := range action.Headers {
			headers[k] = sub(v)
		}
		out.Headers = headers
	}
	return out
}

// evaluateConditions reports whether every condition holds against the
// flattened context. An empty condition list always passes.
func evaluateConditions(conditions []Condition, flat map[string]any) bool {
	for _, c := range conditions {
		if !evaluateCondition(c, flat) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, flat map[string]any) bool {
	actual, ok := flat[c.FieldPath]
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", c.Value)
	case OpNe:
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", c.Value)
	case OpGt:
		a, b, ok := numericPair(actual, c.Value)
		return ok && a > b
	case OpLt:
		a, b, ok := numericPair(actual, c.Value)
		return ok && a < b
	case OpContains:
		return strings.Contains(fmt.Sprintf("%v", actual), fmt.Sprintf("%v", c.Value))
	case OpRegex:
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprintf("%v", actual))
	default:
		return false
	}
}

func numericPair(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
