package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kart-io/logger"

	"github.com/kart-io/shannon-mcp-core/internal/config"
	"github.com/kart-io/shannon-mcp-core/internal/errs"
)

// maxCapturedOutput bounds how much stdout/stderr the sandbox will buffer
// in memory per execution.
const maxCapturedOutput = 1 << 20 // 1 MiB

// boundedBuffer is an io.Writer that stops accepting bytes past its cap,
// so a runaway child process cannot exhaust memory through captured
// output.
type boundedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Sandbox applies command/script validation, environment scrubbing,
// working-directory isolation, and kernel-enforced resource limits to
// every action the engine dispatches with sandbox=true.
type Sandbox struct {
	cfg  config.SandboxConfig
	root string
}

// NewSandbox creates a Sandbox rooted at root (where per-execution working
// directories are created) using cfg's limits and allow-lists.
func NewSandbox(cfg config.SandboxConfig, root string) *Sandbox {
	return &Sandbox{cfg: cfg, root: root}
}

// SandboxResult is the outcome of a sandboxed command/script execution.
type SandboxResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Error    error
}

// ValidateCommand checks a command string against the dangerous-pattern
// list and the first-argument allow-list, without spawning anything.
func (s *Sandbox) ValidateCommand(command string) error {
	if pattern := s.matchDangerousPattern(command); pattern != "" {
		return errs.New(errs.KindSecurity, "sandbox.dangerous_pattern",
			fmt.Sprintf("command matches dangerous pattern %q", pattern))
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return errs.New(errs.KindSecurity, "sandbox.empty_command", "empty command")
	}
	first := filepath.Base(fields[0])
	if !s.commandAllowed(first) {
		return errs.New(errs.KindSecurity, "sandbox.disallowed_command",
			fmt.Sprintf("command %q is not on the allow-list", first))
	}
	return nil
}

func (s *Sandbox) matchDangerousPattern(content string) string {
	lower := strings.ToLower(content)
	for _, pattern := range s.cfg.DangerousPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern
		}
	}
	return ""
}

func (s *Sandbox) commandAllowed(name string) bool {
	for _, allowed := range s.cfg.AllowedCommands {
		if allowed == name {
			return true
		}
	}
	return false
}

// ValidateScript content-scans a script's source against the
// dangerous-pattern list.
func (s *Sandbox) ValidateScript(content string) error {
	if pattern := s.matchDangerousPattern(content); pattern != "" {
		return errs.New(errs.KindSecurity, "sandbox.dangerous_pattern",
			fmt.Sprintf("script matches dangerous pattern %q", pattern))
	}
	return nil
}

// scrubEnvironment builds a fresh environment containing only allow-listed
// variables, anything with the HOOK_ prefix, plus the fixed sandbox
// markers.
func (s *Sandbox) scrubEnvironment(extra map[string]string, tmpDir string) []string {
	allow := make(map[string]struct{}, len(s.cfg.EnvAllowList))
	for _, k := range s.cfg.EnvAllowList {
		allow[k] = struct{}{}
	}

	var out []string
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		if _, ok := allow[key]; ok {
			out = append(out, kv)
			continue
		}
		for _, prefix := range s.cfg.EnvPrefixAllow {
			if strings.HasPrefix(key, prefix) {
				out = append(out, kv)
				break
			}
		}
	}

	for k, v := range extra {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}

	out = append(out, "HOOK_SANDBOX=1", "TMPDIR="+tmpDir)
	return out
}

// prepareWorkdir creates a fresh per-execution directory under the
// sandbox root and copies allowedPaths into it.
func (s *Sandbox) prepareWorkdir(executionID string, allowedPaths []string) (string, error) {
	dir := filepath.Join(s.root, executionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errs.New(errs.KindStorage, "sandbox.mkdir_workdir", "create sandbox workdir").WithCause(err)
	}

	for _, src := range allowedPaths {
		data, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(src))
		_ = os.WriteFile(dst, data, 0o600)
	}
	return dir, nil
}

func (s *Sandbox) cleanupWorkdir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warnw("sandbox: failed to remove workdir", "dir", dir, "error", err)
	}
}

// ulimitPreamble renders the sandbox's resource limits as POSIX shell
// ulimit statements, applied by the spawned /bin/sh before it execs the
// real command. This is the only portable way to set RLIMIT_AS/CPU/FSIZE/
// NPROC/NOFILE on a child from a Go parent without cgo.
func (s *Sandbox) ulimitPreamble() string {
	return fmt.Sprintf(
		"ulimit -v %d; ulimit -t %d; ulimit -f %d; ulimit -u %d; ulimit -n %d; ",
		s.cfg.AddressSpaceMB*1024, s.cfg.CPUTimeSeconds, s.cfg.FileSizeMB*2048,
		s.cfg.MaxProcesses, s.cfg.MaxOpenFiles,
	)
}

// applyResourceLimits puts cmd in its own process group, so the whole
// subtree can be killed as a unit on timeout.
func (s *Sandbox) applyResourceLimits(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func deadlineFor(hookTimeout time.Duration, cpuLimit time.Duration) time.Duration {
	if hookTimeout <= 0 {
		return cpuLimit
	}
	if cpuLimit <= 0 || hookTimeout < cpuLimit {
		return hookTimeout
	}
	return cpuLimit
}

// RunCommand executes a shell command string inside the sandbox: it
// validates, scrubs the environment, isolates the working directory,
// applies kernel limits, and enforces the wall-clock deadline.
func (s *Sandbox) RunCommand(ctx context.Context, executionID, command string, env map[string]string, allowedPaths []string, hookTimeout time.Duration) SandboxResult {
	if err := s.ValidateCommand(command); err != nil {
		return SandboxResult{Success: false, Error: err}
	}

	workdir, err := s.prepareWorkdir(executionID, allowedPaths)
	if err != nil {
		return SandboxResult{Success: false, Error: err}
	}
	defer s.cleanupWorkdir(workdir)

	deadline := deadlineFor(hookTimeout, time.Duration(s.cfg.CPUTimeSeconds)*time.Second)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", s.ulimitPreamble()+command)
	cmd.Dir = workdir
	cmd.Env = s.scrubEnvironment(env, workdir)
	s.applyResourceLimits(cmd)

	var stdout, stderr boundedBuffer
	stdout.limit, stderr.limit = maxCapturedOutput, maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	result := SandboxResult{
		Stdout: stdout.buf.String(),
		Stderr: stderr.buf.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		s.killGroup(cmd)
		result.Error = errs.New(errs.KindTimeout, "sandbox.timeout", "command exceeded sandbox deadline")
		return result
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		result.Error = errs.New(errs.KindOS, "sandbox.exec_failed", "command exited non-zero").WithCause(err)
		return result
	}

	result.Success = true
	return result
}

func (s *Sandbox) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// InterpreterFor maps a script file extension to the interpreter the
// engine should invoke.
func InterpreterFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".sh":
		return "bash"
	case ".js":
		return "node"
	default:
		return path
	}
}

// RunScript executes a script path under the sandbox, choosing an
// interpreter by extension and injecting contextJSON as HOOK_CONTEXT.
func (s *Sandbox) RunScript(ctx context.Context, executionID, scriptPath, contextJSON string, env map[string]string, allowedPaths []string, hookTimeout time.Duration) SandboxResult {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return SandboxResult{Success: false, Error: errs.New(errs.KindOS, "sandbox.read_script", "read script file").WithCause(err)}
	}
	if err := s.ValidateScript(string(content)); err != nil {
		return SandboxResult{Success: false, Error: err}
	}

	interpreter := InterpreterFor(scriptPath)
	mergedEnv := make(map[string]string, len(env)+1)
	for k, v := range env {
		mergedEnv[k] = v
	}
	mergedEnv["HOOK_CONTEXT"] = contextJSON

	var command string
	if interpreter == scriptPath {
		command = scriptPath
	} else {
		command = fmt.Sprintf("%s %s", interpreter, scriptPath)
	}

	return s.runRaw(ctx, executionID, command, mergedEnv, allowedPaths, hookTimeout)
}

// runRaw is RunCommand without the allow-list/dangerous-pattern command
// validation, since scripts are validated by content instead of by
// first-argument allow-listing.
func (s *Sandbox) runRaw(ctx context.Context, executionID, command string, env map[string]string, allowedPaths []string, hookTimeout time.Duration) SandboxResult {
	workdir, err := s.prepareWorkdir(executionID, allowedPaths)
	if err != nil {
		return SandboxResult{Success: false, Error: err}
	}
	defer s.cleanupWorkdir(workdir)

	deadline := deadlineFor(hookTimeout, time.Duration(s.cfg.CPUTimeSeconds)*time.Second)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", s.ulimitPreamble()+command)
	cmd.Dir = workdir
	cmd.Env = s.scrubEnvironment(env, workdir)
	s.applyResourceLimits(cmd)

	var stdout, stderr boundedBuffer
	stdout.limit, stderr.limit = maxCapturedOutput, maxCapturedOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	result := SandboxResult{Stdout: stdout.buf.String(), Stderr: stderr.buf.String()}

	if runCtx.Err() == context.DeadlineExceeded {
		s.killGroup(cmd)
		result.Error = errs.New(errs.KindTimeout, "sandbox.timeout", "script exceeded sandbox deadline")
		return result
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		}
		result.Error = errs.New(errs.KindOS, "sandbox.exec_failed", "script exited non-zero").WithCause(err)
		return result
	}

	result.Success = true
	return result
}
