// Package spark drives the spark sandbox CLI: volumes, sandbox creation,
// forks, and running scripts or background processes inside a sandbox.
package spark

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/logger"
)

const (
	maxErrorOutput = 2000

	repoSyncTimeout = 5 * time.Minute
)

// SandboxError is raised for any spark invocation that exits non-zero and
// is not excused by an already-exists policy.
type SandboxError struct {
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *SandboxError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spark %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("spark %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, e.Output)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// CommandRunner executes the spark binary. The production runner shells
// out; tests substitute a fake.
type CommandRunner interface {
	// Run returns the combined stdout+stderr and the process exit code.
	// err is non-nil only when the process could not be started.
	Run(ctx context.Context, name string, args ...string) (output string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return string(out), -1, err
	}
	return string(out), 0, nil
}

// MainSandboxSpec describes a project's long-lived main sandbox.
type MainSandboxSpec struct {
	Project       string
	Base          string
	MainSandbox   string
	WorkVolume    string
	WorkMountPath string
}

// RepoSyncSpec describes the repo clone kept fresh inside the main sandbox.
type RepoSyncSpec struct {
	Project     string
	SandboxName string
	Repo        string
	Branch      string
	Workdir     string
}

// BootstrapSpec describes the optional bootstrap script.
type BootstrapSpec struct {
	Project     string
	SandboxName string
	Workdir     string
	ScriptPath  string
	TimeoutSec  int
	Retries     int
}

// ForkSpec describes a per-task sandbox fork.
type ForkSpec struct {
	Project     string
	TaskSandbox string
	MainSandbox string
	Tags        map[string]string
}

// LaunchSpec describes a background bridge launch inside a sandbox.
type LaunchSpec struct {
	Project     string
	SandboxName string
	Entrypoint  string
	Workdir     string
	Env         map[string]string
}

// LaunchResult carries what could be parsed from the launch output.
type LaunchResult struct {
	PID       int
	ProcessID string
	RawOutput string
}

// Client wraps the spark binary.
type Client struct {
	bin    string
	runner CommandRunner
	logger *logger.Logger
}

// NewClient creates a client using the real spark binary.
func NewClient(log *logger.Logger) *Client {
	return &Client{
		bin:    "spark",
		runner: execRunner{},
		logger: log.WithFields(zap.String("component", "spark")),
	}
}

// NewClientWithRunner creates a client with a custom runner, for tests.
func NewClientWithRunner(runner CommandRunner, log *logger.Logger) *Client {
	return &Client{bin: "spark", runner: runner, logger: log.WithFields(zap.String("component", "spark"))}
}

// run executes spark with the given args. When allowAlreadyExists is set,
// a non-zero exit whose output mentions "already exists" counts as success.
func (c *Client) run(ctx context.Context, allowAlreadyExists bool, args ...string) (string, error) {
	c.logger.Debug("running spark command", zap.Strings("args", args))
	output, exitCode, err := c.runner.Run(ctx, c.bin, args...)
	if err != nil {
		return output, &SandboxError{Args: args, ExitCode: -1, Output: truncate(output, maxErrorOutput), Err: err}
	}
	if exitCode == 0 {
		return output, nil
	}
	if allowAlreadyExists && strings.Contains(strings.ToLower(output), "already exists") {
		c.logger.Debug("resource already exists, treating as success", zap.Strings("args", args))
		return output, nil
	}
	return output, &SandboxError{Args: args, ExitCode: exitCode, Output: truncate(output, maxErrorOutput)}
}

// VerifyAvailability probes the spark binary.
func (c *Client) VerifyAvailability(ctx context.Context) error {
	_, err := c.run(ctx, false, "--version")
	return err
}

// EnsureWorkVolume creates the project work volume if it does not exist.
func (c *Client) EnsureWorkVolume(ctx context.Context, project, volume string) error {
	_, err := c.run(ctx, true, "volume", "create", "--project", project, volume)
	return err
}

// EnsureMainSandbox creates the main sandbox from the base image with the
// work volume mounted; an existing sandbox is left alone.
func (c *Client) EnsureMainSandbox(ctx context.Context, spec MainSandboxSpec) error {
	_, err := c.run(ctx, true,
		"create",
		"--project", spec.Project,
		"--base", spec.Base,
		"--volume", spec.WorkVolume+":"+spec.WorkMountPath,
		spec.MainSandbox,
	)
	return err
}

// EnsureRepoInMainSandbox clones the repo on first use or force-syncs an
// existing clone to the branch head.
func (c *Client) EnsureRepoInMainSandbox(ctx context.Context, spec RepoSyncSpec) error {
	script := strings.Join([]string{
		"set -e",
		fmt.Sprintf("if [ ! -d %s/.git ]; then", shellQuote(spec.Workdir)),
		fmt.Sprintf("  git clone --branch %s %s %s", shellQuote(spec.Branch), shellQuote(spec.Repo), shellQuote(spec.Workdir)),
		"else",
		fmt.Sprintf("  cd %s", shellQuote(spec.Workdir)),
		"  git fetch origin",
		fmt.Sprintf("  git checkout %s", shellQuote(spec.Branch)),
		fmt.Sprintf("  git reset --hard %s", shellQuote("origin/"+spec.Branch)),
		"fi",
	}, "\n")

	ctx, cancel := context.WithTimeout(ctx, repoSyncTimeout)
	defer cancel()

	_, err := c.run(ctx, false, "exec", spec.Project+":"+spec.SandboxName, "--", "sh", "-lc", script)
	return err
}

// RunBootstrap executes the bootstrap script inside the sandbox if it is
// present, retrying on failure up to Retries extra attempts.
func (c *Client) RunBootstrap(ctx context.Context, spec BootstrapSpec) error {
	if spec.ScriptPath == "" {
		return nil
	}
	script := strings.Join([]string{
		fmt.Sprintf("cd %s", shellQuote(spec.Workdir)),
		fmt.Sprintf("if [ -f %s ]; then sh %s; fi", shellQuote(spec.ScriptPath), shellQuote(spec.ScriptPath)),
	}, "\n")

	timeout := time.Duration(spec.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	var lastErr error
	attempts := spec.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := c.run(attemptCtx, false, "exec", spec.Project+":"+spec.SandboxName, "--", "sh", "-lc", script)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Warn("bootstrap attempt failed",
			zap.String("sandbox", spec.SandboxName),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return lastErr
}

// CreateTaskSandboxFork forks a task sandbox from the main sandbox,
// passing each tag as -t key=value. Tags are emitted in sorted key order
// so invocations are deterministic.
func (c *Client) CreateTaskSandboxFork(ctx context.Context, spec ForkSpec) error {
	args := []string{"fork", "--project", spec.Project, spec.MainSandbox, spec.TaskSandbox}
	for _, key := range sortedKeys(spec.Tags) {
		args = append(args, "-t", key+"="+spec.Tags[key])
	}
	_, err := c.run(ctx, false, args...)
	return err
}

var (
	pidPattern       = regexp.MustCompile(`(?i)\bpid[:=]\s*(\d+)`)
	processIDPattern = regexp.MustCompile(`(?i)\bprocess(?:_id)?[:=]\s*([\w.-]+)`)
)

// LaunchBridgeInSandbox starts the bridge entrypoint in background mode
// with an env prelude, and parses pid/process identifiers from the output,
// tolerating their absence.
func (c *Client) LaunchBridgeInSandbox(ctx context.Context, spec LaunchSpec) (*LaunchResult, error) {
	var sb strings.Builder
	for _, key := range sortedKeys(spec.Env) {
		sb.WriteString("export " + key + "=" + shellQuote(spec.Env[key]) + "; ")
	}
	sb.WriteString("cd " + shellQuote(spec.Workdir) + "; ")
	sb.WriteString("exec " + shellQuote(spec.Entrypoint))

	output, err := c.run(ctx, false, "exec", "--bg", spec.Project+":"+spec.SandboxName, "--", "sh", "-lc", sb.String())
	if err != nil {
		return nil, err
	}

	result := &LaunchResult{RawOutput: strings.TrimSpace(output)}
	if m := pidPattern.FindStringSubmatch(output); m != nil {
		if pid, convErr := strconv.Atoi(m[1]); convErr == nil {
			result.PID = pid
		}
	}
	if m := processIDPattern.FindStringSubmatch(output); m != nil {
		result.ProcessID = m[1]
	}
	return result, nil
}

// shellQuote single-quotes a string for safe interpolation into sh
// scripts, escaping embedded quotes as '"'"'.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
