package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-coverage/types"
)

var _ TargetExecutor = (*targetExecutor)(nil)

// TargetExecutor runs a single test target under coverage instrumentation.
// Execution failures that belong to the target (timeout, crash) are
// recorded in the returned result; an error return means the pipeline
// itself could not run the target.
type TargetExecutor interface {
	Execute(ctx context.Context, target types.TestTarget) (*types.TargetResult, error)
}

// ArtifactSink stores raw per-target artifacts for a run.
type ArtifactSink interface {
	WriteTargetProfile(targetKey string, profile []byte) error
	WriteTargetLog(targetKey string, output string) error
}

// CmdBuilder constructs the instrumented test command. Injected so tests
// can substitute a stub process.
type CmdBuilder func(ctx context.Context, dir, name string, arg ...string) *exec.Cmd

// DefaultCmdBuilder builds a real command bound to the given context.
func DefaultCmdBuilder(ctx context.Context, dir, name string, arg ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Dir = dir
	return cmd
}

// configureTermination makes cancellation reach the target's whole process
// group. `go test` spawns compiled test binaries as grandchildren; killing
// only the direct child leaves them holding the output pipes, and Run
// would block until they exit on their own. WaitDelay bounds the wait for
// any process that escaped the group.
func configureTermination(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = KillGracePeriod
}

// CheckInstrumentation verifies a coverage instrumentation backend is
// available. Returns ErrInstrumentationUnavailable when it is not; this is
// fatal for the whole pipeline.
func CheckInstrumentation(goBinary string) error {
	if goBinary == "" {
		goBinary = DefaultGoBinary
	}
	if _, err := exec.LookPath(goBinary); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", types.ErrInstrumentationUnavailable, goBinary)
	}
	return nil
}

// targetExecutor implements TargetExecutor
type targetExecutor struct {
	goBinary       string
	defaultTimeout time.Duration
	cmdBuilder     CmdBuilder
	sink           ArtifactSink
	log            log.Logger
}

// NewTargetExecutor creates a new target executor
func NewTargetExecutor(goBinary string, defaultTimeout time.Duration, cmdBuilder CmdBuilder, sink ArtifactSink, logger log.Logger) (TargetExecutor, error) {
	if goBinary == "" {
		goBinary = DefaultGoBinary
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTargetTimeout
	}
	if cmdBuilder == nil {
		return nil, fmt.Errorf("cmdBuilder cannot be nil")
	}
	if logger == nil {
		logger = log.New()
	}
	return &targetExecutor{
		goBinary:       goBinary,
		defaultTimeout: defaultTimeout,
		cmdBuilder:     cmdBuilder,
		sink:           sink,
		log:            logger,
	}, nil
}

// Execute runs one target under instrumentation and extracts its trace.
// Raw instrumentation artifacts live in a scratch directory scoped to this
// call and are removed on every exit path.
func (e *targetExecutor) Execute(ctx context.Context, target types.TestTarget) (*types.TargetResult, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	if target.Package == "" {
		return nil, fmt.Errorf("target %s has no package", target.Key())
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	scratchDir, err := os.MkdirTemp("", "op-coverage-run-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(scratchDir)
	}()
	profilePath := filepath.Join(scratchDir, ProfileFileName)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.cmdBuilder(runCtx, target.Module, e.goBinary, e.buildTargetArgs(target, profilePath, timeout)...)
	configureTermination(cmd)

	outputTail := newTailBuffer(defaultStderrTailBytes)
	cmd.Stdout = outputTail
	cmd.Stderr = outputTail

	e.log.Info("Running target", "target", target.Key(), "runType", target.RunType, "timeout", timeout)

	startTime := time.Now()
	runErr := cmd.Run()
	duration := time.Since(startTime)

	// The pipeline-wide cancellation signal wins over any per-target
	// classification.
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, types.ErrCancelled
	}

	result := &types.TargetResult{
		Target:   target,
		Status:   types.TargetStatusPass,
		Duration: duration,
	}

	output := stripansi.Strip(outputTail.String())
	trace, profileBytes := e.extractTrace(target, profilePath)
	result.Trace = trace

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = types.TargetStatusTimeout
		result.Error = &types.ExecutionTimeoutError{TargetKey: target.Key(), Timeout: timeout}
		result.Stderr = output
	case runErr != nil:
		exitCode := -1
		exitErr := &exec.ExitError{}
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		result.Status = types.TargetStatusFail
		result.Error = &types.TargetCrashedError{
			TargetKey: target.Key(),
			ExitCode:  exitCode,
			Stderr:    lastLine(output),
		}
		result.Stderr = output
		if trace != nil {
			trace.ExitCode = exitCode
		}
	}

	if e.sink != nil {
		if profileBytes != nil {
			if err := e.sink.WriteTargetProfile(target.Key(), profileBytes); err != nil {
				e.log.Warn("Failed to store raw profile", "target", target.Key(), "error", err)
			}
		}
		if output != "" {
			if err := e.sink.WriteTargetLog(target.Key(), output); err != nil {
				e.log.Warn("Failed to store target log", "target", target.Key(), "error", err)
			}
		}
	}

	e.log.Debug("Target finished", "target", target.Key(), "status", result.Status, "duration", duration)

	return result, nil
}

// extractTrace parses the raw profile when one was produced. A crashed or
// timed-out target may legitimately leave no profile behind.
func (e *targetExecutor) extractTrace(target types.TestTarget, profilePath string) (*types.CoverageTrace, []byte) {
	data, err := os.ReadFile(profilePath)
	if err != nil || len(data) == 0 {
		return nil, nil
	}
	trace, err := ParseProfile(bytes.NewReader(data), target.Key())
	if err != nil {
		e.log.Warn("Discarding unparseable profile", "target", target.Key(), "error", err)
		return nil, nil
	}
	return trace, data
}

func (e *targetExecutor) buildTargetArgs(target types.TestTarget, profilePath string, timeout time.Duration) []string {
	args := []string{
		TestCommand,
		CoverModeFlag,
		fmt.Sprintf("%s=%s", CoverProfileFlag, profilePath),
		CoverPkgFlag,
		fmt.Sprintf("%s=%s", CountFlag, DisableCacheCount),
		TimeoutFlag, timeout.String(),
	}

	tags := append([]string(nil), target.Features...)
	if target.RunType == types.RunTypeIntegration {
		tags = append(tags, IntegrationBuildTag)
	}
	if len(tags) > 0 {
		args = append(args, TagsFlag, strings.Join(tags, ","))
	}

	if target.RunType == types.RunTypeDoctest {
		args = append(args, RunFlag, DoctestRunPattern)
	}

	args = append(args, target.Package)
	return args
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// tailBuffer keeps the last maxBytes written to it, used to bound the
// amount of target output held in memory.
type tailBuffer struct {
	maxBytes int
	buf      bytes.Buffer
	total    int64
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{maxBytes: maxBytes}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.total += int64(len(p))
	t.buf.Write(p)
	if t.buf.Len() > t.maxBytes {
		excess := t.buf.Len() - t.maxBytes
		t.buf.Next(excess)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

// TotalBytes reports how much output the target produced in total.
func (t *tailBuffer) TotalBytes() int64 {
	return t.total
}
