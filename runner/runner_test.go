package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// stubExecutor returns canned results per target key and records the order
// targets started in.
type stubExecutor struct {
	mu      sync.Mutex
	results map[string]*types.TargetResult
	delays  map[string]time.Duration
	started []string
}

func (s *stubExecutor) Execute(ctx context.Context, target types.TestTarget) (*types.TargetResult, error) {
	s.mu.Lock()
	s.started = append(s.started, target.Key())
	delay := s.delays[target.Key()]
	res := s.results[target.Key()]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, types.ErrCancelled
		}
	}
	if ctx.Err() != nil {
		return nil, types.ErrCancelled
	}

	if res == nil {
		res = &types.TargetResult{Target: target, Status: types.TargetStatusPass}
	}
	out := *res
	out.Target = target
	return &out, nil
}

func traceHitting(key, file string, start, end int) *types.CoverageTrace {
	trace := types.NewCoverageTrace(key)
	trace.AddLineHits(file, start, end, 1)
	return trace
}

func newRunnerForTest(t *testing.T, exec TargetExecutor, targets []types.TestTarget, failFast bool) CoverageRunner {
	t.Helper()
	r, err := NewCoverageRunner(Config{
		Targets:     targets,
		Executor:    exec,
		GoBinary:    "sh", // instrumentation availability probe only
		Concurrency: 4,
		FailFast:    failFast,
	})
	require.NoError(t, err)
	return r
}

// Mirrors the three-target merge scenario: A hits lines 1-5 of a.rs, B hits
// lines 1-10, C crashes without a trace. The merged model must show counts
// 2 and 1 and the run must still complete.
func TestRunAllTargetsMergesTraces(t *testing.T) {
	targets := []types.TestTarget{
		{ID: "a", Package: "./..."},
		{ID: "b", Package: "./..."},
		{ID: "c", Package: "./..."},
	}

	exec := &stubExecutor{
		results: map[string]*types.TargetResult{
			"a": {Status: types.TargetStatusPass, Trace: traceHitting("a", "a.rs", 1, 5)},
			"b": {Status: types.TargetStatusPass, Trace: traceHitting("b", "a.rs", 1, 10)},
			"c": {
				Status: types.TargetStatusFail,
				Error:  &types.TargetCrashedError{TargetKey: "c", ExitCode: 2},
			},
		},
	}

	result, err := newRunnerForTest(t, exec, targets, false).RunAllTargets(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Stats.Total)
	assert.Equal(t, 2, result.Stats.Passed)
	assert.Equal(t, 1, result.Stats.Failed)
	assert.True(t, result.AnyFailed())
	require.Len(t, result.FailedTargets(), 1)
	assert.Equal(t, "c", result.FailedTargets()[0].Target.Key())

	require.True(t, result.Model.Frozen())
	fc := result.Model.FileCoverage("a.rs")
	require.NotNil(t, fc)
	for line := 1; line <= 5; line++ {
		assert.Equal(t, int64(2), fc.Lines[line], "line %d", line)
	}
	for line := 6; line <= 10; line++ {
		assert.Equal(t, int64(1), fc.Lines[line], "line %d", line)
	}

	// Results are ordered by target key regardless of completion order.
	keys := make([]string, 0, len(result.Results))
	for _, res := range result.Results {
		keys = append(keys, res.Target.Key())
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestRunAllTargetsTimeoutDoesNotBlockSiblings(t *testing.T) {
	targets := []types.TestTarget{
		{ID: "slow", Package: "./..."},
		{ID: "fast", Package: "./..."},
	}

	exec := &stubExecutor{
		results: map[string]*types.TargetResult{
			"slow": {
				Status: types.TargetStatusTimeout,
				Error:  &types.ExecutionTimeoutError{TargetKey: "slow", Timeout: time.Millisecond},
			},
			"fast": {Status: types.TargetStatusPass, Trace: traceHitting("fast", "a.go", 1, 3)},
		},
		delays: map[string]time.Duration{"slow": 50 * time.Millisecond},
	}

	result, err := newRunnerForTest(t, exec, targets, false).RunAllTargets(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Stats.Passed)
	assert.Equal(t, 1, result.Stats.TimedOut)
	assert.NotNil(t, result.Model.FileCoverage("a.go"), "sibling coverage still collected")
}

func TestRunAllTargetsFailFast(t *testing.T) {
	targets := []types.TestTarget{
		{ID: "bad", Package: "./..."},
		{ID: "slow", Package: "./..."},
	}

	exec := &stubExecutor{
		results: map[string]*types.TargetResult{
			"bad": {
				Status: types.TargetStatusFail,
				Error:  &types.TargetCrashedError{TargetKey: "bad", ExitCode: 1},
			},
		},
		delays: map[string]time.Duration{"slow": 10 * time.Second},
	}

	start := time.Now()
	result, err := newRunnerForTest(t, exec, targets, true).RunAllTargets(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "fail-fast must cancel the slow target")
	assert.Equal(t, 1, result.Stats.Failed)
	assert.Equal(t, 1, result.Stats.Skipped, "cancelled target counts as skipped")
}

func TestRunAllTargetsSchemaMismatchIsFatal(t *testing.T) {
	first := types.NewCoverageTrace("a")
	first.AddBranchArm("a.go", types.BranchArm{ID: "2.1", StartLine: 2, EndLine: 4, Taken: 1})
	second := types.NewCoverageTrace("b")
	second.AddBranchArm("a.go", types.BranchArm{ID: "2.1", StartLine: 2, EndLine: 9, Taken: 1})

	targets := []types.TestTarget{
		{ID: "a", Package: "./..."},
		{ID: "b", Package: "./..."},
	}
	exec := &stubExecutor{
		results: map[string]*types.TargetResult{
			"a": {Status: types.TargetStatusPass, Trace: first},
			"b": {Status: types.TargetStatusPass, Trace: second},
		},
		// Serialize completion so the conflict is deterministic.
		delays: map[string]time.Duration{"b": 50 * time.Millisecond},
	}

	_, err := newRunnerForTest(t, exec, targets, false).RunAllTargets(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsSchemaMismatch(err))
}

// funcExecutor adapts a function to the TargetExecutor interface.
type funcExecutor func(ctx context.Context, target types.TestTarget) (*types.TargetResult, error)

func (f funcExecutor) Execute(ctx context.Context, target types.TestTarget) (*types.TargetResult, error) {
	return f(ctx, target)
}

func TestRunAllTargetsWrappedCancellationSkipped(t *testing.T) {
	targets := []types.TestTarget{
		{ID: "ok", Package: "./..."},
		{ID: "gone", Package: "./..."},
	}
	exec := funcExecutor(func(ctx context.Context, target types.TestTarget) (*types.TargetResult, error) {
		if target.ID == "gone" {
			return nil, fmt.Errorf("target %s interrupted: %w", target.Key(), types.ErrCancelled)
		}
		return &types.TargetResult{Target: target, Status: types.TargetStatusPass}, nil
	})

	result, err := newRunnerForTest(t, exec, targets, false).RunAllTargets(context.Background())
	require.NoError(t, err, "an annotated cancellation is not a fatal run error")
	assert.Equal(t, 1, result.Stats.Passed)
	assert.Equal(t, 1, result.Stats.Skipped, "the interrupted target counts as skipped")
}

func TestRunAllTargetsExternalCancellation(t *testing.T) {
	targets := []types.TestTarget{{ID: "slow", Package: "./..."}}
	exec := &stubExecutor{delays: map[string]time.Duration{"slow": 10 * time.Second}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := newRunnerForTest(t, exec, targets, false).RunAllTargets(ctx)
	require.ErrorIs(t, err, types.ErrCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewCoverageRunnerValidation(t *testing.T) {
	_, err := NewCoverageRunner(Config{Executor: &stubExecutor{}})
	require.Error(t, err, "targets are required")

	_, err = NewCoverageRunner(Config{Targets: []types.TestTarget{{ID: "a", Package: "./..."}}})
	require.Error(t, err, "executor is required")
}
