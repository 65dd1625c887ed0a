// Package runner executes test targets under coverage instrumentation and
// streams their traces into the aggregation model. Targets run as
// independent parallel units bounded by a concurrency limit; the collector
// loop is the single consumer of completed traces, so merges never
// interleave.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-coverage/aggregator"
	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// ResultStats aggregates counts across a run.
type ResultStats struct {
	Total     int
	Passed    int
	Failed    int
	Skipped   int
	TimedOut  int
	StartTime time.Time
	EndTime   time.Time
}

// RunResult is the outcome of executing all targets: per-target results
// plus the frozen unified coverage model.
type RunResult struct {
	RunID    string
	Results  []*types.TargetResult
	Model    *aggregator.Model
	Stats    ResultStats
	Duration time.Duration
}

// AnyFailed returns true if any target failed or timed out.
func (r *RunResult) AnyFailed() bool {
	return r.Stats.Failed > 0 || r.Stats.TimedOut > 0
}

// FailedTargets returns the results of targets that did not pass.
func (r *RunResult) FailedTargets() []*types.TargetResult {
	var out []*types.TargetResult
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

func (r *RunResult) String() string {
	totals := r.Model.Totals()
	return fmt.Sprintf("run %s: %d targets (%d passed, %d failed, %d timed out, %d skipped), line coverage %.1f%%, branch coverage %.1f%%",
		r.RunID, r.Stats.Total, r.Stats.Passed, r.Stats.Failed, r.Stats.TimedOut, r.Stats.Skipped,
		totals.LineRate()*100, totals.BranchRate()*100)
}

// CoverageRunner executes the configured target set.
type CoverageRunner interface {
	RunAllTargets(ctx context.Context) (*RunResult, error)
}

// runner implements CoverageRunner
type runner struct {
	targets     []types.TestTarget
	executor    TargetExecutor
	goBinary    string
	runID       string
	concurrency int
	failFast    bool
	log         log.Logger
	tracer      trace.Tracer
}

// Config holds configuration for creating a new runner
type Config struct {
	Targets     []types.TestTarget
	Executor    TargetExecutor
	GoBinary    string
	RunID       string // empty = generate a fresh UUID per run
	Concurrency int    // 0 = auto-determine from CPU count
	FailFast    bool   // cancel outstanding targets on the first failure
	Log         log.Logger
}

// NewCoverageRunner creates a new runner instance
func NewCoverageRunner(cfg Config) (CoverageRunner, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("no targets to run")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = min(runtime.NumCPU(), MaxReasonableConcurrency)
	}
	if concurrency > MaxReasonableConcurrency {
		cfg.Log.Warn("Very high concurrency requested", "concurrency", concurrency,
			"cap", MaxReasonableConcurrency)
		concurrency = MaxReasonableConcurrency
	}

	return &runner{
		targets:     cfg.Targets,
		executor:    cfg.Executor,
		goBinary:    cfg.GoBinary,
		runID:       cfg.RunID,
		concurrency: concurrency,
		failFast:    cfg.FailFast,
		log:         cfg.Log,
		tracer:      otel.Tracer("coverage runner"),
	}, nil
}

type workResult struct {
	Result *types.TargetResult
	Err    error
}

// RunAllTargets implements the CoverageRunner interface
func (r *runner) RunAllTargets(ctx context.Context) (*RunResult, error) {
	if err := CheckInstrumentation(r.goBinary); err != nil {
		return nil, err
	}

	runID := r.runID
	if runID == "" {
		runID = uuid.New().String()
	}
	start := time.Now()
	r.log.Info("Starting coverage run", "run_id", runID,
		"targets", len(r.targets), "concurrency", r.concurrency, "failFast", r.failFast)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bufferSize := min(r.concurrency*2, len(r.targets))
	workChan := make(chan types.TestTarget, bufferSize)
	resultChan := make(chan workResult, bufferSize)

	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go r.worker(runCtx, &wg, workChan, resultChan)
	}

	go func() {
		defer close(workChan)
		for _, target := range r.targets {
			select {
			case workChan <- target:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	// Single collection point: one merge transaction per completed trace.
	model := aggregator.NewModel()
	var results []*types.TargetResult
	failFastTripped := false

	for wr := range resultChan {
		if wr.Err != nil {
			if errors.Is(wr.Err, types.ErrCancelled) {
				// In-flight target interrupted by fail-fast or external
				// cancellation; accounted for as skipped below.
				continue
			}
			cancel()
			return nil, fmt.Errorf("failed to run target: %w", wr.Err)
		}

		results = append(results, wr.Result)

		if wr.Result.Trace != nil {
			if err := model.Merge(wr.Result.Trace); err != nil {
				// A schema mismatch means the merged model would be
				// inconsistent; always fatal.
				cancel()
				return nil, err
			}
		}

		if wr.Result.Failed() {
			r.log.Warn("Target failed", "target", wr.Result.Target.Key(),
				"status", wr.Result.Status, "error", wr.Result.Error)
			if r.failFast && !failFastTripped {
				failFastTripped = true
				r.log.Warn("Fail-fast triggered, cancelling outstanding targets")
				cancel()
			}
		}
	}

	if ctx.Err() != nil {
		return nil, types.ErrCancelled
	}

	model.Freeze()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Target.Key() < results[j].Target.Key()
	})

	result := &RunResult{
		RunID:    runID,
		Results:  results,
		Model:    model,
		Duration: time.Since(start),
		Stats:    computeStats(r.targets, results, start),
	}

	r.log.Info("Coverage run completed", "run_id", runID,
		"passed", result.Stats.Passed, "failed", result.Stats.Failed,
		"timedOut", result.Stats.TimedOut, "skipped", result.Stats.Skipped,
		"duration", result.Duration)

	return result, nil
}

// worker executes targets from the work channel until it closes or the run
// is cancelled.
func (r *runner) worker(ctx context.Context, wg *sync.WaitGroup, workChan <-chan types.TestTarget, resultChan chan<- workResult) {
	defer wg.Done()

	for {
		select {
		case target, ok := <-workChan:
			if !ok {
				return
			}

			spanCtx, span := r.tracer.Start(ctx, "run target")
			res, err := r.executor.Execute(spanCtx, target)
			span.End()

			select {
			case resultChan <- workResult{Result: res, Err: err}:
			case <-ctx.Done():
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func computeStats(targets []types.TestTarget, results []*types.TargetResult, start time.Time) ResultStats {
	stats := ResultStats{
		Total:     len(targets),
		StartTime: start,
		EndTime:   time.Now(),
	}
	for _, res := range results {
		switch res.Status {
		case types.TargetStatusPass:
			stats.Passed++
		case types.TargetStatusFail:
			stats.Failed++
		case types.TargetStatusTimeout:
			stats.TimedOut++
		case types.TargetStatusSkip:
			stats.Skipped++
		}
	}
	// Targets that never ran (fail-fast or cancellation) count as skipped.
	stats.Skipped += stats.Total - len(results)
	return stats
}
