// Package coverage orchestrates instrumented test execution, trace
// aggregation, report serialization and upload as a single pipeline.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-coverage/exitcodes"
	"github.com/ethereum-optimism/infra/op-coverage/logging"
	"github.com/ethereum-optimism/infra/op-coverage/metrics"
	"github.com/ethereum-optimism/infra/op-coverage/registry"
	"github.com/ethereum-optimism/infra/op-coverage/report"
	"github.com/ethereum-optimism/infra/op-coverage/runner"
	"github.com/ethereum-optimism/infra/op-coverage/types"
	"github.com/ethereum-optimism/infra/op-coverage/upload"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// Pipeline implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &Pipeline{}

// PipelineState identifies the stage the current run is in.
type PipelineState string

const (
	StateIdle        PipelineState = "idle"
	StateRunning     PipelineState = "running"
	StateAggregating PipelineState = "aggregating"
	StateSerializing PipelineState = "serializing"
	StateUploading   PipelineState = "uploading"
	StateDone        PipelineState = "done"
	StateFailed      PipelineState = "failed"
)

// Pipeline drives a coverage run end to end: execute targets, merge their
// traces, serialize the unified model and optionally upload the report.
type Pipeline struct {
	ctx        context.Context
	config     *Config
	version    string
	registry   *registry.Registry
	serializer *report.Serializer

	stateMu sync.RWMutex
	state   PipelineState

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Pipeline, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating coverage pipeline with config",
		"workDir", config.WorkDir,
		"targetManifest", config.TargetManifest,
		"runTypes", config.RunTypes,
		"allFeatures", config.AllFeatures,
		"workspace", config.Workspace,
		"runInterval", config.RunInterval,
		"runOnce", config.RunOnce)

	reg, err := registry.NewRegistry(registry.Config{
		Log:            config.Log,
		TargetManifest: config.TargetManifest,
		WorkDir:        config.WorkDir,
		RunTypes:       config.RunTypes,
		AllFeatures:    config.AllFeatures,
		Workspace:      config.Workspace,
		DefaultTimeout: config.DefaultTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	config.Log.Info("Created registry", "targets", len(reg.GetTargets()))

	return &Pipeline{
		ctx:              ctx,
		config:           config,
		version:          version,
		registry:         reg,
		serializer:       report.NewSerializer(),
		state:            StateIdle,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// State returns the stage the pipeline is currently in.
func (p *Pipeline) State() PipelineState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state
}

func (p *Pipeline) setState(next PipelineState) {
	p.stateMu.Lock()
	prev := p.state
	p.state = next
	p.stateMu.Unlock()
	p.config.Log.Debug("Pipeline state transition", "from", prev, "to", next)
}

// Start runs the coverage pipeline, once or periodically at the configured
// interval. Start implements the cliapp.Lifecycle interface.
func (p *Pipeline) Start(ctx context.Context) error {
	// Panics anywhere in the pipeline are runtime errors, not coverage
	// failures.
	defer func() {
		if r := recover(); r != nil {
			p.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	p.ctx = ctx
	p.done = make(chan struct{})
	p.running.Store(true)

	if p.config.RunOnce {
		p.config.Log.Info("Starting op-coverage in run-once mode", "version", p.version)
	} else {
		p.config.Log.Info("Starting op-coverage in continuous mode", "version", p.version, "interval", p.config.RunInterval)
	}

	err := p.runPipeline(ctx)
	if err != nil && !IsCoverageFailure(err) {
		p.config.Log.Error("Runtime error running pipeline", "error", err)
		return cli.Exit(err.Error(), exitcodes.RuntimeErr)
	}

	if p.config.RunOnce {
		if err != nil {
			p.config.Log.Warn("Run-once pipeline completed with failures, returning exit code 1")
			return err
		}
		p.config.Log.Info("Coverage run completed, exiting (run-once mode)")
		go func() {
			p.shutdownCallback(nil)
		}()
		return nil
	}

	// Periodic mode: failures are reported per run, the service keeps going.
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.config.Log.Debug("Starting periodic pipeline goroutine", "interval", p.config.RunInterval)

		for {
			select {
			case <-time.After(p.config.RunInterval):
				if !p.running.Load() {
					p.config.Log.Debug("Service stopped, exiting periodic pipeline runner")
					return
				}

				p.config.Log.Info("Running periodic coverage pipeline")
				if err := p.runPipeline(p.ctx); err != nil {
					p.config.Log.Error("Error running periodic pipeline", "error", err)
				}

			case <-p.done:
				p.config.Log.Debug("Done signal received, stopping periodic pipeline runner")
				return

			case <-ctx.Done():
				p.config.Log.Debug("Context canceled, stopping periodic pipeline runner")
				p.running.Store(false)
				return
			}
		}
	}()
	p.config.Log.Debug("op-coverage started successfully")
	return nil
}

// runPipeline drives one complete run through the stage sequence. A
// *RuntimeError means the pipeline itself broke; a *CoverageFailureError
// means it completed but the run did not meet its acceptance bar.
func (p *Pipeline) runPipeline(ctx context.Context) error {
	runID := uuid.New().String()

	artifacts, err := logging.NewRunArtifacts(p.config.LogDir, runID, p.config.Log)
	if err != nil {
		p.setState(StateFailed)
		metrics.RecordErrorDetails("artifact_dir", err)
		return NewRuntimeError(err)
	}

	result, err := p.executeTargets(ctx, runID, artifacts)
	if err != nil {
		p.setState(StateFailed)
		return err
	}

	p.setState(StateAggregating)
	totals := result.Model.Totals()
	p.config.Log.Info("Aggregated coverage",
		"run_id", runID,
		"files", len(result.Model.Files()),
		"line_rate", fmt.Sprintf("%.4f", totals.LineRate()),
		"branch_rate", fmt.Sprintf("%.4f", totals.BranchRate()))

	rep, err := p.serializeReport(result, artifacts)
	if err != nil {
		p.setState(StateFailed)
		return err
	}

	uploadResult := p.uploadReport(ctx, runID, rep)

	return p.finishRun(runID, result, uploadResult, artifacts)
}

// executeTargets runs every registered target under instrumentation and
// merges their traces.
func (p *Pipeline) executeTargets(ctx context.Context, runID string, artifacts *logging.RunArtifacts) (*runner.RunResult, error) {
	p.setState(StateRunning)

	executor, err := runner.NewTargetExecutor(
		p.config.GoBinary, p.config.DefaultTimeout, runner.DefaultCmdBuilder, artifacts, p.config.Log)
	if err != nil {
		metrics.RecordErrorDetails("executor", err)
		return nil, NewRuntimeError(err)
	}

	covRunner, err := runner.NewCoverageRunner(runner.Config{
		Targets:     p.registry.GetTargets(),
		Executor:    executor,
		GoBinary:    p.config.GoBinary,
		RunID:       runID,
		Concurrency: p.config.Concurrency,
		FailFast:    p.config.FailFast,
		Log:         p.config.Log,
	})
	if err != nil {
		metrics.RecordErrorDetails("runner", err)
		return nil, NewRuntimeError(err)
	}

	result, err := covRunner.RunAllTargets(ctx)
	if err != nil {
		metrics.RecordErrorDetails("run", err)
		return nil, NewRuntimeError(err)
	}

	for _, res := range result.Results {
		metrics.RecordTarget(runID, string(res.Target.RunType), string(res.Status))
	}
	return result, nil
}

// serializeReport renders the frozen model and persists it as a run
// artifact.
func (p *Pipeline) serializeReport(result *runner.RunResult, artifacts *logging.RunArtifacts) (*report.Report, error) {
	p.setState(StateSerializing)

	rep, err := p.serializer.Serialize(result.Model, p.config.ReportSchema)
	if err != nil {
		metrics.RecordErrorDetails("serialize", err)
		return nil, NewRuntimeError(err)
	}

	path, err := artifacts.WriteReport(rep)
	if err != nil {
		metrics.RecordErrorDetails("artifact_report", err)
		return nil, NewRuntimeError(err)
	}
	p.config.Log.Info("Serialized coverage report",
		"schema", rep.Schema, "bytes", len(rep.Body), "path", path)

	if p.config.Output != "" {
		if err := os.WriteFile(p.config.Output, rep.Body, 0644); err != nil {
			metrics.RecordErrorDetails("output_report", err)
			return nil, NewRuntimeError(fmt.Errorf("failed to write report to %s: %w", p.config.Output, err))
		}
		p.config.Log.Info("Wrote coverage report", "path", p.config.Output)
	}
	return rep, nil
}

// uploadReport transmits the report if an endpoint is configured. A nil
// return means uploading was disabled.
func (p *Pipeline) uploadReport(ctx context.Context, runID string, rep *report.Report) *upload.Result {
	if p.config.UploadURL == "" {
		p.config.Log.Debug("No upload endpoint configured, skipping upload")
		return nil
	}

	p.setState(StateUploading)

	client, err := upload.NewClient(upload.Config{
		Endpoint: p.config.UploadURL,
		Token:    p.config.UploadToken,
		RunID:    runID,
		Branch:   p.config.Branch,
		Commit:   p.config.Commit,
		Log:      p.config.Log,
	})
	if err != nil {
		metrics.RecordErrorDetails("upload_client", err)
		return &upload.Result{Err: err}
	}

	res := client.Upload(ctx, rep)
	metrics.RecordUpload(runID, res.Success, res.Attempts)
	if res.Success {
		p.config.Log.Info("Report uploaded", "run_id", runID, "attempts", res.Attempts)
	} else {
		p.config.Log.Error("Report upload failed",
			"run_id", runID, "attempts", res.Attempts, "status", res.StatusCode, "error", res.Err)
	}
	return &res
}

// finishRun evaluates the run verdict, prints the summary and records run
// metrics.
func (p *Pipeline) finishRun(runID string, result *runner.RunResult, uploadResult *upload.Result, artifacts *logging.RunArtifacts) error {
	verdict := p.evaluateRun(result, uploadResult)

	p.printSummaryTable(result, uploadResult)
	fmt.Println(result.String())

	if err := artifacts.WriteSummary(result.String()); err != nil {
		p.config.Log.Warn("Failed to write run summary artifact", "error", err)
	}

	totals := result.Model.Totals()
	outcome := "pass"
	if verdict != nil {
		outcome = "fail"
	}
	metrics.RecordRun(runID, outcome, totals.LineRate(), totals.BranchRate(), result.Duration)

	if verdict != nil {
		p.setState(StateFailed)
		p.config.Log.Warn("Coverage run failed", "run_id", runID, "reason", verdict.Reason)
		return verdict
	}

	p.setState(StateDone)
	p.config.Log.Info("Coverage run completed", "run_id", runID, "artifacts", artifacts.RunDir())
	return nil
}

// evaluateRun derives the run verdict. Target failures fail the run only
// under fail-fast; otherwise they are surfaced in the summary and the
// partial coverage still counts. An unmet coverage threshold or a gated
// upload failure fails the run either way.
func (p *Pipeline) evaluateRun(result *runner.RunResult, uploadResult *upload.Result) *CoverageFailureError {
	if p.config.FailFast && result.AnyFailed() {
		return &CoverageFailureError{
			Reason: fmt.Sprintf("%d of %d targets failed", result.Stats.Failed+result.Stats.TimedOut, result.Stats.Total),
		}
	}

	if p.config.CoverageThreshold > 0 {
		lineRate := result.Model.Totals().LineRate() * 100
		if lineRate < p.config.CoverageThreshold {
			return &CoverageFailureError{
				Reason: fmt.Sprintf("line coverage %.1f%% below threshold %.1f%%", lineRate, p.config.CoverageThreshold),
			}
		}
	}

	if uploadResult != nil && !uploadResult.Success {
		if errors.Is(uploadResult.Err, types.ErrCancelled) {
			return &CoverageFailureError{Reason: "upload cancelled"}
		}
		if p.config.FailCIIfError {
			return &CoverageFailureError{
				Reason: fmt.Sprintf("report upload failed after %d attempts", uploadResult.Attempts),
			}
		}
		// Upload failure tolerated: surfaced in logs and metrics only.
		p.config.Log.Warn("Ignoring upload failure (fail-ci-if-error disabled)")
	}

	return nil
}

// Stop stops the coverage pipeline service.
// Stop implements the cliapp.Lifecycle interface.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.config.Log.Info("Stopping op-coverage")

	if !p.running.Load() {
		p.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}

	p.running.Store(false)

	p.config.Log.Debug("Sending done signal to goroutines")
	close(p.done)

	p.config.Log.Info("op-coverage stopped successfully")
	return nil
}

// Stopped returns true if the pipeline service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (p *Pipeline) Stopped() bool {
	return !p.running.Load()
}

// WaitForShutdown blocks until all goroutines have terminated.
// This is useful in tests to ensure complete cleanup before moving to the next test.
func (p *Pipeline) WaitForShutdown(ctx context.Context) error {
	p.config.Log.Debug("Waiting for all goroutines to terminate")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.config.Log.Debug("All goroutines terminated successfully")
		return nil
	case <-ctx.Done():
		p.config.Log.Warn("Timed out waiting for goroutines to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}
