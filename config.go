package coverage

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-coverage/flags"
	"github.com/ethereum-optimism/infra/op-coverage/report"
	"github.com/ethereum-optimism/infra/op-coverage/types"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	WorkDir        string          // Repository checkout to instrument
	TargetManifest string          // Path to the target manifest, empty in pure workspace mode
	RunTypes       []types.RunType // Run types included in this run
	AllFeatures    bool            // Instrument optional feature combinations
	Workspace      bool            // Discover nested modules as additional targets
	DefaultTimeout time.Duration   // Default per-target execution budget
	Concurrency    int             // Number of concurrent target workers (0 = auto-determine)
	FailFast       bool            // Cancel outstanding targets on the first failure
	GoBinary       string          // Instrumentation backend binary

	ReportSchema string // Interchange schema for the serialized report
	Output       string // Additional path to write the report to; empty disables

	UploadURL         string  // Upload endpoint; empty disables uploading
	UploadToken       string  // Secret; never logged
	FailCIIfError     bool    // Gate CI on terminal upload failure
	CoverageThreshold float64 // Minimum line coverage percentage, 0 disables
	Branch            string  // Branch metadata for the upload
	Commit            string  // Commit metadata for the upload

	LogDir      string        // Directory to store run artifacts
	RunInterval time.Duration // Interval between runs
	RunOnce     bool          // Indicates if the service should exit after one run
	Log         log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger, workDir string, targetManifest string) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}
	if workDir == "" {
		return nil, errors.New("work directory is required")
	}

	workspace := ctx.Bool(flags.Workspace.Name)
	if targetManifest == "" && !workspace {
		return nil, errors.New("target manifest is required unless workspace discovery is enabled")
	}

	runTypes, err := types.ParseRunTypes(ctx.String(flags.RunTypes.Name))
	if err != nil {
		return nil, fmt.Errorf("invalid run types: %w", err)
	}

	schema := ctx.String(flags.ReportSchema.Name)
	switch schema {
	case report.SchemaCobertura, report.SchemaLCOV:
	default:
		return nil, &types.UnsupportedSchemaError{Schema: schema}
	}

	threshold := ctx.Float64(flags.CoverageThreshold.Name)
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("coverage threshold must be between 0 and 100, got %v", threshold)
	}

	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for work directory '%s': %w", workDir, err)
	}

	var absTargetManifest string
	if targetManifest != "" {
		absTargetManifest, err = filepath.Abs(targetManifest)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for target manifest '%s': %w", targetManifest, err)
		}
	}

	output := ctx.String(flags.Output.Name)
	if output != "" {
		output, err = filepath.Abs(output)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for output '%s': %w", output, err)
		}
	}

	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err = filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)
	runOnce := runInterval == 0

	return &Config{
		WorkDir:        absWorkDir,
		TargetManifest: absTargetManifest,
		RunTypes:       runTypes,
		AllFeatures:    ctx.Bool(flags.AllFeatures.Name),
		Workspace:      workspace,
		DefaultTimeout: ctx.Duration(flags.Timeout.Name),
		Concurrency:    ctx.Int(flags.Concurrency.Name),
		FailFast:       ctx.Bool(flags.FailFast.Name),
		GoBinary:       ctx.String(flags.GoBinary.Name),

		ReportSchema: schema,
		Output:       output,

		UploadURL:         ctx.String(flags.UploadURL.Name),
		UploadToken:       ctx.String(flags.UploadToken.Name),
		FailCIIfError:     ctx.Bool(flags.FailCIIfError.Name),
		CoverageThreshold: threshold,
		Branch:            ctx.String(flags.Branch.Name),
		Commit:            ctx.String(flags.Commit.Name),

		LogDir:      logDir,
		RunInterval: runInterval,
		RunOnce:     runOnce,
		Log:         log,
	}, nil
}
