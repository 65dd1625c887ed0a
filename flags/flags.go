package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

const EnvVarPrefix = "OP_COVERAGE"

var (
	WorkDir = &cli.StringFlag{
		Name:     "workdir",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "WORKDIR"),
		Usage:    "Path to the repository checkout to instrument",
	}
	TargetManifest = &cli.StringFlag{
		Name:    "targets",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TARGETS"),
		Usage:   "Path to the target manifest file (eg. 'targets.yaml')",
	}
	RunTypes = &cli.StringFlag{
		Name:    "run-types",
		Value:   "unit,doctest,integration",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_TYPES"),
		Usage:   "Comma-separated run types to include: unit, doctest, integration",
	}
	AllFeatures = &cli.BoolFlag{
		Name:    "all-features",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ALL_FEATURES"),
		Usage:   "Instrument optional feature combinations declared per target",
	}
	Workspace = &cli.BoolFlag{
		Name:    "workspace",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKSPACE"),
		Usage:   "Discover nested modules in the workdir as additional targets",
	}
	Timeout = &cli.DurationFlag{
		Name:    "timeout",
		Value:   10 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TIMEOUT"),
		Usage:   "Default per-target execution budget (overridable per target)",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Number of targets to run in parallel (0 = auto-determine)",
	}
	FailFast = &cli.BoolFlag{
		Name:    "fail-fast",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_FAST"),
		Usage:   "Cancel outstanding targets on the first target failure",
	}
	ReportSchema = &cli.StringFlag{
		Name:    "report-schema",
		Value:   "cobertura",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REPORT_SCHEMA"),
		Usage:   "Report interchange schema: cobertura or lcov",
	}
	UploadURL = &cli.StringFlag{
		Name:    "upload-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "UPLOAD_URL"),
		Usage:   "Coverage analytics endpoint; empty disables uploading",
	}
	UploadToken = &cli.StringFlag{
		Name:    "upload-token",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "UPLOAD_TOKEN"),
		Usage:   "Authentication token for the upload endpoint (never logged)",
	}
	FailCIIfError = &cli.BoolFlag{
		Name:    "fail-ci-if-error",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_CI_IF_ERROR"),
		Usage:   "Exit non-zero when the upload terminally fails",
	}
	CoverageThreshold = &cli.Float64Flag{
		Name:    "coverage-threshold",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_THRESHOLD"),
		Usage:   "Minimum line coverage percentage to pass (0 disables the gate)",
	}
	Branch = &cli.StringFlag{
		Name:    "branch",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BRANCH"),
		Usage:   "Branch name attached to the upload as metadata",
	}
	Commit = &cli.StringFlag{
		Name:    "commit",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COMMIT"),
		Usage:   "Commit identifier attached to the upload as metadata",
	}
	Output = &cli.StringFlag{
		Name:    "output",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT"),
		Usage:   "Additional path to write the serialized report to",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory to store run artifacts (profiles, logs, reports)",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_INTERVAL"),
		Usage:   "Interval between pipeline runs (e.g. '1h'). Set to 0 or omit for run-once mode.",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary used as the instrumentation backend",
	}
)

var requiredFlags = []cli.Flag{
	WorkDir,
}

var optionalFlags = []cli.Flag{
	TargetManifest,
	RunTypes,
	AllFeatures,
	Workspace,
	Timeout,
	Concurrency,
	FailFast,
	ReportSchema,
	UploadURL,
	UploadToken,
	FailCIIfError,
	CoverageThreshold,
	Branch,
	Commit,
	Output,
	LogDir,
	RunInterval,
	GoBinary,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
