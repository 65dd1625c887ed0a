package runner

import "time"

// Target execution constants
const (
	// DefaultTargetTimeout is the default execution budget per target
	DefaultTargetTimeout = 10 * time.Minute

	// KillGracePeriod bounds how long a cancelled target may hold its
	// output pipes after its process group was killed
	KillGracePeriod = 10 * time.Second

	// Default go binary name
	DefaultGoBinary = "go"

	// Test command arguments
	TestCommand      = "test"
	CoverModeFlag    = "-covermode=count"
	CoverProfileFlag = "-coverprofile"
	CoverPkgFlag     = "-coverpkg=./..."
	TimeoutFlag      = "-timeout"
	CountFlag        = "-count"
	RunFlag          = "-run"
	TagsFlag         = "-tags"

	// Test count to disable caching
	DisableCacheCount = "1"

	// DoctestRunPattern selects example-style tests, the doctest analogue
	DoctestRunPattern = "^Example"

	// IntegrationBuildTag gates integration tests behind a build tag
	IntegrationBuildTag = "integration"

	// ProfileFileName is the raw instrumentation artifact within the
	// per-target scratch directory
	ProfileFileName = "cover.out"

	// MaxReasonableConcurrency caps auto-determined concurrency to avoid
	// resource exhaustion; instrumented runs are several times slower than
	// uninstrumented ones
	MaxReasonableConcurrency = 16

	// defaultStderrTailBytes bounds the stderr snippet kept per target
	defaultStderrTailBytes = 4 * 1024
)
