// Package exitcodes defines the standard exit codes used by op-coverage.
package exitcodes

// Exit code constants used by op-coverage
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
//   - Success (0): Used when the pipeline completes and no configured gate trips
//   - CoverageFailure (1): Used when a gated failure occurs (fail-fast target
//     failure, coverage threshold unmet, or a gated upload failure)
//   - RuntimeErr (2): Used for runtime errors such as panics, bad configuration
//     or a missing instrumentation backend
const (
	Success         = 0 // Pipeline succeeded
	CoverageFailure = 1 // Gated coverage or upload failure
	RuntimeErr      = 2 // Runtime errors or misconfiguration
)
