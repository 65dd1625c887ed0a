package types

import (
	"fmt"
	"strings"
	"time"
)

// RunType identifies the kind of test entry a target represents.
type RunType string

const (
	RunTypeUnit        RunType = "unit"
	RunTypeDoctest     RunType = "doctest"
	RunTypeIntegration RunType = "integration"
)

// ValidRunTypes lists every recognized run type.
var ValidRunTypes = []RunType{RunTypeUnit, RunTypeDoctest, RunTypeIntegration}

// IsValid returns true if the run type is one of the recognized values.
func (r RunType) IsValid() bool {
	switch r {
	case RunTypeUnit, RunTypeDoctest, RunTypeIntegration:
		return true
	}
	return false
}

// ParseRunTypes parses a comma-separated list of run types.
func ParseRunTypes(s string) ([]RunType, error) {
	if s == "" {
		return nil, fmt.Errorf("run types cannot be empty")
	}
	var out []RunType
	for _, part := range strings.Split(s, ",") {
		rt := RunType(strings.ToLower(strings.TrimSpace(part)))
		if !rt.IsValid() {
			return nil, fmt.Errorf("invalid run type %q (valid: unit, doctest, integration)", part)
		}
		out = append(out, rt)
	}
	return out, nil
}

// TestTarget is one executable unit to run under instrumentation.
type TestTarget struct {
	ID       string        `yaml:"id"`
	Package  string        `yaml:"package"`
	RunType  RunType       `yaml:"run_type,omitempty"`
	Features []string      `yaml:"features,omitempty"` // build tags enabling optional features
	Timeout  time.Duration `yaml:"timeout,omitempty"`  // overrides the pipeline default
	Module   string        `yaml:"-"`                  // module directory for workspace targets
}

// Key returns a stable identifier usable as a map key and artifact name.
func (t TestTarget) Key() string {
	key := t.ID
	if key == "" {
		key = t.Package
	}
	if len(t.Features) > 0 {
		key = key + "+" + strings.Join(t.Features, "+")
	}
	return key
}

// GetName returns a short display name for the target.
func (t TestTarget) GetName() string {
	if t.ID != "" {
		return t.ID
	}
	parts := strings.Split(t.Package, "/")
	return parts[len(parts)-1]
}

// TargetStatus represents the possible outcomes of a target execution.
type TargetStatus string

const (
	TargetStatusPass    TargetStatus = "pass"
	TargetStatusFail    TargetStatus = "fail"
	TargetStatusSkip    TargetStatus = "skip"
	TargetStatusTimeout TargetStatus = "timeout"
)

// TargetResult captures the outcome of running a single target under
// instrumentation. The trace is nil when the target did not produce one.
type TargetResult struct {
	Target   TestTarget
	Status   TargetStatus
	Error    error
	Duration time.Duration
	Stderr   string // sanitized tail of stderr, for failing targets
	Trace    *CoverageTrace
}

// Failed returns true if the target did not complete successfully.
// A skipped target is not a failure.
func (r *TargetResult) Failed() bool {
	return r.Status == TargetStatusFail || r.Status == TargetStatusTimeout
}
