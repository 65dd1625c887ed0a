package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunTypes(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    []RunType
		expectError bool
	}{
		{
			name:     "single run type",
			input:    "unit",
			expected: []RunType{RunTypeUnit},
		},
		{
			name:     "multiple run types",
			input:    "unit,doctest",
			expected: []RunType{RunTypeUnit, RunTypeDoctest},
		},
		{
			name:     "whitespace and case are normalized",
			input:    " Unit , Integration ",
			expected: []RunType{RunTypeUnit, RunTypeIntegration},
		},
		{
			name:        "empty string is rejected",
			input:       "",
			expectError: true,
		},
		{
			name:        "unknown run type is rejected",
			input:       "unit,benchmarks",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRunTypes(tt.input)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTargetKey(t *testing.T) {
	target := TestTarget{ID: "core", Package: "./core/..."}
	assert.Equal(t, "core", target.Key())

	target.Features = []string{"tls", "compression"}
	assert.Equal(t, "core+tls+compression", target.Key())

	noID := TestTarget{Package: "./store/..."}
	assert.Equal(t, "./store/...", noID.Key())
}

func TestTargetResultFailed(t *testing.T) {
	assert.False(t, (&TargetResult{Status: TargetStatusPass}).Failed())
	assert.False(t, (&TargetResult{Status: TargetStatusSkip}).Failed())
	assert.True(t, (&TargetResult{Status: TargetStatusFail}).Failed())
	assert.True(t, (&TargetResult{Status: TargetStatusTimeout}).Failed())
}

func TestErrorHelpers(t *testing.T) {
	timeoutErr := &ExecutionTimeoutError{TargetKey: "core", Timeout: time.Minute}
	wrapped := fmt.Errorf("running target: %w", timeoutErr)
	assert.True(t, IsExecutionTimeout(wrapped))
	assert.False(t, IsExecutionTimeout(errors.New("other")))
	assert.False(t, IsExecutionTimeout(nil))

	crashErr := &TargetCrashedError{TargetKey: "core", ExitCode: 2}
	assert.True(t, IsTargetCrashed(fmt.Errorf("wrap: %w", crashErr)))
	assert.Contains(t, crashErr.Error(), "exit code 2")

	mismatch := &SchemaMismatchError{File: "a.go", BranchID: "12.9", Detail: "end line 14 != 16"}
	assert.True(t, IsSchemaMismatch(mismatch))
	assert.Contains(t, mismatch.Error(), "a.go")

	unsupported := &UnsupportedSchemaError{Schema: "junit"}
	assert.True(t, IsUnsupportedSchema(unsupported))

	inner := errors.New("connection refused")
	upload := &UploadFailedError{Attempts: 3, Err: inner}
	assert.True(t, IsUploadFailed(upload))
	assert.ErrorIs(t, upload, inner)
}

func TestCoverageTraceAccumulation(t *testing.T) {
	trace := NewCoverageTrace("core")

	trace.AddLineHits("pkg/a.go", 1, 3, 2)
	trace.AddLineHits("pkg/a.go", 3, 3, 1)

	ft := trace.Files["pkg/a.go"]
	require.NotNil(t, ft)
	assert.Equal(t, int64(2), ft.Lines[1])
	assert.Equal(t, int64(2), ft.Lines[2])
	assert.Equal(t, int64(3), ft.Lines[3])

	trace.AddBranchArm("pkg/a.go", BranchArm{ID: "5.2", StartLine: 5, EndLine: 7, Taken: 1})
	trace.AddBranchArm("pkg/a.go", BranchArm{ID: "5.2", StartLine: 5, EndLine: 7, Taken: 4})
	assert.Equal(t, int64(5), ft.Branches["5.2"].Taken)
}
