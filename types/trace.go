package types

// BranchArm records one observed arm of a branch point. Geometry (the
// source span the arm covers) travels with the record so the aggregator
// can detect traces produced against different versions of a file.
type BranchArm struct {
	ID        string // stable arm identifier within the file, e.g. "12.9"
	StartLine int
	EndLine   int
	Taken     int64 // number of times the arm executed
}

// FileTrace holds raw instrumentation output for one source file.
type FileTrace struct {
	// Lines maps line number to hit count. A line absent from the map was
	// not instrumented in this trace.
	Lines map[int]int64
	// Branches maps arm ID to the observed arm record.
	Branches map[string]BranchArm
}

// CoverageTrace is the raw instrumentation output of one target run.
type CoverageTrace struct {
	TargetKey string
	Files     map[string]*FileTrace
	ExitCode  int
}

// NewCoverageTrace returns an empty trace for the given target.
func NewCoverageTrace(targetKey string) *CoverageTrace {
	return &CoverageTrace{
		TargetKey: targetKey,
		Files:     make(map[string]*FileTrace),
	}
}

// File returns the trace bucket for a source file, creating it on first use.
func (t *CoverageTrace) File(path string) *FileTrace {
	ft, ok := t.Files[path]
	if !ok {
		ft = &FileTrace{
			Lines:    make(map[int]int64),
			Branches: make(map[string]BranchArm),
		}
		t.Files[path] = ft
	}
	return ft
}

// AddLineHits accumulates hits for every line in [startLine, endLine].
func (t *CoverageTrace) AddLineHits(path string, startLine, endLine int, hits int64) {
	ft := t.File(path)
	for line := startLine; line <= endLine; line++ {
		ft.Lines[line] += hits
	}
}

// AddBranchArm records a branch arm observation, accumulating taken counts
// when the same arm appears more than once in a profile.
func (t *CoverageTrace) AddBranchArm(path string, arm BranchArm) {
	ft := t.File(path)
	if prev, ok := ft.Branches[arm.ID]; ok {
		arm.Taken += prev.Taken
	}
	ft.Branches[arm.ID] = arm
}
