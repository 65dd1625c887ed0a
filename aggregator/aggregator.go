// Package aggregator merges raw coverage traces into a unified model.
// Merging is commutative and associative so the final model does not
// depend on the order targets finish in.
package aggregator

import (
	"sort"
	"sync"

	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// BranchOutcome is the merged view of one branch arm across all traces.
type BranchOutcome struct {
	ID        string
	StartLine int
	EndLine   int
	Taken     int64
}

// Covered returns true if the arm executed at least once.
func (b BranchOutcome) Covered() bool {
	return b.Taken > 0
}

// FileCoverage is the merged coverage for one source file.
type FileCoverage struct {
	// Lines maps line number to the summed hit count. A line present with
	// a zero count was instrumented but never executed; a line absent from
	// the map was not instrumented at all.
	Lines map[int]int64
	// Branches maps arm ID to the merged outcome.
	Branches map[string]BranchOutcome
}

// Totals summarizes a frozen model.
type Totals struct {
	LinesCovered    int64
	LinesValid      int64
	BranchesCovered int64
	BranchesValid   int64
}

// LineRate returns covered/valid lines as a fraction in [0,1]. The rate is
// always derived, never stored.
func (t Totals) LineRate() float64 {
	if t.LinesValid == 0 {
		return 0
	}
	return float64(t.LinesCovered) / float64(t.LinesValid)
}

// BranchRate returns covered/valid branch arms as a fraction in [0,1].
func (t Totals) BranchRate() float64 {
	if t.BranchesValid == 0 {
		return 0
	}
	return float64(t.BranchesCovered) / float64(t.BranchesValid)
}

// Model is the unified coverage model built incrementally from traces.
// Merge calls are serialized internally; once Freeze is called the model
// is immutable and further merges are rejected.
type Model struct {
	mu     sync.Mutex
	files  map[string]*FileCoverage
	frozen bool
	totals Totals
}

// NewModel returns an empty unified coverage model.
func NewModel() *Model {
	return &Model{files: make(map[string]*FileCoverage)}
}

// ErrFrozen is returned when merging into a frozen model.
type ErrFrozen struct{}

func (ErrFrozen) Error() string { return "coverage model is frozen" }

// Merge folds one trace into the model as a single transaction. Line hits
// are summed; branch arms are unioned with their taken counts summed. A
// geometry conflict on a branch arm yields a SchemaMismatchError and
// leaves the model untouched.
func (m *Model) Merge(trace *types.CoverageTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrFrozen{}
	}

	// Validate the whole trace before mutating anything so a mismatch does
	// not leave a half-merged transaction behind.
	for path, ft := range trace.Files {
		existing, ok := m.files[path]
		if !ok {
			continue
		}
		for id, arm := range ft.Branches {
			prev, ok := existing.Branches[id]
			if !ok {
				continue
			}
			if prev.StartLine != arm.StartLine || prev.EndLine != arm.EndLine {
				return &types.SchemaMismatchError{
					File:     path,
					BranchID: id,
					Detail: "branch arm spans differ between traces; " +
						"the source file likely changed mid-run",
				}
			}
		}
	}

	for path, ft := range trace.Files {
		fc, ok := m.files[path]
		if !ok {
			fc = &FileCoverage{
				Lines:    make(map[int]int64),
				Branches: make(map[string]BranchOutcome),
			}
			m.files[path] = fc
		}
		for line, hits := range ft.Lines {
			fc.Lines[line] += hits
		}
		for id, arm := range ft.Branches {
			merged := BranchOutcome{
				ID:        id,
				StartLine: arm.StartLine,
				EndLine:   arm.EndLine,
				Taken:     arm.Taken,
			}
			if prev, ok := fc.Branches[id]; ok {
				merged.Taken += prev.Taken
			}
			fc.Branches[id] = merged
		}
	}

	return nil
}

// Freeze makes the model immutable and computes its totals.
func (m *Model) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return
	}
	m.frozen = true

	for _, fc := range m.files {
		for _, hits := range fc.Lines {
			m.totals.LinesValid++
			if hits > 0 {
				m.totals.LinesCovered++
			}
		}
		for _, arm := range fc.Branches {
			m.totals.BranchesValid++
			if arm.Covered() {
				m.totals.BranchesCovered++
			}
		}
	}
}

// Frozen reports whether the model has been frozen.
func (m *Model) Frozen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frozen
}

// Totals returns the computed totals. Valid only after Freeze.
func (m *Model) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// Files returns the sorted list of source file paths in the model.
func (m *Model) Files() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for path := range m.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// FileCoverage returns the merged coverage for one file, or nil if the
// file is absent from every merged trace.
func (m *Model) FileCoverage(path string) *FileCoverage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.files[path]
}

// SortedLines returns the file's instrumented line numbers in order.
func (fc *FileCoverage) SortedLines() []int {
	lines := make([]int, 0, len(fc.Lines))
	for line := range fc.Lines {
		lines = append(lines, line)
	}
	sort.Ints(lines)
	return lines
}

// SortedBranches returns the file's branch outcomes ordered by start line
// then arm ID.
func (fc *FileCoverage) SortedBranches() []BranchOutcome {
	arms := make([]BranchOutcome, 0, len(fc.Branches))
	for _, arm := range fc.Branches {
		arms = append(arms, arm)
	}
	sort.Slice(arms, func(i, j int) bool {
		if arms[i].StartLine != arms[j].StartLine {
			return arms[i].StartLine < arms[j].StartLine
		}
		return arms[i].ID < arms[j].ID
	})
	return arms
}
