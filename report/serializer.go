// Package report renders a frozen coverage model into an interchange
// format. Serialization is deterministic: the same model and timestamp
// always produce byte-identical output.
package report

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-coverage/aggregator"
	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// Recognized report schema identifiers.
const (
	SchemaCobertura = "cobertura"
	SchemaLCOV      = "lcov"
)

// SupportedSchemas lists every schema the serializer can produce.
var SupportedSchemas = []string{SchemaCobertura, SchemaLCOV}

// Report is a serialized coverage document. It is immutable once produced;
// the serializer hands it off and never touches it again.
type Report struct {
	Schema string
	Body   []byte
}

// Serializer renders frozen models. The clock is injectable so tests can
// pin the one field allowed to vary between otherwise identical reports.
type Serializer struct {
	now func() time.Time
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithClock fixes the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Serializer) {
		s.now = now
	}
}

// NewSerializer creates a serializer with the given options.
func NewSerializer(opts ...Option) *Serializer {
	s := &Serializer{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serialize renders the model in the requested schema. The model must be
// frozen; an unknown schema identifier is a configuration error.
func (s *Serializer) Serialize(model *aggregator.Model, schema string) (*Report, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	if !model.Frozen() {
		return nil, fmt.Errorf("model must be frozen before serialization")
	}

	var body []byte
	var err error
	switch schema {
	case SchemaCobertura:
		body, err = MarshalCobertura(s.buildCoberturaDocument(model))
	case SchemaLCOV:
		body = marshalLCOV(model)
	default:
		return nil, &types.UnsupportedSchemaError{Schema: schema}
	}
	if err != nil {
		return nil, err
	}

	return &Report{Schema: schema, Body: body}, nil
}

// buildCoberturaDocument maps the model onto the cobertura schema: one
// package per source directory, one class per file.
func (s *Serializer) buildCoberturaDocument(model *aggregator.Model) *CoberturaCoverage {
	totals := model.Totals()

	doc := &CoberturaCoverage{
		LineRate:        rate(totals.LinesCovered, totals.LinesValid),
		BranchRate:      rate(totals.BranchesCovered, totals.BranchesValid),
		LinesCovered:    totals.LinesCovered,
		LinesValid:      totals.LinesValid,
		BranchesCovered: totals.BranchesCovered,
		BranchesValid:   totals.BranchesValid,
		Complexity:      "0",
		Version:         "op-coverage",
		Timestamp:       s.now().Unix(),
		Sources:         []*CoberturaSource{{Path: "."}},
	}

	byPackage := make(map[string][]string)
	for _, file := range model.Files() {
		pkg := path.Dir(file)
		byPackage[pkg] = append(byPackage[pkg], file)
	}

	pkgNames := make([]string, 0, len(byPackage))
	for pkg := range byPackage {
		pkgNames = append(pkgNames, pkg)
	}
	sort.Strings(pkgNames)

	for _, pkg := range pkgNames {
		var pkgLinesCovered, pkgLinesValid, pkgBranchesCovered, pkgBranchesValid int64

		cp := &CoberturaPackage{Name: pkg, Complexity: "0"}
		for _, file := range byPackage[pkg] {
			fc := model.FileCoverage(file)
			class := &CoberturaClass{
				Name:       strings.TrimSuffix(path.Base(file), path.Ext(file)),
				Filename:   file,
				Complexity: "0",
			}

			branchByStart := make(map[int][]aggregator.BranchOutcome)
			for _, arm := range fc.SortedBranches() {
				branchByStart[arm.StartLine] = append(branchByStart[arm.StartLine], arm)
			}

			var linesCovered, linesValid, branchesCovered, branchesValid int64
			for _, line := range fc.SortedLines() {
				hits := fc.Lines[line]
				cl := &CoberturaLine{Number: line, Hits: hits}
				if arms := branchByStart[line]; len(arms) > 0 {
					var taken int64
					for _, arm := range arms {
						branchesValid++
						if arm.Covered() {
							branchesCovered++
							taken++
						}
					}
					cl.Branch = true
					cl.ConditionCoverage = fmt.Sprintf("%d%% (%d/%d)",
						(taken*100)/int64(len(arms)), taken, len(arms))
				}
				linesValid++
				if hits > 0 {
					linesCovered++
				}
				class.Lines = append(class.Lines, cl)
			}

			class.LineRate = rate(linesCovered, linesValid)
			class.BranchRate = rate(branchesCovered, branchesValid)
			cp.Classes = append(cp.Classes, class)

			pkgLinesCovered += linesCovered
			pkgLinesValid += linesValid
			pkgBranchesCovered += branchesCovered
			pkgBranchesValid += branchesValid
		}

		cp.LineRate = rate(pkgLinesCovered, pkgLinesValid)
		cp.BranchRate = rate(pkgBranchesCovered, pkgBranchesValid)
		doc.Packages = append(doc.Packages, cp)
	}

	return doc
}

// marshalLCOV renders the model as an LCOV tracefile. The format is line
// oriented and ordered, so determinism falls out of the sorted accessors.
func marshalLCOV(model *aggregator.Model) []byte {
	var buf bytes.Buffer

	for _, file := range model.Files() {
		fc := model.FileCoverage(file)

		fmt.Fprintf(&buf, "SF:%s\n", file)

		var branchesFound, branchesHit int64
		for _, arm := range fc.SortedBranches() {
			branchesFound++
			taken := "-"
			if arm.Covered() {
				branchesHit++
				taken = fmt.Sprintf("%d", arm.Taken)
			}
			fmt.Fprintf(&buf, "BRDA:%d,0,%s,%s\n", arm.StartLine, arm.ID, taken)
		}
		fmt.Fprintf(&buf, "BRF:%d\n", branchesFound)
		fmt.Fprintf(&buf, "BRH:%d\n", branchesHit)

		var linesFound, linesHit int64
		for _, line := range fc.SortedLines() {
			hits := fc.Lines[line]
			linesFound++
			if hits > 0 {
				linesHit++
			}
			fmt.Fprintf(&buf, "DA:%d,%d\n", line, hits)
		}
		fmt.Fprintf(&buf, "LF:%d\n", linesFound)
		fmt.Fprintf(&buf, "LH:%d\n", linesHit)

		buf.WriteString("end_of_record\n")
	}

	return buf.Bytes()
}
