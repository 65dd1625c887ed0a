package report

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// Cobertura document model. The schema is an external contract consumed by
// coverage dashboards; field order and attribute names follow the DTD at
// http://cobertura.sourceforge.net/xml/coverage-04.dtd.

type CoberturaCoverage struct {
	XMLName         xml.Name            `xml:"coverage"`
	LineRate        string              `xml:"line-rate,attr"`
	BranchRate      string              `xml:"branch-rate,attr"`
	LinesCovered    int64               `xml:"lines-covered,attr"`
	LinesValid      int64               `xml:"lines-valid,attr"`
	BranchesCovered int64               `xml:"branches-covered,attr"`
	BranchesValid   int64               `xml:"branches-valid,attr"`
	Complexity      string              `xml:"complexity,attr"`
	Version         string              `xml:"version,attr"`
	Timestamp       int64               `xml:"timestamp,attr"`
	Sources         []*CoberturaSource  `xml:"sources>source"`
	Packages        []*CoberturaPackage `xml:"packages>package"`
}

type CoberturaSource struct {
	Path string `xml:",chardata"`
}

type CoberturaPackage struct {
	Name       string            `xml:"name,attr"`
	LineRate   string            `xml:"line-rate,attr"`
	BranchRate string            `xml:"branch-rate,attr"`
	Complexity string            `xml:"complexity,attr"`
	Classes    []*CoberturaClass `xml:"classes>class"`
}

type CoberturaClass struct {
	Name       string           `xml:"name,attr"`
	Filename   string           `xml:"filename,attr"`
	LineRate   string           `xml:"line-rate,attr"`
	BranchRate string           `xml:"branch-rate,attr"`
	Complexity string           `xml:"complexity,attr"`
	Lines      []*CoberturaLine `xml:"lines>line"`
}

type CoberturaLine struct {
	Number            int    `xml:"number,attr"`
	Hits              int64  `xml:"hits,attr"`
	Branch            bool   `xml:"branch,attr,omitempty"`
	ConditionCoverage string `xml:"condition-coverage,attr,omitempty"`
}

// MarshalCobertura renders the document. The output is deterministic for a
// given document value, which is what makes report diffing possible.
func MarshalCobertura(doc *CoberturaCoverage) ([]byte, error) {
	body, err := xml.MarshalIndent(doc, "", "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cobertura document: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ParseCobertura reads a previously serialized cobertura document back into
// its document model.
func ParseCobertura(data []byte) (*CoberturaCoverage, error) {
	var doc CoberturaCoverage
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse cobertura document: %w", err)
	}
	return &doc, nil
}

// rate formats a derived coverage fraction with the fixed precision the
// schema consumers expect. Rates are never stored, only computed from
// exact integer counts.
func rate(covered, valid int64) string {
	if valid == 0 {
		return "0"
	}
	return trimRate(float64(covered) / float64(valid))
}

func trimRate(r float64) string {
	return fmt.Sprintf("%.4f", r)
}
