package runner

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// ParseProfile reads a raw instrumentation profile and converts it into a
// coverage trace for the given target. The profile is a "mode:" header
// followed by one block record per line:
//
//	path/file.go:startLine.startCol,endLine.endCol numStmt count
//
// Every block contributes hit counts to the lines it spans, and one branch
// arm record keyed by its start position. The same block may appear more
// than once; counts accumulate.
func ParseProfile(r io.Reader, targetKey string) (*types.CoverageTrace, error) {
	trace := types.NewCoverageTrace(targetKey)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	sawMode := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "mode:") {
			sawMode = true
			continue
		}

		block, err := parseBlockLine(line)
		if err != nil {
			return nil, fmt.Errorf("invalid profile record at line %d: %w", lineNo, err)
		}

		trace.AddLineHits(block.file, block.startLine, block.endLine, block.count)
		trace.AddBranchArm(block.file, types.BranchArm{
			ID:        fmt.Sprintf("%d.%d", block.startLine, block.startCol),
			StartLine: block.startLine,
			EndLine:   block.endLine,
			Taken:     block.count,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}
	if !sawMode && len(trace.Files) > 0 {
		return nil, fmt.Errorf("profile is missing its mode header")
	}

	return trace, nil
}

type profileBlock struct {
	file      string
	startLine int
	startCol  int
	endLine   int
	endCol    int
	count     int64
}

func parseBlockLine(line string) (profileBlock, error) {
	var b profileBlock

	// The file path may itself contain colons on some platforms, so split
	// on the last one.
	sep := strings.LastIndex(line, ":")
	if sep < 0 {
		return b, fmt.Errorf("missing file separator in %q", line)
	}
	b.file = line[:sep]
	rest := line[sep+1:]

	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return b, fmt.Errorf("expected 'span numStmt count' in %q", line)
	}

	span := strings.Split(fields[0], ",")
	if len(span) != 2 {
		return b, fmt.Errorf("malformed span %q", fields[0])
	}

	var err error
	if b.startLine, b.startCol, err = parsePosition(span[0]); err != nil {
		return b, err
	}
	if b.endLine, b.endCol, err = parsePosition(span[1]); err != nil {
		return b, err
	}
	if b.startLine > b.endLine {
		return b, fmt.Errorf("span %q ends before it starts", fields[0])
	}

	if b.count, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return b, fmt.Errorf("malformed hit count %q: %w", fields[2], err)
	}
	if b.count < 0 {
		return b, fmt.Errorf("negative hit count %d", b.count)
	}

	return b, nil
}

func parsePosition(s string) (line, col int, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed position %q", s)
	}
	if line, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("malformed line in position %q: %w", s, err)
	}
	if col, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("malformed column in position %q: %w", s, err)
	}
	return line, col, nil
}
