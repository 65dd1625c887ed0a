package coverage

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-coverage/runner"
	"github.com/ethereum-optimism/infra/op-coverage/types"
	"github.com/ethereum-optimism/infra/op-coverage/upload"
)

// printSummaryTable prints the per-target results and coverage totals to
// the console.
func (p *Pipeline) printSummaryTable(result *runner.RunResult, uploadResult *upload.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle(fmt.Sprintf("Coverage Run Results (%s)", formatDuration(result.Duration)))

	t.AppendHeader(table.Row{
		"Type", "Target", "Duration", "Status", "Error",
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "Target", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, res := range result.Results {
		t.AppendRow(table.Row{
			string(res.Target.RunType),
			res.Target.Key(),
			formatDuration(res.Duration),
			getResultString(res.Status),
			firstLine(res.Error),
		})
	}
	t.AppendSeparator()

	if result.AnyFailed() {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	totals := result.Model.Totals()
	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d targets", result.Stats.Total),
		formatDuration(result.Duration),
		fmt.Sprintf("%d passed, %d failed, %d skipped", result.Stats.Passed,
			result.Stats.Failed+result.Stats.TimedOut, result.Stats.Skipped),
		"",
	})
	t.AppendFooter(table.Row{
		"COVERAGE",
		fmt.Sprintf("%d files", len(result.Model.Files())),
		"",
		fmt.Sprintf("lines %.1f%%", totals.LineRate()*100),
		fmt.Sprintf("branches %.1f%%", totals.BranchRate()*100),
	})
	if uploadResult != nil {
		t.AppendFooter(table.Row{
			"UPLOAD",
			"",
			"",
			uploadOutcome(uploadResult),
			fmt.Sprintf("%d attempts", uploadResult.Attempts),
		})
	}

	t.Render()
}

// firstLine reduces an error to its first line for table display.
func firstLine(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if idx := strings.Index(s, "\n"); idx != -1 {
		s = s[:idx]
	}
	if len(s) > 80 {
		return s[:77] + "..."
	}
	return s
}

// getResultString returns a symbol-prefixed string for a target status
func getResultString(status types.TargetStatus) string {
	switch status {
	case types.TargetStatusPass:
		return "✓ pass"
	case types.TargetStatusSkip:
		return "- skip"
	case types.TargetStatusTimeout:
		return "✗ timeout"
	default:
		return "✗ fail"
	}
}

func uploadOutcome(res *upload.Result) string {
	if res.Success {
		return "✓ uploaded"
	}
	return "✗ failed"
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
