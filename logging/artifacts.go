// Package logging stores per-run artifacts on disk: raw instrumentation
// profiles, target output logs, the serialized report and the run summary.
// Each run gets its own directory keyed by run ID, with a "latest" symlink
// pointing at the most recent run.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-coverage/report"
)

const (
	runsDirName     = "runs"
	profilesDirName = "profiles"
	logsDirName     = "logs"
	summaryFileName = "summary.txt"
	latestLinkName  = "latest"
)

// RunArtifacts manages the artifact directory for a single pipeline run.
type RunArtifacts struct {
	baseDir string
	runID   string
	runDir  string
	log     log.Logger
	mu      sync.Mutex
}

// NewRunArtifacts creates the directory layout for a run.
func NewRunArtifacts(baseDir, runID string, logger log.Logger) (*RunArtifacts, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}
	if logger == nil {
		logger = log.New()
	}

	runDir := filepath.Join(baseDir, runsDirName, runID)
	for _, dir := range []string{
		filepath.Join(runDir, profilesDirName),
		filepath.Join(runDir, logsDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}

	a := &RunArtifacts{
		baseDir: baseDir,
		runID:   runID,
		runDir:  runDir,
		log:     logger,
	}
	if err := a.updateLatestLink(); err != nil {
		logger.Warn("Failed to update latest symlink", "error", err)
	}
	return a, nil
}

// GetRunID returns the run this artifact store belongs to.
func (a *RunArtifacts) GetRunID() string {
	return a.runID
}

// RunDir returns the run's artifact directory.
func (a *RunArtifacts) RunDir() string {
	return a.runDir
}

// WriteTargetProfile stores the raw instrumentation profile for a target.
func (a *RunArtifacts) WriteTargetProfile(targetKey string, profile []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.runDir, profilesDirName, sanitizeKey(targetKey)+".out")
	if err := os.WriteFile(path, profile, 0o644); err != nil {
		return fmt.Errorf("failed to write profile for %s: %w", targetKey, err)
	}
	return nil
}

// WriteTargetLog stores the captured output of a target.
func (a *RunArtifacts) WriteTargetLog(targetKey string, output string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.runDir, logsDirName, sanitizeKey(targetKey)+".log")
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return fmt.Errorf("failed to write log for %s: %w", targetKey, err)
	}
	return nil
}

// WriteReport stores the serialized report and returns its path.
func (a *RunArtifacts) WriteReport(rep *report.Report) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := "report." + reportExtension(rep.Schema)
	path := filepath.Join(a.runDir, name)
	if err := os.WriteFile(path, rep.Body, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	a.log.Debug("Report written", "path", path)
	return path, nil
}

// WriteSummary stores the human-readable run summary.
func (a *RunArtifacts) WriteSummary(summary string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.runDir, summaryFileName)
	if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// updateLatestLink points baseDir/runs/latest at this run's directory.
// Best effort: some filesystems do not support symlinks.
func (a *RunArtifacts) updateLatestLink() error {
	link := filepath.Join(a.baseDir, runsDirName, latestLinkName)
	_ = os.Remove(link)
	return os.Symlink(a.runDir, link)
}

// sanitizeKey makes a target key safe to use as a file name.
func sanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		" ", "_",
		".", "_",
	)
	return replacer.Replace(key)
}

func reportExtension(schema string) string {
	switch schema {
	case report.SchemaLCOV:
		return "lcov"
	default:
		return "xml"
	}
}
