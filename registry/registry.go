// Package registry computes the set of test targets a pipeline run will
// execute. Targets come from a YAML manifest and, in workspace mode, from
// discovery of nested modules. The set is computed once at pipeline start
// and is immutable afterwards.
package registry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/mod/modfile"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-coverage/types"
)

// Registry manages target sources and their configurations
type Registry struct {
	config  Config
	targets []types.TestTarget
	mu      sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log            log.Logger
	TargetManifest string          // path to targets.yaml
	WorkDir        string          // repository checkout root
	RunTypes       []types.RunType // run types to include; empty means all
	AllFeatures    bool            // expand targets by their feature combinations
	Workspace      bool            // discover nested modules as additional targets
	DefaultTimeout time.Duration
}

// manifest is the on-disk shape of targets.yaml.
type manifest struct {
	Targets []types.TestTarget `yaml:"targets"`
}

// NewRegistry creates a new registry instance and loads the target set.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.TargetManifest == "" && !cfg.Workspace {
		return nil, fmt.Errorf("target manifest is required unless workspace discovery is enabled")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{config: cfg}

	if err := r.loadTargets(); err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}

	cfg.Log.Debug("Registry loaded", "len(targets)", len(r.targets))

	return r, nil
}

// GetTargets returns the computed target set.
func (r *Registry) GetTargets() []types.TestTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TestTarget, len(r.targets))
	copy(out, r.targets)
	return out
}

// GetTargetsByRunType returns targets matching the given run type.
func (r *Registry) GetTargetsByRunType(rt types.RunType) []types.TestTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.TestTarget
	for _, t := range r.targets {
		if t.RunType == rt {
			out = append(out, t)
		}
	}
	return out
}

func (r *Registry) loadTargets() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var targets []types.TestTarget

	if r.config.TargetManifest != "" {
		declared, err := loadManifest(r.config.TargetManifest)
		if err != nil {
			return err
		}
		targets = append(targets, declared...)
	}

	if r.config.Workspace {
		discovered, err := r.discoverWorkspaceTargets()
		if err != nil {
			return fmt.Errorf("workspace discovery failed: %w", err)
		}
		targets = append(targets, discovered...)
	}

	targets = r.normalizeTargets(targets)
	targets = r.filterByRunType(targets)

	if r.config.AllFeatures {
		targets = expandFeatureMatrix(targets)
	}

	if len(targets) == 0 {
		return fmt.Errorf("no targets found")
	}

	r.targets = targets
	return nil
}

// loadManifest reads and validates the target manifest file.
func loadManifest(path string) ([]types.TestTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read target manifest %s: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse target manifest %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i, t := range m.Targets {
		if t.Package == "" {
			return nil, fmt.Errorf("target %d in %s has no package", i, path)
		}
		if t.RunType != "" && !t.RunType.IsValid() {
			return nil, fmt.Errorf("target %s has invalid run type %q", t.Key(), t.RunType)
		}
		if seen[t.Key()] {
			return nil, fmt.Errorf("duplicate target %s in %s", t.Key(), path)
		}
		seen[t.Key()] = true
	}

	return m.Targets, nil
}

// discoverWorkspaceTargets walks the work directory for nested go.mod files
// and emits a unit-test target per module.
func (r *Registry) discoverWorkspaceTargets() ([]types.TestTarget, error) {
	var targets []types.TestTarget

	err := filepath.WalkDir(r.config.WorkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != r.config.WorkDir && (name == "testdata" || name == "vendor" || name[0] == '.' || name[0] == '_') {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != "go.mod" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		f, err := modfile.Parse(path, data, nil)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if f.Module == nil {
			r.config.Log.Warn("go.mod without module directive, skipping", "path", path)
			return nil
		}

		moduleDir := filepath.Dir(path)
		targets = append(targets, types.TestTarget{
			ID:      f.Module.Mod.Path,
			Package: "./...",
			RunType: types.RunTypeUnit,
			Module:  moduleDir,
		})
		r.config.Log.Debug("Discovered workspace module", "module", f.Module.Mod.Path, "dir", moduleDir)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// WalkDir order is lexical already, but be explicit: the target set must
	// not depend on filesystem iteration details.
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })

	return targets, nil
}

// normalizeTargets applies defaults for run type, timeout and module dir.
func (r *Registry) normalizeTargets(targets []types.TestTarget) []types.TestTarget {
	for i := range targets {
		if targets[i].RunType == "" {
			targets[i].RunType = types.RunTypeUnit
		}
		if targets[i].Timeout == 0 {
			targets[i].Timeout = r.config.DefaultTimeout
		}
		if targets[i].Module == "" {
			targets[i].Module = r.config.WorkDir
		}
	}
	return targets
}

func (r *Registry) filterByRunType(targets []types.TestTarget) []types.TestTarget {
	if len(r.config.RunTypes) == 0 {
		return targets
	}
	included := make(map[types.RunType]bool, len(r.config.RunTypes))
	for _, rt := range r.config.RunTypes {
		included[rt] = true
	}
	var out []types.TestTarget
	for _, t := range targets {
		if included[t.RunType] {
			out = append(out, t)
		} else {
			r.config.Log.Debug("Excluding target by run type", "target", t.Key(), "runType", t.RunType)
		}
	}
	return out
}

// expandFeatureMatrix splits a target with N declared features into N+1
// targets: the bare target plus one per cumulative feature prefix. This
// mirrors instrumenting optional feature combinations without the
// combinatorial blowup of the full power set.
func expandFeatureMatrix(targets []types.TestTarget) []types.TestTarget {
	var out []types.TestTarget
	for _, t := range targets {
		if len(t.Features) == 0 {
			out = append(out, t)
			continue
		}
		bare := t
		bare.Features = nil
		out = append(out, bare)
		for i := range t.Features {
			variant := t
			variant.Features = append([]string(nil), t.Features[:i+1]...)
			out = append(out, variant)
		}
	}
	return out
}
