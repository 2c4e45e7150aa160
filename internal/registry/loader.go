// Package registry locates per-architecture checkpoints and backbone graphs
// on disk.
package registry

import (
	"fmt"
	"path/filepath"

	"histoxai/internal/common/fsutil"
	"histoxai/internal/model"
)

// File names inside an architecture directory.
const (
	CheckpointFile = "best_colorectal_model.msgpack"
	GraphFile      = "backbone.onnx"
	GradGraphFile  = "backbone_vjp.onnx"
)

// Override replaces discovered paths for one architecture. Relative paths are
// resolved against the models directory.
type Override struct {
	Checkpoint string
	Graph      string
	GradGraph  string
	Disabled   bool
}

// Entry is the discovery result for one architecture.
type Entry struct {
	Variant    model.Variant
	Dir        string
	Checkpoint string
	Graph      string
	// GradGraph is empty when no gradient graph exists.
	GradGraph string
	// Missing lists required files that were not found.
	Missing []string
}

func (e Entry) Name() string { return e.Variant.Name() }

// Present reports whether every required file exists.
func (e Entry) Present() bool { return len(e.Missing) == 0 }

// archDirs lists the directory names accepted for an architecture.
func archDirs(base string, arch model.Architecture) []string {
	return []string{
		filepath.Join(base, string(arch)),
		filepath.Join(base, fmt.Sprintf("models(%s)", arch)),
	}
}

// Discover returns one entry per enabled architecture, in declaration order.
// Missing files are reported on the entry, not as errors.
func Discover(dir string, overrides map[string]Override) ([]Entry, error) {
	base, err := fsutil.AbsDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, v := range model.Variants() {
		ov := overrides[v.Name()]
		if ov.Disabled {
			continue
		}
		e := Entry{Variant: v, Dir: archDirs(base, v.Arch)[0]}
		for _, d := range archDirs(base, v.Arch) {
			if fsutil.IsFile(filepath.Join(d, CheckpointFile)) || fsutil.IsFile(filepath.Join(d, GraphFile)) {
				e.Dir = d
				break
			}
		}
		e.Checkpoint = filepath.Join(e.Dir, CheckpointFile)
		e.Graph = filepath.Join(e.Dir, GraphFile)
		grad := filepath.Join(e.Dir, GradGraphFile)
		if ov.Checkpoint != "" {
			if e.Checkpoint, err = fsutil.Resolve(base, ov.Checkpoint); err != nil {
				return nil, err
			}
		}
		if ov.Graph != "" {
			if e.Graph, err = fsutil.Resolve(base, ov.Graph); err != nil {
				return nil, err
			}
		}
		if ov.GradGraph != "" {
			if grad, err = fsutil.Resolve(base, ov.GradGraph); err != nil {
				return nil, err
			}
		}
		if fsutil.IsFile(grad) {
			e.GradGraph = grad
		}
		if !fsutil.IsFile(e.Checkpoint) {
			e.Missing = append(e.Missing, e.Checkpoint)
		}
		if !fsutil.IsFile(e.Graph) {
			e.Missing = append(e.Missing, e.Graph)
		}
		out = append(out, e)
	}
	return out, nil
}
