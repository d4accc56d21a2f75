package model

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	weightsExt = ".pth"
	indexExt   = ".index"

	// DefaultMaxWeightsBytes is the size at and above which a .pth file is
	// treated as a training checkpoint rather than inference weights.
	DefaultMaxWeightsBytes int64 = 200 << 20
)

// Training checkpoints of the generator and discriminator.
var reservedPrefixes = []string{"G_", "D_"}

// VoiceModel is a voice model discovered on disk. It is immutable once
// constructed.
type VoiceModel struct {
	Name        string `json:"name"`
	Dir         string `json:"path"`
	WeightsPath string `json:"weights_path"`
	WeightsSize int64  `json:"weights_size"`
	IndexPath   string `json:"index_path,omitempty"`
}

// HasIndex reports whether the model has a similarity index.
func (v *VoiceModel) HasIndex() bool {
	return v.IndexPath != ""
}

// SizeMB returns the weights size in MiB, rounded to two decimals.
func (v *VoiceModel) SizeMB() float64 {
	return float64(v.WeightsSize*100>>20) / 100
}

// sameAs reports whether o denotes the same loadable artifact.
func (v *VoiceModel) sameAs(o *VoiceModel) bool {
	return v.Name == o.Name && v.WeightsPath == o.WeightsPath
}

// Catalog discovers voice models under a root directory, one model per
// subdirectory.
type Catalog struct {
	root            string
	maxWeightsBytes int64
}

// NewCatalog creates a catalog over root. maxWeightsBytes <= 0 selects
// DefaultMaxWeightsBytes.
func NewCatalog(root string, maxWeightsBytes int64) *Catalog {
	if maxWeightsBytes <= 0 {
		maxWeightsBytes = DefaultMaxWeightsBytes
	}

	return &Catalog{
		root:            root,
		maxWeightsBytes: maxWeightsBytes,
	}
}

// Root returns the models root directory.
func (c *Catalog) Root() string {
	return c.root
}

// All yields every usable model in name order. Each iteration rescans the
// root, so the sequence can be ranged over repeatedly.
func (c *Catalog) All() iter.Seq[*VoiceModel] {
	return func(yield func(*VoiceModel) bool) {
		entries, err := os.ReadDir(c.root)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("Failed to read models directory", "path", c.root, "error", err)
			}
			return
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			vm, err := c.scan(entry.Name(), filepath.Join(c.root, entry.Name()))
			if err != nil {
				continue
			}

			if !yield(vm) {
				return
			}
		}
	}
}

// List returns every usable model. A missing root yields an empty list.
func (c *Catalog) List() ([]*VoiceModel, error) {
	if _, err := os.Stat(c.root); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read models directory: %w", err)
	}

	models := []*VoiceModel{}
	for vm := range c.All() {
		models = append(models, vm)
	}

	return models, nil
}

// Resolve finds the model stored in the subdirectory called name.
func (c *Catalog) Resolve(name string) (*VoiceModel, error) {
	if !isPlainName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	dir := filepath.Join(c.root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	return c.scan(name, dir)
}

// ResolvePath accepts a model directory or a weights file. A bare weights
// file has no index.
func (c *Catalog) ResolvePath(path string) (*VoiceModel, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
	}

	if info.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return c.scan(filepath.Base(abs), abs)
	}

	if !c.qualifies(info) {
		return nil, fmt.Errorf("%w: %q", ErrNoWeights, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	return &VoiceModel{
		Name:        strings.TrimSuffix(info.Name(), filepath.Ext(info.Name())),
		Dir:         filepath.Dir(abs),
		WeightsPath: abs,
		WeightsSize: info.Size(),
	}, nil
}

// Lookup resolves ref as a model name first and then as a filesystem path.
func (c *Catalog) Lookup(ref string) (*VoiceModel, error) {
	if isPlainName(ref) {
		vm, err := c.Resolve(ref)
		if !errors.Is(err, ErrNotFound) {
			return vm, err
		}
	}

	return c.ResolvePath(ref)
}

// scan selects the weights and index artifacts of one model directory.
func (c *Catalog) scan(name, dir string) (*VoiceModel, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrNotFound, name, err)
	}

	vm := &VoiceModel{Name: name, Dir: dir}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		switch filepath.Ext(entry.Name()) {
		case weightsExt:
			if vm.WeightsPath != "" {
				continue
			}
			info, err := entry.Info()
			if err != nil || !c.qualifies(info) {
				continue
			}
			vm.WeightsPath = filepath.Join(dir, entry.Name())
			vm.WeightsSize = info.Size()

		case indexExt:
			if vm.IndexPath == "" {
				vm.IndexPath = filepath.Join(dir, entry.Name())
			}
		}
	}

	if vm.WeightsPath == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoWeights, name)
	}

	return vm, nil
}

func (c *Catalog) qualifies(info fs.FileInfo) bool {
	if filepath.Ext(info.Name()) != weightsExt || info.Size() >= c.maxWeightsBytes {
		return false
	}

	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(info.Name(), prefix) {
			return false
		}
	}

	return true
}

func isPlainName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}
