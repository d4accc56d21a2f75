// Package output names and locates the files the broker produces.
package output

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

const (
	timestampLayout = "20060102_150405"

	// maxNameAttempts bounds the suffixed retries of a taken generated name.
	maxNameAttempts = 8
)

// Error definitions for the output package.
var (
	ErrInvalidName = fmt.Errorf("%w: invalid file name", fault.ErrValidation)
	ErrNotFound    = fmt.Errorf("%w: audio file not found", fault.ErrNotFound)
)

// Option configures a Namer.
type Option func(*Namer)

// WithClock overrides the time source used for timestamped names.
func WithClock(now func() time.Time) Option {
	return func(n *Namer) { n.now = now }
}

// Namer chooses output paths. Conversions go to the outputs directory,
// synthesized speech to the temp directory.
type Namer struct {
	outputsDir string
	tempDir    string
	now        func() time.Time
}

// NewNamer creates a namer over the two directories.
func NewNamer(outputsDir, tempDir string, opts ...Option) *Namer {
	n := &Namer{
		outputsDir: outputsDir,
		tempDir:    tempDir,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Bootstrap creates both directories.
func (n *Namer) Bootstrap() error {
	if err := xfs.EnsureDirs(n.outputsDir, n.tempDir); err != nil {
		return fmt.Errorf("create output directories: %w", err)
	}

	return nil
}

// OutputsDir returns the conversions directory.
func (n *Namer) OutputsDir() string {
	return n.outputsDir
}

// TempDir returns the synthesis directory.
func (n *Namer) TempDir() string {
	return n.tempDir
}

// ConversionPath returns where a conversion result would be written now. An
// explicit name is reduced to its base name and gets a .wav extension when
// it has none; otherwise the name is converted_<timestamp>.wav, made unique
// with a short random suffix if taken. PersistConversion makes the final
// choice when the file is written.
func (n *Namer) ConversionPath(explicit string) (string, error) {
	if strings.TrimSpace(explicit) != "" {
		name := filepath.Base(filepath.Clean(strings.ReplaceAll(strings.TrimSpace(explicit), `\`, "/")))
		if !isPlainName(name) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, explicit)
		}
		if filepath.Ext(name) == "" {
			name += ".wav"
		}
		return filepath.Join(n.outputsDir, name), nil
	}

	stamp := n.now().Format(timestampLayout)
	path := filepath.Join(n.outputsDir, "converted_"+stamp+".wav")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return path, nil
	}

	return filepath.Join(n.outputsDir, "converted_"+stamp+"_"+shortID()+".wav"), nil
}

// PersistConversion writes a conversion result through write into a temp
// file in the outputs directory and moves it to its final name. An explicit
// name replaces an existing file of that name. A generated name never does:
// the finished file is hard-linked to converted_<timestamp>.wav, and when
// that name is taken a short random suffix is added and the link retried.
func (n *Namer) PersistConversion(explicit string, write func(f *os.File) error) (string, error) {
	tmp, err := os.CreateTemp(n.outputsDir, ".converted_*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	if strings.TrimSpace(explicit) != "" {
		path, err := n.ConversionPath(explicit)
		if err != nil {
			return "", err
		}
		if err := os.Rename(tmpName, path); err != nil {
			return "", fmt.Errorf("rename %s: %w", path, err)
		}
		return path, nil
	}

	stamp := n.now().Format(timestampLayout)
	path := filepath.Join(n.outputsDir, "converted_"+stamp+".wav")
	for attempt := 1; ; attempt++ {
		err := os.Link(tmpName, path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrExist) || attempt == maxNameAttempts {
			return "", fmt.Errorf("link %s: %w", path, err)
		}
		path = filepath.Join(n.outputsDir, "converted_"+stamp+"_"+shortID()+".wav")
	}
}

// SynthesisPath returns a fresh path for synthesized speech with extension ext.
func (n *Namer) SynthesisPath(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp3"
	}

	return filepath.Join(n.tempDir, fmt.Sprintf("tts_%s_%s.%s", n.now().Format(timestampLayout), shortID(), ext))
}

// Find locates filename in the outputs directory, then the temp directory.
func (n *Namer) Find(filename string) (string, error) {
	if !isPlainName(filename) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, filename)
	}

	for _, dir := range []string{n.outputsDir, n.tempDir} {
		path := filepath.Join(dir, filename)
		if xfs.IsFile(path) {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrNotFound, filename)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func isPlainName(name string) bool {
	return name != "" && name != "." && name != ".." && name != "/" &&
		!strings.ContainsAny(name, `/\`) && !strings.HasPrefix(name, ".")
}
