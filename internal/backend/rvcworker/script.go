package rvcworker

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

// ScriptName is the file name of the bundled worker script.
const ScriptName = "rvc_worker.py"

//go:embed rvc_worker.py
var script []byte

// Script returns the bundled worker script. It serves the frame protocol on
// stdio, or the rvchttp endpoints when started with --listen HOST:PORT.
func Script() []byte {
	return script
}

// InstallScript writes the bundled worker script to path unless a file is
// already there. It reports whether it wrote the file.
func InstallScript(path string) (bool, error) {
	if xfs.IsFile(path) {
		return false, nil
	}

	if err := xfs.EnsureDirs(filepath.Dir(path)); err != nil {
		return false, err
	}

	err := xfs.WriteFileAtomic(path, func(f *os.File) error {
		if _, err := f.Write(script); err != nil {
			return err
		}
		return f.Chmod(0o644)
	})
	if err != nil {
		return false, fmt.Errorf("install worker script %s: %w", path, err)
	}

	return true, nil
}
