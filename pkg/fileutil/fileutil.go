// Package fileutil writes output files with tmp+mv semantics so a failed
// export never leaves a partial file behind.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteTmpThenMove runs writeFunc against a temporary file next to outPath
// and renames it over outPath once it has been synced. The temporary file
// is removed on every failure path.
func WriteTmpThenMove(outPath string, writeFunc func(f *os.File) error) error {
	dir := filepath.Dir(outPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.CreateTemp(dir, filepath.Base(outPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	fail := func(err error) error {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if err := writeFunc(f); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp to final: %w", err)
	}
	return nil
}
