package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

// TmpMarker is part of every in-progress temp file name.
const TmpMarker = ".tmp."

// IsTemp reports whether name is an in-progress write left by WriteFileAtomic.
func IsTemp(name string) bool {
	return strings.Contains(filepath.Base(name), TmpMarker)
}

// WriteFileAtomic writes data to path so that readers see either the old
// content or the complete new content. The temp file is synced before the
// rename and the directory after it.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+TmpMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
