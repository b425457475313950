// Package fileutil provides small filesystem helpers shared by the sampler
// and the daemon status surface.
package fileutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// NonEmptyFile verifies that path names a regular file with content. The
// sampler uses it to confirm the decoder actually produced each frame.
func NonEmptyFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s is empty", path)
	}
	return nil
}

// DirSize walks the directory and sums regular-file sizes. Missing paths
// report zero; staging directories come and go with jobs.
func DirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}
