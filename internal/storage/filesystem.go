package storage

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

// uploadsDirName holds in-flight uploads inside the storage directory. The
// leading dot keeps it out of Stats and out of reach of Retrieve.
const uploadsDirName = ".uploads"

// isHidden reports whether name belongs to the store's own bookkeeping rather
// than to an object.
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// publishFile makes the finished file at srcPath visible as destPath without
// ever replacing an existing entry. It returns an error matching
// fs.ErrExist when destPath is taken.
//
// A hard link is atomic and exclusive, so readers either see the complete
// object or nothing. Filesystems without hard links fall back to
// copyExclusive, which keeps exclusivity but not that guarantee.
func publishFile(srcPath string, destPath string) error {
	err := os.Link(srcPath, destPath)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}

	return copyExclusive(srcPath, destPath)
}

// copyExclusive creates destPath with O_EXCL and copies srcPath into it.
// Until the copy finishes a concurrent Retrieve can read a truncated object
// and fail with ErrDecode.
func copyExclusive(srcPath string, destPath string) error {
	srcFile, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := destFile.ReadFrom(srcFile); err != nil {
		_ = destFile.Close()
		_ = os.Remove(destPath)
		return err
	}

	if err := destFile.Sync(); err != nil {
		_ = destFile.Close()
		_ = os.Remove(destPath)
		return err
	}

	return destFile.Close()
}
