// Package fsys is the filesystem capability used by the oracle, the
// reconciler and the backup store.
package fsys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
)

// FS is the set of filesystem operations the reconciler needs. WriteFile must
// be atomic: readers observe either the old or the new content, never a
// truncated file.
type FS interface {
	Stat(name string) (fs.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	CopyFile(src, dst string) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
	MkdirAll(path string, perm fs.FileMode) error
	ReadDir(name string) ([]fs.DirEntry, error)
}

// Exists reports whether name exists. Errors other than "does not exist" are
// returned to the caller.
func Exists(fsys FS, name string) (bool, error) {
	_, err := fsys.Stat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ReadOptional returns the content of name, or an empty string and false if
// it does not exist.
func ReadOptional(fsys FS, name string) (string, bool, error) {
	data, err := fsys.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// Checksum returns the hex encoded sha256 of a file's content.
func Checksum(fsys FS, name string) (string, error) {
	data, err := fsys.ReadFile(name)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EncodeMode formats permission bits as an octal string such as "0644".
func EncodeMode(mode fs.FileMode) string {
	return fmt.Sprintf("0%o", mode.Perm())
}

// ParseMode parses an octal permission string.
func ParseMode(s string) (fs.FileMode, error) {
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", s, err)
	}
	if mode > 0o777 {
		return 0, fmt.Errorf("invalid file mode %q: out of range", s)
	}
	return fs.FileMode(mode), nil
}
