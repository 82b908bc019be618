// Package testutil provides in-memory fakes for the capabilities the
// reconciler depends on.
package testutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryFS is an in-memory fsys.FS. Every mutation counts as a write; errors
// can be injected per path and operation.
type MemoryFS struct {
	mu    sync.RWMutex
	files map[string]*memFile
	dirs  map[string]bool

	errs map[string]error // keyed by "op:path" or "*:path"

	reads  int
	writes int
}

type memFile struct {
	data    []byte
	mode    fs.FileMode
	modTime time.Time
}

func NewMemoryFS() *MemoryFS {
	return &MemoryFS{
		files: make(map[string]*memFile),
		dirs:  map[string]bool{"/": true},
		errs:  make(map[string]error),
	}
}

// WithFile seeds a file and its parent directories. It does not count as a
// write.
func (m *MemoryFS) WithFile(name, content string, mode fs.FileMode) *MemoryFS {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = filepath.Clean(name)
	m.mkdirAll(filepath.Dir(name))
	m.files[name] = &memFile{data: []byte(content), mode: mode, modTime: time.Now()}
	return m
}

// WithError makes op ("read", "write", "copy", "rename", "remove", "mkdir",
// "stat" or "*" for all) on name fail with err.
func (m *MemoryFS) WithError(op, name string, err error) *MemoryFS {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op+":"+filepath.Clean(name)] = err
	return m
}

// Stats returns the number of reads and writes performed so far.
func (m *MemoryFS) Stats() (reads, writes int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reads, m.writes
}

// Content returns a file's content for assertions.
func (m *MemoryFS) Content(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[filepath.Clean(name)]
	if !ok {
		return "", false
	}
	return string(f.data), true
}

// Paths lists all files, sorted.
func (m *MemoryFS) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryFS) injected(op, name string) error {
	if err, ok := m.errs[op+":"+name]; ok {
		return err
	}
	return m.errs["*:"+name]
}

func (m *MemoryFS) Stat(name string) (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	if err := m.injected("stat", name); err != nil {
		return nil, err
	}
	if f, ok := m.files[name]; ok {
		return fileInfo{name: filepath.Base(name), size: int64(len(f.data)), mode: f.mode, modTime: f.modTime}, nil
	}
	if m.dirs[name] {
		return fileInfo{name: filepath.Base(name), mode: fs.ModeDir | 0o755}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
}

func (m *MemoryFS) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	name = filepath.Clean(name)
	if err := m.injected("read", name); err != nil {
		return nil, err
	}
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), f.data...), nil
}

func (m *MemoryFS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	name = filepath.Clean(name)
	if err := m.injected("write", name); err != nil {
		return err
	}
	if !m.dirs[filepath.Dir(name)] {
		return &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	m.files[name] = &memFile{data: append([]byte(nil), data...), mode: perm.Perm(), modTime: time.Now()}
	return nil
}

func (m *MemoryFS) CopyFile(src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	if err := m.injected("copy", src); err != nil {
		return err
	}
	if err := m.injected("copy", dst); err != nil {
		return err
	}
	f, ok := m.files[src]
	if !ok {
		return &fs.PathError{Op: "open", Path: src, Err: fs.ErrNotExist}
	}
	if !m.dirs[filepath.Dir(dst)] {
		return &fs.PathError{Op: "open", Path: dst, Err: fs.ErrNotExist}
	}
	m.files[dst] = &memFile{data: append([]byte(nil), f.data...), mode: f.mode, modTime: time.Now()}
	return nil
}

func (m *MemoryFS) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	oldpath, newpath = filepath.Clean(oldpath), filepath.Clean(newpath)
	if err := m.injected("rename", oldpath); err != nil {
		return err
	}
	f, ok := m.files[oldpath]
	if !ok {
		return &fs.PathError{Op: "rename", Path: oldpath, Err: fs.ErrNotExist}
	}
	delete(m.files, oldpath)
	m.files[newpath] = f
	return nil
}

func (m *MemoryFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	name = filepath.Clean(name)
	if err := m.injected("remove", name); err != nil {
		return err
	}
	if _, ok := m.files[name]; !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *MemoryFS) MkdirAll(path string, _ fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path = filepath.Clean(path)
	if err := m.injected("mkdir", path); err != nil {
		return err
	}
	if _, ok := m.files[path]; ok {
		return &fs.PathError{Op: "mkdir", Path: path, Err: errors.New("not a directory")}
	}
	if !m.dirs[path] {
		m.writes++
		m.mkdirAll(path)
	}
	return nil
}

func (m *MemoryFS) ReadDir(name string) ([]fs.DirEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name = filepath.Clean(name)
	if !m.dirs[name] {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}

	var out []fs.DirEntry
	for p, f := range m.files {
		if filepath.Dir(p) == name {
			out = append(out, fs.FileInfoToDirEntry(fileInfo{name: filepath.Base(p), size: int64(len(f.data)), mode: f.mode, modTime: f.modTime}))
		}
	}
	for d := range m.dirs {
		if d != name && filepath.Dir(d) == name {
			out = append(out, fs.FileInfoToDirEntry(fileInfo{name: filepath.Base(d), mode: fs.ModeDir | 0o755}))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (m *MemoryFS) mkdirAll(path string) {
	for p := path; ; p = filepath.Dir(p) {
		m.dirs[p] = true
		if p == "/" || p == "." || !strings.Contains(p, "/") {
			return
		}
	}
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return fi.modTime }
func (fi fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fileInfo) Sys() any           { return nil }
