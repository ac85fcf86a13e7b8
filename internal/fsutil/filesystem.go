// Package fsutil provides filesystem abstractions for testability.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File is a random-access output file. Container writers address every write
// explicitly so a failed write can be retried at the same offset.
type File interface {
	io.WriterAt
	io.Closer
}

// ReadAtCloser is a random-access input file.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// FileSystem abstracts filesystem operations for testability.
// Use OSFileSystem for production; MemoryFileSystem for testing.
type FileSystem interface {
	// Create creates or truncates the named file for random-access writing.
	Create(name string) (File, error)

	// Open opens the named file for random-access reading.
	Open(name string) (ReadAtCloser, error)

	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// Stat returns a FileInfo describing the named file.
	Stat(name string) (fs.FileInfo, error)
}

// OSFileSystem implements FileSystem using the os package.
type OSFileSystem struct{}

// Create creates the named file. Parent directories are created on demand
// since output paths arrive as opaque strings.
func (OSFileSystem) Create(name string) (File, error) {
	if dir := filepath.Dir(name); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// Open opens the named file.
func (OSFileSystem) Open(name string) (ReadAtCloser, error) {
	return os.Open(name)
}

// ReadFile reads the named file.
func (OSFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// Stat returns file info for the named file.
func (OSFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

// WriteHook is consulted before every WriteAt on a MemoryFileSystem file. A
// non-nil error fails that write without modifying the file.
type WriteHook func(name string, off int64, n int) error

// MemoryFileSystem provides an in-memory filesystem for testing.
type MemoryFileSystem struct {
	mu         sync.RWMutex
	files      map[string]*memFile
	createErrs map[string]error
	writeHook  WriteHook
}

type memFile struct {
	data   []byte
	mode   os.FileMode
	closed bool
}

// NewMemoryFileSystem creates a new in-memory filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{
		files:      make(map[string]*memFile),
		createErrs: make(map[string]error),
	}
}

// FailCreate makes subsequent Create calls for name return err.
func (m *MemoryFileSystem) FailCreate(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErrs[filepath.Clean(name)] = err
}

// SetWriteHook installs a hook used to inject write failures.
func (m *MemoryFileSystem) SetWriteHook(h WriteHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeHook = h
}

// Create creates or truncates a file.
func (m *MemoryFileSystem) Create(name string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name = filepath.Clean(name)
	if err := m.createErrs[name]; err != nil {
		return nil, &fs.PathError{Op: "create", Path: name, Err: err}
	}
	f := &memFile{data: []byte{}, mode: 0644}
	m.files[name] = f

	return &memFileHandle{fs: m, name: name, file: f}, nil
}

// Open opens a file for reading.
func (m *MemoryFileSystem) Open(name string) (ReadAtCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	data := make([]byte, len(f.data))
	copy(data, f.data)
	return &memFileReader{data: data}, nil
}

// ReadFile reads a file's contents.
func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}

	result := make([]byte, len(f.data))
	copy(result, f.data)
	return result, nil
}

// Stat returns file info.
func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name = filepath.Clean(name)
	f, ok := m.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}

	return &memFileInfo{
		name: filepath.Base(name),
		size: int64(len(f.data)),
		mode: f.mode,
	}, nil
}

// IsClosed reports whether the most recent handle for name has been closed.
func (m *MemoryFileSystem) IsClosed(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[filepath.Clean(name)]
	return ok && f.closed
}

// memFileHandle implements File on top of a memFile.
type memFileHandle struct {
	fs   *MemoryFileSystem
	name string
	file *memFile
}

func (h *memFileHandle) WriteAt(p []byte, off int64) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()

	if h.file.closed {
		return 0, fs.ErrClosed
	}
	if off < 0 {
		return 0, &fs.PathError{Op: "writeat", Path: h.name, Err: fs.ErrInvalid}
	}
	if h.fs.writeHook != nil {
		if err := h.fs.writeHook(h.name, off, len(p)); err != nil {
			return 0, err
		}
	}

	end := off + int64(len(p))
	if end > int64(len(h.file.data)) {
		grown := make([]byte, end)
		copy(grown, h.file.data)
		h.file.data = grown
	}
	copy(h.file.data[off:], p)
	return len(p), nil
}

func (h *memFileHandle) Close() error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.file.closed {
		return fs.ErrClosed
	}
	h.file.closed = true
	return nil
}

// memFileReader implements ReadAtCloser over a snapshot of file contents.
type memFileReader struct {
	data []byte
}

func (r *memFileReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memFileReader) Close() error { return nil }

// memFileInfo implements fs.FileInfo.
type memFileInfo struct {
	name string
	size int64
	mode os.FileMode
}

func (i *memFileInfo) Name() string       { return i.name }
func (i *memFileInfo) Size() int64        { return i.size }
func (i *memFileInfo) Mode() os.FileMode  { return i.mode }
func (i *memFileInfo) ModTime() time.Time { return time.Time{} }
func (i *memFileInfo) IsDir() bool        { return false }
func (i *memFileInfo) Sys() any           { return nil }
