package fsutil

import (
	"errors"
	"io"
	iofs "io/fs"
	"path/filepath"
	"testing"
)

func TestOSFileSystem_Stat(t *testing.T) {
	fs := OSFileSystem{}

	info, err := fs.Stat("filesystem.go")
	if err != nil || info.Size() == 0 {
		t.Errorf("Stat(filesystem.go) = %v, %v", info, err)
	}

	if _, err := fs.Stat("nonexistent_file_xyz.go"); !errors.Is(err, iofs.ErrNotExist) {
		t.Errorf("Stat of missing file error = %v, want ErrNotExist", err)
	}
}

func TestOSFileSystem_CreateWriteAtOpen(t *testing.T) {
	fs := OSFileSystem{}
	path := filepath.Join(t.TempDir(), "nested", "dir", "stack.tif")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("world"), 6); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("hello,"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hello,world" {
		t.Errorf("content = %q, want %q", data, "hello,world")
	}

	r, err := fs.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	buf := make([]byte, 5)
	if _, err := r.ReadAt(buf, 6); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("ReadAt = %q, want %q", buf, "world")
	}
}

func TestMemoryFileSystem_WriteAtGrowsAndOverwrites(t *testing.T) {
	mfs := NewMemoryFileSystem()

	f, err := mfs.Create("/out/stack.tif")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("abcdef"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("XY"), 2); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("Z"), 8); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	data, _ := mfs.ReadFile("/out/stack.tif")
	if string(data) != "abXYef\x00\x00Z" {
		t.Errorf("content = %q", data)
	}

	if mfs.IsClosed("/out/stack.tif") {
		t.Error("file reported closed before Close")
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !mfs.IsClosed("/out/stack.tif") {
		t.Error("file not reported closed after Close")
	}
	if _, err := f.WriteAt([]byte("late"), 0); err == nil {
		t.Error("WriteAt after Close should fail")
	}
}

func TestMemoryFileSystem_FailureInjection(t *testing.T) {
	mfs := NewMemoryFileSystem()
	boom := errors.New("disk full")

	mfs.FailCreate("/denied.tif", boom)
	if _, err := mfs.Create("/denied.tif"); !errors.Is(err, boom) {
		t.Errorf("Create error = %v, want %v", err, boom)
	}

	f, err := mfs.Create("/flaky.tif")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mfs.SetWriteHook(func(name string, off int64, n int) error {
		if off == 4 {
			return boom
		}
		return nil
	})
	if _, err := f.WriteAt([]byte("ok"), 0); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := f.WriteAt([]byte("no"), 4); !errors.Is(err, boom) {
		t.Errorf("WriteAt error = %v, want %v", err, boom)
	}
	info, _ := mfs.Stat("/flaky.tif")
	if info.Size() != 2 {
		t.Errorf("failed write modified file: size = %d", info.Size())
	}
}

func TestMemoryFileSystem_OpenReadAt(t *testing.T) {
	mfs := NewMemoryFileSystem()
	f, _ := mfs.Create("/r.bin")
	f.WriteAt([]byte("0123456789"), 0)
	f.Close()

	r, err := mfs.Open("/r.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := r.ReadAt(buf, 3); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "3456" {
		t.Errorf("ReadAt = %q", buf)
	}
	n, err := r.ReadAt(buf, 8)
	if n != 2 || err != io.EOF {
		t.Errorf("short ReadAt = (%d, %v), want (2, EOF)", n, err)
	}

	if _, err := mfs.Open("/missing"); err == nil {
		t.Error("Open of a missing file should fail")
	}
}

func TestMemoryFileSystem_StatAndCreateTruncates(t *testing.T) {
	mfs := NewMemoryFileSystem()

	if _, err := mfs.Stat("/data/a.tif"); !errors.Is(err, iofs.ErrNotExist) {
		t.Errorf("Stat of missing file error = %v, want ErrNotExist", err)
	}

	f, _ := mfs.Create("/data/a.tif")
	f.WriteAt([]byte("0123"), 0)
	f.Close()
	info, err := mfs.Stat("/data/./a.tif")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Name() != "a.tif" || info.Size() != 4 || info.IsDir() {
		t.Errorf("Stat = %s size %d dir %t", info.Name(), info.Size(), info.IsDir())
	}

	if _, err := mfs.Create("/data/a.tif"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if info, _ := mfs.Stat("/data/a.tif"); info.Size() != 0 {
		t.Errorf("size after re-Create = %d, want 0", info.Size())
	}
	if mfs.IsClosed("/data/a.tif") {
		t.Error("re-created file reported closed")
	}
}
