package vm

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// File is the file abstraction that mappings and lazy loads read from.
// Each handle has its own position; handles from Reopen share content.
type File interface {
	io.Reader
	io.Seeker
	io.WriterAt

	// Length returns the current file size in bytes
	Length() int64

	// Reopen returns an independent handle to the same file
	Reopen() (File, error)

	Close() error
}

// memInode is the shared content behind MemFile handles
type memInode struct {
	mu     sync.RWMutex
	data   []byte
	writes int
}

// MemFile is an in-memory file handle
type MemFile struct {
	inode  *memInode
	pos    int64
	closed bool
}

// NewMemFile creates a file holding a copy of data
func NewMemFile(data []byte) *MemFile {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &MemFile{inode: &memInode{data: buf}}
}

// Read reads from the current position
func (f *MemFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()

	if f.pos >= int64(len(f.inode.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.inode.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

// Seek sets the position for the next Read
func (f *MemFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.pos
	case io.SeekEnd:
		base = f.Length()
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if base+offset < 0 {
		return 0, fmt.Errorf("negative position %d", base+offset)
	}
	f.pos = base + offset
	return f.pos, nil
}

// WriteAt writes p at off, growing the file if needed
func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	f.inode.mu.Lock()
	defer f.inode.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(f.inode.data)) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}
	f.inode.writes++
	return copy(f.inode.data[off:], p), nil
}

// Length returns the file size
func (f *MemFile) Length() int64 {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	return int64(len(f.inode.data))
}

// Reopen returns a new handle positioned at the start of the file
func (f *MemFile) Reopen() (File, error) {
	if f.closed {
		return nil, os.ErrClosed
	}
	return &MemFile{inode: f.inode}, nil
}

// Close closes this handle; other handles stay usable
func (f *MemFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}

// Bytes returns a copy of the file content
func (f *MemFile) Bytes() []byte {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	out := make([]byte, len(f.inode.data))
	copy(out, f.inode.data)
	return out
}

// Writes returns how many WriteAt calls reached the file through any handle
func (f *MemFile) Writes() int {
	f.inode.mu.RLock()
	defer f.inode.mu.RUnlock()
	return f.inode.writes
}

// OSFile adapts an *os.File to File
type OSFile struct {
	*os.File
}

// OpenOSFile opens path for reading and writing
func OpenOSFile(path string) (*OSFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	return &OSFile{File: file}, nil
}

// Length returns the file size, or 0 if it cannot be determined
func (f *OSFile) Length() int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Reopen opens the same path again with an independent offset
func (f *OSFile) Reopen() (File, error) {
	return OpenOSFile(f.Name())
}
