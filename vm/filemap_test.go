package vm

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMmapLazyLoadSplitsReadAndZero(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("mmap")
	as := p.AddressSpace()

	content := pattern(7, PageSize+904)
	fd := p.Open(NewMemFile(content))

	addr, err := p.Mmap(testBase, 2*PageSize, true, fd, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	if addr != testBase {
		t.Errorf("Expected mapping at %#x, got %#x", testBase, addr)
	}

	if as.SPT().Len() != 2 {
		t.Errorf("Expected 2 pages, got %d", as.SPT().Len())
	}
	if as.PageDir().Size() != 0 {
		t.Error("Mapped pages must not be resident before first access")
	}
	for _, pg := range as.SPT().snapshot() {
		if pg.Kind() != VMUninit || pg.Type() != VMFile {
			t.Errorf("Page %#x should be lazy file page, got kind %s type %s", pg.VA(), pg.Kind(), pg.Type())
		}
	}

	got := make([]byte, 2*PageSize)
	if err := p.Read(testBase, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got[:len(content)], content) {
		t.Error("Mapped bytes below file length must match the file")
	}
	if !bytes.Equal(got[len(content):], make([]byte, 2*PageSize-len(content))) {
		t.Error("Mapped bytes past file length must be zero")
	}

	second := as.SPT().Find(testBase + PageSize)
	if second.Kind() != VMFile || second.file.readBytes != 904 || second.file.zeroBytes != PageSize-904 {
		t.Errorf("Second page should read 904 bytes and zero the rest, got read=%d zero=%d",
			second.file.readBytes, second.file.zeroBytes)
	}
	if vm.Metrics().GetFileLoads() != 2 {
		t.Errorf("Expected 2 file loads, got %d", vm.Metrics().GetFileLoads())
	}
}

func TestMmapLengthBeyondFile(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("mmap")
	as := p.AddressSpace()

	fd := p.Open(NewMemFile(pattern(1, 100)))
	if _, err := p.Mmap(testBase, 4*PageSize, false, fd, 0); err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}

	if as.SPT().Len() != 1 {
		t.Errorf("Only the pages covering the file are installed, got %d", as.SPT().Len())
	}
}

func TestMmapWithOffset(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("mmap")

	content := pattern(4, 3*PageSize)
	fd := p.Open(NewMemFile(content))

	if _, err := p.Mmap(testBase, 2*PageSize, false, fd, PageSize); err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}

	got := make([]byte, 2*PageSize)
	if err := p.Read(testBase, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content[PageSize:]) {
		t.Error("Mapping should start at the file offset")
	}
}

func TestMmapThenMunmapLeavesNoEntries(t *testing.T) {
	tests := []struct {
		name   string
		addr   uintptr
		length int64
		touch  bool
	}{
		{"single page untouched", testBase, PageSize, false},
		{"partial page", testBase, 10, true},
		{"several pages touched", testBase + 8*PageSize, 5 * PageSize, true},
		{"ends at kernel base", KernBase - 2*PageSize, 2 * PageSize, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(t, 4, 8, "none")
			p := vm.NewProcess("munmap")
			as := p.AddressSpace()
			fd := p.Open(NewMemFile(pattern(2, 5*PageSize)))

			if _, err := p.Mmap(tt.addr, tt.length, true, fd, 0); err != nil {
				t.Fatalf("Mmap failed: %v", err)
			}
			if tt.touch {
				if err := p.Write(tt.addr, []byte{0xFF}); err != nil {
					t.Fatalf("Write failed: %v", err)
				}
			}

			p.Munmap(tt.addr)

			end := PageRoundUp(tt.addr + uintptr(tt.length))
			for va := tt.addr; va < end; va += PageSize {
				if as.SPT().Find(va) != nil {
					t.Errorf("Page %#x left in SPT after munmap", va)
				}
				if _, ok := as.PageDir().GetPage(va); ok {
					t.Errorf("Page %#x left mapped after munmap", va)
				}
			}
			if vm.FramePool().FreeFrames() != 4 {
				t.Errorf("Expected all frames free, got %d", vm.FramePool().FreeFrames())
			}
		})
	}
}

func TestMunmapWritesBackOnlyDirtyPages(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("writeback")

	file := NewMemFile(pattern(3, 3*PageSize))
	fd := p.Open(file)

	if _, err := p.Mmap(testBase, 3*PageSize, true, fd, 0); err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}

	// Page 0 written, page 1 only read, page 2 untouched
	if err := p.Write(testBase+10, []byte{0x5A}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := p.Read(testBase+PageSize, make([]byte, 16)); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	p.Munmap(testBase)

	if file.Writes() != 1 {
		t.Errorf("Expected exactly one writeback, got %d", file.Writes())
	}
	want := pattern(3, 3*PageSize)
	want[10] = 0x5A
	if !bytes.Equal(file.Bytes(), want) {
		t.Error("File should hold the written byte at the matching offset and nothing else changed")
	}
	if vm.Metrics().GetFileWritebacks() != 1 {
		t.Errorf("Expected 1 file writeback, got %d", vm.Metrics().GetFileWritebacks())
	}
}

func TestMunmapUntouchedMappingWritesNothing(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("clean")

	file := NewMemFile(pattern(3, 2*PageSize))
	fd := p.Open(file)

	p.Mmap(testBase, 2*PageSize, true, fd, 0)
	p.Munmap(testBase)

	if file.Writes() != 0 {
		t.Errorf("Untouched mapping must not write, got %d writes", file.Writes())
	}
}

func TestMunmapClosesMappingHandle(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("handle")
	as := p.AddressSpace()

	fd := p.Open(NewMemFile(pattern(3, 2*PageSize)))
	p.Mmap(testBase, 2*PageSize, true, fd, 0)

	run := as.SPT().Find(testBase).run
	if run.pages != 2 || run.live != 2 {
		t.Fatalf("Expected run of 2 live pages, got pages=%d live=%d", run.pages, run.live)
	}

	p.Munmap(testBase)
	if !run.file.(*MemFile).closed {
		t.Error("Mapping handle should be closed once every page is gone")
	}
}

func TestMunmapNonBaseIsIgnored(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("nonbase")
	as := p.AddressSpace()

	fd := p.Open(NewMemFile(pattern(3, 3*PageSize)))
	p.Mmap(testBase, 3*PageSize, true, fd, 0)

	p.Munmap(testBase + PageSize)
	p.Munmap(testBase + 5)
	p.Munmap(testBase + 64*PageSize)

	if as.SPT().Len() != 3 {
		t.Errorf("Munmap of a non-base address must not remove pages, %d left", as.SPT().Len())
	}
}

func TestMunmapStopsAtHole(t *testing.T) {
	vm := newTestVM(t, 8, 8, "none")
	p := vm.NewProcess("hole")
	as := p.AddressSpace()

	fd := p.Open(NewMemFile(pattern(3, 3*PageSize)))
	p.Mmap(testBase, 3*PageSize, true, fd, 0)

	middle := as.SPT().Find(testBase + PageSize)
	run := middle.run
	as.Remove(middle)

	// Reuse the hole for an unrelated page
	as.AllocPage(VMAnon, testBase+PageSize, true)

	p.Munmap(testBase)

	if as.SPT().Find(testBase) != nil {
		t.Error("First page should be unmapped")
	}
	if as.SPT().Find(testBase+PageSize) == nil {
		t.Error("Unrelated page in the hole must survive")
	}
	if as.SPT().Find(testBase+2*PageSize) == nil {
		t.Error("Pages past the hole are left alone")
	}
	if run.live != 1 {
		t.Errorf("Expected 1 live page in the run, got %d", run.live)
	}
}

func TestMmapFailures(t *testing.T) {
	tests := []struct {
		name   string
		file   []byte
		addr   uintptr
		length int64
		offset int64
		code   ErrorCode
	}{
		{"zero length file", []byte{}, testBase, PageSize, 0, ErrCodeBadFile},
		{"zero length", pattern(1, PageSize), testBase, 0, 0, ErrCodeInvalidLength},
		{"negative length", pattern(1, PageSize), testBase, -PageSize, 0, ErrCodeInvalidLength},
		{"misaligned address", pattern(1, PageSize), testBase + 1, PageSize, 0, ErrCodeMisaligned},
		{"null address", pattern(1, PageSize), 0, PageSize, 0, ErrCodeInvalidAddress},
		{"kernel address", pattern(1, PageSize), KernBase, PageSize, 0, ErrCodeInvalidAddress},
		{"crosses into kernel", pattern(1, PageSize), KernBase - PageSize, 2 * PageSize, 0, ErrCodeInvalidAddress},
		{"misaligned offset", pattern(1, 2*PageSize), testBase, PageSize, 100, ErrCodeMisaligned},
		{"offset past end", pattern(1, PageSize), testBase, PageSize, PageSize, ErrCodeBadFile},
		{"overlaps existing page", pattern(1, 4*PageSize), testBase - PageSize, 4 * PageSize, 0, ErrCodeAlreadyMapped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(t, 4, 8, "none")
			p := vm.NewProcess("fail")
			as := p.AddressSpace()

			// An existing page two pages into the overlap case's range
			as.AllocPage(VMAnon, testBase+PageSize, true)

			file := NewMemFile(tt.file)
			fd := p.Open(file)

			_, err := p.Mmap(tt.addr, tt.length, true, fd, tt.offset)
			if !IsErrorCode(err, tt.code) {
				t.Errorf("Expected error code %d, got %v", tt.code, err)
			}
			if as.SPT().Len() != 1 {
				t.Errorf("Failed mmap must install nothing, SPT has %d pages", as.SPT().Len())
			}
		})
	}
}

func TestMmapBadDescriptor(t *testing.T) {
	vm := newTestVM(t, 4, 8, "none")
	p := vm.NewProcess("badfd")

	for _, fd := range []int{0, 1, 42} {
		if _, err := p.Mmap(testBase, PageSize, true, fd, 0); !IsErrorCode(err, ErrCodeBadFile) {
			t.Errorf("fd %d: expected bad file error, got %v", fd, err)
		}
	}
}

func TestMmapOutlivesDescriptor(t *testing.T) {
	vm := newTestVM(t, 4, 8, "none")
	p := vm.NewProcess("outlive")

	path := filepath.Join(t.TempDir(), "mapped.bin")
	content := pattern(6, PageSize+10)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	file, err := OpenOSFile(path)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}

	fd := p.Open(file)
	if _, err := p.Mmap(testBase, int64(len(content)), true, fd, 0); err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	if err := p.Close(fd); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := make([]byte, len(content))
	if err := p.Read(testBase, got); err != nil {
		t.Fatalf("Read after close failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("Mapping content lost after the descriptor was closed")
	}

	p.Write(testBase+PageSize+2, []byte("XY"))
	p.Munmap(testBase)

	onDisk, _ := os.ReadFile(path)
	if string(onDisk[PageSize+2:PageSize+4]) != "XY" {
		t.Error("Dirty bytes should reach the file on munmap")
	}
	if len(onDisk) != len(content) {
		t.Errorf("Writeback must not extend the file, got %d bytes", len(onDisk))
	}
}

func TestDirtyFilePageEvictedAndReloaded(t *testing.T) {
	vm := newTestVM(t, 1, 4, "none")
	p := vm.NewProcess("fileevict")
	as := p.AddressSpace()

	file := NewMemFile(pattern(8, PageSize))
	fd := p.Open(file)
	p.Mmap(testBase, PageSize, true, fd, 0)

	if err := p.Write(testBase+100, []byte{0xEE}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Evict the mapped page by touching another page
	as.AllocPage(VMAnon, testBase+8*PageSize, true)
	p.Write(testBase+8*PageSize, []byte{1})

	mapped := as.SPT().Find(testBase)
	if mapped.Resident() {
		t.Fatal("Mapped page should have been evicted")
	}
	if file.Bytes()[100] != 0xEE {
		t.Error("Eviction of a dirty file page must write it back")
	}
	if vm.Swap().UsedSlots() != 0 {
		t.Error("File pages never use swap")
	}

	got := make([]byte, 1)
	p.Read(testBase+100, got)
	if got[0] != 0xEE {
		t.Error("Reloaded file page should see the written-back byte")
	}
	if as.PageDir().IsDirty(testBase) {
		t.Error("Reloaded page should be clean")
	}

	// Clean now: munmap writes nothing more
	writes := file.Writes()
	p.Munmap(testBase)
	if file.Writes() != writes {
		t.Error("Munmap of a clean reloaded page must not write")
	}
}

func TestLoadFromFileShortRead(t *testing.T) {
	aux := &LazyLoad{
		File:      NewMemFile(pattern(1, 100)),
		Offset:    0,
		ReadBytes: 200,
		ZeroBytes: PageSize - 200,
	}
	err := LoadFromFile(make([]byte, PageSize), aux)
	if !IsErrorCode(err, ErrCodeShortRead) {
		t.Errorf("Expected short read, got %v", err)
	}

	if err := LoadFromFile(make([]byte, PageSize), nil); !IsErrorCode(err, ErrCodeBadFile) {
		t.Errorf("Expected bad file for missing descriptor, got %v", err)
	}
}
