package vm

import (
	"fmt"
	"io"
)

// readPage fills kva with readBytes from file at offset and zeroes the rest
func readPage(op string, file File, offset int64, readBytes int, kva []byte) error {
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return NewVMError(ErrCodeDiskReadFailed, op, fmt.Sprintf("seek to %d", offset), err)
	}
	n, err := io.ReadFull(file, kva[:readBytes])
	if err != nil {
		return ErrShortRead(op, readBytes, n)
	}
	clear(kva[readBytes:])
	return nil
}

// LoadFromFile is the initializer for pages whose first content comes from
// a file region, such as executable segments and mappings
func LoadFromFile(kva []byte, aux *LazyLoad) error {
	if aux == nil || aux.File == nil {
		return ErrBadFile("LoadFromFile", "missing lazy load descriptor")
	}
	if aux.ReadBytes < 0 || aux.ReadBytes > len(kva) {
		return ErrInvalidLength("LoadFromFile", int64(aux.ReadBytes))
	}
	return readPage("LoadFromFile", aux.File, aux.Offset, aux.ReadBytes, kva)
}

func (as *AddressSpace) fileSwapIn(p *Page, kva []byte) error {
	if err := readPage("fileSwapIn", p.file.file, p.file.offset, p.file.readBytes, kva); err != nil {
		return err
	}
	as.vm.metrics.RecordFileLoad()
	return nil
}

// writeBack stores a dirty page's file bytes and clears the dirty bit.
// Clean pages are not written.
func (as *AddressSpace) writeBack(p *Page) error {
	if !as.pml4.IsDirty(p.va) {
		return nil
	}

	kva := as.vm.frames.frames[p.frame].kva
	n, err := p.file.file.WriteAt(kva[:p.file.readBytes], p.file.offset)
	if err != nil || n != p.file.readBytes {
		return ErrShortWrite("writeBack", p.file.readBytes, n, err)
	}
	as.pml4.SetDirty(p.va, false)
	as.vm.metrics.RecordFileWriteback()
	return nil
}

func (as *AddressSpace) fileSwapOut(p *Page) error {
	if err := as.writeBack(p); err != nil {
		return err
	}
	as.pml4.ClearPage(p.va)
	return nil
}

func (as *AddressSpace) fileDestroy(p *Page) {
	if p.frame != NoFrame {
		if err := as.writeBack(p); err != nil {
			as.vm.logger.Warn("writeback failed", "va", p.va, "offset", p.file.offset, "error", err)
		}
	}
	as.pml4.ClearPage(p.va)
}

// Mmap maps length bytes of file starting at offset to addr as lazily
// loaded file pages. Nothing is installed if any check fails.
func (as *AddressSpace) Mmap(addr uintptr, length int64, writable bool, file File, offset int64) (uintptr, error) {
	if file == nil {
		return 0, ErrBadFile("Mmap", "no file")
	}
	fileLen := file.Length()
	if fileLen == 0 {
		return 0, ErrBadFile("Mmap", "file is empty")
	}
	if length <= 0 {
		return 0, ErrInvalidLength("Mmap", length)
	}
	if addr == 0 {
		return 0, ErrInvalidAddress("Mmap", addr)
	}
	if PageOffset(addr) != 0 {
		return 0, ErrMisaligned("Mmap", "address", uint64(addr))
	}
	if uint64(length) > uint64(KernBase) || addr > KernBase-uintptr(length) {
		return 0, ErrInvalidAddress("Mmap", addr)
	}
	if offset < 0 || offset%PageSize != 0 {
		return 0, ErrMisaligned("Mmap", "offset", uint64(offset))
	}
	if offset >= fileLen {
		return 0, ErrBadFile("Mmap", fmt.Sprintf("offset %d is past end of file (%d bytes)", offset, fileLen))
	}

	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()

	end := PageRoundUp(addr + uintptr(length))
	for va := addr; va < end; va += PageSize {
		if as.spt.Find(va) != nil {
			return 0, ErrAlreadyMapped("Mmap", va)
		}
	}

	reopened, err := file.Reopen()
	if err != nil {
		return 0, NewVMError(ErrCodeBadFile, "Mmap", "reopen failed", err)
	}

	readBytes := min(length, fileLen-offset)
	run := &mmapRun{
		base:  addr,
		pages: pageCount(readBytes),
		file:  reopened,
	}

	for i := 0; i < run.pages; i++ {
		pageRead := int(min(readBytes-int64(i)*PageSize, PageSize))
		aux := &LazyLoad{
			File:      reopened,
			Offset:    offset + int64(i)*PageSize,
			ReadBytes: pageRead,
			ZeroBytes: PageSize - pageRead,
		}
		va := addr + uintptr(i)*PageSize
		p, err := as.allocLocked(VMFile, va, writable, LoadFromFile, aux)
		if err != nil {
			if i == 0 {
				reopened.Close()
			}
			as.unmapLocked(run)
			return 0, err
		}
		p.run = run
		run.live++
	}

	as.vm.logger.Debug("mmap", "addr", addr, "length", length, "offset", offset, "pages", run.pages, "writable", writable)
	return addr, nil
}

// Munmap removes the mapping whose first page is at addr, writing dirty
// pages back to the file. Addresses that do not start a mapping are ignored.
func (as *AddressSpace) Munmap(addr uintptr) {
	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()

	p := as.spt.Find(addr)
	if p == nil || p.run == nil || p.run.base != addr {
		as.vm.logger.Debug("munmap of unmapped address", "addr", addr)
		return
	}
	as.unmapLocked(p.run)
	as.vm.logger.Debug("munmap", "addr", addr)
}

// unmapLocked removes the run's pages in order, stopping at the first hole
// or page that belongs elsewhere
func (as *AddressSpace) unmapLocked(run *mmapRun) {
	for i := 0; i < run.pages; i++ {
		p := as.spt.Find(run.base + uintptr(i)*PageSize)
		if p == nil || p.run != run {
			return
		}
		as.removeLocked(p)
	}
}
