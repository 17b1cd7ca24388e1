package vm

import (
	"fmt"
	"sync"
)

const (
	// firstUserFD is the first descriptor handed out; 0 and 1 are the console
	firstUserFD = 2
)

// Process is a user program running in its own address space. It supplies
// the pieces of process lifecycle the VM depends on: the user stack pointer,
// the descriptor table, fork and exit.
type Process struct {
	vm   *VM
	pid  int
	name string
	as   *AddressSpace

	rsp      uintptr
	savedRSP uintptr

	files  map[int]File
	nextFD int

	exitCode int
	exited   bool
	mutex    sync.Mutex
}

// NewProcess creates a process with an empty address space
func (vm *VM) NewProcess(name string) *Process {
	return &Process{
		vm:     vm,
		pid:    int(vm.nextPID.Add(1)),
		name:   name,
		as:     vm.NewAddressSpace(),
		files:  make(map[int]File),
		nextFD: firstUserFD,
	}
}

// PID returns the process ID
func (p *Process) PID() int {
	return p.pid
}

// Name returns the program name
func (p *Process) Name() string {
	return p.name
}

// AddressSpace returns the process's address space
func (p *Process) AddressSpace() *AddressSpace {
	return p.as
}

// RSP returns the user stack pointer
func (p *Process) RSP() uintptr {
	return p.rsp
}

// SetRSP sets the user stack pointer
func (p *Process) SetRSP(rsp uintptr) {
	p.rsp = rsp
}

// Exited reports whether the process has exited
func (p *Process) Exited() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.exited
}

// ExitCode returns the exit status; it is meaningful once Exited is true
func (p *Process) ExitCode() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.exitCode
}

// SetupStack maps and claims the top page of the user stack
func (p *Process) SetupStack() error {
	stackBottom := UserStack - PageSize
	if err := p.as.AllocPage(VMAnon|VMMarkerStack, stackBottom, true); err != nil {
		return err
	}
	if err := p.as.ClaimPage(stackBottom); err != nil {
		return err
	}
	p.rsp = UserStack
	return nil
}

// LoadSegment maps an executable segment: readBytes from file at offset
// followed by zeroBytes of zeroes, starting at upage. Pages are read on
// first access. file must stay open while the process runs.
func (p *Process) LoadSegment(file File, offset int64, upage uintptr, readBytes, zeroBytes int, writable bool) error {
	if (readBytes+zeroBytes)%PageSize != 0 {
		return ErrInvalidLength("LoadSegment", int64(readBytes+zeroBytes))
	}
	if PageOffset(upage) != 0 {
		return ErrMisaligned("LoadSegment", "address", uint64(upage))
	}
	if offset%PageSize != 0 {
		return ErrMisaligned("LoadSegment", "offset", uint64(offset))
	}

	for readBytes > 0 || zeroBytes > 0 {
		pageRead := min(readBytes, PageSize)
		pageZero := PageSize - pageRead

		aux := &LazyLoad{
			File:      file,
			Offset:    offset,
			ReadBytes: pageRead,
			ZeroBytes: pageZero,
		}
		if err := p.as.AllocPageWithInitializer(VMAnon, upage, writable, LoadFromFile, aux); err != nil {
			return err
		}

		readBytes -= pageRead
		zeroBytes -= pageZero
		offset += int64(pageRead)
		upage += PageSize
	}
	return nil
}

// Open installs file in the descriptor table and returns its descriptor
func (p *Process) Open(file File) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	fd := p.nextFD
	p.nextFD++
	p.files[fd] = file
	return fd
}

// Close closes and removes a descriptor
func (p *Process) Close(fd int) error {
	p.mutex.Lock()
	file, exists := p.files[fd]
	delete(p.files, fd)
	p.mutex.Unlock()

	if !exists {
		return ErrBadFile("Close", fmt.Sprintf("bad descriptor %d", fd))
	}
	return file.Close()
}

func (p *Process) file(fd int) File {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.files[fd]
}

// Mmap maps length bytes of the file open as fd at addr
func (p *Process) Mmap(addr uintptr, length int64, writable bool, fd int, offset int64) (uintptr, error) {
	file := p.file(fd)
	if file == nil {
		return 0, ErrBadFile("Mmap", fmt.Sprintf("bad descriptor %d", fd))
	}
	return p.as.Mmap(addr, length, writable, file, offset)
}

// Munmap unmaps the mapping that starts at addr
func (p *Process) Munmap(addr uintptr) {
	p.as.Munmap(addr)
}

// Fork creates a child with a copy of the address space and descriptor table
func (p *Process) Fork(name string) (*Process, error) {
	if p.Exited() {
		return nil, NewVMError(ErrCodeProcessExited, "Fork", fmt.Sprintf("process %d has exited", p.pid), nil)
	}

	child := p.vm.NewProcess(name)
	if err := child.as.Copy(p.as); err != nil {
		p.vm.logger.Warn("fork failed", "parent", p.pid, "error", err)
		return nil, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for fd, file := range p.files {
		dup, err := file.Reopen()
		if err != nil {
			child.mutex.Lock()
			files := child.files
			child.files = make(map[int]File)
			child.mutex.Unlock()
			for _, f := range files {
				f.Close()
			}
			child.as.Teardown()
			return nil, NewVMError(ErrCodeCopyFailed, "Fork", fmt.Sprintf("reopen descriptor %d", fd), err)
		}
		child.files[fd] = dup
	}
	child.nextFD = p.nextFD
	child.rsp = p.rsp
	return child, nil
}

// Exit tears down the address space, closes every descriptor and records
// status. Exiting twice is a no-op.
func (p *Process) Exit(status int) {
	p.mutex.Lock()
	if p.exited {
		p.mutex.Unlock()
		return
	}
	p.exited = true
	p.exitCode = status
	files := p.files
	p.files = make(map[int]File)
	p.mutex.Unlock()

	p.as.Teardown()
	for fd, file := range files {
		if err := file.Close(); err != nil {
			p.vm.logger.Warn("closing descriptor failed", "pid", p.pid, "fd", fd, "error", err)
		}
	}
	p.vm.logger.Info("process exit", "name", p.name, "pid", p.pid, "status", status)
}

// PageFault handles a fault raised by this process. If the fault cannot be
// resolved the process exits with status -1 and the error is returned.
func (p *Process) PageFault(f Fault) error {
	f.SavedRSP = p.savedRSP
	if err := p.as.TryHandleFault(f); err != nil {
		p.vm.metrics.RecordProcessKill()
		p.vm.logger.Warn("killing process", "name", p.name, "pid", p.pid, "addr", f.Addr, "error", err)
		p.Exit(-1)
		return err
	}
	return nil
}

// Read reads user memory at addr into buf as a user-mode load
func (p *Process) Read(addr uintptr, buf []byte) error {
	return p.access(addr, buf, false, true, p.rsp)
}

// Write stores data at addr as a user-mode store
func (p *Process) Write(addr uintptr, data []byte) error {
	return p.access(addr, data, true, true, p.rsp)
}

// Push stores data just below the stack pointer and moves the stack
// pointer down, faulting like a PUSH instruction
func (p *Process) Push(data []byte) error {
	addr := p.rsp - uintptr(len(data))
	if err := p.access(addr, data, true, true, p.rsp); err != nil {
		return err
	}
	p.rsp = addr
	return nil
}

// CopyIn reads user memory at addr into buf on behalf of a system call
func (p *Process) CopyIn(addr uintptr, buf []byte) error {
	p.savedRSP = p.rsp
	return p.access(addr, buf, false, false, 0)
}

// CopyOut writes data to user memory at addr on behalf of a system call
func (p *Process) CopyOut(addr uintptr, data []byte) error {
	p.savedRSP = p.rsp
	return p.access(addr, data, true, false, 0)
}

// access copies between buf and user memory one page at a time. Each page
// is translated through the page directory, setting the accessed and dirty
// bits, and faulted in when the translation fails.
func (p *Process) access(addr uintptr, buf []byte, write, user bool, rsp uintptr) error {
	for done := 0; done < len(buf); {
		if p.Exited() {
			return NewVMError(ErrCodeProcessExited, "access", fmt.Sprintf("process %d has exited", p.pid), nil)
		}

		va := addr + uintptr(done)
		off := int(PageOffset(va))
		n := min(len(buf)-done, PageSize-off)

		p.vm.mu.Lock()
		frameID, present, ok := p.as.pml4.translate(va, write)
		if ok {
			kva := p.vm.frames.frames[frameID].kva
			if write {
				copy(kva[off:off+n], buf[done:done+n])
			} else {
				copy(buf[done:done+n], kva[off:off+n])
			}
			p.vm.mu.Unlock()
			done += n
			continue
		}
		p.vm.mu.Unlock()

		fault := Fault{
			Addr:       va,
			RSP:        rsp,
			User:       user,
			Write:      write,
			NotPresent: !present,
		}
		if err := p.PageFault(fault); err != nil {
			return err
		}
	}
	return nil
}
