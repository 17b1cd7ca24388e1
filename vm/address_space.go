package vm

import (
	"fmt"
)

// AddressSpace is the user half of one process's memory: its supplemental
// page table and its hardware page directory
type AddressSpace struct {
	vm   *VM
	spt  *SupplementalPageTable
	pml4 *PageDir
}

// NewAddressSpace creates an empty address space
func (vm *VM) NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		vm:   vm,
		spt:  NewSupplementalPageTable(),
		pml4: NewPageDir(0),
	}
}

// SPT returns the supplemental page table
func (as *AddressSpace) SPT() *SupplementalPageTable {
	return as.spt
}

// PageDir returns the hardware page directory
func (as *AddressSpace) PageDir() *PageDir {
	return as.pml4
}

// VM returns the VM the address space allocates from
func (as *AddressSpace) VM() *VM {
	return as.vm
}

// AllocPageWithInitializer installs a lazy page of type typ at upage. init
// runs with aux the first time the page is faulted in.
func (as *AddressSpace) AllocPageWithInitializer(typ VMType, upage uintptr, writable bool, init Initializer, aux *LazyLoad) error {
	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()

	_, err := as.allocLocked(typ, upage, writable, init, aux)
	return err
}

// AllocPage installs a lazy page of type typ at upage with no initializer
func (as *AddressSpace) AllocPage(typ VMType, upage uintptr, writable bool) error {
	return as.AllocPageWithInitializer(typ, upage, writable, nil, nil)
}

func (as *AddressSpace) allocLocked(typ VMType, upage uintptr, writable bool, init Initializer, aux *LazyLoad) (*Page, error) {
	if typ.Base() != VMAnon && typ.Base() != VMFile {
		return nil, NewVMError(ErrCodeInternal, "AllocPage", fmt.Sprintf("cannot allocate page of type %s", typ), nil)
	}
	if upage == 0 || !IsUserVaddr(upage) {
		return nil, ErrInvalidAddress("AllocPage", upage)
	}
	if PageOffset(upage) != 0 {
		return nil, ErrMisaligned("AllocPage", "address", uint64(upage))
	}

	p := newPage(upage, writable)
	p.kind = VMUninit
	p.markers = typ &^ vmTypeMask
	p.uninit = uninitPage{target: typ, init: init, aux: aux}

	if err := as.spt.Insert(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ClaimPage faults in the page at va
func (as *AddressSpace) ClaimPage(va uintptr) error {
	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()

	p := as.spt.Find(va)
	if p == nil {
		return ErrPageNotFound("ClaimPage", va)
	}
	return as.claimLocked(p)
}

// installLocked gives p a frame and maps it. The frame is not yet on the
// frame list.
func (as *AddressSpace) installLocked(p *Page) (*Frame, error) {
	f := as.vm.getFrame()
	f.owner = as
	f.page = p.id
	p.frame = f.id

	if !as.pml4.SetPage(p.va, f.id, p.writable) {
		p.frame = NoFrame
		as.vm.frames.release(f)
		return nil, NewVMError(ErrCodeInternal, "installLocked", fmt.Sprintf("page %#x already has a hardware mapping", p.va), nil)
	}
	return f, nil
}

// claimLocked makes p resident and hands its frame to the replacer
func (as *AddressSpace) claimLocked(p *Page) error {
	if p.frame != NoFrame {
		return nil
	}

	f, err := as.installLocked(p)
	if err != nil {
		return err
	}

	if err := as.swapIn(p, f.kva); err != nil {
		as.pml4.ClearPage(p.va)
		p.frame = NoFrame
		as.vm.frames.release(f)
		return err
	}

	as.vm.frames.replacer.Unpin(uint32(f.id))
	return nil
}

// Remove deletes p from the address space, releasing everything it holds
func (as *AddressSpace) Remove(p *Page) {
	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()
	as.removeLocked(p)
}

func (as *AddressSpace) removeLocked(p *Page) {
	as.destroy(p)

	if p.frame != NoFrame {
		as.pml4.ClearPage(p.va)
		as.vm.frames.release(as.vm.frames.frames[p.frame])
		p.frame = NoFrame
	}

	as.spt.delete(p)

	if run := p.run; run != nil {
		p.run = nil
		run.live--
		if run.live == 0 {
			if err := run.file.Close(); err != nil {
				as.vm.logger.Warn("closing mapped file failed", "addr", run.base, "error", err)
			}
		}
	}
}

// Teardown removes every page, writing dirty file pages back
func (as *AddressSpace) Teardown() {
	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()

	for _, p := range as.spt.snapshot() {
		as.removeLocked(p)
	}
}

// Copy duplicates src into as, which must be empty. Lazy pages get their
// own descriptor; resident or evicted pages are copied into new frames of
// as. If any page fails, everything copied so far is removed.
func (as *AddressSpace) Copy(src *AddressSpace) error {
	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()

	runs := make(map[*mmapRun]*mmapRun)
	var copied []*Page

	fail := func(va uintptr, err error) error {
		// Runs with pages are closed when their last page is removed
		for _, run := range runs {
			if run.live == 0 {
				run.file.Close()
			}
		}
		for _, p := range copied {
			as.pml4.SetDirty(p.va, false)
			as.removeLocked(p)
		}
		return NewVMError(ErrCodeCopyFailed, "Copy", fmt.Sprintf("page %#x", va), err)
	}

	for _, sp := range src.spt.snapshot() {
		var run *mmapRun
		if sp.run != nil {
			run = runs[sp.run]
			if run == nil {
				reopened, err := sp.run.file.Reopen()
				if err != nil {
					return fail(sp.va, err)
				}
				run = &mmapRun{base: sp.run.base, pages: sp.run.pages, file: reopened}
				runs[sp.run] = run
			}
		}

		dp := newPage(sp.va, sp.writable)
		dp.markers = sp.markers
		dp.kind = sp.kind

		switch sp.kind {
		case VMUninit:
			dp.uninit = sp.uninit
			dp.uninit.aux = sp.uninit.aux.clone()
			if run != nil && dp.uninit.aux != nil {
				dp.uninit.aux.File = run.file
			}
		case VMAnon:
			dp.anon = anonPage{slot: NoSlot}
		case VMFile:
			dp.file = sp.file
			if run != nil {
				dp.file.file = run.file
			}
		}

		if err := as.spt.Insert(dp); err != nil {
			return fail(sp.va, err)
		}
		copied = append(copied, dp)
		if run != nil {
			dp.run = run
			run.live++
		}

		if sp.kind == VMUninit {
			continue
		}
		if err := as.copyFrameLocked(src, sp, dp); err != nil {
			return fail(sp.va, err)
		}
	}

	return nil
}

// copyFrameLocked gives dp a private frame holding sp's current content
func (as *AddressSpace) copyFrameLocked(src *AddressSpace, sp, dp *Page) error {
	if err := src.claimLocked(sp); err != nil {
		return err
	}

	replacer := as.vm.frames.replacer
	srcFrame := as.vm.frames.frames[sp.frame]
	replacer.Pin(uint32(srcFrame.id))
	defer replacer.Unpin(uint32(srcFrame.id))

	// The source frame is pinned, so the copy needs a free or evictable frame
	if as.vm.frames.FreeFrames() == 0 && replacer.Size() == 0 {
		return NewVMError(ErrCodeCopyFailed, "copyFrame", fmt.Sprintf("no frame for copy of %#x", sp.va), nil)
	}

	f, err := as.installLocked(dp)
	if err != nil {
		return err
	}
	copy(f.kva, srcFrame.kva)
	if dp.kind == VMFile && src.pml4.IsDirty(sp.va) {
		as.pml4.SetDirty(dp.va, true)
	}
	replacer.Unpin(uint32(f.id))
	return nil
}
