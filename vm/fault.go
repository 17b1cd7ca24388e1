package vm

import (
	"fmt"
	"time"
)

// Fault describes a page fault as raised by the MMU
type Fault struct {
	Addr       uintptr
	RSP        uintptr // user stack pointer from the trap frame
	SavedRSP   uintptr // user stack pointer saved on kernel entry
	User       bool    // fault raised in user mode
	Write      bool
	NotPresent bool // false for protection violations
}

func (f Fault) stackPointer() uintptr {
	if f.User {
		return f.RSP
	}
	return f.SavedRSP
}

// TryHandleFault resolves a fault by growing the stack or claiming the
// faulting page. A non-nil error means the fault cannot be resolved.
func (as *AddressSpace) TryHandleFault(f Fault) error {
	start := time.Now()
	as.vm.metrics.RecordPageFault()

	if err := as.resolveFault(f); err != nil {
		as.vm.metrics.RecordFaultFailed()
		as.vm.logger.Debug("page fault failed", "addr", f.Addr, "user", f.User, "write", f.Write, "error", err)
		return err
	}

	as.vm.metrics.RecordFaultResolved(time.Since(start))
	return nil
}

func (as *AddressSpace) resolveFault(f Fault) error {
	if !f.NotPresent {
		return NewVMError(ErrCodeProtectionFault, "TryHandleFault", fmt.Sprintf("protection violation at %#x", f.Addr), nil)
	}
	if f.Addr == 0 || IsKernelVaddr(f.Addr) {
		return ErrInvalidAddress("TryHandleFault", f.Addr)
	}

	as.vm.mu.Lock()
	defer as.vm.mu.Unlock()

	p := as.spt.Find(f.Addr)
	if p == nil && as.isStackAccess(f.Addr, f.stackPointer()) {
		grown, err := as.allocLocked(VMAnon|VMMarkerStack, PageRoundDown(f.Addr), true, nil, nil)
		if err != nil {
			return err
		}
		as.vm.metrics.RecordStackGrowth()
		as.vm.logger.Debug("stack growth", "addr", grown.va)
		p = grown
	}
	if p == nil {
		return ErrPageNotFound("TryHandleFault", f.Addr)
	}
	if f.Write && !p.writable {
		return ErrWriteProtected("TryHandleFault", f.Addr)
	}
	return as.claimLocked(p)
}

// isStackAccess reports whether addr is a plausible access to the stack:
// at most stackSlack bytes below rsp and within the stack limit
func (as *AddressSpace) isStackAccess(addr, rsp uintptr) bool {
	limit := uintptr(as.vm.config.StackLimit)
	return addr+stackSlack >= rsp &&
		addr >= UserStack-limit &&
		addr < UserStack
}
