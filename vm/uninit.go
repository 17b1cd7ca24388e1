package vm

import (
	"fmt"
)

// uninitSwapIn turns a lazy page into its target variant and runs the
// page's initializer. The descriptor is consumed.
func (as *AddressSpace) uninitSwapIn(p *Page, kva []byte) error {
	u := p.uninit
	p.uninit = uninitPage{}

	switch u.target.Base() {
	case VMAnon:
		p.kind = VMAnon
		p.anon = anonPage{slot: NoSlot}
	case VMFile:
		if u.aux == nil {
			return NewVMError(ErrCodeInternal, "uninitSwapIn", fmt.Sprintf("file page %#x has no descriptor", p.va), nil)
		}
		p.kind = VMFile
		p.file = filePage{
			file:      u.aux.File,
			offset:    u.aux.Offset,
			readBytes: u.aux.ReadBytes,
			zeroBytes: u.aux.ZeroBytes,
		}
	default:
		return NewVMError(ErrCodeInternal, "uninitSwapIn", fmt.Sprintf("page %#x has invalid target %s", p.va, u.target), nil)
	}

	if u.init == nil {
		return nil
	}
	if err := u.init(kva, u.aux); err != nil {
		return err
	}
	if u.aux != nil {
		as.vm.metrics.RecordFileLoad()
	}
	return nil
}
