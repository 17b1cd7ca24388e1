package vm

// anonSwapIn reads an evicted page back from swap and frees its slot.
// A page that was never evicted keeps the zeroed frame.
func (as *AddressSpace) anonSwapIn(p *Page, kva []byte) error {
	if p.anon.slot == NoSlot {
		return nil
	}

	slot := p.anon.slot
	if err := as.vm.swap.SwapIn(slot, kva); err != nil {
		return err
	}
	p.anon.slot = NoSlot
	as.vm.metrics.RecordSwapIn()
	as.vm.logger.Debug("swap in", "va", p.va, "slot", slot)
	return nil
}

func (as *AddressSpace) anonSwapOut(p *Page) error {
	kva := as.vm.frames.frames[p.frame].kva
	slot, compressed, err := as.vm.swap.SwapOut(kva)
	if err != nil {
		return err
	}
	p.anon.slot = slot
	as.pml4.ClearPage(p.va)
	as.vm.metrics.RecordSwapOut(compressed)
	as.vm.logger.Debug("swap out", "va", p.va, "slot", slot, "compressed", compressed)
	return nil
}

func (as *AddressSpace) anonDestroy(p *Page) {
	if p.anon.slot != NoSlot {
		as.vm.swap.Release(p.anon.slot)
		p.anon.slot = NoSlot
	}
}
