package vm

import (
	"bytes"
	"testing"
)

func TestAnonPageIsZeroFilled(t *testing.T) {
	vm := newTestVM(t, 1, 4, "none")
	p := vm.NewProcess("zero")
	as := p.AddressSpace()

	as.AllocPage(VMAnon, testBase, true)
	as.AllocPage(VMAnon, testBase+PageSize, true)

	// Dirty the only frame, then force it to be reused
	p.Write(testBase, pattern(0xAA, PageSize))

	got := make([]byte, PageSize)
	if err := p.Read(testBase+PageSize, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, make([]byte, PageSize)) {
		t.Error("Fresh anonymous page must read as zeros even in a reused frame")
	}
}

func TestEvictedAnonPageRoundTrip(t *testing.T) {
	for _, compression := range []string{"none", "lz4", "snappy"} {
		t.Run(compression, func(t *testing.T) {
			vm := newTestVM(t, 2, 8, compression)
			p := vm.NewProcess("evict")
			as := p.AddressSpace()

			contents := [][]byte{pattern(1, PageSize), repetitivePage(), mixedPage(3), pattern(4, PageSize)}
			for i, data := range contents {
				va := testBase + uintptr(i)*PageSize
				if err := as.AllocPage(VMAnon, va, true); err != nil {
					t.Fatalf("AllocPage failed: %v", err)
				}
				if err := p.Write(va, data); err != nil {
					t.Fatalf("Write to page %d failed: %v", i, err)
				}
			}

			// Four pages in two frames: the first two went to swap
			first := as.SPT().Find(testBase)
			if first.Resident() {
				t.Fatal("Oldest page should have been evicted")
			}
			slot := first.SwapSlot()
			if slot == NoSlot || !vm.Swap().IsClaimed(slot) {
				t.Fatalf("Evicted page should hold a claimed slot, got %d", slot)
			}
			if vm.Metrics().GetEvictions() != 2 {
				t.Errorf("Expected 2 evictions, got %d", vm.Metrics().GetEvictions())
			}

			got := make([]byte, PageSize)
			if err := p.Read(testBase, got); err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(got, contents[0]) {
				t.Error("Evicted page content changed after swap in")
			}
			if first.SwapSlot() != NoSlot {
				t.Error("Swapped-in page should not keep its slot")
			}
			if vm.Metrics().GetSwapIns() != 1 {
				t.Errorf("Expected 1 swap in, got %d", vm.Metrics().GetSwapIns())
			}

			// Every page survives repeated eviction
			for i, data := range contents {
				if err := p.Read(testBase+uintptr(i)*PageSize, got); err != nil {
					t.Fatalf("Read of page %d failed: %v", i, err)
				}
				if !bytes.Equal(got, data) {
					t.Errorf("Page %d content mismatch", i)
				}
			}

			// Slots in use match the non-resident pages exactly
			evicted := 0
			for _, pg := range as.SPT().snapshot() {
				if !pg.Resident() {
					evicted++
				}
			}
			if vm.Swap().UsedSlots() != evicted {
				t.Errorf("Expected %d used slots, got %d", evicted, vm.Swap().UsedSlots())
			}
		})
	}
}

func TestSwapSlotReused(t *testing.T) {
	vm := newTestVM(t, 1, 2, "none")
	p := vm.NewProcess("reuse")
	as := p.AddressSpace()

	as.AllocPage(VMAnon, testBase, true)
	as.AllocPage(VMAnon, testBase+PageSize, true)

	a, b := pattern(1, PageSize), pattern(2, PageSize)
	p.Write(testBase, a)
	p.Write(testBase+PageSize, b)

	// Bouncing between two pages in one frame: each swap in releases the
	// slot the next swap out takes
	got := make([]byte, PageSize)
	for round := 0; round < 4; round++ {
		va, want, other := testBase, a, testBase+PageSize
		if round%2 == 1 {
			va, want, other = testBase+PageSize, b, testBase
		}
		if err := p.Read(va, got); err != nil {
			t.Fatalf("Round %d read failed: %v", round, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Round %d content mismatch", round)
		}
		if vm.Swap().UsedSlots() != 1 {
			t.Errorf("Round %d: expected exactly 1 used slot, got %d", round, vm.Swap().UsedSlots())
		}
		wantSlot := 1 - round%2
		if slot := as.SPT().Find(other).SwapSlot(); slot != wantSlot {
			t.Errorf("Round %d: expected evicted page in slot %d, got %d", round, wantSlot, slot)
		}
	}
}

func TestRemoveReleasesSwapSlot(t *testing.T) {
	vm := newTestVM(t, 1, 4, "none")
	p := vm.NewProcess("destroy")
	as := p.AddressSpace()

	as.AllocPage(VMAnon, testBase, true)
	as.AllocPage(VMAnon, testBase+PageSize, true)
	p.Write(testBase, pattern(1, PageSize))
	p.Write(testBase+PageSize, pattern(2, PageSize))

	evicted := as.SPT().Find(testBase)
	slot := evicted.SwapSlot()
	if slot == NoSlot {
		t.Fatal("Expected first page in swap")
	}

	as.Remove(evicted)
	if vm.Swap().IsClaimed(slot) {
		t.Error("Removing an evicted anonymous page must release its slot")
	}
	if as.SPT().Find(testBase) != nil {
		t.Error("Removed page should leave the SPT")
	}

	resident := as.SPT().Find(testBase + PageSize)
	as.Remove(resident)
	if vm.FramePool().FreeFrames() != 1 {
		t.Errorf("Removing a resident page must free its frame, %d free", vm.FramePool().FreeFrames())
	}
	if _, ok := as.PageDir().GetPage(testBase + PageSize); ok {
		t.Error("Removing a resident page must clear its mapping")
	}
}

func TestEvictionSkipsVictimThatCannotSwap(t *testing.T) {
	vm := newTestVM(t, 2, 0, "none")
	p := vm.NewProcess("skip")
	as := p.AddressSpace()

	file := NewMemFile(pattern(5, PageSize))
	fd := p.Open(file)

	as.AllocPage(VMAnon, testBase, true)
	p.Write(testBase, pattern(1, PageSize))

	mapped := testBase + 16*PageSize
	if _, err := p.Mmap(mapped, PageSize, false, fd, 0); err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	p.Read(mapped, make([]byte, 1))

	// Swap has no slots: the anonymous page cannot leave, the clean file
	// page can
	as.AllocPage(VMAnon, testBase+PageSize, true)
	if err := p.Write(testBase+PageSize, []byte{1}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if !as.SPT().Find(testBase).Resident() {
		t.Error("Anonymous page should stay resident when swap is full")
	}
	if as.SPT().Find(mapped).Resident() {
		t.Error("File page should have been evicted")
	}
	if file.Writes() != 0 {
		t.Error("Evicting a clean file page must not write")
	}

	// The skipped frame is still an eviction candidate
	if vm.FramePool().Replacer().Size() != 2 {
		t.Errorf("Expected 2 evictable frames, got %d", vm.FramePool().Replacer().Size())
	}
}

func TestOutOfMemoryHalts(t *testing.T) {
	vm := newTestVM(t, 1, 0, "none")
	p := vm.NewProcess("oom")
	as := p.AddressSpace()

	as.AllocPage(VMAnon, testBase, true)
	as.AllocPage(VMAnon, testBase+PageSize, true)
	p.Write(testBase, []byte{1})

	defer func() {
		r := recover()
		err, ok := r.(*VMError)
		if !ok {
			t.Fatalf("Expected *VMError panic, got %v", r)
		}
		if err.Code != ErrCodeOutOfMemory {
			t.Errorf("Expected out of memory, got %v", err)
		}
		if !IsErrorCode(err.Err, ErrCodeSwapFull) {
			t.Errorf("Expected swap full as the cause, got %v", err.Err)
		}
	}()

	p.Write(testBase+PageSize, []byte{2})
	t.Fatal("Write should not return when memory is exhausted")
}
