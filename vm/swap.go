package vm

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// NoSlot marks an anonymous page that holds no swap slot
const NoSlot = -1

// SwapStore slices a block device into page-sized slots.
// A bit in slots is set iff some anonymous page currently claims that slot.
type SwapStore struct {
	device      BlockDevice
	slots       *bitset.BitSet
	slotCount   uint
	formats     []CompressionType // storage format of each claimed slot
	compression CompressionType
	mutex       sync.Mutex
}

// NewSwapStore creates a swap store over device
func NewSwapStore(device BlockDevice, compression CompressionType) *SwapStore {
	slotCount := uint(device.Size() / SectorsPerPage)
	return &SwapStore{
		device:      device,
		slots:       bitset.New(slotCount),
		slotCount:   slotCount,
		formats:     make([]CompressionType, slotCount),
		compression: compression,
	}
}

// SlotCount returns the number of slots on the device
func (s *SwapStore) SlotCount() int {
	return int(s.slotCount)
}

// UsedSlots returns the number of claimed slots
func (s *SwapStore) UsedSlots() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return int(s.slots.Count())
}

// IsClaimed reports whether slot is in use
func (s *SwapStore) IsClaimed(slot int) bool {
	if slot < 0 || uint(slot) >= s.slotCount {
		return false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.slots.Test(uint(slot))
}

// Claim marks the first free slot as used and returns it
func (s *SwapStore) Claim() (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	idx, ok := s.slots.NextClear(0)
	if !ok || idx >= s.slotCount {
		return NoSlot, ErrSwapFull("Claim")
	}
	s.slots.Set(idx)
	return int(idx), nil
}

// Release frees slot. Releasing a free slot is a no-op.
func (s *SwapStore) Release(slot int) {
	if slot < 0 || uint(slot) >= s.slotCount {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.slots.Clear(uint(slot))
	s.formats[slot] = CompressionNone
}

// WriteSlot stores a page in a claimed slot. It reports whether the page was
// stored compressed.
func (s *SwapStore) WriteSlot(slot int, page []byte) (bool, error) {
	if len(page) != PageSize {
		return false, fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(page))
	}
	if !s.IsClaimed(slot) {
		return false, fmt.Errorf("swap slot %d is not claimed", slot)
	}

	image := page
	format := CompressionNone
	if s.compression != CompressionNone {
		cp, err := CompressPage(page, s.compression)
		if err != nil {
			return false, err
		}
		if cp != nil {
			image = cp.Serialize()
			format = cp.CompressionType
		}
	}

	base := uint32(slot) * SectorsPerPage
	for i := 0; i*SectorSize < len(image); i++ {
		if err := s.device.Write(base+uint32(i), image[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return false, ErrDiskOperation("WriteSlot", true, err)
		}
	}

	s.mutex.Lock()
	s.formats[slot] = format
	s.mutex.Unlock()

	return format != CompressionNone, nil
}

// ReadSlot loads the page stored in slot into page
func (s *SwapStore) ReadSlot(slot int, page []byte) error {
	if len(page) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(page))
	}
	if !s.IsClaimed(slot) {
		return fmt.Errorf("swap slot %d is not claimed", slot)
	}

	s.mutex.Lock()
	format := s.formats[slot]
	s.mutex.Unlock()

	base := uint32(slot) * SectorsPerPage

	if format == CompressionNone {
		for i := 0; i < SectorsPerPage; i++ {
			if err := s.device.Read(base+uint32(i), page[i*SectorSize:(i+1)*SectorSize]); err != nil {
				return ErrDiskOperation("ReadSlot", false, err)
			}
		}
		return nil
	}

	first := make([]byte, SectorSize)
	if err := s.device.Read(base, first); err != nil {
		return ErrDiskOperation("ReadSlot", false, err)
	}
	cp, err := parseCompressedHeader(first)
	if err != nil {
		return NewVMError(ErrCodeSwapCorrupted, "ReadSlot", fmt.Sprintf("slot %d", slot), err)
	}

	image := make([]byte, cp.Sectors()*SectorSize)
	copy(image, first)
	for i := 1; i < cp.Sectors(); i++ {
		if err := s.device.Read(base+uint32(i), image[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return ErrDiskOperation("ReadSlot", false, err)
		}
	}
	cp.CompressedData = image[compressedHeaderSize : compressedHeaderSize+int(cp.CompressedSize)]

	if err := DecompressPage(cp, page); err != nil {
		return NewVMError(ErrCodeSwapCorrupted, "ReadSlot", fmt.Sprintf("slot %d", slot), err)
	}
	return nil
}

// SwapOut claims a slot and writes page to it. The slot is released again if
// the write fails.
func (s *SwapStore) SwapOut(page []byte) (slot int, compressed bool, err error) {
	slot, err = s.Claim()
	if err != nil {
		return NoSlot, false, err
	}
	compressed, err = s.WriteSlot(slot, page)
	if err != nil {
		s.Release(slot)
		return NoSlot, false, err
	}
	return slot, compressed, nil
}

// SwapIn reads slot into page and releases the slot
func (s *SwapStore) SwapIn(slot int, page []byte) error {
	if err := s.ReadSlot(slot, page); err != nil {
		return err
	}
	s.Release(slot)
	return nil
}

// Close closes the underlying device
func (s *SwapStore) Close() error {
	return s.device.Close()
}
