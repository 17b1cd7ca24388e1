package vm

import (
	"fmt"
	"sync"
)

// BlockDevice is a fixed-size array of SectorSize-byte sectors
type BlockDevice interface {
	// Read copies sector into buf (len(buf) must be SectorSize)
	Read(sector uint32, buf []byte) error

	// Write stores buf (len(buf) must be SectorSize) at sector
	Write(sector uint32, buf []byte) error

	// Size returns the number of sectors on the device
	Size() uint32

	Close() error
}

func checkSector(dev BlockDevice, sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("sector buffer must be exactly %d bytes, got %d", SectorSize, len(buf))
	}
	if sector >= dev.Size() {
		return fmt.Errorf("sector %d out of range (device has %d sectors)", sector, dev.Size())
	}
	return nil
}

// MemDisk is a block device held entirely in memory
type MemDisk struct {
	data    []byte
	sectors uint32
	mutex   sync.RWMutex
}

// NewMemDisk creates an in-memory device with the given number of sectors
func NewMemDisk(sectors uint32) *MemDisk {
	return &MemDisk{
		data:    make([]byte, int(sectors)*SectorSize),
		sectors: sectors,
	}
}

// Read reads one sector
func (d *MemDisk) Read(sector uint32, buf []byte) error {
	if err := checkSector(d, sector, buf); err != nil {
		return err
	}

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	off := int(sector) * SectorSize
	copy(buf, d.data[off:off+SectorSize])
	return nil
}

// Write writes one sector
func (d *MemDisk) Write(sector uint32, buf []byte) error {
	if err := checkSector(d, sector, buf); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	off := int(sector) * SectorSize
	copy(d.data[off:off+SectorSize], buf)
	return nil
}

// Size returns the sector count
func (d *MemDisk) Size() uint32 {
	return d.sectors
}

// Close is a no-op for in-memory devices
func (d *MemDisk) Close() error {
	return nil
}

// OpenSwapDevice opens the swap device described by the configuration
func OpenSwapDevice(config *Config) (BlockDevice, error) {
	switch config.SwapDevice {
	case "memory":
		return NewMemDisk(config.SwapSectors), nil
	case "file":
		dev, err := NewFileDisk(config.SwapPath, config.SwapSectors)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case "mmap":
		dev, err := NewMmapDisk(config.SwapPath, config.SwapSectors)
		if err != nil {
			return nil, err
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown swap device %q", config.SwapDevice)
	}
}
