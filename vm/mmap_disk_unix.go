//go:build unix

package vm

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapDisk is a block device backed by a memory-mapped file
type MmapDisk struct {
	file     *os.File
	mmapData []byte
	sectors  uint32
	mutex    sync.RWMutex
}

// NewMmapDisk maps fileName, growing it to hold sectors sectors
func NewMmapDisk(fileName string, sectors uint32) (*MmapDisk, error) {
	if sectors == 0 {
		return nil, fmt.Errorf("mmap disk needs at least one sector")
	}

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	size := int64(sectors) * SectorSize
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to grow file: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map %s: %w", fileName, err)
	}

	// Swap slots are touched in no particular order
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	return &MmapDisk{
		file:     file,
		mmapData: data,
		sectors:  sectors,
	}, nil
}

// Read copies a sector out of the mapping
func (d *MmapDisk) Read(sector uint32, buf []byte) error {
	if err := checkSector(d, sector, buf); err != nil {
		return err
	}

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.mmapData == nil {
		return fmt.Errorf("mmap disk is closed")
	}
	off := int(sector) * SectorSize
	copy(buf, d.mmapData[off:off+SectorSize])
	return nil
}

// Write copies a sector into the mapping
func (d *MmapDisk) Write(sector uint32, buf []byte) error {
	if err := checkSector(d, sector, buf); err != nil {
		return err
	}

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.mmapData == nil {
		return fmt.Errorf("mmap disk is closed")
	}
	off := int(sector) * SectorSize
	copy(d.mmapData[off:off+SectorSize], buf)
	return nil
}

// Size returns the sector count
func (d *MmapDisk) Size() uint32 {
	return d.sectors
}

// Flush writes the mapping back to the file
func (d *MmapDisk) Flush() error {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.mmapData == nil {
		return nil
	}
	if err := unix.Msync(d.mmapData, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to msync: %w", err)
	}
	return nil
}

// Close unmaps the file and closes it
func (d *MmapDisk) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.mmapData != nil {
		if err := unix.Munmap(d.mmapData); err != nil {
			return fmt.Errorf("failed to unmap: %w", err)
		}
		d.mmapData = nil
	}

	if d.file != nil {
		err := d.file.Close()
		d.file = nil
		return err
	}
	return nil
}
