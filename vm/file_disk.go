package vm

import (
	"fmt"
	"os"
	"sync"
)

// FileDisk is a block device stored in a regular file
type FileDisk struct {
	file    *os.File
	sectors uint32
	mutex   sync.Mutex
}

// NewFileDisk opens (or creates) fileName and sizes it to hold sectors sectors
func NewFileDisk(fileName string, sectors uint32) (*FileDisk, error) {
	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open/create file %s: %w", fileName, err)
	}

	if err := file.Truncate(int64(sectors) * SectorSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size file %s: %w", fileName, err)
	}

	return &FileDisk{
		file:    file,
		sectors: sectors,
	}, nil
}

// Read reads a sector from the file
func (d *FileDisk) Read(sector uint32, buf []byte) error {
	if err := checkSector(d, sector, buf); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	offset := int64(sector) * SectorSize
	if _, err := d.file.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("failed to read sector %d: %w", sector, err)
	}
	return nil
}

// Write writes a sector to the file
func (d *FileDisk) Write(sector uint32, buf []byte) error {
	if err := checkSector(d, sector, buf); err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	offset := int64(sector) * SectorSize
	if _, err := d.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("failed to write sector %d: %w", sector, err)
	}
	return nil
}

// Size returns the sector count
func (d *FileDisk) Size() uint32 {
	return d.sectors
}

// Sync flushes written sectors to stable storage
func (d *FileDisk) Sync() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.file.Sync()
}

// Close closes the underlying file
func (d *FileDisk) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
