//go:build !unix

package vm

import "fmt"

// MmapDisk is only available on unix platforms
type MmapDisk struct{}

// NewMmapDisk reports that memory-mapped swap is unsupported here
func NewMmapDisk(fileName string, sectors uint32) (*MmapDisk, error) {
	return nil, fmt.Errorf("mmap swap device is not supported on this platform")
}

func (d *MmapDisk) Read(sector uint32, buf []byte) error  { return fmt.Errorf("unsupported") }
func (d *MmapDisk) Write(sector uint32, buf []byte) error { return fmt.Errorf("unsupported") }
func (d *MmapDisk) Size() uint32                          { return 0 }
func (d *MmapDisk) Flush() error                          { return nil }
func (d *MmapDisk) Close() error                          { return nil }
