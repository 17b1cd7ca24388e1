package vm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// CompressionType is the algorithm used to store a page in a swap slot
type CompressionType uint8

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionSnappy CompressionType = 2
)

// String returns the configuration name of the algorithm
func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompressionType maps a configuration name to a CompressionType
func ParseCompressionType(name string) (CompressionType, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return CompressionNone, fmt.Errorf("invalid swap compression: %s (must be none, lz4, or snappy)", name)
	}
}

// Compressed slot image layout:
// [0-1]: Magic number
// [2]: Compression type
// [3]: Reserved
// [4-5]: Uncompressed size
// [6-7]: Compressed size
// [8-11]: CRC32 of the uncompressed page
// [12+]: Compressed data, padded to a sector boundary

const (
	compressedSlotMagic  = 0xC0DE
	compressedHeaderSize = 12
	// Compression must save at least one sector to be worth storing
	minCompressionSavings = SectorSize
)

// CompressedPage is a page image ready to be written to a swap slot
type CompressedPage struct {
	CompressionType  CompressionType
	UncompressedSize uint16
	CompressedSize   uint16
	CompressedData   []byte
	Checksum         uint32
}

// CompressPage compresses a full page. It returns nil when the algorithm is
// CompressionNone or the page does not shrink by at least one sector.
func CompressPage(data []byte, compressionType CompressionType) (*CompressedPage, error) {
	if len(data) != PageSize {
		return nil, fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}

	var compressed []byte

	switch compressionType {
	case CompressionNone:
		return nil, nil

	case CompressionLZ4:
		compressed = make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("LZ4 compression failed: %w", err)
		}
		if n == 0 {
			// lz4 reports incompressible input with n == 0
			return nil, nil
		}
		compressed = compressed[:n]

	case CompressionSnappy:
		compressed = snappy.Encode(nil, data)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", compressionType)
	}

	if PageSize-(compressedHeaderSize+len(compressed)) < minCompressionSavings {
		return nil, nil
	}

	return &CompressedPage{
		CompressionType:  compressionType,
		UncompressedSize: uint16(len(data)),
		CompressedSize:   uint16(len(compressed)),
		CompressedData:   compressed,
		Checksum:         crc32.ChecksumIEEE(data),
	}, nil
}

// Sectors returns how many sectors the serialized image occupies
func (cp *CompressedPage) Sectors() int {
	return (compressedHeaderSize + int(cp.CompressedSize) + SectorSize - 1) / SectorSize
}

// Serialize returns the slot image padded to a whole number of sectors
func (cp *CompressedPage) Serialize() []byte {
	buf := make([]byte, cp.Sectors()*SectorSize)

	binary.LittleEndian.PutUint16(buf[0:2], compressedSlotMagic)
	buf[2] = uint8(cp.CompressionType)
	buf[3] = 0
	binary.LittleEndian.PutUint16(buf[4:6], cp.UncompressedSize)
	binary.LittleEndian.PutUint16(buf[6:8], cp.CompressedSize)
	binary.LittleEndian.PutUint32(buf[8:12], cp.Checksum)
	copy(buf[compressedHeaderSize:], cp.CompressedData)

	return buf
}

// parseCompressedHeader decodes the header in the first sector of a slot
func parseCompressedHeader(sector []byte) (*CompressedPage, error) {
	if len(sector) < compressedHeaderSize {
		return nil, fmt.Errorf("data too short for compressed slot header: %d bytes", len(sector))
	}

	magic := binary.LittleEndian.Uint16(sector[0:2])
	if magic != compressedSlotMagic {
		return nil, fmt.Errorf("invalid magic number: got %04x, expected %04x", magic, compressedSlotMagic)
	}

	cp := &CompressedPage{
		CompressionType:  CompressionType(sector[2]),
		UncompressedSize: binary.LittleEndian.Uint16(sector[4:6]),
		CompressedSize:   binary.LittleEndian.Uint16(sector[6:8]),
		Checksum:         binary.LittleEndian.Uint32(sector[8:12]),
	}
	if compressedHeaderSize+int(cp.CompressedSize) > PageSize {
		return nil, fmt.Errorf("compressed size %d exceeds a slot", cp.CompressedSize)
	}
	return cp, nil
}

// DecompressPage restores the page image into dst (len(dst) == PageSize)
func DecompressPage(cp *CompressedPage, dst []byte) error {
	if len(dst) != PageSize || int(cp.UncompressedSize) != PageSize {
		return fmt.Errorf("decompressed page must be exactly %d bytes", PageSize)
	}

	switch cp.CompressionType {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(cp.CompressedData, dst)
		if err != nil {
			return fmt.Errorf("LZ4 decompression failed: %w", err)
		}
		if n != PageSize {
			return fmt.Errorf("LZ4 decompression size mismatch: got %d, expected %d", n, PageSize)
		}

	case CompressionSnappy:
		out, err := snappy.Decode(dst, cp.CompressedData)
		if err != nil {
			return fmt.Errorf("snappy decompression failed: %w", err)
		}
		if len(out) != PageSize {
			return fmt.Errorf("snappy decompression size mismatch: got %d, expected %d", len(out), PageSize)
		}
		if &out[0] != &dst[0] {
			copy(dst, out)
		}

	default:
		return fmt.Errorf("unsupported compression type: %d", cp.CompressionType)
	}

	if sum := crc32.ChecksumIEEE(dst); sum != cp.Checksum {
		return fmt.Errorf("checksum mismatch: got %08x, expected %08x", sum, cp.Checksum)
	}
	return nil
}
