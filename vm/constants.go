package vm

const (
	// PageShift is log2(PageSize)
	PageShift = 12
	// PageSize is the size of a virtual page and of a physical frame
	PageSize = 1 << PageShift

	// SectorSize is the block device sector size
	SectorSize = 512
	// SectorsPerPage is the number of sectors backing one swap slot
	SectorsPerPage = PageSize / SectorSize

	// UserStack is the top of the user stack (exclusive)
	UserStack uintptr = 0x47480000
	// KernBase is the first kernel virtual address; everything below is user space
	KernBase uintptr = 0x8004000000

	// DefaultStackLimit is the maximum size the user stack may grow to
	DefaultStackLimit = 1 << 20

	// stackSlack lets a fault just below RSP grow the stack (PUSH writes before moving RSP)
	stackSlack = 8
)

// PageRoundDown rounds va down to the start of its page
func PageRoundDown(va uintptr) uintptr {
	return va &^ (PageSize - 1)
}

// PageRoundUp rounds va up to the next page boundary
func PageRoundUp(va uintptr) uintptr {
	return (va + PageSize - 1) &^ (PageSize - 1)
}

// PageOffset returns the offset of va within its page
func PageOffset(va uintptr) uintptr {
	return va & (PageSize - 1)
}

// IsUserVaddr reports whether va lies in user space
func IsUserVaddr(va uintptr) bool {
	return va < KernBase
}

// IsKernelVaddr reports whether va lies in kernel space
func IsKernelVaddr(va uintptr) bool {
	return va >= KernBase
}

func pageCount(length int64) int {
	return int((length + PageSize - 1) / PageSize)
}
