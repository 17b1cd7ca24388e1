package vm

// Replacer chooses which claimed frame to evict.
// Frames enter the replacer when their page is claimed (Unpin) and leave it
// when they are evicted, freed, or temporarily pinned (Pin).
type Replacer interface {
	// Victim selects a frame to evict and removes it from the replacer.
	// Returns the frame ID and true if a victim was found, false otherwise
	Victim() (uint32, bool)

	// Pin removes a frame from eviction candidacy
	Pin(frameID uint32)

	// Unpin appends a frame to the candidate list
	Unpin(frameID uint32)

	// Size returns the number of evictable frames
	Size() uint32
}

// ReferenceFunc reports whether the page in frameID was accessed since the
// last probe and clears the hardware accessed bit.
type ReferenceFunc func(frameID uint32) bool

// NewReplacer creates a replacer based on the specified algorithm
func NewReplacer(algorithm string, capacity uint32, referenced ReferenceFunc) Replacer {
	switch algorithm {
	case "fifo":
		return NewFIFOReplacer(capacity)
	case "clock":
		return NewClockReplacer(capacity, referenced)
	default:
		return NewClockReplacer(capacity, referenced)
	}
}
