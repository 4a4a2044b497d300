package mem

// AlignUp rounds v up to the next multiple of align. The align argument must
// be a power of 2.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to the previous multiple of align. The align argument
// must be a power of 2.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// IsAligned returns true if v is a multiple of align. The align argument must
// be a power of 2.
func IsAligned(v, align uint64) bool {
	return v&(align-1) == 0
}

// IsPowerOfTwo returns true if v is a non-zero power of 2.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
