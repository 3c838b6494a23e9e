// Package sysmem detects total system RAM, which sizes the default index
// memory budget.
package sysmem

// DefaultMemoryBytes is reported when detection is unsupported or fails.
const DefaultMemoryBytes uint64 = 4 * 1024 * 1024 * 1024

// Result holds the detected memory size.
type Result struct {
	TotalBytes uint64
	// Reliable is false when TotalBytes is DefaultMemoryBytes.
	Reliable bool
}

// Total returns the total system memory.
func Total() Result {
	bytes, ok := totalSystemMemory()
	if !ok || bytes == 0 {
		return Result{TotalBytes: DefaultMemoryBytes}
	}
	return Result{TotalBytes: bytes, Reliable: true}
}
