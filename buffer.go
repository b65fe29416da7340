package pixelpipe

// Buffer is a reusable pixel buffer owned by a cache slot (or, for the
// pipeline input, by the caller). The Buffer value itself is the identity
// token used for cache invalidation: a slot keeps the same *Buffer for its
// whole life and only replaces the backing storage when it grows, so
// holding a *Buffer across a run is safe even if the slot is evicted.
//
// Pixels are stored as float32 samples; Bytes tracks the logically valid
// byte size (the engine counts buffer capacities in bytes, as formats with
// different bytes-per-pixel share the same slots).
type Buffer struct {
	Pix   []float32
	Bytes int
}

// Cap returns the capacity of the buffer in bytes.
func (b *Buffer) Cap() int {
	if b == nil {
		return 0
	}
	return len(b.Pix) * 4
}

// Valid reports whether the buffer has backing storage. A degraded cache
// slot (failed allocation) yields an invalid buffer, which callers must
// treat as a hard error for the current run.
func (b *Buffer) Valid() bool { return b != nil && len(b.Pix) > 0 }

// floatCount returns the number of float32 samples needed for size bytes.
func floatCount(size int) int { return (size + 3) / 4 }
