package pixelpipe

// emptyHash is the sentinel tag of an unused or invalidated cache slot.
// No valid lookup ever matches it because Invalidate and Flush are the only
// writers of this value.
const emptyHash = ^uint64(0)

// cacheSlot is one fixed entry of a BufferCache.
type cacheSlot struct {
	hash uint64
	buf  *Buffer
	size int
	dsc  Format
	age  int32
}

// CacheStats reports lookup counters of a BufferCache.
type CacheStats struct {
	Queries uint64
	Misses  uint64
}

// HitRate returns the fraction of queries served from the cache.
func (s CacheStats) HitRate() float64 {
	if s.Queries == 0 {
		return 0
	}
	return float64(s.Queries-s.Misses) / float64(s.Queries)
}

// BufferCache is a fixed-slot least-recently-used cache mapping a 64-bit
// pipeline state hash to a reusable pixel buffer plus its format
// descriptor. Each pipeline owns exactly one; it is not safe for concurrent
// use (the pipeline's busy mutex serializes all access).
//
// Slots are aged on every lookup; buffers grow on demand and are never
// shrunk. Eviction has no notion of pinning beyond the age value itself:
// Reweight can make a slot look ancient (guaranteed next eviction) or
// impossible to evict soon.
type BufferCache struct {
	slots   []cacheSlot
	queries uint64
	misses  uint64

	// alloc provides backing storage for slot buffers. Replaceable so the
	// degraded-slot path (allocation failure) is reachable in tests; a nil
	// return degrades the slot instead of panicking.
	alloc func(floats int) []float32
}

// NewBufferCache creates a cache with the given number of slots, each
// preallocated to size bytes (size 0 defers allocation until first use,
// for pipelines whose buffer dimensions are not known yet).
func NewBufferCache(entries int, size int) *BufferCache {
	c := &BufferCache{
		slots: make([]cacheSlot, entries),
		alloc: func(floats int) []float32 { return make([]float32, floats) },
	}
	for k := range c.slots {
		s := &c.slots[k]
		s.hash = emptyHash
		s.buf = &Buffer{}
		if size > 0 {
			s.buf.Pix = c.alloc(floatCount(size))
			s.size = size
		}
	}
	return c
}

// Entries returns the number of slots.
func (c *BufferCache) Entries() int { return len(c.slots) }

// Stats returns the lookup counters so far.
func (c *BufferCache) Stats() CacheStats {
	return CacheStats{Queries: c.queries, Misses: c.misses}
}

// Available reports whether a buffer for hash is currently cached. It does
// not age slots and does not count as a query.
func (c *BufferCache) Available(hash uint64) bool {
	for k := range c.slots {
		if c.slots[k].hash == hash {
			return true
		}
	}
	return false
}

// Get looks up hash with the default weight 0, making a hit (or the freshly
// stamped slot) the most-recently-used entry. See GetWeighted.
func (c *BufferCache) Get(hash uint64, size int, dsc Format) (*Buffer, Format, bool) {
	return c.GetWeighted(hash, size, dsc, 0)
}

// GetWeighted returns a buffer of at least size bytes for hash. The weight
// becomes the age of the returned slot: 0 makes it the most-recently-used
// entry, a negative value protects it from eviction for that many aging
// cycles, a large positive value offers it up as the next victim.
//
// The scan ages every slot by one and tracks the oldest as the eviction
// candidate. If a slot matches hash and its buffer is large enough, that
// buffer is returned with miss=false and the slot's stored descriptor. On a
// miss the LRU candidate is evicted: its buffer grown if needed (old
// contents lost), stamped with hash, weight and dsc, and returned with
// miss=true.
//
// A hash match whose buffer is smaller than size is still a miss, and it is
// the tracked LRU slot that gets overwritten, not the matching slot. The
// stale undersized slot keeps its hash until it ages out or is invalidated;
// Available can report it, but invalidation by buffer identity is
// unaffected. This mirrors the original engine and keeps Get single-pass.
//
// If growing the LRU slot's buffer fails, the slot is degraded: the
// returned buffer is invalid (zero-length) and the caller must abort the
// current run with ErrSlotAlloc. The slot itself recovers on a later Get.
func (c *BufferCache) GetWeighted(hash uint64, size int, dsc Format, weight int32) (*Buffer, Format, bool) {
	c.queries++

	// Cacheless pipelines get transient buffers.
	if len(c.slots) == 0 {
		c.misses++
		return &Buffer{Pix: c.alloc(floatCount(size)), Bytes: size}, dsc, true
	}

	var hit *cacheSlot
	var oldest *cacheSlot
	maxAge := int32(-1 << 30)

	for k := range c.slots {
		s := &c.slots[k]
		if s.age > maxAge {
			maxAge = s.age
			oldest = s
		}
		s.age++ // age all entries

		if s.hash == hash {
			hit = s
			s.age = weight // this is the MRU entry now
		}
	}

	if hit != nil && hit.size >= size {
		return hit.buf, hit.dsc, false
	}

	// Kill the LRU entry.
	if oldest.size < size {
		px := c.alloc(floatCount(size))
		if px == nil {
			// Degraded slot: keep it allocatable later, fail this round.
			oldest.buf.Pix = nil
			oldest.buf.Bytes = 0
			oldest.size = 0
			oldest.hash = emptyHash
			c.misses++
			Logger().Warn("cache slot allocation failed", "bytes", size)
			return oldest.buf, dsc, true
		}
		oldest.buf.Pix = px
		oldest.size = size
	}
	oldest.buf.Bytes = size
	oldest.dsc = dsc
	oldest.hash = hash
	oldest.age = weight
	c.misses++
	return oldest.buf, oldest.dsc, true
}

// Invalidate marks every slot holding buf as empty, making it miss
// unconditionally on the next lookup regardless of age. Used when a
// computation was aborted mid-flight and the buffer contents are corrupt.
// A nil buffer is ignored.
func (c *BufferCache) Invalidate(buf *Buffer) {
	if buf == nil {
		return
	}
	for k := range c.slots {
		if c.slots[k].buf == buf {
			c.slots[k].hash = emptyHash
		}
	}
}

// Reweight pins the age of every slot holding buf to age. Use a large
// positive age to guarantee the slot is the next eviction victim, or a
// very negative one to protect it.
func (c *BufferCache) Reweight(buf *Buffer, age int32) {
	for k := range c.slots {
		if c.slots[k].buf == buf {
			c.slots[k].age = age
		}
	}
}

// Flush empties every slot. Buffers keep their storage for reuse.
func (c *BufferCache) Flush() {
	for k := range c.slots {
		c.slots[k].hash = emptyHash
		c.slots[k].age = 0
	}
}

// UpdateFormat re-stamps the descriptor stored with buf. The driver calls
// this after execution fixed up the output color space, so a later hit
// returns the format the pixels are actually in.
func (c *BufferCache) UpdateFormat(buf *Buffer, dsc Format) {
	for k := range c.slots {
		if c.slots[k].buf == buf {
			c.slots[k].dsc = dsc
		}
	}
}

// LogSlots dumps the slot states and hit rate through the package logger.
func (c *BufferCache) LogSlots() {
	log := Logger()
	for k := range c.slots {
		s := &c.slots[k]
		if s.hash == emptyHash {
			log.Debug("cacheline unused", "slot", k)
		} else {
			log.Debug("cacheline used", "slot", k, "age", s.age, "hash", s.hash)
		}
	}
	log.Debug("cache hit rate", "rate", c.Stats().HitRate())
}
