package pixelpipe

import (
	"encoding/binary"
	"math"
)

// hashSeed is the Bernstein djb2 starting value.
const hashSeed uint64 = 5381

// Hash mixes data into h with the Bernstein accumulation (h*33 XOR byte).
// It is order-sensitive: mixing the same bytes in a different order yields a
// different value, which is exactly what the cumulative pipeline hash needs.
func Hash(h uint64, data []byte) uint64 {
	for _, b := range data {
		h = ((h << 5) + h) ^ uint64(b)
	}
	return h
}

func hashUint32(h uint64, v uint32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return Hash(h, buf[:])
}

func hashUint64(h uint64, v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return Hash(h, buf[:])
}

func hashInt(h uint64, v int) uint64 { return hashUint64(h, uint64(int64(v))) }

func hashROI(h uint64, r ROI) uint64 {
	h = hashInt(h, r.X)
	h = hashInt(h, r.Y)
	h = hashInt(h, r.Width)
	h = hashInt(h, r.Height)
	return hashUint32(h, math.Float32bits(r.Scale))
}

// ImageID identifies the source image a pipeline operates on. Together with
// the edit version and the originating collection it seeds every cache key,
// so buffers computed for one image can never be served for another.
type ImageID struct {
	ID         uint32
	Version    uint32
	Collection uint32
}

// seedHash returns the image-identity seed all per-node hashes build on.
func (p *Pipeline) seedHash() uint64 {
	h := hashUint32(hashSeed, p.image.ID)
	h = hashUint32(h, p.image.Version)
	return hashUint32(h, p.image.Collection)
}

// nodeHash returns the cache key for the given position. For a real node
// this is its precomputed cumulative hash. For position -1 (the base input,
// before any stage) the requested region and position are mixed onto the
// image seed directly, since there is no node to carry them.
func (p *Pipeline) nodeHash(n *node, roiOut ROI, pos int) uint64 {
	if n != nil {
		return n.globalHash
	}
	h := hashROI(p.seedHash(), roiOut)
	return hashInt(h, pos)
}

// computeGlobalHash traverses the node list and computes the cumulative
// hash of every node: image identity, then for each enabled node its
// committed parameter hash mixed with its planned input and output regions
// (either can change without the other, panning and zooming change both).
// The result stored on a node captures the full upstream state, and is what
// the buffer cache keys on.
//
// A node whose stage bypasses the cache contaminates every node after it:
// such a stage may produce non-deterministic output, so nothing downstream
// can be memoized either.
//
// Must run once per pipeline run, after ROI planning and after any
// parameter or topology change, before execution starts.
func (p *Pipeline) computeGlobalHash() {
	h := p.seedHash()
	bypass := false

	for _, n := range p.nodes {
		bypass = bypass || n.stage.BypassCache()
		n.bypassCache = bypass

		if n.enabled {
			local := n.paramHash
			local = hashROI(local, n.plannedROIIn)
			local = hashROI(local, n.plannedROIOut)
			h = hashUint64(h, local)

			Logger().Debug("global hash",
				"op", n.stage.Name(), "pipe", p.kind.String(), "hash", h)
		}
		n.globalHash = h
	}
}
