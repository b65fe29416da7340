package pixelpipe

// Histogram collection. Stages that implement HistogramSource and report
// WantsHistogram get a 4x256-bin histogram (R, G, B, luma) computed over
// their output buffer after every execution. Results are keyed by the
// node's state hash so a UI can tell a fresh histogram from a stale one
// without extra synchronization with the run.

// HistogramBins is the per-channel resolution of collected histograms.
const HistogramBins = 256

// collectHistogram bins a 4-channel float buffer. Values are clamped into
// [0, 1); out-of-range pixels land in the edge bins.
func collectHistogram(buf []float32, npix int) []uint32 {
	h := make([]uint32, 4*HistogramBins)
	for i := 0; i < npix; i++ {
		px := buf[i*4 : i*4+4]
		var luma float32
		for c := 0; c < 3; c++ {
			h[c*HistogramBins+histBin(px[c])]++
		}
		luma = 0.2126*px[0] + 0.7152*px[1] + 0.0722*px[2]
		h[3*HistogramBins+histBin(luma)]++
	}
	return h
}

func histBin(v float32) int {
	b := int(v * HistogramBins)
	if b < 0 {
		return 0
	}
	if b >= HistogramBins {
		return HistogramBins - 1
	}
	return b
}

type histEntry struct {
	hash uint64
	bins []uint32
}

// storeHistogram publishes a node's histogram under its op name, tagged
// with the state hash it was computed for.
func (p *Pipeline) storeHistogram(n *node, h []uint32) {
	p.histMu.Lock()
	p.histograms[n.stage.Name()] = histEntry{hash: n.globalHash, bins: h}
	p.histMu.Unlock()
}

// Histogram returns the latest histogram collected for the stage op, with
// the state hash it was computed under, or nil if none has been collected
// since the last graph rebuild. The layout is 4 channels (R, G, B, luma)
// of HistogramBins bins each.
func (p *Pipeline) Histogram(op string) ([]uint32, uint64) {
	p.histMu.Lock()
	e, ok := p.histograms[op]
	p.histMu.Unlock()
	if !ok {
		return nil, 0
	}
	return e.bins, e.hash
}
