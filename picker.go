package pixelpipe

// Color picking. A picker registered on the pipeline samples the output of
// one stage during the next run: a single point or a box, reported as
// mean, minimum and maximum per channel in the stage's output color space.
// Coordinates are given in full-image pixels at scale 1; the run maps them
// into the processed ROI.

// Picker requests a sample of one stage's output.
type Picker struct {
	// Op names the stage whose output is sampled.
	Op string

	// X, Y, Width, Height describe the sample region in full-image
	// coordinates at scale 1. Width and Height of 0 sample a single point.
	X, Y, Width, Height int
}

// PickResult is the sample computed during a run.
type PickResult struct {
	// Hash is the state hash of the sampled buffer.
	Hash uint64

	Mean [4]float32
	Min  [4]float32
	Max  [4]float32

	// CST is the color space the sample was taken in.
	CST ColorSpace

	// Pixels is the number of samples that fell inside the processed ROI.
	// Zero means the pick region was entirely outside the computed area.
	Pixels int
}

// SetPicker arms a picker for subsequent runs; nil disarms it.
func (p *Pipeline) SetPicker(pk *Picker) {
	p.busyMu.Lock()
	p.picker = pk
	p.pickResult = PickResult{}
	p.busyMu.Unlock()
}

// PickResult returns the sample from the most recent completed run. The
// zero value (Pixels == 0) means no sample has been taken yet.
func (p *Pipeline) PickResult() PickResult {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()
	return p.pickResult
}

// samplePicker runs the armed picker against a node's freshly computed
// output. Called with busyMu held, from inside the run.
func (p *Pipeline) samplePicker(n *node, buf []float32, roi ROI) {
	pk := p.picker
	if pk == nil || pk.Op != n.stage.Name() {
		return
	}

	// Map the request into the processed ROI.
	x0 := int(float32(pk.X)*roi.Scale) - roi.X
	y0 := int(float32(pk.Y)*roi.Scale) - roi.Y
	x1 := x0 + 1
	y1 := y0 + 1
	if pk.Width > 0 {
		x1 = x0 + int(float32(pk.Width)*roi.Scale)
	}
	if pk.Height > 0 {
		y1 = y0 + int(float32(pk.Height)*roi.Scale)
	}
	x0 = clampInt(x0, 0, roi.Width)
	y0 = clampInt(y0, 0, roi.Height)
	x1 = clampInt(x1, x0, roi.Width)
	y1 = clampInt(y1, y0, roi.Height)

	res := PickResult{Hash: n.globalHash, CST: n.dscOut.CST}
	for c := 0; c < 4; c++ {
		res.Min[c] = float32(1 << 30)
		res.Max[c] = float32(-(1 << 30))
	}
	var sum [4]float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			px := buf[(y*roi.Width+x)*4 : (y*roi.Width+x)*4+4]
			for c := 0; c < 4; c++ {
				sum[c] += float64(px[c])
				if px[c] < res.Min[c] {
					res.Min[c] = px[c]
				}
				if px[c] > res.Max[c] {
					res.Max[c] = px[c]
				}
			}
			res.Pixels++
		}
	}
	if res.Pixels == 0 {
		p.pickResult = PickResult{}
		return
	}
	for c := 0; c < 4; c++ {
		res.Mean[c] = float32(sum[c] / float64(res.Pixels))
	}
	p.pickResult = res
}
