package pixelpipe

import "fmt"

// ROI describes the rectangular pixel region a stage consumes or produces.
// X and Y are offsets into the region produced by the upstream stage, Width
// and Height are the region size in pixels, and Scale is the zoom factor
// relative to the pipeline's native input resolution (1.0 = native pixels).
//
// Width and Height are never negative for a well-formed ROI.
type ROI struct {
	X, Y          int
	Width, Height int
	Scale         float32
}

// FullFrame returns the native input ROI for an image of the given size:
// origin, full extent, scale 1.
func FullFrame(width, height int) ROI {
	return ROI{Width: width, Height: height, Scale: 1}
}

// Empty reports whether the ROI covers no pixels.
func (r ROI) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Pixels returns the number of pixels covered by the ROI.
func (r ROI) Pixels() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

func (r ROI) String() string {
	return fmt.Sprintf("%dx%d+%d+%d@%g", r.Width, r.Height, r.X, r.Y, r.Scale)
}

// propagateROIOut walks the node list in pipeline order, asking every
// enabled node's stage how it transforms the running region. Disabled nodes
// pass the region through unchanged. The consumed and produced regions are
// stored on each node (bufIn/bufOut); these forward-pass results are used
// for UI coordinate mapping, while the backward pass below is authoritative
// for execution.
//
// Returns the overall processed output size after the last node. Caller
// holds busyMu.
func (p *Pipeline) propagateROIOut(widthIn, heightIn int) (width, height int) {
	roiIn := FullFrame(widthIn, heightIn)
	roiOut := roiIn
	for _, n := range p.nodes {
		n.bufIn = roiIn
		if n.enabled {
			roiOut = n.stage.ModifyROIOut(roiIn)
		} else {
			roiOut = roiIn
		}
		n.bufOut = roiOut
		roiIn = roiOut
	}
	return roiOut.Width, roiOut.Height
}

// propagateROIIn walks the node list backwards from the requested viewport.
// ModifyROIOut describes how a stage changes the size of its output given
// its input; ModifyROIIn describes how much material the stage needs from
// the previous one, which may include padding beyond the naive region (lens
// correction, convolution-style context). The two rules are not inverses of
// each other, which is why this second pass exists: its effect must be
// pushed upstream for execution planning and cache invalidation.
//
// Results are stored on every node as plannedROIIn/plannedROIOut. Running
// this pass twice with identical inputs and unchanged parameters yields
// identical planned regions. Caller holds busyMu.
func (p *Pipeline) propagateROIIn(roiOut ROI) {
	running := roiOut
	for i := len(p.nodes) - 1; i >= 0; i-- {
		n := p.nodes[i]
		n.plannedROIOut = running

		var roiIn ROI
		if n.enabled {
			roiIn = n.stage.ModifyROIIn(running)
		} else {
			roiIn = running
		}
		n.plannedROIIn = roiIn
		running = roiIn
	}
}
