package pixelpipe

import (
	"context"
	"fmt"
)

// Host execution path. One call runs one node's stage (plus its attached
// blend) entirely in host memory, tiling when the estimated working set
// exceeds the host budget and the stage tolerates it.

// processOnCPU executes node n from the input buffer into the output
// buffer. Both buffers are cache lines sized by the planner; in is already
// converted to the stage's input color space. Caller holds busyMu.
func (p *Pipeline) processOnCPU(ctx context.Context, n *node, in, out []float32, roiIn, roiOut ROI, mask []float32) error {
	req := n.stage.Tiling(roiIn, roiOut).withDefaults()
	if n.blend != nil && n.blend.Blender != nil {
		req = req.merge(n.blend.Blender.Tiling(roiIn, roiOut))
	}

	bpp := n.dscOut.BytesPerPixel()
	need := workingSet(req, roiIn, roiOut, bpp)
	tiled := need > p.hostBudget && canTileHost(n, roiIn, roiOut)

	var err error
	if tiled {
		err = p.runTiledCPU(ctx, n, in, out, roiOut, req)
	} else {
		if need > p.hostBudget {
			Logger().Warn("working set exceeds host budget, running untiled",
				"op", n.stage.Name(), "need", need, "budget", p.hostBudget)
		}
		err = n.stage.Process(n.state, in, out, roiIn, roiOut)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStageFailed, n.stage.Name(), err)
	}

	return p.blendOnCPU(n, in, out, roiIn, roiOut, mask)
}

// canTileHost reports whether n's execution may be split into tiles: the
// stage must declare itself tile safe and the planned regions must be
// congruent (no scaling, no offset changes beyond padding).
func canTileHost(n *node, roiIn, roiOut ROI) bool {
	ts, ok := n.stage.(TiledStage)
	if !ok || !ts.TileSafe() {
		return false
	}
	return roiIn.Scale == roiOut.Scale &&
		roiIn.Width == roiOut.Width && roiIn.Height == roiOut.Height &&
		roiIn.X == roiOut.X && roiIn.Y == roiOut.Y
}

// runTiledCPU splits roiOut into overlap-padded tiles and runs the stage's
// Process once per tile on scratch buffers, on a bounded worker pool.
func (p *Pipeline) runTiledCPU(ctx context.Context, n *node, in, out []float32, roiOut ROI, req TilingRequest) error {
	tiles := planTiles(req, req.CPUFactor, roiOut, n.dscOut.BytesPerPixel(), p.hostBudget)
	if tiles == nil {
		// No valid tiling under this budget; whole image is the only option.
		Logger().Warn("tiling not possible under budget, running untiled",
			"op", n.stage.Name(), "budget", p.hostBudget)
		return n.stage.Process(n.state, in, out, roiOut, roiOut)
	}
	Logger().Debug("tiled host execution",
		"op", n.stage.Name(), "tiles", len(tiles), "roi", roiOut.String())

	return runTiles(ctx, tiles, func(t tile) error {
		tin := make([]float32, t.in.Pixels()*4)
		tout := make([]float32, t.in.Pixels()*4)
		extractTile(tin, t.in, in, roiOut)
		if err := n.stage.Process(n.state, tin, tout, t.in, t.in); err != nil {
			return err
		}
		insertTile(out, roiOut, tout, t.in, t.out)
		return nil
	})
}

// blendOnCPU applies the node's attached blend after the stage transform,
// converting both buffers to the blend color space first. No-op without a
// blender.
func (p *Pipeline) blendOnCPU(n *node, in, out []float32, roiIn, roiOut ROI, mask []float32) error {
	if n.blend == nil || n.blend.Blender == nil {
		return nil
	}
	b := n.blend.Blender

	blendCST := b.BlendColorSpace(n.dscOut.CST)
	convertColorSpace(in, roiIn.Pixels(), n.dscIn.CST, blendCST)
	convertColorSpace(out, roiOut.Pixels(), n.dscOut.CST, blendCST)
	err := b.Blend(in, out, roiIn, roiOut, mask)
	// The input buffer is a live cache line; restore its stored space.
	convertColorSpace(in, roiIn.Pixels(), blendCST, n.dscIn.CST)
	convertColorSpace(out, roiOut.Pixels(), blendCST, n.dscOut.CST)
	if err != nil {
		return fmt.Errorf("%w: blend on %s: %w", ErrStageFailed, n.stage.Name(), err)
	}
	return nil
}
