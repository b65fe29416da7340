package pixelpipe

import (
	"context"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Tiled execution. When a stage's declared working set exceeds the memory
// budget, the output ROI is split into a grid of tiles and the stage runs
// once per tile on scratch buffers. Input tiles are padded by the stage's
// declared overlap so border effects stay out of the stitched result; only
// the tile interior is copied back.
//
// Tiling is restricted to stages that neither scale nor move pixels (the
// stage declares this by implementing TiledStage); geometry-changing
// stages always run whole-image.

// tile pairs one output tile with the padded input region it reads.
type tile struct {
	in, out ROI
}

// workingSet estimates the host bytes one whole-image execution needs.
func workingSet(req TilingRequest, roiIn, roiOut ROI, bpp int) int64 {
	pixels := int64(roiIn.Pixels() + roiOut.Pixels())
	return int64(float64(pixels)*req.CPUFactor*float64(bpp)) + req.Overhead
}

// deviceWorkingSet is the device-side estimate of a whole-image execution.
func deviceWorkingSet(req TilingRequest, roiIn, roiOut ROI, bpp int) int64 {
	pixels := int64(roiIn.Pixels() + roiOut.Pixels())
	return int64(float64(pixels)*req.GPUFactor*float64(bpp)) + req.Overhead
}

// planTiles splits roiOut into tiles sized so that one tile's working set
// fits the budget. factor is the stage's per-pixel memory multiplier for
// the executor doing the work (CPUFactor or GPUFactor). roiIn and roiOut
// must be congruent (same scale, same dimensions); the caller guarantees
// this for tiled stages. Returns nil if no valid tiling exists (budget too
// small even for the minimum tile).
func planTiles(req TilingRequest, factor float64, roiOut ROI, bpp int, budget int64) []tile {
	req = req.withDefaults()
	if factor <= 0 {
		factor = req.CPUFactor
	}
	avail := budget - req.Overhead
	if avail <= 0 {
		return nil
	}
	// Factor counts input and output copies of every tile pixel, plus the
	// padding rows. Solve for a square tile edge.
	perPixel := factor * float64(bpp) * 2
	maxPixels := float64(avail) / perPixel
	edge := int(math.Sqrt(maxPixels))

	minEdge := 3*req.Overlap + 1
	if minEdge < 64 {
		minEdge = 64
	}
	if edge < minEdge {
		return nil
	}
	if edge > roiOut.Width && edge > roiOut.Height {
		// Degenerate request: the whole image fits after all.
		return []tile{{in: roiOut, out: roiOut}}
	}

	interior := edge - 2*req.Overlap
	var tiles []tile
	for y := 0; y < roiOut.Height; y += interior {
		th := interior
		if y+th > roiOut.Height {
			th = roiOut.Height - y
		}
		for x := 0; x < roiOut.Width; x += interior {
			tw := interior
			if x+tw > roiOut.Width {
				tw = roiOut.Width - x
			}
			out := ROI{
				X: roiOut.X + x, Y: roiOut.Y + y,
				Width: tw, Height: th,
				Scale: roiOut.Scale,
			}
			in := padTile(out, req.Overlap, roiOut)
			tiles = append(tiles, tile{in: in, out: out})
		}
	}
	return tiles
}

// padTile grows t by overlap on each side, clamped to the bounds ROI.
func padTile(t ROI, overlap int, bounds ROI) ROI {
	x0 := t.X - overlap
	y0 := t.Y - overlap
	x1 := t.X + t.Width + overlap
	y1 := t.Y + t.Height + overlap
	if x0 < bounds.X {
		x0 = bounds.X
	}
	if y0 < bounds.Y {
		y0 = bounds.Y
	}
	if x1 > bounds.X+bounds.Width {
		x1 = bounds.X + bounds.Width
	}
	if y1 > bounds.Y+bounds.Height {
		y1 = bounds.Y + bounds.Height
	}
	return ROI{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0, Scale: t.Scale}
}

// runTiles executes fn once per tile on a bounded worker pool. The first
// error cancels the remaining tiles.
func runTiles(ctx context.Context, tiles []tile, fn func(t tile) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range tiles {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(t)
		})
	}
	return g.Wait()
}

// extractTile copies the region t (given in the same coordinate frame as
// src's ROI) out of the src plane into dst, which must hold
// t.Width*t.Height pixels.
func extractTile(dst []float32, t ROI, src []float32, srcROI ROI) {
	for y := 0; y < t.Height; y++ {
		sy := t.Y - srcROI.Y + y
		srow := src[(sy*srcROI.Width+(t.X-srcROI.X))*4:]
		drow := dst[y*t.Width*4:]
		copy(drow[:t.Width*4], srow[:t.Width*4])
	}
}

// insertTile copies the interior of a processed tile back into the dst
// plane. src holds the full padded tile (srcROI); only the out region is
// written.
func insertTile(dst []float32, dstROI ROI, src []float32, srcROI, out ROI) {
	for y := 0; y < out.Height; y++ {
		sy := out.Y - srcROI.Y + y
		dy := out.Y - dstROI.Y + y
		srow := src[(sy*srcROI.Width+(out.X-srcROI.X))*4:]
		drow := dst[(dy*dstROI.Width+(out.X-dstROI.X))*4:]
		copy(drow[:out.Width*4], srow[:out.Width*4])
	}
}
