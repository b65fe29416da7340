package pixelpipe

import (
	"context"
	"errors"
	"fmt"
)

// Device execution path. Per node the ladder is: whole image on the
// device when the working set fits device memory, a device-assisted tiled
// run through host memory when it does not, and demotion to the CPU path
// for everything else. A soft stage failure demotes silently; an error
// wrapping ErrDeviceLost aborts the run and is counted against the
// session circuit breaker by the caller.

// processOnGPU attempts node n on the attached device. handled=false
// means the node was not run and the caller must take the CPU path; the
// host input buffer is untouched in that case.
func (p *Pipeline) processOnGPU(ctx context.Context, n *node, in, out []float32, inHash uint64, inCST ColorSpace, roiIn, roiOut ROI, mask []float32) (handled bool, err error) {
	ds, ok := n.stage.(DeviceStage)
	if !ok || !p.DeviceEnabled() {
		return false, nil
	}
	dev := p.device

	req := n.stage.Tiling(roiIn, roiOut).withDefaults()
	if n.blend != nil && n.blend.Blender != nil {
		req = req.merge(n.blend.Blender.Tiling(roiIn, roiOut))
	}
	bpp := n.dscOut.BytesPerPixel()
	need := deviceWorkingSet(req, roiIn, roiOut, bpp)
	inBytes := int64(roiIn.Pixels() * bpp)
	outBytes := int64(roiOut.Pixels() * bpp)

	fits := need <= int64(dev.MemoryBudget()) &&
		inBytes <= int64(dev.MaxBufferSize()) &&
		outBytes <= int64(dev.MaxBufferSize())

	switch {
	case fits:
		return p.deviceWholeImage(n, ds, in, out, inHash, inCST, roiIn, roiOut, mask)
	case canTileDevice(n, roiIn, roiOut):
		return p.deviceTiled(ctx, n, in, out, roiIn, roiOut, mask, req)
	default:
		Logger().Debug("device path not applicable, demoting to host",
			"op", n.stage.Name(), "need", need, "budget", dev.MemoryBudget())
		return false, nil
	}
}

// deviceWholeImage runs one node entirely on the device. The input is
// reused from the device-resident carry buffer when its hash matches,
// otherwise uploaded; the output is always read back into the host cache
// line so the buffer cache stays authoritative.
func (p *Pipeline) deviceWholeImage(n *node, ds DeviceStage, in, out []float32, inHash uint64, inCST ColorSpace, roiIn, roiOut ROI, mask []float32) (bool, error) {
	dev := p.device
	bpp := n.dscOut.BytesPerPixel()

	var devIn DeviceBuffer
	reused := false
	if p.devLast != 0 && p.devLastHash == inHash {
		devIn = p.devLast
		reused = true
	} else {
		var err error
		devIn, err = dev.Alloc(roiIn.Width, roiIn.Height, bpp)
		if err != nil {
			return p.demote(n, err, devIn, 0)
		}
		if err := dev.Write(devIn, in); err != nil {
			return p.demote(n, err, devIn, 0)
		}
	}

	// A reused carry buffer is still in the upstream output space; the
	// host copy was converted by the driver, the device copy was not.
	want := n.stage.InputColorSpace()
	if reused && want != ColorSpaceNone && want != inCST {
		if err := dev.ConvertColorSpace(devIn, roiIn, inCST, want); err != nil {
			return p.demote(n, err, 0, 0)
		}
	}

	devOut, err := dev.Alloc(roiOut.Width, roiOut.Height, bpp)
	if err != nil {
		return p.demote(n, err, p.carriedOrZero(devIn), 0)
	}

	if err := ds.ProcessDevice(n.state, dev, devIn, devOut, roiIn, roiOut); err != nil {
		return p.demote(n, err, p.carriedOrZero(devIn), devOut)
	}

	blended := false
	if n.blend != nil && n.blend.Blender != nil && mask == nil {
		if db, ok := n.blend.Blender.(DeviceBlender); ok {
			if err := db.BlendDevice(dev, devIn, devOut, roiIn, roiOut); err != nil {
				return p.demote(n, err, p.carriedOrZero(devIn), devOut)
			}
			blended = true
		}
	}

	// Queue-level errors surface here; past this point failures are late
	// and fatal, the run cannot be demoted anymore.
	if err := dev.Finish(); err != nil {
		p.freeCarry()
		if devIn != 0 && !reused {
			dev.Free(devIn)
		}
		dev.Free(devOut)
		return true, fmt.Errorf("%w: %s: %w", ErrDeviceLost, n.stage.Name(), err)
	}
	if err := dev.Read(devOut, out); err != nil {
		p.freeCarry()
		if devIn != 0 && !reused {
			dev.Free(devIn)
		}
		dev.Free(devOut)
		return true, fmt.Errorf("%w: read back %s: %w", ErrDeviceLost, n.stage.Name(), err)
	}

	if n.wantsHistogram {
		if h, err := dev.Histogram(devOut, roiOut); err == nil {
			p.storeHistogram(n, h)
		} else {
			p.storeHistogram(n, collectHistogram(out, roiOut.Pixels()))
		}
	}

	// Keep the output resident as the next carry buffer. A reused carry
	// is devIn here and gets freed exactly once.
	if p.devLast != 0 {
		dev.Free(p.devLast)
	}
	if devIn != 0 && devIn != p.devLast {
		dev.Free(devIn)
	}
	p.devLast = devOut
	p.devLastHash = n.globalHash

	if blended {
		return true, nil
	}
	return true, p.blendOnCPU(n, in, out, roiIn, roiOut, mask)
}

// deviceTiled shuttles one tile at a time through device memory; the full
// buffers stay on the host. Tiles run serially, the device lock is
// exclusive anyway.
func (p *Pipeline) deviceTiled(ctx context.Context, n *node, in, out []float32, roiIn, roiOut ROI, mask []float32, req TilingRequest) (bool, error) {
	dev := p.device
	ds := n.stage.(TiledDeviceStage)
	bpp := n.dscOut.BytesPerPixel()

	// The carry buffer is useless for a host round trip.
	p.freeCarry()

	tiles := planTiles(req, req.GPUFactor, roiOut, bpp, int64(dev.MemoryBudget()))
	if tiles == nil {
		return false, nil
	}
	Logger().Debug("tiled device execution",
		"op", n.stage.Name(), "tiles", len(tiles), "roi", roiOut.String())

	tin := make([]float32, 0)
	tout := make([]float32, 0)
	for _, t := range tiles {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		npx := t.in.Pixels() * 4
		if cap(tin) < npx {
			tin = make([]float32, npx)
			tout = make([]float32, npx)
		}
		tin = tin[:npx]
		tout = tout[:npx]
		extractTile(tin, t.in, in, roiOut)

		devIn, err := dev.Alloc(t.in.Width, t.in.Height, bpp)
		if err != nil {
			return p.demote(n, err, 0, 0)
		}
		devOut, err := dev.Alloc(t.in.Width, t.in.Height, bpp)
		if err != nil {
			return p.demote(n, err, devIn, 0)
		}
		err = dev.Write(devIn, tin)
		if err == nil {
			err = ds.ProcessDevice(n.state, dev, devIn, devOut, t.in, t.in)
		}
		if err == nil {
			err = dev.Finish()
			if err != nil {
				dev.Free(devIn)
				dev.Free(devOut)
				return true, fmt.Errorf("%w: %s: %w", ErrDeviceLost, n.stage.Name(), err)
			}
			err = dev.Read(devOut, tout)
			if err != nil {
				dev.Free(devIn)
				dev.Free(devOut)
				return true, fmt.Errorf("%w: read back %s: %w", ErrDeviceLost, n.stage.Name(), err)
			}
		}
		dev.Free(devIn)
		dev.Free(devOut)
		if err != nil {
			return p.demote(n, err, 0, 0)
		}
		insertTile(out, roiOut, tout, t.in, t.out)
	}

	if n.wantsHistogram {
		p.storeHistogram(n, collectHistogram(out, roiOut.Pixels()))
	}
	return true, p.blendOnCPU(n, in, out, roiIn, roiOut, mask)
}

// canTileDevice mirrors canTileHost for the device-assisted path.
func canTileDevice(n *node, roiIn, roiOut ROI) bool {
	ts, ok := n.stage.(TiledDeviceStage)
	if !ok || !ts.DeviceTileSafe() {
		return false
	}
	return roiIn.Scale == roiOut.Scale &&
		roiIn.Width == roiOut.Width && roiIn.Height == roiOut.Height &&
		roiIn.X == roiOut.X && roiIn.Y == roiOut.Y
}

// demote handles a soft device failure: free the given buffers, drop the
// carry buffer, and hand the node to the CPU path. An error wrapping
// ErrDeviceLost is fatal instead and propagates.
func (p *Pipeline) demote(n *node, err error, a, b DeviceBuffer) (bool, error) {
	dev := p.device
	if a != 0 && a != p.devLast {
		dev.Free(a)
	}
	if b != 0 {
		dev.Free(b)
	}
	p.freeCarry()
	if errors.Is(err, ErrDeviceLost) {
		return true, fmt.Errorf("%s: %w", n.stage.Name(), err)
	}
	Logger().Debug("device stage failed, demoting to host",
		"op", n.stage.Name(), "err", err)
	return false, nil
}

// carriedOrZero returns buf unless it is the carry buffer, which demote
// must not free twice.
func (p *Pipeline) carriedOrZero(buf DeviceBuffer) DeviceBuffer {
	if buf == p.devLast {
		return 0
	}
	return buf
}

// freeCarry drops the device-resident carry buffer.
func (p *Pipeline) freeCarry() {
	if p.devLast != 0 {
		p.device.Free(p.devLast)
		p.devLast = 0
	}
	p.devLastHash = 0
}
