package pixelpipe

import (
	"context"
	"errors"
	"fmt"
)

// The driver. A run plans regions forward and backward over the node
// list, computes cumulative state hashes, then recurses down from the
// last enabled node: each level is served from the buffer cache when its
// hash is present, otherwise the level below is computed first and the
// stage executed into a cache line. Cancellation is cooperative: the
// shutdown flag and the context are polled at fixed checkpoints, and a
// run aborted mid-stage invalidates the lines it was filling.

// Process runs the pipeline for the requested viewport region and
// publishes the result (the display backbuffer for interactive kinds, the
// output buffer for export kinds). The viewport is given in output
// coordinates: offset, extent and scale relative to the processed input.
//
// A fatal device error restarts the run on the host after counting the
// error against the session circuit breaker. All other errors abort.
func (p *Pipeline) Process(ctx context.Context, viewport ROI) error {
	p.shutdown.Store(false)
	p.processing.Store(true)
	defer p.processing.Store(false)

	p.busyMu.Lock()
	defer p.busyMu.Unlock()

	if p.input == nil {
		return fmt.Errorf("pixelpipe: %s pipe has no input image", p.kind)
	}

	// Device health is re-evaluated once per call, not per restart: a run
	// demoted by a fatal error stays on the host until the next call.
	p.deviceEnabled = p.device != nil && p.device.Available() && !p.svc.Stopped()

	for {
		err := p.runOnce(ctx, viewport)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDeviceLost) {
			p.deviceError.Store(true)
			p.svc.RecordError()
			p.deviceEnabled = false
			p.freeCarry()
			Logger().Warn("fatal device error, restarting run on host",
				"pipe", p.kind.String(), "err", err)
			continue
		}
		return err
	}
}

// runOnce performs a single planning and execution pass. Caller holds
// busyMu.
func (p *Pipeline) runOnce(ctx context.Context, viewport ROI) error {
	useDevice := p.DeviceEnabled()
	if useDevice {
		p.svc.Acquire()
		defer p.svc.Release()
	}

	p.resetRunState()
	p.propagateROIOut(p.iwidth, p.iheight)
	p.propagateROIIn(viewport)
	p.computeGlobalHash()

	last := len(p.nodes) - 1
	buf, dsc, err := p.processRec(ctx, last, viewport)
	if err != nil {
		return err
	}

	if err := p.interrupted(ctx); err != nil {
		return err
	}

	p.publish(buf, dsc, viewport)

	if !p.kind.interactive() {
		p.freeCarry()
	}
	p.cache.LogSlots()
	return nil
}

// interrupted reports the pending cancellation, if any: the context error
// when the context fired, ErrShutdown when the flag was raised.
func (p *Pipeline) interrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.shutdown.Load() {
		return ErrShutdown
	}
	return nil
}

// processRec produces the output of the node at pos (skipping disabled
// nodes), recursing to the level below when the cache cannot serve it.
// pos < 0 is the base case: the source image clipped and scaled to
// roiOut. The returned buffer is a live cache line; it stays valid until
// enough later lookups evict it.
func (p *Pipeline) processRec(ctx context.Context, pos int, roiOut ROI) (*Buffer, Format, error) {
	for pos >= 0 && !p.nodes[pos].enabled {
		pos--
	}
	if err := p.interrupted(ctx); err != nil {
		return nil, Format{}, err
	}
	if pos < 0 {
		return p.baseBuffer(roiOut)
	}
	n := p.nodes[pos]

	// Mask preview only needs geometry-accurate pixels; stages that move
	// nothing and keep the format are skipped wholesale.
	if p.maskDisplay != MaskDisplayNone && p.canSkipForMaskPreview(n) {
		return p.processRec(ctx, pos-1, n.plannedROIIn)
	}

	roiOut = n.plannedROIOut
	roiIn := n.plannedROIIn
	size := DefaultFormat(roiOut.Width, roiOut.Height).BufferSize(roiOut)
	weight := int32(0)
	if pos == len(p.nodes)-1 && p.kind.interactive() {
		// The displayed result survives a full aging cycle of lookups.
		weight = int32(-p.cache.Entries())
	}

	var out *Buffer
	if !n.bypassCache && p.cache.Available(n.globalHash) {
		buf, dsc, miss := p.cache.GetWeighted(n.globalHash, size, DefaultFormat(roiOut.Width, roiOut.Height), weight)
		if !miss {
			Logger().Debug("cache hit",
				"op", n.stage.Name(), "pipe", p.kind.String(), "hash", n.globalHash)
			return buf, dsc, nil
		}
		// Undersized stale entry: the lookup evicted a line for us, fill
		// it below as a normal miss.
		out = buf
	}

	// Hash identifying the upstream output, for the device carry buffer.
	prev := pos - 1
	for prev >= 0 && !p.nodes[prev].enabled {
		prev--
	}
	var inHash uint64
	if prev >= 0 {
		inHash = p.nodes[prev].globalHash
	} else {
		inHash = p.nodeHash(nil, roiIn, -1)
	}

	in, dscIn, err := p.processRec(ctx, prev, roiIn)
	if err != nil {
		return nil, Format{}, err
	}
	if err := p.interrupted(ctx); err != nil {
		return nil, Format{}, err
	}

	if out == nil {
		out, _, _ = p.cache.GetWeighted(n.globalHash, size, DefaultFormat(roiOut.Width, roiOut.Height), weight)
	}
	if !out.Valid() {
		return nil, Format{}, fmt.Errorf("%w: %d bytes for %s", ErrSlotAlloc, size, n.stage.Name())
	}
	if out == in {
		// The lookup for the output line must never evict the input we
		// are about to read; with two or more slots the aging scan keeps
		// them distinct, a single-slot cache cannot run a stage at all.
		return nil, Format{}, fmt.Errorf("%w: cache too small for %s", ErrSlotAlloc, n.stage.Name())
	}

	// Convert the input to the stage's working space in place; the cache
	// keeps serving this line, so its stored format must follow. The
	// device-resident copy of the upstream output is not converted here;
	// the device path converts it on reuse, so remember its space.
	inCST := dscIn.CST
	if want := n.stage.InputColorSpace(); want != ColorSpaceNone && want != dscIn.CST {
		convertColorSpace(in.Pix, roiIn.Pixels(), dscIn.CST, want)
		dscIn.CST = want
		p.cache.UpdateFormat(in, dscIn)
	}

	dscOut := n.stage.OutputFormat(dscIn)
	dscOut.Width = roiOut.Width
	dscOut.Height = roiOut.Height
	n.dscIn = dscIn
	n.dscOut = dscOut
	n.processedROIIn = roiIn
	n.processedROIOut = roiOut

	mask, err := p.resolveRasterMask(n)
	if err != nil {
		return nil, Format{}, err
	}

	Logger().Debug("process",
		"op", n.stage.Name(), "pipe", p.kind.String(),
		"in", roiIn.String(), "out", roiOut.String(), "hash", n.globalHash)

	handled, err := p.processOnGPU(ctx, n, in.Pix, out.Pix, inHash, inCST, roiIn, roiOut, mask)
	if err == nil && !handled {
		err = p.processOnCPU(ctx, n, in.Pix, out.Pix, roiIn, roiOut, mask)
		if err == nil && n.wantsHistogram {
			p.storeHistogram(n, collectHistogram(out.Pix, roiOut.Pixels()))
		}
	}
	if err != nil {
		p.cache.Invalidate(out)
		return nil, Format{}, err
	}
	if err := p.interrupted(ctx); err != nil {
		// Neither line may serve a later run after an abort mid-stage.
		p.cache.Invalidate(in)
		p.cache.Invalidate(out)
		return nil, Format{}, err
	}

	p.cache.UpdateFormat(out, dscOut)
	p.samplePicker(n, out.Pix, roiOut)
	if n.bypassCache {
		// A bypassing stage's result never serves a later run; the buffer
		// itself stays live for the downstream read.
		p.cache.Invalidate(out)
	}
	return out, dscOut, nil
}

// canSkipForMaskPreview reports whether n contributes nothing a mask
// preview needs: no geometry change, congruent regions, same color space
// in and out.
func (p *Pipeline) canSkipForMaskPreview(n *node) bool {
	if _, isGeom := n.stage.(GeometryStage); isGeom {
		return false
	}
	if n.plannedROIIn != n.plannedROIOut {
		return false
	}
	in := n.stage.InputColorSpace()
	out := n.stage.OutputColorSpace()
	return in == out || out == ColorSpaceNone
}

// baseBuffer serves the pipeline input clipped and scaled to roiOut, from
// the cache when possible.
func (p *Pipeline) baseBuffer(roiOut ROI) (*Buffer, Format, error) {
	dsc := DefaultFormat(roiOut.Width, roiOut.Height)
	size := dsc.BufferSize(roiOut)
	hash := p.nodeHash(nil, roiOut, -1)

	if p.cache.Available(hash) {
		buf, got, miss := p.cache.Get(hash, size, dsc)
		if !miss {
			return buf, got, nil
		}
	}
	out, _, _ := p.cache.Get(hash, size, dsc)
	if !out.Valid() {
		return nil, Format{}, fmt.Errorf("%w: %d bytes for base input", ErrSlotAlloc, size)
	}

	if roiOut.Scale == 1 {
		copyRegion(out.Pix, roiOut, p.input, FullFrame(p.iwidth, p.iheight))
	} else {
		clipAndZoom(out.Pix, roiOut, p.input, FullFrame(p.iwidth, p.iheight))
	}
	p.cache.UpdateFormat(out, dsc)
	return out, dsc, nil
}

// copyRegion copies the src region covered by dst's ROI row by row at
// native scale; pixels outside the source are left zero.
func copyRegion(dst []float32, dstROI ROI, src []float32, srcROI ROI) {
	for y := 0; y < dstROI.Height; y++ {
		sy := dstROI.Y + y
		if sy < 0 || sy >= srcROI.Height {
			continue
		}
		x0 := clampInt(dstROI.X, 0, srcROI.Width)
		x1 := clampInt(dstROI.X+dstROI.Width, 0, srcROI.Width)
		if x1 <= x0 {
			continue
		}
		srow := src[(sy*srcROI.Width+x0)*4 : (sy*srcROI.Width+x1)*4]
		drow := dst[(y*dstROI.Width+(x0-dstROI.X))*4:]
		copy(drow, srow)
	}
}

// publish stores the run result: an 8-bit display backbuffer for
// interactive kinds, the float output buffer for export kinds. Caller
// holds busyMu; only backbufMu is taken so a display reader never blocks
// on a running pipe.
func (p *Pipeline) publish(buf *Buffer, dsc Format, viewport ROI) {
	npx := viewport.Pixels()

	if p.kind.interactive() {
		bb := make([]uint8, npx*4)
		var px [4]float32
		for i := 0; i < npx; i++ {
			copy(px[:], buf.Pix[i*4:i*4+4])
			if dsc.CST != ColorSpaceDisplay {
				convertColorSpace(px[:], 1, dsc.CST, ColorSpaceDisplay)
			}
			bb[i*4+0] = clampDisplayByte(px[0])
			bb[i*4+1] = clampDisplayByte(px[1])
			bb[i*4+2] = clampDisplayByte(px[2])
			bb[i*4+3] = 255
		}
		p.backbufMu.Lock()
		p.backbuf = bb
		p.backbufWidth = viewport.Width
		p.backbufHeight = viewport.Height
		p.backbufHash = p.resultHash(viewport)
		p.backbufImage = p.image.ID
		p.backbufMu.Unlock()
		return
	}

	outCopy := make([]float32, npx*4)
	copy(outCopy, buf.Pix[:npx*4])
	p.backbufMu.Lock()
	p.output = outCopy
	p.outputDsc = dsc
	p.backbufHash = p.resultHash(viewport)
	p.backbufMu.Unlock()
}

// resultHash is the state hash of the final output: the last enabled
// node's cumulative hash, or the base input hash for an empty chain.
func (p *Pipeline) resultHash(viewport ROI) uint64 {
	if n := p.lastEnabledNode(); n != nil {
		return n.globalHash
	}
	return p.nodeHash(nil, viewport, -1)
}

// Output returns a copy of the latest run's final float buffer and its
// format. Intended for export and thumbnail pipelines, which have no
// display backbuffer. Nil before the first successful run.
func (p *Pipeline) Output() ([]float32, Format) {
	p.backbufMu.Lock()
	defer p.backbufMu.Unlock()
	return p.output, p.outputDsc
}
