package pixelpipe

import "fmt"

// Raster mask distribution. A stage can publish named mask planes
// (implementing MaskProvider); a downstream stage's blend references one
// by source op and id. Because stages between producer and consumer may
// move pixels, the mask is pushed through every intervening GeometryStage
// before the consumer blends with it.

// MaskProvider is an optional stage capability: publishing raster masks
// for downstream consumers. Masks are one float per pixel of the stage's
// processed output region, in [0, 1].
type MaskProvider interface {
	Stage
	RasterMask(state any, id MaskID, roiOut ROI) ([]float32, error)
}

// resolveRasterMask produces the mask the consumer node blends with, in
// the consumer's input geometry. Called with busyMu held during a run,
// after every node up to the consumer has been planned. Returns nil, nil
// when the node has no raster source configured.
func (p *Pipeline) resolveRasterMask(consumer *node) ([]float32, error) {
	bc := consumer.blend
	if bc == nil || bc.RasterSource == "" {
		return nil, nil
	}
	producer := p.findNode(bc.RasterSource)
	if producer == nil || !producer.enabled {
		return nil, fmt.Errorf("pixelpipe: raster mask source %q not in pipeline", bc.RasterSource)
	}
	if producer.pos >= consumer.pos {
		return nil, fmt.Errorf("pixelpipe: raster mask source %q is not upstream of %q",
			bc.RasterSource, consumer.stage.Name())
	}

	mask, ok := producer.rasterMasks[bc.RasterID]
	if !ok {
		mp, isProvider := producer.stage.(MaskProvider)
		if !isProvider {
			return nil, fmt.Errorf("pixelpipe: stage %q provides no raster masks", bc.RasterSource)
		}
		var err error
		mask, err = mp.RasterMask(producer.state, bc.RasterID, producer.processedROIOut)
		if err != nil {
			return nil, fmt.Errorf("raster mask %q/%d: %w", bc.RasterSource, bc.RasterID, err)
		}
		producer.rasterMasks[bc.RasterID] = mask
	}
	if mask == nil {
		return nil, nil
	}

	// Carry the mask through every geometry change between producer and
	// consumer so it lines up with the consumer's input pixels.
	for _, n := range p.nodes {
		if n.pos <= producer.pos || n.pos >= consumer.pos || !n.enabled {
			continue
		}
		gs, isGeom := n.stage.(GeometryStage)
		if !isGeom {
			continue
		}
		distorted, err := gs.DistortMask(n.state, mask, n.processedROIIn, n.processedROIOut)
		if err != nil {
			return nil, fmt.Errorf("distort mask through %q: %w", n.stage.Name(), err)
		}
		mask = distorted
	}
	return mask, nil
}
