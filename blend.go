package pixelpipe

// MaskID identifies one raster mask within a node's mask table.
type MaskID uint32

// Blender is the mask/blend collaborator attached to a node. The engine
// never interprets blend parameters; it only converts buffers to the
// blend color space, resolves the raster mask, and invokes Blend after the
// stage's own transform. Blending is never tiled: its working set is
// assumed small enough to run untiled on the host, even when the stage
// itself had to tile (a tiled device run is followed by host blending).
type Blender interface {
	// Tiling returns the additional memory requirement of the blend step,
	// merged into the stage's own estimate.
	Tiling(in, out ROI) TilingRequest

	// BlendColorSpace returns the space both buffers must be converted to
	// before Blend runs, given the stage's output space.
	BlendColorSpace(out ColorSpace) ColorSpace

	// Blend composites in over out in place of out. mask may be nil when
	// no raster mask is configured.
	Blend(in, out []float32, roiIn, roiOut ROI, mask []float32) error
}

// BlendConfig attaches a blend/mask operation to a stage in a pipeline
// configuration.
type BlendConfig struct {
	Blender Blender

	// RasterSource names the operation whose node produces the raster
	// mask, empty for parametric-only blending.
	RasterSource string

	// RasterID selects the mask within the source node's table.
	RasterID MaskID
}

// DeviceBlender is an optional capability: compositing on the device for
// the whole-image device path. Falling back to host blending is always
// legal.
type DeviceBlender interface {
	Blender
	BlendDevice(dev Device, in, out DeviceBuffer, roiIn, roiOut ROI) error
}
