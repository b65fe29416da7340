// Package stages provides the built-in pipeline stages: exposure gain,
// crop, box blur, zoom, highlight clip, the display output transform and
// a drawn-shape mask source, plus an opacity blender.
//
// Every stage registers itself with the engine registry at package load,
// so importing this package (possibly blank) is enough to build
// pipelines from [github.com/anselgo/pixelpipe.StageConfig] values:
//
//	import _ "github.com/anselgo/pixelpipe/stages"
//
// The set is deliberately small but covers the whole capability surface
// of the engine: point operations, neighborhood operations with tile
// overlap, geometry changes with mask distortion, scaling, color space
// negotiation, histogram sources, raster mask providers and device
// kernels.
package stages
