package pixelpipe

import (
	"fmt"
	"sort"
	"sync"
)

// TilingRequest is a stage's estimate of the memory it needs during
// execution, used to decide between whole-region and tiled dispatch.
type TilingRequest struct {
	// CPUFactor is the number of buffer-sized working sets the stage needs
	// on the host (input + output + intermediates), as a multiple of the
	// larger of its input and output buffers.
	CPUFactor float64

	// GPUFactor is the same estimate for device execution. Zero means
	// "same as CPUFactor".
	GPUFactor float64

	// MaxBuf caps the size of any single intermediate buffer, as a
	// multiple of the larger of input and output. Zero means 1.
	MaxBuf float64

	// Overhead is a fixed byte overhead independent of region size.
	Overhead int64

	// Overlap is the neighbor-context margin in pixels each tile must
	// include so tile seams are invisible (convolution radius and such).
	Overlap int
}

// withDefaults fills the zero-value conventions above.
func (t TilingRequest) withDefaults() TilingRequest {
	if t.CPUFactor <= 0 {
		t.CPUFactor = 1
	}
	if t.GPUFactor <= 0 {
		t.GPUFactor = t.CPUFactor
	}
	if t.MaxBuf <= 0 {
		t.MaxBuf = 1
	}
	return t
}

// merge aggregates a second requirement (e.g. an attached blend step) by
// taking the maximum of every field.
func (t TilingRequest) merge(o TilingRequest) TilingRequest {
	if o.CPUFactor > t.CPUFactor {
		t.CPUFactor = o.CPUFactor
	}
	if o.GPUFactor > t.GPUFactor {
		t.GPUFactor = o.GPUFactor
	}
	if o.MaxBuf > t.MaxBuf {
		t.MaxBuf = o.MaxBuf
	}
	if o.Overhead > t.Overhead {
		t.Overhead = o.Overhead
	}
	if o.Overlap > t.Overlap {
		t.Overlap = o.Overlap
	}
	return t
}

// Stage is one image transform in the pipeline. Implementations are black
// boxes to the engine: it only relies on this contract for planning,
// hashing and dispatch. A Stage instance belongs to exactly one pipeline
// (the registry creates a fresh instance per pipeline from the committed
// parameter snapshot), so implementations need no internal locking.
//
// Optional capabilities are separate interfaces: [DeviceStage],
// [TiledStage], [TiledDeviceStage], [GeometryStage], [HistogramSource],
// [MaskProvider].
type Stage interface {
	// Name returns the operation identifier the stage was registered under.
	Name() string

	// ParamHash returns the hash of the committed parameter snapshot. Two
	// stages with bitwise-identical committed parameters must return the
	// same value; any parameter change must change it.
	ParamHash() uint64

	// BypassCache reports whether the stage's output may be
	// non-deterministic and must never be memoized. The flag poisons every
	// downstream stage.
	BypassCache() bool

	// InitState allocates the per-run working state the stage needs
	// (lookup tables, precomputed kernels). The returned value is owned by
	// the node and released through FreeState at teardown.
	InitState() (any, error)

	// FreeState releases state returned by InitState.
	FreeState(state any)

	// OutputFormat negotiates the stage's output pixel format given its
	// input format.
	OutputFormat(in Format) Format

	// InputColorSpace returns the working color space the stage needs its
	// input converted to before Process runs.
	InputColorSpace() ColorSpace

	// OutputColorSpace returns the color space Process leaves its output
	// in.
	OutputColorSpace() ColorSpace

	// ModifyROIOut returns the region the stage produces for a given input
	// region (forward planning).
	ModifyROIOut(in ROI) ROI

	// ModifyROIIn returns the input region required to produce out
	// (backward planning); may pad beyond the naive region.
	ModifyROIIn(out ROI) ROI

	// Tiling returns the stage's memory estimate for the planned regions.
	Tiling(in, out ROI) TilingRequest

	// Process runs the transform on host memory over the full regions.
	Process(state any, in, out []float32, roiIn, roiOut ROI) error
}

// DeviceStage is implemented by stages that can run on an attached device.
// In and out are device-resident buffers. Returning ErrFallbackToCPU (or
// any error) demotes the stage to the CPU path.
type DeviceStage interface {
	Stage
	ProcessDevice(state any, dev Device, in, out DeviceBuffer, roiIn, roiOut ROI) error
}

// TiledStage marks stages whose Process tolerates tiled invocation: when
// the working set exceeds the memory budget, the engine splits the region
// into overlap-padded tiles and calls Process once per tile. Only stages
// that neither scale nor move pixels qualify.
type TiledStage interface {
	Stage
	TileSafe() bool
}

// TiledDeviceStage marks device stages whose ProcessDevice tolerates tiled
// invocation, used when the whole image does not fit on the device. The
// engine keeps the full buffers on the host and shuttles one tile at a
// time through device memory.
type TiledDeviceStage interface {
	DeviceStage
	DeviceTileSafe() bool
}

// GeometryStage is implemented by stages that distort geometry (crop,
// rotate, lens correction). The engine uses it to decide which stages must
// still run in mask-preview mode and to propagate raster masks downstream.
type GeometryStage interface {
	Stage

	// DistortMask transforms a raster mask from the stage's input geometry
	// to its output geometry.
	DistortMask(state any, mask []float32, roiIn, roiOut ROI) ([]float32, error)
}

// HistogramSource is implemented by stages wired to the global histogram
// side channel (demosaic, output, display). The engine samples their output
// opportunistically during runs.
type HistogramSource interface {
	Stage
	WantsHistogram() bool
}

// StageFactory creates a pipeline-private stage instance from a committed
// parameter snapshot. Params is an opaque value owned by the surrounding
// application; factories must deep-copy anything they retain.
type StageFactory func(params any) (Stage, error)

type registryEntry struct {
	op      string
	order   int
	factory StageFactory
}

var (
	registryMu sync.RWMutex
	registry   = map[string]registryEntry{}
)

// RegisterStage registers a stage factory under an operation name with a
// fixed position in the total ordering over transform kinds. Registration
// normally happens at startup from package init functions; re-registering
// an operation replaces it.
func RegisterStage(op string, order int, factory StageFactory) {
	if factory == nil {
		panic("pixelpipe: RegisterStage with nil factory")
	}
	registryMu.Lock()
	registry[op] = registryEntry{op: op, order: order, factory: factory}
	registryMu.Unlock()
}

// stageOrder returns the registered ordering position for op.
func stageOrder(op string) (int, bool) {
	registryMu.RLock()
	e, ok := registry[op]
	registryMu.RUnlock()
	return e.order, ok
}

// newStage instantiates a registered stage.
func newStage(op string, params any) (Stage, error) {
	registryMu.RLock()
	e, ok := registry[op]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pixelpipe: unknown stage %q", op)
	}
	return e.factory(params)
}

// sortConfigs orders stage configs by the registered total ordering.
// Unregistered operations are reported as an error by buildNodes, not here.
func sortConfigs(configs []StageConfig) []StageConfig {
	out := make([]StageConfig, len(configs))
	copy(out, configs)
	sort.SliceStable(out, func(i, j int) bool {
		oi, _ := stageOrder(out[i].Op)
		oj, _ := stageOrder(out[j].Op)
		return oi < oj
	})
	return out
}
