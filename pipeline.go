package pixelpipe

import (
	"sync"
	"sync/atomic"
)

// Kind identifies the view context a pipeline serves. Kinds are bit flags
// so callers can test families (any preview kind) cheaply.
type Kind uint32

const (
	// KindNone is an unconfigured pipeline.
	KindNone Kind = 0

	// KindFull is the full-resolution interactive editor view.
	KindFull Kind = 1 << iota

	// KindPreview is the downscaled interactive preview.
	KindPreview

	// KindExport serves file export runs.
	KindExport

	// KindThumbnail serves thumbnail generation.
	KindThumbnail

	// KindDummy is a pipeline with no cache, for tests and probes.
	KindDummy
)

func (k Kind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindPreview:
		return "preview"
	case KindExport:
		return "export"
	case KindThumbnail:
		return "thumbnail"
	case KindDummy:
		return "dummy"
	default:
		return "none"
	}
}

// interactive reports whether runs of this kind publish a display
// backbuffer and keep device inputs cached between runs.
func (k Kind) interactive() bool {
	return k&(KindFull|KindPreview) != 0
}

// cacheSlots returns the slot count a kind gets by default: interactive
// views need enough lines to pin several intermediate results, export and
// thumbnails only ping-pong two, dummies none.
func (k Kind) cacheSlots() int {
	switch {
	case k == KindDummy:
		return 0
	case k.interactive():
		return 8
	default:
		return 2
	}
}

// DefaultHostMemoryBudget bounds the working set of a single stage
// execution on the host before tiling kicks in.
const DefaultHostMemoryBudget = 1 << 30 // 1 GiB

// MaskDisplay selects the mask-preview display mode of a pipeline. In any
// mode other than MaskDisplayNone, stages that neither distort geometry nor
// change buffer shape or format are skipped entirely and their input passed
// through, since the UI only needs geometry-accurate masks.
type MaskDisplay uint32

const (
	// MaskDisplayNone is normal processing.
	MaskDisplayNone MaskDisplay = iota

	// MaskDisplayMask previews the blend mask of the focused stage.
	MaskDisplayMask

	// MaskDisplayChannel previews a parametric channel of the focused
	// stage.
	MaskDisplayChannel
)

// Option configures a Pipeline during creation.
type Option func(*Pipeline)

// WithCacheSlots overrides the kind's default buffer-cache slot count.
func WithCacheSlots(n int) Option {
	return func(p *Pipeline) { p.cacheSlotsOverride = n }
}

// WithCacheSlotSize preallocates every cache slot to the given byte size.
func WithCacheSlotSize(bytes int) Option {
	return func(p *Pipeline) { p.cacheSlotSize = bytes }
}

// WithHostMemoryBudget overrides the host memory budget used by the tiling
// decision.
func WithHostMemoryBudget(bytes int64) Option {
	return func(p *Pipeline) { p.hostBudget = bytes }
}

// WithDevice attaches a device for the accelerated execution path. Without
// one, every run executes on the CPU.
func WithDevice(dev Device) Option {
	return func(p *Pipeline) { p.device = dev }
}

// Pipeline runs the stage chain for one view context. Create one per view
// (preview, full, export, thumbnail); instances share nothing but the
// read-only source image and the injected DeviceService.
//
// Concurrency model: the recursive driver executes on one worker at a time.
// busyMu serializes structural operations (SetStages, Close) against an
// in-flight run; backbufMu protects only the published result so a display
// thread can read it while the next run computes.
type Pipeline struct {
	kind Kind

	// svc is the injected process-wide device state (never nil).
	svc *DeviceService

	// busyMu gates the stage graph and cache: held for a whole run and by
	// every structural mutation.
	busyMu sync.Mutex

	cache *BufferCache
	nodes []*node

	// Source image, read-only during runs.
	input           []float32
	iwidth, iheight int
	image           ImageID

	// Device path state.
	device        Device
	deviceEnabled bool
	deviceError   atomic.Bool

	// devLast is the device-resident copy of the most recently computed
	// node output, kept so the next node (or the next interactive run)
	// skips the upload. Guarded by busyMu plus the DeviceService lock.
	devLast     DeviceBuffer
	devLastHash uint64

	// shutdown is the cooperative cancellation flag, polled at fixed
	// checkpoints (never preemptive).
	shutdown atomic.Bool

	processing atomic.Bool

	maskDisplay MaskDisplay

	// Published result; see Backbuffer.
	backbufMu     sync.Mutex
	backbuf       []uint8
	backbufWidth  int
	backbufHeight int
	backbufHash   uint64
	backbufImage  uint32
	output        []float32
	outputDsc     Format

	// Side channels.
	histMu     sync.Mutex
	histograms map[string]histEntry

	picker     *Picker
	pickResult PickResult

	cacheSlotsOverride int
	cacheSlotSize      int
	hostBudget         int64
}

// New creates a pipeline of the given kind. svc must not be nil: the
// session device state is always injected, even for CPU-only pipelines.
func New(kind Kind, svc *DeviceService, opts ...Option) *Pipeline {
	if svc == nil {
		panic("pixelpipe: nil DeviceService")
	}
	p := &Pipeline{
		kind:       kind,
		svc:        svc,
		hostBudget: DefaultHostMemoryBudget,
		histograms: make(map[string]histEntry),
	}
	for _, o := range opts {
		o(p)
	}
	slots := kind.cacheSlots()
	if p.cacheSlotsOverride > 0 {
		slots = p.cacheSlotsOverride
	}
	p.cache = NewBufferCache(slots, p.cacheSlotSize)
	p.deviceEnabled = p.device != nil && p.device.Available() && !svc.Stopped()
	return p
}

// NewFull creates a full-resolution interactive pipeline.
func NewFull(svc *DeviceService, opts ...Option) *Pipeline {
	return New(KindFull, svc, opts...)
}

// NewPreview creates an interactive preview pipeline.
func NewPreview(svc *DeviceService, opts ...Option) *Pipeline {
	return New(KindPreview, svc, opts...)
}

// NewExport creates an export pipeline (two cache slots, ping-pong).
func NewExport(svc *DeviceService, opts ...Option) *Pipeline {
	return New(KindExport, svc, opts...)
}

// NewThumbnail creates a thumbnail pipeline.
func NewThumbnail(svc *DeviceService, opts ...Option) *Pipeline {
	return New(KindThumbnail, svc, opts...)
}

// NewDummy creates a cacheless probe pipeline.
func NewDummy(svc *DeviceService, opts ...Option) *Pipeline {
	return New(KindDummy, svc, opts...)
}

// Kind returns the pipeline's view context.
func (p *Pipeline) Kind() Kind { return p.kind }

// Cache exposes the pipeline's buffer cache (single-threaded access only;
// intended for tests and diagnostics).
func (p *Pipeline) Cache() *BufferCache { return p.cache }

// SetInput attaches the source image: a 4-channel float plane of
// width x height pixels. The pipeline does not copy it; the caller must
// keep it immutable while runs are possible.
func (p *Pipeline) SetInput(px []float32, width, height int, img ImageID) {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()
	p.input = px
	p.iwidth = width
	p.iheight = height
	p.image = img
}

// InputSize returns the native input dimensions.
func (p *Pipeline) InputSize() (int, int) { return p.iwidth, p.iheight }

// SetStages (re)builds the stage graph from a configuration snapshot. Any
// in-flight run completes first (busyMu acts as the busy gate); the old
// node list is torn down through the stages' own lifecycle hooks and the
// cache flushed, since node positions changed and old hashes are
// meaningless.
func (p *Pipeline) SetStages(configs []StageConfig) error {
	p.busyMu.Lock()
	defer p.busyMu.Unlock()

	old := p.nodes
	p.nodes = nil
	p.teardownNodes(old)

	if err := p.buildNodes(configs); err != nil {
		return err
	}
	p.cache.Flush()
	p.histMu.Lock()
	clear(p.histograms)
	p.histMu.Unlock()
	return nil
}

// SetMaskDisplay switches the mask-preview display mode for subsequent
// runs.
func (p *Pipeline) SetMaskDisplay(m MaskDisplay) {
	p.busyMu.Lock()
	p.maskDisplay = m
	p.busyMu.Unlock()
}

// Shutdown requests cooperative cancellation of the in-flight run. The
// worker observes the flag at its next checkpoint, invalidates every cache
// line it touched and unwinds with ErrShutdown. Shutdown does not block.
func (p *Pipeline) Shutdown() { p.shutdown.Store(true) }

// Processing reports whether a run is currently in flight.
func (p *Pipeline) Processing() bool { return p.processing.Load() }

// DeviceEnabled reports whether the next run may use the device path.
func (p *Pipeline) DeviceEnabled() bool {
	return p.deviceEnabled && !p.svc.Stopped()
}

// DeviceErrored reports whether any run of this pipeline hit a fatal
// device error.
func (p *Pipeline) DeviceErrored() bool { return p.deviceError.Load() }

// Backbuffer returns a copy-free view of the latest published result as
// 8-bit RGBA, with its dimensions. The slice must only be read; it is
// replaced, never mutated, by the next successful run. Returns nil before
// the first successful run.
func (p *Pipeline) Backbuffer() ([]uint8, int, int) {
	p.backbufMu.Lock()
	defer p.backbufMu.Unlock()
	return p.backbuf, p.backbufWidth, p.backbufHeight
}

// BackbufferHash returns the state hash the published backbuffer was
// computed under, so a display layer can skip redundant redraws.
func (p *Pipeline) BackbufferHash() uint64 {
	p.backbufMu.Lock()
	defer p.backbufMu.Unlock()
	return p.backbufHash
}

// Close tears down the stage graph and releases per-node state. The
// pipeline must not be used afterwards. An in-flight run is waited for;
// call Shutdown first to abort it promptly.
func (p *Pipeline) Close() {
	p.Shutdown()
	p.busyMu.Lock()
	defer p.busyMu.Unlock()
	nodes := p.nodes
	p.nodes = nil
	p.teardownNodes(nodes)
	if p.device != nil {
		p.freeCarry()
	}
	p.input = nil
	p.backbufMu.Lock()
	p.backbuf = nil
	p.backbufMu.Unlock()
}
