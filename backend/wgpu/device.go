package wgpu

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/anselgo/pixelpipe"
)

// fenceTimeout is the maximum time to wait for queued GPU work.
const fenceTimeout = 5 * time.Second

// Default planning limits handed to the engine when the adapter does not
// dictate tighter ones.
const (
	DefaultMemoryBudget  = 512 << 20
	DefaultMaxBufferSize = 256 << 20
)

// Option configures a Device.
type Option func(*Device)

// WithMemoryBudget caps the device working set the engine plans with.
func WithMemoryBudget(bytes uint64) Option {
	return func(d *Device) { d.budget = bytes }
}

// WithMaxBufferSize caps single buffer allocations.
func WithMaxBufferSize(bytes uint64) Option {
	return func(d *Device) { d.maxBuf = bytes }
}

type bufEntry struct {
	buf  hal.Buffer
	size uint64
}

type kernelPipeline struct {
	module     hal.ShaderModule
	bgLayout   hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

// Device implements pixelpipe.Device on a HAL compute queue. The engine's
// DeviceService lock serializes runs, but handle bookkeeping is locked
// anyway so Free from a cleanup path cannot race a run.
type Device struct {
	name  string
	owned bool

	instance hal.Instance
	dev      hal.Device
	queue    hal.Queue

	budget uint64
	maxBuf uint64

	mu      sync.Mutex
	buffers map[pixelpipe.DeviceBuffer]bufEntry
	nextID  uint64
	closed  bool

	pipeMu    sync.Mutex
	pipelines map[string]*kernelPipeline
}

var _ pixelpipe.Device = (*Device)(nil)

// New brings up a standalone device on the Vulkan backend, preferring a
// discrete or integrated GPU.
func New(opts ...Option) (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan backend not available", ErrNoAdapter)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("wgpu: open device: %w", err)
	}

	d := newDevice(openDev.Device, openDev.Queue, "wgpu/"+selected.Info.Name, opts...)
	d.instance = instance
	d.owned = true
	pixelpipe.Logger().Info("device initialized", "adapter", selected.Info.Name)
	return d, nil
}

// NewFromProvider attaches to a GPU device shared by a host application.
// The provider must also expose the underlying HAL types through
// HalDevice() and HalQueue(). The returned Device does not own the HAL
// device; Close releases only this package's resources.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrBadProvider
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrBadProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrBadProvider)
	}
	return newDevice(dev, queue, "wgpu/shared", opts...), nil
}

func newDevice(dev hal.Device, queue hal.Queue, name string, opts ...Option) *Device {
	d := &Device{
		name:      name,
		dev:       dev,
		queue:     queue,
		budget:    DefaultMemoryBudget,
		maxBuf:    DefaultMaxBufferSize,
		buffers:   make(map[pixelpipe.DeviceBuffer]bufEntry),
		pipelines: make(map[string]*kernelPipeline),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Name() string { return d.name }

func (d *Device) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev != nil && !d.closed
}

func (d *Device) MemoryBudget() uint64  { return d.budget }
func (d *Device) MaxBufferSize() uint64 { return d.maxBuf }

// Alloc creates a storage buffer for width x height pixels.
func (d *Device) Alloc(width, height, bpp int) (pixelpipe.DeviceBuffer, error) {
	if width <= 0 || height <= 0 || bpp <= 0 {
		return 0, fmt.Errorf("wgpu: bad buffer size %dx%dx%d", width, height, bpp)
	}
	size := uint64(width) * uint64(height) * uint64(bpp)
	if size > d.maxBuf {
		return 0, fmt.Errorf("%w: %d > %d", ErrBufferTooLarge, size, d.maxBuf)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "pixelpipe_pixels",
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return 0, fmt.Errorf("wgpu: create buffer: %w", err)
	}
	d.nextID++
	handle := pixelpipe.DeviceBuffer(d.nextID)
	d.buffers[handle] = bufEntry{buf: buf, size: size}
	return handle, nil
}

func (d *Device) Free(buf pixelpipe.DeviceBuffer) {
	if buf == 0 {
		return
	}
	d.mu.Lock()
	e, ok := d.buffers[buf]
	if ok {
		delete(d.buffers, buf)
	}
	d.mu.Unlock()
	if ok {
		d.dev.DestroyBuffer(e.buf)
	}
}

func (d *Device) lookup(buf pixelpipe.DeviceBuffer) (bufEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return bufEntry{}, ErrClosed
	}
	e, ok := d.buffers[buf]
	if !ok {
		return bufEntry{}, fmt.Errorf("%w: %d", ErrUnknownBuffer, buf)
	}
	return e, nil
}

// Write uploads host pixels. The slice may be larger than the buffer;
// only the buffer's extent is transferred.
func (d *Device) Write(buf pixelpipe.DeviceBuffer, px []float32) error {
	e, err := d.lookup(buf)
	if err != nil {
		return err
	}
	n := int(e.size)
	if len(px)*4 < n {
		return fmt.Errorf("wgpu: write: host slice too small: %d < %d bytes", len(px)*4, n)
	}
	d.queue.WriteBuffer(e.buf, 0, floatsToBytes(px[:n/4]))
	return nil
}

// Read downloads a buffer through a staging copy. Failures here come
// after the work was submitted and are reported as fatal.
func (d *Device) Read(buf pixelpipe.DeviceBuffer, px []float32) error {
	e, err := d.lookup(buf)
	if err != nil {
		return err
	}
	n := int(e.size)
	if len(px)*4 < n {
		return fmt.Errorf("wgpu: read: host slice too small: %d < %d bytes", len(px)*4, n)
	}
	raw, err := d.readBack(e.buf, e.size)
	if err != nil {
		return fmt.Errorf("%w: read: %v", pixelpipe.ErrDeviceLost, err)
	}
	bytesToFloats(px[:n/4], raw)
	return nil
}

// readBack copies a storage buffer into a fresh staging buffer and maps
// it on the host.
func (d *Device) readBack(src hal.Buffer, size uint64) ([]byte, error) {
	staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "pixelpipe_staging",
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer d.dev.DestroyBuffer(staging)

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: "pixelpipe_readback",
	})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("pixelpipe_readback"); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(src, staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	defer d.dev.FreeCommandBuffer(cmdBuf)

	if err := d.submitAndWait([]hal.CommandBuffer{cmdBuf}); err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if err := d.queue.ReadBuffer(staging, 0, raw); err != nil {
		return nil, fmt.Errorf("read staging buffer: %w", err)
	}
	return raw, nil
}

// ConvertColorSpace runs the in-place conversion kernel on a buffer.
func (d *Device) ConvertColorSpace(buf pixelpipe.DeviceBuffer, roi pixelpipe.ROI, from, to pixelpipe.ColorSpace) error {
	if from == to || from == pixelpipe.ColorSpaceNone || to == pixelpipe.ColorSpaceNone {
		return nil
	}
	e, err := d.lookup(buf)
	if err != nil {
		return err
	}
	npix := roi.Pixels()
	uniform := make([]byte, 16)
	binary.LittleEndian.PutUint32(uniform[0:], uint32(npix))
	binary.LittleEndian.PutUint32(uniform[4:], uint32(from))
	binary.LittleEndian.PutUint32(uniform[8:], uint32(to))
	wg := (uint32(npix) + 63) / 64
	return d.dispatch("convert", uniform, []hal.Buffer{e.buf}, wg, 1)
}

// Run dispatches a named stage kernel. Unknown names are a demotion
// signal, not an error.
func (d *Device) Run(kernel string, in, out pixelpipe.DeviceBuffer, roiIn, roiOut pixelpipe.ROI, params []byte) error {
	spec, ok := kernels[kernel]
	if !ok || spec.internal {
		return fmt.Errorf("kernel %q: %w", kernel, pixelpipe.ErrFallbackToCPU)
	}
	ein, err := d.lookup(in)
	if err != nil {
		return err
	}
	eout, err := d.lookup(out)
	if err != nil {
		return err
	}

	uniform := make([]byte, 16+pad16(len(params)))
	binary.LittleEndian.PutUint32(uniform[0:], uint32(roiOut.Width))
	binary.LittleEndian.PutUint32(uniform[4:], uint32(roiOut.Height))
	binary.LittleEndian.PutUint32(uniform[8:], uint32(roiIn.Width))
	binary.LittleEndian.PutUint32(uniform[12:], uint32(roiIn.Height))
	copy(uniform[16:], params)

	wx := (uint32(roiOut.Width) + 7) / 8
	wy := (uint32(roiOut.Height) + 7) / 8
	return d.dispatch(kernel, uniform, []hal.Buffer{ein.buf, eout.buf}, wx, wy)
}

// Histogram bins a buffer on the device and reads the counters back.
func (d *Device) Histogram(buf pixelpipe.DeviceBuffer, roi pixelpipe.ROI) ([]uint32, error) {
	e, err := d.lookup(buf)
	if err != nil {
		return nil, err
	}
	const binBytes = 4 * pixelpipe.HistogramBins * 4

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	bins, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "pixelpipe_histogram",
		Size:  binBytes,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create histogram buffer: %w", err)
	}
	defer d.dev.DestroyBuffer(bins)
	d.queue.WriteBuffer(bins, 0, make([]byte, binBytes))

	npix := roi.Pixels()
	uniform := make([]byte, 16)
	binary.LittleEndian.PutUint32(uniform[0:], uint32(npix))
	wg := (uint32(npix) + 63) / 64
	if err := d.dispatch("histogram", uniform, []hal.Buffer{e.buf, bins}, wg, 1); err != nil {
		return nil, err
	}

	raw, err := d.readBack(bins, binBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: histogram readback: %v", pixelpipe.ErrDeviceLost, err)
	}
	h := make([]uint32, 4*pixelpipe.HistogramBins)
	for i := range h {
		h[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return h, nil
}

// Finish drains the queue: empty submit against a fresh fence, then wait.
func (d *Device) Finish() error {
	fence, err := d.dev.CreateFence()
	if err != nil {
		return fmt.Errorf("%w: create fence: %v", pixelpipe.ErrDeviceLost, err)
	}
	defer d.dev.DestroyFence(fence)
	if err := d.queue.Submit(nil, fence, 1); err != nil {
		return fmt.Errorf("%w: submit: %v", pixelpipe.ErrDeviceLost, err)
	}
	ok, err := d.dev.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("%w: wait: %v", pixelpipe.ErrDeviceLost, err)
	}
	if !ok {
		return fmt.Errorf("%w: queue drain timeout after %v", pixelpipe.ErrDeviceLost, fenceTimeout)
	}
	return nil
}

// Close destroys pipelines, leaked buffers and, for a standalone device,
// the HAL device and instance.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	leaked := d.buffers
	d.buffers = make(map[pixelpipe.DeviceBuffer]bufEntry)
	d.mu.Unlock()

	if len(leaked) > 0 {
		pixelpipe.Logger().Warn("closing device with live buffers", "count", len(leaked))
	}
	for _, e := range leaked {
		d.dev.DestroyBuffer(e.buf)
	}

	d.pipeMu.Lock()
	for _, kp := range d.pipelines {
		d.destroyPipeline(kp)
	}
	d.pipelines = make(map[string]*kernelPipeline)
	d.pipeMu.Unlock()

	if d.owned {
		d.dev.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
}

func (d *Device) destroyPipeline(kp *kernelPipeline) {
	if kp.pipeline != nil {
		d.dev.DestroyComputePipeline(kp.pipeline)
	}
	if kp.pipeLayout != nil {
		d.dev.DestroyPipelineLayout(kp.pipeLayout)
	}
	if kp.bgLayout != nil {
		d.dev.DestroyBindGroupLayout(kp.bgLayout)
	}
	if kp.module != nil {
		d.dev.DestroyShaderModule(kp.module)
	}
}

// pipelineFor compiles and caches the compute pipeline of a kernel.
func (d *Device) pipelineFor(name string) (*kernelPipeline, error) {
	d.pipeMu.Lock()
	defer d.pipeMu.Unlock()
	if kp, ok := d.pipelines[name]; ok {
		return kp, nil
	}
	spec := kernels[name]

	kp := &kernelPipeline{}
	module, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  name,
		Source: hal.ShaderSource{WGSL: spec.source},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create shader module %s: %w", name, err)
	}
	kp.module = module

	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(spec.bindings)+1)
	entries = append(entries, gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
	})
	for i, bt := range spec.bindings {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i + 1),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bt},
		})
	}
	bgl, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   name + "_bgl",
		Entries: entries,
	})
	if err != nil {
		d.destroyPipeline(kp)
		return nil, fmt.Errorf("wgpu: create bind group layout %s: %w", name, err)
	}
	kp.bgLayout = bgl

	pl, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            name + "_pl",
		BindGroupLayouts: []hal.BindGroupLayout{bgl},
	})
	if err != nil {
		d.destroyPipeline(kp)
		return nil, fmt.Errorf("wgpu: create pipeline layout %s: %w", name, err)
	}
	kp.pipeLayout = pl

	pipeline, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  name,
		Layout: pl,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		d.destroyPipeline(kp)
		return nil, fmt.Errorf("wgpu: create compute pipeline %s: %w", name, err)
	}
	kp.pipeline = pipeline

	d.pipelines[name] = kp
	pixelpipe.Logger().Debug("kernel pipeline created",
		"kernel", name, "bindings", len(entries))
	return kp, nil
}

// dispatch encodes and submits one compute pass of a kernel. Creation
// failures are soft errors; submit and wait failures are fatal.
func (d *Device) dispatch(name string, uniform []byte, bufs []hal.Buffer, wx, wy uint32) error {
	if wx == 0 || wy == 0 {
		return nil
	}
	kp, err := d.pipelineFor(name)
	if err != nil {
		return err
	}

	ub, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: name + "_params",
		Size:  uint64(len(uniform)),
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create uniform buffer: %w", err)
	}
	defer d.dev.DestroyBuffer(ub)
	d.queue.WriteBuffer(ub, 0, uniform)

	bgEntries := make([]gputypes.BindGroupEntry, 0, len(bufs)+1)
	bgEntries = append(bgEntries, gputypes.BindGroupEntry{
		Binding:  0,
		Resource: gputypes.BufferBinding{Buffer: ub.NativeHandle(), Offset: 0, Size: 0},
	})
	for i, b := range bufs {
		bgEntries = append(bgEntries, gputypes.BindGroupEntry{
			Binding:  uint32(i + 1),
			Resource: gputypes.BufferBinding{Buffer: b.NativeHandle(), Offset: 0, Size: 0},
		})
	}
	bg, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   name + "_bg",
		Layout:  kp.bgLayout,
		Entries: bgEntries,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create bind group: %w", err)
	}
	defer d.dev.DestroyBindGroup(bg)

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: name})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(name); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: name})
	pass.SetPipeline(kp.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(wx, wy, 1)
	pass.End()
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.dev.FreeCommandBuffer(cmdBuf)

	return d.submitAndWait([]hal.CommandBuffer{cmdBuf})
}

// submitAndWait runs command buffers to completion. Errors here mean the
// queue is in an unknown state and are reported as fatal.
func (d *Device) submitAndWait(cmds []hal.CommandBuffer) error {
	fence, err := d.dev.CreateFence()
	if err != nil {
		return fmt.Errorf("%w: create fence: %v", pixelpipe.ErrDeviceLost, err)
	}
	defer d.dev.DestroyFence(fence)
	if err := d.queue.Submit(cmds, fence, 1); err != nil {
		return fmt.Errorf("%w: submit: %v", pixelpipe.ErrDeviceLost, err)
	}
	ok, err := d.dev.Wait(fence, 1, fenceTimeout)
	if err != nil {
		return fmt.Errorf("%w: wait: %v", pixelpipe.ErrDeviceLost, err)
	}
	if !ok {
		return fmt.Errorf("%w: GPU timeout after %v", pixelpipe.ErrDeviceLost, fenceTimeout)
	}
	return nil
}

func pad16(n int) int { return (n + 15) &^ 15 }

func floatsToBytes(px []float32) []byte {
	b := make([]byte, len(px)*4)
	for i, v := range px {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func bytesToFloats(px []float32, b []byte) {
	for i := range px {
		px[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
}
