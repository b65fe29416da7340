package pixelpipe

import (
	"errors"
	"testing"
)

// fakeDevice simulates a device in host memory. Error hooks force each
// failure mode the executor has to handle.
type fakeDevice struct {
	bufs   map[DeviceBuffer]fakeBuf
	next   uint64
	budget uint64
	maxBuf uint64

	failAlloc  error
	failFinish error
	failRead   error

	allocs   int
	writes   int
	reads    int
	finishes int
	converts int
}

type fakeBuf struct {
	px     []float32
	pixels int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		bufs:   map[DeviceBuffer]fakeBuf{},
		budget: 1 << 30,
		maxBuf: 1 << 30,
	}
}

func (d *fakeDevice) Name() string          { return "fake" }
func (d *fakeDevice) Available() bool       { return true }
func (d *fakeDevice) MemoryBudget() uint64  { return d.budget }
func (d *fakeDevice) MaxBufferSize() uint64 { return d.maxBuf }

func (d *fakeDevice) Alloc(width, height, bpp int) (DeviceBuffer, error) {
	if d.failAlloc != nil {
		return 0, d.failAlloc
	}
	d.allocs++
	d.next++
	h := DeviceBuffer(d.next)
	d.bufs[h] = fakeBuf{px: make([]float32, width*height*4), pixels: width * height}
	return h, nil
}

func (d *fakeDevice) Free(buf DeviceBuffer) {
	delete(d.bufs, buf)
}

func (d *fakeDevice) Write(buf DeviceBuffer, px []float32) error {
	b, ok := d.bufs[buf]
	if !ok {
		return errors.New("fake: unknown buffer")
	}
	d.writes++
	copy(b.px, px)
	return nil
}

func (d *fakeDevice) Read(buf DeviceBuffer, px []float32) error {
	if d.failRead != nil {
		return d.failRead
	}
	b, ok := d.bufs[buf]
	if !ok {
		return errors.New("fake: unknown buffer")
	}
	d.reads++
	copy(px, b.px)
	return nil
}

func (d *fakeDevice) ConvertColorSpace(buf DeviceBuffer, roi ROI, from, to ColorSpace) error {
	b, ok := d.bufs[buf]
	if !ok {
		return errors.New("fake: unknown buffer")
	}
	d.converts++
	convertColorSpace(b.px, roi.Pixels(), from, to)
	return nil
}

func (d *fakeDevice) Run(kernel string, in, out DeviceBuffer, roiIn, roiOut ROI, params []byte) error {
	return ErrFallbackToCPU
}

func (d *fakeDevice) Histogram(buf DeviceBuffer, roi ROI) ([]uint32, error) {
	b, ok := d.bufs[buf]
	if !ok {
		return nil, errors.New("fake: unknown buffer")
	}
	return collectHistogram(b.px, roi.Pixels()), nil
}

func (d *fakeDevice) Finish() error { d.finishes++; return d.failFinish }
func (d *fakeDevice) Close()        {}

// testDeviceStage runs its transform through device buffers.
type testDeviceStage struct {
	*testStage
	deviceCalls int
	failDevice  error
}

func (s *testDeviceStage) DeviceTileSafe() bool { return s.tile }

func (s *testDeviceStage) ProcessDevice(state any, dev Device, in, out DeviceBuffer, roiIn, roiOut ROI) error {
	if s.failDevice != nil {
		return s.failDevice
	}
	s.deviceCalls++
	npx := roiIn.Pixels()
	tmp := make([]float32, npx*4)
	if err := dev.Read(in, tmp); err != nil {
		return err
	}
	res := make([]float32, roiOut.Pixels()*4)
	if err := s.testStage.Process(state, tmp, res, roiIn, roiOut); err != nil {
		return err
	}
	return dev.Write(out, res)
}

func newDeviceTestPipeline(t *testing.T, svc *DeviceService, dev Device) *Pipeline {
	t.Helper()
	p := New(KindExport, svc, WithDevice(dev))
	t.Cleanup(p.Close)
	return p
}

func TestDeviceWholeImageMatchesCPU(t *testing.T) {
	const w, h = 8, 6
	input := makeInput(w, h)

	dev := newFakeDevice()
	pd := newDeviceTestPipeline(t, NewDeviceService(), dev)
	pd.SetInput(input, w, h, ImageID{ID: 1})
	sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
	if err := pd.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	runPipe(t, pd, FullFrame(w, h))
	gpuOut, _ := pd.Output()

	pc := newTestPipeline(t, KindExport)
	pc.SetInput(input, w, h, ImageID{ID: 1})
	sc := newTestStage("ta", 2)
	if err := pc.SetStages([]StageConfig{{Op: "ta", Params: sc, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	runPipe(t, pc, FullFrame(w, h))
	cpuOut, _ := pc.Output()

	if sd.deviceCalls != 1 {
		t.Fatalf("device stage ran %d times on the device, want 1", sd.deviceCalls)
	}
	if sc.processCalls.Load() != 1 {
		t.Fatal("CPU reference did not run")
	}
	for i := range cpuOut {
		if gpuOut[i] != cpuOut[i] {
			t.Fatalf("sample %d: device %g, CPU %g", i, gpuOut[i], cpuOut[i])
		}
	}
}

func TestDeviceCarryBufferReuse(t *testing.T) {
	const w, h = 8, 6
	dev := newFakeDevice()
	svc := NewDeviceService()
	p := New(KindFull, svc, WithDevice(dev))
	t.Cleanup(p.Close)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})

	sa := &testDeviceStage{testStage: newTestStage("ta", 2)}
	sb := &testDeviceStage{testStage: newTestStage("tb", 3)}
	cfg := []StageConfig{
		{Op: "ta", Params: sa, Enabled: true},
		{Op: "tb", Params: sb, Enabled: true},
	}
	if err := p.SetStages(cfg); err != nil {
		t.Fatal(err)
	}
	runPipe(t, p, FullFrame(w, h))

	// Node ta: input upload plus output. Node tb: reuses ta's output as
	// the carry buffer, allocates only its own output.
	if dev.allocs != 3 {
		t.Errorf("device allocations = %d, want 3 (carry buffer reused)", dev.allocs)
	}
	// One engine upload for ta's input, plus one output store per stage.
	if dev.writes != 3 {
		t.Errorf("device writes = %d, want 3 (input uploaded once)", dev.writes)
	}
	// Interactive kinds keep the carry buffer across runs.
	if len(dev.bufs) != 1 {
		t.Errorf("%d device buffers live after run, want 1 (the carry)", len(dev.bufs))
	}
}

func TestDeviceExportFreesCarry(t *testing.T) {
	const w, h = 8, 6
	dev := newFakeDevice()
	p := newDeviceTestPipeline(t, NewDeviceService(), dev)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})

	sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
	if err := p.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	runPipe(t, p, FullFrame(w, h))

	if len(dev.bufs) != 0 {
		t.Errorf("%d device buffers live after an export run, want 0", len(dev.bufs))
	}
}

func TestDeviceSoftFailureDemotesToCPU(t *testing.T) {
	const w, h = 8, 6
	input := makeInput(w, h)
	dev := newFakeDevice()
	svc := NewDeviceService()
	p := newDeviceTestPipeline(t, svc, dev)
	p.SetInput(input, w, h, ImageID{ID: 1})

	sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
	sd.failDevice = ErrFallbackToCPU
	if err := p.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	runPipe(t, p, FullFrame(w, h))

	out, _ := p.Output()
	if want := input[0] * 2; out[0] != want {
		t.Errorf("demoted output pixel 0 = %g, want %g", out[0], want)
	}
	if p.DeviceErrored() {
		t.Error("soft failure must not count as a device error")
	}
	if svc.ErrorCount() != 0 {
		t.Errorf("session error count = %d, want 0", svc.ErrorCount())
	}
	if calls := sd.processCalls.Load(); calls != 1 {
		t.Errorf("CPU path ran %d times, want 1", calls)
	}
}

func TestDeviceFatalErrorRestartsOnHost(t *testing.T) {
	const w, h = 8, 6
	input := makeInput(w, h)
	dev := newFakeDevice()
	svc := NewDeviceService()
	p := newDeviceTestPipeline(t, svc, dev)
	p.SetInput(input, w, h, ImageID{ID: 1})

	dev.failFinish = errors.New("queue exploded")
	sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
	if err := p.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
		t.Fatal(err)
	}

	// The run must complete on the host despite the fatal device error.
	runPipe(t, p, FullFrame(w, h))

	out, _ := p.Output()
	if want := input[0] * 2; out[0] != want {
		t.Errorf("restarted output pixel 0 = %g, want %g", out[0], want)
	}
	if !p.DeviceErrored() {
		t.Error("fatal device error not recorded on the pipeline")
	}
	if svc.ErrorCount() != 1 {
		t.Errorf("session error count = %d, want 1", svc.ErrorCount())
	}
	if len(dev.bufs) != 0 {
		t.Errorf("%d device buffers leaked across the restart", len(dev.bufs))
	}
}

func TestDeviceCircuitBreaker(t *testing.T) {
	const w, h = 8, 6
	input := makeInput(w, h)
	dev := newFakeDevice()
	dev.failFinish = errors.New("queue exploded")
	svc := NewDeviceService()

	for i := 0; i < DefaultMaxDeviceErrors; i++ {
		if svc.Stopped() {
			t.Fatalf("breaker tripped after %d errors, want %d", i, DefaultMaxDeviceErrors)
		}
		p := newDeviceTestPipeline(t, svc, dev)
		p.SetInput(input, w, h, ImageID{ID: uint32(i + 1)})
		sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
		if err := p.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
			t.Fatal(err)
		}
		runPipe(t, p, FullFrame(w, h))
	}

	if !svc.Stopped() {
		t.Fatal("breaker not tripped at the error threshold")
	}

	// A fresh pipeline on the stopped session must not touch the device.
	p := newDeviceTestPipeline(t, svc, dev)
	p.SetInput(input, w, h, ImageID{ID: 99})
	sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
	if err := p.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	if p.DeviceEnabled() {
		t.Error("DeviceEnabled with a stopped session")
	}
	finishes := dev.finishes
	runPipe(t, p, FullFrame(w, h))
	if dev.finishes != finishes {
		t.Error("device touched after the breaker tripped")
	}

	svc.Reset()
	if svc.Stopped() || svc.ErrorCount() != 0 {
		t.Error("Reset did not clear the breaker")
	}
}

func TestDeviceTiledExecution(t *testing.T) {
	const w, h = 200, 160
	input := makeInput(w, h)
	dev := newFakeDevice()
	dev.budget = 4_000_000 // whole image (~16 MiB working set) will not fit
	svc := NewDeviceService()
	p := newDeviceTestPipeline(t, svc, dev)
	p.SetInput(input, w, h, ImageID{ID: 1})

	sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
	sd.tile = true
	sd.tiling = TilingRequest{GPUFactor: 16}
	if err := p.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	runPipe(t, p, FullFrame(w, h))

	if sd.deviceCalls < 2 {
		t.Fatalf("device stage ran %d times, expected tiled execution", sd.deviceCalls)
	}
	out, _ := p.Output()
	for i := 0; i < w*h; i++ {
		if want := input[i*4] * 2; out[i*4] != want {
			t.Fatalf("pixel %d: got %g, want %g (tile seams?)", i, out[i*4], want)
		}
	}
	if len(dev.bufs) != 0 {
		t.Errorf("%d device buffers live after tiled run, want 0", len(dev.bufs))
	}
}

func TestDeviceCarryConversionOnReuse(t *testing.T) {
	const w, h = 8, 6
	dev := newFakeDevice()
	svc := NewDeviceService()
	p := New(KindFull, svc, WithDevice(dev))
	t.Cleanup(p.Close)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})

	sa := &testDeviceStage{testStage: newTestStage("ta", 1)}
	sa.inCST = ColorSpaceRGB
	sa.outCST = ColorSpaceRGB
	sb := &testDeviceStage{testStage: newTestStage("tb", 1)}
	sb.inCST = ColorSpaceLab
	sb.outCST = ColorSpaceLab
	cfg := []StageConfig{
		{Op: "ta", Params: sa, Enabled: true},
		{Op: "tb", Params: sb, Enabled: true},
	}
	if err := p.SetStages(cfg); err != nil {
		t.Fatal(err)
	}
	runPipe(t, p, FullFrame(w, h))

	// tb reused ta's device output, which was still RGB; the device copy
	// must have been converted to Lab on the device.
	if dev.converts != 1 {
		t.Errorf("device color conversions = %d, want 1", dev.converts)
	}
}

func TestDeviceServiceBreakerThreshold(t *testing.T) {
	svc := &DeviceService{MaxErrors: 2}
	if svc.RecordError() {
		t.Error("breaker tripped after one error with threshold 2")
	}
	if !svc.RecordError() {
		t.Error("breaker not tripped at threshold")
	}
	if !svc.Stopped() {
		t.Error("Stopped() false after the breaker tripped")
	}
	if svc.ErrorCount() != 2 {
		t.Errorf("ErrorCount = %d, want 2", svc.ErrorCount())
	}
}

func TestDeviceServiceExclusiveLock(t *testing.T) {
	svc := NewDeviceService()
	svc.Acquire()
	locked := make(chan struct{})
	go func() {
		svc.Acquire()
		close(locked)
		svc.Release()
	}()
	select {
	case <-locked:
		t.Fatal("second Acquire succeeded while the lock was held")
	default:
	}
	svc.Release()
	<-locked
}

func TestProcessWithoutDeviceIgnoresDevicePath(t *testing.T) {
	const w, h = 8, 6
	p := newTestPipeline(t, KindExport)
	p.SetInput(makeInput(w, h), w, h, ImageID{ID: 1})

	sd := &testDeviceStage{testStage: newTestStage("ta", 2)}
	if err := p.SetStages([]StageConfig{{Op: "ta", Params: sd, Enabled: true}}); err != nil {
		t.Fatal(err)
	}
	runPipe(t, p, FullFrame(w, h))
	if sd.deviceCalls != 0 {
		t.Errorf("device stage ran %d times without a device", sd.deviceCalls)
	}
	if sd.processCalls.Load() != 1 {
		t.Error("CPU path did not run")
	}
}
