package pixelpipe

import (
	"sync"
	"sync/atomic"
)

// DeviceBuffer is an opaque handle to a device-resident pixel buffer.
// Implementations maintain the mapping between handles and actual backend
// resources; 0 is never a valid handle.
type DeviceBuffer uint64

// Device abstracts a GPU accelerator for the device execution path.
// Implementations must be safe for use by one pipeline run at a time; the
// DeviceService lock guarantees no two runs share a device concurrently.
//
// Any method may return an error wrapping ErrDeviceLost to signal a fatal
// queue- or driver-level failure; everything else is treated as a per-stage
// soft failure recovered by CPU demotion.
type Device interface {
	// Name identifies the device (backend and adapter).
	Name() string

	// Available reports whether the device is initialized and usable.
	Available() bool

	// MemoryBudget returns the bytes of device memory the engine may plan
	// with for a single run.
	MemoryBudget() uint64

	// MaxBufferSize returns the largest single allocation the device
	// supports.
	MaxBufferSize() uint64

	// Alloc creates a device buffer for width x height pixels at bpp bytes
	// per pixel.
	Alloc(width, height, bpp int) (DeviceBuffer, error)

	// Free releases a device buffer. Freeing 0 is a no-op.
	Free(buf DeviceBuffer)

	// Write uploads host pixels into a device buffer.
	Write(buf DeviceBuffer, px []float32) error

	// Read downloads a device buffer into host pixels. Read failures after
	// prior successful operations are "late" errors and usually fatal.
	Read(buf DeviceBuffer, px []float32) error

	// ConvertColorSpace converts a device buffer between working spaces in
	// place.
	ConvertColorSpace(buf DeviceBuffer, roi ROI, from, to ColorSpace) error

	// Run executes a named compute kernel over the given buffers. params
	// is an opaque push-constant block the kernel interprets. A backend
	// that does not provide the kernel returns ErrFallbackToCPU.
	Run(kernel string, in, out DeviceBuffer, roiIn, roiOut ROI, params []byte) error

	// Histogram bins a device buffer into a 4x256 histogram.
	Histogram(buf DeviceBuffer, roi ROI) ([]uint32, error)

	// Finish blocks until all queued work completed and reports queue-level
	// errors. Executors synchronize here before trusting device results.
	Finish() error

	// Close releases the device.
	Close()
}

// DefaultMaxDeviceErrors is the session circuit-breaker threshold: once a
// DeviceService has counted this many fatal device errors, device execution
// stays disabled for the remainder of the session.
const DefaultMaxDeviceErrors = 3

// DeviceService owns the process-wide device state shared by all pipeline
// instances: the exclusive device lock and the session error counter with
// its circuit breaker. It is an injected service with an explicit
// lifecycle, not an ambient global: create one at process start and hand it
// to every pipeline.
//
// The zero threshold means DefaultMaxDeviceErrors.
type DeviceService struct {
	MaxErrors int

	mu         sync.Mutex // exclusive device access, one run at a time
	errorCount atomic.Int32
	stopped    atomic.Bool
}

// NewDeviceService creates a service with the default error threshold.
func NewDeviceService() *DeviceService { return &DeviceService{} }

// Acquire takes the exclusive device lock. Contention blocks rather than
// fails: pipelines queue up for the device.
func (s *DeviceService) Acquire() { s.mu.Lock() }

// Release returns the device lock. Must be called unconditionally (success,
// soft failure or fatal error) before the top-level run call returns.
func (s *DeviceService) Release() { s.mu.Unlock() }

// Stopped reports whether the session circuit breaker has tripped.
func (s *DeviceService) Stopped() bool { return s.stopped.Load() }

// ErrorCount returns the fatal device errors counted this session.
func (s *DeviceService) ErrorCount() int { return int(s.errorCount.Load()) }

// RecordError counts one fatal device error and trips the circuit breaker
// when the threshold is reached. Returns true if the breaker is now (or
// already was) tripped.
func (s *DeviceService) RecordError() bool {
	max := s.MaxErrors
	if max <= 0 {
		max = DefaultMaxDeviceErrors
	}
	n := s.errorCount.Add(1)
	if int(n) >= max && !s.stopped.Swap(true) {
		Logger().Warn("frequent device errors; disabling device execution for this session",
			"errors", n)
	}
	return s.stopped.Load()
}

// Reset clears the counter and breaker. Explicit administrative action
// only; nothing in the engine calls it.
func (s *DeviceService) Reset() {
	s.errorCount.Store(0)
	s.stopped.Store(false)
}
