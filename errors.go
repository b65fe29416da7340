package pixelpipe

import "errors"

// Errors returned by pipeline runs and the device layer. Failures never
// cross a stage boundary as panics: everything below the top-level Process
// call reports status through these values (possibly wrapped).
var (
	// ErrShutdown indicates a run was aborted by cooperative cancellation.
	// This is a normal abort path, not a fault: every cache line touched by
	// the aborted run has been invalidated and the previous backbuffer is
	// left untouched.
	ErrShutdown = errors.New("pixelpipe: shutdown requested")

	// ErrFallbackToCPU is returned by device-path helpers when a stage
	// cannot run (or keep running) on the device. The executor demotes the
	// stage to the CPU path; callers of Process never observe this value.
	ErrFallbackToCPU = errors.New("pixelpipe: falling back to CPU execution")

	// ErrDeviceLost indicates a fatal queue- or driver-level device error.
	// The run is retried once from scratch on CPU and the failure counts
	// toward the session circuit breaker.
	ErrDeviceLost = errors.New("pixelpipe: device lost")

	// ErrNoDevice is returned when a device operation is attempted without
	// an attached, enabled device.
	ErrNoDevice = errors.New("pixelpipe: no device attached")

	// ErrSlotAlloc indicates a cache slot failed to allocate its backing
	// buffer. The slot is degraded (zero-sized) and the current run fails;
	// the pipeline object remains valid.
	ErrSlotAlloc = errors.New("pixelpipe: cache slot allocation failed")

	// ErrStageFailed wraps a hard error reported by a stage (malformed
	// parameters, unsupported format). The whole run aborts and no partial
	// backbuffer update happens.
	ErrStageFailed = errors.New("pixelpipe: stage reported hard error")

	// ErrBadFormat indicates a buffer format the engine cannot handle at
	// the requested point, e.g. a scaled base-buffer fetch on a format that
	// is not 4-channel float.
	ErrBadFormat = errors.New("pixelpipe: unsupported buffer format")
)
