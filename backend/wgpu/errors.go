package wgpu

import (
	"errors"
	"fmt"

	"github.com/anselgo/pixelpipe"
)

var (
	// ErrNoAdapter is returned by New when no usable GPU adapter exists.
	// It wraps pixelpipe.ErrNoDevice so engine-level callers need not know
	// the backend.
	ErrNoAdapter = fmt.Errorf("wgpu: no GPU adapters found: %w", pixelpipe.ErrNoDevice)

	// ErrBadProvider is returned by NewFromProvider when the provider does
	// not expose HAL device and queue types.
	ErrBadProvider = errors.New("wgpu: provider does not expose HAL types")

	// ErrUnknownBuffer is returned when a handle does not name a live
	// buffer on this device.
	ErrUnknownBuffer = errors.New("wgpu: unknown buffer handle")

	// ErrBufferTooLarge is returned by Alloc when the request exceeds the
	// device's single-allocation limit.
	ErrBufferTooLarge = errors.New("wgpu: buffer exceeds device limit")

	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("wgpu: device closed")
)
