// Package wgpu implements the pixelpipe device interface on the gogpu
// WebGPU HAL.
//
// The backend runs stage kernels as WGSL compute shaders dispatched through
// hal.Device and hal.Queue. It can bring up its own Vulkan instance and
// adapter, or attach to a device shared by a host application through a
// gpucontext provider:
//
//	dev, err := wgpu.New()
//	if err != nil {
//	    // engine falls back to the CPU path
//	}
//	pipe := pixelpipe.NewFull(svc, pixelpipe.WithDevice(dev))
//
// Pixel buffers live in storage buffers as packed 4-channel float32. Named
// kernels are looked up in a package registry; a kernel the registry does
// not know is reported with pixelpipe.ErrFallbackToCPU so the engine can
// demote the stage to its CPU implementation.
package wgpu
