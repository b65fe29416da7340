// Package pixelpipe implements the pixel-processing pipeline engine of a
// raw photo development application.
//
// # Overview
//
// A [Pipeline] runs an ordered chain of image transforms ("stages") over a
// source image for one view context (interactive preview, full resolution,
// export, thumbnail). The engine itself knows nothing about the individual
// transform algorithms: each stage is a black box implementing [Stage],
// registered once at startup and instantiated per pipeline.
//
// What the engine does provide:
//
//   - a fixed-slot, hash-keyed buffer cache with LRU aging ([BufferCache]),
//     so that unchanged upstream stages are never recomputed
//   - two-pass region-of-interest propagation (forward for output sizes,
//     backward for the padded input regions stages actually need)
//   - cumulative state hashing, so a cache key captures the image identity,
//     every upstream stage's committed parameters and all relevant regions
//   - dual CPU/GPU execution with transparent demotion to the CPU path on
//     any device failure, plus a session-wide circuit breaker
//   - memory-budget-aware tiled execution for oversized images
//
// # Quick start
//
//	pipe := pixelpipe.NewPreview(svc)
//	pipe.SetInput(img, width, height, imageID)
//	pipe.SetStages(configs)
//
//	if err := pipe.Process(ctx, pixelpipe.ROI{Width: w, Height: h, Scale: s}); err != nil {
//	    return err
//	}
//	rgba, bw, bh := pipe.Backbuffer()
//
// # GPU acceleration
//
// GPU execution is optional. A [Device] implementation (see backend/wgpu)
// is attached through [WithDevice]; every failure on the device path falls
// back to the CPU path without affecting the produced pixels.
//
// # Logging
//
// The package produces no log output by default. Call [SetLogger] with a
// *slog.Logger to enable diagnostics.
package pixelpipe
