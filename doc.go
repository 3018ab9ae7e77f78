// Package maskflow runs a live-video segmentation pipeline: frames from a
// capture source are sampled on the render clock, segmented by an isolated
// inference worker, and the resulting confidence mask is published for the
// renderer to read.
//
// # Philosophy
//
// "The render loop never waits for AI."
//
// Capture and rendering run on their own clocks. Inference is an optional
// enhancement: if the worker is slow, frames are skipped; if it fails, the
// pipeline keeps rendering with the default (all ones) mask and says so on
// the status stream.
//
// # Design Principles
//
//  1. Single outstanding request: at most one frame is in flight to the worker
//  2. Replace, never mutate: the mask buffer swaps whole masks atomically
//  3. Bounded startup: worker initialization races a timeout and runs in the background
//  4. Graceful degrade: any worker failure leaves the pipeline in manual visual mode
//  5. Isolation: the worker speaks a length-prefixed msgpack protocol, in-process or as a child
//
// # Architecture
//
//	capture.Source ──Snapshot──▶ pump.Pump ──Process──▶ supervisor.Supervisor ──▶ worker.Worker
//	   (capture fps)            (render tick)             (state machine)          (protocol)
//	                                                            │
//	                                                            ▼
//	renderer ◀──────────────CurrentMask──────────────── mask.Buffer
//
//	status stream: events.Bus (state, log, capture, ai_ready, ai_unavailable)
//
// # Basic Usage
//
//	cfg, err := config.Load("configs/maskflow.yaml")
//	if err != nil {
//	    return err
//	}
//	p, err := maskflow.New(cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Stop()
//
//	if err := p.Start(ctx); err != nil {
//	    return err // *capture.Error: "No camera found." etc.
//	}
//	return p.Run(ctx, renderer)
package maskflow
