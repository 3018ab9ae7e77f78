// Package worker runs the segmentation capability behind an isolation
// boundary and exposes it as a request/response actor.
//
// Two transports share one client:
//
//	Local   - Serve runs in a goroutine, spoken to over an in-memory pipe
//	Process - Serve runs in a child process, spoken to over stdin/stdout
//
// Contract:
//   - Initialize before Submit (Submit returns ErrNotInitialized otherwise)
//   - At most one Submit in flight (a concurrent Submit returns ErrBusy)
//   - A per-frame failure resolves Submit with ErrFrameDropped, the worker lives on
//   - A runtime ERROR or an exit kills the worker: Done() closes, Err() says why
package worker

import (
	"context"
	"errors"

	"github.com/e7canasta/maskflow/internal/capture"
	"github.com/e7canasta/maskflow/internal/mask"
	"github.com/e7canasta/maskflow/internal/protocol"
)

var (
	// ErrDisposed is returned after Close.
	ErrDisposed = errors.New("worker: disposed")

	// ErrBusy is returned when a Submit is already in flight.
	ErrBusy = errors.New("worker: request already in flight")

	// ErrFrameDropped is returned when the worker failed on one frame but
	// is still healthy.
	ErrFrameDropped = errors.New("worker: frame dropped")

	// ErrWorkerExited wraps every reason a worker stopped unexpectedly
	// (runtime ERROR, broken pipe, process exit).
	ErrWorkerExited = errors.New("worker: exited")

	// ErrNotInitialized is returned by Submit before a successful Initialize.
	ErrNotInitialized = errors.New("worker: not initialized")
)

// Request is one frame to segment.
type Request struct {
	Seq   uint64
	Frame capture.Frame
}

// Worker is the InferenceWorker contract.
type Worker interface {
	// Initialize sends INIT and blocks until the worker answers, dies, or
	// ctx is done.
	Initialize(ctx context.Context, cfg protocol.InitConfig) error

	// Submit sends one frame and blocks until its mask comes back.
	Submit(ctx context.Context, req Request) (*mask.Mask, error)

	// Logs carries advisory LOG messages (drop-new when nobody reads).
	Logs() <-chan string

	// Done is closed when the worker is dead or disposed.
	Done() <-chan struct{}

	// Err reports why Done closed (nil while alive).
	Err() error

	// Close disposes the worker. Safe to call more than once.
	Close() error
}
