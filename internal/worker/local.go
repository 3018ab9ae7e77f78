package worker

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/e7canasta/maskflow/internal/capability"
)

// stopTimeout bounds how long Close waits for the worker side to wind down.
const stopTimeout = 2 * time.Second

// NewLocal starts Serve in a goroutine behind a pair of in-memory pipes.
// The worker shares the address space but not any state: every frame and
// mask crosses the pipe encoded, exactly as with a child process.
//
// A nil loader selects capability.Load.
func NewLocal(id string, loader capability.Loader) Worker {
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})

	go func() {
		defer close(served)
		err := Serve(ctx, toWorkerR, fromWorkerW, loader)
		if err != nil {
			slog.Debug("local worker stopped", "worker_id", id, "error", err)
		}
		fromWorkerW.CloseWithError(err)
		toWorkerR.Close()
	}()

	shutdown := func() error {
		cancel()
		toWorkerW.Close()
		fromWorkerR.Close()

		select {
		case <-served:
		case <-time.After(stopTimeout):
			// The capability is stuck in Segment; the goroutine exits once it returns.
			slog.Warn("local worker stop timeout, abandoning goroutine", "worker_id", id)
		}
		return nil
	}

	slog.Info("local inference worker started", "worker_id", id)
	return newClient(id, fromWorkerR, toWorkerW, shutdown)
}
