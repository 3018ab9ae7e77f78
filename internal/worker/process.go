package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessConfig describes the child process that hosts the capability.
// The child must speak the protocol on stdin/stdout (see Serve) and may log
// freely on stderr.
type ProcessConfig struct {
	WorkerID string
	Command  string
	Args     []string

	// Env entries are appended to the parent's environment.
	Env []string
}

// process owns the child and its pipes. Close goes through shutdown:
// close stdin, wait up to stopTimeout, then kill.
type process struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc

	wg       sync.WaitGroup
	exited   chan struct{}
	stopping atomic.Bool
}

// NewProcess spawns cfg.Command and returns a Worker speaking to it.
func NewProcess(cfg ProcessConfig) (Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker: command is required")
	}

	// The child outlives any single request; only Close ends it.
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	p := &process{
		id:     cfg.WorkerID,
		cmd:    cmd,
		stdin:  stdin,
		cancel: cancel,
		exited: make(chan struct{}),
	}

	slog.Info("worker process spawned",
		"worker_id", p.id,
		"command", cfg.Command,
		"pid", cmd.Process.Pid,
	)

	// stderr must be drained before Wait, which closes the pipes.
	p.wg.Add(1)
	go p.logStderr(stderr)

	go p.waitProcess()

	return newClient(p.id, stdout, stdin, p.stop), nil
}

// logStderr maps the child's log lines to slog levels by their tag.
func (p *process) logStderr(stderr io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "level=ERROR"):
			slog.Error("worker process error", "worker_id", p.id, "log", line)
		case containsAny(line, "[WARNING]", "[WARN]", "level=WARN"):
			slog.Warn("worker process warning", "worker_id", p.id, "log", line)
		default:
			slog.Debug("worker process log", "worker_id", p.id, "log", line)
		}
	}

	if err := scanner.Err(); err != nil {
		slog.Debug("error reading worker stderr", "worker_id", p.id, "error", err)
	}
}

// waitProcess reaps the child so it never lingers as a zombie.
func (p *process) waitProcess() {
	defer close(p.exited)

	p.wg.Wait()
	err := p.cmd.Wait()

	switch {
	case err == nil:
		slog.Info("worker process exited cleanly", "worker_id", p.id, "pid", p.cmd.Process.Pid)
	case p.stopping.Load():
		slog.Debug("worker process exited (shutdown)", "worker_id", p.id, "pid", p.cmd.Process.Pid)
	default:
		slog.Error("worker process exited unexpectedly",
			"worker_id", p.id,
			"pid", p.cmd.Process.Pid,
			"error", err,
		)
	}
}

func (p *process) stop() error {
	slog.Info("stopping worker process", "worker_id", p.id)
	p.stopping.Store(true)

	// Closing stdin is the graceful exit signal: Serve returns on EOF.
	p.stdin.Close()

	select {
	case <-p.exited:
		slog.Info("worker process stopped cleanly", "worker_id", p.id)
	case <-time.After(stopTimeout):
		slog.Warn("worker process stop timeout, force killing", "worker_id", p.id)
		if err := p.cmd.Process.Kill(); err != nil {
			slog.Error("failed to kill worker process", "worker_id", p.id, "error", err)
		}
		<-p.exited
	}
	p.cancel()
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
