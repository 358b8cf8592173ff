// Package prochost owns the external measurement tool's process
// lifecycle: binary resolution, spawn, incremental stdout delivery, and
// graceful stop with bounded escalation to a forced kill.
//
// The controller never touches the process directly; it holds an opaque
// Handle, consumes its event channel, and issues Stop.
package prochost

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrBinaryNotFound is returned by ResolveBinary when none of the
// candidate names resolve to an executable on PATH.
var ErrBinaryNotFound = errors.New("measurement binary not found")

// readChunkSize is the stdout read buffer size. Chunks are opaque
// bytes and may split a line anywhere; the parser reassembles.
const readChunkSize = 4096

// EventKind discriminates process events.
type EventKind int

const (
	// EventOutput carries a stdout chunk
	EventOutput EventKind = iota
	// EventRuntimeError reports a non-terminal runtime failure; a
	// Finished event may still follow for the same handle
	EventRuntimeError
	// EventFinished is the handle's single terminal event
	EventFinished
)

// Event is a single process lifecycle or output event.
type Event struct {
	Kind EventKind

	// Chunk is set for EventOutput
	Chunk []byte
	// Err is set for EventRuntimeError
	Err error
	// ExitCode and Crashed are set for EventFinished. Crashed means the
	// process was terminated by a signal rather than exiting.
	ExitCode int
	Crashed  bool
}

// Host spawns and supervises measurement tool processes.
type Host struct {
	grace time.Duration
}

// New creates a Host with the given graceful-stop window.
func New(grace time.Duration) *Host {
	return &Host{grace: grace}
}

// ResolveBinary searches PATH for the candidate names in preference
// order and returns the first resolvable executable.
func (h *Host) ResolveBinary(candidates []string) (string, error) {
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: tried %s", ErrBinaryNotFound, strings.Join(candidates, ", "))
}

// Start launches the tool asynchronously. A spawn failure is returned
// synchronously and no handle is created.
func (h *Host) Start(path string, args ...string) (*Handle, error) {
	cmd := exec.Command(path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	hd := &Handle{
		cmd:    cmd,
		grace:  h.grace,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	slog.Info("measurement tool spawned", "path", path, "pid", cmd.Process.Pid)

	hd.readerWg.Add(2)
	go hd.readOutput(stdout)
	go hd.logStderr(stderr)
	go hd.waitProcess()

	return hd, nil
}

// Handle is an opaque reference to a spawned tool process.
type Handle struct {
	cmd    *exec.Cmd
	grace  time.Duration
	events chan Event

	readerWg sync.WaitGroup
	done     chan struct{} // closed once the process is reaped
	stopOnce sync.Once
}

// Events returns the handle's event channel. The channel is closed
// after the single terminal Finished event.
func (hd *Handle) Events() <-chan Event {
	return hd.events
}

// Pid returns the spawned process id.
func (hd *Handle) Pid() int {
	return hd.cmd.Process.Pid
}

// Stop requests graceful termination, escalating to a forced kill if
// the process has not exited within the grace window. It blocks only
// until exit is confirmed and is safe to call repeatedly or after the
// process has already exited.
func (hd *Handle) Stop() {
	hd.stopOnce.Do(func() {
		select {
		case <-hd.done:
			// Already reaped, nothing to do.
			return
		default:
		}

		slog.Info("stopping measurement tool", "pid", hd.Pid(), "grace", hd.grace)

		// Signal errors mean the process is already gone; the waiter
		// will still confirm via done.
		_ = hd.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-hd.done:
			return
		case <-time.After(hd.grace):
		}

		slog.Warn("measurement tool did not exit in grace window, killing", "pid", hd.Pid())
		_ = hd.cmd.Process.Kill()
		<-hd.done
	})

	// Later callers of an already-run Once still wait for confirmation.
	<-hd.done
}

// readOutput delivers stdout as opaque chunk events as data arrives.
func (hd *Handle) readOutput(stdout io.Reader) {
	defer hd.readerWg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			hd.events <- Event{Kind: EventOutput, Chunk: chunk}
		}
		if err != nil {
			if err != io.EOF {
				// Non-terminal: the waiter still reports Finished.
				hd.events <- Event{Kind: EventRuntimeError, Err: err}
			}
			return
		}
	}
}

// logStderr forwards the tool's stderr into the log at debug level.
func (hd *Handle) logStderr(stderr io.Reader) {
	defer hd.readerWg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		slog.Debug("measurement tool stderr", "pid", hd.Pid(), "line", scanner.Text())
	}
}

// waitProcess reaps the process and emits the single terminal event
// after all output has been delivered.
func (hd *Handle) waitProcess() {
	hd.readerWg.Wait()
	err := hd.cmd.Wait()

	state := hd.cmd.ProcessState
	exitCode := state.ExitCode()
	crashed := !state.Exited()

	if err != nil && !crashed {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			slog.Error("wait failed", "pid", hd.Pid(), "error", err)
		}
	}

	slog.Info("measurement tool exited",
		"pid", hd.Pid(),
		"exit_code", exitCode,
		"crashed", crashed,
	)

	close(hd.done)
	hd.events <- Event{Kind: EventFinished, ExitCode: exitCode, Crashed: crashed}
	close(hd.events)
}
