// Package core implements the measurement controller: a single-threaded
// event loop that owns session state and drives the process host, the
// output parser, and the connection reconciler.
//
// Graph registration callbacks arrive on the graph service's thread and
// process events on the host's reader goroutines; both are marshalled
// into one channel consumed exclusively by the loop, so no two handlers
// ever run concurrently against controller state.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolab/latmeter/internal/config"
	"github.com/audiolab/latmeter/internal/graph"
	"github.com/audiolab/latmeter/internal/parser"
	"github.com/audiolab/latmeter/internal/prochost"
	"github.com/audiolab/latmeter/internal/reconciler"
	"github.com/audiolab/latmeter/internal/statusbus"
	"github.com/audiolab/latmeter/internal/types"
)

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evSetMode
	evSelectCapture
	evSelectPlayback
	evRefreshPorts
	evPortRegistered
	evReconcileDue
	evRefreshDue
	evDeadline
	evProc
)

// event is the loop's single marshalled input type.
type event struct {
	kind       eventKind
	mode       types.Mode
	name       string
	port       types.Port
	registered bool
	generation uint64
	proc       prochost.Event
}

// Controller owns measurement session state. All mutation happens on
// the Run loop goroutine; public methods only post events.
type Controller struct {
	cfg   *config.Config
	graph graph.Service
	host  *prochost.Host
	recon *reconciler.Reconciler
	bus   *statusbus.Bus

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	// Loop-owned state, never touched off the loop goroutine.
	sess          *session
	pair          types.SelectedPair
	mode          types.Mode
	state         types.SessionState
	generation    uint64
	deadlineTimer *time.Timer

	// Snapshot mirror for the health endpoint.
	mu        sync.RWMutex
	started   time.Time
	isRunning bool
	snapshot  Snapshot
}

// Snapshot is the controller state visible to the health endpoint.
type Snapshot struct {
	State            types.SessionState
	SessionID        string
	Mode             types.Mode
	Samples          int
	SelectedCapture  string
	SelectedPlayback string
}

// New creates a controller. The status bus is the observer sink: all
// user-visible text, control toggles, and port-list refreshes go
// through it.
func New(cfg *config.Config, g graph.Service, bus *statusbus.Bus) *Controller {
	c := &Controller{
		cfg:    cfg,
		graph:  g,
		host:   prochost.New(cfg.StopGrace()),
		bus:    bus,
		events: make(chan event, 256),
		done:   make(chan struct{}),
		mode:   types.ParseMode(cfg.Measure.Mode),
		pair: types.SelectedPair{
			CapturePort:  cfg.Ports.Capture,
			PlaybackPort: cfg.Ports.Playback,
		},
	}
	c.recon = reconciler.New(g, cfg.Tool.InPort, cfg.Tool.OutPort)
	return c
}

// Start begins a measurement session. No-op while one is in progress.
func (c *Controller) Start() { c.post(event{kind: evStart}) }

// Stop requests graceful termination of the current session. Idempotent
// from any state.
func (c *Controller) Stop() { c.post(event{kind: evStop}) }

// SetMode selects the output mode for the next session.
func (c *Controller) SetMode(m types.Mode) { c.post(event{kind: evSetMode, mode: m}) }

// SelectCapturePort sets the capture side of the selected pair and
// immediately attempts reconciliation.
func (c *Controller) SelectCapturePort(name string) {
	c.post(event{kind: evSelectCapture, name: name})
}

// SelectPlaybackPort sets the playback side of the selected pair and
// immediately attempts reconciliation.
func (c *Controller) SelectPlaybackPort(name string) {
	c.post(event{kind: evSelectPlayback, name: name})
}

// RefreshPorts publishes a port-list refresh to the observer sink.
func (c *Controller) RefreshPorts() { c.post(event{kind: evRefreshPorts}) }

// post marshals an event into the loop. Callers on foreign threads
// (graph callbacks, timer goroutines) block at most until shutdown.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Run consumes events until the context is cancelled, then shuts the
// current session down and returns.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return fmt.Errorf("controller is already running")
	}
	c.isRunning = true
	c.started = time.Now()
	c.snapshot = Snapshot{
		State:            types.Idle,
		Mode:             c.mode,
		SelectedCapture:  c.pair.CapturePort,
		SelectedPlayback: c.pair.PlaybackPort,
	}
	c.mu.Unlock()

	c.graph.SetPortRegistrationCallback(func(p types.Port, registered bool) {
		c.post(event{kind: evPortRegistered, port: p, registered: registered})
	})

	slog.Info("measurement controller running",
		"mode", c.mode.String(),
		"window", c.cfg.Window(),
		"debounce", c.cfg.Debounce(),
	)

	c.bus.Publish(statusbus.Event{Kind: statusbus.ControlState, CanStart: true})
	c.publishPortList()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// handle dispatches one marshalled event. Runs only on the loop
// goroutine.
func (c *Controller) handle(ev event) {
	switch ev.kind {
	case evStart:
		c.handleStart()
	case evStop:
		c.requestStop()
	case evSetMode:
		c.mode = ev.mode
		c.updateSnapshot(func(s *Snapshot) { s.Mode = ev.mode })
		slog.Debug("mode selected", "mode", ev.mode.String())
	case evSelectCapture:
		c.pair.CapturePort = ev.name
		c.updateSnapshot(func(s *Snapshot) { s.SelectedCapture = ev.name })
		slog.Info("capture port selected", "port", ev.name)
		c.recon.Reconcile(c.pair)
	case evSelectPlayback:
		c.pair.PlaybackPort = ev.name
		c.updateSnapshot(func(s *Snapshot) { s.SelectedPlayback = ev.name })
		slog.Info("playback port selected", "port", ev.name)
		c.recon.Reconcile(c.pair)
	case evRefreshPorts, evRefreshDue:
		c.publishPortList()
	case evPortRegistered:
		c.handlePortRegistration(ev.port, ev.registered)
	case evReconcileDue:
		if c.sess != nil && ev.generation == c.sess.generation {
			c.recon.Reconcile(c.pair)
		}
	case evDeadline:
		if c.sess != nil && ev.generation == c.sess.generation {
			slog.Info("measurement window elapsed", "session_id", c.sess.id)
			c.requestStop()
		}
	case evProc:
		c.handleProc(ev)
	}
}

// handleStart resolves the binary, spawns the tool, and creates the
// session. Only valid from Idle; a live session makes it a no-op.
func (c *Controller) handleStart() {
	if c.sess != nil {
		c.bus.Publish(statusbus.Event{Kind: statusbus.StatusAppend, Text: "Test already in progress."})
		return
	}

	mode := c.mode
	if mode == types.Raw {
		c.bus.Publish(statusbus.Event{
			Kind: statusbus.StatusReplace,
			Text: "Starting latency test (Raw Output)...\nSelect ports if not already selected.\nAttempting auto-connection...",
		})
	} else {
		c.bus.Publish(statusbus.Event{
			Kind: statusbus.StatusReplace,
			Text: "Starting latency test (Average)...\nSelect ports if not already selected.\nAttempting auto-connection...\nWaiting for measurement signal...",
		})
	}

	path, err := c.host.ResolveBinary(c.cfg.Tool.Candidates)
	if err != nil {
		if errors.Is(err, prochost.ErrBinaryNotFound) {
			c.bus.Publish(statusbus.Event{
				Kind: statusbus.StatusReplace,
				Text: fmt.Sprintf("Error: no measurement tool found (tried %s).\n"+
					"Depending on your distribution, install jack-delay, jack_delay or jack-example-tools (jack_iodelay).",
					strings.Join(c.cfg.Tool.Candidates, ", ")),
			})
		} else {
			c.bus.Publish(statusbus.Event{
				Kind: statusbus.StatusReplace,
				Text: fmt.Sprintf("Error resolving measurement tool: %v", err),
			})
		}
		c.bus.Publish(statusbus.Event{Kind: statusbus.ControlState, CanStart: true})
		return
	}

	c.generation++
	c.setState(types.Starting)
	c.bus.Publish(statusbus.Event{Kind: statusbus.ControlState, CanStop: true})

	handle, err := c.host.Start(path)
	if err != nil {
		c.bus.Publish(statusbus.Event{
			Kind: statusbus.StatusReplace,
			Text: fmt.Sprintf("Error starting measurement tool: %v", err),
		})
		c.bus.Publish(statusbus.Event{Kind: statusbus.ControlState, CanStart: true})
		c.setState(types.Idle)
		return
	}

	s := &session{
		id:         uuid.New().String(),
		generation: c.generation,
		mode:       mode,
		parser:     parser.New(mode),
		handle:     handle,
	}
	c.sess = s
	c.updateSnapshot(func(snap *Snapshot) {
		snap.SessionID = s.id
		snap.Samples = 0
	})

	if mode == types.Raw {
		c.setState(types.Streaming)
	} else {
		c.setState(types.WaitingForSignal)
	}

	slog.Info("measurement session started",
		"session_id", s.id,
		"mode", mode.String(),
		"tool", path,
		"pid", handle.Pid(),
	)

	// Forward process events into the loop, tagged with the session
	// generation so a stale handle can never touch a newer session.
	gen := s.generation
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for pe := range handle.Events() {
			c.post(event{kind: evProc, generation: gen, proc: pe})
		}
	}()

	// The tool's ports may already exist from a previous run; the usual
	// path is the registration event, but an immediate attempt is
	// harmless either way.
	c.recon.Reconcile(c.pair)
}

// requestStop transitions to Finalizing and asks the host for a
// graceful stop. Safe to call repeatedly and with no session.
func (c *Controller) requestStop() {
	s := c.sess
	if s == nil || s.stopRequested {
		return
	}
	s.stopRequested = true
	c.cancelDeadline()
	c.setState(types.Finalizing)
	c.bus.Publish(statusbus.Event{Kind: statusbus.StatusAppend, Text: "Stopping test..."})

	// Stop blocks until exit is confirmed; run it off the loop so
	// output events keep draining meanwhile.
	h := s.handle
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h.Stop()
	}()
}

// handleProc consumes one process event for the current session.
func (c *Controller) handleProc(ev event) {
	s := c.sess
	if s == nil || ev.generation != s.generation {
		// Event from an already-finalized session.
		return
	}

	switch ev.proc.Kind {
	case prochost.EventOutput:
		for _, pev := range s.parser.Feed(ev.proc.Chunk) {
			switch pev.Kind {
			case parser.EventConnectionSignal:
				if c.state == types.WaitingForSignal {
					c.setState(types.Measuring)
					c.bus.Publish(statusbus.Event{
						Kind:      statusbus.StatusReplace,
						SessionID: s.id,
						Text:      "Connection detected. Running test...",
					})
					c.armDeadline(s.generation)
					slog.Info("measurement signal detected", "session_id", s.id, "window", c.cfg.Window())
				}
			case parser.EventSample:
				if c.state == types.Measuring {
					s.samples = append(s.samples, pev.Sample)
					c.updateSnapshot(func(snap *Snapshot) { snap.Samples = len(s.samples) })
				}
			case parser.EventRawText:
				c.bus.Publish(statusbus.Event{
					Kind:      statusbus.RawOutput,
					SessionID: s.id,
					Text:      pev.Text,
				})
			}
		}

	case prochost.EventRuntimeError:
		// Non-fatal: report, request stop, and let the Finished event
		// drive the single finalization.
		slog.Error("measurement tool runtime error", "session_id", s.id, "error", ev.proc.Err)
		c.bus.Publish(statusbus.Event{
			Kind:      statusbus.StatusAppend,
			SessionID: s.id,
			Text:      fmt.Sprintf("Error running measurement tool: %v", ev.proc.Err),
		})
		c.requestStop()

	case prochost.EventFinished:
		c.finalize(ev.proc.ExitCode, ev.proc.Crashed)
	}
}

// finalize computes and publishes the session result and returns the
// controller to Idle.
func (c *Controller) finalize(exitCode int, crashed bool) {
	s := c.sess
	if s == nil {
		return
	}
	c.cancelDeadline()
	c.setState(types.Finalizing)

	msg, stats := s.finalMessage(exitCode, crashed)
	if stats != nil {
		slog.Info("measurement complete",
			"session_id", s.id,
			"samples", stats.Count,
			"frames_mean", stats.FramesMean,
			"ms_mean", stats.MSMean,
			"ms_min", stats.MSMin,
			"ms_max", stats.MSMax,
			"ms_stddev", stats.MSStdDev,
		)
	} else {
		slog.Info("measurement session ended",
			"session_id", s.id,
			"exit_code", exitCode,
			"crashed", crashed,
			"samples", len(s.samples),
		)
	}

	c.bus.Publish(statusbus.Event{Kind: statusbus.Result, SessionID: s.id, Text: msg})
	c.bus.Publish(statusbus.Event{Kind: statusbus.ControlState, CanStart: true})

	c.sess = nil
	c.updateSnapshot(func(snap *Snapshot) {
		snap.SessionID = ""
		snap.Samples = 0
	})
	c.setState(types.Idle)
}

// handlePortRegistration reacts to graph topology changes: tool ports
// trigger a debounced reconcile, system-level ports a debounced
// port-list refresh. Repeats are not deduplicated; reconciliation is
// idempotent so repeating it is harmless.
func (c *Controller) handlePortRegistration(p types.Port, registered bool) {
	if registered && (p.Name == c.cfg.Tool.InPort || p.Name == c.cfg.Tool.OutPort) {
		slog.Debug("tool port registered, scheduling reconcile", "port", p.Name)
		if c.sess != nil {
			gen := c.sess.generation
			time.AfterFunc(c.cfg.Debounce(), func() {
				c.post(event{kind: evReconcileDue, generation: gen})
			})
		}
	}

	if isSystemPortName(p.Name) {
		slog.Debug("system port changed, scheduling port list refresh",
			"port", p.Name, "registered", registered)
		time.AfterFunc(c.cfg.Debounce(), func() {
			c.post(event{kind: evRefreshDue})
		})
	}
}

// isSystemPortName reports whether a port name indicates a
// physical/system-level endpoint.
func isSystemPortName(name string) bool {
	return strings.Contains(name, "system:") ||
		strings.Contains(name, "alsa_input") ||
		strings.Contains(name, "alsa_output")
}

// publishPortList queries current physical ports and publishes them
// with the previous selections for restoration by name.
func (c *Controller) publishPortList() {
	capture, err := c.graph.Ports(graph.PortFilter{Physical: true, Audio: true, Output: true})
	if err != nil {
		c.bus.Publish(statusbus.Event{
			Kind: statusbus.StatusAppend,
			Text: fmt.Sprintf("Error getting graph ports: %v", err),
		})
		return
	}
	playback, err := c.graph.Ports(graph.PortFilter{Physical: true, Audio: true, Input: true})
	if err != nil {
		c.bus.Publish(statusbus.Event{
			Kind: statusbus.StatusAppend,
			Text: fmt.Sprintf("Error getting graph ports: %v", err),
		})
		return
	}

	list := &statusbus.PortList{
		SelectedCapture:  c.pair.CapturePort,
		SelectedPlayback: c.pair.PlaybackPort,
	}
	for _, p := range capture {
		list.Capture = append(list.Capture, p.Name)
	}
	for _, p := range playback {
		list.Playback = append(list.Playback, p.Name)
	}

	c.bus.Publish(statusbus.Event{Kind: statusbus.PortListRefresh, Ports: list})
}

// armDeadline starts the one-shot measurement window for the given
// session generation.
func (c *Controller) armDeadline(gen uint64) {
	c.cancelDeadline()
	c.deadlineTimer = time.AfterFunc(c.cfg.Window(), func() {
		c.post(event{kind: evDeadline, generation: gen})
	})
}

// cancelDeadline stops any pending measurement deadline.
func (c *Controller) cancelDeadline() {
	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
		c.deadlineTimer = nil
	}
}

// setState updates the loop-owned state and its health snapshot mirror.
func (c *Controller) setState(s types.SessionState) {
	if c.state == s {
		return
	}
	slog.Debug("session state changed", "from", c.state.String(), "to", s.String())
	c.state = s
	c.updateSnapshot(func(snap *Snapshot) { snap.State = s })
	c.bus.Publish(statusbus.Event{Kind: statusbus.StateChange, State: s})
}

// updateSnapshot mutates the health snapshot under the mirror lock.
func (c *Controller) updateSnapshot(fn func(*Snapshot)) {
	c.mu.Lock()
	fn(&c.snapshot)
	c.mu.Unlock()
}

// shutdown stops the current session, drains its terminal event, and
// releases the loop's goroutines.
func (c *Controller) shutdown() {
	slog.Info("measurement controller shutting down")

	if c.sess != nil {
		c.requestStop()

		// Drain until the session finalizes so the tool is confirmed
		// gone; bounded in case the host never reports back.
		timeout := time.After(2*c.cfg.StopGrace() + 2*time.Second)
		for c.sess != nil {
			select {
			case ev := <-c.events:
				if ev.kind == evProc {
					c.handleProc(ev)
				}
			case <-timeout:
				slog.Warn("timed out waiting for session to finalize")
				c.sess = nil
				c.setState(types.Idle)
			}
		}
	}

	close(c.done)
	c.wg.Wait()

	c.mu.Lock()
	c.isRunning = false
	uptime := time.Since(c.started)
	c.mu.Unlock()

	slog.Info("measurement controller stopped", "uptime", uptime)
}
