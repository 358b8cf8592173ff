package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolab/latmeter/internal/config"
	"github.com/audiolab/latmeter/internal/graph"
	"github.com/audiolab/latmeter/internal/statusbus"
	"github.com/audiolab/latmeter/internal/types"
)

// writeTool drops a shell script into dir under the given name so the
// binary resolver finds it via PATH.
func writeTool(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	// Restore the real PATH inside the script: tests later shrink PATH
	// to the temp dir so the resolver finds only this tool, which would
	// otherwise leave the script unable to find sleep/echo.
	script := "#!/bin/sh\nPATH='" + os.Getenv("PATH") + "'\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write tool script: %v", err)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Measure.StopGraceMS = 300
	cfg.Measure.DebounceMS = 10
	return cfg
}

type harness struct {
	ctrl   *Controller
	sim    *graph.SimGraph
	events chan statusbus.Event
	cancel context.CancelFunc
	ran    chan struct{}
}

// startController wires a controller against a simulated graph and a
// subscribed bus channel, and runs it until the test ends.
func startController(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	sim := graph.NewSim(
		types.Port{Name: "system:capture_1", Direction: types.Output, Physical: true},
		types.Port{Name: "system:playback_1", Direction: types.Input, Physical: true},
	)

	bus := statusbus.New()
	events := make(chan statusbus.Event, 128)
	if err := bus.Subscribe("test", events); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	ctrl := New(cfg, sim, bus)
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	go func() {
		defer close(ran)
		if err := ctrl.Run(ctx); err != nil {
			t.Errorf("controller run failed: %v", err)
		}
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Error("controller did not shut down")
		}
		bus.Close()
		sim.Close()
	})

	return &harness{ctrl: ctrl, sim: sim, events: events, cancel: cancel, ran: ran}
}

// waitForEvent blocks until an event satisfying match arrives.
func (h *harness) waitForEvent(t *testing.T, desc string, match func(statusbus.Event) bool) statusbus.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", desc)
			return statusbus.Event{}
		}
	}
}

func (h *harness) waitForResult(t *testing.T) statusbus.Event {
	t.Helper()
	return h.waitForEvent(t, "result", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.Result
	})
}

func TestAverageRunComputesResult(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `echo "   64.000 frames    1.333 ms"
echo "   64.000 frames    1.500 ms"`)
	t.Setenv("PATH", dir)

	h := startController(t, testConfig())
	h.ctrl.Start()

	res := h.waitForResult(t)
	want := "Round-trip latency (average): 64.000 frames / 1.417 ms"
	if res.Text != want {
		t.Errorf("result = %q, want %q", res.Text, want)
	}

	// Controller is back to accepting starts.
	h.waitForEvent(t, "can-start control state", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.ControlState && ev.CanStart
	})
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `exec sleep 10`)
	t.Setenv("PATH", dir)

	h := startController(t, testConfig())
	h.ctrl.Start()

	h.waitForEvent(t, "state change", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.StateChange && ev.State == types.WaitingForSignal
	})

	h.ctrl.Start()
	h.waitForEvent(t, "already-in-progress notice", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.StatusAppend && ev.Text == "Test already in progress."
	})

	h.ctrl.Stop()
	res := h.waitForResult(t)
	if res.Text != "Measurement stopped." {
		t.Errorf("result = %q, want %q", res.Text, "Measurement stopped.")
	}
}

func TestRawModeStreamsWithoutSamples(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `echo "   64.000 frames    1.333 ms"
exec sleep 10`)
	t.Setenv("PATH", dir)

	cfg := testConfig()
	cfg.Measure.Mode = "raw"

	h := startController(t, cfg)
	h.ctrl.Start()

	raw := h.waitForEvent(t, "raw output", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.RawOutput
	})
	if !strings.Contains(raw.Text, "64.000 frames") {
		t.Errorf("raw output = %q, expected tool text", raw.Text)
	}

	hc := h.ctrl.GetHealthCheck()
	if hc.Session.Samples != 0 {
		t.Errorf("raw session accumulated %d samples, want 0", hc.Session.Samples)
	}

	h.ctrl.Stop()
	res := h.waitForResult(t)
	if res.Text != "Measurement stopped." {
		t.Errorf("result = %q, want %q", res.Text, "Measurement stopped.")
	}
}

func TestCleanExitWithoutReadings(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `echo "initializing"`)
	t.Setenv("PATH", dir)

	h := startController(t, testConfig())
	h.ctrl.Start()

	res := h.waitForResult(t)
	want := "No valid latency readings obtained. Check connections."
	if res.Text != want {
		t.Errorf("result = %q, want %q", res.Text, want)
	}
}

func TestNonZeroExitReportsFailure(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `exit 3`)
	t.Setenv("PATH", dir)

	h := startController(t, testConfig())
	h.ctrl.Start()

	res := h.waitForResult(t)
	want := fmt.Sprintf("Test failed (Exit code: %d). Check connections.", 3)
	if res.Text != want {
		t.Errorf("result = %q, want %q", res.Text, want)
	}
}

func TestDoubleStopIsSafe(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `exec sleep 10`)
	t.Setenv("PATH", dir)

	h := startController(t, testConfig())
	h.ctrl.Start()

	h.waitForEvent(t, "state change", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.StateChange && ev.State == types.WaitingForSignal
	})

	h.ctrl.Stop()
	h.ctrl.Stop()

	res := h.waitForResult(t)
	if res.Text != "Measurement stopped." {
		t.Errorf("result = %q, want %q", res.Text, "Measurement stopped.")
	}

	// A second result would mean the session finalized twice.
	select {
	case ev := <-h.events:
		if ev.Kind == statusbus.Result {
			t.Errorf("unexpected second result: %q", ev.Text)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMissingBinaryLeavesIdle(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	h := startController(t, testConfig())
	h.ctrl.Start()

	ev := h.waitForEvent(t, "missing tool error", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.StatusReplace && strings.Contains(ev.Text, "no measurement tool found")
	})
	if !strings.Contains(ev.Text, "jack_delay") {
		t.Errorf("error text %q does not name the candidates", ev.Text)
	}

	h.waitForEvent(t, "can-start control state", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.ControlState && ev.CanStart
	})

	hc := h.ctrl.GetHealthCheck()
	if hc.Session.State != "idle" {
		t.Errorf("state = %q, want idle", hc.Session.State)
	}
}

func TestPortSelectionTriggersReconcile(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `exec sleep 10`)
	t.Setenv("PATH", dir)

	cfg := testConfig()
	h := startController(t, cfg)

	// Tool ports appear once the process registers with the graph.
	h.sim.AddPort(types.Port{Name: cfg.Tool.OutPort, Direction: types.Output})
	h.sim.AddPort(types.Port{Name: cfg.Tool.InPort, Direction: types.Input})

	h.ctrl.Start()
	h.waitForEvent(t, "state change", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.StateChange && ev.State == types.WaitingForSignal
	})

	h.ctrl.SelectCapturePort("system:capture_1")
	h.ctrl.SelectPlaybackPort("system:playback_1")

	ok := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conns, err := h.sim.Connections(cfg.Tool.OutPort)
		if err == nil && len(conns) == 1 && conns[0] == "system:playback_1" {
			ok = true
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !ok {
		t.Error("tool output was never connected to the selected playback port")
	}

	conns, err := h.sim.Connections("system:capture_1")
	if err != nil {
		t.Fatalf("connections query failed: %v", err)
	}
	if len(conns) != 1 || conns[0] != cfg.Tool.InPort {
		t.Errorf("capture connections = %v, want [%s]", conns, cfg.Tool.InPort)
	}

	h.ctrl.Stop()
	h.waitForResult(t)
}

func TestSystemPortChangeRefreshesList(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "jack_delay", `exec sleep 10`)
	t.Setenv("PATH", dir)

	cfg := testConfig()
	cfg.Ports.Playback = "system:playback_1"
	h := startController(t, cfg)

	// Initial refresh on startup.
	h.waitForEvent(t, "initial port list", func(ev statusbus.Event) bool {
		return ev.Kind == statusbus.PortListRefresh
	})

	h.sim.AddPort(types.Port{Name: "system:capture_2", Direction: types.Output, Physical: true})

	ev := h.waitForEvent(t, "refreshed port list", func(ev statusbus.Event) bool {
		if ev.Kind != statusbus.PortListRefresh || ev.Ports == nil {
			return false
		}
		for _, name := range ev.Ports.Capture {
			if name == "system:capture_2" {
				return true
			}
		}
		return false
	})
	if ev.Ports.SelectedPlayback == "" {
		t.Error("refreshed list lost the playback selection")
	}
}
