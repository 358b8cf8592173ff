package graph

import (
	"testing"
	"time"

	"github.com/audiolab/latmeter/internal/types"
)

func capturePort(name string) types.Port {
	return types.Port{Name: name, Direction: types.Output, Physical: true}
}

func playbackPort(name string) types.Port {
	return types.Port{Name: name, Direction: types.Input, Physical: true}
}

// TestPortsFilter verifies physical/direction filtering.
func TestPortsFilter(t *testing.T) {
	g := NewSim(
		capturePort("system:capture_1"),
		playbackPort("system:playback_1"),
		types.Port{Name: "jack_delay:out", Direction: types.Output},
	)
	defer g.Close()

	physOut, err := g.Ports(PortFilter{Physical: true, Audio: true, Output: true})
	if err != nil {
		t.Fatalf("Ports failed: %v", err)
	}
	if len(physOut) != 1 || physOut[0].Name != "system:capture_1" {
		t.Errorf("physical outputs = %v, want [system:capture_1]", physOut)
	}

	inputs, err := g.Ports(PortFilter{Input: true})
	if err != nil {
		t.Fatalf("Ports failed: %v", err)
	}
	if len(inputs) != 1 || inputs[0].Name != "system:playback_1" {
		t.Errorf("inputs = %v, want [system:playback_1]", inputs)
	}
}

// TestConnectRejectsDuplicate verifies real-server semantics: a second
// connect of the same edge is an error.
func TestConnectRejectsDuplicate(t *testing.T) {
	g := NewSim(capturePort("a"), playbackPort("b"))
	defer g.Close()

	if err := g.Connect("a", "b"); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if err := g.Connect("a", "b"); err == nil {
		t.Error("duplicate connect did not fail")
	}

	dests, err := g.Connections("a")
	if err != nil {
		t.Fatalf("Connections failed: %v", err)
	}
	if len(dests) != 1 || dests[0] != "b" {
		t.Errorf("connections = %v, want [b]", dests)
	}
}

// TestRegistrationCallbackDelivered verifies AddPort fires the callback
// off the caller's goroutine.
func TestRegistrationCallbackDelivered(t *testing.T) {
	g := NewSim()
	defer g.Close()

	got := make(chan types.Port, 1)
	g.SetPortRegistrationCallback(func(p types.Port, registered bool) {
		if registered {
			got <- p
		}
	})

	g.AddPort(capturePort("system:capture_1"))

	select {
	case p := <-got:
		if p.Name != "system:capture_1" {
			t.Errorf("callback port = %q, want system:capture_1", p.Name)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for registration callback")
	}
}

// TestCloseStopsCallbacks verifies no callbacks fire after Close.
func TestCloseStopsCallbacks(t *testing.T) {
	g := NewSim()
	fired := make(chan struct{}, 1)
	g.SetPortRegistrationCallback(func(types.Port, bool) {
		fired <- struct{}{}
	})

	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	g.AddPort(capturePort("late"))

	select {
	case <-fired:
		t.Error("callback fired after Close")
	case <-time.After(100 * time.Millisecond):
	}
}
