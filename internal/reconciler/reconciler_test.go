package reconciler

import (
	"errors"
	"testing"

	"github.com/audiolab/latmeter/internal/graph"
	"github.com/audiolab/latmeter/internal/types"
)

const (
	toolIn  = "jack_delay:in"
	toolOut = "jack_delay:out"
)

func fullGraph() *graph.SimGraph {
	return graph.NewSim(
		types.Port{Name: "system:capture_1", Direction: types.Output, Physical: true},
		types.Port{Name: "system:playback_1", Direction: types.Input, Physical: true},
		types.Port{Name: toolIn, Direction: types.Input},
		types.Port{Name: toolOut, Direction: types.Output},
	)
}

func selectedPair() types.SelectedPair {
	return types.SelectedPair{
		CapturePort:  "system:capture_1",
		PlaybackPort: "system:playback_1",
	}
}

func createdCount(attempts []Attempt) int {
	n := 0
	for _, a := range attempts {
		if a.Created {
			n++
		}
	}
	return n
}

// TestReconcileCreatesBothEdges verifies the two required edges are
// connected when all four ports exist.
func TestReconcileCreatesBothEdges(t *testing.T) {
	g := fullGraph()
	defer g.Close()
	r := New(g, toolIn, toolOut)

	attempts := r.Reconcile(selectedPair())
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}
	if createdCount(attempts) != 2 {
		t.Errorf("created %d edges, want 2: %+v", createdCount(attempts), attempts)
	}

	dests, err := g.Connections(toolOut)
	if err != nil || len(dests) != 1 || dests[0] != "system:playback_1" {
		t.Errorf("tool out connections = %v (%v), want [system:playback_1]", dests, err)
	}
	dests, err = g.Connections("system:capture_1")
	if err != nil || len(dests) != 1 || dests[0] != toolIn {
		t.Errorf("capture connections = %v (%v), want [%s]", dests, err, toolIn)
	}
}

// TestReconcileIdempotent verifies a second call with unchanged state
// issues zero new connect calls and reports no errors.
func TestReconcileIdempotent(t *testing.T) {
	g := fullGraph()
	defer g.Close()
	r := New(g, toolIn, toolOut)

	r.Reconcile(selectedPair())
	attempts := r.Reconcile(selectedPair())

	if createdCount(attempts) != 0 {
		t.Errorf("second reconcile created %d edges, want 0", createdCount(attempts))
	}
	for _, a := range attempts {
		if a.Err != nil {
			t.Errorf("second reconcile reported error on %s -> %s: %v", a.Source, a.Dest, a.Err)
		}
		if a.Skipped != "already connected" {
			t.Errorf("edge %s -> %s skipped for %q, want already connected", a.Source, a.Dest, a.Skipped)
		}
	}
}

// TestReconcileIncompletePair verifies a missing selection is a quiet
// no-op rather than an error.
func TestReconcileIncompletePair(t *testing.T) {
	g := fullGraph()
	defer g.Close()
	r := New(g, toolIn, toolOut)

	attempts := r.Reconcile(types.SelectedPair{CapturePort: "system:capture_1"})
	if attempts != nil {
		t.Errorf("incomplete pair produced attempts: %+v", attempts)
	}
}

// TestReconcileSkipsAbsentToolPorts verifies edges whose tool port has
// not registered yet are skipped this round, while the other edge still
// proceeds once its endpoints exist.
func TestReconcileSkipsAbsentToolPorts(t *testing.T) {
	g := graph.NewSim(
		types.Port{Name: "system:capture_1", Direction: types.Output, Physical: true},
		types.Port{Name: "system:playback_1", Direction: types.Input, Physical: true},
		types.Port{Name: toolIn, Direction: types.Input},
		// tool out not registered yet
	)
	defer g.Close()
	r := New(g, toolIn, toolOut)

	attempts := r.Reconcile(selectedPair())
	if len(attempts) != 2 {
		t.Fatalf("got %d attempts, want 2", len(attempts))
	}

	if attempts[0].Created || attempts[0].Err != nil {
		t.Errorf("absent tool out edge = %+v, want clean skip", attempts[0])
	}
	if !attempts[1].Created {
		t.Errorf("capture edge = %+v, want created", attempts[1])
	}

	// The missing port appears; the next round completes the pair.
	g.AddPort(types.Port{Name: toolOut, Direction: types.Output})
	attempts = r.Reconcile(selectedPair())
	if !attempts[0].Created {
		t.Errorf("tool out edge after registration = %+v, want created", attempts[0])
	}
	if attempts[1].Skipped != "already connected" {
		t.Errorf("capture edge second round = %+v, want already connected", attempts[1])
	}
}

// failingConnectGraph wraps a SimGraph and fails Connect for one
// specific source port.
type failingConnectGraph struct {
	*graph.SimGraph
	failSource string
}

func (g *failingConnectGraph) Connect(source, dest string) error {
	if source == g.failSource {
		return errors.New("injected connect failure")
	}
	return g.SimGraph.Connect(source, dest)
}

// TestReconcileSwallowsConnectFailure verifies one edge failing does
// not abort the other.
func TestReconcileSwallowsConnectFailure(t *testing.T) {
	sim := fullGraph()
	defer sim.Close()
	g := &failingConnectGraph{SimGraph: sim, failSource: toolOut}
	r := New(g, toolIn, toolOut)

	attempts := r.Reconcile(selectedPair())
	if attempts[0].Err == nil {
		t.Errorf("failing edge = %+v, want recorded error", attempts[0])
	}
	if !attempts[1].Created {
		t.Errorf("capture edge = %+v, want created despite other edge failing", attempts[1])
	}
}
