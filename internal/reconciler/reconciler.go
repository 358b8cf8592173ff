// Package reconciler ensures the two graph edges a measurement needs:
//
//	tool output  -> selected playback port
//	selected capture port -> tool input
//
// Tool ports and physical ports each appear asynchronously and in no
// particular order, so reconciliation is a repeatable function of the
// graph's current state rather than a one-shot action. It is safe to
// invoke on every registration event; edges that already exist or whose
// endpoints are still missing are skipped without error.
package reconciler

import (
	"log/slog"

	"github.com/audiolab/latmeter/internal/graph"
	"github.com/audiolab/latmeter/internal/types"
)

// Attempt records the outcome of one edge this round.
type Attempt struct {
	Source string
	Dest   string
	// Created is true if the connect call was issued and succeeded
	Created bool
	// Skipped explains why no connect call was issued, if so
	Skipped string
	// Err holds a swallowed connect failure
	Err error
}

// Reconciler connects selected physical ports to the tool's ports.
type Reconciler struct {
	graph   graph.Service
	toolIn  string
	toolOut string
}

// New creates a reconciler for the given tool port names.
func New(g graph.Service, toolIn, toolOut string) *Reconciler {
	return &Reconciler{graph: g, toolIn: toolIn, toolOut: toolOut}
}

// Reconcile attempts both edges for the pair against current graph
// state. With an incomplete pair it is a no-op; that is a normal
// not-ready-yet condition, not an error. Per-edge failures are logged
// and swallowed so the other edge still gets its attempt.
func (r *Reconciler) Reconcile(pair types.SelectedPair) []Attempt {
	if !pair.Complete() {
		slog.Debug("reconcile skipped, port pair incomplete",
			"capture", pair.CapturePort,
			"playback", pair.PlaybackPort,
		)
		return nil
	}

	live, err := r.graph.Ports(graph.PortFilter{Audio: true})
	if err != nil {
		slog.Warn("reconcile: failed to list graph ports", "error", err)
		return nil
	}
	present := make(map[string]bool, len(live))
	for _, p := range live {
		present[p.Name] = true
	}

	return []Attempt{
		r.ensureEdge(present, r.toolOut, pair.PlaybackPort),
		r.ensureEdge(present, pair.CapturePort, r.toolIn),
	}
}

// ensureEdge issues at most one connect call for the edge, skipping
// when an endpoint is absent or the edge already exists.
func (r *Reconciler) ensureEdge(present map[string]bool, source, dest string) Attempt {
	a := Attempt{Source: source, Dest: dest}

	if !present[source] {
		a.Skipped = "source port not registered yet"
		slog.Debug("reconcile: edge skipped", "source", source, "dest", dest, "reason", a.Skipped)
		return a
	}
	if !present[dest] {
		a.Skipped = "destination port not registered yet"
		slog.Debug("reconcile: edge skipped", "source", source, "dest", dest, "reason", a.Skipped)
		return a
	}

	// Query existing connections first; connecting twice is never an
	// error worth surfacing. If the query itself fails, try the connect
	// anyway and let the server decide.
	dests, err := r.graph.Connections(source)
	if err == nil {
		for _, d := range dests {
			if d == dest {
				a.Skipped = "already connected"
				slog.Debug("reconcile: edge exists", "source", source, "dest", dest)
				return a
			}
		}
	} else {
		slog.Debug("reconcile: connection query failed, connecting anyway",
			"source", source, "error", err)
	}

	if err := r.graph.Connect(source, dest); err != nil {
		a.Err = err
		slog.Warn("reconcile: connect failed", "source", source, "dest", dest, "error", err)
		return a
	}

	a.Created = true
	slog.Info("reconcile: connected", "source", source, "dest", dest)
	return a
}
