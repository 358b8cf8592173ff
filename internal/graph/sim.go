package graph

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/audiolab/latmeter/internal/types"
)

// SimGraph is an in-process graph used when no real audio server is
// reachable, and by tests. It keeps ports and connections in memory and
// delivers registration callbacks from its own goroutine, the same way
// a real server delivers them from a foreign thread.
type SimGraph struct {
	mu          sync.RWMutex
	ports       map[string]types.Port
	connections map[string][]string // source name -> dest names
	callback    RegistrationFunc
	closed      bool

	// callbackWg lets Close wait for in-flight callback deliveries
	callbackWg sync.WaitGroup
}

// NewSim creates a simulated graph seeded with the given ports.
func NewSim(seed ...types.Port) *SimGraph {
	g := &SimGraph{
		ports:       make(map[string]types.Port),
		connections: make(map[string][]string),
	}
	for _, p := range seed {
		g.ports[p.Name] = p
	}
	return g
}

// Ports lists current ports matching the filter, sorted by name.
func (g *SimGraph) Ports(filter PortFilter) ([]types.Port, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil, fmt.Errorf("graph closed")
	}

	var out []types.Port
	for _, p := range g.ports {
		if filter.Physical && !p.Physical {
			continue
		}
		if filter.Input && p.Direction != types.Input {
			continue
		}
		if filter.Output && !filter.Input && p.Direction != types.Output {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Connections lists destinations the source port is connected to.
func (g *SimGraph) Connections(sourcePort string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil, fmt.Errorf("graph closed")
	}
	if _, ok := g.ports[sourcePort]; !ok {
		return nil, fmt.Errorf("unknown port %q", sourcePort)
	}

	dests := g.connections[sourcePort]
	out := make([]string, len(dests))
	copy(out, dests)
	return out, nil
}

// Connect creates a directed edge. Both ports must exist and the edge
// must not already be present, matching real server semantics.
func (g *SimGraph) Connect(source, dest string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return fmt.Errorf("graph closed")
	}
	if _, ok := g.ports[source]; !ok {
		return fmt.Errorf("unknown source port %q", source)
	}
	if _, ok := g.ports[dest]; !ok {
		return fmt.Errorf("unknown destination port %q", dest)
	}
	for _, d := range g.connections[source] {
		if d == dest {
			return fmt.Errorf("ports %q and %q already connected", source, dest)
		}
	}

	g.connections[source] = append(g.connections[source], dest)
	slog.Debug("sim graph: connected", "source", source, "dest", dest)
	return nil
}

// SetPortRegistrationCallback installs the registration callback.
func (g *SimGraph) SetPortRegistrationCallback(fn RegistrationFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callback = fn
}

// AddPort registers a new port and delivers the callback from a
// separate goroutine, mimicking a foreign notification thread.
func (g *SimGraph) AddPort(p types.Port) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.ports[p.Name] = p
	fn := g.callback
	if fn != nil {
		g.callbackWg.Add(1)
	}
	g.mu.Unlock()

	if fn != nil {
		go func() {
			defer g.callbackWg.Done()
			fn(p, true)
		}()
	}
}

// RemovePort unregisters a port, drops its edges, and delivers the
// callback from a separate goroutine.
func (g *SimGraph) RemovePort(name string) {
	g.mu.Lock()
	p, ok := g.ports[name]
	if !ok || g.closed {
		g.mu.Unlock()
		return
	}
	delete(g.ports, name)
	delete(g.connections, name)
	for src, dests := range g.connections {
		kept := dests[:0]
		for _, d := range dests {
			if d != name {
				kept = append(kept, d)
			}
		}
		g.connections[src] = kept
	}
	fn := g.callback
	if fn != nil {
		g.callbackWg.Add(1)
	}
	g.mu.Unlock()

	if fn != nil {
		go func() {
			defer g.callbackWg.Done()
			fn(p, false)
		}()
	}
}

// Close stops callback delivery and rejects further queries.
func (g *SimGraph) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.callback = nil
	g.mu.Unlock()

	g.callbackWg.Wait()
	slog.Debug("sim graph closed")
	return nil
}
