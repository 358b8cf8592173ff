// Package graph defines the audio-graph service consumed by the
// measurement controller.
//
// The live port/connection topology is owned entirely by the graph
// server; callers never cache it as authoritative. Registration
// callbacks are delivered from the graph's own thread and must be
// marshalled into the caller's loop before touching any state.
package graph

import "github.com/audiolab/latmeter/internal/types"

// PortFilter narrows a Ports query. Zero-value fields do not filter;
// Input and Output are mutually exclusive when both set (Input wins).
type PortFilter struct {
	// Physical restricts to hardware-backed ports
	Physical bool
	// Audio restricts to audio ports (as opposed to MIDI/event ports)
	Audio bool
	// Input restricts to ports that receive audio
	Input bool
	// Output restricts to ports that produce audio
	Output bool
}

// RegistrationFunc is invoked for every port registration or
// unregistration. registered is false on unregistration.
//
// The callback runs on the graph service's own thread.
type RegistrationFunc func(port types.Port, registered bool)

// Service is the audio-graph contract.
type Service interface {
	// Ports lists ports currently present in the graph
	Ports(filter PortFilter) ([]types.Port, error)

	// Connections lists the destination port names the given source
	// port is currently connected to
	Connections(sourcePort string) ([]string, error)

	// Connect creates a directed edge from source to dest. Connecting
	// an already-connected pair is an error, as it is on a real server;
	// callers are expected to query Connections first.
	Connect(source, dest string) error

	// SetPortRegistrationCallback installs the registration callback.
	// Only one callback is supported; a later call replaces it.
	SetPortRegistrationCallback(fn RegistrationFunc)

	// Close detaches from the graph and stops callback delivery
	Close() error
}
