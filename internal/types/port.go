package types

// Direction indicates which way audio flows through a port,
// seen from the graph's point of view.
type Direction int

const (
	// Input ports receive audio (playback side of a physical interface).
	Input Direction = iota
	// Output ports produce audio (capture side of a physical interface).
	Output
)

// String returns a human-readable direction name
func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Port is a single endpoint in the audio graph.
// Identity is the name; two ports with the same name are the same port.
type Port struct {
	// Name is the fully qualified graph name, e.g. "system:capture_1"
	Name string
	// Direction is the port's flow direction
	Direction Direction
	// Physical is true for ports backed by real hardware
	Physical bool
}

// SelectedPair is the caller's port intent for a measurement.
// Either side may be empty; selection is sticky across sessions and
// restored by name when the port list changes.
type SelectedPair struct {
	// CapturePort is the physical capture port name (graph output)
	CapturePort string
	// PlaybackPort is the physical playback port name (graph input)
	PlaybackPort string
}

// Complete reports whether both sides of the pair are selected.
func (p SelectedPair) Complete() bool {
	return p.CapturePort != "" && p.PlaybackPort != ""
}
