package types

// Mode selects how the tool's output is handled.
type Mode int

const (
	// Average collects samples for a fixed window and reports their mean.
	Average Mode = iota
	// Raw forwards the tool's output verbatim and never aggregates.
	Raw
)

// String returns a human-readable mode name
func (m Mode) String() string {
	if m == Raw {
		return "raw"
	}
	return "average"
}

// ParseMode converts a config/flag string to a Mode.
// Unknown values fall back to Average.
func ParseMode(s string) Mode {
	if s == "raw" {
		return Raw
	}
	return Average
}

// SessionState is the measurement controller's state machine position.
type SessionState int

const (
	// Idle means no session exists; initial and terminal state
	Idle SessionState = iota
	// Starting means the tool process has been requested but not confirmed up
	Starting
	// WaitingForSignal means the tool is up but has not reported against a
	// live loopback yet (Average mode only)
	WaitingForSignal
	// Measuring means samples are being collected (Average mode only)
	Measuring
	// Streaming means raw output is being forwarded (Raw mode only)
	Streaming
	// Finalizing means a stop has been requested and the result is being computed
	Finalizing
)

// String returns a human-readable state name
func (s SessionState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case WaitingForSignal:
		return "waiting_for_signal"
	case Measuring:
		return "measuring"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	default:
		return "unknown"
	}
}

// MeasurementSample is one parsed latency reading from the tool's output.
type MeasurementSample struct {
	// Frames is the round-trip latency in frames
	Frames float64
	// Milliseconds is the round-trip latency in milliseconds
	Milliseconds float64
}
