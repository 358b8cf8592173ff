package core

import (
	"fmt"

	"github.com/audiolab/latmeter/internal/parser"
	"github.com/audiolab/latmeter/internal/prochost"
	"github.com/audiolab/latmeter/internal/types"
)

// session holds the state of one measurement run. It owns no resources
// directly: the process belongs to prochost, timers to the controller.
// Only the controller's loop goroutine touches it.
type session struct {
	id         string
	generation uint64
	mode       types.Mode
	parser     *parser.Parser
	handle     *prochost.Handle
	samples    []types.MeasurementSample

	// stopRequested is set once a graceful stop has been issued so the
	// deadline and repeated stop calls become no-ops
	stopRequested bool
}

// finalMessage computes the user-visible result text for a finished
// session, distinguishing a clean run with no readings from a crash and
// from a non-zero exit.
func (s *session) finalMessage(exitCode int, crashed bool) (string, *LatencyStats) {
	if s.mode == types.Raw {
		return "Measurement stopped.", nil
	}

	if len(s.samples) > 0 {
		stats := CalculateLatencyStats(s.samples)
		msg := fmt.Sprintf("Round-trip latency (average): %.3f frames / %.3f ms",
			stats.FramesMean, stats.MSMean)
		return msg, stats
	}

	switch {
	case !crashed && exitCode == 0:
		return "No valid latency readings obtained. Check connections.", nil
	case crashed:
		return "Measurement stopped.", nil
	case exitCode != 0:
		return fmt.Sprintf("Test failed (Exit code: %d). Check connections.", exitCode), nil
	default:
		return "Test finished without valid readings.", nil
	}
}
