// Package parser converts the latency tool's raw stdout stream into
// discrete measurement events.
//
// The tool writes one reading per line, e.g.:
//
//	  546.798 frames     11.392 ms
//
// Chunks arrive at arbitrary byte boundaries and may split a line; the
// parser keeps the trailing partial line buffered between Feed calls so
// the emitted events are identical no matter how the stream is chunked.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/audiolab/latmeter/internal/types"
)

var (
	// signalPattern matches any millisecond reading at all. The first hit
	// means the tool is measuring a live loopback rather than silence.
	signalPattern = regexp.MustCompile(`\d+\.\d+\s+ms`)

	// samplePattern captures a full reading: frame count plus millisecond
	// value on the same line. A line matching samplePattern also matches
	// signalPattern; both checks run independently on purpose.
	samplePattern = regexp.MustCompile(`(\d+\.\d+)\s+frames\s+(\d+\.\d+)\s+ms`)
)

// EventKind discriminates parser events.
type EventKind int

const (
	// EventSample carries one parsed latency reading
	EventSample EventKind = iota
	// EventConnectionSignal is emitted once, on the first millisecond reading
	EventConnectionSignal
	// EventRawText carries a verbatim output chunk (Raw mode only)
	EventRawText
)

// Event is a single parsed output event.
type Event struct {
	Kind   EventKind
	Sample types.MeasurementSample // set for EventSample
	Text   string                  // set for EventRawText
}

// Stats counts what the parser has seen so far.
type Stats struct {
	ChunksFed      uint64
	LinesScanned   uint64
	SamplesEmitted uint64
	LinesDiscarded uint64
}

// Parser is an incremental text-to-event converter. Not safe for
// concurrent use; the controller feeds it from its single event loop.
type Parser struct {
	mode           types.Mode
	lineBuf        strings.Builder
	connectionSeen bool
	stats          Stats
}

// New creates a parser for the given mode.
func New(mode types.Mode) *Parser {
	return &Parser{mode: mode}
}

// Feed decodes a stdout chunk and returns the events it completes.
// In Raw mode every chunk is forwarded verbatim and no matching occurs.
// Malformed bytes are passed through best-effort; they can only ever
// fail the pattern match, never abort the stream.
func (p *Parser) Feed(chunk []byte) []Event {
	p.stats.ChunksFed++

	if p.mode == types.Raw {
		return []Event{{Kind: EventRawText, Text: string(chunk)}}
	}

	p.lineBuf.Write(chunk)
	buffered := p.lineBuf.String()

	idx := strings.LastIndexByte(buffered, '\n')
	if idx < 0 {
		// No complete line yet, keep accumulating.
		return nil
	}

	complete := buffered[:idx]
	rest := buffered[idx+1:]
	p.lineBuf.Reset()
	p.lineBuf.WriteString(rest)

	var events []Event
	for _, line := range strings.Split(complete, "\n") {
		line = strings.TrimSuffix(line, "\r")
		p.stats.LinesScanned++

		if !p.connectionSeen && signalPattern.MatchString(line) {
			p.connectionSeen = true
			events = append(events, Event{Kind: EventConnectionSignal})
		}

		m := samplePattern.FindStringSubmatch(line)
		if m == nil {
			p.stats.LinesDiscarded++
			continue
		}

		frames, errF := strconv.ParseFloat(m[1], 64)
		ms, errM := strconv.ParseFloat(m[2], 64)
		if errF != nil || errM != nil {
			// Matched shape but unparseable numbers; drop the line and
			// keep going.
			p.stats.LinesDiscarded++
			continue
		}

		p.stats.SamplesEmitted++
		events = append(events, Event{
			Kind:   EventSample,
			Sample: types.MeasurementSample{Frames: frames, Milliseconds: ms},
		})
	}

	return events
}

// ConnectionSeen reports whether the loose millisecond pattern has
// matched at least once since the parser was created.
func (p *Parser) ConnectionSeen() bool {
	return p.connectionSeen
}

// Stats returns a copy of the parse counters.
func (p *Parser) Stats() Stats {
	return p.stats
}
