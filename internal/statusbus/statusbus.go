// Package statusbus distributes controller status events to observer
// sinks (console, MQTT emitter, UI layers).
//
// Publish never blocks: a sink that cannot keep up loses events and the
// drop is counted against that subscriber. The controller's event loop
// must never stall on a slow observer.
package statusbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/audiolab/latmeter/internal/types"
)

var (
	// ErrBusClosed is returned by Subscribe after Close
	ErrBusClosed = errors.New("status bus closed")
	// ErrSubscriberExists is returned for a duplicate subscriber id
	ErrSubscriberExists = errors.New("subscriber already registered")
	// ErrSubscriberNotFound is returned for an unknown subscriber id
	ErrSubscriberNotFound = errors.New("subscriber not found")
	// ErrNilChannel is returned when subscribing with a nil channel
	ErrNilChannel = errors.New("subscriber channel is nil")
)

// EventKind discriminates status events.
type EventKind int

const (
	// StatusReplace replaces the observer's whole status text
	StatusReplace EventKind = iota
	// StatusAppend appends a status line
	StatusAppend
	// RawOutput appends verbatim tool output (Raw mode)
	RawOutput
	// Result replaces the status text with the final measurement result
	Result
	// ControlState toggles start/stop control availability
	ControlState
	// PortListRefresh carries current port name lists plus the previous
	// selections so observers can restore selection by name
	PortListRefresh
	// StateChange reports a session state transition
	StateChange
)

func (k EventKind) String() string {
	switch k {
	case StatusReplace:
		return "status_replace"
	case StatusAppend:
		return "status_append"
	case RawOutput:
		return "raw_output"
	case Result:
		return "result"
	case ControlState:
		return "control_state"
	case PortListRefresh:
		return "port_list"
	case StateChange:
		return "state_change"
	}
	return "unknown"
}

// PortList is the payload of a PortListRefresh event.
type PortList struct {
	Capture          []string `json:"capture"`
	Playback         []string `json:"playback"`
	SelectedCapture  string   `json:"selected_capture,omitempty"`
	SelectedPlayback string   `json:"selected_playback,omitempty"`
}

// Event is a single status event.
type Event struct {
	Kind      EventKind          `json:"kind"`
	SessionID string             `json:"session_id,omitempty"`
	Text      string             `json:"text,omitempty"`
	CanStart  bool               `json:"can_start,omitempty"`
	CanStop   bool               `json:"can_stop,omitempty"`
	State     types.SessionState `json:"state,omitempty"`
	Ports     *PortList          `json:"ports,omitempty"`
}

// SubscriberStats counts deliveries per subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	id    string
	ch    chan<- Event
	stats *SubscriberStats
}

// Bus is a thread-safe status event fan-out.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[string]*subscriber
	totalPublished uint64
	closed         bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers a channel to receive events.
func (b *Bus) Subscribe(id string, ch chan<- Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if ch == nil {
		return ErrNilChannel
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}

	b.subscribers[id] = &subscriber{id: id, ch: ch, stats: &SubscriberStats{}}
	return nil
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subscribers, id)
	return nil
}

// Publish fans the event out to all subscribers, non-blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	atomic.AddUint64(&b.totalPublished, 1)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// Stats returns delivery counters for a subscriber.
func (b *Bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, exists := b.subscribers[id]
	if !exists {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{
		Sent:    atomic.LoadUint64(&sub.stats.Sent),
		Dropped: atomic.LoadUint64(&sub.stats.Dropped),
	}, nil
}

// TotalPublished returns the number of events published so far.
func (b *Bus) TotalPublished() uint64 {
	return atomic.LoadUint64(&b.totalPublished)
}

// Close shuts the bus down; further publishes are dropped silently.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.subscribers = nil
}
