package tunnel

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateKind names a lifecycle state.
type StateKind int

const (
	Disconnected StateKind = iota
	Connecting
	Connected
	Disconnecting
	Blocked
)

func (k StateKind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name for JSON.
func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a state name.
func (k *StateKind) UnmarshalText(text []byte) error {
	for c := Disconnected; c <= Blocked; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown tunnel state %q", text)
}

// TransitionEvent is broadcast every time the machine enters a state.
type TransitionEvent struct {
	State StateKind `json:"state"`
	At    time.Time `json:"at"`
	// Session identifies one tunnel launch. Zero in Disconnected and Blocked.
	Session uuid.UUID `json:"session"`
	// Attempt is the retry counter in Connecting.
	Attempt uint32 `json:"attempt,omitempty"`
	// Metadata is set in Connected.
	Metadata *Metadata `json:"metadata,omitempty"`
	// After is set in Disconnecting.
	After *ActionAfterDisconnect `json:"after_disconnect,omitempty"`
	// Reason is set in Blocked.
	Reason *BlockReason `json:"reason,omitempty"`
}

// Detail is a one-line summary for logs and history.
func (e TransitionEvent) Detail() string {
	switch {
	case e.Reason != nil:
		return e.Reason.Description()
	case e.After != nil:
		return "then " + e.After.String()
	case e.Metadata != nil:
		return "via " + e.Metadata.Interface
	case e.State == Connecting && e.Attempt > 0:
		return "retry " + strconv.FormatUint(uint64(e.Attempt), 10)
	}
	return ""
}

// Broadcaster fans transition events out to subscribers. Delivery is
// best effort: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan TransitionEvent
	nextID int
	last   *TransitionEvent
	closed bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan TransitionEvent)}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes. The channel is closed on unsubscribe or when the machine
// stops.
func (b *Broadcaster) Subscribe(buffer int) (<-chan TransitionEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan TransitionEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Last returns the most recent event.
func (b *Broadcaster) Last() (TransitionEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return TransitionEvent{}, false
	}
	return *b.last, true
}

func (b *Broadcaster) publish(ev TransitionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
