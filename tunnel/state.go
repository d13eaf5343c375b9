package tunnel

import (
	"time"

	"github.com/google/uuid"
)

type consequenceKind int

const (
	// noEvents: nothing was ready; the driver parks until a wakeup fires.
	noEvents consequenceKind = iota
	// sameState: one command or event was consumed without a transition.
	sameState
	// newState: the machine moved to next.
	newState
	// finished: the inbox is closed and the machine is at rest.
	finished
)

type consequence struct {
	kind       consequenceKind
	next       state
	transition TransitionEvent
}

func stay() consequence   { return consequence{kind: sameState} }
func idle() consequence   { return consequence{kind: noEvents} }
func finish() consequence { return consequence{kind: finished} }

func moveTo(s state, ev TransitionEvent) consequence {
	return consequence{kind: newState, next: s, transition: ev}
}

// state is one phase of the tunnel lifecycle. States are created by their
// enter function and replaced wholesale on every transition.
type state interface {
	// handleEvent consumes at most one command or internal event. It never
	// blocks; with nothing ready it returns noEvents.
	handleEvent(commands *queue[Command], shared *SharedValues) consequence
	// wakeups are the internal event sources handleEvent polls, besides
	// the command inbox. Nil entries are ignored.
	wakeups() [2]<-chan struct{}
}

func transition(kind StateKind) TransitionEvent {
	return TransitionEvent{State: kind, At: time.Now()}
}

func sessionTransition(kind StateKind, session uuid.UUID) TransitionEvent {
	ev := transition(kind)
	ev.Session = session
	return ev
}
