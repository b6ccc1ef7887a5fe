// Package call tracks call sessions and routes device pushes to them.
package call

import (
	"context"
	"strings"

	"github.com/looplab/fsm"
)

// Status is the lifecycle status of a call.
type Status string

const (
	StatusRinging      Status = "RINGING"
	StatusActive       Status = "ACTIVE"
	StatusNotAnswered  Status = "NOT_ANSWERED"
	StatusRejected     Status = "REJECTED"
	StatusFailed       Status = "FAILED"
	StatusEnded        Status = "ENDED"
	StatusDisconnected Status = "DISCONNECTED"
)

func (s Status) String() string {
	return string(s)
}

// ParseStatus maps the pushed spelling onto a Status. The device sends
// "NOT ANSWERED" with a space.
func ParseStatus(raw string) (Status, bool) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	v = strings.ReplaceAll(v, " ", "_")
	switch s := Status(v); s {
	case StatusRinging, StatusActive, StatusNotAnswered, StatusRejected,
		StatusFailed, StatusEnded, StatusDisconnected:
		return s, true
	}
	return "", false
}

// IsTerminal reports whether the session is finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusNotAnswered, StatusRejected, StatusFailed, StatusEnded:
		return true
	}
	return false
}

// Direction is who placed the call.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
)

// validTransitions defines which status transitions are allowed. Leaving
// DISCONNECTED for RINGING or ACTIVE is only taken back to the status the
// session held before the drop.
var validTransitions = map[Status][]Status{
	StatusRinging: {
		StatusActive, StatusNotAnswered, StatusRejected, StatusFailed,
		StatusEnded, StatusDisconnected,
	},
	StatusActive:       {StatusEnded, StatusFailed, StatusDisconnected},
	StatusDisconnected: {StatusRinging, StatusActive, StatusEnded, StatusFailed},
	StatusNotAnswered:  {},
	StatusRejected:     {},
	StatusFailed:       {},
	StatusEnded:        {},
}

// CanTransitionTo checks if a transition from s to next is valid.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// machineEvents builds the fsm event table from validTransitions. Each
// event is named after its destination.
func machineEvents() fsm.Events {
	sources := make(map[Status][]string)
	for from, targets := range validTransitions {
		for _, to := range targets {
			sources[to] = append(sources[to], string(from))
		}
	}

	order := []Status{
		StatusRinging, StatusActive, StatusNotAnswered, StatusRejected,
		StatusFailed, StatusEnded, StatusDisconnected,
	}
	events := make(fsm.Events, 0, len(order))
	for _, to := range order {
		src := sources[to]
		if len(src) == 0 {
			continue
		}
		events = append(events, fsm.EventDesc{Name: string(to), Src: src, Dst: string(to)})
	}
	return events
}

// machine wraps the fsm so the rest of the package speaks Status.
type machine struct {
	fsm *fsm.FSM
}

func newMachine(initial Status) *machine {
	return &machine{fsm: fsm.NewFSM(string(initial), machineEvents(), fsm.Callbacks{})}
}

func (m *machine) current() Status {
	return Status(m.fsm.Current())
}

// fire moves the machine to next. It fails when the graph does not allow
// it.
func (m *machine) fire(next Status) error {
	from := m.current()
	if !m.fsm.Can(string(next)) {
		return &TransitionError{From: from, To: next, Err: ErrInvalidTransition}
	}
	if err := m.fsm.Event(context.Background(), string(next)); err != nil {
		return &TransitionError{From: from, To: next, Err: err}
	}
	return nil
}
