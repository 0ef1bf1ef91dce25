// Package session holds the view model that decides what the user is
// looking at: nothing yet, a job in progress, or a finished model.
package session

import (
	"fmt"
	"sync"

	"github.com/meshport/meshport/internal/apperr"
	"github.com/meshport/meshport/internal/tracker"
)

type Mode int

const (
	ModeIdle Mode = iota
	ModeGenerating
	ModeViewing
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeGenerating:
		return "generating"
	case ModeViewing:
		return "viewing"
	}
	return "unknown"
}

// State is one of Idle, Generating or Viewing. Only the fields of the
// current mode are meaningful.
type State struct {
	Mode     Mode
	JobID    string
	Progress int
	Resource tracker.Resource
	// Message is the error text of the last failed attempt, shown while idle.
	Message string
}

func (s State) String() string {
	switch s.Mode {
	case ModeGenerating:
		if s.JobID == "" {
			return "generating (submitting)"
		}
		return fmt.Sprintf("generating job %s: %d%%", s.JobID, s.Progress)
	case ModeViewing:
		return "viewing " + s.Resource.URL
	}
	if s.Message != "" {
		return "idle: " + s.Message
	}
	return "idle"
}

type InvalidTransitionError struct {
	From Mode
	Op   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s while %s", e.Op, e.From)
}

// Session owns the current State and notifies a listener on every change.
type Session struct {
	mu       sync.Mutex
	state    State
	onChange func(State)
}

func New(onChange func(State)) *Session {
	return &Session{onChange: onChange}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Begin enters Generating for a new unit of work. Starting over from
// Viewing is allowed and drops the current model.
func (s *Session) Begin() error {
	return s.transition("begin", func(st State) (State, bool) {
		if st.Mode == ModeGenerating {
			return st, false
		}
		return State{Mode: ModeGenerating}, true
	})
}

func (s *Session) Progress(jobID string, percent int) error {
	return s.transition("report progress", func(st State) (State, bool) {
		if st.Mode != ModeGenerating {
			return st, false
		}
		st.JobID = jobID
		st.Progress = percent
		return st, true
	})
}

// View shows a finished model. Opening a model directly from Idle is
// allowed, as is switching from one model to another.
func (s *Session) View(r tracker.Resource) error {
	return s.transition("view", func(st State) (State, bool) {
		return State{Mode: ModeViewing, Resource: r}, true
	})
}

// Fail returns to Idle carrying the message to display.
func (s *Session) Fail(message string) error {
	return s.transition("fail", func(st State) (State, bool) {
		if st.Mode != ModeGenerating {
			return st, false
		}
		return State{Mode: ModeIdle, Message: message}, true
	})
}

func (s *Session) Reset() {
	_ = s.transition("reset", func(State) (State, bool) { return State{}, true })
}

// Apply folds a tracker event into the session.
func (s *Session) Apply(ev tracker.Event) error {
	switch e := ev.(type) {
	case tracker.Progress:
		return s.Progress(e.JobID, e.Percent)
	case tracker.Completed:
		return s.transition("complete", func(st State) (State, bool) {
			if st.Mode != ModeGenerating {
				return st, false
			}
			return State{Mode: ModeViewing, Resource: e.Resource}, true
		})
	case tracker.Failed:
		return s.Fail(e.Reason)
	case tracker.Error:
		return s.Fail(apperr.Message(e.Err))
	}
	return fmt.Errorf("unknown event %T", ev)
}

func (s *Session) transition(op string, fn func(State) (State, bool)) error {
	s.mu.Lock()
	next, ok := fn(s.state)
	if !ok {
		from := s.state.Mode
		s.mu.Unlock()
		return &InvalidTransitionError{From: from, Op: op}
	}
	changed := !same(next, s.state)
	s.state = next
	cb := s.onChange
	s.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
	return nil
}

// same compares states without touching Resource.Detail, which may hold
// values that are not comparable.
func same(a, b State) bool {
	return a.Mode == b.Mode && a.JobID == b.JobID && a.Progress == b.Progress &&
		a.Resource.URL == b.Resource.URL && a.Message == b.Message
}
