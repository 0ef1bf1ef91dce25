package tracker

import "github.com/meshport/meshport/internal/job"

// Event is one of Progress, Completed, Failed or Error.
type Event interface {
	isEvent()
}

type Progress struct {
	JobID   string
	Status  job.Status
	Percent int
}

type Completed struct {
	Resource Resource
}

type Failed struct {
	Reason string
}

// Error ends the stream when the submission was rejected or the job was
// abandoned. It is never produced by a backend-reported failure.
type Error struct {
	Err error
}

func (Progress) isEvent()  {}
func (Completed) isEvent() {}
func (Failed) isEvent()    {}
func (Error) isEvent()     {}

// IsTerminal reports whether ev is the last event of a stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Failed, Error:
		return true
	}
	return false
}

type State int

const (
	StateIdle State = iota
	StateSubmitting
	StatePolling
	StateCompleted
	StateFailed
	StateErrored
	StateCancelled
)

var stateNames = [...]string{"idle", "submitting", "polling", "completed", "failed", "errored", "cancelled"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) IsTerminal() bool {
	return s >= StateCompleted
}
