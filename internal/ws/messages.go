package ws

import "github.com/meshport/meshport/internal/job"

const (
	TypeSnapshot = "snapshot"
	TypeError    = "error"
)

// Server → client. A stream carries snapshots until the job is terminal;
// an error frame ends it early.

type Message struct {
	Type  string        `json:"type"`
	Job   *job.Snapshot `json:"job,omitempty"`
	Error string        `json:"error,omitempty"`
}

func snapshotMessage(s job.Snapshot) Message {
	return Message{Type: TypeSnapshot, Job: &s}
}

func errorMessage(msg string) Message {
	return Message{Type: TypeError, Error: msg}
}
