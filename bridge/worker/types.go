package worker

import (
	"encoding/json"
	"time"
)

// EventKind discriminates supervisor events.
type EventKind int

const (
	// EventMessage carries one framed JSON message from the worker's stdout.
	EventMessage EventKind = iota
	// EventExit reports that the worker process exited. The supervisor emits
	// it before any restart is scheduled.
	EventExit
	// EventError reports a supervisor-level error that did not kill the
	// worker, such as a failed restart attempt.
	EventError
)

// Event is one message or lifecycle transition emitted by the Supervisor.
type Event struct {
	Kind EventKind

	// Message is set for EventMessage.
	Message json.RawMessage

	// ExitCode is set for EventExit. It is -1 when the process was killed
	// by a signal.
	ExitCode int

	// Err is set for EventError.
	Err error
}

// Config holds the immutable inputs for a Supervisor.
type Config struct {
	// Command and Args spawn the long-running worker.
	Command string
	Args    []string

	// Dir is the worker's working directory. Created on Start if missing.
	Dir string

	// DataDirs are additional directories prepared on Start.
	DataDirs []string

	// AuthCommand runs once before each cold start of the worker, with
	// AuthArgs plus the token as its final argument. It must exit zero.
	// Empty AuthCommand skips the handshake.
	AuthCommand string
	AuthArgs    []string

	// Token is the backend credential. It is also exported to both the
	// auth invocation and the worker as PROCBRIDGE_WORKER_TOKEN.
	Token string

	// RestartDelay is the fixed delay between a worker exit and the next
	// spawn attempt.
	RestartDelay time.Duration
}
