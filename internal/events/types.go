package events

import "time"

// SessionStatus is a bus event snapshot of a session state change.
type SessionStatus struct {
	SessionID     string
	State         string
	PreviousState string
	Reason        string
	TransportName string
	CommandTarget string
	VideoTarget   string
	Timestamp     time.Time
}

// CommandWritten reports a command payload that reached the command channel.
type CommandWritten struct {
	SessionID string
	Seq       uint64
	Len       int
	Latency   time.Duration
}

// CommandFailure reports a command that was accepted but never written.
type CommandFailure struct {
	SessionID string
	Seq       uint64
	Len       int
	Err       string
}

// FrameInfo carries video frame diagnostics, not the payload itself.
type FrameInfo struct {
	SessionID string
	Seq       uint64
	Len       int
	At        time.Time
}
