package session

import (
	"errors"
	"fmt"

	"github.com/skobkin/kiwilink/internal/endpoint"
)

// SendErrorKind separates transient from terminal send failures.
type SendErrorKind int

const (
	// Backpressure: the outbound buffer is full. Transient, the caller may retry.
	Backpressure SendErrorKind = iota + 1
	// ChannelClosed: the session or channel is gone. Terminal, re-initialize.
	ChannelClosed
)

func (k SendErrorKind) String() string {
	switch k {
	case Backpressure:
		return "backpressure"
	case ChannelClosed:
		return "channel_closed"
	default:
		return "unknown"
	}
}

var (
	ErrBackpressure  = &SendError{Kind: Backpressure}
	ErrChannelClosed = &SendError{Kind: ChannelClosed}
	// ErrConnect matches every *ConnectError via errors.Is.
	ErrConnect = errors.New("session connect failed")
)

type SendError struct {
	Kind SendErrorKind
	Err  error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return "send failed: " + e.Kind.String()
	}

	return fmt.Sprintf("send failed: %s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Is matches any *SendError of the same kind, so errors.Is(err, ErrBackpressure) works.
func (e *SendError) Is(target error) bool {
	other, ok := target.(*SendError)

	return ok && other.Kind == e.Kind
}

// Temporary reports whether retrying later can succeed.
func (e *SendError) Temporary() bool {
	return e.Kind == Backpressure
}

// ConnectError reports that one of the channels could not be established.
type ConnectError struct {
	Channel string
	Target  endpoint.Target
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s channel to %s: %v", e.Channel, e.Target.Address(), e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}
