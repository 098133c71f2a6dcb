package transport

import (
	"context"
	"errors"

	"github.com/skobkin/kiwilink/internal/endpoint"
)

// ErrClosed is returned by a channel once it was closed locally or dropped by the peer.
var ErrClosed = errors.New("channel closed")

// CommandChannel pushes discrete command payloads to the device.
type CommandChannel interface {
	Name() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// VideoChannel receives the continuous video stream from the device.
// Close must unblock a pending Receive.
type VideoChannel interface {
	Name() string
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens channels of one transport kind.
type Dialer interface {
	Name() string
	DialCommand(ctx context.Context, target endpoint.Target) (CommandChannel, error)
	DialVideo(ctx context.Context, target endpoint.Target) (VideoChannel, error)
}
