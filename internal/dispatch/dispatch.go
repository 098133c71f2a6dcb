// Package dispatch forwards command payloads from callers to the current session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/kiwilink/internal/metrics"
	"github.com/skobkin/kiwilink/internal/session"
)

type ErrorKind int

const (
	NotConnected ErrorKind = iota + 1
	Backpressure
)

func (k ErrorKind) String() string {
	switch k {
	case NotConnected:
		return "not_connected"
	case Backpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = &DispatchError{Kind: NotConnected}
	ErrBackpressure = &DispatchError{Kind: Backpressure}
	ErrEmptyPayload = errors.New("command payload is empty")
)

type DispatchError struct {
	Kind ErrorKind
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return "dispatch: " + e.Kind.String()
	}

	return fmt.Sprintf("dispatch: %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func (e *DispatchError) Is(target error) bool {
	other, ok := target.(*DispatchError)

	return ok && other.Kind == e.Kind
}

// Sender is the part of a session the dispatcher needs.
type Sender interface {
	Send(pkt session.CommandPacket) (session.Ack, error)
}

type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	sender Sender
}

func New(logger *slog.Logger, m *metrics.Collector) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{logger: logger, metrics: m}
}

// Attach routes later submissions to s.
func (d *Dispatcher) Attach(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = s
}

// Detach stops routing; later submissions fail with NotConnected.
func (d *Dispatcher) Detach() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sender = nil
}

func (d *Dispatcher) Attached() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.sender != nil
}

// Submit copies payload and hands it to the attached session. It never
// retries, coalesces or reorders.
func (d *Dispatcher) Submit(payload []byte) (session.Ack, error) {
	d.metrics.CommandSubmitted()
	if len(payload) == 0 {
		d.metrics.CommandRejected("empty")

		return session.Ack{}, ErrEmptyPayload
	}

	d.mu.RLock()
	sender := d.sender
	d.mu.RUnlock()
	if sender == nil {
		d.metrics.CommandRejected(NotConnected.String())

		return session.Ack{}, &DispatchError{Kind: NotConnected, Err: errors.New("no active session")}
	}

	pkt := session.CommandPacket{
		Payload:    append([]byte(nil), payload...),
		EnqueuedAt: time.Now(),
	}
	ack, err := sender.Send(pkt)
	if err != nil {
		kind := NotConnected
		if errors.Is(err, session.ErrBackpressure) {
			kind = Backpressure
		}
		d.metrics.CommandRejected(kind.String())
		d.logger.Debug("command rejected", "kind", kind.String(), "len", len(payload), "error", err)

		return session.Ack{}, &DispatchError{Kind: kind, Err: err}
	}
	d.logger.Debug("command accepted", "seq", ack.Seq, "len", len(payload))

	return ack, nil
}

// SubmitWait submits payload and waits until it was written or failed.
func (d *Dispatcher) SubmitWait(ctx context.Context, payload []byte) error {
	ack, err := d.Submit(payload)
	if err != nil {
		return err
	}
	if err := ack.Wait(ctx); err != nil {
		if errors.Is(err, session.ErrChannelClosed) {
			return &DispatchError{Kind: NotConnected, Err: err}
		}

		return err
	}

	return nil
}
