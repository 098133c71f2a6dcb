// Package lifecycle tracks the state of one bridge session.
//
// UNINITIALIZED -> CONNECTING -> CONNECTED <-> DEGRADED, and any state other
// than CLOSED may move to CLOSED. CLOSED is terminal; a new session gets a new
// Controller. The controller never reconnects on its own.
package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CanSend reports whether commands are accepted in this state.
func (s State) CanSend() bool {
	return s == StateConnected || s == StateDegraded
}

// Channel names one of the two session channels.
type Channel string

const (
	ChannelCommand Channel = "command"
	ChannelVideo   Channel = "video"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// Transition describes one applied state change.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

type Controller struct {
	logger *slog.Logger
	notify func(Transition)

	state atomic.Int32

	// notifyMu is held from the state store until notify returns, so
	// observers see transitions in the order they were applied.
	notifyMu sync.Mutex

	mu          sync.Mutex
	down        map[Channel]bool
	videoStall  bool
	lastReason  string
	transitions int
}

// NewController returns a controller in StateUninitialized. notify, if set, is
// called after every applied transition, one at a time and in order. notify
// must not call back into the controller's transition methods.
func NewController(logger *slog.Logger, notify func(Transition)) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		logger: logger,
		notify: notify,
		down:   make(map[Channel]bool, 2),
	}
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

// LastReason returns the reason of the most recent transition.
func (c *Controller) LastReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastReason
}

// ChannelDown reports whether ch was marked down.
func (c *Controller) ChannelDown(ch Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.down[ch]
}

func (c *Controller) Connecting() error {
	return c.apply(StateConnecting, "connecting")
}

func (c *Controller) Connected() error {
	return c.apply(StateConnected, "channels established")
}

// Fail closes the controller after a failed open or a fatal error.
func (c *Controller) Fail(reason string) error {
	return c.apply(StateClosed, reason)
}

// Close is idempotent: closing a closed controller is not an error.
func (c *Controller) Close(reason string) {
	if err := c.apply(StateClosed, reason); err != nil && c.State() != StateClosed {
		c.logger.Warn("close transition refused", "error", err)
	}
}

// MarkChannelDown records a failed channel. One channel down degrades the
// session; both down closes it.
func (c *Controller) MarkChannelDown(ch Channel, reason string) {
	c.mu.Lock()
	if c.down[ch] {
		c.mu.Unlock()

		return
	}
	c.down[ch] = true
	allDown := c.down[ChannelCommand] && c.down[ChannelVideo]
	c.mu.Unlock()

	reason = fmt.Sprintf("%s channel down: %s", ch, reason)
	if allDown {
		_ = c.apply(StateClosed, reason)

		return
	}
	_ = c.apply(StateDegraded, reason)
}

// VideoStalled demotes a connected session while frames are not arriving.
func (c *Controller) VideoStalled(reason string) {
	c.mu.Lock()
	c.videoStall = true
	c.mu.Unlock()
	_ = c.apply(StateDegraded, "video stalled: "+reason)
}

// VideoResumed promotes back to connected when no channel is down.
func (c *Controller) VideoResumed() {
	c.mu.Lock()
	c.videoStall = false
	healthy := !c.down[ChannelCommand] && !c.down[ChannelVideo]
	c.mu.Unlock()
	if healthy {
		_ = c.apply(StateConnected, "video resumed")
	}
}

func allowed(from, to State) bool {
	switch {
	case from == StateClosed:
		return false
	case to == StateClosed:
		return true
	case from == StateUninitialized:
		return to == StateConnecting
	case from == StateConnecting:
		return to == StateConnected
	case from == StateConnected:
		return to == StateDegraded
	case from == StateDegraded:
		return to == StateConnected
	default:
		return false
	}
}

func (c *Controller) apply(to State, reason string) error {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	from := c.State()
	if from == to && to == StateDegraded {
		c.mu.Unlock()

		return nil
	}
	if !allowed(from, to) {
		c.mu.Unlock()

		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	c.state.Store(int32(to))
	c.lastReason = reason
	c.transitions++
	c.mu.Unlock()

	tr := Transition{From: from, To: to, Reason: reason, At: time.Now()}
	c.logger.Info("session state changed", "from", from.String(), "to", to.String(), "reason", reason)
	if c.notify != nil {
		c.notify(tr)
	}

	return nil
}
