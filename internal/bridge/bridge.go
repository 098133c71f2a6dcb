// Package bridge is the host-facing entry point: one Bridge owns at most one
// live dual-channel session at a time.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/kiwilink/internal/bus"
	"github.com/skobkin/kiwilink/internal/dispatch"
	"github.com/skobkin/kiwilink/internal/endpoint"
	"github.com/skobkin/kiwilink/internal/events"
	"github.com/skobkin/kiwilink/internal/ingest"
	"github.com/skobkin/kiwilink/internal/lifecycle"
	"github.com/skobkin/kiwilink/internal/metrics"
	"github.com/skobkin/kiwilink/internal/session"
	"github.com/skobkin/kiwilink/internal/transport"
)

type Options struct {
	Dialer transport.Dialer
	// Session callbacks are called in addition to the bridge's own.
	Session session.Options
	// ConnectTimeout bounds InitializeSession when positive.
	ConnectTimeout time.Duration
	// StallTimeout enables video stall detection when positive.
	StallTimeout time.Duration
	// OnVideo receives every video message, one at a time, in arrival order.
	OnVideo func(session.VideoMessage)

	// Bus gets events from a bridge goroutine, never from the channels.
	Bus     bus.MessageBus
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// SessionConfig is the validated input of the current session.
type SessionConfig struct {
	remoteHost  string
	commandPort string
	videoPort   string
	targets     endpoint.Targets
}

// NewSessionConfig validates the input without touching the network.
func NewSessionConfig(remoteHost, commandPort, videoPort string) (SessionConfig, error) {
	targets, err := endpoint.Resolve(remoteHost, commandPort, videoPort)
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{
		remoteHost:  remoteHost,
		commandPort: commandPort,
		videoPort:   videoPort,
		targets:     targets,
	}, nil
}

func (c SessionConfig) RemoteHost() string {
	return c.remoteHost
}

func (c SessionConfig) CommandPort() string {
	return c.commandPort
}

func (c SessionConfig) VideoPort() string {
	return c.videoPort
}

func (c SessionConfig) Targets() endpoint.Targets {
	return c.targets
}

// Status is a point-in-time view of the bridge.
type Status struct {
	State       lifecycle.State
	SessionID   string
	Config      SessionConfig
	Reason      string
	CommandUp   bool
	VideoFrames uint64
}

type Bridge struct {
	opts       Options
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher

	// initMu serializes InitializeSession and Close.
	initMu sync.Mutex

	mu      sync.RWMutex
	current *liveSession
}

// liveSession is everything that belongs to one session.
type liveSession struct {
	cfg  SessionConfig
	ctrl *lifecycle.Controller
	pub  *publisher

	mu     sync.Mutex
	sess   *session.Session
	loop   *ingest.Loop
	cancel context.CancelFunc

	shutdownOnce sync.Once
}

func New(opts Options) (*Bridge, error) {
	if opts.Dialer == nil {
		return nil, errors.New("bridge needs a dialer")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "bridge")

	return &Bridge{
		opts:       opts,
		logger:     logger,
		dispatcher: dispatch.New(opts.Logger.With("component", "dispatch"), opts.Metrics),
	}, nil
}

// InitializeSession resolves the endpoints, tears down the previous session
// and opens a new one. Invalid input fails before the previous session is
// touched.
func (b *Bridge) InitializeSession(ctx context.Context, remoteHost, commandPort, videoPort string) error {
	cfg, err := NewSessionConfig(remoteHost, commandPort, videoPort)
	if err != nil {
		b.logger.Warn("session config rejected", "error", err)

		return err
	}

	b.initMu.Lock()
	defer b.initMu.Unlock()

	if err := b.teardown("reinitialize"); err != nil {
		b.logger.Warn("previous session closed with errors", "error", err)
	}

	a := &liveSession{cfg: cfg, pub: newPublisher(b.opts.Bus, b.logger)}
	a.ctrl = lifecycle.NewController(b.opts.Logger.With("component", "lifecycle"), b.onTransition(a))
	b.mu.Lock()
	b.current = a
	b.mu.Unlock()
	_ = a.ctrl.Connecting()

	if b.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.ConnectTimeout)
		defer cancel()
	}

	sess, err := session.Open(ctx, b.opts.Dialer, cfg.Targets(), b.sessionOptions(a))
	if err != nil {
		_ = a.ctrl.Fail(err.Error())

		return err
	}
	b.opts.Metrics.SessionOpened()

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.sess = sess
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.ctrl.Connected(); err != nil {
		// A channel failed between open and here; keep the session degraded or closed.
		b.logger.Warn("session changed state during open", "state", a.ctrl.State().String(), "error", err)
	}
	b.dispatcher.Attach(sess)

	loop := ingest.Start(loopCtx, ingest.Config{
		Receiver: sess,
		Consumer: b.deliverVideo(a, sess.ID()),
		OnClosed: func(err error) {
			a.ctrl.MarkChannelDown(lifecycle.ChannelVideo, err.Error())
		},
		StallTimeout: b.opts.StallTimeout,
		OnStall: func(silence time.Duration) {
			a.ctrl.VideoStalled("no frames for " + silence.Round(time.Millisecond).String())
		},
		OnResume: a.ctrl.VideoResumed,
		Logger:   b.opts.Logger.With("component", "ingest", "session_id", sess.ID()),
		Metrics:  b.opts.Metrics,
	})
	a.mu.Lock()
	a.loop = loop
	a.mu.Unlock()

	return nil
}

// SendCommand hands payload to the current session's command channel.
func (b *Bridge) SendCommand(payload []byte) (session.Ack, error) {
	if err := b.checkSendable(); err != nil {
		return session.Ack{}, err
	}

	return b.dispatcher.Submit(payload)
}

// SendCommandWait is SendCommand followed by waiting for the write. A channel
// lost while waiting is reported as not connected.
func (b *Bridge) SendCommandWait(ctx context.Context, payload []byte) error {
	if err := b.checkSendable(); err != nil {
		return err
	}

	return b.dispatcher.SubmitWait(ctx, payload)
}

func (b *Bridge) checkSendable() error {
	a := b.active()
	if a == nil {
		return &dispatch.DispatchError{Kind: dispatch.NotConnected, Err: errors.New("session not initialized")}
	}
	if state := a.ctrl.State(); !state.CanSend() {
		return &dispatch.DispatchError{Kind: dispatch.NotConnected, Err: errors.New("session is " + state.String())}
	}

	return nil
}

func (b *Bridge) SendText(text string) (session.Ack, error) {
	return b.SendCommand([]byte(text))
}

func (b *Bridge) State() lifecycle.State {
	a := b.active()
	if a == nil {
		return lifecycle.StateUninitialized
	}

	return a.ctrl.State()
}

func (b *Bridge) Status() Status {
	a := b.active()
	if a == nil {
		return Status{State: lifecycle.StateUninitialized}
	}

	st := Status{
		State:  a.ctrl.State(),
		Config: a.cfg,
		Reason: a.ctrl.LastReason(),
	}
	a.mu.Lock()
	if a.sess != nil {
		st.SessionID = a.sess.ID()
		st.CommandUp = a.sess.CommandUp()
	}
	if a.loop != nil {
		st.VideoFrames = a.loop.Frames()
	}
	a.mu.Unlock()

	return st
}

// Close tears down the current session. The bridge stays usable: a later
// InitializeSession opens a new session.
func (b *Bridge) Close() error {
	b.initMu.Lock()
	defer b.initMu.Unlock()

	return b.teardown("closed by host")
}

func (b *Bridge) active() *liveSession {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.current
}

func (b *Bridge) teardown(reason string) error {
	a := b.active()
	if a == nil {
		return nil
	}
	b.dispatcher.Detach()
	err := a.shutdown()
	a.ctrl.Close(reason)
	a.pub.close(eventFlushWait)

	return err
}

// shutdown releases the channels and waits for the ingest loop. Concurrent
// callers all return after the first one finished.
func (a *liveSession) shutdown() error {
	var err error
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		sess, loop, cancel := a.sess, a.loop, a.cancel
		a.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sess != nil {
			err = sess.Close()
		}
		if loop != nil {
			loop.Wait()
		}
	})

	return err
}

func (b *Bridge) onTransition(a *liveSession) func(lifecycle.Transition) {
	return func(tr lifecycle.Transition) {
		b.opts.Metrics.SetSessionState(int(tr.To))

		status := events.SessionStatus{
			State:         tr.To.String(),
			PreviousState: tr.From.String(),
			Reason:        tr.Reason,
			TransportName: b.opts.Dialer.Name(),
			CommandTarget: a.cfg.Targets().Command.Address(),
			VideoTarget:   a.cfg.Targets().Video.Address(),
			Timestamp:     tr.At,
		}
		a.mu.Lock()
		if a.sess != nil {
			status.SessionID = a.sess.ID()
		}
		a.mu.Unlock()
		a.pub.push(busEvent{topic: events.TopicSessionState, msg: status, state: true})

		// Fatal failures release resources off the reporting goroutine, which
		// may be the ingest loop itself.
		if tr.To == lifecycle.StateClosed {
			go func() {
				_ = a.shutdown()
			}()
		}
	}
}

func (b *Bridge) sessionOptions(a *liveSession) session.Options {
	opts := b.opts.Session
	opts.Logger = b.opts.Logger.With("component", "session")
	userResult := opts.OnCommandResult
	userDown := opts.OnCommandDown

	opts.OnCommandResult = func(pkt session.CommandPacket, err error) {
		b.recordCommandResult(a, pkt, err)
		if userResult != nil {
			userResult(pkt, err)
		}
	}
	opts.OnCommandDown = func(err error) {
		a.ctrl.MarkChannelDown(lifecycle.ChannelCommand, err.Error())
		if userDown != nil {
			userDown(err)
		}
	}

	return opts
}

func (b *Bridge) recordCommandResult(a *liveSession, pkt session.CommandPacket, err error) {
	var sessionID string
	a.mu.Lock()
	if a.sess != nil {
		sessionID = a.sess.ID()
	}
	a.mu.Unlock()

	if err != nil {
		b.opts.Metrics.CommandFailed()
		b.logger.Warn("command not written", "seq", pkt.Seq, "len", len(pkt.Payload), "error", err)
		a.pub.push(busEvent{topic: events.TopicCommandFailed, msg: events.CommandFailure{
			SessionID: sessionID,
			Seq:       pkt.Seq,
			Len:       len(pkt.Payload),
			Err:       err.Error(),
		}})

		return
	}

	latency := time.Since(pkt.EnqueuedAt)
	b.opts.Metrics.CommandWritten(latency)
	a.pub.push(busEvent{topic: events.TopicCommandOut, msg: events.CommandWritten{
		SessionID: sessionID,
		Seq:       pkt.Seq,
		Len:       len(pkt.Payload),
		Latency:   latency,
	}})
}

func (b *Bridge) deliverVideo(a *liveSession, sessionID string) func(session.VideoMessage) {
	return func(msg session.VideoMessage) {
		a.pub.push(busEvent{topic: events.TopicVideoIn, msg: events.FrameInfo{
			SessionID: sessionID,
			Seq:       msg.Seq,
			Len:       len(msg.Payload),
			At:        msg.ReceivedAt,
		}})
		if b.opts.OnVideo != nil {
			b.opts.OnVideo(msg)
		}
	}
}
