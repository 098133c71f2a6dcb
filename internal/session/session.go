package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/skobkin/kiwilink/internal/endpoint"
	"github.com/skobkin/kiwilink/internal/transport"
)

const (
	DefaultOutboxSize   = 64
	DefaultWriteTimeout = 5 * time.Second
)

// CommandPacket is one outbound command. Payload must not be modified after Send.
type CommandPacket struct {
	Seq        uint64
	Payload    []byte
	EnqueuedAt time.Time
}

// VideoMessage is one inbound video payload.
type VideoMessage struct {
	Seq        uint64
	Payload    []byte
	ReceivedAt time.Time
}

// Ack confirms a packet was accepted into the outbound buffer.
type Ack struct {
	Seq        uint64
	EnqueuedAt time.Time

	done <-chan error
}

// Wait blocks until the packet was written to the command channel or failed.
func (a Ack) Wait(ctx context.Context) error {
	if a.done == nil {
		return nil
	}
	select {
	case err := <-a.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Options struct {
	// OutboxSize bounds the number of packets waiting for the command channel.
	OutboxSize int
	// SendWait is the longest Send waits for outbox room. Zero fails immediately.
	SendWait time.Duration
	// WriteTimeout bounds one write on the command channel.
	WriteTimeout time.Duration
	// OnCommandResult is called by the writer after every packet, in wire order.
	OnCommandResult func(pkt CommandPacket, err error)
	// OnCommandDown is called once when the command channel fails.
	OnCommandDown func(err error)
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.OutboxSize <= 0 {
		o.OutboxSize = DefaultOutboxSize
	}
	if o.SendWait < 0 {
		o.SendWait = 0
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return o
}

type outbound struct {
	pkt    CommandPacket
	result chan error
}

// Session owns one command channel and one video channel. The two paths share
// no lock: commands go through the outbox and writer goroutine, video is read
// directly by ReceiveVideo.
type Session struct {
	id      string
	targets endpoint.Targets
	opts    Options
	logger  *slog.Logger

	command transport.CommandChannel
	video   transport.VideoChannel

	sendMu sync.Mutex
	outbox chan outbound
	seq    uint64

	commandDown atomic.Bool
	downOnce    sync.Once
	videoSeq    atomic.Uint64

	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}
}

// Open dials both channels concurrently. If either fails, the other one is
// released and a *ConnectError is returned.
func Open(ctx context.Context, dialer transport.Dialer, targets endpoint.Targets, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	id := uuid.NewString()
	logger := opts.Logger.With("session_id", id, "transport", dialer.Name())

	var (
		command transport.CommandChannel
		video   transport.VideoChannel
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, err := dialer.DialCommand(gctx, targets.Command)
		if err != nil {
			return &ConnectError{Channel: "command", Target: targets.Command, Err: err}
		}
		command = ch

		return nil
	})
	g.Go(func() error {
		ch, err := dialer.DialVideo(gctx, targets.Video)
		if err != nil {
			return &ConnectError{Channel: "video", Target: targets.Video, Err: err}
		}
		video = ch

		return nil
	})
	if err := g.Wait(); err != nil {
		if command != nil {
			_ = command.Close()
		}
		if video != nil {
			_ = video.Close()
		}
		logger.Warn("open session failed", "error", err)

		return nil, err
	}

	s := &Session{
		id:         id,
		targets:    targets,
		opts:       opts,
		logger:     logger,
		command:    command,
		video:      video,
		outbox:     make(chan outbound, opts.OutboxSize),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go s.runWriter()
	logger.Info("session opened", "command", targets.Command.Address(), "video", targets.Video.Address())

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Targets() endpoint.Targets {
	return s.targets
}

// CommandUp reports whether the command channel is still usable.
func (s *Session) CommandUp() bool {
	return !s.commandDown.Load() && !s.isClosed()
}

// Send queues pkt for transmission. It never blocks longer than SendWait.
func (s *Session) Send(pkt CommandPacket) (Ack, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.isClosed() {
		return Ack{}, &SendError{Kind: ChannelClosed, Err: errors.New("session is closed")}
	}
	if s.commandDown.Load() {
		return Ack{}, &SendError{Kind: ChannelClosed, Err: errors.New("command channel is down")}
	}
	if pkt.EnqueuedAt.IsZero() {
		pkt.EnqueuedAt = time.Now()
	}
	pkt.Seq = s.seq + 1
	ob := outbound{pkt: pkt, result: make(chan error, 1)}

	select {
	case s.outbox <- ob:
	default:
		if s.opts.SendWait <= 0 {
			return Ack{}, &SendError{Kind: Backpressure, Err: fmt.Errorf("outbox full (%d packets)", cap(s.outbox))}
		}
		timer := time.NewTimer(s.opts.SendWait)
		defer timer.Stop()
		select {
		case s.outbox <- ob:
		case <-timer.C:
			return Ack{}, &SendError{Kind: Backpressure, Err: fmt.Errorf("outbox full (%d packets) for %s", cap(s.outbox), s.opts.SendWait)}
		}
	}
	s.seq = pkt.Seq

	return Ack{Seq: pkt.Seq, EnqueuedAt: pkt.EnqueuedAt, done: ob.result}, nil
}

// ReceiveVideo blocks until the next video message arrives. After Close, or
// once the peer dropped the channel, it returns a ChannelClosed *SendError.
func (s *Session) ReceiveVideo(ctx context.Context) (VideoMessage, error) {
	if s.isClosed() {
		return VideoMessage{}, &SendError{Kind: ChannelClosed, Err: errors.New("session is closed")}
	}

	payload, err := s.video.Receive(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !s.isClosed() {
			return VideoMessage{}, ctxErr
		}

		return VideoMessage{}, &SendError{Kind: ChannelClosed, Err: err}
	}

	return VideoMessage{
		Seq:        s.videoSeq.Add(1),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}, nil
}

// Close releases both channels and fails every packet still queued. Safe to
// call more than once.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		close(s.closed)
		s.sendMu.Unlock()

		if err := s.video.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close video channel: %w", err))
		}
		if err := s.command.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close command channel: %w", err))
		}
		<-s.writerDone
		s.failQueued(&SendError{Kind: ChannelClosed, Err: errors.New("session closed")})
		s.logger.Info("session closed")
	})

	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) runWriter() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.closed:
			return
		case ob := <-s.outbox:
			ob.result <- s.write(ob.pkt)
		}
	}
}

func (s *Session) write(pkt CommandPacket) error {
	if s.commandDown.Load() {
		err := &SendError{Kind: ChannelClosed, Err: errors.New("command channel is down")}
		s.reportResult(pkt, err)

		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	err := s.command.Send(ctx, pkt.Payload)
	cancel()
	if err == nil {
		s.logger.Debug("command written", "seq", pkt.Seq, "len", len(pkt.Payload))
		s.reportResult(pkt, nil)

		return nil
	}

	sendErr := &SendError{Kind: ChannelClosed, Err: err}
	if !s.isClosed() {
		s.markCommandDown(err)
	}
	s.reportResult(pkt, sendErr)

	return sendErr
}

// A failed write leaves the stream in an unknown state, so the channel is not reused.
func (s *Session) markCommandDown(err error) {
	s.downOnce.Do(func() {
		s.commandDown.Store(true)
		s.logger.Warn("command channel down", "error", err)
		if s.opts.OnCommandDown != nil {
			s.opts.OnCommandDown(err)
		}
	})
}

func (s *Session) reportResult(pkt CommandPacket, err error) {
	if s.opts.OnCommandResult != nil {
		s.opts.OnCommandResult(pkt, err)
	}
}

func (s *Session) failQueued(err error) {
	for {
		select {
		case ob := <-s.outbox:
			s.reportResult(ob.pkt, err)
			ob.result <- err
		default:
			return
		}
	}
}
