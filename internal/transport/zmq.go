package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/skobkin/kiwilink/internal/endpoint"
)

// VideoPattern selects the ZMQ socket type used for the video channel.
type VideoPattern string

const (
	VideoPatternSub  VideoPattern = "sub"
	VideoPatternPull VideoPattern = "pull"

	defaultZMQDialTimeout = 6 * time.Second
	defaultZMQSendTimeout = 5 * time.Second
	zmqDialRetry          = 250 * time.Millisecond
	// zmqAbortWait bounds how long Send waits for an aborted write to return.
	zmqAbortWait = time.Second
)

// ZMQDialer opens a PUSH socket for commands and a SUB (or PULL) socket for video.
type ZMQDialer struct {
	pattern     VideoPattern
	dialTimeout time.Duration
	sendTimeout time.Duration
}

// NewZMQDialer builds a dialer. sendTimeout bounds one command write inside
// the socket; it should match the session write timeout.
func NewZMQDialer(pattern VideoPattern, dialTimeout, sendTimeout time.Duration) *ZMQDialer {
	if pattern != VideoPatternPull {
		pattern = VideoPatternSub
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultZMQDialTimeout
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultZMQSendTimeout
	}

	return &ZMQDialer{pattern: pattern, dialTimeout: dialTimeout, sendTimeout: sendTimeout}
}

func (d *ZMQDialer) Name() string {
	return "zmq"
}

func (d *ZMQDialer) Pattern() VideoPattern {
	return d.pattern
}

func (d *ZMQDialer) DialCommand(ctx context.Context, target endpoint.Target) (CommandChannel, error) {
	return d.dial(ctx, target, "command", zmq4.NewPush, zmq4.WithTimeout(d.sendTimeout))
}

func (d *ZMQDialer) DialVideo(ctx context.Context, target endpoint.Target) (VideoChannel, error) {
	if d.pattern == VideoPatternPull {
		ch, err := d.dial(ctx, target, "video", zmq4.NewPull)
		if err != nil {
			return nil, err
		}
		ch.startReceiver()

		return ch, nil
	}

	ch, err := d.dial(ctx, target, "video", zmq4.NewSub)
	if err != nil {
		return nil, err
	}
	if err := ch.sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("subscribe video channel: %w", err)
	}
	ch.startReceiver()

	return ch, nil
}

type zmqSocketFactory func(ctx context.Context, opts ...zmq4.Option) zmq4.Socket

func (d *ZMQDialer) dial(ctx context.Context, target endpoint.Target, channel string, newSocket zmqSocketFactory, extra ...zmq4.Option) (*zmqChannel, error) {
	url := target.URL("tcp")
	logger := transportLogger("zmq", channel, "target", url)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The socket outlives the dial context, so it gets its own.
	sockCtx, cancel := context.WithCancel(context.Background())
	opts := append([]zmq4.Option{
		zmq4.WithDialerTimeout(d.dialTimeout),
		zmq4.WithDialerRetry(zmqDialRetry),
		zmq4.WithDialerMaxRetries(int(d.dialTimeout / zmqDialRetry)),
		zmq4.WithLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn)),
	}, extra...)
	sock := newSocket(sockCtx, opts...)

	logger.Info("connecting")
	dialed := make(chan error, 1)
	go func() {
		dialed <- sock.Dial(url)
	}()

	select {
	case err := <-dialed:
		if err != nil {
			_ = sock.Close()
			cancel()
			logger.Warn("connect failed", "error", err)

			return nil, fmt.Errorf("dial zmq %s: %w", url, err)
		}
	case <-ctx.Done():
		_ = sock.Close()
		cancel()
		logger.Warn("connect canceled", "error", ctx.Err())

		return nil, fmt.Errorf("dial zmq %s: %w", url, ctx.Err())
	}
	logger.Info("connected")

	return &zmqChannel{channel: channel, target: url, sock: sock, sockCtx: sockCtx, cancel: cancel}, nil
}

type zmqChannel struct {
	channel string
	target  string
	sock    zmq4.Socket
	sockCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	closed  bool
	writeMu sync.Mutex

	// Video only: a single reader goroutine feeds frames so Receive can honour ctx.
	frames  chan []byte
	recvErr error
	recvEnd chan struct{}
}

const zmqReceiveBuffer = 16

func (c *zmqChannel) Name() string {
	return "zmq"
}

// Send reports the outcome of the write itself. When ctx ends first the
// socket is closed to abort the write, and the result of the aborted write is
// returned, so a failed send is never delivered later.
func (c *zmqChannel) Send(ctx context.Context, payload []byte) error {
	logger := transportLogger("zmq", c.channel)
	if c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sent := make(chan error, 1)
	go func() {
		sent <- c.sock.Send(zmq4.NewMsg(payload))
	}()

	var err error
	select {
	case err = <-sent:
	case <-ctx.Done():
		logger.Warn("send timed out, closing socket", "payload_len", len(payload), "error", ctx.Err())
		_ = c.Close()
		select {
		case err = <-sent:
		case <-time.After(zmqAbortWait):
			err = errors.New("aborted write did not return")
		}
		if err != nil {
			return fmt.Errorf("%w: send aborted: %v (%v)", ErrClosed, ctx.Err(), err)
		}
		// The write completed while the socket was being closed.
	}
	if err != nil {
		logger.Warn("send failed", "payload_len", len(payload), "error", err)
		// A half-written message must not reach the device later.
		_ = c.Close()

		return c.translateErr(fmt.Errorf("send message: %w", err))
	}
	logger.Debug("sent message", "payload_len", len(payload))

	return nil
}

func (c *zmqChannel) startReceiver() {
	c.frames = make(chan []byte, zmqReceiveBuffer)
	c.recvEnd = make(chan struct{})
	go c.receiveLoop()
}

func (c *zmqChannel) receiveLoop() {
	defer close(c.recvEnd)
	for {
		msg, err := c.sock.Recv()
		if err != nil {
			transportLogger("zmq", c.channel).Debug("receive failed", "error", err)
			c.recvErr = c.translateErr(fmt.Errorf("receive message: %w", err))

			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		// Topic frames come first on multipart messages.
		payload := msg.Frames[len(msg.Frames)-1]
		select {
		case c.frames <- payload:
		case <-c.sockCtx.Done():
			c.recvErr = ErrClosed

			return
		}
	}
}

func (c *zmqChannel) Receive(ctx context.Context) ([]byte, error) {
	if c.frames == nil {
		return nil, fmt.Errorf("zmq %s channel does not receive", c.channel)
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	select {
	case payload := <-c.frames:
		return payload, nil
	case <-c.recvEnd:
		// Frames read before the failure are still delivered.
		select {
		case payload := <-c.frames:
			return payload, nil
		default:
		}

		return nil, c.recvErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *zmqChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	logger := transportLogger("zmq", c.channel, "target", c.target)
	if c.closed {
		logger.Debug("close skipped: already closed")

		return nil
	}
	c.closed = true
	err := c.sock.Close()
	c.cancel()
	if err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (c *zmqChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Socket errors are terminal: the socket is never reused after one.
func (c *zmqChannel) translateErr(err error) error {
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
