package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/skobkin/kiwilink/internal/endpoint"
)

const (
	defaultTCPDialTimeout = 6 * time.Second
	tcpReadBufferSize     = 64 << 10
)

// TCPDialer opens framed TCP channels: one connection per channel.
type TCPDialer struct {
	dialTimeout  time.Duration
	maxFrameSize int
}

func NewTCPDialer(dialTimeout time.Duration, maxFrameSize int) *TCPDialer {
	if dialTimeout <= 0 {
		dialTimeout = defaultTCPDialTimeout
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &TCPDialer{dialTimeout: dialTimeout, maxFrameSize: maxFrameSize}
}

func (d *TCPDialer) Name() string {
	return "tcp"
}

func (d *TCPDialer) DialCommand(ctx context.Context, target endpoint.Target) (CommandChannel, error) {
	return d.dial(ctx, target, "command")
}

func (d *TCPDialer) DialVideo(ctx context.Context, target endpoint.Target) (VideoChannel, error) {
	return d.dial(ctx, target, "video")
}

func (d *TCPDialer) dial(ctx context.Context, target endpoint.Target, channel string) (*tcpChannel, error) {
	logger := transportLogger("tcp", channel, "target", target.Address())
	dialer := net.Dialer{Timeout: d.dialTimeout}
	logger.Info("connecting")
	conn, err := dialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		logger.Warn("connect failed", "error", err)

		return nil, fmt.Errorf("dial tcp %s: %w", target.Address(), err)
	}
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return &tcpChannel{
		channel:      channel,
		target:       target.Address(),
		maxFrameSize: d.maxFrameSize,
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, tcpReadBufferSize),
	}, nil
}

// tcpChannel is used either as a command or as a video channel, never both.
type tcpChannel struct {
	channel      string
	target       string
	maxFrameSize int

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	writeMu sync.Mutex
	reader  *bufio.Reader
}

func (c *tcpChannel) Name() string {
	return "tcp"
}

func (c *tcpChannel) Send(ctx context.Context, payload []byte) error {
	logger := transportLogger("tcp", c.channel)
	conn, err := c.currentConn()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(payload, c.maxFrameSize)
	if err != nil {
		logger.Warn("encode frame failed", "payload_len", len(payload), "error", err)

		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(frame); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "frame_len", len(frame), "error", err)

		return c.translateErr(ctx, fmt.Errorf("write frame: %w", err))
	}
	logger.Debug("write frame", "payload_len", len(payload), "frame_len", len(frame))

	return nil
}

func (c *tcpChannel) Receive(ctx context.Context) ([]byte, error) {
	logger := transportLogger("tcp", c.channel)
	conn, err := c.currentConn()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	payload, err := readFrame(ioReadFullFunc(c.reader), c.maxFrameSize)
	if err != nil {
		logger.Debug("read frame failed", "error", err)

		return nil, c.translateErr(ctx, err)
	}
	logger.Debug("read frame", "len", len(payload))

	return payload, nil
}

func (c *tcpChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	logger := transportLogger("tcp", c.channel, "target", c.target)
	if c.closed {
		logger.Debug("close skipped: already closed")

		return nil
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (c *tcpChannel) currentConn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	return c.conn, nil
}

func (c *tcpChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *tcpChannel) translateErr(ctx context.Context, err error) error {
	if c.isClosed() {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: peer disconnected: %v", ErrClosed, err)
	}

	return err
}
