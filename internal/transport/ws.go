package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skobkin/kiwilink/internal/endpoint"
)

const (
	defaultWSDialTimeout = 6 * time.Second
	wsCloseGracePeriod   = time.Second
)

// WebSocketDialer opens one websocket per channel. The command socket is only
// written to and the video socket is only read from.
type WebSocketDialer struct {
	commandPath  string
	videoPath    string
	dialTimeout  time.Duration
	maxFrameSize int
}

func NewWebSocketDialer(commandPath, videoPath string, dialTimeout time.Duration, maxFrameSize int) *WebSocketDialer {
	if dialTimeout <= 0 {
		dialTimeout = defaultWSDialTimeout
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &WebSocketDialer{
		commandPath:  normalizeWSPath(commandPath),
		videoPath:    normalizeWSPath(videoPath),
		dialTimeout:  dialTimeout,
		maxFrameSize: maxFrameSize,
	}
}

func (d *WebSocketDialer) Name() string {
	return "ws"
}

func (d *WebSocketDialer) DialCommand(ctx context.Context, target endpoint.Target) (CommandChannel, error) {
	return d.dial(ctx, target.URL("ws")+d.commandPath, "command")
}

func (d *WebSocketDialer) DialVideo(ctx context.Context, target endpoint.Target) (VideoChannel, error) {
	return d.dial(ctx, target.URL("ws")+d.videoPath, "video")
}

func (d *WebSocketDialer) dial(ctx context.Context, url, channel string) (*wsChannel, error) {
	logger := transportLogger("ws", channel, "target", url)
	dialer := websocket.Dialer{HandshakeTimeout: d.dialTimeout}

	logger.Info("connecting")
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			logger.Warn("connect failed", "status", resp.StatusCode, "error", err)
		} else {
			logger.Warn("connect failed", "error", err)
		}

		return nil, fmt.Errorf("dial websocket %s: %w", url, err)
	}
	conn.SetReadLimit(int64(d.maxFrameSize))
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return &wsChannel{channel: channel, target: url, conn: conn}, nil
}

type wsChannel struct {
	channel string
	target  string
	conn    *websocket.Conn

	mu      sync.Mutex
	closed  bool
	writeMu sync.Mutex
}

func (c *wsChannel) Name() string {
	return "ws"
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		transportLogger("ws", c.channel).Warn("write message failed", "payload_len", len(payload), "error", err)

		return c.translateErr(ctx, fmt.Errorf("write message: %w", err))
	}

	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, c.translateErr(ctx, fmt.Errorf("read message: %w", err))
		}
		if kind != websocket.BinaryMessage && kind != websocket.TextMessage {
			continue
		}
		if len(payload) == 0 {
			continue
		}

		return payload, nil
	}
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	logger := transportLogger("ws", c.channel, "target", c.target)
	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGracePeriod))

	if err := c.conn.Close(); err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

func (c *wsChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *wsChannel) translateErr(ctx context.Context, err error) error {
	if c.isClosed() {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: peer disconnected: %v", ErrClosed, err)
	}

	return err
}

func normalizeWSPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}

	return path
}
