// Package mem is an in-process transport. A Network holds device ports keyed
// by address; clients dial them through Network.Dialer. Useful for tests and
// for simulating a device without sockets.
package mem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skobkin/kiwilink/internal/endpoint"
	"github.com/skobkin/kiwilink/internal/transport"
)

// ErrRefused is returned when nothing listens on the dialled address.
var ErrRefused = errors.New("mem: connection refused")

const defaultVideoBuffer = 16

type Network struct {
	mu    sync.Mutex
	ports map[string]*Port
}

func NewNetwork() *Network {
	return &Network{ports: make(map[string]*Port)}
}

// Listen registers a device port at addr. inboxSize is the number of command
// payloads the device buffers before pushes block; 0 means every push waits
// for the device to read it.
func (n *Network) Listen(addr string, inboxSize int) *Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.ports[addr]; ok {
		return p
	}
	if inboxSize < 0 {
		inboxSize = 0
	}
	p := &Port{
		addr:  addr,
		inbox: make(chan []byte, inboxSize),
		conns: make(map[*conn]struct{}),
	}
	n.ports[addr] = p

	return p
}

// Unlisten removes the port and drops its connections.
func (n *Network) Unlisten(addr string) {
	n.mu.Lock()
	p := n.ports[addr]
	delete(n.ports, addr)
	n.mu.Unlock()
	if p != nil {
		p.Disconnect()
	}
}

func (n *Network) Dialer() *Dialer {
	return &Dialer{network: n}
}

func (n *Network) port(addr string) *Port {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.ports[addr]
}

// Port is the device side of one endpoint.
type Port struct {
	addr  string
	inbox chan []byte

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func (p *Port) Addr() string {
	return p.addr
}

// Inbox yields command payloads pushed by clients, in wire order.
func (p *Port) Inbox() <-chan []byte {
	return p.inbox
}

// Publish delivers payload to every connected video channel. It blocks while a
// subscriber's buffer is full, until ctx is done.
func (p *Port) Publish(ctx context.Context, payload []byte) error {
	for _, c := range p.snapshot() {
		msg := append([]byte(nil), payload...)
		select {
		case c.frames <- msg:
		case <-c.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Connections reports how many client channels are attached.
func (p *Port) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.conns)
}

// Disconnect drops every attached channel as if the device went away.
func (p *Port) Disconnect() {
	for _, c := range p.snapshot() {
		c.drop()
	}
}

func (p *Port) snapshot() []*conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*conn, 0, len(p.conns))
	for c := range p.conns {
		out = append(out, c)
	}

	return out
}

func (p *Port) attach(c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[c] = struct{}{}
}

func (p *Port) detach(c *conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, c)
}

type Dialer struct {
	network *Network
}

func (d *Dialer) Name() string {
	return "mem"
}

func (d *Dialer) DialCommand(ctx context.Context, target endpoint.Target) (transport.CommandChannel, error) {
	return d.dial(ctx, target)
}

func (d *Dialer) DialVideo(ctx context.Context, target endpoint.Target) (transport.VideoChannel, error) {
	return d.dial(ctx, target)
}

func (d *Dialer) dial(ctx context.Context, target endpoint.Target) (*conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := d.network.port(target.Address())
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrRefused, target.Address())
	}
	c := &conn{
		port:   p,
		frames: make(chan []byte, defaultVideoBuffer),
		closed: make(chan struct{}),
	}
	p.attach(c)

	return c, nil
}

type conn struct {
	port   *Port
	frames chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *conn) Name() string {
	return "mem"
}

func (c *conn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}

	msg := append([]byte(nil), payload...)
	select {
	case c.port.inbox <- msg:
		return nil
	case <-c.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	default:
	}

	select {
	case msg := <-c.frames:
		return msg, nil
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.drop()

	return nil
}

func (c *conn) drop() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.port.detach(c)
	})
}
