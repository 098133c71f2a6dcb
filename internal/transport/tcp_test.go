package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/skobkin/kiwilink/internal/endpoint"
)

func listenLoopback(t *testing.T) (net.Listener, endpoint.Target) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	port := ln.Addr().(*net.TCPAddr).Port

	return ln, endpoint.Target{Host: "127.0.0.1", Port: strconv.Itoa(port)}
}

func acceptOne(t *testing.T, ln net.Listener) <-chan net.Conn {
	t.Helper()
	out := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(out)

			return
		}
		out <- conn
	}()

	return out
}

func waitConn(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn, ok := <-ch:
		if !ok {
			t.Fatalf("accept failed")
		}
		t.Cleanup(func() { _ = conn.Close() })

		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for connection")
	}

	return nil
}

func TestTCPCommandChannelWritesFrames(t *testing.T) {
	ln, target := listenLoopback(t)
	accepted := acceptOne(t, ln)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := NewTCPDialer(time.Second, 0).DialCommand(ctx, target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ch.Close() }()
	peer := waitConn(t, accepted)

	for _, payload := range [][]byte{[]byte("first"), []byte("second")} {
		if err := ch.Send(ctx, payload); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(peer)
	for _, want := range []string{"first", "second"} {
		got, err := readFrame(ioReadFullFunc(reader), 0)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
}

func TestTCPVideoChannelReadsFrames(t *testing.T) {
	ln, target := listenLoopback(t)
	accepted := acceptOne(t, ln)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := NewTCPDialer(time.Second, 0).DialVideo(ctx, target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ch.Close() }()
	peer := waitConn(t, accepted)

	frame, err := encodeFrame(bytes.Repeat([]byte{0xAB}, 70000), 0)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := peer.Write(frame); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	got, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(got) != 70000 {
		t.Fatalf("unexpected payload length %d", len(got))
	}
}

func TestTCPReceiveReportsPeerDisconnect(t *testing.T) {
	ln, target := listenLoopback(t)
	accepted := acceptOne(t, ln)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := NewTCPDialer(time.Second, 0).DialVideo(ctx, target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ch.Close() }()
	peer := waitConn(t, accepted)
	_ = peer.Close()

	_, err = ch.Receive(ctx)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTCPCloseUnblocksReceive(t *testing.T) {
	ln, target := listenLoopback(t)
	accepted := acceptOne(t, ln)

	ch, err := NewTCPDialer(time.Second, 0).DialVideo(context.Background(), target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitConn(t, accepted)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Receive(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("receive did not return after close")
	}
}

func TestTCPReceiveHonoursContext(t *testing.T) {
	ln, target := listenLoopback(t)
	accepted := acceptOne(t, ln)

	ch, err := NewTCPDialer(time.Second, 0).DialVideo(context.Background(), target)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ch.Close() }()
	waitConn(t, accepted)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = ch.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTCPDialRefused(t *testing.T) {
	ln, target := listenLoopback(t)
	_ = ln.Close()

	_, err := NewTCPDialer(time.Second, 0).DialCommand(context.Background(), target)
	if err == nil {
		t.Fatalf("expected dial error")
	}
}
