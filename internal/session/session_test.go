package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skobkin/kiwilink/internal/endpoint"
	"github.com/skobkin/kiwilink/internal/transport/mem"
)

type device struct {
	network *mem.Network
	command *mem.Port
	video   *mem.Port
	targets endpoint.Targets
}

func newDevice(t *testing.T, inboxSize int) device {
	t.Helper()
	targets, err := endpoint.Resolve("10.0.0.5", "5555", "5556")
	require.NoError(t, err)

	n := mem.NewNetwork()

	return device{
		network: n,
		command: n.Listen(targets.Command.Address(), inboxSize),
		video:   n.Listen(targets.Video.Address(), 0),
		targets: targets,
	}
}

func openSession(t *testing.T, d device, opts Options) *Session {
	t.Helper()
	s, err := Open(context.Background(), d.network.Dialer(), d.targets, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestOpenConnectsBothChannels(t *testing.T) {
	d := newDevice(t, 8)
	s := openSession(t, d, Options{})

	require.NotEmpty(t, s.ID())
	require.Equal(t, 1, d.command.Connections())
	require.Equal(t, 1, d.video.Connections())
	require.True(t, s.CommandUp())
}

func TestOpenReleasesCommandChannelWhenVideoFails(t *testing.T) {
	d := newDevice(t, 8)
	d.network.Unlisten(d.targets.Video.Address())

	_, err := Open(context.Background(), d.network.Dialer(), d.targets, Options{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, mem.ErrRefused)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "video", connErr.Channel)
	require.Equal(t, 0, d.command.Connections(), "partially opened command channel must be released")
}

func TestOpenHonoursCanceledContext(t *testing.T) {
	d := newDevice(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Open(ctx, d.network.Dialer(), d.targets, Options{})
	require.ErrorIs(t, err, ErrConnect)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSendPreservesSubmissionOrder(t *testing.T) {
	const n = 200
	d := newDevice(t, n)
	s := openSession(t, d, Options{OutboxSize: n})

	acks := make([]Ack, 0, n)
	for i := 0; i < n; i++ {
		ack, err := s.Send(CommandPacket{Payload: []byte(fmt.Sprintf("cmd-%03d", i))})
		require.NoError(t, err)
		acks = append(acks, ack)
	}

	for i, ack := range acks {
		require.Equal(t, uint64(i+1), ack.Seq)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, ack.Wait(ctx))
		cancel()
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-d.command.Inbox():
			require.Equal(t, fmt.Sprintf("cmd-%03d", i), string(got))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}
}

func TestSendReportsBackpressureWithinBoundedTime(t *testing.T) {
	// Unbuffered inbox nobody reads: the writer stalls on the first packet.
	d := newDevice(t, 0)
	const outboxSize = 4
	s := openSession(t, d, Options{OutboxSize: outboxSize, SendWait: 20 * time.Millisecond})

	start := time.Now()
	var (
		accepted int
		sendErr  error
	)
	for i := 0; i < outboxSize+3; i++ {
		_, err := s.Send(CommandPacket{Payload: []byte("fill")})
		if err != nil {
			sendErr = err
			break
		}
		accepted++
	}

	require.Error(t, sendErr)
	require.ErrorIs(t, sendErr, ErrBackpressure)
	require.NotErrorIs(t, sendErr, ErrChannelClosed)
	require.LessOrEqual(t, accepted, outboxSize+1)
	require.Less(t, time.Since(start), time.Second)

	var se *SendError
	require.ErrorAs(t, sendErr, &se)
	require.True(t, se.Temporary())
}

func TestSendWithoutWaitFailsImmediatelyWhenFull(t *testing.T) {
	d := newDevice(t, 0)
	s := openSession(t, d, Options{OutboxSize: 1})

	var err error
	for i := 0; i < 4 && err == nil; i++ {
		_, err = s.Send(CommandPacket{Payload: []byte("fill")})
	}
	require.ErrorIs(t, err, ErrBackpressure)
}

func TestReceiveVideoReturnsFramesInOrder(t *testing.T) {
	d := newDevice(t, 8)
	s := openSession(t, d, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.video.Publish(ctx, []byte{byte(i)}))
	}

	for i := 0; i < 3; i++ {
		msg, err := s.ReceiveVideo(ctx)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, msg.Payload)
		require.Equal(t, uint64(i+1), msg.Seq)
		require.False(t, msg.ReceivedAt.IsZero())
	}
}

func TestCloseUnblocksPendingVideoReceive(t *testing.T) {
	d := newDevice(t, 8)
	s := openSession(t, d, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ReceiveVideo(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("video receive did not return after close")
	}
}

func TestReceiveVideoContextCancellation(t *testing.T) {
	d := newDevice(t, 8)
	s := openSession(t, d, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.ReceiveVideo(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVideoDropDoesNotAffectCommands(t *testing.T) {
	d := newDevice(t, 8)
	s := openSession(t, d, Options{})

	d.video.Disconnect()
	_, err := s.ReceiveVideo(context.Background())
	require.ErrorIs(t, err, ErrChannelClosed)

	ack, err := s.Send(CommandPacket{Payload: []byte("stop")})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ack.Wait(ctx))
	require.Equal(t, "stop", string(<-d.command.Inbox()))
}

func TestCommandDropMarksChannelDown(t *testing.T) {
	d := newDevice(t, 8)
	var (
		mu      sync.Mutex
		downErr error
		results []error
	)
	s := openSession(t, d, Options{
		OnCommandDown: func(err error) {
			mu.Lock()
			downErr = err
			mu.Unlock()
		},
		OnCommandResult: func(_ CommandPacket, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		},
	})

	d.command.Disconnect()
	ack, err := s.Send(CommandPacket{Payload: []byte("move:1,0")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, ack.Wait(ctx), ErrChannelClosed)
	require.False(t, s.CommandUp())

	_, err = s.Send(CommandPacket{Payload: []byte("stop")})
	require.ErrorIs(t, err, ErrChannelClosed)

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, downErr)
	require.Len(t, results, 1)
	require.ErrorIs(t, results[0], ErrChannelClosed)
}

func TestCloseFailsQueuedPackets(t *testing.T) {
	d := newDevice(t, 0)
	s := openSession(t, d, Options{OutboxSize: 4})

	var acks []Ack
	for i := 0; i < 3; i++ {
		ack, err := s.Send(CommandPacket{Payload: []byte("queued")})
		require.NoError(t, err)
		acks = append(acks, ack)
	}

	require.NoError(t, s.Close())
	for _, ack := range acks {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := ack.Wait(ctx)
		cancel()
		require.ErrorIs(t, err, ErrChannelClosed)
	}

	_, err := s.Send(CommandPacket{Payload: []byte("late")})
	require.ErrorIs(t, err, ErrChannelClosed)
	require.Equal(t, 0, d.command.Connections())
	require.Equal(t, 0, d.video.Connections())
}

func TestCloseIsIdempotent(t *testing.T) {
	d := newDevice(t, 8)
	s := openSession(t, d, Options{})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.ReceiveVideo(context.Background())
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestSendErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", &SendError{Kind: Backpressure, Err: errors.New("full")})
	require.ErrorIs(t, wrapped, ErrBackpressure)
	require.NotErrorIs(t, wrapped, ErrChannelClosed)
	require.Equal(t, "channel_closed", ChannelClosed.String())
}
