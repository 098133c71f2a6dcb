package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skobkin/kiwilink/internal/session"
)

// chanReceiver yields messages from a channel; closing it reports ChannelClosed.
type chanReceiver struct {
	msgs chan session.VideoMessage
}

func (r *chanReceiver) ReceiveVideo(ctx context.Context) (session.VideoMessage, error) {
	select {
	case msg, ok := <-r.msgs:
		if !ok {
			return session.VideoMessage{}, &session.SendError{Kind: session.ChannelClosed, Err: errors.New("peer closed")}
		}

		return msg, nil
	case <-ctx.Done():
		return session.VideoMessage{}, ctx.Err()
	}
}

func TestLoopDeliversInOrder(t *testing.T) {
	r := &chanReceiver{msgs: make(chan session.VideoMessage, 10)}
	for i := 1; i <= 5; i++ {
		r.msgs <- session.VideoMessage{Seq: uint64(i), Payload: []byte{byte(i)}}
	}
	close(r.msgs)

	var (
		mu  sync.Mutex
		got []uint64
	)
	closed := make(chan error, 1)
	l := Start(context.Background(), Config{
		Receiver: r,
		Consumer: func(msg session.VideoMessage) {
			mu.Lock()
			got = append(got, msg.Seq)
			mu.Unlock()
		},
		OnClosed: func(err error) { closed <- err },
	})

	select {
	case err := <-closed:
		require.ErrorIs(t, err, session.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("OnClosed was not called")
	}
	l.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	require.Equal(t, uint64(5), l.Frames())
}

func TestLoopStopsSilentlyOnCancel(t *testing.T) {
	r := &chanReceiver{msgs: make(chan session.VideoMessage)}
	ctx, cancel := context.WithCancel(context.Background())
	var closedCalls atomic.Int32
	l := Start(ctx, Config{
		Receiver: r,
		OnClosed: func(error) { closedCalls.Add(1) },
	})

	cancel()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	l.Wait()
	require.Equal(t, int32(0), closedCalls.Load())
}

func TestStallWatchdog(t *testing.T) {
	r := &chanReceiver{msgs: make(chan session.VideoMessage)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stalled := make(chan time.Duration, 4)
	resumed := make(chan struct{}, 4)
	l := Start(ctx, Config{
		Receiver:     r,
		StallTimeout: 30 * time.Millisecond,
		OnStall:      func(d time.Duration) { stalled <- d },
		OnResume:     func() { resumed <- struct{}{} },
	})

	select {
	case d := <-stalled:
		require.GreaterOrEqual(t, d, 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("stall was not reported")
	}

	r.msgs <- session.VideoMessage{Seq: 1}
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatal("resume was not reported")
	}

	cancel()
	l.Wait()
}
