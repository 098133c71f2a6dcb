// Package ingest pulls video messages off a session and hands them to a consumer.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/kiwilink/internal/metrics"
	"github.com/skobkin/kiwilink/internal/session"
)

type Receiver interface {
	ReceiveVideo(ctx context.Context) (session.VideoMessage, error)
}

type Config struct {
	Receiver Receiver
	// Consumer is called for every message, one at a time, in arrival order.
	Consumer func(session.VideoMessage)
	// OnClosed is called once when the video channel closes. It is not called
	// when the loop stops because its context was canceled, even if the
	// channel was closed as part of that shutdown.
	OnClosed func(error)

	// StallTimeout enables the stall watchdog when positive.
	StallTimeout time.Duration
	OnStall      func(silence time.Duration)
	OnResume     func()

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

type Loop struct {
	cfg    Config
	logger *slog.Logger

	frames atomic.Uint64
	seen   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// Start launches the receive loop; it runs until ctx is done or the channel closes.
func Start(ctx context.Context, cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Loop{
		cfg:    cfg,
		logger: cfg.Logger,
		seen:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run(ctx)
	if cfg.StallTimeout > 0 {
		l.wg.Add(1)
		go l.watch(ctx)
	}

	return l
}

// Done is closed when the receive loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the receive loop and the watchdog have exited.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) Frames() uint64 {
	return l.frames.Load()
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.done)

	for {
		msg, err := l.cfg.Receiver.ReceiveVideo(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Debug("video ingest stopped", "frames", l.frames.Load())

				return
			}
			l.logger.Warn("video channel closed", "frames", l.frames.Load(), "error", err)
			if l.cfg.OnClosed != nil {
				l.cfg.OnClosed(err)
			}

			return
		}

		l.frames.Add(1)
		l.cfg.Metrics.VideoFrame(len(msg.Payload))
		if l.cfg.Consumer != nil {
			l.cfg.Consumer(msg)
		}
		select {
		case l.seen <- struct{}{}:
		default:
		}
	}
}

func (l *Loop) watch(ctx context.Context) {
	defer l.wg.Done()

	timeout := l.cfg.StallTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	last := time.Now()
	stalled := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.seen:
			last = time.Now()
			if stalled {
				stalled = false
				l.logger.Info("video resumed")
				if l.cfg.OnResume != nil {
					l.cfg.OnResume()
				}
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			if !stalled {
				stalled = true
				silence := time.Since(last)
				l.logger.Warn("video stalled", "silence", silence.String())
				l.cfg.Metrics.VideoStalled()
				if l.cfg.OnStall != nil {
					l.cfg.OnStall(silence)
				}
			}
			timer.Reset(timeout)
		}
	}
}
