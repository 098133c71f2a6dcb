package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/kiwilink/internal/bus"
)

const (
	eventQueueSize = 256
	eventFlushWait = time.Second
)

type busEvent struct {
	topic string
	msg   any
	// state events use the blocking Publish and are kept over the rest.
	state bool
}

// publisher moves bus traffic off the channel goroutines. Pushing never
// blocks; a slow subscriber only delays this goroutine.
type publisher struct {
	bus    bus.MessageBus
	logger *slog.Logger

	mu      sync.Mutex
	pending []busEvent
	closed  bool
	dropped uint64

	wake chan struct{}
	done chan struct{}
}

func newPublisher(b bus.MessageBus, logger *slog.Logger) *publisher {
	p := &publisher{
		bus:    b,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if b == nil {
		close(p.done)

		return p
	}
	go p.run()

	return p
}

func (p *publisher) push(ev busEvent) {
	if p == nil || p.bus == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return
	}
	if len(p.pending) >= eventQueueSize && !p.evictFor(ev) {
		p.dropped++
		p.mu.Unlock()

		return
	}
	p.pending = append(p.pending, ev)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// evictFor frees a slot for a state event: the oldest best-effort event goes
// first, then the oldest state event. Callers hold mu.
func (p *publisher) evictFor(ev busEvent) bool {
	if !ev.state {
		return false
	}
	idx := 0
	for i, queued := range p.pending {
		if !queued.state {
			idx = i

			break
		}
	}
	p.pending = append(p.pending[:idx], p.pending[idx+1:]...)
	p.dropped++

	return true
}

func (p *publisher) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		batch := p.pending
		p.pending = nil
		closed := p.closed
		p.mu.Unlock()

		for _, ev := range batch {
			if ev.state {
				p.bus.Publish(ev.topic, ev.msg)
				continue
			}
			p.bus.TryPublish(ev.topic, ev.msg)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-p.wake
	}
}

// close flushes what is queued, waiting at most wait for a stuck subscriber.
func (p *publisher) close(wait time.Duration) {
	if p == nil {
		return
	}

	p.mu.Lock()
	p.closed = true
	dropped := p.dropped
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}

	if dropped > 0 {
		p.logger.Warn("bus events dropped", "count", dropped)
	}
	select {
	case <-p.done:
	case <-time.After(wait):
		p.logger.Warn("bus subscriber not draining, abandoning queued events", "wait", wait)
	}
}
