// Package collector carries raw integrity events from the sensors to the
// classifier in arrival order, and keeps the classified alert log.
package collector

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/proctor-sensor/internal/types"
)

// Handler consumes one raw event.
type Handler func(types.RawEvent)

// Config for the alert bus
type Config struct {
	SessionID string
	Clock     clockwork.Clock
}

// AlertBus is a FIFO, at-most-once channel shared by all sensors. Publish
// never blocks the sensor; delivery is serial, so no two events are handled
// concurrently.
type AlertBus struct {
	cfg Config
	log *logrus.Logger

	mu     sync.Mutex
	queue  []types.RawEvent
	seq    uint64
	closed bool
	notify chan struct{}

	// held for the whole of each delivery
	procMu   sync.Mutex
	handlers []Handler

	// Stats
	published atomic.Int64
	delivered atomic.Int64
	discarded atomic.Int64
}

// New creates an AlertBus
func New(cfg Config, log *logrus.Logger) *AlertBus {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &AlertBus{
		cfg:    cfg,
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

// Subscribe adds a handler. Handlers run in subscription order for every
// event.
func (b *AlertBus) Subscribe(h Handler) {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish timestamps ev on arrival and queues it. It reports false once the
// bus is closed.
func (b *AlertBus) Publish(ev types.RawEvent) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.discarded.Add(1)
		return false
	}
	b.seq++
	ev.Seq = b.seq
	ev.ReceivedAt = b.cfg.Clock.Now()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	b.published.Add(1)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// Start delivers queued events until ctx is cancelled.
func (b *AlertBus) Start(ctx context.Context) error {
	b.log.WithField("session_id", b.cfg.SessionID).Debug("Starting alert bus")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notify:
			b.Drain()
		}
	}
}

// Drain delivers every queued event and returns how many were delivered.
func (b *AlertBus) Drain() int {
	b.procMu.Lock()
	defer b.procMu.Unlock()

	n := 0
	for {
		ev, ok := b.next()
		if !ok {
			return n
		}
		b.log.WithFields(logrus.Fields{
			"session_id": b.cfg.SessionID,
			"seq":        ev.Seq,
			"signal":     ev.Signal,
			"source":     ev.Kind(),
		}).Debug("Raw integrity event")
		for _, h := range b.handlers {
			h(ev)
		}
		b.delivered.Add(1)
		n++
	}
}

func (b *AlertBus) next() (types.RawEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return types.RawEvent{}, false
	}
	ev := b.queue[0]
	b.queue[0] = types.RawEvent{}
	b.queue = b.queue[1:]
	return ev, true
}

// Close stops accepting events and discards anything still queued. An
// event being delivered when Close is called completes.
func (b *AlertBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.discarded.Add(int64(len(b.queue)))
	b.queue = nil
}

// Pending returns the number of queued events.
func (b *AlertBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// GetStats returns bus statistics
func (b *AlertBus) GetStats() (published, delivered, discarded int64) {
	return b.published.Load(), b.delivered.Load(), b.discarded.Load()
}
