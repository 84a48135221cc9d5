package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/macroflight/frankenrouter/wire"
)

// Item is one received line waiting for a forwarder: the payload, who
// sent it, and when it was read off the socket.
type Item struct {
	Line string
	From *wire.Conn
	At   time.Time
}

// Queue is one of the two message queues feeding the forwarders. The
// from-clients queue drops its oldest entry when full; the
// from-upstream queue never drops and applies backpressure instead.
type Queue struct {
	zerolog.Logger

	name       string
	ch         chan Item
	dropOldest bool
	drops      atomic.Int64
}

// NewQueue creates a queue of the given depth.
func NewQueue(name string, size int, dropOldest bool, log zerolog.Logger) *Queue {
	return &Queue{
		Logger:     log.With().Str("queue", name).Logger(),
		name:       name,
		ch:         make(chan Item, size),
		dropOldest: dropOldest,
	}
}

// Name returns the queue name for the status display.
func (q *Queue) Name() string { return q.name }

// Push enqueues it. On a full drop-oldest queue the oldest entry is
// discarded to make room; otherwise Push blocks until there is room or
// ctx is cancelled.
func (q *Queue) Push(ctx context.Context, it Item) {
	if !q.dropOldest {
		select {
		case q.ch <- it:
		case <-ctx.Done():
		}
		return
	}
	for {
		select {
		case q.ch <- it:
			return
		default:
		}
		select {
		case old := <-q.ch:
			if n := q.drops.Add(1); n%1000 == 1 {
				q.Warn().Int64("drops", n).Str("line", old.Line).
					Msg("queue full, dropping oldest")
			}
		default:
		}
	}
}

// Pop dequeues the next item, blocking until one arrives or ctx is
// cancelled.
func (q *Queue) Pop(ctx context.Context) (Item, bool) {
	select {
	case it := <-q.ch:
		return it, true
	case <-ctx.Done():
		return Item{}, false
	}
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Drops returns how many items this queue has discarded.
func (q *Queue) Drops() int64 { return q.drops.Load() }
