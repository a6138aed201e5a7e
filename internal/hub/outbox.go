package hub

import (
	"sync"
	"sync/atomic"
)

// Outbox is a bounded per-subscriber queue. Send never blocks: when the
// queue is full the oldest message is dropped.
//
// An outbox created priming holds messages back until Prime delivers the
// snapshot, so a new subscriber always sees its snapshot first.
type Outbox struct {
	mu      sync.Mutex
	queue   [][]byte
	limit   int
	priming bool
	closed  bool

	dropped atomic.Uint64
	ready   chan struct{}
	done    chan struct{}
}

// NewOutbox creates an outbox holding at most limit queued messages.
func NewOutbox(limit int, priming bool) *Outbox {
	if limit <= 0 {
		limit = 1
	}
	return &Outbox{
		limit:   limit,
		priming: priming,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Send enqueues data.
func (o *Outbox) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if len(o.queue) >= o.limit {
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.dropped.Add(1)
	}
	o.queue = append(o.queue, data)
	if !o.priming {
		o.signal()
	}
	return nil
}

// Prime places snapshot ahead of everything queued so far and releases
// the queue. The snapshot is not subject to the size limit.
func (o *Outbox) Prime(snapshot [][]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || !o.priming {
		return
	}
	q := make([][]byte, 0, len(snapshot)+len(o.queue))
	q = append(q, snapshot...)
	q = append(q, o.queue...)
	o.queue = q
	o.priming = false
	o.signal()
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Ready fires when messages may be drained.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Done is closed by Close.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Drain removes and returns every queued message.
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.priming || len(o.queue) == 0 {
		return nil
	}
	out := o.queue
	o.queue = nil
	return out
}

// Dropped reports how many messages were discarded on overflow.
func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }

// Close discards queued messages and rejects further sends. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	close(o.done)
}
