// Package ack implements the acknowledgement correlator: a per-sender
// table of outstanding ack ids, each with a user callback and a timeout
// timer. Completion routes through the table, never through closures held
// elsewhere, so exactly one of {reply, timeout} reaches the callback.
package ack

import (
	"sync"
	"time"

	"github.com/erblinkqikuu/smartsocket"
)

// Table tracks the acks one sender is waiting on. The id counter is
// monotonic and wraps after 2^32; an id still outstanding is skipped so it
// can never collide.
type Table struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]*entry
	timeout time.Duration
	closed  bool
}

type entry struct {
	cb      smartsocket.AckCallback
	timer   *time.Timer
	created time.Time
}

// NewTable builds a table whose entries time out after timeout.
func NewTable(timeout time.Duration) *Table {
	return &Table{
		pending: make(map[uint32]*entry),
		timeout: timeout,
	}
}

// Register allocates an ack id for cb and arms its timeout timer. The
// returned id goes out on the wire with the ACK_REQUESTED flag.
func (t *Table) Register(cb smartsocket.AckCallback) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, false
	}

	id := t.next + 1
	for {
		if _, taken := t.pending[id]; !taken {
			break
		}
		id++
	}
	t.next = id

	e := &entry{cb: cb, created: time.Now()}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.pending[id] = e
	return id, true
}

// Resolve completes the ack with the peer's reply payload. Returns false
// when the id is unknown (already resolved, timed out, or never issued).
func (t *Table) Resolve(id uint32, payload []byte) bool {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		e.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.cb(payload, nil)
	return true
}

func (t *Table) expire(id uint32) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok {
		e.cb(nil, smartsocket.ErrAckTimeout)
	}
}

// Outstanding returns the number of acks still pending.
func (t *Table) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close cancels every pending timer without invoking callbacks and rejects
// further registrations. Used when the owning socket closes.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for id, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, id)
	}
}
