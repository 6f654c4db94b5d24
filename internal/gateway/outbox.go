package gateway

import "sync"

// outboxDepth is the per-connection outbound queue depth.
const outboxDepth = 64

// outMsg is one queued outbound frame. Critical frames (close notices, shutdown, session teardown) must reach the
// client even under backpressure.
type outMsg struct {
	data     []byte
	critical bool
}

// outbox is the per-connection outbound queue. When full, a critical frame displaces the oldest non-critical one;
// non-critical frames are dropped instead of stalling the hub.
type outbox struct {
	mu     sync.Mutex
	items  []outMsg
	notify chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

// push queues a frame, returning false if it was dropped.
func (o *outbox) push(data []byte, critical bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	if len(o.items) >= outboxDepth {
		// Displace the oldest non-critical frame so the newest data survives. Critical frames are never displaced;
		// a queue of nothing but critical frames rejects the newcomer.
		displaced := false
		for i, m := range o.items {
			if !m.critical {
				o.items = append(o.items[:i], o.items[i+1:]...)
				displaced = true
				break
			}
		}
		if !displaced {
			return false
		}
	}

	o.items = append(o.items, outMsg{data: data, critical: critical})
	o.signal()
	return true
}

// empty reports whether every queued frame has been popped.
func (o *outbox) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items) == 0
}

// pop returns the next queued frame without blocking.
func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) == 0 {
		return nil, false
	}
	msg := o.items[0]
	o.items = o.items[1:]
	return msg.data, true
}

// wait returns the channel signalled whenever a frame is queued or the outbox closes.
func (o *outbox) wait() <-chan struct{} { return o.notify }

// close stops accepting frames and wakes the writer.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
