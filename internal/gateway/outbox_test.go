package gateway

import (
	"bytes"
	"testing"
)

func TestOutboxPushPop(t *testing.T) {
	o := newOutbox()

	if !o.push([]byte("a"), false) {
		t.Fatal("push() = false")
	}
	if !o.push([]byte("b"), false) {
		t.Fatal("push() = false")
	}

	msg, ok := o.pop()
	if !ok || !bytes.Equal(msg, []byte("a")) {
		t.Errorf("pop() = %q, %v", msg, ok)
	}
	msg, ok = o.pop()
	if !ok || !bytes.Equal(msg, []byte("b")) {
		t.Errorf("pop() = %q, %v", msg, ok)
	}
	if _, ok := o.pop(); ok {
		t.Error("pop() on empty outbox = true")
	}
}

func TestOutboxDropsOldestNonCriticalWhenFull(t *testing.T) {
	o := newOutbox()
	o.push([]byte("first"), false)
	for i := 1; i < outboxDepth; i++ {
		o.push([]byte("fill"), false)
	}

	// The newest frame survives at the cost of the oldest one.
	if !o.push([]byte("extra"), false) {
		t.Error("push() dropped the incoming frame instead of the oldest")
	}

	msg, _ := o.pop()
	if bytes.Equal(msg, []byte("first")) {
		t.Error("oldest non-critical frame was not displaced")
	}
}

func TestOutboxCriticalDisplacesOldestNonCritical(t *testing.T) {
	o := newOutbox()
	o.push([]byte("first"), false)
	for i := 1; i < outboxDepth; i++ {
		o.push([]byte("fill"), false)
	}

	if !o.push([]byte("urgent"), true) {
		t.Fatal("push() rejected a critical frame with non-critical frames queued")
	}

	// The oldest non-critical frame is gone; everything still fits the depth.
	msg, _ := o.pop()
	if bytes.Equal(msg, []byte("first")) {
		t.Error("oldest non-critical frame was not displaced")
	}

	count := 1
	for {
		if _, ok := o.pop(); !ok {
			break
		}
		count++
	}
	if count != outboxDepth {
		t.Errorf("queued frames = %d, want %d", count, outboxDepth)
	}
}

func TestOutboxAllCriticalRejectsOverflow(t *testing.T) {
	o := newOutbox()
	for i := 0; i < outboxDepth; i++ {
		o.push([]byte("critical"), true)
	}

	if o.push([]byte("one more"), true) {
		t.Error("push() accepted a critical frame with only critical frames queued")
	}
}

func TestOutboxClose(t *testing.T) {
	o := newOutbox()
	o.push([]byte("a"), false)
	o.close()

	if o.push([]byte("b"), false) {
		t.Error("push() accepted a frame after close")
	}
	if !o.isClosed() {
		t.Error("isClosed() = false after close")
	}

	// Queued frames remain poppable so the writer can flush them.
	if _, ok := o.pop(); !ok {
		t.Error("pop() lost queued frame on close")
	}
}
