package gateway

import (
	"testing"
	"time"
)

func TestDedupeCacheSeen(t *testing.T) {
	d := newDedupeCache(time.Minute)

	if d.seen("s1|key-1") {
		t.Error("first sighting reported as seen")
	}
	if !d.seen("s1|key-1") {
		t.Error("second sighting not reported as seen")
	}
	if d.seen("s1|key-2") {
		t.Error("different key reported as seen")
	}
	if d.seen("s2|key-1") {
		t.Error("different session reported as seen")
	}
}

func TestDedupeCacheExpiry(t *testing.T) {
	d := newDedupeCache(30 * time.Millisecond)

	if d.seen("s1|key-1") {
		t.Error("first sighting reported as seen")
	}
	time.Sleep(50 * time.Millisecond)
	if d.seen("s1|key-1") {
		t.Error("expired entry still reported as seen")
	}
}
