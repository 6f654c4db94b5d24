package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestBatcher(t *testing.T, interval time.Duration) (*Batcher, *Store, context.CancelFunc) {
	t.Helper()

	s, _ := newTestStore(t)
	b := NewBatcher(s, interval, 50000, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	t.Cleanup(func() {
		cancel()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
		_ = b.Drain(drainCtx)
	})

	return b, s, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBatcherFlushesHashWrites(t *testing.T) {
	b, s, _ := newTestBatcher(t, 10*time.Millisecond)
	ctx := context.Background()

	b.HSet("sessions:s1", map[string]string{"user_id": "alice"})

	waitFor(t, func() bool {
		v, err := s.HGet(ctx, "sessions:s1", "user_id")
		return err == nil && v == "alice"
	})
}

func TestBatcherCoalescesFields(t *testing.T) {
	b, s, _ := newTestBatcher(t, 50*time.Millisecond)
	ctx := context.Background()

	b.HSet("sessions:s1", map[string]string{"data": "v1", "chat_id": "c1"})
	b.HSet("sessions:s1", map[string]string{"data": "v2"})

	waitFor(t, func() bool {
		v, err := s.HGet(ctx, "sessions:s1", "data")
		return err == nil && v == "v2"
	})

	chat, err := s.HGet(ctx, "sessions:s1", "chat_id")
	if err != nil || chat != "c1" {
		t.Errorf("chat_id = %q, %v; want c1", chat, err)
	}
}

func TestBatcherDeleteSupersedesWrites(t *testing.T) {
	b, s, _ := newTestBatcher(t, 50*time.Millisecond)
	ctx := context.Background()

	b.HSet("sessions:s1", map[string]string{"user_id": "alice"})
	b.Del("sessions:s1")

	// Give the flush a chance to run, then verify the key never materialized.
	time.Sleep(150 * time.Millisecond)
	exists, err := s.Exists(ctx, "sessions:s1")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("key exists after delete superseded the write")
	}
}

func TestBatcherWriteAfterDeleteRecreates(t *testing.T) {
	b, s, _ := newTestBatcher(t, 10*time.Millisecond)
	ctx := context.Background()

	b.Del("sessions:s1")
	b.HSet("sessions:s1", map[string]string{"user_id": "bob"})

	waitFor(t, func() bool {
		v, err := s.HGet(ctx, "sessions:s1", "user_id")
		return err == nil && v == "bob"
	})
}

func TestBatcherSetAndSortedSetOps(t *testing.T) {
	b, s, _ := newTestBatcher(t, 10*time.Millisecond)
	ctx := context.Background()

	b.SAdd("user_sessions:alice", "s1")
	b.SAdd("user_sessions:alice", "s2")
	b.SRem("user_sessions:alice", "s1")
	b.ZAdd("connected_users", "s2", 42)

	waitFor(t, func() bool {
		members, err := s.SMembers(ctx, "user_sessions:alice")
		return err == nil && len(members) == 1 && members[0] == "s2"
	})
	waitFor(t, func() bool {
		ids, err := s.ZRangeByScore(ctx, "connected_users", "-inf", "+inf")
		return err == nil && len(ids) == 1 && ids[0] == "s2"
	})
}

func TestBatcherAddRemoveSameMemberCoalesces(t *testing.T) {
	b, s, _ := newTestBatcher(t, 50*time.Millisecond)
	ctx := context.Background()

	b.SAdd("user_sessions:alice", "s1")
	b.SRem("user_sessions:alice", "s1")

	time.Sleep(150 * time.Millisecond)
	members, err := s.SMembers(ctx, "user_sessions:alice")
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(members) != 0 {
		t.Errorf("SMembers() = %v, want empty", members)
	}
}

func TestBatcherDrainFlushesRemainder(t *testing.T) {
	s, _ := newTestStore(t)
	b := NewBatcher(s, time.Hour, 50000, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	b.HSet("sessions:s1", map[string]string{"user_id": "alice"})
	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	if err := b.Drain(drainCtx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	v, err := s.HGet(context.Background(), "sessions:s1", "user_id")
	if err != nil || v != "alice" {
		t.Errorf("HGet() after drain = %q, %v; want alice", v, err)
	}
}

func TestBatcherHighWaterForcesFlush(t *testing.T) {
	s, _ := newTestStore(t)
	b := NewBatcher(s, time.Hour, 3, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 5; i++ {
		b.HSet("sessions:s1", map[string]string{"data": "v"})
	}

	// The interval is an hour, so only the high-water path can flush this.
	waitFor(t, func() bool {
		v, err := s.HGet(context.Background(), "sessions:s1", "data")
		return err == nil && v == "v"
	})
}

func TestBatcherPendingField(t *testing.T) {
	s, _ := newTestStore(t)
	b := NewBatcher(s, time.Hour, 50000, zerolog.Nop())

	if _, ok := b.PendingField("sessions:s1", "data"); ok {
		t.Error("PendingField() found a value before any write")
	}

	b.HSet("sessions:s1", map[string]string{"data": "v1"})
	if v, ok := b.PendingField("sessions:s1", "data"); !ok || v != "v1" {
		t.Errorf("PendingField() = %q, %v; want v1", v, ok)
	}
	if _, ok := b.PendingField("sessions:s1", "chat_id"); ok {
		t.Error("PendingField() found an unqueued field")
	}

	b.Del("sessions:s1")
	if _, ok := b.PendingField("sessions:s1", "data"); ok {
		t.Error("PendingField() survived a superseding delete")
	}
}

func TestBatcherPendingCount(t *testing.T) {
	s, _ := newTestStore(t)
	b := NewBatcher(s, time.Hour, 50000, zerolog.Nop())

	b.HSet("sessions:s1", map[string]string{"a": "1"})
	b.HSet("sessions:s2", map[string]string{"a": "1"})

	if got := b.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}
