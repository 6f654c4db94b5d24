package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb), mr
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestConnectValkeyScheme(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "valkey://"+mr.Addr(), time.Second)
	if err != nil {
		t.Fatalf("Connect() with valkey scheme error = %v", err)
	}
	defer client.Close()
}

func TestConnectBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "://not-a-url", time.Second); err == nil {
		t.Fatal("Connect() expected error for malformed URL")
	}
}

func TestKeyHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"user", UserKey("alice"), "users:alice"},
		{"session", SessionKey("abc"), "sessions:abc"},
		{"user sessions", UserSessionsKey("alice"), "user_sessions:alice"},
		{"connection", ConnectionKey("abc"), "connections:abc"},
		{"connected users", ConnectedUsersKey(), "connected_users"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestHashRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.HSet(ctx, "sessions:s1", map[string]string{"user_id": "alice", "chat_id": "c1"}); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}

	got, err := s.HGet(ctx, "sessions:s1", "user_id")
	if err != nil {
		t.Fatalf("HGet() error = %v", err)
	}
	if got != "alice" {
		t.Errorf("HGet(user_id) = %q, want alice", got)
	}

	all, err := s.HGetAll(ctx, "sessions:s1")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("HGetAll() returned %d fields, want 2", len(all))
	}
}

func TestHGetAllMissingKey(t *testing.T) {
	s, _ := newTestStore(t)

	all, err := s.HGetAll(context.Background(), "sessions:nope")
	if err != nil {
		t.Fatalf("HGetAll() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("HGetAll() on missing key = %v, want empty", all)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !IsNotFound(err) {
		t.Errorf("Get() on missing key error = %v, want not-found", err)
	}
}

func TestSetOperations(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.SAdd(ctx, "user_sessions:alice", "s1", "s2"); err != nil {
		t.Fatalf("SAdd() error = %v", err)
	}
	if err := s.SRem(ctx, "user_sessions:alice", "s1"); err != nil {
		t.Fatalf("SRem() error = %v", err)
	}

	members, err := s.SMembers(ctx, "user_sessions:alice")
	if err != nil {
		t.Fatalf("SMembers() error = %v", err)
	}
	if len(members) != 1 || members[0] != "s2" {
		t.Errorf("SMembers() = %v, want [s2]", members)
	}
}

func TestSortedSetRange(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.ZAdd(ctx, "connected_users", "s1", 100); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	if err := s.ZAdd(ctx, "connected_users", "s2", 200); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}

	stale, err := s.ZRangeByScore(ctx, "connected_users", "-inf", "150")
	if err != nil {
		t.Fatalf("ZRangeByScore() error = %v", err)
	}
	if len(stale) != 1 || stale[0] != "s1" {
		t.Errorf("ZRangeByScore() = %v, want [s1]", stale)
	}

	if err := s.ZRem(ctx, "connected_users", "s1"); err != nil {
		t.Fatalf("ZRem() error = %v", err)
	}
	rest, err := s.ZRangeByScore(ctx, "connected_users", "-inf", "+inf")
	if err != nil {
		t.Fatalf("ZRangeByScore() error = %v", err)
	}
	if len(rest) != 1 || rest[0] != "s2" {
		t.Errorf("ZRangeByScore() after ZRem = %v, want [s2]", rest)
	}
}

func TestScanKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"sessions:a", "sessions:b", "users:alice"} {
		if err := s.HSet(ctx, key, map[string]string{"x": "1"}); err != nil {
			t.Fatalf("HSet(%s) error = %v", key, err)
		}
	}

	keys, err := s.ScanKeys(ctx, "sessions:*")
	if err != nil {
		t.Fatalf("ScanKeys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("ScanKeys(sessions:*) = %v, want 2 keys", keys)
	}
}

func TestPubSub(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(ctx, "user:alice")
	defer sub.Close()

	// Wait for the subscription to be established before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}

	if err := s.Publish(ctx, "user:alice", []byte(`{"type":"logout"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != `{"type":"logout"}` {
			t.Errorf("payload = %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}
