package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Batcher coalesces mutations in memory and flushes them to the store in a single pipeline on a fixed interval.
// Mutations against the same key within one window collapse: later hash fields overwrite earlier ones and a delete
// supersedes any writes queued before it. Reads and publishes never pass through here.
type Batcher struct {
	store  *Store
	logger zerolog.Logger

	interval  time.Duration
	highWater int

	mu      sync.Mutex
	pending map[string]*pendingKey
	ops     int

	kick chan struct{}
	done chan struct{}
}

// pendingKey is the coalesced state for one store key within the current flush window.
type pendingKey struct {
	del    bool
	fields map[string]string
	zadd   map[string]float64
	zrem   map[string]struct{}
	sadd   map[string]struct{}
	srem   map[string]struct{}

	expire    time.Duration
	hasExpire bool
}

// NewBatcher creates a batcher flushing every interval. Once more than highWater operations are queued, writers
// flush synchronously instead of queueing, trading latency for bounded memory.
func NewBatcher(store *Store, interval time.Duration, highWater int, logger zerolog.Logger) *Batcher {
	return &Batcher{
		store:     store,
		logger:    logger.With().Str("component", "batcher").Logger(),
		interval:  interval,
		highWater: highWater,
		pending:   make(map[string]*pendingKey),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Run flushes on every tick until ctx is cancelled, then drains whatever is still queued.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.kick:
			b.flush(ctx)
		}
	}
}

// Drain blocks until the run loop has exited and the final flush completed, or ctx expires.
func (b *Batcher) Drain(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HSet queues hash field writes for key.
func (b *Batcher) HSet(key string, fields map[string]string) {
	b.submit(key, func(p *pendingKey) {
		if p.fields == nil {
			p.fields = make(map[string]string, len(fields))
		}
		for f, v := range fields {
			p.fields[f] = v
		}
	})
}

// Del queues a key deletion, superseding any writes queued before it.
func (b *Batcher) Del(key string) {
	b.submit(key, func(p *pendingKey) {
		*p = pendingKey{del: true}
	})
}

// ZAdd queues a scored member write.
func (b *Batcher) ZAdd(key, member string, score float64) {
	b.submit(key, func(p *pendingKey) {
		if p.zadd == nil {
			p.zadd = make(map[string]float64)
		}
		delete(p.zrem, member)
		p.zadd[member] = score
	})
}

// ZRem queues a sorted-set member removal.
func (b *Batcher) ZRem(key, member string) {
	b.submit(key, func(p *pendingKey) {
		if p.zrem == nil {
			p.zrem = make(map[string]struct{})
		}
		delete(p.zadd, member)
		p.zrem[member] = struct{}{}
	})
}

// SAdd queues a set member addition.
func (b *Batcher) SAdd(key, member string) {
	b.submit(key, func(p *pendingKey) {
		if p.sadd == nil {
			p.sadd = make(map[string]struct{})
		}
		delete(p.srem, member)
		p.sadd[member] = struct{}{}
	})
}

// SRem queues a set member removal.
func (b *Batcher) SRem(key, member string) {
	b.submit(key, func(p *pendingKey) {
		if p.srem == nil {
			p.srem = make(map[string]struct{})
		}
		delete(p.sadd, member)
		p.srem[member] = struct{}{}
	})
}

// Expire queues a TTL update for key.
func (b *Batcher) Expire(key string, ttl time.Duration) {
	b.submit(key, func(p *pendingKey) {
		p.expire = ttl
		p.hasExpire = true
	})
}

func (b *Batcher) submit(key string, apply func(*pendingKey)) {
	b.mu.Lock()
	p, ok := b.pending[key]
	if !ok {
		p = &pendingKey{}
		b.pending[key] = p
	}
	apply(p)
	b.ops++
	over := b.ops > b.highWater
	b.mu.Unlock()

	// Past the high-water mark writers flush synchronously, paying the store latency themselves until the queue
	// drains. The kick also wakes the run loop in case another writer queued meanwhile.
	if over {
		select {
		case b.kick <- struct{}{}:
		default:
		}
		b.flush(context.Background())
	}
}

// Pending returns the number of queued operations. Used by health reporting and tests.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops
}

// PendingField returns the value queued for one hash field of key in the current flush window. Writers doing a
// read-merge-write through the batcher use it to stack onto state the store has not seen yet.
func (b *Batcher) PendingField(key, field string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[key]
	if !ok {
		return "", false
	}
	v, ok := p.fields[field]
	return v, ok
}

// flush snapshots the queue and writes it in one pipeline, retrying with capped exponential backoff. After the
// retry budget is exhausted the batch is dropped and logged; queued state is never blocked behind a dead store.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	ops := b.ops
	b.pending = make(map[string]*pendingKey)
	b.ops = 0
	b.mu.Unlock()

	backoff := retry.WithCappedDuration(5*time.Second, retry.NewExponential(50*time.Millisecond))
	backoff = retry.WithMaxRetries(6, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		pipe := b.store.Client().Pipeline()
		for key, p := range batch {
			b.pipelineKey(pipe, key, p)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		b.logger.Error().Err(err).Int("ops", ops).Msg("dropping batch after retries exhausted")
		return
	}

	b.logger.Trace().Int("ops", ops).Int("keys", len(batch)).Msg("flushed batch")
}

func (b *Batcher) pipelineKey(pipe redis.Pipeliner, key string, p *pendingKey) {
	ctx := context.Background()

	// The delete runs first so a write queued after it recreates the key.
	if p.del {
		pipe.Del(ctx, key)
	}
	if len(p.fields) > 0 {
		pipe.HSet(ctx, key, p.fields)
	}
	if len(p.zadd) > 0 {
		zs := make([]redis.Z, 0, len(p.zadd))
		for member, score := range p.zadd {
			zs = append(zs, redis.Z{Member: member, Score: score})
		}
		pipe.ZAdd(ctx, key, zs...)
	}
	if len(p.zrem) > 0 {
		pipe.ZRem(ctx, key, setMembers(p.zrem)...)
	}
	if len(p.sadd) > 0 {
		pipe.SAdd(ctx, key, setMembers(p.sadd)...)
	}
	if len(p.srem) > 0 {
		pipe.SRem(ctx, key, setMembers(p.srem)...)
	}
	if p.hasExpire {
		pipe.Expire(ctx, key, p.expire)
	}
}

func setMembers(set map[string]struct{}) []any {
	out := make([]any, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}
