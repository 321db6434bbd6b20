// Copyright 2025 James Ross
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/redis/go-redis/v9"
)

// Bus is the Redis-backed FIFO queue set plus the per-job status mirror and
// per-job reservation lock that keeps at most one worker on a task_id at a
// time (Invariant I1).
type Bus struct {
	rdb *redis.Client
	cfg *config.Config
}

// New dials Redis per the bus config.
func New(cfg *config.Config) *Bus {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Bus.Addr,
		Username:     cfg.Bus.Username,
		Password:     cfg.Bus.Password,
		DB:           cfg.Bus.DB,
		MinIdleConns: cfg.Bus.MinIdleConns,
		DialTimeout:  cfg.Bus.DialTimeout,
		ReadTimeout:  cfg.Bus.ReadTimeout,
		WriteTimeout: cfg.Bus.WriteTimeout,
	})
	return &Bus{rdb: rdb, cfg: cfg}
}

// WithClient wraps an already-built client, used by tests against miniredis.
func WithClient(cfg *config.Config, rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb, cfg: cfg}
}

func (b *Bus) Close() error { return b.rdb.Close() }

// Push adds a message at the head of one queue; PopMulti takes from the
// tail, so each queue is FIFO.
func (b *Bus) Push(ctx context.Context, queue string, payload []byte) error {
	if err := b.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", queue, err)
	}
	return nil
}

// PopMulti blocks up to timeout across the given queues in priority order
// and returns the first one ready, mirroring BRPOP's own semantics: callers
// should always list the retry queue first so retried work jumps ahead of
// fresh work (Invariant I6's pacing lives above this call, not inside it).
func (b *Bus) PopMulti(ctx context.Context, timeout time.Duration, queues ...string) (queue string, payload []byte, err error) {
	res, err := b.rdb.BRPop(ctx, timeout, queues...).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("pop from %v: %w", queues, err)
	}
	return res[0], []byte(res[1]), nil
}

// QueueLen reports the current backlog depth of one queue, used to feed the
// queue_length gauge.
func (b *Bus) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queue, err)
	}
	return n, nil
}

func (b *Bus) statusKey(taskID string) string {
	return fmt.Sprintf(b.cfg.Bus.StatusKeyPattern, taskID)
}

// SetStatus writes (merges into) the per-job status hash mirror.
func (b *Bus) SetStatus(ctx context.Context, taskID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if err := b.rdb.HSet(ctx, b.statusKey(taskID), fields).Err(); err != nil {
		return fmt.Errorf("set status %s: %w", taskID, err)
	}
	return nil
}

// GetStatus reads the full status hash mirror for one job. A nil/empty map
// with no error means the mirror hasn't been populated (fall back to Store).
func (b *Bus) GetStatus(ctx context.Context, taskID string) (map[string]string, error) {
	m, err := b.rdb.HGetAll(ctx, b.statusKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", taskID, err)
	}
	return m, nil
}

// IncrStatusField atomically bumps one integer field in the status mirror.
func (b *Bus) IncrStatusField(ctx context.Context, taskID, field string, by int64) error {
	if err := b.rdb.HIncrBy(ctx, b.statusKey(taskID), field, by).Err(); err != nil {
		return fmt.Errorf("incr status field %s.%s: %w", taskID, field, err)
	}
	return nil
}

// Lock is a held per-job reservation. Release is idempotent and only
// deletes the key if this holder still owns it.
type Lock struct {
	bus    *Bus
	taskID string
	token  string
}

const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`

// AcquireLock attempts a non-blocking reservation on a task_id. ok is false
// if another worker already holds it.
func (b *Bus) AcquireLock(ctx context.Context, taskID string) (lock *Lock, ok bool, err error) {
	key := fmt.Sprintf(b.cfg.Bus.LockKeyPattern, taskID)
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	set, err := b.rdb.SetNX(ctx, key, token, b.cfg.Bus.LockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", taskID, err)
	}
	if !set {
		return nil, false, nil
	}
	return &Lock{bus: b, taskID: taskID, token: token}, true, nil
}

// Release drops the lock, but only if still held by this token (another
// worker may have already reclaimed it after a reaper sweep).
func (l *Lock) Release(ctx context.Context) error {
	key := fmt.Sprintf(l.bus.cfg.Bus.LockKeyPattern, l.taskID)
	if err := l.bus.rdb.Eval(ctx, releaseScript, []string{key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.taskID, err)
	}
	return nil
}

// LockKeyPattern is exposed for the reaper, which checks lock keys directly.
func (b *Bus) LockKeyPattern() string { return b.cfg.Bus.LockKeyPattern }

// RedisClient exposes the underlying client for the reaper's key scan; kept
// narrow so only that one consumer reaches past the Bus abstraction.
func (b *Bus) RedisClient() *redis.Client { return b.rdb }
