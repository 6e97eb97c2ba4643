package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/models"
)

const defaultPollInterval = 250 * time.Millisecond

// Redis keeps one list per priority tier plus a membership set so that
// enqueue stays idempotent. It does not own the client.
type Redis struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
	closed       chan struct{}
	once         sync.Once
}

var _ Queue = (*Redis)(nil)

// NewRedis builds a queue under the given key prefix ("jobqueue" when empty).
func NewRedis(client redis.UniversalClient, prefix string, pollInterval time.Duration) *Redis {
	if prefix == "" {
		prefix = "jobqueue"
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Redis{
		client:       client,
		prefix:       prefix,
		pollInterval: pollInterval,
		closed:       make(chan struct{}),
	}
}

func (q *Redis) readyKey(p models.Priority) string {
	return fmt.Sprintf("%s:ready:%s", q.prefix, p)
}

func (q *Redis) membersKey() string {
	return q.prefix + ":members"
}

// tierKeys lists the ready lists from highest to lowest priority.
func (q *Redis) tierKeys() []string {
	keys := make([]string, 0, len(models.Priorities))
	for _, p := range models.Priorities {
		keys = append(keys, q.readyKey(p))
	}
	return keys
}

func (q *Redis) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Redis) Enqueue(ctx context.Context, id string, priority models.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("enqueue %s: invalid priority %d", id, int(priority))
	}
	if q.isClosed() {
		return ErrClosed
	}
	err := enqueueScript.Run(ctx, q.client, []string{q.membersKey(), q.readyKey(priority)}, id).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (string, error) {
	keys := append([]string{q.membersKey()}, q.tierKeys()...)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if q.isClosed() {
			return "", ErrClosed
		}
		res, err := dequeueScript.Run(ctx, q.client, keys).Result()
		switch {
		case err == nil:
			id, ok := res.(string)
			if !ok {
				return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
			}
			return id, nil
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			return "", fmt.Errorf("dequeue: %w", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.closed:
			return "", ErrClosed
		case <-ticker.C:
		}
	}
}

func (q *Redis) Remove(ctx context.Context, id string) (bool, error) {
	keys := append([]string{q.membersKey()}, q.tierKeys()...)
	n, err := removeScript.Run(ctx, q.client, keys, id).Int64()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", id, err)
	}
	return n > 0, nil
}

// Len returns the total length of all ready lists.
func (q *Redis) Len(ctx context.Context) (int, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(models.Priorities))
	for _, key := range q.tierKeys() {
		cmds = append(cmds, pipe.LLen(ctx, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return int(total), nil
}

func (q *Redis) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

var dequeueScript = redis.NewScript(`
for i=2,#KEYS do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('SREM', KEYS[1], job)
    return job
  end
end
return nil
`)

var removeScript = redis.NewScript(`
local removed = 0
for i=2,#KEYS do
  removed = removed + redis.call('LREM', KEYS[i], 0, ARGV[1])
end
if removed > 0 then
  redis.call('SREM', KEYS[1], ARGV[1])
end
return removed
`)
