// Package fleet provides the Redis-backed state shared across the worker
// fleet: key/value state, distributed locks, and pub/sub fan-out for job
// progress and cancellation notices. Grounded on the teacher's statemanager
// patterns (in-memory structures mirrored onto a shared backing store) and
// generalized onto github.com/redis/go-redis/v9, the client already used
// for queue routing elsewhere in the corpus.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by TryLock when another holder already owns the
// lock.
var ErrLockHeld = errors.New("fleet: lock already held")

// Fleet wraps a redis.Client with the higher-level operations the
// scheduler and flows packages need: ephemeral key/value state, locks, and
// a single dedicated subscriber goroutine fanning out to local channels
// (per the corpus convention of one subscriber per process, not one per
// caller, to avoid exhausting Redis connections under load).
type Fleet struct {
	rdb *redis.Client

	sub       *redis.PubSub
	subCtx    context.Context
	subCancel context.CancelFunc
	fanout    map[string][]chan string
}

// New wraps an existing redis client. Callers construct the client
// (pointing at a real Redis instance or a miniredis instance in tests).
func New(rdb *redis.Client) *Fleet {
	return &Fleet{rdb: rdb, fanout: make(map[string][]chan string)}
}

// Set stores a value with an optional TTL (zero means no expiry).
func (f *Fleet) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return f.rdb.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value, returning (empty, false) if the key is absent.
func (f *Fleet) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := f.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Delete removes a key.
func (f *Fleet) Delete(ctx context.Context, key string) error {
	return f.rdb.Del(ctx, key).Err()
}

// HSet stores a hash field, used for job-progress documents keyed by job ID.
func (f *Fleet) HSet(ctx context.Context, key, field, value string) error {
	return f.rdb.HSet(ctx, key, field, value).Err()
}

// HGetAll retrieves all fields of a hash.
func (f *Fleet) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.rdb.HGetAll(ctx, key).Result()
}

// LPush pushes onto the head of a list (BRPop pops from the tail), used for
// queue fallback/overflow buffering.
func (f *Fleet) LPush(ctx context.Context, key string, value string) error {
	return f.rdb.LPush(ctx, key, value).Err()
}

// BRPop blocks for up to timeout waiting for a list element.
func (f *Fleet) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := f.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

// ZAdd adds a member to a sorted set, used for priority-ordered queue
// backing and tier-transition scheduling.
func (f *Fleet) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return f.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZPopMin pops the lowest-scored member, used by priority-respecting queue
// consumers.
func (f *Fleet) ZPopMin(ctx context.Context, key string) (string, float64, bool, error) {
	res, err := f.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", 0, false, err
	}
	if len(res) == 0 {
		return "", 0, false, nil
	}
	member, _ := res[0].Member.(string)
	return member, res[0].Score, true, nil
}

const lockValue = "held"

// TryLock acquires a distributed lock using SET NX with expiry, the
// standard single-instance Redis locking idiom. It does not implement the
// full Redlock multi-instance algorithm; a single Redis instance is
// sufficient for this fleet's coordination needs.
func (f *Fleet) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := f.rdb.SetNX(ctx, key, lockValue, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Unlock releases a lock previously acquired with TryLock.
func (f *Fleet) Unlock(ctx context.Context, key string) error {
	return f.rdb.Del(ctx, key).Err()
}

// Publish sends a message on a channel.
func (f *Fleet) Publish(ctx context.Context, channel, message string) error {
	return f.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe returns a channel of messages for the given Redis channel,
// fanned out from a single underlying subscriber connection shared across
// all local subscribers to the same channel name.
func (f *Fleet) Subscribe(ctx context.Context, channel string) (<-chan string, func()) {
	if f.sub == nil {
		f.subCtx, f.subCancel = context.WithCancel(context.Background())
		f.sub = f.rdb.Subscribe(f.subCtx)
		go f.fanoutLoop()
	}
	_ = f.sub.Subscribe(f.subCtx, channel)

	local := make(chan string, 16)
	f.fanout[channel] = append(f.fanout[channel], local)

	unsubscribe := func() {
		chans := f.fanout[channel]
		for i, c := range chans {
			if c == local {
				f.fanout[channel] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(local)
	}
	return local, unsubscribe
}

func (f *Fleet) fanoutLoop() {
	ch := f.sub.Channel()
	for msg := range ch {
		for _, local := range f.fanout[msg.Channel] {
			select {
			case local <- msg.Payload:
			default:
			}
		}
	}
}

// Close releases the shared subscriber connection, if one was opened.
func (f *Fleet) Close() error {
	if f.subCancel != nil {
		f.subCancel()
	}
	if f.sub != nil {
		return f.sub.Close()
	}
	return nil
}

// JobProgressKey and JobChannelKey name the conventional keys used across
// the scheduler and flows packages for a given job ID.
func JobProgressKey(jobID string) string  { return fmt.Sprintf("job:%s:progress", jobID) }
func JobChannelKey(jobID string) string   { return fmt.Sprintf("job:%s:events", jobID) }
func QueueZSetKey(queue string) string    { return fmt.Sprintf("queue:%s", queue) }
func LockKeyForSource(source string) string { return fmt.Sprintf("lock:source:%s", source) }
