package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/G-Research/busbench/internal/busbench/message"
	"github.com/G-Research/busbench/internal/busbench/transport"
)

const defaultPollInterval = 100 * time.Millisecond

// RedisNotifier pushes the encoded signal onto a redis list.
type RedisNotifier struct {
	db  redis.UniversalClient
	key string
}

func NewRedisNotifier(db redis.UniversalClient, key string) *RedisNotifier {
	return &RedisNotifier{db: db, key: key}
}

func (n *RedisNotifier) Notify(ctx context.Context, signal *message.CompletionSignal) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	data, err := message.EncodeCompletion(signal)
	if err != nil {
		return err
	}
	if err := n.db.RPush(n.key, data).Err(); err != nil {
		return errors.Wrapf(err, "error pushing completion signal to %s", n.key)
	}
	return nil
}

func (n *RedisNotifier) Endpoint() string {
	return fmt.Sprintf("redis list %s", n.key)
}

// RedisWaiter receives signals pushed by RedisNotifier.
type RedisWaiter struct {
	db           redis.UniversalClient
	key          string
	pollInterval time.Duration
}

func NewRedisWaiter(db redis.UniversalClient, key string, pollInterval time.Duration) *RedisWaiter {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &RedisWaiter{db: db, key: key, pollInterval: pollInterval}
}

// WatchCompletion drops any signal left over from an earlier run, so the watch only sees
// signals pushed after it was created.
func (w *RedisWaiter) WatchCompletion() (transport.CompletionWatch, error) {
	if err := w.db.Del(w.key).Err(); err != nil {
		return nil, errors.Wrapf(err, "error clearing %s", w.key)
	}
	return &redisWatch{waiter: w}, nil
}

type redisWatch struct {
	waiter *RedisWaiter
}

func (rw *redisWatch) Wait(ctx context.Context) (*message.CompletionSignal, error) {
	ticker := time.NewTicker(rw.waiter.pollInterval)
	defer ticker.Stop()
	for {
		data, err := rw.waiter.db.LPop(rw.waiter.key).Bytes()
		switch {
		case err == nil:
			return message.DecodeCompletion(data)
		case err != redis.Nil:
			return nil, errors.Wrapf(err, "error reading completion signal from %s", rw.waiter.key)
		}
		select {
		case <-ctx.Done():
			return nil, errors.WithStack(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (rw *redisWatch) Close() error {
	return nil
}
