package limiter

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis counts failures in an expiring key and blocks with a second one.
type Redis struct {
	rdb      redis.Cmdable
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// NewRedis constructs a redis-backed limiter.
func NewRedis(rdb redis.Cmdable, window time.Duration, maxFails int, blockFor time.Duration) *Redis {
	return &Redis{rdb: rdb, window: window, maxFails: maxFails, blockFor: blockFor}
}

func keys(account string, ipHash []byte) (fails, block string) {
	id := strings.ToLower(account) + ":" + hex.EncodeToString(ipHash)
	return "login_fails:" + id, "login_block:" + id
}

// Allow implements Limiter.
func (l *Redis) Allow(ctx context.Context, account string, ipHash []byte) (bool, time.Duration, error) {
	_, block := keys(account, ipHash)
	ttl, err := l.rdb.PTTL(ctx, block).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl > 0 {
		return false, ttl, nil
	}
	return true, 0, nil
}

// Success implements Limiter.
func (l *Redis) Success(ctx context.Context, account string, ipHash []byte) error {
	fails, block := keys(account, ipHash)
	return l.rdb.Del(ctx, fails, block).Err()
}

// Failure implements Limiter. The window starts at the first failure.
func (l *Redis) Failure(ctx context.Context, account string, ipHash []byte) (bool, time.Duration, error) {
	fails, block := keys(account, ipHash)
	n, err := l.rdb.Incr(ctx, fails).Result()
	if err != nil {
		return false, 0, err
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, fails, l.window).Err(); err != nil {
			return false, 0, err
		}
	}
	if n < int64(l.maxFails) {
		return false, 0, nil
	}
	if err := l.rdb.Set(ctx, block, "1", l.blockFor).Err(); err != nil {
		return false, 0, err
	}
	if err := l.rdb.Del(ctx, fails).Err(); err != nil {
		return false, 0, err
	}
	return true, l.blockFor, nil
}
