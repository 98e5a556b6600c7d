package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/and161185/medledger/internal/errs"
)

// NonceStore keeps one pending login challenge per address.
type NonceStore interface {
	// Put stores nonce for addr, replacing any pending one.
	Put(ctx context.Context, addr common.Address, nonce string, ttl time.Duration) error
	// Take returns and removes the pending nonce, or errs.ErrNotFound when none is pending.
	Take(ctx context.Context, addr common.Address) (string, error)
}

// RedisNonces stores challenges as expiring keys.
type RedisNonces struct{ rdb redis.Cmdable }

// NewRedisNonces wraps a redis client.
func NewRedisNonces(rdb redis.Cmdable) *RedisNonces { return &RedisNonces{rdb: rdb} }

func nonceKey(addr common.Address) string {
	return "login_nonce:" + strings.ToLower(addr.Hex())
}

// Put implements NonceStore.
func (s *RedisNonces) Put(ctx context.Context, addr common.Address, nonce string, ttl time.Duration) error {
	return s.rdb.Set(ctx, nonceKey(addr), nonce, ttl).Err()
}

// Take implements NonceStore.
func (s *RedisNonces) Take(ctx context.Context, addr common.Address) (string, error) {
	v, err := s.rdb.GetDel(ctx, nonceKey(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("no pending challenge for %s: %w", addr.Hex(), errs.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, errs.ErrUnavailable)
	}
	return v, nil
}

type pending struct {
	nonce   string
	expires time.Time
}

// MemoryNonces is a process-local NonceStore used when no redis is configured.
type MemoryNonces struct {
	mu  sync.Mutex
	m   map[common.Address]pending
	now func() time.Time
}

// NewMemoryNonces constructs an empty store.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{m: map[common.Address]pending{}, now: time.Now}
}

// Put implements NonceStore.
func (s *MemoryNonces) Put(_ context.Context, addr common.Address, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[addr] = pending{nonce: nonce, expires: s.now().Add(ttl)}
	return nil
}

// Take implements NonceStore.
func (s *MemoryNonces) Take(_ context.Context, addr common.Address) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[addr]
	delete(s.m, addr)
	if !ok || !s.now().Before(p.expires) {
		return "", fmt.Errorf("no pending challenge for %s: %w", addr.Hex(), errs.ErrNotFound)
	}
	return p.nonce, nil
}
