package contentstore

import (
	"context"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"
)

// Cached is a read-through Store persisting blobs in LevelDB. Content ids address immutable
// data, so entries never need invalidation.
type Cached struct {
	next Store
	db   *leveldb.DB
	log  *zap.Logger
}

// NewCached opens (or creates) the cache database at dir in front of next.
func NewCached(next Store, dir string, log *zap.Logger) (*Cached, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, db: db, log: log}, nil
}

func cacheKey(cid string) []byte { return []byte("cid:" + cid) }

// Put stores through to the backing store and keeps a local copy.
func (c *Cached) Put(ctx context.Context, data []byte) (string, error) {
	cid, err := c.next.Put(ctx, data)
	if err != nil {
		return "", err
	}
	if err := c.db.Put(cacheKey(cid), data, nil); err != nil {
		c.log.Warn("cache put", zap.String("cid", cid), zap.Error(err))
	}
	return cid, nil
}

// Get serves from the cache, falling back to the backing store.
func (c *Cached) Get(ctx context.Context, cid string) ([]byte, error) {
	b, err := c.db.Get(cacheKey(cid), nil)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, leveldb.ErrNotFound) {
		c.log.Warn("cache get", zap.String("cid", cid), zap.Error(err))
	}
	b, err = c.next.Get(ctx, cid)
	if err != nil {
		return nil, err
	}
	if err := c.db.Put(cacheKey(cid), b, nil); err != nil {
		c.log.Warn("cache fill", zap.String("cid", cid), zap.Error(err))
	}
	return b, nil
}

// Close releases the cache database.
func (c *Cached) Close() error { return c.db.Close() }
