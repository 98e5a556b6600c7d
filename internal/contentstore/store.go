// Package contentstore provides clients for the content-addressed off-chain store.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/and161185/medledger/internal/errs"
)

// Store puts and fetches immutable blobs addressed by content id.
type Store interface {
	// Put stores data and returns its content id.
	Put(ctx context.Context, data []byte) (string, error)
	// Get fetches the blob for cid.
	Get(ctx context.Context, cid string) ([]byte, error)
}

// Memory is an in-process Store addressed by sha256. It backs dev mode and tests.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory { return &Memory{blobs: map[string][]byte{}} }

// Put stores a copy of data.
func (m *Memory) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	cid := "sha256-" + hex.EncodeToString(sum[:])
	m.mu.Lock()
	m.blobs[cid] = append([]byte(nil), data...)
	m.mu.Unlock()
	return cid, nil
}

// Get returns a copy of the blob or errs.ErrNotFound.
func (m *Memory) Get(ctx context.Context, cid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	b, ok := m.blobs[cid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cat %s: %w", cid, errs.ErrNotFound)
	}
	return append([]byte(nil), b...), nil
}

// Len reports the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
