// Package enginetest is an in-memory, deterministic implementation of the
// engine interfaces, used by the core packages' unit tests in place of a
// real buffer cache + B-tree (which spec §1 places out of scope). It is
// intentionally simple: one global mutex, no real page eviction, no real
// persistence — just enough semantics (transactions, block locks, a B-tree
// keyed by root id) to exercise the core's ordering and lifecycle logic.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/couchbase/tablestore/engine"
)

// Cache is the in-memory engine.Cache + engine.Btree implementation.
type Cache struct {
	mu         sync.Mutex
	nextBlock  engine.BlockID
	superblock engine.SuperblockData
	trees      map[engine.BlockID]map[string][]byte // root -> sorted-by-key kv store
}

func New() *Cache {
	return &Cache{
		nextBlock: 1,
		trees:     make(map[engine.BlockID]map[string][]byte),
	}
}

type txn struct {
	cache       *Cache
	durability  engine.Durability
	done        bool
	readSnapMI  []byte
	useSnapshot bool
}

func (t *txn) Durability() engine.Durability { return t.durability }

func (t *txn) Commit(ctx context.Context) error {
	t.done = true
	return nil
}

func (t *txn) Abort() {
	t.done = true
}

func (c *Cache) BeginRead(ctx context.Context, useSnapshot bool) (engine.Txn, error) {
	return &txn{cache: c, durability: engine.DurabilitySoft, useSnapshot: useSnapshot}, nil
}

func (c *Cache) BeginWrite(ctx context.Context, expectedChangeCount int, durability engine.Durability) (engine.Txn, error) {
	return &txn{cache: c, durability: durability}, nil
}

func (c *Cache) BeginBackfillRead(ctx context.Context) (engine.Txn, error) {
	return &txn{cache: c, durability: engine.DurabilitySoft}, nil
}

func (c *Cache) BeginSindexOnlyWrite(ctx context.Context) (engine.Txn, error) {
	return &txn{cache: c, durability: engine.DurabilitySoft}, nil
}

type bufLock struct {
	id     engine.BlockID
	access engine.Access
}

func (b *bufLock) BlockID() engine.BlockID { return b.id }
func (b *bufLock) Access() engine.Access   { return b.access }
func (b *bufLock) MarkDeleted()            {}
func (b *bufLock) Release()                {}

const superblockID engine.BlockID = 0 // well-known, never returned by InitSuperblock

func (c *Cache) AcquireSuperblock(ctx context.Context, t engine.Txn, access engine.Access) (engine.BufLock, error) {
	return &bufLock{id: superblockID, access: access}, nil
}

func (c *Cache) AcquireBlock(ctx context.Context, t engine.Txn, parent engine.BufLock, id engine.BlockID, access engine.Access) (engine.BufLock, error) {
	return &bufLock{id: id, access: access}, nil
}

func (c *Cache) ReadSuperblock(ctx context.Context, t engine.Txn, lock engine.BufLock) (engine.SuperblockData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.superblock, nil
}

func (c *Cache) WriteSuperblock(ctx context.Context, t engine.Txn, lock engine.BufLock, data engine.SuperblockData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.superblock = data
	return nil
}

// --- engine.Btree -------------------------------------------------------

func (c *Cache) InitSuperblock(ctx context.Context, t engine.Txn) (engine.BlockID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextBlock
	c.nextBlock++
	c.trees[id] = make(map[string][]byte)
	return id, nil
}

func (c *Cache) Get(ctx context.Context, t engine.Txn, root engine.BlockID, key []byte) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, ok := c.trees[root]
	if !ok {
		return nil, false, nil
	}
	v, found := tree[string(key)]
	return v, found, nil
}

func (c *Cache) Put(ctx context.Context, t engine.Txn, root engine.BlockID, key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, ok := c.trees[root]
	if !ok {
		return fmt.Errorf("enginetest: unknown tree %d", root)
	}
	cp := append([]byte(nil), value...)
	tree[string(key)] = cp
	return nil
}

func (c *Cache) Delete(ctx context.Context, t engine.Txn, root engine.BlockID, key []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, ok := c.trees[root]
	if !ok {
		return false, nil
	}
	_, existed := tree[string(key)]
	delete(tree, string(key))
	return existed, nil
}

func (c *Cache) DepthFirstTraversal(ctx context.Context, t engine.Txn, root engine.BlockID, start []byte, limit int) ([][]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tree, ok := c.trees[root]
	if !ok {
		return nil, true, nil
	}
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out [][]byte
	reachedEnd := true
	for _, k := range keys {
		if bytes.Compare([]byte(k), start) < 0 {
			continue
		}
		if len(out) >= limit {
			reachedEnd = false
			break
		}
		out = append(out, []byte(k))
	}
	return out, reachedEnd, nil
}

func (c *Cache) MarkTreeDeleted(ctx context.Context, t engine.Txn, root engine.BlockID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.trees, root)
	return nil
}
