// Package clearer implements the sindex clearer (spec §4.6, C6): a chunked
// background traversal-and-delete that empties and retires a sindex's
// B-tree without holding a single long transaction, and the drain group that
// lets shard teardown await every in-flight clear (spec §5 "Background
// clearers carry a drainer handle").
package clearer

import (
	"context"
	"sync"

	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/logging"
	"github.com/couchbase/tablestore/metrics"
	"github.com/couchbase/tablestore/sindex"
	"github.com/couchbase/tablestore/squeue"
)

// ChunkSize bounds the work done per small transaction (spec §4.6: "32").
const ChunkSize = 32

// Group is the drain group a store owns; every clearer it spawns is
// admitted to it, and shard teardown cancels the context it was spawned
// with and then calls Wait.
type Group struct {
	wg sync.WaitGroup
}

// Spawn admits one clearer goroutine for the named, already
// mark_deleted sindex and returns immediately; completion is observed via
// Wait, not via a return value, matching the teacher's spawn-goroutine,
// report-on-channel idiom (storageMgr.run / handleSupvervisorCommands).
func (g *Group) Spawn(ctx context.Context, deps Deps, uuidStr, deletedName string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := Clear(ctx, deps, uuidStr, deletedName); err != nil {
			logging.Errorf("clearer: clear of %s failed: %v", deletedName, err)
		}
	}()
}

// Wait blocks until every spawned clearer has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Deps bundles the collaborators Clear needs: the cache (to open small
// write transactions), the B-tree (traversal, delete,
// MarkTreeDeleted), the registry (to remove the final entry), and the
// fan-out (to deregister the sindex's queue once it is gone).
type Deps struct {
	Cache    engine.Cache
	Btree    engine.Btree
	Registry *sindex.Registry
	Squeue   *squeue.FanOut
	Metrics  *metrics.Store // nil is fine; counters are just skipped
}

// Clear runs the algorithm of spec §4.6 to completion: repeated small SOFT
// transactions each clearing up to ChunkSize keys, followed by a final
// transaction that marks the sindex's tree deleted through
// Btree.MarkTreeDeleted and removes the registry entry. No separate stat
// block or embedded sindex block is deleted, and the final transaction does
// not check that the tree is empty first. Each chunk is its own transaction, so a
// crash mid-clear simply leaves a partially-cleared tree that a subsequent
// call to Clear re-clears from the start — idempotent by construction
// (spec §4.6 "Correctness relies on... (c)").
func Clear(ctx context.Context, deps Deps, uuidStr, deletedName string) error {
	for {
		reachedEnd, err := clearChunk(ctx, deps, deletedName)
		if err != nil {
			return err
		}
		if reachedEnd {
			break
		}
	}
	return finalize(ctx, deps, uuidStr, deletedName)
}

// clearChunk opens one small write transaction, collects up to ChunkSize
// keys via forward traversal, and deletes each of them (spec §4.6 loop
// body). It returns reachedEnd, signalling the caller to stop looping.
func clearChunk(ctx context.Context, deps Deps, deletedName string) (bool, error) {
	txn, err := deps.Cache.BeginSindexOnlyWrite(ctx)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	d, found, err := deps.Registry.Get(ctx, txn, deletedName)
	if err != nil {
		return false, err
	}
	if !found {
		// Already fully cleared by a previous, crashed attempt.
		return true, nil
	}

	keys, reachedEnd, err := deps.Btree.DepthFirstTraversal(ctx, txn, d.SuperblockBlockID, nil, ChunkSize)
	if err != nil {
		return false, err
	}

	for _, key := range keys {
		if _, err := deps.Btree.Delete(ctx, txn, d.SuperblockBlockID, key); err != nil {
			return false, err
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return false, err
	}
	committed = true
	if deps.Metrics != nil {
		deps.Metrics.ClearChunks.Inc(1)
	}
	return reachedEnd, nil
}

// finalize marks the now-empty sindex's tree deleted and removes its
// registry entry, then deregisters its queue (spec §4.6 "final transaction").
func finalize(ctx context.Context, deps Deps, uuidStr, deletedName string) error {
	txn, err := deps.Cache.BeginSindexOnlyWrite(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	d, found, err := deps.Registry.Get(ctx, txn, deletedName)
	if err != nil {
		return err
	}
	if found {
		if err := deps.Btree.MarkTreeDeleted(ctx, txn, d.SuperblockBlockID); err != nil {
			return err
		}
		if _, err := deps.Registry.Delete(ctx, txn, deletedName); err != nil {
			return err
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return err
	}
	committed = true

	if err := deps.Squeue.EmergencyDeregister(ctx, uuidStr); err != nil {
		return err
	}
	return nil
}
