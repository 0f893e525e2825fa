package enginetest

import (
	"context"

	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/region"
)

// KVProtocol is the default engine.Protocol used by the core packages'
// tests: point get/put/delete against the primary tree rooted at
// PrimaryRoot, emitting one engine.ChangeRecord per write (spec §4.5: "the
// protocol layer... pushes change records"). SendBackfill/ReceiveBackfill
// walk the same tree a real query-protocol backfill would, but without any
// region-aware key routing, since that routing is exactly the out-of-scope
// query-protocol logic spec §1 excludes.
type KVProtocol struct {
	Cache       *Cache
	PrimaryRoot engine.BlockID
}

func (p *KVProtocol) Read(ctx context.Context, txn engine.Txn, sb engine.BufLock, req engine.ReadRequest) (engine.ReadResponse, error) {
	v, found, err := p.Cache.Get(ctx, txn, p.PrimaryRoot, req.Key)
	if err != nil {
		return engine.ReadResponse{}, err
	}
	return engine.ReadResponse{Value: v, Found: found}, nil
}

func (p *KVProtocol) Write(ctx context.Context, txn engine.Txn, sb engine.BufLock, req engine.WriteRequest) (engine.WriteResponse, []engine.ChangeRecord, error) {
	if req.Delete {
		if _, err := p.Cache.Delete(ctx, txn, p.PrimaryRoot, req.Key); err != nil {
			return engine.WriteResponse{}, nil, err
		}
		return engine.WriteResponse{Applied: true}, []engine.ChangeRecord{{Key: req.Key, Value: nil}}, nil
	}
	if err := p.Cache.Put(ctx, txn, p.PrimaryRoot, req.Key, req.Value); err != nil {
		return engine.WriteResponse{}, nil, err
	}
	return engine.WriteResponse{Applied: true}, []engine.ChangeRecord{{Key: req.Key, Value: req.Value}}, nil
}

func (p *KVProtocol) ReceiveBackfill(ctx context.Context, txn engine.Txn, sb engine.BufLock, chunk engine.BackfillChunk) error {
	for _, rec := range chunk.Records {
		if rec.Value == nil {
			if _, err := p.Cache.Delete(ctx, txn, p.PrimaryRoot, rec.Key); err != nil {
				return err
			}
			continue
		}
		if err := p.Cache.Put(ctx, txn, p.PrimaryRoot, rec.Key, rec.Value); err != nil {
			return err
		}
	}
	return nil
}

// Reset deletes every key in the tree. The fake has no region-aware key
// layout to restrict the wipe to subregion, so tests exercise it only
// against the universe region (spec §9 accepts the real protocol's same
// all-or-nothing blast radius for a small change-count hint).
func (p *KVProtocol) Reset(ctx context.Context, txn engine.Txn, sb engine.BufLock, subregion region.Region) error {
	for {
		keys, reachedEnd, err := p.Cache.DepthFirstTraversal(ctx, txn, p.PrimaryRoot, nil, 256)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := p.Cache.Delete(ctx, txn, p.PrimaryRoot, k); err != nil {
				return err
			}
		}
		if reachedEnd || len(keys) == 0 {
			return nil
		}
	}
}

// SendBackfill walks every key in the tree and reports progress; it ignores
// start's region boundaries for the same reason Reset does.
func (p *KVProtocol) SendBackfill(ctx context.Context, txn engine.Txn, sb engine.BufLock, start region.Region, cb engine.BackfillCallback, progress engine.ProgressReporter) (bool, error) {
	var from []byte
	total := 0
	for {
		keys, reachedEnd, err := p.Cache.DepthFirstTraversal(ctx, txn, p.PrimaryRoot, from, 256)
		if err != nil {
			return false, err
		}
		total += len(keys)
		if progress != nil {
			progress.Report(total, total)
		}
		if reachedEnd || len(keys) == 0 {
			return true, nil
		}
		from = append(append([]byte{}, keys[len(keys)-1]...), 0)
	}
}
