package main

import (
	"context"

	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/fdbengine"
	"github.com/couchbase/tablestore/region"
)

// kvProtocol is the minimal engine.Protocol storebench drives: point get/
// put against the primary tree, grounded on enginetest.KVProtocol but
// backed by the real ForestDB engine instead of the in-memory fake.
type kvProtocol struct {
	eng         *fdbengine.Engine
	primaryRoot engine.BlockID
}

func (p *kvProtocol) Read(ctx context.Context, txn engine.Txn, sb engine.BufLock, req engine.ReadRequest) (engine.ReadResponse, error) {
	v, found, err := p.eng.Get(ctx, txn, p.primaryRoot, req.Key)
	if err != nil {
		return engine.ReadResponse{}, err
	}
	return engine.ReadResponse{Value: v, Found: found}, nil
}

func (p *kvProtocol) Write(ctx context.Context, txn engine.Txn, sb engine.BufLock, req engine.WriteRequest) (engine.WriteResponse, []engine.ChangeRecord, error) {
	if req.Delete {
		if _, err := p.eng.Delete(ctx, txn, p.primaryRoot, req.Key); err != nil {
			return engine.WriteResponse{}, nil, err
		}
		return engine.WriteResponse{Applied: true}, []engine.ChangeRecord{{Key: req.Key}}, nil
	}
	if err := p.eng.Put(ctx, txn, p.primaryRoot, req.Key, req.Value); err != nil {
		return engine.WriteResponse{}, nil, err
	}
	return engine.WriteResponse{Applied: true}, []engine.ChangeRecord{{Key: req.Key, Value: req.Value}}, nil
}

func (p *kvProtocol) ReceiveBackfill(ctx context.Context, txn engine.Txn, sb engine.BufLock, chunk engine.BackfillChunk) error {
	for _, rec := range chunk.Records {
		if rec.Value == nil {
			if _, err := p.eng.Delete(ctx, txn, p.primaryRoot, rec.Key); err != nil {
				return err
			}
			continue
		}
		if err := p.eng.Put(ctx, txn, p.primaryRoot, rec.Key, rec.Value); err != nil {
			return err
		}
	}
	return nil
}

func (p *kvProtocol) Reset(ctx context.Context, txn engine.Txn, sb engine.BufLock, subregion region.Region) error {
	for {
		keys, reachedEnd, err := p.eng.DepthFirstTraversal(ctx, txn, p.primaryRoot, nil, 256)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := p.eng.Delete(ctx, txn, p.primaryRoot, k); err != nil {
				return err
			}
		}
		if reachedEnd || len(keys) == 0 {
			return nil
		}
	}
}

func (p *kvProtocol) SendBackfill(ctx context.Context, txn engine.Txn, sb engine.BufLock, start region.Region, cb engine.BackfillCallback, progress engine.ProgressReporter) (bool, error) {
	var from []byte
	total := 0
	for {
		keys, reachedEnd, err := p.eng.DepthFirstTraversal(ctx, txn, p.primaryRoot, from, 256)
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
