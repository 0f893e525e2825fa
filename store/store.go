// Package store implements the store façade (spec §4.7, C7): the public
// read/write/backfill/metainfo/sindex-CRUD surface that wires together the
// token sequencer, superblock acquisition, the metainfo codec, the sindex
// registry, the sindex-queue fan-out, and the clearer.
package store

import (
	"context"

	"github.com/couchbase/tablestore/clearer"
	"github.com/couchbase/tablestore/config"
	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/logging"
	"github.com/couchbase/tablestore/metainfo"
	"github.com/couchbase/tablestore/metrics"
	"github.com/couchbase/tablestore/region"
	"github.com/couchbase/tablestore/sindex"
	"github.com/couchbase/tablestore/squeue"
	"github.com/couchbase/tablestore/token"
)

// Store is the per-shard singleton described in spec §3: one primary
// B-tree, one sindex registry, a token sequencer, and a set of sindex
// queues, all over a single cache+btree(+protocol) handle.
type Store struct {
	table    string
	cache    engine.Cache
	btree    engine.Btree
	protocol engine.Protocol
	cfg      config.Config
	metrics  *metrics.Store

	seq    *token.Sequencer
	fanout *squeue.FanOut
	queues map[string]*squeue.RingQueue // keyed by sindex uuid string
	clear  clearer.Group

	clearCtx    context.Context
	clearCancel context.CancelFunc
}

// Open constructs a Store over an already-provisioned cache+btree+protocol
// handle. If the superblock has never been initialized (zero primary root),
// it bootstraps an empty primary tree, an empty sindex block, and a
// universe metainfo entry holding an empty blob.
func Open(ctx context.Context, table string, cache engine.Cache, btree engine.Btree, protocol engine.Protocol, cfg config.Config) (*Store, error) {
	clearCtx, clearCancel := context.WithCancel(context.Background())
	s := &Store{
		table:       table,
		cache:       cache,
		btree:       btree,
		protocol:    protocol,
		cfg:         cfg,
		metrics:     metrics.New(),
		seq:         token.New(),
		fanout:      squeue.NewFanOut(),
		queues:      make(map[string]*squeue.RingQueue),
		clearCtx:    clearCtx,
		clearCancel: clearCancel,
	}

	txn, err := cache.BeginWrite(ctx, cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return nil, err
	}
	defer sb.Release()

	data, err := cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return nil, err
	}

	if data.PrimaryRootBlockID == engine.NullBlockID {
		primaryRoot, err := btree.InitSuperblock(ctx, txn)
		if err != nil {
			return nil, err
		}
		sindexBlock, err := btree.InitSuperblock(ctx, txn)
		if err != nil {
			return nil, err
		}
		universe, err := metainfo.Encode(metainfo.NewUniverse(nil))
		if err != nil {
			return nil, err
		}
		data = engine.SuperblockData{
			PrimaryRootBlockID: primaryRoot,
			SindexBlockID:      sindexBlock,
			MetainfoRaw:        universe,
		}
		if err := cache.WriteSuperblock(ctx, txn, sb, data); err != nil {
			return nil, err
		}
		logging.Infof("store: bootstrapped new shard %q", table)
	}

	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return s, nil
}

func (s *Store) registry(sindexBlockID engine.BlockID) *sindex.Registry {
	return sindex.NewRegistry(s.btree, sindexBlockID, s.table)
}

// --- C7 façade operations (spec §4.7) ---------------------------------

// EnterRead and EnterWrite issue a token from the store's sequencer (spec
// §4.1 C1). Callers acquire one of these before calling Read/Write/
// SendBackfill/ReceiveBackfill/ResetData/GetMetainfo/SetMetainfo, and must
// eventually call Done(tok) themselves if they never reach one of those
// operations (each of those already calls Done on both the success and
// error path).
func (s *Store) EnterRead() token.Token  { return s.seq.EnterRead() }
func (s *Store) EnterWrite() token.Token { return s.seq.EnterWrite() }

// Done releases tok without performing an operation, for a caller that
// acquired a token and then decided not to use it.
func (s *Store) Done(tok token.Token) { s.seq.Done(tok) }

// Read performs read-token acquire -> superblock for read (snapshotted iff
// requested) -> delegate to the protocol layer.
func (s *Store) Read(ctx context.Context, tok token.Token, useSnapshot bool, req engine.ReadRequest) (engine.ReadResponse, error) {
	if err := s.seq.Wait(ctx, tok); err != nil {
		s.metrics.Interrupted.Inc(1)
		return engine.ReadResponse{}, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginRead(ctx, useSnapshot)
	if err != nil {
		return engine.ReadResponse{}, err
	}
	defer txn.Abort()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessRead)
	if err != nil {
		return engine.ReadResponse{}, err
	}
	defer sb.Release()

	if _, err := s.currentMetainfo(ctx, txn, sb); err != nil {
		return engine.ReadResponse{}, err
	}

	resp, err := s.protocol.Read(ctx, txn, sb, req)
	if err != nil {
		return engine.ReadResponse{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return engine.ReadResponse{}, err
	}
	s.metrics.Reads.Inc(1)
	return resp, nil
}

// Write performs write-token acquire -> superblock for write ->
// check_and_update_metainfo -> delegate to protocol write, then fans the
// resulting change records out to every registered sindex queue in the same
// order the sindex block was acquired (spec §4.5, §4.7).
func (s *Store) Write(ctx context.Context, tok token.Token, newMetainfo metainfo.Map, req engine.WriteRequest, durability engine.Durability, expectedChangeCount int) (engine.WriteResponse, error) {
	if err := s.seq.Wait(ctx, tok); err != nil {
		s.metrics.Interrupted.Inc(1)
		return engine.WriteResponse{}, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, expectedChangeCount, durability)
	if err != nil {
		return engine.WriteResponse{}, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return engine.WriteResponse{}, err
	}
	defer sb.Release()

	data, err := s.checkAndUpdateMetainfo(ctx, txn, sb, newMetainfo)
	if err != nil {
		return engine.WriteResponse{}, err
	}

	resp, changes, err := s.protocol.Write(ctx, txn, sb, req)
	if err != nil {
		return engine.WriteResponse{}, err
	}

	if len(changes) > 0 {
		if err := s.fanOutChanges(ctx, txn, sb, data.SindexBlockID, changes); err != nil {
			return engine.WriteResponse{}, err
		}
	}

	if err := txn.Commit(ctx); err != nil {
		return engine.WriteResponse{}, err
	}
	committed = true
	s.metrics.Writes.Inc(1)
	return resp, nil
}

// SendBackfill masks metainfo to startPoint's domain and, if the callback
// agrees, runs the backfill traversal (spec §4.7, S6).
func (s *Store) SendBackfill(ctx context.Context, tok token.Token, start region.Region, cb engine.BackfillCallback, progress engine.ProgressReporter) (bool, error) {
	if err := s.seq.Wait(ctx, tok); err != nil {
		s.metrics.Interrupted.Inc(1)
		return false, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginBackfillRead(ctx)
	if err != nil {
		return false, err
	}
	defer txn.Abort()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessRead)
	if err != nil {
		return false, err
	}
	defer sb.Release()

	mi, err := s.currentMetainfo(ctx, txn, sb)
	if err != nil {
		return false, err
	}
	masked := mi.Mask(start)

	if !cb.ShouldBackfill(masked) {
		if err := txn.Commit(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	ok, err := s.protocol.SendBackfill(ctx, txn, sb, start, cb, progress)
	if err != nil {
		return false, err
	}
	if err := txn.Commit(ctx); err != nil {
		return false, err
	}
	s.metrics.BackfillChunks.Inc(1)
	return ok, nil
}

// ReceiveBackfill performs a HARD-durability write acquire (to throttle
// intake) and delegates to the protocol's receive path (spec §4.7).
func (s *Store) ReceiveBackfill(ctx context.Context, tok token.Token, chunk engine.BackfillChunk) error {
	if err := s.seq.Wait(ctx, tok); err != nil {
		s.metrics.Interrupted.Inc(1)
		return err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, len(chunk.Records), engine.DurabilityHard)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return err
	}
	defer sb.Release()

	if err := s.protocol.ReceiveBackfill(ctx, txn, sb, chunk); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// ResetData performs a write acquire and delegates to the protocol's reset
// path; the write transaction carries no timestamp (spec §4.7, §9: "documented as possibly
// wiping an entire database while passing a small change-count hint; this
// is accepted, not fixed").
func (s *Store) ResetData(ctx context.Context, tok token.Token, subregion region.Region, newMetainfo metainfo.Map, durability engine.Durability) error {
	if err := s.seq.Wait(ctx, tok); err != nil {
		s.metrics.Interrupted.Inc(1)
		return err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), durability)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return err
	}
	defer sb.Release()

	if _, err := s.checkAndUpdateMetainfo(ctx, txn, sb, newMetainfo); err != nil {
		return err
	}
	if err := s.protocol.Reset(ctx, txn, sb, subregion); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetMetainfo mirrors Read but only touches the metainfo codec.
func (s *Store) GetMetainfo(ctx context.Context, tok token.Token) (metainfo.Map, error) {
	if err := s.seq.Wait(ctx, tok); err != nil {
		s.metrics.Interrupted.Inc(1)
		return metainfo.Map{}, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginRead(ctx, false)
	if err != nil {
		return metainfo.Map{}, err
	}
	defer txn.Abort()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessRead)
	if err != nil {
		return metainfo.Map{}, err
	}
	defer sb.Release()

	mi, err := s.currentMetainfo(ctx, txn, sb)
	if err != nil {
		return metainfo.Map{}, err
	}
	if err := txn.Commit(ctx); err != nil {
		return metainfo.Map{}, err
	}
	return mi, nil
}

// SetMetainfo mirrors Write but only touches the metainfo codec.
func (s *Store) SetMetainfo(ctx context.Context, tok token.Token, m metainfo.Map) error {
	if err := s.seq.Wait(ctx, tok); err != nil {
		s.metrics.Interrupted.Inc(1)
		return err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return err
	}
	defer sb.Release()

	if _, err := s.checkAndUpdateMetainfo(ctx, txn, sb, m); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// currentMetainfo reads and decodes the superblock's metainfo, crashing the
// shard on corruption or a non-universe domain per spec §4.3/§7.
func (s *Store) currentMetainfo(ctx context.Context, txn engine.Txn, sb engine.BufLock) (metainfo.Map, error) {
	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return metainfo.Map{}, err
	}
	mi, err := metainfo.Decode(data.MetainfoRaw)
	if err != nil {
		logging.Fatalf("store: metainfo corruption on %q: %v", s.table, err)
	}
	if err := mi.CheckUniverse(); err != nil {
		logging.Fatalf("store: metainfo domain invariant violated on %q: %v", s.table, err)
	}
	return mi, nil
}

// checkAndUpdateMetainfo merges patch into the stored map and re-emits it,
// skipping the write entirely when patch leaves the stored bytes unchanged
// (spec §8 property 5: "a no-op on the stored bytes when new_metainfo ==
// current_metainfo").
func (s *Store) checkAndUpdateMetainfo(ctx context.Context, txn engine.Txn, sb engine.BufLock, patch metainfo.Map) (engine.SuperblockData, error) {
	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return engine.SuperblockData{}, err
	}
	cur, err := metainfo.Decode(data.MetainfoRaw)
	if err != nil {
		logging.Fatalf("store: metainfo corruption on %q: %v", s.table, err)
	}
	merged := cur.Update(patch)
	if merged.Equal(cur) {
		return data, nil
	}
	if err := merged.CheckUniverse(); err != nil {
		logging.Fatalf("store: metainfo domain invariant violated on %q: %v", s.table, err)
	}
	encoded, err := metainfo.Encode(merged)
	if err != nil {
		return engine.SuperblockData{}, err
	}
	data.MetainfoRaw = encoded
	if err := s.cache.WriteSuperblock(ctx, txn, sb, data); err != nil {
		return engine.SuperblockData{}, err
	}
	return data, nil
}

// fanOutChanges implements spec §4.5's protocol precisely: acquire the
// sindex block for write, reserve a fan-out ticket while still holding it,
// release the block, then enter the line and push.
func (s *Store) fanOutChanges(ctx context.Context, txn engine.Txn, sb engine.BufLock, sindexBlockID engine.BlockID, changes []engine.ChangeRecord) error {
	sxLock, err := s.cache.AcquireBlock(ctx, txn, sb, sindexBlockID, engine.AccessWrite)
	if err != nil {
		return err
	}
	ticket := s.fanout.Reserve()
	sxLock.Release()

	if err := s.fanout.Enter(ctx, ticket); err != nil {
		return err
	}
	defer s.fanout.Leave(ticket)
	s.fanout.PushAll(changes)
	s.metrics.QueueDepth.Update(float64(s.fanout.TotalLen()))
	return nil
}
