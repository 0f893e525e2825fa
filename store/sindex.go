package store

import (
	"context"
	"errors"

	"github.com/couchbase/tablestore/clearer"
	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/sindex"
	"github.com/couchbase/tablestore/squeue"
	"github.com/couchbase/tablestore/token"
)

// --- sindex CRUD (spec §4.4, exposed per §6) ---------------------------

// AddSindex creates sindex `name` if it is not already registered, also
// registering its write-ahead queue with the fan-out before returning, so
// no write commits between creation and registration can be missed (spec
// §4.4 "Create", §3 invariant on queue registration).
func (s *Store) AddSindex(ctx context.Context, name string, definition []byte) (bool, error) {
	tok := s.seq.EnterWrite()
	if err := s.seq.Wait(ctx, tok); err != nil {
		return false, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return false, err
	}
	defer sb.Release()

	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return false, err
	}

	sxLock, err := s.cache.AcquireBlock(ctx, txn, sb, data.SindexBlockID, engine.AccessWrite)
	if err != nil {
		return false, err
	}

	reg := s.registry(data.SindexBlockID)
	desc, err := reg.AddSindex(ctx, txn, s.btree, name, definition)
	if errors.Is(err, sindex.ErrAlreadyExists) {
		sxLock.Release()
		return false, nil
	}
	if err != nil {
		sxLock.Release()
		return false, err
	}

	ticket := s.fanout.Reserve()
	sxLock.Release()

	if err := s.fanout.Enter(ctx, ticket); err != nil {
		return false, err
	}
	q := squeue.NewRingQueue()
	s.queues[desc.UUID.String()] = q
	s.fanout.Register(desc.UUID.String(), q)
	s.fanout.Leave(ticket)

	if err := txn.Commit(ctx); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

// DropSindex marks `name` being_deleted and schedules its asynchronous
// clear (spec §4.4 "Drop"). Returns false if name was absent.
func (s *Store) DropSindex(ctx context.Context, name string) (bool, error) {
	tok := s.seq.EnterWrite()
	if err := s.seq.Wait(ctx, tok); err != nil {
		return false, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return false, err
	}
	defer sb.Release()

	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return false, err
	}

	sxLock, err := s.cache.AcquireBlock(ctx, txn, sb, data.SindexBlockID, engine.AccessWrite)
	if err != nil {
		return false, err
	}

	reg := s.registry(data.SindexBlockID)
	desc, ok, err := reg.DropSindex(ctx, txn, name)
	sxLock.Release()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := txn.Commit(ctx); err != nil {
		return false, err
	}
	committed = true

	s.clear.Spawn(s.clearCtx, clearer.Deps{
		Cache:    s.cache,
		Btree:    s.btree,
		Registry: reg,
		Squeue:   s.fanout,
		Metrics:  s.metrics,
	}, desc.UUID.String(), sindex.DeletedName(desc.UUID))
	return true, nil
}

// SetSindexes reconciles the registry against a desired name->definition
// map (spec §4.4 "Bulk reconcile"): created indexes get their queue
// registered exactly as AddSindex does; dropped ones are scheduled for
// clearing exactly as DropSindex does.
func (s *Store) SetSindexes(ctx context.Context, desired map[string][]byte) error {
	tok := s.seq.EnterWrite()
	if err := s.seq.Wait(ctx, tok); err != nil {
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

	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return err
	}

	sxLock, err := s.cache.AcquireBlock(ctx, txn, sb, data.SindexBlockID, engine.AccessWrite)
	if err != nil {
		return err
	}

	reg := s.registry(data.SindexBlockID)
	created, deleted, err := reg.Reconcile(ctx, txn, s.btree, desired)
	if err != nil {
		sxLock.Release()
		return err
	}

	ticket := s.fanout.Reserve()
	sxLock.Release()
	if err := s.fanout.Enter(ctx, ticket); err != nil {
		return err
	}
	for _, desc := range created {
		q := squeue.NewRingQueue()
		s.queues[desc.UUID.String()] = q
		s.fanout.Register(desc.UUID.String(), q)
	}
	s.fanout.Leave(ticket)

	if err := txn.Commit(ctx); err != nil {
		return err
	}
	committed = true

	for _, desc := range deleted {
		s.clear.Spawn(s.clearCtx, clearer.Deps{
			Cache:    s.cache,
			Btree:    s.btree,
			Registry: reg,
			Squeue:   s.fanout,
			Metrics:  s.metrics,
		}, desc.UUID.String(), sindex.DeletedName(desc.UUID))
	}
	return nil
}

// MarkIndexUpToDate sets post_construction_complete and, in the same
// transaction, applies every record the sindex's queue accumulated during
// construction to the sindex's own tree, so no write sent before readiness
// is missed (spec §4.5: "so that
// post-construction of a new sindex can catch up without missing or
// reordering writes", §6 mark_index_up_to_date(name|uuid)). The queue is
// then deregistered through the same Reserve/Enter/Leave ordering AddSindex
// uses to register it, so any write racing the flip is guaranteed to have
// already pushed (and been drained) before the queue disappears: Reserve
// is taken while the sindex block is still held, so no concurrent write
// can reserve a fan-out ticket ahead of ours; by the time our Enter
// returns, every write with an earlier ticket has already pushed.
func (s *Store) MarkIndexUpToDate(ctx context.Context, name string) (bool, error) {
	tok := s.seq.EnterWrite()
	if err := s.seq.Wait(ctx, tok); err != nil {
		return false, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessWrite)
	if err != nil {
		return false, err
	}
	defer sb.Release()

	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return false, err
	}

	sxLock, err := s.cache.AcquireBlock(ctx, txn, sb, data.SindexBlockID, engine.AccessWrite)
	if err != nil {
		return false, err
	}

	reg := s.registry(data.SindexBlockID)
	desc, found, err := reg.Get(ctx, txn, name)
	if err != nil {
		sxLock.Release()
		return false, err
	}
	if !found {
		sxLock.Release()
		return false, nil
	}
	ok, err := reg.MarkUpToDate(ctx, txn, name)
	if err != nil {
		sxLock.Release()
		return false, err
	}

	ticket := s.fanout.Reserve()
	sxLock.Release()

	if err := s.fanout.Enter(ctx, ticket); err != nil {
		return false, err
	}
	uuidStr := desc.UUID.String()
	if q := s.queues[uuidStr]; q != nil {
		if err := s.drainQueueIntoTree(ctx, txn, desc.SuperblockBlockID, q); err != nil {
			s.fanout.Leave(ticket)
			return false, err
		}
		s.fanout.Deregister(uuidStr)
		delete(s.queues, uuidStr)
	}
	s.fanout.Leave(ticket)

	if err := txn.Commit(ctx); err != nil {
		return false, err
	}
	committed = true
	return ok, nil
}

// drainQueueIntoTree pops every record currently on q and applies it to
// root, mirroring the same Put-or-Delete-on-nil-Value convention
// engine.ChangeRecord documents for the primary write path.
func (s *Store) drainQueueIntoTree(ctx context.Context, txn engine.Txn, root engine.BlockID, q *squeue.RingQueue) error {
	for {
		rec, ok := q.Pop()
		if !ok {
			return nil
		}
		if rec.Value == nil {
			if _, err := s.btree.Delete(ctx, txn, root, rec.Key); err != nil {
				return err
			}
			continue
		}
		if err := s.btree.Put(ctx, txn, root, rec.Key, rec.Value); err != nil {
			return err
		}
	}
}

// AcquireSindexSuperblockForRead/Write implement the ready check of spec
// §4.4: ErrNotFound if absent, *sindex.NotReadyError if present but not
// ready, else the sindex's own superblock block id.
func (s *Store) AcquireSindexSuperblockForRead(ctx context.Context, tok token.Token, name string) (engine.BlockID, error) {
	return s.acquireSindexSuperblock(ctx, tok, name, engine.AccessRead)
}

func (s *Store) AcquireSindexSuperblockForWrite(ctx context.Context, tok token.Token, name string) (engine.BlockID, error) {
	return s.acquireSindexSuperblock(ctx, tok, name, engine.AccessWrite)
}

func (s *Store) acquireSindexSuperblock(ctx context.Context, tok token.Token, name string, access engine.Access) (engine.BlockID, error) {
	if err := s.seq.Wait(ctx, tok); err != nil {
		return 0, err
	}
	defer s.seq.Done(tok)

	useSnapshot := access == engine.AccessRead
	var txn engine.Txn
	var err error
	if useSnapshot {
		txn, err = s.cache.BeginRead(ctx, false)
	} else {
		txn, err = s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	}
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessRead)
	if err != nil {
		return 0, err
	}
	defer sb.Release()

	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return 0, err
	}

	var blockID engine.BlockID
	if access == engine.AccessRead {
		blockID, err = s.registry(data.SindexBlockID).AcquireSindexSuperblockForRead(ctx, txn, name)
	} else {
		blockID, err = s.registry(data.SindexBlockID).AcquireSindexSuperblockForWrite(ctx, txn, name)
	}
	if err != nil {
		return 0, err
	}
	if err := txn.Commit(ctx); err != nil {
		return 0, err
	}
	committed = true
	return blockID, nil
}

// AcquireAllSindexSuperblocksForWrite returns every ready sindex descriptor
// (spec §6).
func (s *Store) AcquireAllSindexSuperblocksForWrite(ctx context.Context, tok token.Token) (map[string]sindex.Descriptor, error) {
	if err := s.seq.Wait(ctx, tok); err != nil {
		return nil, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessRead)
	if err != nil {
		return nil, err
	}
	defer sb.Release()

	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return nil, err
	}
	return s.registry(data.SindexBlockID).AcquireAllForWrite(ctx, txn)
}

// AcquirePostConstructedSindexSuperblocksForWrite returns every descriptor
// whose post-construction has finished, whether or not it is being deleted
// (spec §6).
func (s *Store) AcquirePostConstructedSindexSuperblocksForWrite(ctx context.Context, tok token.Token) (map[string]sindex.Descriptor, error) {
	if err := s.seq.Wait(ctx, tok); err != nil {
		return nil, err
	}
	defer s.seq.Done(tok)

	txn, err := s.cache.BeginWrite(ctx, s.cfg.IntOr("acquirer.default_change_count", 2), engine.DurabilityHard)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()

	sb, err := s.cache.AcquireSuperblock(ctx, txn, engine.AccessRead)
	if err != nil {
		return nil, err
	}
	defer sb.Release()

	data, err := s.cache.ReadSuperblock(ctx, txn, sb)
	if err != nil {
		return nil, err
	}
	return s.registry(data.SindexBlockID).AcquirePostConstructedForWrite(ctx, txn)
}

// Close cancels and awaits every in-flight clearer (spec §5: "shard teardown
// cancels and then awaits them"). A clearer interrupted mid-chunk simply
// leaves a partially-cleared tree for the next Clear call to finish (spec
// §4.6 "Correctness relies on... (c)").
func (s *Store) Close() {
	s.clearCancel()
	s.clear.Wait()
}
