// Package engine declares the external collaborator contracts spec §6 lists
// as "consumed interfaces": the buffer cache's transaction/lock discipline
// and the B-tree's traversal/mutation surface. Spec §1 places the buffer
// cache, the B-tree node layout, and the serializer/log-structured disk
// format out of this module's scope; this package exists only so the core
// (token, sindex, squeue, clearer, store) can be written against a
// contract instead of a concrete engine. Two implementations live alongside
// the core: enginetest (in-memory, used by unit tests) and fdbengine
// (ForestDB-backed, used by cmd/storebench).
package engine

import (
	"context"

	"github.com/couchbase/tablestore/metainfo"
	"github.com/couchbase/tablestore/region"
)

// Durability selects the commit discipline for a write transaction. HARD is
// used for user writes and backfill intake (to throttle); SOFT for internal
// sindex clearing (spec §4.2).
type Durability int

const (
	DurabilitySoft Durability = iota
	DurabilityHard
)

// Access is the lock mode a block is acquired at.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// BlockID addresses a block in the underlying cache. The zero value is never
// a valid allocated block.
type BlockID uint64

// NullBlockID is the zero BlockID; a superblock whose primary root is
// NullBlockID has never been bootstrapped.
const NullBlockID BlockID = 0

// Txn is an open buffer-cache transaction. The store façade opens
// exactly one per store operation and hands it down to the protocol layer;
// the core never reuses a Txn across transactions (spec §5 "Shared
// resources").
type Txn interface {
	Durability() Durability
	Commit(ctx context.Context) error
	Abort()
}

// BufLock is a locked block within an open Txn. Parent pointers used for
// buffer-cache accounting are lookup-only weak back-references; the Txn is
// the sole owner of every lock it opens (spec §9 "Cyclic ownership").
type BufLock interface {
	BlockID() BlockID
	Access() Access
	MarkDeleted()
	Release()
}

// Cache is the buffer cache / transaction manager collaborator.
type Cache interface {
	// BeginRead opens a read transaction, optionally pinned to a snapshot.
	BeginRead(ctx context.Context, useSnapshot bool) (Txn, error)
	// BeginWrite opens a write transaction sized by expectedChangeCount, a
	// throttling hint with no bearing on correctness (spec §4.2, §9).
	BeginWrite(ctx context.Context, expectedChangeCount int, durability Durability) (Txn, error)
	// BeginBackfillRead opens a read transaction on a distinct I/O account
	// so backfill traffic does not starve foreground work (spec §4.2).
	BeginBackfillRead(ctx context.Context) (Txn, error)
	// BeginSindexOnlyWrite opens a minimal write transaction; used only by
	// the sindex clearer (spec §4.2 "read-sindex-only").
	BeginSindexOnlyWrite(ctx context.Context) (Txn, error)

	AcquireSuperblock(ctx context.Context, txn Txn, access Access) (BufLock, error)
	AcquireBlock(ctx context.Context, txn Txn, parent BufLock, id BlockID, access Access) (BufLock, error)

	// ReadSuperblock/WriteSuperblock give the core access to the
	// superblock's well-known fields (spec §6: "A well-known superblock id
	// holding: { primary_root_block_id, sindex_block_id, stat_block_id,
	// metainfo_pairs[] }") without exposing the underlying block's raw byte
	// layout, which spec §1 places out of scope.
	ReadSuperblock(ctx context.Context, txn Txn, lock BufLock) (SuperblockData, error)
	WriteSuperblock(ctx context.Context, txn Txn, lock BufLock, data SuperblockData) error
}

// SuperblockData is the superblock's well-known field set (spec §3, §6).
type SuperblockData struct {
	PrimaryRootBlockID BlockID
	SindexBlockID      BlockID
	StatBlockID        BlockID
	MetainfoRaw        []byte
}

// Btree is the B-tree collaborator: superblock init, single-key get/put/
// delete, and the chunked forward traversal the clearer uses (spec §6).
type Btree interface {
	InitSuperblock(ctx context.Context, txn Txn) (BlockID, error)
	Get(ctx context.Context, txn Txn, root BlockID, key []byte) (value []byte, found bool, err error)
	Put(ctx context.Context, txn Txn, root BlockID, key, value []byte) error
	Delete(ctx context.Context, txn Txn, root BlockID, key []byte) (existed bool, err error)
	// DepthFirstTraversal walks keys >= start in key order, collecting up to
	// limit keys. reachedEnd is false when the limit cut the walk short
	// (spec §4.6 chunked clearing).
	DepthFirstTraversal(ctx context.Context, txn Txn, root BlockID, start []byte, limit int) (keys [][]byte, reachedEnd bool, err error)
	// MarkTreeDeleted marks the root (and, transitively, any block the
	// engine's own accounting still reaches from it) deleted.
	MarkTreeDeleted(ctx context.Context, txn Txn, root BlockID) error
}

// ChangeRecord is one primary-write notification pushed to every sindex
// queue in commit order (spec §4.5). A nil Value means the key was deleted.
type ChangeRecord struct {
	Key   []byte
	Value []byte
}

// DiskBackedQueue is the per-sindex write-ahead FIFO (spec §6). The default
// implementation (squeue.RingQueue) is in-memory; a genuinely disk-backed
// variant is an external collaborator left to the serializer layer.
type DiskBackedQueue interface {
	Push(msg ChangeRecord) error
	PushAll(msgs []ChangeRecord) error
	Len() int
	Close() error
}

// ReadRequest/ReadResponse, WriteRequest/WriteResponse and friends are the
// query protocol's request/response shapes — out of scope per spec §1, kept
// here only as the minimal shape Protocol needs to exist as an interface.
type ReadRequest struct {
	Key []byte
}

type ReadResponse struct {
	Value []byte
	Found bool
}

type WriteRequest struct {
	Key    []byte
	Value  []byte
	Delete bool
}

type WriteResponse struct {
	Applied bool
}

type BackfillChunk struct {
	Timestamp int64
	Records   []ChangeRecord
}

// BackfillCallback lets the caller of send_backfill decide, from the masked
// metainfo, whether to actually run the transfer (spec §4.7, S6).
type BackfillCallback interface {
	ShouldBackfill(masked metainfo.Map) bool
}

type ProgressReporter interface {
	Report(done, total int)
}

// Protocol is the query-protocol / primary-tree-mutation collaborator the
// store façade delegates to once it holds a transaction and superblock
// (spec §4.7: "the protocol layer mutates primary B-tree and, under the
// sindex block, pushes change records via C5"). Write returns the
// ChangeRecords the façade then fans out through squeue.
type Protocol interface {
	Read(ctx context.Context, txn Txn, superblock BufLock, req ReadRequest) (ReadResponse, error)
	Write(ctx context.Context, txn Txn, superblock BufLock, req WriteRequest) (WriteResponse, []ChangeRecord, error)
	ReceiveBackfill(ctx context.Context, txn Txn, superblock BufLock, chunk BackfillChunk) error
	Reset(ctx context.Context, txn Txn, superblock BufLock, subregion region.Region) error
	SendBackfill(ctx context.Context, txn Txn, superblock BufLock, start region.Region, cb BackfillCallback, progress ProgressReporter) (bool, error)
}
