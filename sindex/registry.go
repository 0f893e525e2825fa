package sindex

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"

	"github.com/couchbase/tablestore/engine"
)

const listChunk = 256

// Registry is the persistent sindex-name -> Descriptor map, physically
// stored as key-value pairs under the sindex block's own root (spec §4.4:
// "Stored as the contents of the sindex block"). All operations take the
// sindex block already locked at the required level — this package never
// acquires or releases it itself.
type Registry struct {
	btree engine.Btree
	root  engine.BlockID
	table string // for SindexNotReady error messages
}

func NewRegistry(bt engine.Btree, sindexBlock engine.BlockID, table string) *Registry {
	return &Registry{btree: bt, root: sindexBlock, table: table}
}

func encodeDescriptor(d Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(d); err != nil {
		return nil, fmt.Errorf("sindex: encode descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDescriptor(raw []byte) (Descriptor, error) {
	var d Descriptor
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("sindex: decode descriptor: %w", err)
	}
	return d, nil
}

// Get returns the descriptor stored under name, or ok=false.
func (r *Registry) Get(ctx context.Context, txn engine.Txn, name string) (Descriptor, bool, error) {
	raw, found, err := r.btree.Get(ctx, txn, r.root, []byte(name))
	if err != nil || !found {
		return Descriptor{}, false, err
	}
	d, err := decodeDescriptor(raw)
	return d, err == nil, err
}

// Set installs (or overwrites) the descriptor for name.
func (r *Registry) Set(ctx context.Context, txn engine.Txn, name string, d Descriptor) error {
	raw, err := encodeDescriptor(d)
	if err != nil {
		return err
	}
	return r.btree.Put(ctx, txn, r.root, []byte(name), raw)
}

// Delete removes name, returning false if it was absent.
func (r *Registry) Delete(ctx context.Context, txn engine.Txn, name string) (bool, error) {
	return r.btree.Delete(ctx, txn, r.root, []byte(name))
}

// List returns every registered entry, keyed by the name they are currently
// stored under (which for a being_deleted entry is its "_DEL_<uuid>\0"
// re-key, not the original user-visible name).
func (r *Registry) List(ctx context.Context, txn engine.Txn) (map[string]Descriptor, error) {
	out := make(map[string]Descriptor)
	start := []byte{}
	for {
		keys, reachedEnd, err := r.btree.DepthFirstTraversal(ctx, txn, r.root, start, listChunk)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			raw, found, err := r.btree.Get(ctx, txn, r.root, k)
			if err != nil {
				return nil, err
			}
			if !found {
				continue // concurrently deleted between traversal and get
			}
			d, err := decodeDescriptor(raw)
			if err != nil {
				return nil, err
			}
			out[string(k)] = d
		}
		if reachedEnd || len(keys) == 0 {
			return out, nil
		}
		start = append(append([]byte{}, keys[len(keys)-1]...), 0)
	}
}

// MarkDeleted atomically re-keys a live descriptor from name to its
// "_DEL_<uuid>\0" form and sets being_deleted. Returns false if name is
// absent (spec §4.4).
func (r *Registry) MarkDeleted(ctx context.Context, txn engine.Txn, name string) (bool, error) {
	d, found, err := r.Get(ctx, txn, name)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	d.BeingDeleted = true
	if _, err := r.Delete(ctx, txn, name); err != nil {
		return false, err
	}
	if err := r.Set(ctx, txn, DeletedName(d.UUID), d); err != nil {
		return false, err
	}
	return true, nil
}

// AddSindex creates a fresh, empty sindex superblock and installs a new
// not-yet-post-constructed descriptor under name. Returns ErrAlreadyExists
// if name is already registered (spec §4.4 "Create").
func (r *Registry) AddSindex(ctx context.Context, txn engine.Txn, bt engine.Btree, name string, definition []byte) (Descriptor, error) {
	if _, found, err := r.Get(ctx, txn, name); err != nil {
		return Descriptor{}, err
	} else if found {
		return Descriptor{}, ErrAlreadyExists
	}

	root, err := bt.InitSuperblock(ctx, txn)
	if err != nil {
		return Descriptor{}, fmt.Errorf("sindex: init superblock: %w", err)
	}

	d := Descriptor{
		UUID:                     uuid.New(),
		SuperblockBlockID:        root,
		Definition:               definition,
		PostConstructionComplete: false,
		BeingDeleted:             false,
	}
	if err := r.Set(ctx, txn, name, d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// DropSindex marks name deleted; the caller is responsible for scheduling
// the asynchronous clear (spec §4.4 "Drop"; see clearer.Group). Returns
// false if name was absent.
func (r *Registry) DropSindex(ctx context.Context, txn engine.Txn, name string) (Descriptor, bool, error) {
	d, found, err := r.Get(ctx, txn, name)
	if err != nil || !found {
		return Descriptor{}, false, err
	}
	ok, err := r.MarkDeleted(ctx, txn, name)
	if err != nil || !ok {
		return Descriptor{}, false, err
	}
	return d, true, nil
}

// Reconcile computes the diff between the current registry and a desired
// name -> definition map (spec §4.4 "Bulk reconcile"): created holds newly
// added descriptors, deleted holds descriptors just marked being_deleted
// (caller schedules their clear). Names present in both are left untouched
// regardless of definition differences.
func (r *Registry) Reconcile(ctx context.Context, txn engine.Txn, bt engine.Btree, desired map[string][]byte) (created map[string]Descriptor, deleted map[string]Descriptor, err error) {
	current, err := r.List(ctx, txn)
	if err != nil {
		return nil, nil, err
	}
	created = make(map[string]Descriptor)
	deleted = make(map[string]Descriptor)

	for name := range current {
		if _, want := desired[name]; !want {
			d, ok, err := r.DropSindex(ctx, txn, name)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				deleted[name] = d
			}
		}
	}
	for name, def := range desired {
		if _, have := current[name]; !have {
			d, err := r.AddSindex(ctx, txn, bt, name, def)
			if err != nil {
				return nil, nil, err
			}
			created[name] = d
		}
	}
	return created, deleted, nil
}

// acquireFor looks up name and applies the spec §4.4 "Ready check":
// ErrNotFound if absent, *NotReadyError if present but not ready.
func (r *Registry) acquireFor(ctx context.Context, txn engine.Txn, name string) (Descriptor, error) {
	d, found, err := r.Get(ctx, txn, name)
	if err != nil {
		return Descriptor{}, err
	}
	if !found {
		return Descriptor{}, ErrNotFound
	}
	if !d.Ready() {
		return Descriptor{}, &NotReadyError{Name: name, Table: r.table}
	}
	return d, nil
}

// AcquireSindexSuperblockForRead and AcquireSindexSuperblockForWrite return
// the ready descriptor's sindex superblock id, or the ErrNotFound/
// NotReadyError of spec §4.4/§7. The access mode only affects which lock the
// caller subsequently takes on the returned block id; the registry lookup
// itself is identical for both.
func (r *Registry) AcquireSindexSuperblockForRead(ctx context.Context, txn engine.Txn, name string) (engine.BlockID, error) {
	d, err := r.acquireFor(ctx, txn, name)
	if err != nil {
		return 0, err
	}
	return d.SuperblockBlockID, nil
}

func (r *Registry) AcquireSindexSuperblockForWrite(ctx context.Context, txn engine.Txn, name string) (engine.BlockID, error) {
	d, err := r.acquireFor(ctx, txn, name)
	if err != nil {
		return 0, err
	}
	return d.SuperblockBlockID, nil
}

// AcquireAllForWrite returns every ready descriptor, for
// acquire_all_sindex_superblocks_for_write.
func (r *Registry) AcquireAllForWrite(ctx context.Context, txn engine.Txn) (map[string]Descriptor, error) {
	all, err := r.List(ctx, txn)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Descriptor)
	for name, d := range all {
		if d.Ready() {
			out[name] = d
		}
	}
	return out, nil
}

// AcquirePostConstructedForWrite returns every descriptor that has finished
// post-construction, whether or not it is being deleted — used by callers
// (e.g. the clearer's siblings) that must still see indexes mid-teardown.
func (r *Registry) AcquirePostConstructedForWrite(ctx context.Context, txn engine.Txn) (map[string]Descriptor, error) {
	all, err := r.List(ctx, txn)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Descriptor)
	for name, d := range all {
		if d.PostConstructionComplete {
			out[name] = d
		}
	}
	return out, nil
}

// MarkUpToDate flips post_construction_complete once catch-up finishes
// (store.MarkIndexUpToDate).
func (r *Registry) MarkUpToDate(ctx context.Context, txn engine.Txn, name string) (bool, error) {
	d, found, err := r.Get(ctx, txn, name)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	d.PostConstructionComplete = true
	return true, r.Set(ctx, txn, name, d)
}
