// Package sindex implements the secondary-index registry and lifecycle
// (spec §4.4, C4): a persistent name -> descriptor map kept in the sindex
// block, plus create/reconcile/drop/ready-check operations.
package sindex

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/couchbase/tablestore/engine"
)

// Descriptor is the sindex registry's value type (spec §3).
type Descriptor struct {
	UUID                     uuid.UUID
	SuperblockBlockID        engine.BlockID
	Definition               []byte
	PostConstructionComplete bool
	BeingDeleted             bool
}

// Ready reports whether queries may use this descriptor: post-constructed
// and not scheduled for deletion (spec §3 invariant, glossary "Ready
// sindex").
func (d Descriptor) Ready() bool {
	return d.PostConstructionComplete && !d.BeingDeleted
}

// DeletedName is the reserved re-key spec §3/§4.4 uses so a fresh creation
// under the original name is immediately legal while the old descriptor
// drains: "_DEL_<uuid>\0".
func DeletedName(id uuid.UUID) string {
	return fmt.Sprintf("_DEL_%s\x00", id.String())
}

// ErrAlreadyExists is returned by AddSindex when name is already registered.
var ErrAlreadyExists = fmt.Errorf("sindex: already exists")

// ErrNotFound is the "NotFound" boolean-shaped failure of spec §4.4/§7,
// surfaced as a sentinel error rather than a bool so call sites can use
// errors.Is uniformly with NotReadyError.
var ErrNotFound = fmt.Errorf("sindex: not found")

// NotReadyError is the "SindexNotReady" exception of spec §7: raised when a
// caller requests an index that is being_deleted or not yet
// post-constructed. The latter is expected during catch-up; the former
// indicates a caller that should have filtered the index out.
type NotReadyError struct {
	Name  string
	Table string
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("sindex %q on table %q is not ready", e.Name, e.Table)
}
