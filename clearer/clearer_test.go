package clearer_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/tablestore/clearer"
	"github.com/couchbase/tablestore/enginetest"
	"github.com/couchbase/tablestore/sindex"
	"github.com/couchbase/tablestore/squeue"
)

func TestClearDrainsTreeAndRemovesDescriptor(t *testing.T) {
	ctx := context.Background()
	c := enginetest.New()

	txn, err := c.BeginWrite(ctx, 1, 0)
	require.NoError(t, err)
	sindexRoot, err := c.InitSuperblock(ctx, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	reg := sindex.NewRegistry(c, sindexRoot, "tbl")

	txn2, err := c.BeginWrite(ctx, 1, 0)
	require.NoError(t, err)
	desc, err := reg.AddSindex(ctx, txn2, c, "doomed", nil)
	require.NoError(t, err)

	// Populate the sindex's own tree with more than one chunk's worth of
	// entries, so Clear must loop.
	for i := 0; i < clearer.ChunkSize*2+5; i++ {
		require.NoError(t, c.Put(ctx, txn2, desc.SuperblockBlockID, []byte(fmt.Sprintf("k%04d", i)), []byte("v")))
	}
	_, err = reg.MarkDeleted(ctx, txn2, "doomed")
	require.NoError(t, err)
	require.NoError(t, txn2.Commit(ctx))

	deletedName := sindex.DeletedName(desc.UUID)
	fanout := squeue.NewFanOut()
	q := squeue.NewRingQueue()
	fanout.Register(desc.UUID.String(), q)

	deps := clearer.Deps{Cache: c, Btree: c, Registry: reg, Squeue: fanout}
	require.NoError(t, clearer.Clear(ctx, deps, desc.UUID.String(), deletedName))

	txn3, err := c.BeginRead(ctx, false)
	require.NoError(t, err)
	_, found, err := reg.Get(ctx, txn3, deletedName)
	require.NoError(t, err)
	require.False(t, found, "registry entry should be gone after Clear")

	keys, reachedEnd, err := c.DepthFirstTraversal(ctx, txn3, desc.SuperblockBlockID, nil, 10)
	require.NoError(t, err)
	require.True(t, reachedEnd)
	require.Empty(t, keys)
	txn3.Abort()
}

func TestGroupWaitBlocksUntilSpawnedClearersFinish(t *testing.T) {
	ctx := context.Background()
	c := enginetest.New()

	txn, err := c.BeginWrite(ctx, 1, 0)
	require.NoError(t, err)
	sindexRoot, err := c.InitSuperblock(ctx, txn)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
	reg := sindex.NewRegistry(c, sindexRoot, "tbl")

	txn2, err := c.BeginWrite(ctx, 1, 0)
	require.NoError(t, err)
	desc, err := reg.AddSindex(ctx, txn2, c, "idx", nil)
	require.NoError(t, err)
	_, err = reg.MarkDeleted(ctx, txn2, "idx")
	require.NoError(t, err)
	require.NoError(t, txn2.Commit(ctx))

	fanout := squeue.NewFanOut()
	fanout.Register(desc.UUID.String(), squeue.NewRingQueue())

	var g clearer.Group
	g.Spawn(ctx, clearer.Deps{Cache: c, Btree: c, Registry: reg, Squeue: fanout},
		desc.UUID.String(), sindex.DeletedName(desc.UUID))
	g.Wait()
}
