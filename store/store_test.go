package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/tablestore/config"
	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/enginetest"
	"github.com/couchbase/tablestore/metainfo"
	"github.com/couchbase/tablestore/region"
	"github.com/couchbase/tablestore/store"
)

func openTestStore(t *testing.T) (*store.Store, *enginetest.Cache) {
	t.Helper()
	ctx := context.Background()
	c := enginetest.New()
	proto := &enginetest.KVProtocol{Cache: c}

	s, err := store.Open(ctx, "shard0", c, c, proto, config.Default())
	require.NoError(t, err)

	// The fake protocol needs to know the primary root store.Open
	// allocated; discover it the same way store.Read/Write do, through a
	// throwaway superblock read.
	txn, err := c.BeginRead(ctx, false)
	require.NoError(t, err)
	sb, err := c.AcquireSuperblock(ctx, txn, engine.AccessRead)
	require.NoError(t, err)
	data, err := c.ReadSuperblock(ctx, txn, sb)
	require.NoError(t, err)
	sb.Release()
	txn.Abort()
	proto.PrimaryRoot = data.PrimaryRootBlockID

	return s, c
}

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	wtok := s.EnterWrite()
	_, err := s.Write(ctx, wtok, metainfo.Map{}, engine.WriteRequest{
		Key: []byte("k1"), Value: []byte("v1"),
	}, engine.DurabilityHard, 1)
	require.NoError(t, err)

	rtok := s.EnterRead()
	resp, err := s.Read(ctx, rtok, false, engine.ReadRequest{Key: []byte("k1")})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Equal(t, []byte("v1"), resp.Value)
}

func TestSetAndGetMetainfo(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	patch := metainfo.NewUniverse([]byte("v2"))
	require.NoError(t, s.SetMetainfo(ctx, s.EnterWrite(), patch))

	got, err := s.GetMetainfo(ctx, s.EnterRead())
	require.NoError(t, err)
	require.True(t, got.Equal(patch))
}

// TestMetainfoSurvivesReopen is spec scenario S1: set metainfo, "close"
// (here: discard the Store value — the fake cache is what actually holds
// the durable state), reopen over the same cache, and see the same map.
func TestMetainfoSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	c := enginetest.New()
	proto := &enginetest.KVProtocol{Cache: c}

	s1, err := store.Open(ctx, "shard0", c, c, proto, config.Default())
	require.NoError(t, err)
	patch := metainfo.NewUniverse([]byte("v1"))
	require.NoError(t, s1.SetMetainfo(ctx, s1.EnterWrite(), patch))

	s2, err := store.Open(ctx, "shard0", c, c, proto, config.Default())
	require.NoError(t, err)
	got, err := s2.GetMetainfo(ctx, s2.EnterRead())
	require.NoError(t, err)
	require.True(t, got.Equal(patch))
}

func TestConcurrentWritesSerializeInTokenOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		tok := s.EnterWrite()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Write(ctx, tok, metainfo.Map{}, engine.WriteRequest{
				Key: []byte("counter"), Value: []byte{byte(i)},
			}, engine.DurabilityHard, 1)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	resp, err := s.Read(ctx, s.EnterRead(), false, engine.ReadRequest{Key: []byte("counter")})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Equal(t, byte(n-1), resp.Value[0], "last token in issuance order must win")
}

func TestSindexLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	created, err := s.AddSindex(ctx, "by_name", []byte("def"))
	require.NoError(t, err)
	require.True(t, created)

	_, err = s.AcquireSindexSuperblockForRead(ctx, s.EnterRead(), "by_name")
	require.Error(t, err) // not yet post-constructed

	ok, err := s.MarkIndexUpToDate(ctx, "by_name")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.AcquireSindexSuperblockForRead(ctx, s.EnterRead(), "by_name")
	require.NoError(t, err)

	dropped, err := s.DropSindex(ctx, "by_name")
	require.NoError(t, err)
	require.True(t, dropped)

	s.Close() // cancels and awaits the clearer DropSindex spawned

	m, err := s.AcquirePostConstructedSindexSuperblocksForWrite(ctx, s.EnterWrite())
	require.NoError(t, err)
	require.Empty(t, m, "clearer should have removed the sole sindex's registry entry entirely")
}

// TestMarkIndexUpToDateDrainsQueueIntoIndex is the read side of spec §4.5's
// catch-up guarantee: a write committed while a sindex is still under
// construction must not be lost just because it arrived before the index
// was marked ready.
func TestMarkIndexUpToDateDrainsQueueIntoIndex(t *testing.T) {
	ctx := context.Background()
	s, c := openTestStore(t)

	_, err := s.AddSindex(ctx, "by_name", []byte("def"))
	require.NoError(t, err)

	_, err = s.Write(ctx, s.EnterWrite(), metainfo.Map{}, engine.WriteRequest{
		Key: []byte("k1"), Value: []byte("v1"),
	}, engine.DurabilityHard, 1)
	require.NoError(t, err)

	ok, err := s.MarkIndexUpToDate(ctx, "by_name")
	require.NoError(t, err)
	require.True(t, ok)

	sbID, err := s.AcquireSindexSuperblockForRead(ctx, s.EnterRead(), "by_name")
	require.NoError(t, err)

	txn, err := c.BeginRead(ctx, false)
	require.NoError(t, err)
	defer txn.Abort()
	val, found, err := c.Get(ctx, txn, sbID, []byte("k1"))
	require.NoError(t, err)
	require.True(t, found, "write queued during construction should have been drained into the index")
	require.Equal(t, []byte("v1"), val)
}

func TestSendBackfillHonorsCallback(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	wtok := s.EnterWrite()
	_, err := s.Write(ctx, wtok, metainfo.Map{}, engine.WriteRequest{Key: []byte("a"), Value: []byte("1")}, engine.DurabilityHard, 1)
	require.NoError(t, err)

	ran, err := s.SendBackfill(ctx, s.EnterRead(), region.Universe(), declineCallback{}, nil)
	require.NoError(t, err)
	require.False(t, ran)
}

type declineCallback struct{}

func (declineCallback) ShouldBackfill(m metainfo.Map) bool { return false }
