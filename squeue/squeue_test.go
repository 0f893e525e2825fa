package squeue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchbase/tablestore/engine"
)

func TestRingQueuePushAllPreservesOrder(t *testing.T) {
	q := NewRingQueue()
	require.NoError(t, q.PushAll([]engine.ChangeRecord{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}))
	require.Equal(t, 2, q.Len())

	rec, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", string(rec.Key))

	rec, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "b", string(rec.Key))

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestRingQueuePushAfterCloseFails(t *testing.T) {
	q := NewRingQueue()
	require.NoError(t, q.Close())
	require.Error(t, q.Push(engine.ChangeRecord{Key: []byte("x")}))
}

func TestFanOutServesTicketsInOrder(t *testing.T) {
	f := NewFanOut()
	ctx := context.Background()

	var mu sync.Mutex
	var order []uint64
	const n = 20

	tickets := make([]uint64, n)
	for i := 0; i < n; i++ {
		tickets[i] = f.Reserve()
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- { // enter in reverse order; lock must still serve in ticket order
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.Enter(ctx, tickets[i]))
			mu.Lock()
			order = append(order, tickets[i])
			mu.Unlock()
			f.Leave(tickets[i])
		}()
	}
	wg.Wait()

	for i, tk := range order {
		require.Equal(t, uint64(i), tk)
	}
}

func TestFanOutEnterRespectsCancellation(t *testing.T) {
	f := NewFanOut()
	t0 := f.Reserve()
	t1 := f.Reserve()
	_ = t0 // never entered, so t1 can never be served

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := f.Enter(ctx, t1)
	require.Error(t, err)
}

func TestFanOutPushAllReachesRegisteredQueues(t *testing.T) {
	f := NewFanOut()
	q := NewRingQueue()
	f.Register("idx-1", q)

	ticket := f.Reserve()
	require.NoError(t, f.Enter(context.Background(), ticket))
	f.PushAll([]engine.ChangeRecord{{Key: []byte("k"), Value: []byte("v")}})
	f.Leave(ticket)

	require.Equal(t, 1, q.Len())
}
