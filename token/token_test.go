package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadsConcurrentAmongThemselves(t *testing.T) {
	s := New()
	t1 := s.EnterRead()
	t2 := s.EnterRead()

	require.NoError(t, s.Wait(context.Background(), t1))
	require.NoError(t, s.Wait(context.Background(), t2))

	s.Done(t1)
	s.Done(t2)
}

func TestWriteWaitsForEarlierRead(t *testing.T) {
	s := New()
	rd := s.EnterRead()
	wr := s.EnterWrite()

	require.NoError(t, s.Wait(context.Background(), rd))

	done := make(chan struct{})
	go func() {
		require.NoError(t, s.Wait(context.Background(), wr))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write became eligible before the earlier read finished")
	case <-time.After(20 * time.Millisecond):
	}

	s.Done(rd)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write never became eligible after the read finished")
	}
	s.Done(wr)
}

// TestLaterReadPipelinesBehindEligibleWrite covers the read side of C1's
// pipelining: a read entering behind a write that has already become
// eligible (but has not yet called Done) must not itself wait for that
// write to finish — it pipelines immediately.
func TestLaterReadPipelinesBehindEligibleWrite(t *testing.T) {
	s := New()
	wr := s.EnterWrite()
	require.NoError(t, s.Wait(context.Background(), wr))

	rd := s.EnterRead()
	done := make(chan struct{})
	go func() {
		require.NoError(t, s.Wait(context.Background(), rd))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never became eligible even though the earlier write is already eligible")
	}

	s.Done(rd)
	s.Done(wr)
}

// TestLaterReadWaitsOnUneligibleWrite covers the complementary case: a read
// behind a write that is itself still blocked (waiting on something earlier
// still) must wait too, since the write ahead of it hasn't become eligible
// yet for anything to pipeline behind.
func TestLaterReadWaitsOnUneligibleWrite(t *testing.T) {
	s := New()
	rd0 := s.EnterRead()
	wr := s.EnterWrite()
	rd := s.EnterRead()

	done := make(chan struct{})
	go func() {
		require.NoError(t, s.Wait(context.Background(), rd))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("read became eligible while the write ahead of it was still blocked")
	case <-time.After(20 * time.Millisecond):
	}

	s.Done(rd0)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never became eligible after the blocking write became eligible")
	}
	s.Done(wr)
	s.Done(rd)
}

func TestCancellationWithdrawsWithoutBlockingSuccessors(t *testing.T) {
	s := New()
	wr1 := s.EnterWrite()
	require.NoError(t, s.Wait(context.Background(), wr1))

	ctx, cancel := context.WithCancel(context.Background())
	wr2 := s.EnterWrite()
	wr3 := s.EnterWrite()

	cancel()
	err := s.Wait(ctx, wr2)
	require.ErrorIs(t, err, ErrInterrupted)

	s.Done(wr1)
	require.NoError(t, s.Wait(context.Background(), wr3))
	s.Done(wr3)
}
