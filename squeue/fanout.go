package squeue

import (
	"context"
	"sync"

	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/logging"
)

// FanOut is the "sindex-queue mutex" of spec §4.5: a fair ticket lock whose
// ticket is reserved while the caller still holds the sindex block, and
// whose wait completes only after that block has been released. This keeps
// the order in which writers enter the line identical to the order in which
// they held the sindex block, even though the actual queue pushes (done
// while holding the line) can take arbitrarily long.
type FanOut struct {
	mu      sync.Mutex
	cond    *sync.Cond
	ticket  uint64
	serving uint64
	queues  map[string]engine.DiskBackedQueue
}

func NewFanOut() *FanOut {
	f := &FanOut{queues: make(map[string]engine.DiskBackedQueue)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Reserve captures a line position. Call this while still holding the
// sindex block (spec §4.5 step 2).
func (f *FanOut) Reserve() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.ticket
	f.ticket++
	return t
}

// Enter blocks until ticket is at the head of the line. Call only after the
// sindex block has been released (spec §4.5 step 3).
func (f *FanOut) Enter(ctx context.Context, ticket uint64) error {
	stop := make(chan struct{})
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				f.mu.Lock()
				f.cond.Broadcast()
				f.mu.Unlock()
			case <-stop:
			}
		}()
		defer close(stop)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for f.serving != ticket {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.cond.Wait()
	}
	return nil
}

// Leave releases the line, admitting ticket+1.
func (f *FanOut) Leave(ticket uint64) {
	f.mu.Lock()
	f.serving = ticket + 1
	f.cond.Broadcast()
	f.mu.Unlock()
}

// PushAll pushes records to every registered queue. Call only while holding
// the line (between a successful Enter and the matching Leave).
func (f *FanOut) PushAll(records []engine.ChangeRecord) {
	f.mu.Lock()
	qs := make([]engine.DiskBackedQueue, 0, len(f.queues))
	for _, q := range f.queues {
		qs = append(qs, q)
	}
	f.mu.Unlock()

	for _, q := range qs {
		q.PushAll(records)
	}
}

// TotalLen sums Len() across every registered queue, for the store's queue
// depth gauge.
func (f *FanOut) TotalLen() int {
	f.mu.Lock()
	qs := make([]engine.DiskBackedQueue, 0, len(f.queues))
	for _, q := range f.queues {
		qs = append(qs, q)
	}
	f.mu.Unlock()

	total := 0
	for _, q := range qs {
		total += q.Len()
	}
	return total
}

// Register and Deregister add/remove a sindex's queue from the fan-out set.
// Per spec §4.5 these go through the same line as ordinary writes; callers
// reserve/enter/leave exactly as they would to push a write.
// Registering a uuid that already has a queue is a fatal invariant violation.
func (f *FanOut) Register(uuid string, q engine.DiskBackedQueue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.queues[uuid]; dup {
		logging.Fatalf("squeue: duplicate queue registration for sindex %s", uuid)
	}
	f.queues[uuid] = q
}

func (f *FanOut) Deregister(uuid string) {
	f.mu.Lock()
	delete(f.queues, uuid)
	f.mu.Unlock()
}

// EmergencyDeregister is the shutdown-path removal: identical ordering
// discipline, but it runs without ever having held the sindex block (spec
// §4.5 "Emergency deregistration").
func (f *FanOut) EmergencyDeregister(ctx context.Context, uuid string) error {
	t := f.Reserve()
	if err := f.Enter(ctx, t); err != nil {
		return err
	}
	defer f.Leave(t)
	f.Deregister(uuid)
	return nil
}
