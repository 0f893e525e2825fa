// Package metrics wires github.com/rcrowley/go-metrics counters for the
// store façade, mirroring the counters the teacher's
// secondary/indexer/stats_manager.go keeps per bucket (numRollbacks,
// mutationQueueSize, numMutationsQueued, ...), scoped here to one shard.
package metrics

import gometrics "github.com/rcrowley/go-metrics"

// Store holds the counters for a single shard's store.
type Store struct {
	Registry gometrics.Registry

	Reads          gometrics.Counter
	Writes         gometrics.Counter
	BackfillChunks gometrics.Counter
	ClearChunks    gometrics.Counter
	Interrupted    gometrics.Counter
	QueueDepth     gometrics.GaugeFloat64
}

// New creates and registers a fresh counter set under its own registry so
// multiple shards never collide on metric names.
func New() *Store {
	r := gometrics.NewRegistry()
	s := &Store{
		Registry:       r,
		Reads:          gometrics.NewCounter(),
		Writes:         gometrics.NewCounter(),
		BackfillChunks: gometrics.NewCounter(),
		ClearChunks:    gometrics.NewCounter(),
		Interrupted:    gometrics.NewCounter(),
		QueueDepth:     gometrics.NewGaugeFloat64(),
	}
	r.Register("store.reads", s.Reads)
	r.Register("store.writes", s.Writes)
	r.Register("store.backfill_chunks", s.BackfillChunks)
	r.Register("store.clear_chunks", s.ClearChunks)
	r.Register("store.interrupted", s.Interrupted)
	r.Register("store.queue_depth", s.QueueDepth)
	return s
}
