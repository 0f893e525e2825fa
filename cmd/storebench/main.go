// storebench drives point writes and reads through a single store.Store,
// the way cbindexperf drives scan load through a live cluster
// (secondary/cmd/cbindexperf/main.go): flags select the run shape, and a
// summary is printed on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/couchbase/tablestore/config"
	"github.com/couchbase/tablestore/engine"
	"github.com/couchbase/tablestore/fdbengine"
	"github.com/couchbase/tablestore/logging"
	"github.com/couchbase/tablestore/metainfo"
	"github.com/couchbase/tablestore/store"
)

func handleError(err error) {
	if err != nil {
		fmt.Printf("Error occurred: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	dbfile := flag.String("dbfile", "storebench.fdb", "ForestDB file to open or create")
	table := flag.String("table", "bench", "Table name")
	numOps := flag.Int("ops", 100000, "Number of point writes, then the same number of point reads")
	valueSize := flag.Int("valuesize", 64, "Value size in bytes")
	cpus := flag.Int("cpus", runtime.NumCPU(), "Number of CPUs")
	logLevel := flag.String("loglevel", "info", "Log level")
	flag.Parse()

	runtime.GOMAXPROCS(*cpus)
	applyLogLevel(*logLevel)

	eng, err := fdbengine.Open(*dbfile)
	handleError(err)
	defer eng.Close()

	protocol := &kvProtocol{eng: eng}
	ctx := context.Background()
	s, err := store.Open(ctx, *table, eng, eng, protocol, config.Default())
	handleError(err)
	defer s.Close()

	// store.Open already bootstrapped (or found) the primary root; read it
	// back directly off the engine the same way store.Read/Write do, since
	// the protocol needs it and store.Store has no accessor for it.
	txn, err := eng.BeginRead(ctx, false)
	handleError(err)
	sb, err := eng.AcquireSuperblock(ctx, txn, engine.AccessRead)
	handleError(err)
	data, err := eng.ReadSuperblock(ctx, txn, sb)
	handleError(err)
	sb.Release()
	txn.Abort()
	protocol.primaryRoot = data.PrimaryRootBlockID

	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < *numOps; i++ {
		key := []byte(fmt.Sprintf("key-%010d", i))
		tok := s.EnterWrite()
		_, err := s.Write(ctx, tok, metainfo.Map{}, engine.WriteRequest{Key: key, Value: value}, engine.DurabilitySoft, 1)
		handleError(err)
	}
	writeElapsed := time.Since(start)

	start = time.Now()
	for i := 0; i < *numOps; i++ {
		key := []byte(fmt.Sprintf("key-%010d", i))
		tok := s.EnterRead()
		_, err := s.Read(ctx, tok, false, engine.ReadRequest{Key: key})
		handleError(err)
	}
	readElapsed := time.Since(start)

	fmt.Printf("writes: %d in %s (%.0f/s)\n", *numOps, writeElapsed, float64(*numOps)/writeElapsed.Seconds())
	fmt.Printf("reads:  %d in %s (%.0f/s)\n", *numOps, readElapsed, float64(*numOps)/readElapsed.Seconds())

	mi, err := s.GetMetainfo(ctx, s.EnterRead())
	handleError(err)
	fmt.Printf("metainfo pairs: %d\n", len(mi.Pairs()))
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	logging.SetLevel(parsed)
}
