package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/pingcap-incubator/tinytxn"
)

type benchOptions struct {
	threads     int
	keys        int
	valueSize   int
	rate        int
	readPercent int
	duration    time.Duration
	reportEvery time.Duration
	batchSize   int
}

func benchKey(i int) []byte {
	return []byte(fmt.Sprintf("bench%010d", i))
}

func newLimiter(opsPerSec int) *rate.Limiter {
	if opsPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(opsPerSec), opsPerSec/10+1)
}

// runLoad writes the whole keyspace once, each worker committing disjoint
// batches, so write acquisition never conflicts and load speed measures
// the publish path alone.
func runLoad(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	done := make(chan struct{})
	watchSignals(done)
	limiter := newLimiter(opts.rate)

	start := time.Now()
	var loaded uint64
	var wg sync.WaitGroup
	for w := 0; w < opts.threads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(worker)))
			value := make([]byte, opts.valueSize)
			rnd.Read(value)
			for i := worker; i < opts.keys; {
				select {
				case <-done:
					return
				default:
				}
				if err := limiter.Wait(context.Background()); err != nil {
					log.Warnf("load worker %d throttle: %v", worker, err)
				}
				next := i
				err := db.RunTxn(func(txn *tinytxn.Txn) error {
					for n := 0; n < opts.batchSize && next < opts.keys; n++ {
						if err := txn.Put(benchKey(next), value); err != nil {
							return err
						}
						next += opts.threads
					}
					return nil
				})
				if err != nil {
					log.Fatalf("load worker %d: %v", worker, err)
				}
				atomic.AddUint64(&loaded, uint64((next-i)/opts.threads))
				i = next
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	log.Infof("loaded %d keys in %s, %.0f keys/s",
		atomic.LoadUint64(&loaded), elapsed, float64(atomic.LoadUint64(&loaded))/elapsed.Seconds())
	printStats(db)
	return nil
}

// runBench drives the read/write mix. Read transactions get one random
// key at their snapshot; the rest read a key and write it back, which is
// the contended first-committer-wins path.
func runBench(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	done := make(chan struct{})
	watchSignals(done)
	limiter := newLimiter(opts.rate)

	deadline := time.NewTimer(opts.duration)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.reportEvery)
	defer ticker.Stop()
	stop := make(chan struct{})
	go func() {
		select {
		case <-deadline.C:
		case <-done:
		}
		close(stop)
	}()

	var ops uint64
	latencies := make([][]float64, opts.threads)
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < opts.threads; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(worker) + 1))
			value := make([]byte, opts.valueSize)
			rnd.Read(value)
			lats := make([]float64, 0, 1<<16)
			for {
				select {
				case <-stop:
					latencies[worker] = lats
					return
				default:
				}
				if err := limiter.Wait(context.Background()); err != nil {
					log.Warnf("bench worker %d throttle: %v", worker, err)
				}
				key := benchKey(rnd.Intn(opts.keys))
				opStart := time.Now()
				var err error
				if rnd.Intn(100) < opts.readPercent {
					err = db.RunTxn(func(txn *tinytxn.Txn) error {
						_, gerr := txn.Get(key)
						if errors.Cause(gerr) == tinytxn.ErrKeyNotFound {
							return nil
						}
						return gerr
					})
				} else {
					err = db.RunTxn(func(txn *tinytxn.Txn) error {
						if _, gerr := txn.Get(key); gerr != nil && errors.Cause(gerr) != tinytxn.ErrKeyNotFound {
							return gerr
						}
						return txn.Put(key, value)
					})
				}
				if err != nil {
					log.Warnf("bench worker %d: %v", worker, err)
					continue
				}
				lats = append(lats, time.Since(opStart).Seconds()*1000)
				atomic.AddUint64(&ops, 1)
			}
		}(w)
	}

	go func() {
		for {
			select {
			case <-ticker.C:
				n := atomic.LoadUint64(&ops)
				log.Infof("progress: %d txns, %.0f txn/s", n, float64(n)/time.Since(start).Seconds())
			case <-stop:
				return
			}
		}
	}()
	wg.Wait()

	elapsed := time.Since(start)
	var all []float64
	for _, lats := range latencies {
		all = append(all, lats...)
	}
	summarize(all, atomic.LoadUint64(&ops), elapsed)
	printStats(db)
	return nil
}

func summarize(latenciesMs []float64, ops uint64, elapsed time.Duration) {
	fmt.Printf("finished %d txns in %s, %.0f txn/s\n", ops, elapsed, float64(ops)/elapsed.Seconds())
	if len(latenciesMs) == 0 {
		return
	}
	mean, _ := stats.Mean(latenciesMs)
	median, _ := stats.Median(latenciesMs)
	p95, _ := stats.Percentile(latenciesMs, 95)
	p99, _ := stats.Percentile(latenciesMs, 99)
	max, _ := stats.Max(latenciesMs)
	fmt.Printf("latency ms: mean %.3f, median %.3f, p95 %.3f, p99 %.3f, max %.3f\n",
		mean, median, p95, p99, max)
}

func printStats(db *tinytxn.DB) {
	st := db.Stats()
	fmt.Printf("clock ts %d, low-water mark %d, live txns %d, arbitration entries %d, uptime %s\n",
		st.CurrentTS, st.LowWaterMark, st.LiveTxns, st.ArbitrationEntries, st.Uptime.Round(time.Millisecond))
}
