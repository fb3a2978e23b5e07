package main

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/bunstore"
	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/index"
	"github.com/kartikbazzad/bunbase/bunstore/pool"
	"github.com/kartikbazzad/bunbase/bunstore/storage"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

type benchConfig struct {
	Collection  string
	Concurrency int
	TotalOps    int
	ReadRatio   float64 // 0.0 to 1.0 (e.g. 0.8 for 80% reads)
}

var bench = benchConfig{Collection: "bench"}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a mixed insert and read workload against the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if bench.Concurrency <= 0 || bench.TotalOps <= 0 {
			return fmt.Errorf("concurrency and ops must be positive")
		}
		ctx, cancel := signalContext()
		defer cancel()
		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		_, err = db.CreateCollection(ctx, bench.Collection, catalog.CollectionOptions{})
		if err != nil && !storeerr.Is(err, storeerr.CodeNamespaceExists) {
			return err
		}
		spec := catalog.IndexSpec{Name: "worker_1", Key: []catalog.KeyField{{Field: "worker", Direction: 1}}}
		if err := db.CreateIndex(ctx, bench.Collection, spec); err != nil && !storeerr.Is(err, storeerr.CodeIndexAlreadyExists) {
			return err
		}

		fmt.Printf("Starting bench\n   Dir: %s\n   Workers: %d\n   Total Ops: %d\n   Read Ratio: %.2f\n",
			cfg.DataDir, bench.Concurrency, bench.TotalOps, bench.ReadRatio)
		runBenchmark(ctx, db, bench)
		return nil
	},
}

func init() {
	benchCmd.Flags().StringVar(&bench.Collection, "collection", bench.Collection, "collection to write")
	benchCmd.Flags().IntVar(&bench.Concurrency, "concurrency", 10, "number of concurrent workers")
	benchCmd.Flags().IntVarP(&bench.TotalOps, "ops", "n", 10000, "total number of operations")
	benchCmd.Flags().Float64Var(&bench.ReadRatio, "ratio", 0.5, "read ratio (0.0 write only, 1.0 read only)")
}

func runBenchmark(ctx context.Context, db *bunstore.Database, cfg benchConfig) {
	start := time.Now()

	var wg sync.WaitGroup
	opsPerWorker := cfg.TotalOps / cfg.Concurrency

	latencies := make(chan time.Duration, cfg.TotalOps)
	errs := make(chan error, cfg.TotalOps)

	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

			for j := 0; j < opsPerWorker && ctx.Err() == nil; j++ {
				opStart := time.Now()
				var err error
				if r.Float64() < cfg.ReadRatio {
					worker := r.Intn(cfg.Concurrency)
					_, err = db.WithTransaction(ctx, pool.RunOptions{Name: "bench_read"}, bunstore.ReadConcern{},
						func(ctx context.Context, h *bunstore.TxnHandle) error {
							_, err := db.Execute(ctx, h, bunstore.IndexSeek{
								Collection: cfg.Collection,
								Index:      "worker_1",
								Bounds:     index.Point(worker),
								Limit:      10,
							})
							return err
						})
				} else {
					_, err = db.WithTransaction(ctx, pool.RunOptions{Name: "bench_insert"}, bunstore.ReadConcern{},
						func(ctx context.Context, h *bunstore.TxnHandle) error {
							_, err := db.Execute(ctx, h, bunstore.Insert{Collection: cfg.Collection, Doc: storage.Document{
								"worker": id,
								"iter":   j,
								"data":   "some useful payload",
								"ts":     time.Now().UnixNano(),
							}})
							return err
						})
				}
				if err != nil {
					errs <- err
				}
				latencies <- time.Since(opStart)
			}
		}(i)
	}

	wg.Wait()
	close(latencies)
	close(errs)

	duration := time.Since(start)

	var totalLatency time.Duration
	var latList []float64
	var errCount int

	for l := range latencies {
		totalLatency += l
		latList = append(latList, float64(l.Microseconds())/1000.0) // ms
	}
	for err := range errs {
		errCount++
		if errCount <= 5 {
			fmt.Printf("Error Sample: %v\n", err)
		}
	}

	opsCount := len(latList)
	if opsCount == 0 {
		fmt.Println("no operations completed")
		return
	}
	throughput := float64(opsCount) / duration.Seconds()
	avgLatency := float64(totalLatency.Microseconds()) / 1000.0 / float64(opsCount)

	sort.Float64s(latList)
	p50 := latList[int(float64(len(latList))*0.50)]
	p99 := latList[int(float64(len(latList))*0.99)]

	fmt.Println("\nResults:")
	fmt.Printf("   Duration:    %v\n", duration)
	fmt.Printf("   Throughput:  %.2f ops/sec\n", throughput)
	fmt.Printf("   Avg Latency: %.2f ms\n", avgLatency)
	fmt.Printf("   P50 Latency: %.2f ms\n", p50)
	fmt.Printf("   P99 Latency: %.2f ms\n", p99)
	fmt.Printf("   Errors:      %d (%.2f%%)\n", errCount, float64(errCount)/float64(opsCount)*100)
}
