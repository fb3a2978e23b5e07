package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/bunstore/indexbuild"
	"github.com/kartikbazzad/bunbase/bunstore/internal/metrics"
	"github.com/kartikbazzad/bunbase/bunstore/internal/wal"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run crash recovery, checkpoint and close",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		stats := db.Stats()
		if err := db.Checkpoint(ctx); err != nil {
			db.Close()
			return err
		}
		if err := db.Close(); err != nil {
			return err
		}
		fmt.Printf("recovered %s: last commit %s, %d prepared transactions, %d index builds\n",
			cfg.DataDir, stats.LastCommitted, stats.PreparedTxns, len(stats.IndexBuilds))
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <collection>",
	Short: "Check a collection and its indexes and print their hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		res, err := db.Validate(ctx, args[0])
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("collection %s is corrupt", args[0])
		}
		return nil
	},
}

var walCmd = &cobra.Command{
	Use:   "wal",
	Short: "Inspect the write-ahead log",
}

var walLimit int

var errLimit = errors.New("limit reached")

var walDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the records of the write-ahead log",
	RunE: func(cmd *cobra.Command, args []string) error {
		n := 0
		err := wal.ScanDir(cfg.Path("wal"), func(rec *wal.Record) error {
			if walLimit > 0 && n >= walLimit {
				return errLimit
			}
			n++
			ts := ""
			if rec.Timestamp != 0 {
				ts = mvcc.Timestamp(rec.Timestamp).String()
			}
			fmt.Printf("%-10d %-10s txn=%-8d store=%-6d key=%dB value=%dB %s\n",
				rec.LSN, rec.Type, rec.TxnID, rec.StoreID, len(rec.Key), len(rec.Value), ts)
			return nil
		})
		if errors.Is(err, errLimit) {
			return nil
		}
		return err
	},
}

var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "List persisted index build states",
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := indexbuild.ListStates(cfg.DataDir)
		if err != nil {
			return err
		}
		if states == nil {
			states = []*indexbuild.State{}
		}
		return printJSON(states)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Open the database and print engine statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		return printJSON(db.Stats())
	},
}

var metricsListen string

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Open the database and serve Prometheus metrics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		db, err := openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		listen := metricsListen
		if listen == "" {
			listen = cfg.Metrics.Listen
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		fmt.Printf("serving metrics on %s/metrics\n", listen)

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	walDumpCmd.Flags().IntVarP(&walLimit, "limit", "n", 0, "stop after this many records")
	walCmd.AddCommand(walDumpCmd)
	metricsCmd.Flags().StringVar(&metricsListen, "listen", "", "listen address, overrides metrics.listen")
}
