package bunstore

import (
	"context"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/pool"
)

// RunOperation executes fn on the worker pool. maxTime, when positive,
// bounds the operation; it fails with MaxTimeMSExpired once exceeded.
func (d *Database) RunOperation(ctx context.Context, name string, maxTime time.Duration, fn func(ctx context.Context) error) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.exec.Run(ctx, pool.RunOptions{Name: name, MaxTime: maxTime}, fn)
}

// WithTransaction runs fn inside a new transaction on the worker pool and
// commits it. Write conflicts and resource errors abort the attempt and run
// fn again in a fresh transaction; interruption, the time limit and every
// other error end it.
func (d *Database) WithTransaction(ctx context.Context, opts pool.RunOptions, rc ReadConcern, fn func(ctx context.Context, h *TxnHandle) error) (mvcc.Timestamp, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	var commitTs mvcc.Timestamp
	err := d.exec.RunRetryable(ctx, opts, func(ctx context.Context) error {
		h, err := d.OpenTransaction(ctx, rc)
		if err != nil {
			return err
		}
		if err := fn(ctx, h); err != nil {
			if aerr := d.Abort(context.WithoutCancel(ctx), h); aerr != nil {
				d.log.Warn("failed to abort transaction", "txn", h.ID(), "error", aerr)
			}
			return err
		}
		ts, err := d.Commit(ctx, h)
		if err != nil {
			if aerr := d.Abort(context.WithoutCancel(ctx), h); aerr != nil {
				d.log.Debug("abort after failed commit", "txn", h.ID(), "error", aerr)
			}
			return err
		}
		commitTs = ts
		return nil
	})
	return commitTs, err
}

// KillOp interrupts a running operation by id.
func (d *Database) KillOp(id uint64) bool {
	return d.exec.KillOp(id)
}

// CurrentOps lists the operations running on the worker pool.
func (d *Database) CurrentOps() []pool.OpInfo {
	return d.exec.Ops()
}
