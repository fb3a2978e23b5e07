package wal

import "sort"

// txnOutcome is the decision recorded for a transaction in the log.
type txnOutcome byte

const (
	outcomeUnknown txnOutcome = iota
	outcomePrepared
	outcomeCommitted
	outcomeAborted
)

// ReplayResult summarizes a replay.
type ReplayResult struct {
	LastLSN   LSN       // highest LSN in the log
	Delivered int       // records passed to the callback
	Skipped   int       // data records of uncommitted transactions
	Prepared  []*Record // Prepare records of transactions with no decision
	MaxCommit uint64    // highest commit timestamp seen
}

// Replay delivers, in LSN order, every record after fromLSN that recovery must
// re-apply: the data records and Commit record of each committed transaction,
// and autonomous control records (TxnID 0). Prepare records are collected over
// the whole log so an undecided transaction survives checkpoints.
//
// fn must be idempotent: a crash during recovery replays the same prefix again.
func (w *WAL) Replay(fromLSN LSN, fn func(*Record) error) (*ReplayResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	outcomes := make(map[uint64]txnOutcome)
	prepares := make(map[uint64]*Record)
	result := &ReplayResult{}

	// First pass: identify the outcome of each transaction.
	err := scanDir(w.dir, func(r *Record) error {
		result.LastLSN = r.LSN
		switch r.Type {
		case RecordTypePrepare:
			outcomes[r.TxnID] = outcomePrepared
			prepares[r.TxnID] = r
		case RecordTypeCommit:
			outcomes[r.TxnID] = outcomeCommitted
			if r.Timestamp > result.MaxCommit {
				result.MaxCommit = r.Timestamp
			}
		case RecordTypeAbort:
			outcomes[r.TxnID] = outcomeAborted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for txnID, outcome := range outcomes {
		if outcome == outcomePrepared {
			result.Prepared = append(result.Prepared, prepares[txnID])
		}
	}
	sort.Slice(result.Prepared, func(i, j int) bool {
		return result.Prepared[i].LSN < result.Prepared[j].LSN
	})

	// Second pass: deliver what must be re-applied.
	err = scanDir(w.dir, func(r *Record) error {
		if r.LSN <= fromLSN {
			return nil
		}
		switch {
		case r.Type == RecordTypeCheckpoint || r.Type == RecordTypePrepare || r.Type == RecordTypeAbort:
			return nil
		case r.TxnID == 0:
		case outcomes[r.TxnID] != outcomeCommitted:
			result.Skipped++
			return nil
		}
		result.Delivered++
		return fn(r)
	})
	if err != nil {
		return nil, err
	}

	w.log.Info("WAL replay complete",
		"from_lsn", fromLSN,
		"last_lsn", result.LastLSN,
		"delivered", result.Delivered,
		"skipped", result.Skipped,
		"prepared", len(result.Prepared))
	return result, nil
}
