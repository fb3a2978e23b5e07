package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/internal/logger"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

func newTestExecutor(t *testing.T, size, queue int) *Executor {
	t.Helper()
	opts := DefaultOptions(size)
	opts.MaxQueue = queue
	opts.RetryBase = time.Millisecond
	opts.MaxRetries = 5
	opts.Logger = logger.Discard()
	e, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	t.Cleanup(func() { e.Close(time.Second) })
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewRejectsEmptyPool(t *testing.T) {
	if _, err := New(Options{}); !storeerr.Is(err, storeerr.CodeInvalidOptions) {
		t.Errorf("Expected InvalidOptions, got %v", err)
	}
}

func TestRunReturnsError(t *testing.T) {
	e := newTestExecutor(t, 2, 0)
	want := storeerr.New(storeerr.CodeNamespaceNotFound, "missing")
	err := e.Run(context.Background(), RunOptions{Name: "find"}, func(ctx context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("Expected %v, got %v", want, err)
	}
	if ops := e.Ops(); len(ops) != 0 {
		t.Errorf("Finished operations should leave the op table, got %d", len(ops))
	}
}

func TestRunMaxTime(t *testing.T) {
	e := newTestExecutor(t, 1, 0)
	err := e.Run(context.Background(), RunOptions{Name: "slow", MaxTime: 10 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !storeerr.Is(err, storeerr.CodeMaxTimeMSExpired) {
		t.Errorf("Expected MaxTimeMSExpired, got %v", err)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	e := newTestExecutor(t, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := e.Run(ctx, RunOptions{}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !storeerr.Is(err, storeerr.CodeInterrupted) {
		t.Errorf("Expected Interrupted, got %v", err)
	}
	if ran {
		t.Errorf("Operation should not run on a cancelled context")
	}
}

func TestKillOp(t *testing.T) {
	e := newTestExecutor(t, 1, 0)
	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- e.Run(context.Background(), RunOptions{Name: "scan"}, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	ops := e.Ops()
	if len(ops) != 1 || ops[0].Name != "scan" {
		t.Fatalf("Expected one running scan, got %+v", ops)
	}
	if !e.KillOp(ops[0].ID) {
		t.Fatalf("Failed to kill op %d", ops[0].ID)
	}
	if err := <-result; !storeerr.Is(err, storeerr.CodeInterrupted) {
		t.Errorf("Expected Interrupted, got %v", err)
	}
	if e.KillOp(ops[0].ID) {
		t.Errorf("Killing a finished op should report false")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	e := newTestExecutor(t, 1, 0)
	err := e.Run(context.Background(), RunOptions{Name: "bad"}, func(ctx context.Context) error {
		panic("boom")
	})
	if !storeerr.Is(err, storeerr.CodeUnknown) {
		t.Errorf("Expected an error for a panicking operation, got %v", err)
	}
	if err := e.Run(context.Background(), RunOptions{}, func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("Pool should keep working after a panic: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	e := newTestExecutor(t, 1, 1)
	release := make(chan struct{})
	started := make(chan struct{})
	block := func(ctx context.Context) error {
		<-release
		return nil
	}

	first := make(chan error, 1)
	go func() {
		first <- e.Run(context.Background(), RunOptions{}, func(ctx context.Context) error {
			close(started)
			return block(ctx)
		})
	}()
	<-started
	second := make(chan error, 1)
	go func() {
		second <- e.Run(context.Background(), RunOptions{}, block)
	}()
	waitFor(t, func() bool { return e.pool.Waiting() == 1 })

	err := e.Run(context.Background(), RunOptions{}, block)
	if !storeerr.Is(err, storeerr.CodeTemporarilyUnavailable) {
		t.Errorf("Expected TemporarilyUnavailable, got %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Errorf("First operation failed: %v", err)
	}
	if err := <-second; err != nil {
		t.Errorf("Queued operation failed: %v", err)
	}
}

func TestRunRetryableRetriesConflicts(t *testing.T) {
	e := newTestExecutor(t, 2, 0)
	attempts := 0
	err := e.RunRetryable(context.Background(), RunOptions{Name: "update"}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return storeerr.New(storeerr.CodeWriteConflict, "conflict")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRunRetryableGivesUp(t *testing.T) {
	e := newTestExecutor(t, 1, 0)
	attempts := 0
	err := e.RunRetryable(context.Background(), RunOptions{}, func(ctx context.Context) error {
		attempts++
		return storeerr.New(storeerr.CodeTemporarilyUnavailable, "busy")
	})
	if !storeerr.Is(err, storeerr.CodeTemporarilyUnavailable) {
		t.Errorf("Expected the last error, got %v", err)
	}
	if attempts != 6 {
		t.Errorf("Expected 1 attempt plus 5 retries, got %d", attempts)
	}
}

func TestRunRetryableDoesNotRetryPermanentErrors(t *testing.T) {
	e := newTestExecutor(t, 1, 0)
	attempts := 0
	err := e.RunRetryable(context.Background(), RunOptions{}, func(ctx context.Context) error {
		attempts++
		return storeerr.New(storeerr.CodeDuplicateKey, "dup")
	})
	if !storeerr.Is(err, storeerr.CodeDuplicateKey) {
		t.Errorf("Expected DuplicateKey, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("DuplicateKey should not be retried, got %d attempts", attempts)
	}
}

func TestRunRetryableStopsAtInterruption(t *testing.T) {
	e := newTestExecutor(t, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	attempts := 0
	err := e.RunRetryable(ctx, RunOptions{}, func(context.Context) error {
		attempts++
		cancel()
		return storeerr.New(storeerr.CodeWriteConflict, "conflict")
	})
	if err == nil {
		t.Fatalf("Expected an error")
	}
	if attempts != 1 {
		t.Errorf("Interrupted operation should not be retried, got %d attempts", attempts)
	}
}
