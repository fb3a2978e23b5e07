package storeerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCategories(t *testing.T) {
	cases := map[Code]Category{
		CodeWriteConflict:          CategoryConflict,
		CodeDuplicateKey:           CategoryConflict,
		CodeTemporarilyUnavailable: CategoryResource,
		CodeExceededMemoryLimit:    CategoryResource,
		CodeQueryExceededMemoryLimitNoDiskUseAllowed: CategoryResource,
		CodeSnapshotTooOld:     CategoryStructural,
		CodeCappedPositionLost: CategoryStructural,
		CodeIndexNotFound:      CategoryStructural,
		CodeDataCorruption:     CategoryFatal,
		CodeInterrupted:        CategoryInterrupted,
		CodeInvalidOptions:     CategoryUsage,
	}
	for code, want := range cases {
		if got := code.Category(); got != want {
			t.Errorf("%s: expected category %s, got %s", code, want, got)
		}
	}
}

func TestErrorsIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("commit: %w", New(CodeWriteConflict, "record changed"))

	if !errors.Is(err, ErrWriteConflict) {
		t.Error("Expected wrapped error to match ErrWriteConflict")
	}
	if errors.Is(err, ErrDuplicateKey) {
		t.Error("WriteConflict should not match DuplicateKey")
	}
	if CodeOf(err) != CodeWriteConflict {
		t.Errorf("Expected code WriteConflict, got %s", CodeOf(err))
	}
}

func TestRetryable(t *testing.T) {
	if !IsRetryable(New(CodeWriteConflict, "x")) {
		t.Error("WriteConflict should be retryable")
	}
	if !IsRetryable(New(CodeTemporarilyUnavailable, "x")) {
		t.Error("TemporarilyUnavailable should be retryable")
	}
	if IsRetryable(New(CodeDuplicateKey, "x")) {
		t.Error("DuplicateKey should not be retryable")
	}
	if IsRetryable(New(CodeSnapshotTooOld, "x")) {
		t.Error("SnapshotTooOld should not be retryable")
	}
}

func TestFromContext(t *testing.T) {
	if !Is(FromContext(context.Canceled), CodeInterrupted) {
		t.Error("Canceled should map to Interrupted")
	}
	if !Is(FromContext(context.DeadlineExceeded), CodeMaxTimeMSExpired) {
		t.Error("DeadlineExceeded should map to MaxTimeMSExpired")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := CheckContext(ctx); err != nil {
		t.Fatalf("Live context should not error: %v", err)
	}
	cancel()
	if err := CheckContext(ctx); !Is(err, CodeInterrupted) {
		t.Errorf("Expected Interrupted, got %v", err)
	}
}
