// Package storeerr defines the typed errors returned across the storage engine
// boundary. Every error carries a stable Code, and every Code belongs to exactly
// one Category so callers can decide between retrying, surfacing, or stopping.
package storeerr

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable numeric error code.
type Code int

const (
	CodeUnknown                                  Code = 1
	CodeIllegalOperation                         Code = 20
	CodeNamespaceNotFound                        Code = 26
	CodeIndexNotFound                            Code = 27
	CodeNamespaceExists                          Code = 48
	CodeIndexAlreadyExists                       Code = 68
	CodeMaxTimeMSExpired                         Code = 50
	CodeInvalidOptions                           Code = 72
	CodeWriteConflict                            Code = 112
	CodeDocumentValidationFailure                Code = 121
	CodeCappedPositionLost                       Code = 136
	CodeExceededMemoryLimit                      Code = 146
	CodeCannotIndexParallelArrays                Code = 171
	CodeSnapshotTooOld                           Code = 239
	CodeNoSuchTransaction                        Code = 251
	CodeOperationNotSupportedInTransaction       Code = 263
	CodeIndexBuildAborted                        Code = 276
	CodeQueryExceededMemoryLimitNoDiskUseAllowed Code = 292
	CodeTemporarilyUnavailable                   Code = 365
	CodeStorageUnavailable                       Code = 9001
	CodeDuplicateKey                             Code = 11000
	CodeInterrupted                              Code = 11601
	CodeDocumentTooLarge                         Code = 10334
	CodeDataCorruption                           Code = 10500
)

var codeNames = map[Code]string{
	CodeUnknown:                                  "UnknownError",
	CodeIllegalOperation:                         "IllegalOperation",
	CodeNamespaceNotFound:                        "NamespaceNotFound",
	CodeIndexNotFound:                            "IndexNotFound",
	CodeNamespaceExists:                          "NamespaceExists",
	CodeIndexAlreadyExists:                       "IndexAlreadyExists",
	CodeDocumentValidationFailure:                "DocumentValidationFailure",
	CodeMaxTimeMSExpired:                         "MaxTimeMSExpired",
	CodeInvalidOptions:                           "InvalidOptions",
	CodeWriteConflict:                            "WriteConflict",
	CodeCappedPositionLost:                       "CappedPositionLost",
	CodeExceededMemoryLimit:                      "ExceededMemoryLimit",
	CodeCannotIndexParallelArrays:                "CannotIndexParallelArrays",
	CodeSnapshotTooOld:                           "SnapshotTooOld",
	CodeNoSuchTransaction:                        "NoSuchTransaction",
	CodeOperationNotSupportedInTransaction:       "OperationNotSupportedInTransaction",
	CodeIndexBuildAborted:                        "IndexBuildAborted",
	CodeQueryExceededMemoryLimitNoDiskUseAllowed: "QueryExceededMemoryLimitNoDiskUseAllowed",
	CodeTemporarilyUnavailable:                   "TemporarilyUnavailable",
	CodeStorageUnavailable:                       "StorageUnavailable",
	CodeDuplicateKey:                             "DuplicateKey",
	CodeInterrupted:                              "Interrupted",
	CodeDocumentTooLarge:                         "DocumentTooLarge",
	CodeDataCorruption:                           "DataCorruption",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Category groups codes by how a caller is expected to react.
type Category int

const (
	// CategoryConflict errors are retryable by re-running the whole transaction.
	CategoryConflict Category = iota
	// CategoryResource errors are retryable after backoff.
	CategoryResource
	// CategoryStructural errors are not retryable without changing the request.
	CategoryStructural
	// CategoryInterrupted errors come from killOp, maxTimeMS or shutdown.
	CategoryInterrupted
	// CategoryUsage errors are caller mistakes.
	CategoryUsage
	// CategoryFatal errors stop the engine.
	CategoryFatal
)

func (c Category) String() string {
	switch c {
	case CategoryConflict:
		return "conflict"
	case CategoryResource:
		return "resource"
	case CategoryStructural:
		return "structural"
	case CategoryInterrupted:
		return "interrupted"
	case CategoryUsage:
		return "usage"
	case CategoryFatal:
		return "fatal"
	}
	return "unknown"
}

// Category returns the category the code belongs to.
func (c Code) Category() Category {
	switch c {
	case CodeWriteConflict, CodeDuplicateKey:
		return CategoryConflict
	case CodeTemporarilyUnavailable, CodeExceededMemoryLimit, CodeQueryExceededMemoryLimitNoDiskUseAllowed:
		return CategoryResource
	case CodeSnapshotTooOld, CodeCappedPositionLost, CodeIndexNotFound, CodeNamespaceNotFound,
		CodeNamespaceExists, CodeIndexBuildAborted, CodeCannotIndexParallelArrays, CodeDocumentTooLarge:
		return CategoryStructural
	case CodeInterrupted, CodeMaxTimeMSExpired:
		return CategoryInterrupted
	case CodeDataCorruption, CodeStorageUnavailable:
		return CategoryFatal
	}
	return CategoryUsage
}

// Error is the engine's typed error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so sentinel comparisons work
// through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Sentinel returns a bare error for code, suitable as an errors.Is target.
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}

// Sentinels for errors.Is checks.
var (
	ErrWriteConflict          = Sentinel(CodeWriteConflict)
	ErrDuplicateKey           = Sentinel(CodeDuplicateKey)
	ErrTemporarilyUnavailable = Sentinel(CodeTemporarilyUnavailable)
	ErrSnapshotTooOld         = Sentinel(CodeSnapshotTooOld)
	ErrCappedPositionLost     = Sentinel(CodeCappedPositionLost)
	ErrIndexNotFound          = Sentinel(CodeIndexNotFound)
	ErrInterrupted            = Sentinel(CodeInterrupted)
	ErrDataCorruption         = Sentinel(CodeDataCorruption)
)

// CodeOf extracts the code of err, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeMaxTimeMSExpired
	}
	return CodeUnknown
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// CategoryOf returns the category of err.
func CategoryOf(err error) Category {
	return CodeOf(err).Category()
}

// IsRetryable reports whether re-running the failed unit of work may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	code := CodeOf(err)
	if code == CodeDuplicateKey {
		return false
	}
	cat := code.Category()
	return cat == CategoryConflict || cat == CategoryResource
}

// IsTransientConflict is true only for WriteConflict, the code a single
// statement may be retried on transparently. DuplicateKey is a conflict but
// retrying it never helps.
func IsTransientConflict(err error) bool {
	return Is(err, CodeWriteConflict)
}

// FromContext converts context cancellation into Interrupted/MaxTimeMSExpired.
// Other errors pass through unchanged.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeMaxTimeMSExpired, err, "operation exceeded time limit")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(CodeInterrupted, err, "operation was interrupted")
	}
	return err
}

// CheckContext returns a typed interruption error if ctx is done.
func CheckContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return FromContext(ctx.Err())
}
