package fs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is a stable machine-readable error identifier. Codes survive
// wrapping; drivers must preserve the semantic code across layers.
type ErrorCode string

// Error codes.
const (
	// Validation
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	CodeInvalidPath   ErrorCode = "INVALID_PATH"
	CodeEmptyName     ErrorCode = "EMPTY_NAME"
	CodeDotsInPath    ErrorCode = "DOTS_IN_PATH"

	// Auth
	CodeTokenRequired         ErrorCode = "TOKEN_REQUIRED"
	CodeTokenRequiredForWrite ErrorCode = "TOKEN_REQUIRED_FOR_WRITE"
	CodeForbidden             ErrorCode = "FORBIDDEN"

	// Not found
	CodeNotFound ErrorCode = "NOT_FOUND"

	// Upstream protocol
	CodeInvalidResponse        ErrorCode = "INVALID_RESPONSE"
	CodeInvalidJSON            ErrorCode = "INVALID_JSON"
	CodeTreeTruncated          ErrorCode = "TREE_TRUNCATED"
	CodeMultipartPartsMismatch ErrorCode = "MULTIPART_PARTS_MISMATCH"

	// Semantic refusal
	CodeRevisionNotWritable      ErrorCode = "REVISION_NOT_WRITABLE"
	CodeDirectLinkNotAvailable   ErrorCode = "DIRECT_LINK_NOT_AVAILABLE"
	CodeSubmoduleUnsupported     ErrorCode = "SUBMODULE_UNSUPPORTED"
	CodeFileTooLarge             ErrorCode = "FILE_TOO_LARGE"
	CodeWasmDisallowed           ErrorCode = "WASM_DISALLOWED"
	CodePresignRequiresMultipart ErrorCode = "PRESIGN_REQUIRES_MULTIPART"

	// Rate limit
	CodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"

	// Cancellation
	CodeAborted ErrorCode = "ABORTED"

	// Index-vs-storage divergence: the upload is durable upstream but
	// the index write failed. Never retried; re-uploading duplicates
	// storage.
	CodeDiscordIndexWriteFailed ErrorCode = "DISCORD_INDEX_WRITE_FAILED"
)

// Error is a coded error with an HTTP status hint for the transport
// layer, an Expose bit saying the message is safe to show verbatim, and
// optional structured details.
type Error struct {
	Code    ErrorCode
	Status  int
	Expose  bool
	Message string
	Details map[string]interface{}
	cause   error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// Cause returns the underlying error for github.com/pkg/errors.
func (e *Error) Cause() error { return e.cause }

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error, keeping the code.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail adds one structured detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

func newError(code ErrorCode, status int, expose bool, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Status:  status,
		Expose:  expose,
		Message: fmt.Sprintf(format, args...),
	}
}

// Errf makes a coded error with an explicit status hint.
func Errf(code ErrorCode, status int, format string, args ...interface{}) *Error {
	expose := true
	switch code {
	case CodeInvalidResponse, CodeInvalidJSON:
		expose = false
	}
	return newError(code, status, expose, format, args...)
}

// NotFound makes a NOT_FOUND error for path.
func NotFound(path string) *Error {
	return newError(CodeNotFound, 404, true, "%q not found", path)
}

// Aborted wraps a cancellation.
func Aborted(err error) *Error {
	return newError(CodeAborted, 499, true, "operation aborted").WithCause(err)
}

// CodeOf extracts the ErrorCode from err, unwrapping as needed. Returns
// "" when err carries no code.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// IsCode reports whether err (or anything it wraps) carries code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// StatusOf returns the transport status hint for err, defaulting to 500.
func StatusOf(err error) int {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Status != 0 {
			return e.Status
		}
		err = errors.Unwrap(err)
	}
	return 500
}
