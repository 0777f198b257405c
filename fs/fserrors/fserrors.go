// Package fserrors provides errors and error handling for retries.
package fserrors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Retrier is an optional interface for error as to whether the
// operation should be retried at a high level.
type Retrier interface {
	error
	Retry() bool
}

// retryError is a type of error
type retryError string

// Error interface
func (r retryError) Error() string {
	return string(r)
}

// Retry interface
func (r retryError) Retry() bool {
	return true
}

// RetryErrorf makes an error which indicates it would like to be retried
func RetryErrorf(format string, args ...interface{}) error {
	return retryError(fmt.Sprintf(format, args...))
}

// wrappedRetryError is an error wrapped so it will satisfy the Retrier
// interface and return true
type wrappedRetryError struct {
	error
}

// Retry interface
func (err wrappedRetryError) Retry() bool {
	return true
}

// RetryError makes an error which indicates it would like to be retried
func RetryError(err error) error {
	if err == nil {
		err = errors.New("needs retry")
	}
	return wrappedRetryError{err}
}

func (err wrappedRetryError) Cause() error {
	return err.error
}

func (err wrappedRetryError) Unwrap() error {
	return err.error
}

// IsRetryError returns true if err conforms to the Retrier interface and
// calling the Retry method returns true.
func IsRetryError(err error) bool {
	for err != nil {
		if r, ok := err.(Retrier); ok {
			return r.Retry()
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Fataler is an optional interface for error as to whether the
// operation should cause the entire operation to finish immediately.
type Fataler interface {
	error
	Fatal() bool
}

// wrappedFatalError is an error wrapped so it will satisfy the Fataler
// interface and return true
type wrappedFatalError struct {
	error
}

// Fatal interface
func (err wrappedFatalError) Fatal() bool {
	return true
}

func (err wrappedFatalError) Cause() error {
	return err.error
}

func (err wrappedFatalError) Unwrap() error {
	return err.error
}

// FatalError makes an error which indicates it is a fatal error and the
// sync should stop.
func FatalError(err error) error {
	if err == nil {
		err = errors.New("fatal error")
	}
	return wrappedFatalError{err}
}

// IsFatalError returns true if err conforms to the Fataler interface and
// calling the Fatal method returns true.
func IsFatalError(err error) bool {
	for err != nil {
		if r, ok := err.(Fataler); ok {
			return r.Fatal()
		}
		err = errors.Unwrap(err)
	}
	return false
}

// NoRetrier is an optional interface for error as to whether the
// operation should not be retried at a high level.
type NoRetrier interface {
	error
	NoRetry() bool
}

// wrappedNoRetryError is an error wrapped so it will satisfy the
// NoRetrier interface and return true.
type wrappedNoRetryError struct {
	error
}

// NoRetry interface
func (err wrappedNoRetryError) NoRetry() bool {
	return true
}

func (err wrappedNoRetryError) Cause() error {
	return err.error
}

func (err wrappedNoRetryError) Unwrap() error {
	return err.error
}

// NoRetryError makes an error which indicates the sync shouldn't be
// retried.
func NoRetryError(err error) error {
	return wrappedNoRetryError{err}
}

// IsNoRetryError returns true if err conforms to the NoRetrier interface
// and calling the NoRetry method returns true.
func IsNoRetryError(err error) bool {
	for err != nil {
		if r, ok := err.(NoRetrier); ok {
			return r.NoRetry()
		}
		err = errors.Unwrap(err)
	}
	return false
}

// RetryAfter is an optional interface for error as to whether the
// operation should be retried after a given delay.
type RetryAfter interface {
	error
	RetryAfter() time.Time
}

// ErrorRetryAfter is an error which expresses a time that should be
// waited for until trying again.
type ErrorRetryAfter time.Time

// NewErrorRetryAfter returns an ErrorRetryAfter with the given duration
// as expiry.
func NewErrorRetryAfter(d time.Duration) ErrorRetryAfter {
	return ErrorRetryAfter(time.Now().Add(d))
}

// Error returns the textual version of the error
func (e ErrorRetryAfter) Error() string {
	return fmt.Sprintf("try again after %v (%v)", time.Time(e).Format(time.RFC3339Nano), time.Until(time.Time(e)))
}

// RetryAfter returns the time the operation should be retried at or
// after.
func (e ErrorRetryAfter) RetryAfter() time.Time {
	return time.Time(e)
}

// RetryAfterErrorTime returns the time that the RetryAfter error
// indicates or a Zero time.Time.
func RetryAfterErrorTime(err error) (retryAfter time.Time) {
	for err != nil {
		if r, ok := err.(RetryAfter); ok {
			return r.RetryAfter()
		}
		err = errors.Unwrap(err)
	}
	return
}

// IsErrorRetryAfter returns true if err is ErrorRetryAfter
func IsErrorRetryAfter(err error) bool {
	return !RetryAfterErrorTime(err).IsZero()
}

// retriableErrorStrings is a list of phrases which when we find it in
// an error, we know it is a networking error which should be retried.
var retriableErrorStrings = []string{
	"use of closed network connection",
	"unexpected EOF reading trailer",
	"transport connection broken",
	"http: ContentLength=",
	"server closed idle connection",
	"bad record MAC",
	"stream error:",
	"tls: use of closed connection",
	"connection reset by peer",
}

// Errors which indicate networking errors which should be retried.
//
// Extended by retriable_errors*.go for OS specific errors.
var retriableErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	context.DeadlineExceeded,
}

// ShouldRetry looks at an error and tries to work out if retrying the
// operation that caused it would be a good idea. It returns true if the
// error implies the operation should be retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// If error has been marked to NoRetry, don't retry
	if IsNoRetryError(err) {
		return false
	}

	// Context errors are never retried: the caller cancelled.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// If error has been marked to retry, retry it
	if IsRetryError(err) {
		return true
	}

	// Check for retriable sentinel errors
	for _, retriableErr := range retriableErrors {
		if errors.Is(err, retriableErr) {
			return true
		}
	}

	// Unwrap url.Error
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Temporary() || urlErr.Timeout() {
			return true
		}
	}

	// Check error strings (yuck!) too
	errString := err.Error()
	for _, phrase := range retriableErrorStrings {
		if strings.Contains(errString, phrase) {
			return true
		}
	}

	return false
}

// ShouldRetryHTTP returns a boolean as to whether this resp deserves to
// be retried. It checks to see if the HTTP response code is in the slice
// retryErrorCodes.
func ShouldRetryHTTP(resp *http.Response, retryErrorCodes []int) bool {
	if resp == nil {
		return false
	}
	for _, e := range retryErrorCodes {
		if resp.StatusCode == e {
			return true
		}
	}
	return false
}

// ContextError checks to see if ctx is in error.
//
// If it is in error then it overwrites *perr with the context error if
// *perr was nil and returns true.
func ContextError(ctx context.Context, perr *error) bool {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if *perr == nil {
			*perr = ctxErr
		}
		return true
	}
	return false
}

// RetryAfterFromResponse parses the server's opinion of when to retry
// from resp. Retry-After (seconds or HTTP date) dominates, then
// X-RateLimit-Reset-After (fractional seconds), then X-RateLimit-Reset
// (unix epoch). Returns 0 when the server gave none.
func RetryAfterFromResponse(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return 0
}
