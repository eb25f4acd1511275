// Package errkind defines the error kinds used across ADS components.
//
// Kinds are sentinels discriminated with errors.Is; callers wrap them with
// fmt.Errorf("...: %w", kind) so context is preserved while the kind stays
// matchable at component boundaries.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates missing keys, a disabled feature, or a wrong environment.
	ErrConfig = errors.New("config error")
	// ErrInput indicates a malformed payload, a path outside the allowlist, or an empty prompt.
	ErrInput = errors.New("input error")
	// ErrAuth indicates a missing or expired session, or a credential mismatch.
	ErrAuth = errors.New("auth error")
	// ErrRateLimit indicates the caller is over quota.
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrTool indicates a tool handler failed; the turn continues with textual feedback.
	ErrTool = errors.New("tool error")
	// ErrUpstream indicates an agent vendor HTTP/stream failure. Retryable only at the queue.
	ErrUpstream = errors.New("upstream error")
	// ErrStorage indicates a database failure. Fatal to the request, not to the process.
	ErrStorage = errors.New("storage error")
)

// Config wraps msg as a ConfigError.
func Config(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

// Input wraps msg as an InputError.
func Input(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInput}, args...)...)
}

// Auth wraps msg as an AuthError.
func Auth(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrAuth}, args...)...)
}

// RateLimit wraps msg as a RateLimitError.
func RateLimit(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRateLimit}, args...)...)
}

// Tool wraps msg as a ToolError.
func Tool(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrTool}, args...)...)
}

// Upstream wraps msg as an UpstreamError.
func Upstream(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUpstream}, args...)...)
}

// Storage wraps msg as a StorageError.
func Storage(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrStorage}, args...)...)
}

// IsAbort reports whether err is a cancellation. Cancellations are never retried.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
