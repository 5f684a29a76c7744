package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation indicates caller input failed format validation.
	ErrValidation = errors.New("broker: invalid input")
	// ErrCSRF indicates the callback state was missing, consumed, or expired.
	ErrCSRF = errors.New("broker: csrf state mismatch")
	// ErrCredential indicates the broker rejected the supplied credentials.
	ErrCredential = errors.New("broker: credentials rejected")
	// ErrTokenExpired indicates the stored access token is past its expiry.
	ErrTokenExpired = errors.New("broker: access token expired")
	// ErrCrypto indicates ciphertext could not be authenticated. Treated as a
	// fatal configuration problem, never retried.
	ErrCrypto = errors.New("broker: decryption failed")
	// ErrNotFound indicates the config or token row does not exist.
	ErrNotFound = errors.New("broker: not found")
	// ErrNetwork indicates a retryable transport failure against the broker.
	ErrNetwork = errors.New("broker: upstream unavailable")
)

// RateLimitError carries the retry-after hint surfaced on 429 responses.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("broker: rate limit exceeded, retry after %s", e.RetryAfter)
}
