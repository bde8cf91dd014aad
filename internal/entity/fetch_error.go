package entity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ErrContentRestricted marks 401 and 403 responses.
var ErrContentRestricted = errors.New("content is restricted or requires authentication")

// FetchErrorKind says whether a failed fetch may be retried.
type FetchErrorKind int

const (
	Transient FetchErrorKind = iota
	Permanent
)

func (k FetchErrorKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// FetchError wraps a fetch failure with its retry classification.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewStatusError builds the error for a non-2xx response. 401 and 403 wrap
// ErrContentRestricted.
func NewStatusError(statusCode int) *FetchError {
	err := fmt.Errorf("unexpected status code %d", statusCode)
	if statusCode == 401 || statusCode == 403 {
		err = fmt.Errorf("%w: status code %d", ErrContentRestricted, statusCode)
	}
	return &FetchError{
		Kind:       ClassifyStatus(statusCode),
		StatusCode: statusCode,
		Err:        err,
	}
}

// ClassifyStatus maps an HTTP status to a retry kind: 408, 429 and 5xx are
// transient, every other 4xx is permanent.
func ClassifyStatus(statusCode int) FetchErrorKind {
	switch {
	case statusCode == 408, statusCode == 429, statusCode >= 500:
		return Transient
	case statusCode >= 400:
		return Permanent
	default:
		return Transient
	}
}

// IsPermanent reports whether err must not be retried. Unknown errors are
// treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == Permanent
	}
	return false
}

// IsTransient reports whether err looks like a retryable network or server failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
