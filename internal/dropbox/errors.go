// Package dropbox provides an authenticated client for the Dropbox Core
// API: an OAuth authorization state machine, a signing request dispatcher
// with retry and error classification, and typed wrappers for the
// per-endpoint operations.
package dropbox

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for outcome classification.
// Use errors.Is(err, dropbox.ErrInvalidToken) to check.
var (
	// ErrInvalidToken means the API rejected the access token. The client
	// forces its auth step to StepError before surfacing this.
	ErrInvalidToken = errors.New("dropbox: invalid access token")

	// ErrInvalidParam means the API rejected the request parameters.
	ErrInvalidParam = errors.New("dropbox: invalid request parameter")

	// ErrInvalidState means the API rejected the OAuth state parameter.
	ErrInvalidState = errors.New("dropbox: invalid state parameter")

	// ErrUserCanceled means the user declined the authorize redirect.
	ErrUserCanceled = errors.New("dropbox: user canceled authorization")

	// ErrNetwork means the request failed below the HTTP layer.
	ErrNetwork = errors.New("dropbox: network error")

	// ErrOther covers API failures with no more specific classification.
	ErrOther = errors.New("dropbox: request failed")
)

// Caller-misuse errors, returned synchronously.
var (
	// ErrNoDriver is returned by Authenticate when no auth driver is
	// configured and the client is not already at StepDone.
	ErrNoDriver = errors.New("dropbox: no auth driver configured")

	// ErrAuthErrorState is returned by Authenticate while the client sits
	// at StepError. Call Reset first.
	ErrAuthErrorState = errors.New("dropbox: client is in the error state, reset required")

	// ErrAuthInFlight is returned when Authenticate is called while
	// another authentication run is still in progress.
	ErrAuthInFlight = errors.New("dropbox: authentication already in progress")

	// ErrKeyMismatch is returned by SetCredentials when the supplied
	// credentials are missing the application key or carry a different one.
	ErrKeyMismatch = errors.New("dropbox: credentials application key missing or mismatched")

	// ErrRequestBlocked is returned when an OnRequest listener vetoes a
	// dispatch. The upstream JavaScript implementation dropped vetoed
	// requests without ever completing them; returning an explicit error
	// is a deliberate deviation from that silent hang.
	ErrRequestBlocked = errors.New("dropbox: request blocked by listener")
)

// AuthError wraps a classification sentinel with the HTTP status and raw
// response body for diagnostics.
type AuthError struct {
	StatusCode int
	Response   string
	Err        error // sentinel, for errors.Is()
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dropbox: HTTP %d: %s", e.StatusCode, e.Response)
	}

	return fmt.Sprintf("dropbox: %v: %s", e.Err, e.Response)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a classification sentinel.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusBadRequest:
		return ErrInvalidParam
	case code == http.StatusUnauthorized:
		return ErrInvalidToken
	case code == http.StatusForbidden:
		return ErrInvalidState
	default:
		return ErrOther
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
