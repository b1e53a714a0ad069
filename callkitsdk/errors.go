/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

package callkitsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// APIError is the base error type for all platform API errors.
// It provides structured access to the HTTP status code, error message,
// tracking ID, and raw response body. All specific error sub-types embed
// this struct, so consumers can use errors.As(err, &apiErr) to access
// common fields regardless of the specific error type.
type APIError struct {
	// StatusCode is the HTTP status code from the response.
	StatusCode int

	// Status is the HTTP status line (e.g., "404 Not Found").
	Status string

	// Message is the error message from the API response body.
	Message string

	// TrackingID is the platform tracking identifier for support debugging.
	TrackingID string

	// RetryAfter is the duration to wait before retrying, parsed from
	// the Retry-After header. Zero if not applicable.
	RetryAfter time.Duration

	// RawBody is the raw response body bytes, preserved for debugging.
	RawBody []byte

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error: %d", e.StatusCode)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	if e.TrackingID != "" {
		msg += " (trackingId: " + e.TrackingID + ")"
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *APIError) Unwrap() error {
	return e.Err
}

// --- HTTP error sub-types ---

// RateLimitError is returned for HTTP 429 Too Many Requests responses.
// The RetryAfter field (inherited from APIError) indicates how long to wait.
type RateLimitError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *RateLimitError) Unwrap() error { return e.APIError }

// AuthError is returned for HTTP 401 Unauthorized responses.
type AuthError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *AuthError) Unwrap() error { return e.APIError }

// ForbiddenError is returned for HTTP 403 Forbidden responses.
type ForbiddenError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ForbiddenError) Unwrap() error { return e.APIError }

// NotFoundError is returned for HTTP 404 Not Found responses.
type NotFoundError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *NotFoundError) Unwrap() error { return e.APIError }

// ConflictError is returned for HTTP 409 Conflict responses.
type ConflictError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ConflictError) Unwrap() error { return e.APIError }

// ServerError is returned for HTTP 5xx responses (500, 502, 503, 504).
type ServerError struct {
	*APIError
}

// Unwrap returns the underlying APIError for errors.As traversal.
func (e *ServerError) Unwrap() error { return e.APIError }

// --- Call-domain error types ---

// SignalingError indicates a recoverable signaling glitch: a malformed
// candidate, a description that failed to apply, a dropped watch event.
// These are logged and skipped; they never abort a call attempt on their own.
type SignalingError struct {
	// Op names the signaling operation that failed (e.g. "applyCandidate").
	Op  string
	Err error
}

// Error implements the error interface.
func (e *SignalingError) Error() string {
	return fmt.Sprintf("signaling %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *SignalingError) Unwrap() error { return e.Err }

// TransportFailedError indicates the underlying media transport reported a
// fatal state (failed, or disconnected beyond the grace window). It is fatal
// to the current call attempt; the session transitions to ended and the user
// must explicitly retry.
type TransportFailedError struct {
	// State is the transport state that triggered the failure.
	State string
}

// Error implements the error interface.
func (e *TransportFailedError) Error() string {
	return fmt.Sprintf("media transport %s", e.State)
}

// MediaError indicates local media could not be set up at all. Missing or
// denied devices are NOT media errors; those degrade to a synthetic track.
type MediaError struct {
	Err error
}

// Error implements the error interface.
func (e *MediaError) Error() string {
	return fmt.Sprintf("media: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *MediaError) Unwrap() error { return e.Err }

// --- Factory ---

// apiErrorBody is used to parse the platform API error response JSON.
type apiErrorBody struct {
	Message    string `json:"message"`
	TrackingID string `json:"trackingId"`
}

// NewAPIError creates a structured error from an HTTP response and its body.
// It parses the JSON body for message and trackingId fields, reads the
// Retry-After header, and returns the appropriate error sub-type based
// on the HTTP status code.
func NewAPIError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		RawBody:    body,
	}

	// Parse JSON body for message and trackingId
	var parsed apiErrorBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err == nil {
			base.Message = parsed.Message
			base.TrackingID = parsed.TrackingID
		}
		// If JSON parsing fails, leave Message empty; RawBody preserves the original
	}

	// Parse Retry-After header
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			base.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	// Return the appropriate sub-type
	switch resp.StatusCode {
	case http.StatusUnauthorized: // 401
		return &AuthError{APIError: base}
	case http.StatusForbidden: // 403
		return &ForbiddenError{APIError: base}
	case http.StatusNotFound: // 404
		return &NotFoundError{APIError: base}
	case http.StatusConflict: // 409
		return &ConflictError{APIError: base}
	case http.StatusTooManyRequests: // 429
		return &RateLimitError{APIError: base}
	case http.StatusInternalServerError, // 500
		http.StatusBadGateway,         // 502
		http.StatusServiceUnavailable, // 503
		http.StatusGatewayTimeout:     // 504
		return &ServerError{APIError: base}
	default:
		return base
	}
}

// --- Convenience functions ---

// IsRateLimited reports whether err is a rate limit error (HTTP 429).
func IsRateLimited(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a not found error (HTTP 404).
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsAuthError reports whether err is an authentication error (HTTP 401).
func IsAuthError(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

// IsServerError reports whether err is a server error (HTTP 5xx).
func IsServerError(err error) bool {
	var e *ServerError
	return errors.As(err, &e)
}

// IsTransportFailed reports whether err is a fatal media transport error.
func IsTransportFailed(err error) bool {
	var e *TransportFailedError
	return errors.As(err, &e)
}

// IsSignalingGlitch reports whether err is a recoverable signaling error.
func IsSignalingGlitch(err error) bool {
	var e *SignalingError
	return errors.As(err, &e)
}
