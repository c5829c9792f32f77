package crm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// APIError is a non-success response that was not recovered.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api: status %d: %s", e.Status, e.Body)
}

// AuthError is returned for 401/403. It is never retried.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("crm api: authentication failed (status %d): check the token's scopes and that the app grant is still active: %s", e.Status, e.Body)
}

// TransportError wraps network-level failures (timeout, DNS, reset).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "crm transport: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// rateLimited is the transient 429 signal consumed by the retry policy.
type rateLimited struct {
	body       string
	retryAfter time.Duration
	hasAfter   bool
}

func (e *rateLimited) Error() string { return "crm api: rate limited (429)" }

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// isFatal reports errors that must abort the run even inside a window or
// association batch.
func isFatal(ctx context.Context, err error) bool {
	return IsAuth(err) || ctx.Err() != nil
}

func statusError(status int, body []byte) error {
	b := string(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Body: b}
	default:
		return &APIError{Status: status, Body: b}
	}
}
