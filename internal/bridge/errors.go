package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bher20/sungrowbridge/pkg/isolarcloud"
)

// AuthorizationError means the authorization code exchange failed.
type AuthorizationError struct {
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed: %v", e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// PlantNotFoundError means a plant name is unknown even after a fresh
// rebuild of the index. Known holds the names that were found, sorted.
type PlantNotFoundError struct {
	Name  string
	Known []string
}

func (e *PlantNotFoundError) Error() string {
	quoted := make([]string, len(e.Known))
	for i, k := range e.Known {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	return fmt.Sprintf("plant %q not found. Known: [%s]", e.Name, strings.Join(quoted, ", "))
}

// UpstreamFetchError wraps a failed vendor call (network, timeout, vendor
// rejection or missing authorization). Re-invoking the operation is safe.
type UpstreamFetchError struct {
	Op  string
	Err error
}

func (e *UpstreamFetchError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("upstream %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }

// Retryable is always true: fetches are idempotent.
func (e *UpstreamFetchError) Retryable() bool { return true }

// Timeout reports whether the call ran out of time.
func (e *UpstreamFetchError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Unauthorized reports whether the call failed because no token is held.
func (e *UpstreamFetchError) Unauthorized() bool {
	return errors.Is(e.Err, isolarcloud.ErrNotAuthorized)
}

// upstreamError wraps err unless it already carries a bridge error type.
func upstreamError(op string, err error) error {
	var (
		notFound *PlantNotFoundError
		upstream *UpstreamFetchError
	)
	if errors.As(err, &notFound) || errors.As(err, &upstream) {
		return err
	}
	return &UpstreamFetchError{Op: op, Err: err}
}
