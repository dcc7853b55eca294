package gmail

import (
	"errors"
	"fmt"
)

// ErrUnavailable is returned when a remote call exhausted its retry
// budget on transient failures. The caller decides whether to retry the
// whole poll cycle.
var ErrUnavailable = errors.New("gmail: service unavailable")

// ErrNotFound is the sentinel matched by errors.Is for 404 responses.
var ErrNotFound = errors.New("gmail: not found")

// NotFoundError indicates the requested resource no longer exists, e.g.
// a message permanently deleted between list and get.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AuthError indicates a credential failure that retrying cannot fix:
// declined consent, a revoked refresh token, or a 401 that survived a
// forced refresh. The processing loop halts until it is resolved.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authorization failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err carries an AuthError anywhere in its
// chain.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
