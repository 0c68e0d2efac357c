package strava

import (
	"errors"
	"fmt"
)

// The error taxonomy callers branch on. Unauthorized propagates up for
// re-authentication; RateLimited is a soft stop; NetworkUnavailable is safe
// to retry on the next user-initiated refresh.
var (
	ErrUnauthorized       = errors.New("remote credential rejected")
	ErrRateLimited        = errors.New("remote rate limit reached")
	ErrNetworkUnavailable = errors.New("remote api unreachable")
)

// APIError covers any other non-2xx response.
type APIError struct {
	StatusCode int
	Endpoint   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote api error status=%d endpoint=%s", e.StatusCode, e.Endpoint)
}
