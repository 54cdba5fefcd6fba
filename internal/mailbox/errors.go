package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrCredentialRevoked means the provider rejected the refresh token (or a
// refreshed access token was rejected again). The owner must re-authorize;
// nothing below the orchestrator retries this.
var ErrCredentialRevoked = errors.New("mailbox credential revoked, re-authorization required")

// ErrRefreshFailed means a token refresh failed for transient reasons after
// the bounded retries were exhausted.
var ErrRefreshFailed = errors.New("token refresh failed")

// ErrSendNotSupported is returned by providers that cannot submit raw MIME.
var ErrSendNotSupported = errors.New("provider does not support raw message send")

// RequestError is a failed provider request with its HTTP status. 4xx
// (other than 401) are permanent and never retried; 5xx are transient.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("mailbox request failed: status %d: %s", e.StatusCode, e.Detail)
}

// IsAuthError reports whether err is the provider telling us the access
// token is no longer accepted.
func IsAuthError(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.StatusCode == 401
}

// IsTransient reports whether err is worth retrying: provider 5xx and 429,
// or network-level timeouts. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.StatusCode == 429 || re.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
