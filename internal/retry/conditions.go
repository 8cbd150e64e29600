package retry

import (
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/apexgate/apexgate/internal/util"
)

// RetryableStatus reports whether an upstream status code is worth
// retrying. Only server errors qualify; a 4xx reflects the request, not
// the backend, and retrying it would return the same answer.
func RetryableStatus(code int) bool {
	return code >= 500 && code < 600
}

// IsNetworkError reports whether err looks like a transport-level
// failure: timeouts, refused or reset connections, and torn-down
// streams.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || IsNetworkError(urlErr.Err)
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsRetryable is the gateway's retry decision: retry 5xx upstream
// statuses, timeouts, and network failures; never retry 4xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *util.UpstreamStatusError
	if errors.As(err, &statusErr) {
		return RetryableStatus(statusErr.StatusCode)
	}

	if util.IsTimeout(err) {
		return true
	}

	return IsNetworkError(err)
}
