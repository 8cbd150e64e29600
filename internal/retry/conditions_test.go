package retry

import (
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apexgate/apexgate/internal/util"
)

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	assert.True(t, RetryableStatus(500))
	assert.True(t, RetryableStatus(502))
	assert.True(t, RetryableStatus(503))
	assert.False(t, RetryableStatus(200))
	assert.False(t, RetryableStatus(404))
	assert.False(t, RetryableStatus(429))
	assert.False(t, RetryableStatus(400))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "upstream 500", err: &util.UpstreamStatusError{StatusCode: 500}, expected: true},
		{name: "upstream 503", err: &util.UpstreamStatusError{StatusCode: 503}, expected: true},
		{name: "upstream 404 never retried", err: &util.UpstreamStatusError{StatusCode: 404}, expected: false},
		{name: "upstream 400 never retried", err: &util.UpstreamStatusError{StatusCode: 400}, expected: false},
		{name: "timeout", err: util.NewTimeoutError("backend call", time.Second, nil), expected: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, expected: true},
		{name: "connection reset", err: syscall.ECONNRESET, expected: true},
		{name: "eof", err: io.EOF, expected: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, expected: true},
		{name: "op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, expected: true},
		{
			name:     "url error wrapping network failure",
			err:      &url.Error{Op: "Get", URL: "http://backend", Err: syscall.ECONNREFUSED},
			expected: true,
		},
		{name: "plain error", err: errors.New("logic bug"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}

func TestIsNetworkError_WrappedChain(t *testing.T) {
	t.Parallel()

	wrapped := util.WrapError(&net.OpError{Op: "read", Err: io.EOF}, "backend call failed")
	assert.True(t, IsNetworkError(wrapped))
	assert.False(t, IsNetworkError(errors.New("nope")))
}
