package router

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apexgate/apexgate/internal/config"
)

func newTestVersionResolver() *VersionResolver {
	return NewVersionResolver(config.VersioningConfig{
		Default:   "v1",
		Supported: []string{"v1", "v2"},
	})
}

func TestVersionResolver_Resolve(t *testing.T) {
	t.Parallel()

	resolver := newTestVersionResolver()

	tests := []struct {
		name     string
		target   string
		header   string
		expected string
	}{
		{name: "no version anywhere", target: "/api/assets", expected: "v1"},
		{name: "header", target: "/api/assets", header: "v2", expected: "v2"},
		{name: "query param", target: "/api/assets?version=v2", expected: "v2"},
		{name: "path prefix", target: "/api/v2/assets", expected: "v2"},
		{name: "unsupported header falls back to default", target: "/api/assets", header: "v9", expected: "v1"},
		{name: "unsupported query falls back to default", target: "/api/assets?version=v9", expected: "v1"},
		{name: "unsupported path falls back to default", target: "/api/v9/assets", expected: "v1"},
		{name: "header beats query", target: "/api/assets?version=v1", header: "v2", expected: "v2"},
		{name: "query beats path", target: "/api/v2/assets?version=v1", expected: "v1"},
		{name: "unsupported header does not fall through to query", target: "/api/assets?version=v2", header: "v9", expected: "v1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set(VersionHeader, tt.header)
			}
			assert.Equal(t, tt.expected, resolver.Resolve(req))
		})
	}
}

func TestVersionResolver_Defaults(t *testing.T) {
	t.Parallel()

	resolver := NewVersionResolver(config.VersioningConfig{})
	assert.Equal(t, "v1", resolver.Default())
	assert.True(t, resolver.Supported("v1"))
	assert.False(t, resolver.Supported("v2"))
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{"/api/v2/assets", "/api/assets"},
		{"/api/v1/assets/123", "/api/assets/123"},
		{"/api/v10/reports", "/api/reports"},
		{"/api/v2", "/api"},
		{"/api/assets", "/api/assets"},
		{"/health", "/health"},
		{"/api/version/assets", "/api/version/assets"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, NormalizePath(tt.input))
		})
	}
}
