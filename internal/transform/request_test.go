package transform

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apexgate/apexgate/internal/config"
)

func TestRequestTransformer_SetAndRemoveHeaders(t *testing.T) {
	tr := NewRequestTransformer(nil)

	headers := http.Header{}
	headers.Set("X-Keep", "original")
	headers.Set("X-Drop", "secret")

	tr.Apply(&config.RequestTransformConfig{
		SetHeaders:    map[string]string{"x-injected": "1", "X-Keep": "replaced"},
		RemoveHeaders: []string{"X-Drop"},
	}, headers, url.Values{})

	assert.Equal(t, "1", headers.Get("X-Injected"))
	assert.Equal(t, "replaced", headers.Get("X-Keep"))
	assert.Empty(t, headers.Get("X-Drop"))
}

func TestRequestTransformer_SetAndRemoveQuery(t *testing.T) {
	tr := NewRequestTransformer(nil)

	query := url.Values{}
	query.Set("page", "3")
	query.Set("debug", "true")

	tr.Apply(&config.RequestTransformConfig{
		SetQuery:    map[string]string{"source": "gateway", "page": "1"},
		RemoveQuery: []string{"debug"},
	}, http.Header{}, query)

	assert.Equal(t, "gateway", query.Get("source"))
	assert.Equal(t, "1", query.Get("page"))
	assert.False(t, query.Has("debug"))
}

func TestRequestTransformer_RemoveWinsOverSet(t *testing.T) {
	tr := NewRequestTransformer(nil)

	headers := http.Header{}
	tr.Apply(&config.RequestTransformConfig{
		SetHeaders:    map[string]string{"X-Both": "set"},
		RemoveHeaders: []string{"X-Both"},
	}, headers, url.Values{})

	assert.Empty(t, headers.Get("X-Both"))
}

func TestRequestTransformer_NilConfigIsNoOp(t *testing.T) {
	tr := NewRequestTransformer(nil)

	headers := http.Header{}
	headers.Set("X-Original", "1")
	query := url.Values{"q": []string{"term"}}

	tr.Apply(nil, headers, query)

	assert.Equal(t, "1", headers.Get("X-Original"))
	assert.Equal(t, "term", query.Get("q"))
}
