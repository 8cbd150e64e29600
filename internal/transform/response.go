// Package transform applies per-route request and response adjustments
// between the dispatcher and the backends: header and query rewriting
// on the way out, field redaction and status normalization on the way
// back. A failing stage is logged and the last successfully transformed
// value is served in its place.
package transform

import (
	"context"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

const transformTracerName = "apexgate/transform"

// emptyCollectionBody is what a normalized 404 returns in place of the
// backend's not-found payload.
const emptyCollectionBody = `{"data":[],"count":0}`

// Response is the mutable response flowing through the transform chain.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ResponseTransformer applies per-route adjustments to backend
// responses: body field redaction, header injection, and not-found
// normalization.
type ResponseTransformer struct {
	logger observability.Logger
}

// NewResponseTransformer creates a response transformer.
func NewResponseTransformer(logger observability.Logger) *ResponseTransformer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ResponseTransformer{logger: logger}
}

// Apply mutates resp in place per the route configuration. Stages run
// in order: redaction, headers, not-found normalization. A stage
// failure keeps the previous value and the chain continues, so a
// response always comes out the other end.
func (t *ResponseTransformer) Apply(ctx context.Context, cfg *config.ResponseTransformConfig, resp *Response) {
	if cfg == nil || resp == nil {
		return
	}

	_, span := otel.Tracer(transformTracerName).Start(ctx, "transform.response",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int("http.status_code", resp.Status),
			attribute.Int("transform.redact_fields", len(cfg.RedactFields)),
		),
	)
	defer span.End()

	bodyChanged := false

	if len(cfg.RedactFields) > 0 && len(resp.Body) > 0 {
		redacted, err := RedactBody(resp.Body, cfg.RedactFields)
		if err != nil {
			span.RecordError(err)
			t.logger.Warn("response redaction failed, keeping original body",
				observability.Error(err))
		} else {
			resp.Body = redacted
			bodyChanged = true
		}
	}

	for name, value := range cfg.SetHeaders {
		resp.Headers.Set(name, value)
	}
	for _, name := range cfg.RemoveHeaders {
		resp.Headers.Del(name)
	}

	if cfg.NormalizeNotFound && resp.Status == http.StatusNotFound {
		resp.Status = http.StatusOK
		resp.Body = []byte(emptyCollectionBody)
		resp.Headers.Set("Content-Type", "application/json")
		bodyChanged = true
		t.logger.Debug("normalized backend 404 to empty collection")
	}

	// The backend's Content-Length no longer matches a rewritten body.
	if bodyChanged && resp.Headers.Get("Content-Length") != "" {
		resp.Headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
}
