package observability

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/procureline/api/internal/platform/requestctx"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

var (
	tracer         = otel.Tracer("github.com/procureline/api/internal/platform/observability")
	w3cPropagation = propagation.TraceContext{}
)

// TraceMiddleware starts a server span for every request. Incoming
// context is taken from the W3C traceparent header when present, and
// from the legacy Cloud Trace header otherwise. The resolved trace
// metadata is stored on the request context and echoed back in the
// Cloud Trace header.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := extractRemoteContext(r)

			ctx, span := tracer.Start(ctx, r.Method+" "+requestPath(r), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(requestAttributes(r)...)

			spanCtx := span.SpanContext()
			info := requestctx.TraceInfo{
				TraceID:   spanCtx.TraceID().String(),
				SpanID:    spanCtx.SpanID().String(),
				Sampled:   spanCtx.IsSampled(),
				ProjectID: projectID,
			}
			ctx = requestctx.WithTrace(ctx, info)

			sampledFlag := "0"
			if info.Sampled {
				sampledFlag = "1"
			}
			w.Header().Set(cloudTraceHeader, fmt.Sprintf("%s/%s;o=%s", info.TraceID, info.SpanID, sampledFlag))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractRemoteContext resolves the parent span context from the
// request headers, preferring the W3C form.
func extractRemoteContext(r *http.Request) context.Context {
	ctx := r.Context()

	if r.Header.Get("traceparent") != "" {
		return w3cPropagation.Extract(ctx, propagation.HeaderCarrier(r.Header))
	}

	if remote, ok := parseCloudTraceHeader(r.Header.Get(cloudTraceHeader)); ok {
		return trace.ContextWithRemoteSpanContext(ctx, remote)
	}
	return ctx
}

// parseCloudTraceHeader decodes "TRACE_ID/SPAN_ID;o=OPTIONS". The span
// id may be hex or, from older load balancers, decimal.
func parseCloudTraceHeader(header string) (trace.SpanContext, bool) {
	traceHex, rest, found := strings.Cut(strings.TrimSpace(header), "/")
	if !found || len(traceHex) != 32 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanPart, optionPart, _ := strings.Cut(rest, ";")
	spanID, ok := decodeSpanID(strings.TrimSpace(spanPart))
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if sampledOption(optionPart) {
		flags = trace.FlagsSampled
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func decodeSpanID(value string) (trace.SpanID, bool) {
	if value == "" {
		return trace.SpanID{}, false
	}

	if len(value) <= 16 {
		padded := strings.Repeat("0", 16-len(value)) + value
		if spanID, err := trace.SpanIDFromHex(padded); err == nil {
			return spanID, true
		}
	}

	num, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return trace.SpanID{}, false
	}
	var spanID trace.SpanID
	for i := 7; i >= 0; i-- {
		spanID[i] = byte(num)
		num >>= 8
	}
	return spanID, spanID.IsValid()
}

func sampledOption(options string) bool {
	for _, segment := range strings.Split(options, ";") {
		if key, value, found := strings.Cut(strings.TrimSpace(segment), "="); found && key == "o" {
			return value == "1"
		}
	}
	return false
}

func requestPath(r *http.Request) string {
	if r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

func requestAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
	}
	if r.URL != nil {
		attrs = append(attrs,
			attribute.String("url.path", requestPath(r)),
			attribute.String("url.full", r.URL.RequestURI()),
		)
	}
	if r.Host != "" {
		attrs = append(attrs, attribute.String("server.address", r.Host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}
