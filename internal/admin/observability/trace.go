package observability

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const cloudTraceHeader = "X-Cloud-Trace-Context"

const traceContextKey contextKey = "healiinn/internal/admin/observability/trace"

var tracer = otel.Tracer("github.com/harshu-panchal/healiinn-sub002/internal/admin/observability")

// TraceInfo describes the trace a console request belongs to.
type TraceInfo struct {
	ProjectID string
	TraceID   string
	SpanID    string
	Sampled   bool
}

// TraceFromContext returns the trace metadata recorded by TraceMiddleware.
func TraceFromContext(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceMiddleware continues a Cloud Trace context when the header is present, starts a server span and tags the
// request logger with the trace so console logs correlate with load balancer traces.
func TraceMiddleware(projectID string) func(http.Handler) http.Handler {
	projectID = strings.TrimSpace(projectID)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if remote, ok := parseCloudTraceContext(r.Header.Get(cloudTraceHeader)); ok {
				ctx = trace.ContextWithRemoteSpanContext(ctx, remote)
			}

			ctx, span := tracer.Start(ctx, spanNameFromRequest(r), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			span.SetAttributes(standardSpanAttributes(r)...)

			spanCtx := span.SpanContext()
			if spanCtx.IsValid() {
				info := TraceInfo{
					ProjectID: projectID,
					TraceID:   spanCtx.TraceID().String(),
					SpanID:    spanCtx.SpanID().String(),
					Sampled:   spanCtx.IsSampled(),
				}
				ctx = context.WithValue(ctx, traceContextKey, info)
				ctx = WithLogger(ctx, FromContext(ctx).With(traceFields(info)...))
				w.Header().Set(cloudTraceHeader, formatCloudTraceHeader(info))
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func traceFields(info TraceInfo) []zap.Field {
	traceValue := info.TraceID
	if info.ProjectID != "" {
		traceValue = fmt.Sprintf("projects/%s/traces/%s", info.ProjectID, info.TraceID)
	}
	return []zap.Field{
		zap.String("logging.googleapis.com/trace", traceValue),
		zap.String("logging.googleapis.com/spanId", info.SpanID),
		zap.Bool("logging.googleapis.com/trace_sampled", info.Sampled),
	}
}

func parseCloudTraceContext(header string) (trace.SpanContext, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return trace.SpanContext{}, false
	}

	traceHex, rest, found := strings.Cut(header, "/")
	if !found || len(strings.TrimSpace(traceHex)) != 32 {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(strings.TrimSpace(traceHex))
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanPart, options, _ := strings.Cut(rest, ";")
	spanID, ok := parseSpanID(spanPart)
	if !ok {
		return trace.SpanContext{}, false
	}

	var flags trace.TraceFlags
	if parseTraceOptions(options) {
		flags = trace.FlagsSampled
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), true
}

func parseSpanID(value string) (trace.SpanID, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return trace.SpanID{}, false
	}

	if len(value) <= 16 && isHex(value) {
		value = strings.Repeat("0", 16-len(value)) + value
		if spanID, err := trace.SpanIDFromHex(value); err == nil {
			return spanID, true
		}
	}

	// Cloud Trace documents the span id as a decimal uint64.
	if num, err := strconv.ParseUint(value, 10, 64); err == nil {
		var spanID trace.SpanID
		binary.BigEndian.PutUint64(spanID[:], num)
		if spanID.IsValid() {
			return spanID, true
		}
	}
	return trace.SpanID{}, false
}

func parseTraceOptions(options string) bool {
	for _, segment := range strings.Split(options, ";") {
		segment = strings.TrimSpace(segment)
		if strings.HasPrefix(segment, "o=") {
			return segment == "o=1"
		}
	}
	return false
}

func isHex(value string) bool {
	if len(value)%2 != 0 {
		value = "0" + value
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

func formatCloudTraceHeader(info TraceInfo) string {
	option := "0"
	if info.Sampled {
		option = "1"
	}
	return fmt.Sprintf("%s/%s;o=%s", info.TraceID, info.SpanID, option)
}

func spanNameFromRequest(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return r.Method + " " + path
}

func standardSpanAttributes(r *http.Request) []attribute.KeyValue {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", r.Method),
		attribute.String("url.scheme", scheme),
		attribute.String("url.path", r.URL.Path),
	}
	if host := r.Host; host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}
	if ua := r.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}
