package api

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// withTracing opens one server span per request, named by route template so
// asset and job ids never explode span cardinality. The raw ids ride along
// as attributes instead.
func (s *Server) withTracing(next http.Handler) http.Handler {
	if s.tracer == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		}
		if user := strings.TrimSpace(r.Header.Get(UserIDHeader)); user != "" {
			attrs = append(attrs, attribute.String("logolens.user_id", user))
		}
		if assetID := pathResourceID(r.URL.Path, "/v1/assets/"); assetID != "" {
			attrs = append(attrs, attribute.String("logolens.asset_id", assetID))
		}
		if jobID := pathResourceID(r.URL.Path, "/v1/jobs/"); jobID != "" {
			attrs = append(attrs, attribute.String("logolens.job_id", jobID))
		}
		span.SetAttributes(attrs...)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// pathResourceID pulls the id segment that follows prefix, dropping any
// nested action such as /process or /presence.
func pathResourceID(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(id, '/'); i >= 0 {
		id = id[:i]
	}
	return id
}
