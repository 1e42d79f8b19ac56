package gateway

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/fleet-simulator/internal/logging"
)

const (
	apiKeyHeader = "x-api-key"
	tracerName   = "github.com/signalsfoundry/fleet-simulator/internal/gateway"
)

// requestID adopts the caller's X-Request-Id or mints one, stores it on
// the request context and echoes it back.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if incoming := c.GetHeader(logging.RequestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, id := logging.EnsureRequestID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(logging.RequestIDHeader, id)
		c.Next()
	}
}

// tracing opens a server span per request, continuing any trace carried in
// the request headers.
func (s *Server) tracing() gin.HandlerFunc {
	tracer := otel.Tracer(tracerName)
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		route := c.FullPath()
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
				attribute.String("request_id", logging.RequestIDFromContext(ctx)),
			),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		code := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", code))
		if code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(code))
		}
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		code := c.Writer.Status()
		ctx, reqLog := logging.WithRequestLogger(c.Request.Context(), s.log)
		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("route", route),
			logging.Int("status", code),
			logging.Duration("elapsed", elapsed),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logging.String("error", c.Errors.Last().Error()))
		}
		if code >= http.StatusInternalServerError {
			reqLog.Error(ctx, "http request", fields...)
		} else {
			reqLog.Debug(ctx, "http request", fields...)
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.ObserveHTTP(c.Request.Method, route, code, elapsed)
		}
	}
}

// requireKey enforces the x-api-key header when an API key is configured.
func (s *Server) requireKey() gin.HandlerFunc {
	want := []byte(s.opts.APIKey)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(apiKeyHeader))
		if len(got) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{Success: false, Message: "unauthorized"})
			return
		}
		c.Next()
	}
}
