package ygggo_amysql

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName    = "github.com/yggai/ygggo_amysql"
	instrumentationVersion = "v0.1.0"
)

// TelemetryConfig holds telemetry configuration
type TelemetryConfig struct {
	Enabled bool
}

// EnableTelemetry enables or disables OpenTelemetry tracing for this client
func (c *Client) EnableTelemetry(enabled bool) {
	if c == nil {
		return
	}
	c.telemetryEnabled.Store(enabled)
}

// startSpan creates a span for an operation. The global tracer provider is looked
// up per span so that providers installed after client creation are honoured.
func (c *Client) startSpan(ctx context.Context, op *operationBase, query string) trace.Span {
	if c == nil || !c.telemetryEnabled.Load() {
		return nil
	}
	tracer := otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion))
	spanName := fmt.Sprintf("ygggo_amysql.%s", op.opType)
	_, span := tracer.Start(ctx, spanName)

	key := op.key()
	span.SetAttributes(
		attribute.String("db.system", "mysql"),
		attribute.String("db.operation", op.opType.String()),
		attribute.String("db.name", key.Database),
		attribute.String("db.user", key.User),
		attribute.String("server.address", key.Host),
		attribute.Int("server.port", key.Port),
		attribute.String("ygggo_amysql.operation_id", op.id),
	)
	if query != "" {
		span.SetAttributes(attribute.String("db.statement", query))
	}
	return span
}

// finishSpan completes a span with the operation outcome
func (c *Client) finishSpan(span trace.Span, op *operationBase) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("ygggo_amysql.result", op.Result().String()))
	if err := op.Err(); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Int("db.mysql.errno", int(op.Errno())))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
