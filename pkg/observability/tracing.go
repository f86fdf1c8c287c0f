// Package observability wires OpenTelemetry tracing for the engine.
//
// Tracing is off unless InitTracing installs a provider; until then the
// global no-op tracer makes every span helper free.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/pointstream/pkg/status"
)

const instrumentationName = "github.com/ajitpratap0/pointstream"

// Attribute keys shared by engine spans.
const (
	SessionIDKey = attribute.Key("pointstream.session_id")
	DatasetKey   = attribute.Key("pointstream.dataset")
	CommandKey   = attribute.Key("pointstream.command")
	CommandIDKey = attribute.Key("pointstream.command_id")
	StatusKey    = attribute.Key("pointstream.status")
	PointsKey    = attribute.Key("pointstream.points")
	ChunksKey    = attribute.Key("pointstream.chunks")
)

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// EndSpanStatus ends span with the outcome of a command.
func EndSpanStatus(span trace.Span, st status.Status) {
	span.SetAttributes(StatusKey.Int(st.Code))
	if st.IsInternal() {
		span.SetStatus(codes.Error, st.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// CommandSpan tracks the lifetime of one command. Spans of streaming
// commands outlive the call that created them, so the span and its start
// time are carried together.
type CommandSpan struct {
	span  trace.Span
	start time.Time
}

// StartCommand starts a span for a command of the given kind.
func StartCommand(ctx context.Context, kind, sessionID, commandID, dataset string) (context.Context, *CommandSpan) {
	ctx, span := StartSpan(ctx, "pointstream."+kind,
		CommandKey.String(kind),
		SessionIDKey.String(sessionID),
		CommandIDKey.String(commandID),
		DatasetKey.String(dataset),
	)
	return ctx, &CommandSpan{span: span, start: time.Now()}
}

// Event adds an event to the span.
func (c *CommandSpan) Event(name string, attrs ...attribute.KeyValue) {
	c.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the span.
func (c *CommandSpan) SetAttributes(attrs ...attribute.KeyValue) {
	c.span.SetAttributes(attrs...)
}

// End ends the span with the command's final status and returns the
// command's elapsed time.
func (c *CommandSpan) End(st status.Status) time.Duration {
	EndSpanStatus(c.span, st)
	return time.Since(c.start)
}
