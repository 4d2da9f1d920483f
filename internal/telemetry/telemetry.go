// Package telemetry wraps coordinator commands in OpenTelemetry spans and
// records per-command metrics. Without configured providers the global noop
// implementations are used.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/procman/pkg/schema"
)

// scopeName is the instrumentation scope for procman spans and instruments.
const scopeName = "github.com/rendis/procman"

// Attribute keys set on command spans.
const (
	AttrInstanceID  = attribute.Key("procman.orchestration_instance.id")
	AttrDescription = attribute.Key("procman.description")
	AttrStep        = attribute.Key("procman.step_sequence")
	AttrErrorCode   = attribute.Key("procman.error.code")
)

// Instrumentation records a span plus execution and duration metrics per command.
//
// Instruments:
//   - procman.command.duration (Float64Histogram): seconds, by command and status
//   - procman.command.executions (Int64Counter): total, by command and status
type Instrumentation struct {
	tracer     trace.Tracer
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

// New returns instrumentation on the global tracer and meter providers.
func New() *Instrumentation {
	return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewWithProviders returns instrumentation on the given providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) *Instrumentation {
	meter := mp.Meter(scopeName)

	// The API hands back noop instruments on error.
	duration, _ := meter.Float64Histogram(
		"procman.command.duration",
		metric.WithDescription("Duration of coordinator commands in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"procman.command.executions",
		metric.WithDescription("Total number of coordinator commands"),
		metric.WithUnit("{command}"),
	)

	return &Instrumentation{
		tracer:     tp.Tracer(scopeName),
		duration:   duration,
		executions: executions,
	}
}

// Track starts the span "procman.<command>". The returned function ends it,
// records the outcome and must be called exactly once.
func (i *Instrumentation) Track(ctx context.Context, command string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "procman."+command,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if code := schema.CodeOf(err); code != "" {
				span.SetAttributes(AttrErrorCode.String(code))
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		set := metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		)
		i.duration.Record(ctx, time.Since(start).Seconds(), set)
		i.executions.Add(ctx, 1, set)
	}
}

// Annotate adds attributes to the span active in ctx, such as the id of an
// instance created during the command.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
