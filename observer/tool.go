package observer

import (
	"context"
	"time"

	"github.com/zimagi/cell"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedToolRunner wraps a cell.ToolRunner with OTEL instrumentation on
// tool execution. Catalog and schema lookups pass through.
type ObservedToolRunner struct {
	inner cell.ToolRunner
	inst  *Instruments
}

// WrapToolRunner returns an instrumented tool runner.
func WrapToolRunner(inner cell.ToolRunner, inst *Instruments) *ObservedToolRunner {
	return &ObservedToolRunner{inner: inner, inst: inst}
}

var _ cell.ToolRunner = (*ObservedToolRunner)(nil)

func (o *ObservedToolRunner) ListTools(ctx context.Context, allowed []string) ([]cell.ToolInfo, error) {
	return o.inner.ListTools(ctx, allowed)
}

func (o *ObservedToolRunner) ToolFields(ctx context.Context, name string) (cell.ToolFields, error) {
	return o.inner.ToolFields(ctx, name)
}

func (o *ObservedToolRunner) ExecTool(ctx context.Context, name string, params map[string]any) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.ExecTool(ctx, name, params)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
