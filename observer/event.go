package observer

import (
	"context"

	"github.com/zimagi/cell"

	"go.opentelemetry.io/otel/metric"
)

// EventHook returns a cell.EventHook that counts processed events and
// records the LLM cycles spent on each.
func (inst *Instruments) EventHook() cell.EventHook {
	return func(ctx context.Context, event cell.SensoryEvent, result cell.Result) {
		status := "ok"
		if result.Err != nil {
			status = "error"
		}
		inst.Events.Add(ctx, 1, metric.WithAttributes(
			AttrSensor.String(event.Sensor),
			AttrStatus.String(status),
		))
		inst.EventCycles.Record(ctx, int64(result.Cycles), metric.WithAttributes(
			AttrSensor.String(event.Sensor),
		))
	}
}
