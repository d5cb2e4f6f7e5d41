package observer

import (
	"context"
	"time"

	"github.com/nevindra/memoria"

	"go.opentelemetry.io/otel/metric"
)

// TaskHook returns an orchestrator hook that records one counter
// increment and one duration sample per finished background task.
//
// Wire it via memoria.WithOrchestration(memoria.WithTaskHook(...)).
func TaskHook(inst *Instruments) memoria.TaskHook {
	return func(kind memoria.TaskKind, state memoria.TaskState, d time.Duration) {
		ctx := context.Background()
		attrs := metric.WithAttributes(
			AttrTaskKind.String(string(kind)),
			AttrTaskState.String(state.String()),
		)
		inst.TaskExecutions.Add(ctx, 1, attrs)
		inst.TaskDuration.Record(ctx, float64(d.Milliseconds()), attrs)
	}
}
