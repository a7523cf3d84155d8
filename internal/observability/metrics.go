package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// MetricsObserver records run and step counters and step durations.
//
// Instruments:
//   - gitfix.runs (Int64Counter), attribute outcome: started, completed,
//     suspended or failed
//   - gitfix.steps (Int64Counter), attribute outcome: ok, error or replayed
//   - gitfix.step.duration (Float64Histogram), seconds, executed steps only
type MetricsObserver struct {
	api.NoopObserver

	runs     metric.Int64Counter
	steps    metric.Int64Counter
	duration metric.Float64Histogram
}

var _ api.Observer = (*MetricsObserver)(nil)

// NewMetricsObserver uses the global MeterProvider.
func NewMetricsObserver() *MetricsObserver {
	return NewMetricsObserverWithMeter(otel.Meter(instrumentationName))
}

// NewMetricsObserverWithMeter uses meter, which lets tests inject an SDK
// provider with a manual reader.
func NewMetricsObserverWithMeter(meter metric.Meter) *MetricsObserver {
	// On error the API hands back noop instruments.
	runs, _ := meter.Int64Counter("gitfix.runs",
		metric.WithDescription("Workflow run lifecycle events"),
		metric.WithUnit("{run}"),
	)
	steps, _ := meter.Int64Counter("gitfix.steps",
		metric.WithDescription("Workflow steps by outcome"),
		metric.WithUnit("{step}"),
	)
	duration, _ := meter.Float64Histogram("gitfix.step.duration",
		metric.WithDescription("Duration of executed steps in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsObserver{runs: runs, steps: steps, duration: duration}
}

func (m *MetricsObserver) run(ctx context.Context, inst *api.WorkflowInstance, outcome string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", inst.Workflow),
		attribute.String("outcome", outcome),
	))
}

func (m *MetricsObserver) OnRunStart(ctx context.Context, inst *api.WorkflowInstance) {
	m.run(ctx, inst, "started")
}

func (m *MetricsObserver) OnRunCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	m.run(ctx, inst, "completed")
}

func (m *MetricsObserver) OnRunSuspended(ctx context.Context, inst *api.WorkflowInstance, wakeAt time.Time) {
	m.run(ctx, inst, "suspended")
}

func (m *MetricsObserver) OnRunFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	m.run(ctx, inst, "failed")
}

func (m *MetricsObserver) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, stepID string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", inst.Workflow),
		attribute.String("outcome", outcome),
	)
	m.steps.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

func (m *MetricsObserver) OnStepReplayed(ctx context.Context, inst *api.WorkflowInstance, stepID string) {
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", inst.Workflow),
		attribute.String("outcome", "replayed"),
	))
}
