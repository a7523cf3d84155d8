package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

const instrumentationName = "github.com/lorenzkrinner/gitfix"

// TracingObserver records one span per run and a child span per executed
// step. Replayed steps become events on the run span.
type TracingObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	runs  map[string]trace.Span
	steps map[string]trace.Span
}

var _ api.Observer = (*TracingObserver)(nil)

// NewTracingObserver uses tp, or the global provider when tp is nil.
func NewTracingObserver(tp trace.TracerProvider) *TracingObserver {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingObserver{
		tracer: tp.Tracer(instrumentationName),
		runs:   make(map[string]trace.Span),
		steps:  make(map[string]trace.Span),
	}
}

func instanceAttrs(inst *api.WorkflowInstance) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("gitfix.instance_id", inst.ID),
		attribute.String("gitfix.workflow", inst.Workflow),
		attribute.String("gitfix.repository_id", inst.RepositoryID),
	}
}

func stepKey(instanceID, stepID string) string { return instanceID + "\x00" + stepID }

func (o *TracingObserver) OnRunStart(ctx context.Context, inst *api.WorkflowInstance) {
	_, span := o.tracer.Start(ctx, "gitfix.run",
		trace.WithAttributes(instanceAttrs(inst)...),
		trace.WithAttributes(attribute.String("gitfix.status", string(inst.Status))),
	)
	o.mu.Lock()
	if prev, ok := o.runs[inst.ID]; ok {
		prev.End()
	}
	o.runs[inst.ID] = span
	o.mu.Unlock()
}

func (o *TracingObserver) endRun(inst *api.WorkflowInstance, fn func(trace.Span)) {
	o.mu.Lock()
	span, ok := o.runs[inst.ID]
	delete(o.runs, inst.ID)
	o.mu.Unlock()
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("gitfix.status", string(inst.Status)))
	fn(span)
	span.End()
}

func (o *TracingObserver) OnRunCompleted(ctx context.Context, inst *api.WorkflowInstance) {
	o.endRun(inst, func(span trace.Span) { span.SetStatus(codes.Ok, "") })
}

func (o *TracingObserver) OnRunSuspended(ctx context.Context, inst *api.WorkflowInstance, wakeAt time.Time) {
	o.endRun(inst, func(span trace.Span) {
		span.AddEvent("suspended", trace.WithAttributes(
			attribute.String("gitfix.wake_at", wakeAt.UTC().Format(time.RFC3339Nano)),
		))
	})
}

func (o *TracingObserver) OnRunFailed(ctx context.Context, inst *api.WorkflowInstance, err error) {
	o.endRun(inst, func(span trace.Span) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	})
}

func (o *TracingObserver) OnStepStart(ctx context.Context, inst *api.WorkflowInstance, stepID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	parent := ctx
	if run, ok := o.runs[inst.ID]; ok {
		parent = trace.ContextWithSpan(ctx, run)
	}
	_, span := o.tracer.Start(parent, "gitfix.step "+stepID,
		trace.WithAttributes(attribute.String("gitfix.instance_id", inst.ID)),
		trace.WithAttributes(attribute.String("gitfix.step_id", stepID)),
	)
	o.steps[stepKey(inst.ID, stepID)] = span
}

func (o *TracingObserver) OnStepCompleted(ctx context.Context, inst *api.WorkflowInstance, stepID string, err error, d time.Duration) {
	key := stepKey(inst.ID, stepID)
	o.mu.Lock()
	span, ok := o.steps[key]
	delete(o.steps, key)
	o.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *TracingObserver) OnStepReplayed(ctx context.Context, inst *api.WorkflowInstance, stepID string) {
	o.mu.Lock()
	run, ok := o.runs[inst.ID]
	o.mu.Unlock()
	if ok {
		run.AddEvent("step_replayed", trace.WithAttributes(attribute.String("gitfix.step_id", stepID)))
	}
}
