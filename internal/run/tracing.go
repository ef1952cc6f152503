// Tracing instrumentation for the orchestrator.
package run

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/agentrun/internal/checkpoint"
)

// startIterationSpan starts a span for one orchestrator iteration.
func (o *Orchestrator) startIterationSpan(ctx context.Context, s checkpoint.Setting, start *checkpoint.Checkpoint) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "run."+s.ExpertKey)
	span.SetAttributes(
		attribute.String("job.id", s.JobID),
		attribute.String("run.id", s.RunID),
		attribute.String("expert.key", s.ExpertKey),
		attribute.String("run.start_status", string(start.Status)),
		attribute.Int("run.start_step", start.StepNumber),
	)
	if start.DelegatedBy != nil {
		span.SetAttributes(attribute.String("run.parent", start.DelegatedBy.RunID))
	}
	return ctx, span
}

// endIterationSpan ends the iteration span with the outcome.
func (o *Orchestrator) endIterationSpan(span trace.Span, out *checkpoint.Checkpoint, err error) {
	if out != nil {
		span.SetAttributes(
			attribute.String("run.status", string(out.Status)),
			attribute.Int("run.end_step", out.StepNumber),
			attribute.Int64("run.total_tokens", out.Usage.TotalTokens),
		)
		tracer := telemetry.GetTracer()
		if tracer.Debug() && out.Error != "" {
			span.SetAttributes(attribute.String("run.error", out.Error))
		}
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
