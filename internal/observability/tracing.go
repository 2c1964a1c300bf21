package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "adw/orchestrator"

// StartStageSpan opens a span around a single stage execution. The returned
// end function records the error, if any, before closing the span.
func StartStageSpan(ctx context.Context, adwID, stage string) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "stage."+stage,
		trace.WithAttributes(
			attribute.String("adw.id", adwID),
			attribute.String("adw.stage", stage),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartWorkflowSpan opens a span covering a full workflow run.
func StartWorkflowSpan(ctx context.Context, adwID, workflow string) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("adw.id", adwID),
			attribute.String("adw.workflow", workflow),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
