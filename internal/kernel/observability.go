package kernel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentation holds the OpenTelemetry handles the Kernel emits spans
// and counters through. It is lazily built against the global tracer and
// meter providers (go.opentelemetry.io/otel's default no-op providers
// until a binary wires a real SDK provider, matching
// AlexsJones-kubeclaw/cmd/agent-runner/observability.go's pattern of a
// package-level handle that degrades to no-op when nothing is configured).
type instrumentation struct {
	tracer trace.Tracer

	turns      metric.Int64Counter
	tokensIn   metric.Int64Counter
	tokensOut  metric.Int64Counter
	violations metric.Int64Counter
}

func newInstrumentation() *instrumentation {
	meter := otel.Meter("github.com/rudiheydra/autobuildr/internal/kernel")
	inst := &instrumentation{tracer: otel.Tracer("github.com/rudiheydra/autobuildr/internal/kernel")}

	inst.turns, _ = meter.Int64Counter("kernel.turns_executed",
		metric.WithDescription("Turns executed by the harness kernel"))
	inst.tokensIn, _ = meter.Int64Counter("kernel.tokens_in",
		metric.WithDescription("Prompt tokens consumed per turn"))
	inst.tokensOut, _ = meter.Int64Counter("kernel.tokens_out",
		metric.WithDescription("Completion tokens produced per turn"))
	inst.violations, _ = meter.Int64Counter("kernel.policy_violations",
		metric.WithDescription("Tool calls blocked by the tool policy enforcer"))

	return inst
}

// startTurnSpan opens a span covering one turn's executor call and policy
// enforcement, tagged with the run id and turn number.
func (i *instrumentation) startTurnSpan(ctx context.Context, runID string, turnNumber int) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "kernel.turn",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.Int("turn", turnNumber),
		))
}

func (i *instrumentation) recordTurn(ctx context.Context, runID string, tokensIn, tokensOut, violations int) {
	attrs := metric.WithAttributes(attribute.String("run_id", runID))
	i.turns.Add(ctx, 1, attrs)
	if tokensIn > 0 {
		i.tokensIn.Add(ctx, int64(tokensIn), attrs)
	}
	if tokensOut > 0 {
		i.tokensOut.Add(ctx, int64(tokensOut), attrs)
	}
	if violations > 0 {
		i.violations.Add(ctx, int64(violations), attrs)
	}
}

// endTurnSpan records the span's outcome and closes it.
func endTurnSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
