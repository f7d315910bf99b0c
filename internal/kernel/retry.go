package kernel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rudiheydra/autobuildr/internal/apperr"
	"github.com/rudiheydra/autobuildr/internal/executor"
	"github.com/rudiheydra/autobuildr/internal/model"
	"github.com/rudiheydra/autobuildr/pkg/llm"
)

// callWithRetry implements spec.md §4.1's "Failure semantics": a turn
// whose executor call comes back as a protocol-level failure (the
// executor.ProtocolFailure shape) is retried with exponential backoff up
// to retry.MaxAttempts; the circuit breaker short-circuits a run of
// identical failures before the attempt budget is spent. Retries never
// advance turns_used — only the wall-clock deadline can stop them.
func (k *Kernel) callWithRetry(ctx context.Context, ex executor.Executor, spec *model.AgentSpec, run *model.AgentRun, history *llm.Conversation, cb *circuitBreaker, limiter *turnRateLimiter, deadline time.Time) (executor.TurnResult, error) {
	backoff := k.retry.InitialBackoff
	var lastKind string

	for attempt := 1; attempt <= k.retry.MaxAttempts; attempt++ {
		if time.Now().After(deadline) {
			return executor.TurnResult{}, apperr.New(apperr.KindBudgetExhaustion, "wall clock exhausted during retry backoff")
		}
		if !cb.Allow() {
			return executor.TurnResult{}, apperr.New(apperr.KindExecutorFailure, "circuit breaker open after repeated "+lastKind+" failures")
		}
		if err := limiter.Wait(ctx); err != nil {
			return executor.TurnResult{}, apperr.Wrap(apperr.KindExecutorFailure, "rate limiter wait canceled", err)
		}

		result, err := ex.ExecuteTurn(ctx, spec, run.ID, history)
		if err != nil {
			return executor.TurnResult{}, apperr.Wrap(apperr.KindExecutorFailure, "turn executor returned an error", err)
		}
		if !isProtocolFailure(result) {
			cb.RecordSuccess(result.TokensOut)
			return result, nil
		}

		lastKind = protocolFailureKind(result)
		cb.RecordError(lastKind)
		if attempt == k.retry.MaxAttempts {
			break
		}

		k.log.Warn("transient executor failure, retrying", "run_id", run.ID, "attempt", attempt, "kind", lastKind)
		select {
		case <-ctx.Done():
			return executor.TurnResult{}, apperr.Wrap(apperr.KindExecutorFailure, "context canceled during retry backoff", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * k.retry.Multiplier)
		if backoff > k.retry.MaxBackoff {
			backoff = k.retry.MaxBackoff
		}
	}

	return executor.TurnResult{}, apperr.New(apperr.KindExecutorFailure, "executor retries exhausted: "+lastKind)
}

// isProtocolFailure reports whether result is the canonical
// executor.ProtocolFailure shape: not completed, exactly one tool event,
// named "error".
func isProtocolFailure(result executor.TurnResult) bool {
	return !result.Completed && len(result.ToolEvents) == 1 && result.ToolEvents[0].ToolName == "error"
}

func protocolFailureKind(result executor.TurnResult) string {
	if !isProtocolFailure(result) {
		return ""
	}
	var payload struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(result.ToolEvents[0].Result, &payload); err != nil {
		return "unknown"
	}
	return payload.Kind
}
