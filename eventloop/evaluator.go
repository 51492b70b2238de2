package eventloop

import (
	"context"
	"time"

	"github.com/agentkit-go/core/conversation"
)

// EvaluationResult is the outcome of consulting an Evaluator between
// cycles.
type EvaluationResult struct {
	Continue  bool
	Reasoning string
	Duration  time.Duration
}

// Evaluator inspects the accumulated response between cycles and decides
// whether the loop should keep going. It must be pure with respect to
// conversation state: it is never given a chance to mutate messages.
type Evaluator interface {
	Evaluate(ctx context.Context, responseSoFar conversation.Message, cycle int) (EvaluationResult, error)
}

// EvaluatorFunc adapts a bare function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, responseSoFar conversation.Message, cycle int) (EvaluationResult, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, responseSoFar conversation.Message, cycle int) (EvaluationResult, error) {
	return f(ctx, responseSoFar, cycle)
}
