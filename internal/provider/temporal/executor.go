package temporal

import (
	"context"
	"strings"

	"github.com/orchid-labs/orchid-go/internal/domain"
	"github.com/orchid-labs/orchid-go/internal/interpreter"
)

// EchoExecutor is the built-in step executor: it succeeds instantly with
// one synthetic artifact per step. Steps whose uses field starts with
// "fail" fail, matching the mock provider's runner, so end-to-end failure
// paths work against a real Temporal cluster without a custom executor.
type EchoExecutor struct{}

func (EchoExecutor) Execute(ctx context.Context, run domain.RunContext, step domain.PlanStep, attempt int) (interpreter.StepResult, error) {
	if strings.HasPrefix(step.Uses, "fail") {
		return interpreter.StepResult{StepID: step.ID, Error: "step configured to fail", Retryable: false}, nil
	}
	return interpreter.StepResult{StepID: step.ID, Artifacts: []string{step.ID + ".out"}}, nil
}
