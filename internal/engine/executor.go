package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"relay-backend/internal/instrument"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// maxStepsPerRun bounds the graph walk so cyclic step graphs terminate.
const maxStepsPerRun = 1000

// ExecutionResult is the terminal outcome of a single run.
type ExecutionResult struct {
	Status  string // completed or failed
	Output  any
	Error   *model.RunError
	Metrics *model.RunMetrics
	State   map[string]any
}

// WorkflowExecutor walks a workflow's step graph for one run. All
// dependencies are injected; it owns no goroutines and no database rows —
// the dispatcher handles claiming and persisting.
type WorkflowExecutor struct {
	stepExecutors map[string]StepExecutor
	evaluator     ExpressionEvaluator
	httpClient    *http.Client
	logs          *ArtifactWriter
}

func NewWorkflowExecutor(stepExecutors map[string]StepExecutor, evaluator ExpressionEvaluator,
	httpClient *http.Client, logs *ArtifactWriter) *WorkflowExecutor {
	return &WorkflowExecutor{
		stepExecutors: stepExecutors,
		evaluator:     evaluator,
		httpClient:    httpClient,
		logs:          logs,
	}
}

// Execute runs the workflow's steps from the start step until a terminator
// ("" or "end"), a step failure, or the iteration cap. Step-level logs are
// appended as the walk progresses.
func (e *WorkflowExecutor) Execute(ctx context.Context, q store.Querier,
	run *model.Run, wf *model.Workflow) *ExecutionResult {

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "executor", "engine", "run.execute")
	defer span.End()
	span.SetMetadata("workflow_id", wf.ID)
	span.SetMetadata("run_id", run.ID)

	started := time.Now()
	metrics := &model.RunMetrics{}
	state := make(map[string]any)
	sc := &StepContext{
		Run:        run,
		Input:      run.Input,
		State:      state,
		Evaluator:  e.evaluator,
		HTTPClient: e.httpClient,
	}

	var lastOutput any
	currentID := wf.StartStepID

	for i := 0; ; i++ {
		if currentID == "" || currentID == "end" {
			break
		}
		if i >= maxStepsPerRun {
			metrics.DurationMs = time.Since(started).Milliseconds()
			span.SetStatus("error")
			return failure(metrics, state, fmt.Sprintf("step limit exceeded (%d)", maxStepsPerRun))
		}

		step := wf.FindStep(currentID)
		if step == nil {
			metrics.DurationMs = time.Since(started).Milliseconds()
			span.SetStatus("error")
			return failure(metrics, state, fmt.Sprintf("step not found: %s", currentID))
		}

		executor, ok := e.stepExecutors[step.Type]
		if !ok {
			metrics.DurationMs = time.Since(started).Milliseconds()
			span.SetStatus("error")
			return failure(metrics, state, fmt.Sprintf("unknown step type: %s", step.Type))
		}

		stepStarted := time.Now()
		result, err := executor.Execute(ctx, sc, step)
		metrics.StepsExecuted++

		if err != nil {
			metrics.StepsFailed++
			e.logs.LogStep(ctx, q, NewStepLog(run, step, "failed", nil, err.Error(), stepStarted))

			if step.OnError == "skip" {
				log.Printf("WARN: run %s step %s failed, skipping: %v", run.ID, step.ID, err)
				state[step.ID] = map[string]any{"skipped": true, "error": err.Error()}
				currentID = step.Next
				continue
			}

			metrics.DurationMs = time.Since(started).Milliseconds()
			span.SetStatus("error")
			span.SetMetadata("failed_step", step.ID)
			return failure(metrics, state, fmt.Sprintf("step %s failed: %v", step.ID, err))
		}

		metrics.StepsSucceeded++
		state[step.ID] = result.Output
		lastOutput = result.Output
		e.logs.LogStep(ctx, q, NewStepLog(run, step, "completed", result.Output, "", stepStarted))

		currentID = result.NextGoto
	}

	metrics.DurationMs = time.Since(started).Milliseconds()
	span.SetStatus("ok")
	return &ExecutionResult{
		Status:  model.RunCompleted,
		Output:  lastOutput,
		Metrics: metrics,
		State:   state,
	}
}

func failure(metrics *model.RunMetrics, state map[string]any, msg string) *ExecutionResult {
	return &ExecutionResult{
		Status:  model.RunFailed,
		Error:   &model.RunError{Message: msg, Code: "EXECUTION_ERROR"},
		Metrics: metrics,
		State:   state,
	}
}
