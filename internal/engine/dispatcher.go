package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"relay-backend/internal/instrument"
	"relay-backend/internal/model"
	"relay-backend/internal/store"
)

// Dispatcher drains pending runs. The pending row itself is the durable work
// item: the webhook handler only inserts and wakes, workers claim atomically,
// and runs left pending by a crashed process are picked up by the poll ticker
// after restart. Execution errors never propagate to an HTTP caller; they are
// recorded terminally on the run.
type Dispatcher struct {
	store     *store.Store
	runs      *RunStore
	workflows WorkflowStore
	executor  *WorkflowExecutor
	artifacts *ArtifactWriter
	inst      instrument.Instrumenter

	workers      int
	pollInterval time.Duration

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(s *store.Store, runs *RunStore, workflows WorkflowStore,
	executor *WorkflowExecutor, artifacts *ArtifactWriter, inst instrument.Instrumenter,
	workers int, pollInterval time.Duration) *Dispatcher {

	if workers <= 0 {
		workers = 1
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Dispatcher{
		store:        s,
		runs:         runs,
		workflows:    workflows,
		executor:     executor,
		artifacts:    artifacts,
		inst:         inst,
		workers:      workers,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker()
	}
	log.Printf("Dispatcher started (%d workers, %s poll interval)", d.workers, d.pollInterval)
}

// Stop signals workers to finish their current run and waits for them.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.wg.Wait()
}

// Wake nudges a worker without blocking. Safe to call from request handlers.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) runWorker() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.drain()
	}
}

// drain claims and executes runs until the queue is empty.
func (d *Dispatcher) drain() {
	for {
		select {
		case <-d.done:
			return
		default:
		}
		if !d.ProcessOnce(context.Background()) {
			return
		}
	}
}

// ProcessOnce claims and executes at most one pending run. Returns false when
// no pending run was available.
func (d *Dispatcher) ProcessOnce(ctx context.Context) bool {
	ctx = instrument.WithInstrumenter(ctx, d.inst)
	ctx = instrument.WithTraceID(ctx, store.GenerateUUID())

	run, err := d.runs.ClaimNextPending(ctx, d.store.DB)
	if err != nil {
		if !errors.Is(err, ErrNoPendingRuns) {
			log.Printf("ERROR: dispatcher claim: %v", err)
		}
		return false
	}

	d.execute(ctx, run)
	return true
}

func (d *Dispatcher) execute(ctx context.Context, run *model.Run) {
	ctx, span := d.inst.StartSpan(ctx, "dispatcher", "worker", "run.dispatch")
	defer span.End()
	span.SetRun(run.TenantID, run.ID)

	wf, err := d.workflows.LoadEnabled(ctx, d.store.DB, run.TenantID, run.WorkflowID)
	if err != nil {
		// The workflow was deleted or disabled after the run was accepted.
		runErr := &model.RunError{Message: "Workflow not found or disabled", Code: "WORKFLOW_NOT_FOUND"}
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("ERROR: load workflow %s for run %s: %v", run.WorkflowID, run.ID, err)
			runErr = &model.RunError{Message: "Failed to load workflow", Code: "EXECUTION_ERROR"}
		}
		d.finishFailed(ctx, run, runErr, &model.RunMetrics{}, nil)
		span.SetStatus("error")
		return
	}

	result := d.executor.Execute(ctx, d.store.DB, run, wf)

	if result.Status == model.RunCompleted {
		d.finishCompleted(ctx, run, wf, result)
		span.SetStatus("ok")
		return
	}
	d.finishFailed(ctx, run, result.Error, result.Metrics, result.State)
	span.SetStatus("error")
}

func (d *Dispatcher) finishCompleted(ctx context.Context, run *model.Run, wf *model.Workflow, result *ExecutionResult) {
	if err := d.runs.Complete(ctx, d.store.DB, run.ID, result.Output, result.Metrics, result.State); err != nil {
		log.Printf("ERROR: complete run %s: %v", run.ID, err)
		return
	}

	artifactID, err := d.artifacts.CreateForRun(ctx, d.store.DB, run, wf.Name, result.Output)
	if err != nil {
		log.Printf("ERROR: create artifact for run %s: %v", run.ID, err)
	} else if err := d.runs.MergeMetadata(ctx, d.store.DB, run.ID, map[string]any{"artifact_id": artifactID}); err != nil {
		log.Printf("ERROR: record artifact id on run %s: %v", run.ID, err)
	}

	d.artifacts.LogStep(ctx, d.store.DB, d.summaryLog(run, model.RunCompleted, "", result.Metrics))
	log.Printf("Run %s completed (%d steps, %dms)", run.ID, result.Metrics.StepsExecuted, result.Metrics.DurationMs)
}

func (d *Dispatcher) finishFailed(ctx context.Context, run *model.Run, runErr *model.RunError,
	metrics *model.RunMetrics, state map[string]any) {

	if runErr == nil {
		runErr = &model.RunError{Message: "Execution failed", Code: "EXECUTION_ERROR"}
	}
	if err := d.runs.Fail(ctx, d.store.DB, run.ID, runErr, metrics, state); err != nil {
		log.Printf("ERROR: fail run %s: %v", run.ID, err)
		return
	}
	d.artifacts.LogStep(ctx, d.store.DB, d.summaryLog(run, model.RunFailed, runErr.Message, metrics))
	log.Printf("Run %s failed: %s", run.ID, runErr.Message)
}

func (d *Dispatcher) summaryLog(run *model.Run, status, errMsg string, metrics *model.RunMetrics) *model.ExecutionLog {
	now := time.Now()
	entry := &model.ExecutionLog{
		ExecutionID: run.ID,
		TenantID:    run.TenantID,
		Status:      status,
		Error:       errMsg,
		CompletedAt: &now,
	}
	if run.StartedAt != nil {
		entry.StartedAt = run.StartedAt
	}
	if metrics != nil {
		entry.DurationMs = float64(metrics.DurationMs)
	}
	return entry
}
