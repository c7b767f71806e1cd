// Package scheduler drives a batch of interdependent work orders to
// completion under one of three strategies: step (sequential), concurrent
// (bounded parallel), and auto (concurrent with programmatic approval).
// Readiness and mutual exclusion are delegated to the store: a task is
// dispatched only after a conditional ready->in_progress claim, so multiple
// scheduler instances can run the same batch without double-dispatching.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"foreman/pkg/workorder"
)

// Datastore is the slice of the store the scheduler needs.
type Datastore interface {
	GetBatch(ctx context.Context, id string) (workorder.Batch, error)
	GetReadyTasks(ctx context.Context, batchID string, limit int) ([]workorder.Task, error)
	ClaimTaskForExecution(ctx context.Context, taskID, actor string) (bool, error)
	GetTask(ctx context.Context, id string) (workorder.Task, error)
	MarkTaskFailed(ctx context.Context, taskID, actor, detail string) error
	BatchTasks(ctx context.Context, batchID string) ([]workorder.Task, error)
	ApproveBatch(ctx context.Context, batchID, actor string) error
	ApproveTask(ctx context.Context, taskID, actor string) error
	StartBatchExecution(ctx context.Context, batchID string) error
	CompleteBatchExecution(ctx context.Context, batchID string, status workorder.BatchStatus, summary string) error
	CountBatchOutcomes(ctx context.Context, batchID string) (workorder.BatchOutcomes, error)
}

// ExecTrigger dispatches a task's out-of-band agent execution. The returned
// status string is consumed only for step mode's immediate pass/fail
// classification; true completion is always confirmed by polling task
// status.
type ExecTrigger interface {
	Trigger(ctx context.Context, taskID string) (status string, err error)
}

// Eligibility gates auto mode. The policy itself (minimum priority tier)
// lives with the external validation collaborator; the scheduler consumes a
// yes/no answer.
type Eligibility interface {
	AutoEligible(ctx context.Context, batch workorder.Batch, tasks []workorder.Task) (bool, error)
}

// MinPriorityEligibility allows auto mode only when every task in the batch
// is at or above the minimum priority tier.
type MinPriorityEligibility struct {
	MinPriority int
}

// AutoEligible implements Eligibility.
func (e MinPriorityEligibility) AutoEligible(_ context.Context, _ workorder.Batch, tasks []workorder.Task) (bool, error) {
	for _, t := range tasks {
		if t.Priority < e.MinPriority {
			return false, nil
		}
	}
	return true, nil
}

// ErrApprovalRequired is returned when a batch requires approval that has
// not been granted and the mode does not bypass it.
var ErrApprovalRequired = errors.New("batch approval required")

// AutoIneligibleError reports an auto-mode run refused by the eligibility
// gate.
type AutoIneligibleError struct {
	BatchID string
}

func (e *AutoIneligibleError) Error() string {
	return fmt.Sprintf("batch %s not eligible for auto execution", e.BatchID)
}

// Config holds Scheduler tuning knobs.
type Config struct {
	StepPollInterval  time.Duration // task-completion poll in step mode (default 250ms)
	StepMaxWait       time.Duration // bounded wait per step-mode task (default 10m)
	ReadyPollInterval time.Duration // ready-task re-poll in concurrent mode (default 250ms)
	MaxIterations     int           // polling-round ceiling in concurrent mode (default 100)
	Actor             string        // actor recorded on claims/approvals (default "scheduler")
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StepPollInterval == 0 {
		out.StepPollInterval = 250 * time.Millisecond
	}
	if out.StepMaxWait == 0 {
		out.StepMaxWait = 10 * time.Minute
	}
	if out.ReadyPollInterval == 0 {
		out.ReadyPollInterval = 250 * time.Millisecond
	}
	if out.MaxIterations == 0 {
		out.MaxIterations = 100
	}
	if out.Actor == "" {
		out.Actor = "scheduler"
	}
	return out
}

// Result summarizes one batch run.
type Result struct {
	BatchID    string                  `json:"batch_id"`
	Mode       workorder.ExecutionMode `json:"mode"`
	Dispatched int                     `json:"dispatched"`
	Succeeded  int                     `json:"succeeded"`
	Failed     int                     `json:"failed"`
	Status     workorder.BatchStatus   `json:"status"`
	Rounds     int                     `json:"rounds"`
}

// Scheduler runs batches. Safe for concurrent use; it keeps no state across
// Run calls.
type Scheduler struct {
	store Datastore
	exec  ExecTrigger
	elig  Eligibility
	cfg   Config
	log   *slog.Logger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Scheduler. A nil eligibility gate refuses every auto run; a
// nil logger falls back to slog.Default().
func New(store Datastore, exec ExecTrigger, elig Eligibility, cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:   store,
		exec:    exec,
		elig:    elig,
		cfg:     cfg.withDefaults(),
		log:     log,
		nowFunc: time.Now,
	}
}

// Run executes the batch under its configured strategy and records the
// final status. The mode argument overrides the batch's stored mode when
// non-empty.
func (s *Scheduler) Run(ctx context.Context, batchID string, modeOverride workorder.ExecutionMode) (Result, error) {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return Result{}, err
	}
	mode := batch.Mode
	if modeOverride != "" {
		mode = modeOverride
	}
	if !mode.Valid() {
		return Result{}, fmt.Errorf("batch %s: invalid execution mode %q", batchID, mode)
	}

	switch mode {
	case workorder.ModeAuto:
		if err := s.autoApprove(ctx, batch); err != nil {
			return Result{}, err
		}
	default:
		if batch.ApprovalRequired && batch.ApprovedBy == "" {
			return Result{}, fmt.Errorf("batch %s: %w", batchID, ErrApprovalRequired)
		}
	}

	if err := s.store.StartBatchExecution(ctx, batchID); err != nil {
		return Result{}, err
	}

	res := Result{BatchID: batchID, Mode: mode}
	var runErr error
	switch mode {
	case workorder.ModeStep:
		runErr = s.runStep(ctx, batch, &res)
	case workorder.ModeConcurrent, workorder.ModeAuto:
		runErr = s.runConcurrent(ctx, batch, &res)
	}

	ceilingBreached := errors.Is(runErr, errIterationCeiling)
	outcomes, err := s.store.CountBatchOutcomes(ctx, batchID)
	if err != nil {
		return res, err
	}
	res.Status = finalStatus(outcomes, ceilingBreached)

	summary := fmt.Sprintf(`{"dispatched":%d,"done":%d,"failed":%d,"rounds":%d}`,
		res.Dispatched, outcomes.Done, outcomes.Failed, res.Rounds)
	if err := s.store.CompleteBatchExecution(ctx, batchID, res.Status, summary); err != nil {
		return res, err
	}

	if runErr != nil && !ceilingBreached {
		return res, runErr
	}
	s.log.Info("batch run finished",
		"batch", batchID, "mode", mode, "status", res.Status,
		"dispatched", res.Dispatched, "rounds", res.Rounds)
	return res, nil
}

// autoApprove stamps batch- and task-level approval programmatically after
// the eligibility gate says yes.
func (s *Scheduler) autoApprove(ctx context.Context, batch workorder.Batch) error {
	tasks, err := s.store.BatchTasks(ctx, batch.ID)
	if err != nil {
		return err
	}
	if s.elig == nil {
		return &AutoIneligibleError{BatchID: batch.ID}
	}
	ok, err := s.elig.AutoEligible(ctx, batch, tasks)
	if err != nil {
		return fmt.Errorf("auto eligibility check: %w", err)
	}
	if !ok {
		return &AutoIneligibleError{BatchID: batch.ID}
	}
	if err := s.store.ApproveBatch(ctx, batch.ID, s.cfg.Actor); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.store.ApproveTask(ctx, t.ID, s.cfg.Actor); err != nil {
			return err
		}
	}
	return nil
}

// --- Step mode ---

// runStep executes tasks one at a time: fetch one ready task, dispatch it,
// wait synchronously for a terminal status, loop until no ready task
// remains.
func (s *Scheduler) runStep(ctx context.Context, batch workorder.Batch, res *Result) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := s.store.GetReadyTasks(ctx, batch.ID, 1)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}
		task := ready[0]
		res.Rounds++

		won, err := s.store.ClaimTaskForExecution(ctx, task.ID, s.cfg.Actor)
		if err != nil {
			return err
		}
		if !won {
			// Another instance claimed it; re-poll.
			continue
		}
		res.Dispatched++

		status, err := s.exec.Trigger(ctx, task.ID)
		if err != nil || status == "failed" {
			detail := "execution trigger reported failure"
			if err != nil {
				detail = err.Error()
			}
			s.log.Warn("step dispatch failed", "task", task.ID, "detail", detail)
			if uerr := s.store.MarkTaskFailed(ctx, task.ID, s.cfg.Actor, detail); uerr != nil {
				return uerr
			}
			res.Failed++
			continue
		}

		final, ok := s.waitForTerminal(ctx, task.ID)
		switch {
		case !ok:
			s.log.Warn("step wait ceiling hit, moving on", "task", task.ID)
			res.Failed++
		case final == workorder.TaskDone:
			res.Succeeded++
		default:
			res.Failed++
		}
	}
}

// waitForTerminal polls a task's status with a fixed interval, bounded by
// StepMaxWait. Reports the terminal status and whether one was observed.
func (s *Scheduler) waitForTerminal(ctx context.Context, taskID string) (workorder.TaskStatus, bool) {
	deadline := s.nowFunc().Add(s.cfg.StepMaxWait)
	ticker := time.NewTicker(s.cfg.StepPollInterval)
	defer ticker.Stop()

	for {
		task, err := s.store.GetTask(ctx, taskID)
		if err == nil && task.Status.Terminal() {
			return task.Status, true
		}
		if s.nowFunc().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
}

// --- Concurrent / auto mode ---

// errIterationCeiling signals that the polling-round safety ceiling was
// breached; the batch is marked partial, never left in-progress forever.
var errIterationCeiling = errors.New("scheduler iteration ceiling breached")

// runConcurrent keeps a bounded active set: each polling round claims ready
// tasks up to the free slot count and launches them asynchronously; a task
// leaves the active set when polling observes a terminal status.
// |active| <= ParallelSlots holds at every observation point.
func (s *Scheduler) runConcurrent(ctx context.Context, batch workorder.Batch, res *Result) error {
	slots := batch.ParallelSlots
	if slots < 1 {
		slots = 1
	}

	var (
		mu     sync.Mutex
		active = make(map[string]struct{})
	)
	inFlight := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(active)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(slots)

	ticker := time.NewTicker(s.cfg.ReadyPollInterval)
	defer ticker.Stop()

	var loopErr error
	for round := 0; ; round++ {
		if round >= s.cfg.MaxIterations {
			loopErr = errIterationCeiling
			break
		}
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		res.Rounds++

		free := slots - inFlight()
		var ready []workorder.Task
		if free > 0 {
			var err error
			ready, err = s.store.GetReadyTasks(ctx, batch.ID, free)
			if err != nil {
				loopErr = err
				break
			}
		}

		for _, task := range ready {
			won, err := s.store.ClaimTaskForExecution(ctx, task.ID, s.cfg.Actor)
			if err != nil {
				loopErr = err
				break
			}
			if !won {
				continue
			}
			mu.Lock()
			active[task.ID] = struct{}{}
			mu.Unlock()
			res.Dispatched++

			taskID := task.ID
			g.Go(func() error {
				defer func() {
					mu.Lock()
					delete(active, taskID)
					mu.Unlock()
				}()
				s.executeAndAwait(gctx, taskID, res, &mu)
				return nil
			})
		}
		if loopErr != nil {
			break
		}

		if len(ready) == 0 && inFlight() == 0 {
			// Nothing ready and nothing running: batch exhausted.
			break
		}

		select {
		case <-ctx.Done():
			loopErr = ctx.Err()
		case <-ticker.C:
		}
		if loopErr != nil {
			break
		}
	}

	_ = g.Wait()
	return loopErr
}

// executeAndAwait triggers one task and polls it to a terminal status.
// Outcome counters share the scheduler loop's mutex.
func (s *Scheduler) executeAndAwait(ctx context.Context, taskID string, res *Result, mu *sync.Mutex) {
	_, err := s.exec.Trigger(ctx, taskID)
	if err != nil {
		s.log.Warn("dispatch failed", "task", taskID, "error", err)
		if uerr := s.store.MarkTaskFailed(ctx, taskID, s.cfg.Actor, err.Error()); uerr != nil {
			s.log.Error("record dispatch failure", "task", taskID, "error", uerr)
		}
		mu.Lock()
		res.Failed++
		mu.Unlock()
		return
	}

	final, ok := s.waitForTerminal(ctx, taskID)
	mu.Lock()
	defer mu.Unlock()
	if ok && final == workorder.TaskDone {
		res.Succeeded++
	} else {
		res.Failed++
	}
}

// finalStatus computes the batch's terminal status from task outcomes.
func finalStatus(o workorder.BatchOutcomes, ceilingBreached bool) workorder.BatchStatus {
	switch {
	case ceilingBreached:
		return workorder.BatchPartial
	case o.Failed == 0 && o.Other == 0:
		return workorder.BatchCompleted
	case o.Done > 0 && o.Failed > 0:
		return workorder.BatchPartial
	case o.Failed > 0:
		return workorder.BatchFailed
	default:
		return workorder.BatchInProgress
	}
}
