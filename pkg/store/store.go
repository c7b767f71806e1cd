// Package store implements the foreman datastore on SQLite. It owns the
// only mutual-exclusion guarantees in the system: claiming a pending event
// and claiming a ready task are both single conditional updates, so
// concurrent dispatcher or scheduler instances never double-process a row.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"foreman/pkg/workorder"

	"github.com/google/uuid"
)

// Store wraps the runtime database. All methods are safe for concurrent use
// from multiple process instances; SQLite serializes the writes.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. The caller owns the handle lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init applies the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, workorder.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// --- Effect queue ---

const eventColumns = `id, task_id, type, actor, depth, payload,
	COALESCE(prev_status,''), COALESCE(next_status,''), status, retry_count,
	COALESCE(error_detail,''), created_at, COALESCE(processed_at,'')`

func scanEvent(sc interface{ Scan(...any) error }) (workorder.Event, error) {
	var ev workorder.Event
	err := sc.Scan(&ev.ID, &ev.TaskID, &ev.Type, &ev.Actor, &ev.Depth, &ev.Payload,
		&ev.PrevStatus, &ev.NextStatus, &ev.Status, &ev.RetryCount,
		&ev.ErrorDetail, &ev.CreatedAt, &ev.ProcessedAt)
	return ev, err
}

// ClaimPendingEvents flips up to limit pending events to claimed and returns
// them, in one statement. Two concurrent calls never return the same event:
// the inner select and the status flip happen in a single atomic UPDATE.
func (s *Store) ClaimPendingEvents(ctx context.Context, limit int) ([]workorder.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE events SET status='claimed'
		WHERE status='pending'
		  AND id IN (SELECT id FROM events WHERE status='pending' ORDER BY id LIMIT ?)
		RETURNING `+eventColumns,
		limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []workorder.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed event: %w", err)
		}
		claimed = append(claimed, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed events: %w", err)
	}
	return claimed, nil
}

// EnqueueEvent inserts a pending event. A missing ID is filled with a UUID.
func (s *Store) EnqueueEvent(ctx context.Context, ev workorder.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Payload == "" {
		ev.Payload = "{}"
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, task_id, type, actor, depth, payload, prev_status, next_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TaskID, ev.Type, ev.Actor, ev.Depth, ev.Payload,
		nullable(ev.PrevStatus), nullable(ev.NextStatus))
	if err != nil {
		return "", fmt.Errorf("enqueue event: %w", err)
	}
	return ev.ID, nil
}

// MarkEventDone terminates a claimed event as done.
func (s *Store) MarkEventDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status='done', error_detail=NULL, processed_at=datetime('now')
		WHERE id=? AND status='claimed'`, id)
	if err != nil {
		return fmt.Errorf("mark event done: %w", err)
	}
	return nil
}

// ReleaseEventForRetry returns a claimed event to pending with the retry
// counter incremented and the error detail cleared, eligible for a future
// dispatcher invocation.
func (s *Store) ReleaseEventForRetry(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status='pending', retry_count=retry_count+1, error_detail=NULL
		WHERE id=? AND status='claimed'`, id)
	if err != nil {
		return fmt.Errorf("release event for retry: %w", err)
	}
	return nil
}

// MarkEventFailed terminates a claimed event as failed with the given reason.
func (s *Store) MarkEventFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status='failed', error_detail=?, processed_at=datetime('now')
		WHERE id=? AND status='claimed'`, reason, id)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	return nil
}

// PendingEventCount returns the number of pending events.
func (s *Store) PendingEventCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE status='pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending events: %w", err)
	}
	return n, nil
}

// RecentFailedEvents returns the most recent permanently failed events.
func (s *Store) RecentFailedEvents(ctx context.Context, limit int) ([]workorder.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE status='failed' ORDER BY processed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []workorder.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Tasks ---

const taskColumns = `id, slug, status, priority, execution_rank,
	COALESCE(batch_id,''), COALESCE(approved_by,''), COALESCE(approved_at,''),
	COALESCE(error_detail,''), created_at, updated_at`

func scanTask(sc interface{ Scan(...any) error }) (workorder.Task, error) {
	var t workorder.Task
	err := sc.Scan(&t.ID, &t.Slug, &t.Status, &t.Priority, &t.ExecutionRank,
		&t.BatchID, &t.ApprovedBy, &t.ApprovedAt, &t.ErrorDetail,
		&t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// CreateTask inserts a task and its dependency edges.
func (s *Store) CreateTask(ctx context.Context, t workorder.Task) error {
	if t.Status == "" {
		t.Status = workorder.TaskDraft
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, slug, status, priority, execution_rank, batch_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Slug, t.Status, t.Priority, t.ExecutionRank, nullable(t.BatchID))
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	for _, dep := range t.DependsOn {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO task_deps (task_id, depends_on) VALUES (?, ?)`, t.ID, dep); err != nil {
			return fmt.Errorf("create dep %s->%s: %w", t.ID, dep, err)
		}
	}
	return nil
}

// GetTask loads a task including its dependency list.
func (s *Store) GetTask(ctx context.Context, id string) (workorder.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workorder.Task{}, &workorder.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return workorder.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	t.DependsOn, err = s.dependsOn(ctx, id)
	return t, err
}

func (s *Store) dependsOn(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on FROM task_deps WHERE task_id=? ORDER BY depends_on`, id)
	if err != nil {
		return nil, fmt.Errorf("query deps for %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan dep: %w", err)
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// Dependents returns the task IDs that depend on the given task.
func (s *Store) Dependents(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id FROM task_deps WHERE depends_on=? ORDER BY task_id`, id)
	if err != nil {
		return nil, fmt.Errorf("query dependents of %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetReadyTasks returns up to limit tasks in the batch whose dependency list
// is fully satisfied (every dependency done) and which are not yet terminal,
// ordered by execution rank, then priority (high first), then ID.
func (s *Store) GetReadyTasks(ctx context.Context, batchID string, limit int) ([]workorder.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.batch_id=? AND t.status='ready'
		  AND NOT EXISTS (
			SELECT 1 FROM task_deps d
			JOIN tasks dt ON dt.id = d.depends_on
			WHERE d.task_id = t.id AND dt.status != 'done')
		ORDER BY t.execution_rank, t.priority DESC, t.id
		LIMIT ?`, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []workorder.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTaskForExecution conditionally transitions a ready task to
// in_progress. Returns false when another scheduler instance won the claim
// or the task is no longer ready. Same discipline as the event claim.
func (s *Store) ClaimTaskForExecution(ctx context.Context, taskID, actor string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status='in_progress', updated_at=datetime('now')
		WHERE id=? AND status='ready'`, taskID)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %s rows: %w", taskID, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.recordTransition(ctx, taskID, "start", actor, workorder.TaskReady, workorder.TaskInProgress, ""); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateTaskState writes a task's status directly, bypassing the state
// machine and the audit trail. Administrative escape hatch; normal failure
// paths go through MarkTaskFailed or TransitionTask.
func (s *Store) UpdateTaskState(ctx context.Context, taskID string, status workorder.TaskStatus, errorDetail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, error_detail=?, updated_at=datetime('now') WHERE id=?`,
		status, nullable(errorDetail), taskID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &workorder.TaskNotFoundError{TaskID: taskID}
	}
	return nil
}

// MarkTaskFailed moves an in_progress task to failed and records the
// "fail" transition in the audit trail, so dispatch failures leave the
// same start/fail pair as handler failures do.
func (s *Store) MarkTaskFailed(ctx context.Context, taskID, actor, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status='failed', error_detail=?, updated_at=datetime('now')
		WHERE id=? AND status='in_progress'`, nullable(detail), taskID)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &workorder.ValidationError{TaskID: taskID, Reason: "task is not in_progress"}
	}
	return s.recordTransition(ctx, taskID, "fail", actor, workorder.TaskInProgress, workorder.TaskFailed, detail)
}

// ApproveTask stamps a task's approval fields.
func (s *Store) ApproveTask(ctx context.Context, taskID, actor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET approved_by=?, approved_at=datetime('now'), updated_at=datetime('now')
		WHERE id=?`, actor, taskID)
	if err != nil {
		return fmt.Errorf("approve task %s: %w", taskID, err)
	}
	return nil
}

// --- Task state machine ---

// allowedTransitions maps transition event name -> from statuses -> to status.
var allowedTransitions = map[string]map[workorder.TaskStatus]workorder.TaskStatus{
	"submit":   {workorder.TaskDraft: workorder.TaskReady},
	"start":    {workorder.TaskReady: workorder.TaskInProgress},
	"complete": {workorder.TaskInProgress: workorder.TaskDone},
	"fail":     {workorder.TaskInProgress: workorder.TaskFailed},
	"block":    {workorder.TaskReady: workorder.TaskBlocked},
	"unblock":  {workorder.TaskBlocked: workorder.TaskReady},
	"cancel": {
		workorder.TaskDraft:   workorder.TaskCancelled,
		workorder.TaskReady:   workorder.TaskCancelled,
		workorder.TaskBlocked: workorder.TaskCancelled,
	},
}

// TransitionTask is the state-machine entry point. It validates the
// transition, applies the status change, records an audit row, and enqueues
// the side-effect events the transition implies (depth propagated to bound
// recursive chains). Failures are validation errors, not infrastructure
// errors; the new status is returned on success.
//
// "child_update" is an audit-only event: it records the child's status
// change against the parent without moving the parent's status.
func (s *Store) TransitionTask(ctx context.Context, taskID, event, payload, actor string, depth int) (workorder.TaskStatus, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}

	if event == "child_update" {
		if err := s.recordTransition(ctx, taskID, event, actor, task.Status, task.Status, payload); err != nil {
			return "", err
		}
		return task.Status, nil
	}

	targets, ok := allowedTransitions[event]
	if !ok {
		return "", &workorder.ValidationError{TaskID: taskID, Reason: fmt.Sprintf("unknown transition event %q", event)}
	}
	next, ok := targets[task.Status]
	if !ok {
		return "", &workorder.ValidationError{TaskID: taskID,
			Reason: fmt.Sprintf("transition %q not allowed from status %q", event, task.Status)}
	}

	// Guarded write: lose gracefully if another instance moved the task.
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, updated_at=datetime('now') WHERE id=? AND status=?`,
		next, taskID, task.Status)
	if err != nil {
		return "", fmt.Errorf("transition task %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", &workorder.ValidationError{TaskID: taskID,
			Reason: fmt.Sprintf("concurrent transition: task left status %q", task.Status)}
	}
	if err := s.recordTransition(ctx, taskID, event, actor, task.Status, next, payload); err != nil {
		return "", err
	}
	if err := s.enqueueImpliedEvents(ctx, task, event, payload, actor, depth, next); err != nil {
		return "", err
	}
	return next, nil
}

// enqueueImpliedEvents emits the deferred side effects a transition implies.
// Chained events carry depth+1 so the cascade guard can bound recursion.
func (s *Store) enqueueImpliedEvents(ctx context.Context, task workorder.Task, event, payload, actor string, depth int, next workorder.TaskStatus) error {
	if event != "complete" {
		return nil
	}

	dependents, err := s.Dependents(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		data, _ := json.Marshal(map[string]any{"dependents": dependents})
		if _, err := s.EnqueueEvent(ctx, workorder.Event{
			TaskID:     task.ID,
			Type:       workorder.EventUnblockDependents,
			Actor:      actor,
			Depth:      depth + 1,
			Payload:    string(data),
			PrevStatus: string(task.Status),
			NextStatus: string(next),
		}); err != nil {
			return err
		}
	}

	var p struct {
		ParentID string `json:"parent_id"`
	}
	if payload != "" && strings.Contains(payload, "parent_id") {
		if err := json.Unmarshal([]byte(payload), &p); err == nil && p.ParentID != "" {
			data, _ := json.Marshal(map[string]any{"parent_id": p.ParentID, "child_id": task.ID})
			if _, err := s.EnqueueEvent(ctx, workorder.Event{
				TaskID:     task.ID,
				Type:       workorder.EventNotifyParent,
				Actor:      actor,
				Depth:      depth + 1,
				Payload:    string(data),
				PrevStatus: string(task.Status),
				NextStatus: string(next),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) recordTransition(ctx context.Context, taskID, event, actor string, from, to workorder.TaskStatus, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (task_id, event, actor, from_status, to_status, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, event, actor, from, to, nullable(detail))
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// --- Batches ---

const batchColumns = `id, name, mode, parallel_slots, approval_required,
	COALESCE(approved_by,''), COALESCE(approved_at,''), status,
	COALESCE(summary,''), COALESCE(started_at,''), COALESCE(completed_at,'')`

func scanBatch(sc interface{ Scan(...any) error }) (workorder.Batch, error) {
	var b workorder.Batch
	err := sc.Scan(&b.ID, &b.Name, &b.Mode, &b.ParallelSlots, &b.ApprovalRequired,
		&b.ApprovedBy, &b.ApprovedAt, &b.Status, &b.Summary, &b.StartedAt, &b.CompletedAt)
	return b, err
}

// CreateBatch inserts a batch row.
func (s *Store) CreateBatch(ctx context.Context, b workorder.Batch) error {
	if b.Mode == "" {
		b.Mode = workorder.ModeStep
	}
	if b.ParallelSlots < 1 {
		b.ParallelSlots = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (id, name, mode, parallel_slots, approval_required)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Mode, b.ParallelSlots, b.ApprovalRequired)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}
	return nil
}

// GetBatch loads a batch row.
func (s *Store) GetBatch(ctx context.Context, id string) (workorder.Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workorder.Batch{}, &workorder.BatchNotFoundError{BatchID: id}
	}
	if err != nil {
		return workorder.Batch{}, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns all batches ordered by ID.
func (s *Store) ListBatches(ctx context.Context) ([]workorder.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []workorder.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ApproveBatch stamps a batch's approval fields.
func (s *Store) ApproveBatch(ctx context.Context, batchID, actor string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET approved_by=?, approved_at=datetime('now') WHERE id=?`,
		actor, batchID)
	if err != nil {
		return fmt.Errorf("approve batch %s: %w", batchID, err)
	}
	return nil
}

// StartBatchExecution marks a batch in_progress.
func (s *Store) StartBatchExecution(ctx context.Context, batchID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status='in_progress', started_at=datetime('now') WHERE id=?`,
		batchID)
	if err != nil {
		return fmt.Errorf("start batch %s: %w", batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &workorder.BatchNotFoundError{BatchID: batchID}
	}
	return nil
}

// CompleteBatchExecution records the final batch status and summary.
func (s *Store) CompleteBatchExecution(ctx context.Context, batchID string, status workorder.BatchStatus, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status=?, summary=?, completed_at=datetime('now') WHERE id=?`,
		status, summary, batchID)
	if err != nil {
		return fmt.Errorf("complete batch %s: %w", batchID, err)
	}
	return nil
}

// CountBatchOutcomes tallies the terminal states of a batch's tasks.
func (s *Store) CountBatchOutcomes(ctx context.Context, batchID string) (workorder.BatchOutcomes, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE batch_id=? GROUP BY status`, batchID)
	if err != nil {
		return workorder.BatchOutcomes{}, fmt.Errorf("count batch outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out workorder.BatchOutcomes
	for rows.Next() {
		var status workorder.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return workorder.BatchOutcomes{}, fmt.Errorf("scan outcome: %w", err)
		}
		switch status {
		case workorder.TaskDone:
			out.Done += n
		case workorder.TaskFailed:
			out.Failed += n
		case workorder.TaskCancelled:
			out.Cancelled += n
		default:
			out.Other += n
		}
	}
	return out, rows.Err()
}

// BatchTasks returns all tasks in a batch ordered by execution rank.
func (s *Store) BatchTasks(ctx context.Context, batchID string) ([]workorder.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE batch_id=?
		ORDER BY execution_rank, id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []workorder.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
