package workorder

import (
	"encoding/json"
	"fmt"
)

// EventType tags a deferred side-effect record with the handler that
// processes it. Unrecognized tags are routed to a terminal-failure handler.
type EventType string

// Event type constants.
const (
	EventSpawnChildren     EventType = "spawn_children"
	EventUnblockDependents EventType = "unblock_dependents"
	EventNotifyParent      EventType = "notify_parent"
	EventRepoSync          EventType = "repo_sync"
	EventChatNotify        EventType = "chat_notify"
	EventDocSync           EventType = "doc_sync"
	EventWebhookFanout     EventType = "webhook_fanout"
)

// EventStatus is the lifecycle status of a queued event.
type EventStatus string

// Event lifecycle constants. Transitions are pending -> claimed ->
// {done | pending (retry) | failed}.
const (
	EventPending EventStatus = "pending"
	EventClaimed EventStatus = "claimed"
	EventDone    EventStatus = "done"
	EventFailed  EventStatus = "failed"
)

// Retry and cascade ceilings. An event is attempted at most MaxAttempts
// times; a chained event whose depth exceeds MaxCascadeDepth fails
// immediately without its handler ever running.
const (
	MaxAttempts     = 3
	MaxCascadeDepth = 5
)

// Event represents a row in the events SQLite table: one unit of deferred
// work produced by a task-state transition.
type Event struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	Type        EventType `json:"type"`
	Actor       string    `json:"actor"`
	Depth       int       `json:"depth"`
	Payload     string    `json:"payload"` // JSON object, handler-specific
	PrevStatus  string    `json:"prev_status,omitempty"`
	NextStatus  string    `json:"next_status,omitempty"`
	Status      EventStatus
	RetryCount  int
	ErrorDetail string
	CreatedAt   string
	ProcessedAt string
}

// DecodePayload unmarshals the event payload into out.
func (e Event) DecodePayload(out any) error {
	if e.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(e.Payload), out); err != nil {
		return fmt.Errorf("decode payload for event %s: %w", e.ID, err)
	}
	return nil
}

// TaskStatus is the lifecycle status of a work order.
type TaskStatus string

// Task lifecycle constants.
const (
	TaskDraft      TaskStatus = "draft"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskBlocked    TaskStatus = "blocked"
)

// Terminal reports whether s is a terminal task status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task represents a row in the tasks SQLite table: the work order being
// scheduled. DependsOn is stored in the task_deps table.
type Task struct {
	ID            string     `json:"id"`
	Slug          string     `json:"slug"`
	Status        TaskStatus `json:"status"`
	Priority      int        `json:"priority"`
	ExecutionRank int        `json:"execution_rank"`
	BatchID       string     `json:"batch_id,omitempty"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	ApprovedBy    string     `json:"approved_by,omitempty"`
	ApprovedAt    string     `json:"approved_at,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
	CreatedAt     string     `json:"created_at,omitempty"`
	UpdatedAt     string     `json:"updated_at,omitempty"`
}

// ExecutionMode selects the batch scheduling strategy.
type ExecutionMode string

// Execution mode constants.
const (
	ModeStep       ExecutionMode = "step"
	ModeConcurrent ExecutionMode = "concurrent"
	ModeAuto       ExecutionMode = "auto"
)

// Valid reports whether m names a known execution mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeStep, ModeConcurrent, ModeAuto:
		return true
	default:
		return false
	}
}

// BatchStatus is the lifecycle status of a batch execution.
type BatchStatus string

// Batch lifecycle constants, driven by the scheduler's start/complete calls.
const (
	BatchNotStarted BatchStatus = "not_started"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchPartial    BatchStatus = "partial"
	BatchFailed     BatchStatus = "failed"
)

// Batch represents a row in the batches SQLite table: a named group of
// tasks executed together under one strategy.
type Batch struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Mode             ExecutionMode `json:"mode"`
	ParallelSlots    int           `json:"parallel_slots"`
	ApprovalRequired bool          `json:"approval_required"`
	ApprovedBy       string        `json:"approved_by,omitempty"`
	ApprovedAt       string        `json:"approved_at,omitempty"`
	Status           BatchStatus   `json:"status"`
	Summary          string        `json:"summary,omitempty"`
	StartedAt        string        `json:"started_at,omitempty"`
	CompletedAt      string        `json:"completed_at,omitempty"`
}

// BatchOutcomes holds per-status task counts for a batch.
type BatchOutcomes struct {
	Done      int
	Failed    int
	Cancelled int
	Other     int
}

// Transition represents a row in the transitions audit table.
type Transition struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	Event      string `json:"event"`
	Actor      string `json:"actor"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Detail     string `json:"detail"`
	CreatedAt  string `json:"created_at"`
}
