package workorder

import "fmt"

// CascadeDepthError marks an event that exceeded MaxCascadeDepth. Events
// carrying this error fail permanently without their handler running.
type CascadeDepthError struct {
	EventID string
	Depth   int
}

func (e *CascadeDepthError) Error() string {
	return fmt.Sprintf("cascade_depth_exceeded: event %s at depth %d (max %d)",
		e.EventID, e.Depth, MaxCascadeDepth)
}

// UnknownEventTypeError marks an event whose type tag has no registered
// handler. It enables typed error discrimination via errors.As.
type UnknownEventTypeError struct {
	EventID string
	Type    EventType
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q for event %s", e.Type, e.EventID)
}

// ValidationError represents a malformed payload or an invariant violation
// reported by the task state machine. Validation errors are never retried.
type ValidationError struct {
	TaskID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for task %s: %s", e.TaskID, e.Reason)
}

// TaskNotFoundError represents a task lookup failure.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// BatchNotFoundError represents a batch lookup failure.
type BatchNotFoundError struct {
	BatchID string
}

func (e *BatchNotFoundError) Error() string {
	return fmt.Sprintf("batch %s not found", e.BatchID)
}
