package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"foreman/pkg/workorder"
)

// TaskStore is the slice of the store the built-in handlers need.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (workorder.Task, error)
	CreateTask(ctx context.Context, t workorder.Task) error
	TransitionTask(ctx context.Context, taskID, event, payload, actor string, depth int) (workorder.TaskStatus, error)
}

// RegisterDefaults wires the built-in handlers into the registry: the three
// transition handlers plus the best-effort sync/notify handlers. Targets
// with an empty URL are registered as no-ops so their events still drain.
func RegisterDefaults(r *Registry, store TaskStore, client *SideEffectClient, targets map[workorder.EventType]string, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	r.Register(workorder.EventSpawnChildren, &SpawnChildrenHandler{Store: store})
	r.Register(workorder.EventUnblockDependents, &UnblockDependentsHandler{Store: store, Log: log})
	r.Register(workorder.EventNotifyParent, &NotifyParentHandler{Store: store})

	for _, t := range []workorder.EventType{
		workorder.EventRepoSync,
		workorder.EventChatNotify,
		workorder.EventDocSync,
		workorder.EventWebhookFanout,
	} {
		r.Register(t, &BestEffortHandler{
			Client: client,
			Target: targets[t],
			Name:   string(t),
			Log:    log,
		})
	}
}

// SpawnChildrenHandler creates child task rows declared in the event
// payload and submits each into the ready pool. Children inherit the
// parent's batch unless the payload names another.
type SpawnChildrenHandler struct {
	Store TaskStore
}

type childSpec struct {
	ID        string   `json:"id"`
	Slug      string   `json:"slug"`
	Priority  int      `json:"priority"`
	Rank      int      `json:"execution_rank"`
	BatchID   string   `json:"batch_id"`
	DependsOn []string `json:"depends_on"`
}

// Handle implements Handler.
func (h *SpawnChildrenHandler) Handle(ctx context.Context, ev workorder.Event) error {
	var payload struct {
		Children []childSpec `json:"children"`
	}
	if err := ev.DecodePayload(&payload); err != nil {
		return &workorder.ValidationError{TaskID: ev.TaskID, Reason: err.Error()}
	}
	if len(payload.Children) == 0 {
		return &workorder.ValidationError{TaskID: ev.TaskID, Reason: "spawn_children payload has no children"}
	}

	parent, err := h.Store.GetTask(ctx, ev.TaskID)
	if err != nil {
		return asValidationIfNotFound(err)
	}

	for _, c := range payload.Children {
		if c.ID == "" || c.Slug == "" {
			return &workorder.ValidationError{TaskID: ev.TaskID, Reason: "child spec missing id or slug"}
		}
		batchID := c.BatchID
		if batchID == "" {
			batchID = parent.BatchID
		}
		if err := h.Store.CreateTask(ctx, workorder.Task{
			ID:            c.ID,
			Slug:          c.Slug,
			Priority:      c.Priority,
			ExecutionRank: c.Rank,
			BatchID:       batchID,
			DependsOn:     c.DependsOn,
			Status:        workorder.TaskDraft,
		}); err != nil {
			return fmt.Errorf("spawn child %s: %w", c.ID, err)
		}
		if _, err := h.Store.TransitionTask(ctx, c.ID, "submit", "", ev.Actor, ev.Depth); err != nil {
			return fmt.Errorf("submit child %s: %w", c.ID, err)
		}
	}
	return nil
}

// UnblockDependentsHandler issues one unblock transition per dependent
// named in the payload. Dependents that are not currently blocked are
// skipped: they are already runnable and the transition refusal is not a
// failure of this event.
type UnblockDependentsHandler struct {
	Store TaskStore
	Log   *slog.Logger
}

// Handle implements Handler.
func (h *UnblockDependentsHandler) Handle(ctx context.Context, ev workorder.Event) error {
	var payload struct {
		Dependents []string `json:"dependents"`
	}
	if err := ev.DecodePayload(&payload); err != nil {
		return &workorder.ValidationError{TaskID: ev.TaskID, Reason: err.Error()}
	}
	if len(payload.Dependents) == 0 {
		return &workorder.ValidationError{TaskID: ev.TaskID, Reason: "unblock_dependents payload has no dependents"}
	}

	for _, dep := range payload.Dependents {
		_, err := h.Store.TransitionTask(ctx, dep, "unblock", "", ev.Actor, ev.Depth)
		if err == nil {
			continue
		}
		var ve *workorder.ValidationError
		if errors.As(err, &ve) {
			if h.Log != nil {
				h.Log.Debug("dependent not blocked", "task", dep, "reason", ve.Reason)
			}
			continue
		}
		return fmt.Errorf("unblock %s: %w", dep, err)
	}
	return nil
}

// NotifyParentHandler records a child's status change against its parent
// via an audit-only transition.
type NotifyParentHandler struct {
	Store TaskStore
}

// Handle implements Handler.
func (h *NotifyParentHandler) Handle(ctx context.Context, ev workorder.Event) error {
	var payload struct {
		ParentID string `json:"parent_id"`
		ChildID  string `json:"child_id"`
	}
	if err := ev.DecodePayload(&payload); err != nil {
		return &workorder.ValidationError{TaskID: ev.TaskID, Reason: err.Error()}
	}
	if payload.ParentID == "" {
		return &workorder.ValidationError{TaskID: ev.TaskID, Reason: "notify_parent payload has no parent_id"}
	}

	detail := fmt.Sprintf(`{"child_id":%q,"prev_status":%q,"next_status":%q}`,
		payload.ChildID, ev.PrevStatus, ev.NextStatus)
	if _, err := h.Store.TransitionTask(ctx, payload.ParentID, "child_update", detail, ev.Actor, ev.Depth); err != nil {
		return asValidationIfNotFound(err)
	}
	return nil
}

// asValidationIfNotFound converts a missing-task error into a permanent
// validation failure; other errors pass through for the retry policy.
func asValidationIfNotFound(err error) error {
	var nf *workorder.TaskNotFoundError
	if errors.As(err, &nf) {
		return &workorder.ValidationError{TaskID: nf.TaskID, Reason: err.Error()}
	}
	return err
}
