// Package effects implements the effect-queue dispatcher: it claims a
// bounded batch of pending events from the store, routes each to a handler
// by type, and applies the retry/cascade policy on failure. Dispatcher
// invocations are idempotent and re-entrant; the store's atomic claim is the
// only mutual exclusion, so any number of process instances may call
// ProcessBatch concurrently.
package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"foreman/pkg/workorder"
)

// DefaultMaxEvents bounds one ProcessBatch invocation when the caller passes
// a non-positive limit.
const DefaultMaxEvents = 10

// Datastore is the slice of the store the dispatcher needs. Modeled as an
// injected dependency so tests can substitute a fake and so no shared
// mutable client is assumed.
type Datastore interface {
	ClaimPendingEvents(ctx context.Context, limit int) ([]workorder.Event, error)
	MarkEventDone(ctx context.Context, id string) error
	ReleaseEventForRetry(ctx context.Context, id string) error
	MarkEventFailed(ctx context.Context, id, reason string) error
}

// Summary reports the outcome of one ProcessBatch invocation. Events
// released for retry count as failed for the invocation that failed them.
type Summary struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Dispatcher claims and processes effect-queue batches.
type Dispatcher struct {
	store    Datastore
	registry *Registry
	log      *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger falls back to
// slog.Default().
func NewDispatcher(store Datastore, registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: store, registry: registry, log: log}
}

// ProcessBatch atomically claims up to maxEvents pending events and
// processes each one. The batch as a whole always completes: a failing
// event never blocks its siblings, and per-event errors are resolved via
// the retry policy, never propagated. The only returned error is an
// infrastructure fault while claiming.
func (d *Dispatcher) ProcessBatch(ctx context.Context, maxEvents int) (Summary, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	claimed, err := d.store.ClaimPendingEvents(ctx, maxEvents)
	if err != nil {
		return Summary{}, fmt.Errorf("claim batch: %w", err)
	}

	sum := Summary{Claimed: len(claimed)}
	for _, ev := range claimed {
		if d.processEvent(ctx, ev) {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}
	if sum.Claimed > 0 {
		d.log.Info("batch processed",
			"claimed", sum.Claimed, "succeeded", sum.Succeeded, "failed", sum.Failed)
	}
	return sum, nil
}

// processEvent handles one claimed event and persists its outcome.
// Reports whether the event succeeded.
func (d *Dispatcher) processEvent(ctx context.Context, ev workorder.Event) bool {
	// Cascade guard runs before any handler: a depth violation is a
	// permanent failure no matter what the handler would have done.
	if ev.Depth > workorder.MaxCascadeDepth {
		d.log.Warn("cascade ceiling",
			"type", ev.Type, "error", &workorder.CascadeDepthError{EventID: ev.ID, Depth: ev.Depth})
		d.markFailed(ctx, ev, ReasonCascadeDepth)
		return false
	}

	handler, known := d.registry.Resolve(ev.Type)
	if !known {
		d.log.Warn("unknown event type", "event", ev.ID, "type", ev.Type)
	}

	err := d.invoke(ctx, handler, ev)
	if err == nil {
		if markErr := d.store.MarkEventDone(ctx, ev.ID); markErr != nil {
			d.log.Error("mark done", "event", ev.ID, "error", markErr)
		}
		return true
	}

	d.resolveFailure(ctx, ev, err)
	return false
}

// invoke runs a handler, converting a panic into an ordinary error so one
// misbehaving handler cannot strand the rest of a claimed batch.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev workorder.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic", "event", ev.ID, "type", ev.Type, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}

// resolveFailure applies the error taxonomy: validation errors fail
// immediately, everything else goes through the retry/cascade decision.
func (d *Dispatcher) resolveFailure(ctx context.Context, ev workorder.Event, cause error) {
	if isValidation(cause) {
		d.markFailed(ctx, ev, cause.Error())
		return
	}

	switch Decide(ev.RetryCount, ev.Depth) {
	case Retry:
		d.log.Info("event retry scheduled",
			"event", ev.ID, "type", ev.Type, "attempt", ev.RetryCount+1, "error", cause)
		if err := d.store.ReleaseEventForRetry(ctx, ev.ID); err != nil {
			d.log.Error("release for retry", "event", ev.ID, "error", err)
		}
	case FailPermanent:
		d.markFailed(ctx, ev, cause.Error())
	}
}

func (d *Dispatcher) markFailed(ctx context.Context, ev workorder.Event, reason string) {
	d.log.Warn("event failed permanently",
		"event", ev.ID, "type", ev.Type, "reason", reason)
	if err := d.store.MarkEventFailed(ctx, ev.ID, reason); err != nil {
		d.log.Error("mark failed", "event", ev.ID, "error", err)
	}
}

// isValidation reports whether cause is a non-retryable validation error.
func isValidation(cause error) bool {
	var ve *workorder.ValidationError
	var ue *workorder.UnknownEventTypeError
	return errors.As(cause, &ve) || errors.As(cause, &ue)
}
