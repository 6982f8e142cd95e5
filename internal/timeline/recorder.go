// Package timeline is the append-only audit log written by every
// mutating operation. Writes are best-effort: a failed audit write is
// logged to the process log and never fails the operation it describes.
package timeline

import (
	"context"
	"log"

	"meridian/api/internal/store"
)

type eventStore interface {
	InsertTimelineEvent(context.Context, store.TimelineEvent) (int64, error)
	QueryTimeline(context.Context, store.TimelineFilter) ([]store.TimelineEvent, error)
}

type Recorder struct {
	store eventStore
}

func NewRecorder(eventStore eventStore) *Recorder {
	return &Recorder{store: eventStore}
}

// Begin writes the INITIATED event for a logical operation and returns
// its id for use as the terminal event's parent. A crash between Begin
// and Finish leaves the INITIATED row as evidence of the interruption.
func (r *Recorder) Begin(ctx context.Context, actorID string, nodeID *string, action string, extra map[string]any) *int64 {
	id, err := r.store.InsertTimelineEvent(ctx, store.TimelineEvent{
		ActorID: actorID,
		NodeID:  nodeID,
		Action:  action,
		Status:  store.StatusInitiated,
		Extra:   extra,
	})
	if err != nil {
		log.Printf("timeline: record INITIATED %s failed: %v", action, err)
		return nil
	}
	return &id
}

// Finish writes the terminal OK/FAILED event before the operation
// returns to its caller.
func (r *Recorder) Finish(ctx context.Context, parentID *int64, actorID string, nodeID *string, action, status string, extra map[string]any) {
	_, err := r.store.InsertTimelineEvent(ctx, store.TimelineEvent{
		ActorID:  actorID,
		NodeID:   nodeID,
		Action:   action,
		Status:   status,
		Extra:    extra,
		ParentID: parentID,
	})
	if err != nil {
		log.Printf("timeline: record %s %s failed: %v", status, action, err)
	}
}

// Record writes a standalone event, used for single-step operations
// that have no INITIATED/terminal pair.
func (r *Recorder) Record(ctx context.Context, actorID string, nodeID *string, action, status string, extra map[string]any) {
	r.Finish(ctx, nil, actorID, nodeID, action, status, extra)
}

func (r *Recorder) Query(ctx context.Context, filter store.TimelineFilter) ([]store.TimelineEvent, error) {
	return r.store.QueryTimeline(ctx, filter)
}
