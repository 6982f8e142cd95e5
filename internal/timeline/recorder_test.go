package timeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"meridian/api/internal/store"
)

type memEventStore struct {
	mu     sync.Mutex
	events []store.TimelineEvent
	nextID int64
	fail   bool
}

func (m *memEventStore) InsertTimelineEvent(_ context.Context, event store.TimelineEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("insert failed")
	}
	m.nextID++
	event.ID = m.nextID
	m.events = append(m.events, event)
	return event.ID, nil
}

func (m *memEventStore) QueryTimeline(_ context.Context, _ store.TimelineFilter) ([]store.TimelineEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.TimelineEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func TestBeginAndFinishLinkEvents(t *testing.T) {
	es := &memEventStore{}
	recorder := NewRecorder(es)
	ctx := context.Background()

	nodeID := "n1"
	begun := recorder.Begin(ctx, "u_alice", &nodeID, "node_update", nil)
	if begun == nil {
		t.Fatal("expected an event id")
	}
	recorder.Finish(ctx, begun, "u_alice", &nodeID, "node_update", store.StatusOK, map[string]any{"x": 1})

	events, err := recorder.Query(ctx, store.TimelineFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Status != store.StatusInitiated {
		t.Fatalf("first event must be INITIATED, got %q", events[0].Status)
	}
	if events[1].ParentID == nil || *events[1].ParentID != events[0].ID {
		t.Fatal("terminal event must reference its INITIATED parent")
	}
}

func TestWriteFailuresAreSwallowed(t *testing.T) {
	es := &memEventStore{fail: true}
	recorder := NewRecorder(es)
	ctx := context.Background()

	// Audit writes never fail the operation they describe.
	begun := recorder.Begin(ctx, "u_alice", nil, "node_update", nil)
	if begun != nil {
		t.Fatal("a failed Begin returns nil rather than an error")
	}
	recorder.Finish(ctx, begun, "u_alice", nil, "node_update", store.StatusFailed, nil)
	recorder.Record(ctx, "u_alice", nil, "sync_trigger", store.StatusOK, nil)
}
