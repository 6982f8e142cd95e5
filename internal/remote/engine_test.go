package remote

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"meridian/api/internal/config"
	"meridian/api/internal/nodelock"
	"meridian/api/internal/store"
)

type memSyncStore struct {
	mu    sync.Mutex
	sites map[string]store.RemoteSite
	nodes map[string]store.Node
	roles map[string][]store.RoleAssignment
	links map[string]store.RemoteLink
}

func newMemSyncStore() *memSyncStore {
	return &memSyncStore{
		sites: make(map[string]store.RemoteSite),
		nodes: make(map[string]store.Node),
		roles: make(map[string][]store.RoleAssignment),
		links: make(map[string]store.RemoteLink),
	}
}

func key(nodeID, siteID string) string { return nodeID + "|" + siteID }

func (m *memSyncStore) ListRemoteSites(context.Context) ([]store.RemoteSite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.RemoteSite, 0, len(m.sites))
	for _, site := range m.sites {
		out = append(out, site)
	}
	return out, nil
}

func (m *memSyncStore) GetRemoteSite(_ context.Context, siteID string) (store.RemoteSite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[siteID]
	if !ok {
		return store.RemoteSite{}, sql.ErrNoRows
	}
	return site, nil
}

func (m *memSyncStore) GetRemoteLink(_ context.Context, nodeID, siteID string) (store.RemoteLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[key(nodeID, siteID)]
	if !ok {
		return store.RemoteLink{}, sql.ErrNoRows
	}
	return link, nil
}

func (m *memSyncStore) ListRemoteLinks(_ context.Context, siteID string) ([]store.RemoteLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.RemoteLink, 0)
	for _, link := range m.links {
		if link.SiteID == siteID {
			out = append(out, link)
		}
	}
	return out, nil
}

func (m *memSyncStore) SetLinkState(_ context.Context, nodeID, siteID, state string, lastVersion int64, lastError string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link := m.links[key(nodeID, siteID)]
	link.NodeID = nodeID
	link.SiteID = siteID
	link.State = state
	link.LastVersion = lastVersion
	link.LastError = lastError
	link.Attempts = attempts
	m.links[key(nodeID, siteID)] = link
	return nil
}

func (m *memSyncStore) ApplyRemoteNode(_ context.Context, node store.Node, roles []store.RoleAssignment, siteID, level string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
	if level == store.LevelReadRoles {
		m.roles[node.ID] = roles
	}
	link := m.links[key(node.ID, siteID)]
	link.NodeID = node.ID
	link.SiteID = siteID
	link.Level = level
	link.State = store.LinkSynced
	link.LastVersion = node.Version
	link.LastError = ""
	link.Attempts = 0
	m.links[key(node.ID, siteID)] = link
	return nil
}

func (m *memSyncStore) GetNode(_ context.Context, nodeID string) (store.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return store.Node{}, sql.ErrNoRows
	}
	return node, nil
}

type recordedEvent struct {
	actorID string
	action  string
	status  string
	extra   map[string]any
}

type fakeAudit struct {
	mu     sync.Mutex
	events []recordedEvent
	nextID int64
}

func (f *fakeAudit) Begin(_ context.Context, actorID string, _ *string, action string, extra map[string]any) *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.events = append(f.events, recordedEvent{actorID: actorID, action: action, status: store.StatusInitiated, extra: extra})
	return &id
}

func (f *fakeAudit) Finish(_ context.Context, _ *int64, actorID string, _ *string, action, status string, extra map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{actorID: actorID, action: action, status: status, extra: extra})
}

func (f *fakeAudit) last() recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

type fakeFetcher struct {
	payload Payload
	err     error
}

func (f *fakeFetcher) Fetch(context.Context) (Payload, error) {
	if f.err != nil {
		return Payload{}, f.err
	}
	return f.payload, nil
}

func targetConfig() config.Config {
	return config.Config{
		SiteMode:         config.SiteModeTarget,
		SiteName:         "mirror-a",
		SyncInterval:     time.Minute,
		SyncRetryCeiling: 3,
		SyncBackoffBase:  time.Millisecond,
	}
}

func newTestEngine(t *testing.T, fetch *fakeFetcher) (*Engine, *memSyncStore, *fakeAudit) {
	t.Helper()
	ms := newMemSyncStore()
	ms.sites["site_src"] = store.RemoteSite{ID: "site_src", Name: "upstream", URL: "https://src", Secret: "rs_abc", Mode: config.SiteModeSource}
	audit := &fakeAudit{}
	engine := NewEngine(targetConfig(), ms, audit, nodelock.NewManager())
	engine.newFetcher = func(store.RemoteSite) fetcher { return fetch }
	return engine, ms, audit
}

func strPtr(s string) *string { return &s }

func sourcePayload(projectVersion int64) Payload {
	return Payload{
		SiteName:    "source",
		GeneratedAt: time.Now(),
		Nodes: []NodePayload{
			{
				ID:      "cat_1",
				Kind:    "CATEGORY",
				Title:   "Research",
				Version: 1,
				Level:   store.LevelViewAvail,
			},
			{
				ID:       "proj_1",
				Kind:     "PROJECT",
				Title:    "Genome",
				ParentID: strPtr("cat_1"),
				Version:  projectVersion,
				Level:    store.LevelReadRoles,
				Roles: []RolePayload{
					{SubjectID: "u_alice", Role: "owner", GrantedBy: "u_root"},
					{SubjectID: "u_bob", Role: "contributor", GrantedBy: "u_alice"},
				},
			},
		},
	}
}

func TestReconcileAppliesOrderedPayload(t *testing.T) {
	engine, ms, audit := newTestEngine(t, &fakeFetcher{payload: sourcePayload(5)})

	summary, err := engine.Reconcile(context.Background(), "site_src")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Applied != 2 || summary.Skipped != 0 || summary.Failed != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	project, err := ms.GetNode(context.Background(), "proj_1")
	if err != nil {
		t.Fatalf("project missing: %v", err)
	}
	if !project.IsRemote || project.Version != 5 {
		t.Fatalf("unexpected mirrored project %+v", project)
	}
	if len(ms.roles["proj_1"]) != 2 {
		t.Fatalf("expected mirrored roles, got %d", len(ms.roles["proj_1"]))
	}
	if len(ms.roles["cat_1"]) != 0 {
		t.Fatal("VIEW_AVAIL categories carry no roles")
	}

	link, _ := ms.GetRemoteLink(context.Background(), "proj_1", "site_src")
	if link.State != store.LinkSynced || link.LastVersion != 5 {
		t.Fatalf("unexpected link %+v", link)
	}

	event := audit.last()
	if event.action != "remote_sync" || event.status != store.StatusOK {
		t.Fatalf("unexpected terminal event %+v", event)
	}
	if event.actorID != "site:upstream" {
		t.Fatalf("sync events are attributed to the site, got %q", event.actorID)
	}
}

func TestReconcileSkipsAlreadyAppliedVersions(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakeFetcher{payload: sourcePayload(5)})
	ctx := context.Background()

	if _, err := engine.Reconcile(ctx, "site_src"); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	summary, err := engine.Reconcile(ctx, "site_src")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if summary.Applied != 0 || summary.Skipped != 2 {
		t.Fatalf("expected a pure no-op pass, got %+v", summary)
	}
}

func TestReconcileReappliesNewVersions(t *testing.T) {
	fetch := &fakeFetcher{payload: sourcePayload(5)}
	engine, ms, _ := newTestEngine(t, fetch)
	ctx := context.Background()

	if _, err := engine.Reconcile(ctx, "site_src"); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// The source mutated the project while the link was out of date.
	fetch.payload = sourcePayload(6)
	fetch.payload.Nodes[1].Title = "Genome v2"

	summary, err := engine.Reconcile(ctx, "site_src")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if summary.Applied != 1 || summary.Skipped != 1 {
		t.Fatalf("expected only the project to reapply, got %+v", summary)
	}
	project, _ := ms.GetNode(ctx, "proj_1")
	if project.Title != "Genome v2" || project.Version != 6 {
		t.Fatalf("unexpected project after reapply %+v", project)
	}
}

func TestReconcileRejectsMissingParent(t *testing.T) {
	payload := Payload{Nodes: []NodePayload{{
		ID:       "proj_orphan",
		Kind:     "PROJECT",
		Title:    "Orphan",
		ParentID: strPtr("cat_missing"),
		Version:  1,
		Level:    store.LevelReadInfo,
	}}}
	engine, ms, audit := newTestEngine(t, &fakeFetcher{payload: payload})

	summary, err := engine.Reconcile(context.Background(), "site_src")
	if err == nil {
		t.Fatal("expected the orphan delta to fail the pass")
	}
	if summary.Failed != 1 {
		t.Fatalf("expected one failed delta, got %+v", summary)
	}
	if _, err := ms.GetNode(context.Background(), "proj_orphan"); err == nil {
		t.Fatal("a failed delta must not create the node")
	}
	link, _ := ms.GetRemoteLink(context.Background(), "proj_orphan", "site_src")
	if link.State != store.LinkFailed || link.LastError == "" {
		t.Fatalf("expected the link to carry the failure, got %+v", link)
	}
	if audit.last().status != store.StatusFailed {
		t.Fatal("expected a FAILED terminal event")
	}
}

func TestFailedDeltaKeepsLastAppliedVersion(t *testing.T) {
	payload := Payload{Nodes: []NodePayload{{
		ID:       "proj_1",
		Kind:     "PROJECT",
		Title:    "Genome",
		ParentID: strPtr("cat_missing"),
		Version:  6,
		Level:    store.LevelReadInfo,
	}}}
	engine, ms, _ := newTestEngine(t, &fakeFetcher{payload: payload})
	ctx := context.Background()

	// Version 5 applied cleanly on an earlier pass.
	if err := ms.SetLinkState(ctx, "proj_1", "site_src", store.LinkSynced, 5, "", 0); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	if _, err := engine.Reconcile(ctx, "site_src"); err == nil {
		t.Fatal("expected the version 6 delta to fail")
	}
	link, _ := ms.GetRemoteLink(ctx, "proj_1", "site_src")
	if link.State != store.LinkFailed {
		t.Fatalf("expected FAILED, got %q", link.State)
	}
	if link.LastVersion != 5 {
		t.Fatalf("the last good version must survive the failure, got %d", link.LastVersion)
	}
}

func TestCancelledPassWritesTerminalEvent(t *testing.T) {
	engine, _, audit := newTestEngine(t, &fakeFetcher{payload: sourcePayload(5)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Reconcile(ctx, "site_src"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	event := audit.last()
	if event.action != "remote_sync" || event.status != store.StatusFailed {
		t.Fatalf("expected a FAILED terminal event, got %+v", event)
	}
	if event.extra["error"] != "cancelled" {
		t.Fatalf("expected the cancellation recorded, got %+v", event.extra)
	}
	initiated, terminal := 0, 0
	for _, recorded := range audit.events {
		switch recorded.status {
		case store.StatusInitiated:
			initiated++
		default:
			terminal++
		}
	}
	if initiated != terminal {
		t.Fatalf("every INITIATED event needs a terminal sibling: %d vs %d", initiated, terminal)
	}
}

func TestBackoffDelayIsCapped(t *testing.T) {
	cfg := targetConfig()
	cfg.SyncBackoffBase = 2 * time.Second
	engine := NewEngine(cfg, newMemSyncStore(), &fakeAudit{}, nodelock.NewManager())

	if got := engine.backoffDelay(1); got != 2*time.Second {
		t.Fatalf("first retry waits one base, got %v", got)
	}
	if got := engine.backoffDelay(4); got != 16*time.Second {
		t.Fatalf("expected 16s after four attempts, got %v", got)
	}
	ceiling := engine.backoffDelay(maxBackoffShift + 1)
	for _, attempts := range []int{maxBackoffShift + 2, 64, 1 << 20} {
		if got := engine.backoffDelay(attempts); got != ceiling {
			t.Fatalf("delay for %d attempts must stay at the cap, got %v", attempts, got)
		}
	}
	if ceiling <= 0 {
		t.Fatalf("capped delay must stay positive, got %v", ceiling)
	}
}

func TestReconcileRejectsRoleSetWithoutOwner(t *testing.T) {
	payload := sourcePayload(5)
	payload.Nodes[1].Roles = []RolePayload{{SubjectID: "u_bob", Role: "contributor", GrantedBy: "u_alice"}}
	engine, _, _ := newTestEngine(t, &fakeFetcher{payload: payload})

	summary, err := engine.Reconcile(context.Background(), "site_src")
	if err == nil {
		t.Fatal("expected an ownerless READ_ROLES delta to fail")
	}
	if summary.Applied != 1 || summary.Failed != 1 {
		t.Fatalf("the category still applies, got %+v", summary)
	}
}

func TestReconcileFetchFailure(t *testing.T) {
	engine, _, audit := newTestEngine(t, &fakeFetcher{err: errors.New("connection refused")})

	if _, err := engine.Reconcile(context.Background(), "site_src"); err == nil {
		t.Fatal("expected the fetch error to propagate")
	}
	event := audit.last()
	if event.status != store.StatusFailed {
		t.Fatalf("expected a FAILED event, got %+v", event)
	}
	if event.extra["error"] != "REMOTE_UNAVAILABLE" {
		t.Fatalf("expected REMOTE_UNAVAILABLE, got %+v", event.extra)
	}
}

func TestRunPassMarksLinksFailedAtRetryCeiling(t *testing.T) {
	engine, ms, _ := newTestEngine(t, &fakeFetcher{err: errors.New("connection refused")})
	ctx := context.Background()

	// A PENDING link waiting on the stalled source.
	if err := ms.SetLinkState(ctx, "proj_1", "site_src", store.LinkPending, 4, "", 0); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	for i := 0; i < engine.cfg.SyncRetryCeiling; i++ {
		engine.runPass(ctx, "site_src")
	}

	link, _ := ms.GetRemoteLink(ctx, "proj_1", "site_src")
	if link.State != store.LinkFailed {
		t.Fatalf("expected FAILED after the retry ceiling, got %q", link.State)
	}
	if link.LastError == "" {
		t.Fatal("the failure reason must be recorded")
	}
	if link.LastVersion != 4 {
		t.Fatalf("the last applied version survives, got %d", link.LastVersion)
	}
}

func TestEnqueueResetsRetryCounter(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakeFetcher{err: errors.New("connection refused")})

	engine.mu.Lock()
	engine.stateFor("site_src").attempts = engine.cfg.SyncRetryCeiling
	engine.mu.Unlock()

	engine.Enqueue("site_src")

	engine.mu.Lock()
	attempts := engine.stateFor("site_src").attempts
	engine.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("manual triggers reset the counter, got %d", attempts)
	}

	select {
	case siteID := <-engine.queue:
		if siteID != "site_src" {
			t.Fatalf("unexpected site %q", siteID)
		}
	default:
		t.Fatal("expected the pass to be queued")
	}
}
