package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"meridian/api/internal/config"
	"meridian/api/internal/nodelock"
	"meridian/api/internal/rbac"
	"meridian/api/internal/store"
)

type syncStore interface {
	ListRemoteSites(context.Context) ([]store.RemoteSite, error)
	GetRemoteSite(context.Context, string) (store.RemoteSite, error)
	GetRemoteLink(context.Context, string, string) (store.RemoteLink, error)
	ListRemoteLinks(context.Context, string) ([]store.RemoteLink, error)
	SetLinkState(context.Context, string, string, string, int64, string, int) error
	ApplyRemoteNode(context.Context, store.Node, []store.RoleAssignment, string, string) error
	GetNode(context.Context, string) (store.Node, error)
}

type auditLog interface {
	Begin(ctx context.Context, actorID string, nodeID *string, action string, extra map[string]any) *int64
	Finish(ctx context.Context, parentID *int64, actorID string, nodeID *string, action, status string, extra map[string]any)
}

type fetcher interface {
	Fetch(context.Context) (Payload, error)
}

// Summary reports what one reconciliation pass changed.
type Summary struct {
	Applied int
	Skipped int
	Failed  int
}

// maxBackoffShift bounds the exponential delay at base<<16 (about 36
// hours on the 2s default).
const maxBackoffShift = 16

type siteState struct {
	running  bool
	attempts int
}

// Engine runs on a TARGET site, one reconciliation at a time per remote
// source. Passes are fed through an explicit work queue: the interval
// ticker and manual triggers both enqueue site ids.
type Engine struct {
	cfg   config.Config
	store syncStore
	audit auditLog
	locks *nodelock.Manager
	queue chan string

	mu    sync.Mutex
	sites map[string]*siteState

	// newFetcher is swappable in tests.
	newFetcher func(site store.RemoteSite) fetcher
}

func NewEngine(cfg config.Config, syncStore syncStore, audit auditLog, locks *nodelock.Manager) *Engine {
	return &Engine{
		cfg:   cfg,
		store: syncStore,
		audit: audit,
		locks: locks,
		queue: make(chan string, 64),
		sites: make(map[string]*siteState),
		newFetcher: func(site store.RemoteSite) fetcher {
			return NewClient(site.URL, site.Secret)
		},
	}
}

// Enqueue schedules a reconciliation pass. Manual triggers reset the
// retry counter so a FAILED link can re-enter PENDING.
func (e *Engine) Enqueue(siteID string) {
	e.mu.Lock()
	if state, ok := e.sites[siteID]; ok {
		state.attempts = 0
	}
	e.mu.Unlock()
	select {
	case e.queue <- siteID:
	default:
		log.Printf("sync: queue full, dropping pass for site %s", siteID)
	}
}

// Run drives the engine until the context is cancelled. It only makes
// sense on a TARGET site.
func (e *Engine) Run(ctx context.Context) {
	if !e.cfg.IsTarget() {
		return
	}
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.enqueueAll(ctx)
		case siteID := <-e.queue:
			if e.markRunning(siteID) {
				go func(id string) {
					defer e.markDone(id)
					e.runPass(ctx, id)
				}(siteID)
			}
		}
	}
}

func (e *Engine) enqueueAll(ctx context.Context) {
	sites, err := e.store.ListRemoteSites(ctx)
	if err != nil {
		log.Printf("sync: list remote sites: %v", err)
		return
	}
	for _, site := range sites {
		if site.Mode != config.SiteModeSource {
			continue
		}
		e.mu.Lock()
		state := e.stateFor(site.ID)
		exhausted := state.attempts >= e.cfg.SyncRetryCeiling
		e.mu.Unlock()
		// Exhausted sites stay FAILED until a manual trigger resets them.
		if exhausted {
			continue
		}
		e.Enqueue(site.ID)
	}
}

func (e *Engine) stateFor(siteID string) *siteState {
	state, ok := e.sites[siteID]
	if !ok {
		state = &siteState{}
		e.sites[siteID] = state
	}
	return state
}

func (e *Engine) markRunning(siteID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateFor(siteID)
	if state.running {
		return false
	}
	state.running = true
	return true
}

func (e *Engine) markDone(siteID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sites[siteID].running = false
}

func (e *Engine) runPass(ctx context.Context, siteID string) {
	summary, err := e.Reconcile(ctx, siteID)
	if err == nil {
		e.mu.Lock()
		e.stateFor(siteID).attempts = 0
		e.mu.Unlock()
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}

	e.mu.Lock()
	state := e.stateFor(siteID)
	state.attempts++
	attempts := state.attempts
	e.mu.Unlock()

	log.Printf("sync: pass for site %s failed (attempt %d/%d, applied %d): %v",
		siteID, attempts, e.cfg.SyncRetryCeiling, summary.Applied, err)

	if attempts >= e.cfg.SyncRetryCeiling {
		e.failSiteLinks(ctx, siteID, err)
		return
	}
	// Exponential backoff before the next attempt re-enters the queue.
	time.AfterFunc(e.backoffDelay(attempts), func() {
		select {
		case e.queue <- siteID:
		default:
		}
	})
}

// backoffDelay doubles per attempt; the shift is capped so large
// configured ceilings cannot overflow the duration.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	shift := attempts - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return e.cfg.SyncBackoffBase << shift
}

// failSiteLinks surfaces exhausted retries on every non-synced link so
// operators can see the stall; nothing is silently dropped.
func (e *Engine) failSiteLinks(ctx context.Context, siteID string, cause error) {
	links, err := e.store.ListRemoteLinks(ctx, siteID)
	if err != nil {
		log.Printf("sync: list links for failed site %s: %v", siteID, err)
		return
	}
	message := cause.Error()
	if len(message) > 255 {
		message = message[:255]
	}
	for _, link := range links {
		if link.State == store.LinkSynced {
			continue
		}
		if err := e.store.SetLinkState(ctx, link.NodeID, siteID, store.LinkFailed, link.LastVersion, message, e.cfg.SyncRetryCeiling); err != nil {
			log.Printf("sync: mark link %s failed: %v", link.NodeID, err)
		}
	}
}

// Reconcile performs one pass against one source site: fetch the
// payload, then apply each node delta idempotently. Fetching is
// cancellable; each apply is atomic, so cancellation between applies
// loses no state.
func (e *Engine) Reconcile(ctx context.Context, siteID string) (Summary, error) {
	site, err := e.store.GetRemoteSite(ctx, siteID)
	if err != nil {
		return Summary{}, fmt.Errorf("load site: %w", err)
	}

	begun := e.audit.Begin(ctx, "site:"+site.Name, nil, "remote_sync", nil)

	payload, err := e.newFetcher(site).Fetch(ctx)
	if err != nil {
		e.audit.Finish(ctx, begun, "site:"+site.Name, nil, "remote_sync", store.StatusFailed, map[string]any{
			"error": "REMOTE_UNAVAILABLE",
		})
		return Summary{}, err
	}

	var summary Summary
	var firstErr error
	for _, delta := range payload.Nodes {
		if err := ctx.Err(); err != nil {
			// The terminal event must still pair with INITIATED even
			// though the pass context is gone.
			e.audit.Finish(context.WithoutCancel(ctx), begun, "site:"+site.Name, nil, "remote_sync", store.StatusFailed, map[string]any{
				"applied": summary.Applied,
				"skipped": summary.Skipped,
				"failed":  summary.Failed,
				"error":   "cancelled",
			})
			return summary, err
		}
		applied, err := e.applyDelta(ctx, site, delta)
		if err != nil {
			summary.Failed++
			if firstErr == nil {
				firstErr = err
			}
			message := err.Error()
			if len(message) > 255 {
				message = message[:255]
			}
			// Keep the last-applied version so operators can still see
			// which version was last good.
			lastVersion := int64(0)
			if link, lerr := e.store.GetRemoteLink(ctx, delta.ID, site.ID); lerr == nil {
				lastVersion = link.LastVersion
			}
			_ = e.store.SetLinkState(ctx, delta.ID, site.ID, store.LinkFailed, lastVersion, message, 0)
			continue
		}
		if applied {
			summary.Applied++
		} else {
			summary.Skipped++
		}
	}

	status := store.StatusOK
	extra := map[string]any{
		"applied": summary.Applied,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
	}
	if firstErr != nil {
		status = store.StatusFailed
		extra["error"] = firstErr.Error()
	}
	e.audit.Finish(ctx, begun, "site:"+site.Name, nil, "remote_sync", status, extra)

	if firstErr != nil {
		return summary, firstErr
	}
	return summary, nil
}

// applyDelta validates and applies one node snapshot. Reapplying the
// version already recorded on the link is a no-op.
func (e *Engine) applyDelta(ctx context.Context, site store.RemoteSite, delta NodePayload) (bool, error) {
	if delta.ID == "" || delta.Title == "" {
		return false, fmt.Errorf("malformed delta: id and title are required")
	}
	if delta.Kind != string(rbac.KindCategory) && delta.Kind != string(rbac.KindProject) {
		return false, fmt.Errorf("malformed delta %s: unknown kind %q", delta.ID, delta.Kind)
	}

	unlock := e.locks.Lock(delta.ID)
	defer unlock()

	link, err := e.store.GetRemoteLink(ctx, delta.ID, site.ID)
	if err == nil && link.State == store.LinkSynced && link.LastVersion == delta.Version {
		return false, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("load link %s: %w", delta.ID, err)
	}

	// Validate the full delta before committing anything: the parent
	// must already exist locally (payloads order parents first).
	if delta.ParentID != nil {
		parent, err := e.store.GetNode(ctx, *delta.ParentID)
		if err != nil {
			return false, fmt.Errorf("delta %s: parent %s not present locally", delta.ID, *delta.ParentID)
		}
		if parent.Kind != string(rbac.KindCategory) {
			return false, fmt.Errorf("delta %s: parent %s is not a category", delta.ID, *delta.ParentID)
		}
	}
	if delta.Level == store.LevelReadRoles {
		owners := 0
		for _, role := range delta.Roles {
			if !rbac.Valid(rbac.Role(role.Role)) {
				return false, fmt.Errorf("delta %s: unknown role %q", delta.ID, role.Role)
			}
			if role.Role == string(rbac.RoleOwner) {
				owners++
			}
		}
		if owners != 1 {
			return false, fmt.Errorf("delta %s: expected exactly one owner, got %d", delta.ID, owners)
		}
	}

	roles := make([]store.RoleAssignment, 0, len(delta.Roles))
	for _, role := range delta.Roles {
		roles = append(roles, store.RoleAssignment{
			NodeID:    delta.ID,
			SubjectID: role.SubjectID,
			Role:      role.Role,
			GrantedBy: role.GrantedBy,
		})
	}
	node := store.Node{
		ID:                delta.ID,
		Kind:              delta.Kind,
		Title:             delta.Title,
		Description:       delta.Description,
		ParentID:          delta.ParentID,
		PublicGuestAccess: delta.PublicGuestAccess,
		IsRemote:          true,
		Version:           delta.Version,
	}
	if err := e.store.ApplyRemoteNode(ctx, node, roles, site.ID, delta.Level); err != nil {
		return false, err
	}
	return true, nil
}
