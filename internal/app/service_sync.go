package app

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"meridian/api/internal/config"
	"meridian/api/internal/rbac"
	"meridian/api/internal/remote"
	"meridian/api/internal/store"
	"meridian/api/internal/util"
)

type CreateRemoteSiteInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Mode string `json:"mode"`
	// Secret is only accepted on a TARGET deployment, where the operator
	// pastes the value the source handed out at registration.
	Secret string `json:"secret"`
}

// RemoteSiteView is a site row with credentials stripped for API output.
type RemoteSiteView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"createdAt"`
}

func siteView(site store.RemoteSite) RemoteSiteView {
	return RemoteSiteView{ID: site.ID, Name: site.Name, URL: site.URL, Mode: site.Mode, CreatedAt: site.CreatedAt}
}

// CreateRemoteSite registers a federation peer. On a SOURCE deployment
// the peer is a target mirror: a fresh secret is generated, only its
// bcrypt hash is stored, and the cleartext is returned exactly once.
// On a TARGET deployment the peer is the upstream source and the
// operator-provided secret is kept for outbound pulls.
func (s *Service) CreateRemoteSite(ctx context.Context, actor Actor, input CreateRemoteSiteInput) (RemoteSiteView, string, error) {
	if !actor.Superuser {
		return RemoteSiteView{}, "", permissionDenied(string(rbac.CapManageRemote), "")
	}
	if input.Name == "" || input.URL == "" {
		return RemoteSiteView{}, "", validationError("name and url are required")
	}
	mode := strings.ToLower(input.Mode)

	begun := s.audit.Begin(ctx, actor.ID, nil, "remote_site_create", map[string]any{
		"name": input.Name,
		"mode": mode,
	})
	fail := func(err error) (RemoteSiteView, string, error) {
		s.audit.Finish(ctx, begun, actor.ID, nil, "remote_site_create", store.StatusFailed, map[string]any{
			"name":  input.Name,
			"error": errorCode(err),
		})
		return RemoteSiteView{}, "", err
	}

	site := store.RemoteSite{
		ID:   util.NewUUID(),
		Name: input.Name,
		URL:  strings.TrimRight(input.URL, "/"),
		Mode: mode,
	}
	secret := ""
	switch {
	case s.cfg.IsSource():
		if mode != config.SiteModeTarget {
			return fail(validationError("a source deployment only registers target sites"))
		}
		secret = util.NewID("rs")
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return fail(err)
		}
		site.SecretHash = string(hash)
	case s.cfg.IsTarget():
		if mode != config.SiteModeSource {
			return fail(validationError("a target deployment only registers its source site"))
		}
		if input.Secret == "" {
			return fail(validationError("secret is required when registering a source site"))
		}
		existing, err := s.store.ListRemoteSites(ctx)
		if err != nil {
			return fail(err)
		}
		for _, item := range existing {
			if item.Mode == config.SiteModeSource {
				return fail(validationError("a source site is already registered"))
			}
		}
		site.Secret = input.Secret
	default:
		return fail(validationError("site mode is not configured"))
	}

	if err := s.store.InsertRemoteSite(ctx, site); err != nil {
		return fail(err)
	}
	s.audit.Finish(ctx, begun, actor.ID, nil, "remote_site_create", store.StatusOK, map[string]any{
		"name": site.Name,
		"site": site.ID,
	})
	return siteView(site), secret, nil
}

func (s *Service) ListRemoteSites(ctx context.Context, actor Actor) ([]RemoteSiteView, error) {
	if !actor.Superuser {
		return nil, permissionDenied(string(rbac.CapManageRemote), "")
	}
	sites, err := s.store.ListRemoteSites(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]RemoteSiteView, 0, len(sites))
	for _, site := range sites {
		views = append(views, siteView(site))
	}
	return views, nil
}

type UpdateRemoteSiteInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// UpdateRemoteSite renames or repoints a registered peer. Mode and
// credentials are fixed at registration; a wrong mode means deleting
// and re-registering the site.
func (s *Service) UpdateRemoteSite(ctx context.Context, actor Actor, siteID string, input UpdateRemoteSiteInput) (RemoteSiteView, error) {
	if !actor.Superuser {
		return RemoteSiteView{}, permissionDenied(string(rbac.CapManageRemote), "")
	}
	if input.Name == "" || input.URL == "" {
		return RemoteSiteView{}, validationError("name and url are required")
	}
	site, err := s.store.GetRemoteSite(ctx, siteID)
	if err != nil {
		return RemoteSiteView{}, notFoundError("remote site not found")
	}

	begun := s.audit.Begin(ctx, actor.ID, nil, "remote_site_update", map[string]any{
		"site": site.ID,
		"name": input.Name,
	})
	site.Name = input.Name
	site.URL = strings.TrimRight(input.URL, "/")
	if err := s.store.UpdateRemoteSite(ctx, site.ID, site.Name, site.URL); err != nil {
		s.audit.Finish(ctx, begun, actor.ID, nil, "remote_site_update", store.StatusFailed, map[string]any{
			"site":  site.ID,
			"error": errorCode(err),
		})
		return RemoteSiteView{}, err
	}
	s.audit.Finish(ctx, begun, actor.ID, nil, "remote_site_update", store.StatusOK, map[string]any{
		"site": site.ID,
		"name": site.Name,
	})
	return siteView(site), nil
}

// DeleteRemoteSite removes a peer and every link registered against
// it. Mirrored nodes on a target stay behind as orphaned read-only
// copies; deleting them is a separate decision.
func (s *Service) DeleteRemoteSite(ctx context.Context, actor Actor, siteID string) error {
	if !actor.Superuser {
		return permissionDenied(string(rbac.CapManageRemote), "")
	}
	site, err := s.store.GetRemoteSite(ctx, siteID)
	if err != nil {
		return notFoundError("remote site not found")
	}

	begun := s.audit.Begin(ctx, actor.ID, nil, "remote_site_delete", map[string]any{
		"site": site.ID,
		"name": site.Name,
	})
	if err := s.store.DeleteRemoteSite(ctx, site.ID); err != nil {
		s.audit.Finish(ctx, begun, actor.ID, nil, "remote_site_delete", store.StatusFailed, map[string]any{
			"site":  site.ID,
			"error": errorCode(err),
		})
		return err
	}
	s.audit.Finish(ctx, begun, actor.ID, nil, "remote_site_delete", store.StatusOK, map[string]any{
		"site": site.ID,
		"name": site.Name,
	})
	return nil
}

type SetRemoteLinkInput struct {
	SiteID string `json:"siteId"`
	Level  string `json:"level"`
}

func validLevel(level string) bool {
	switch level {
	case store.LevelNone, store.LevelViewAvail, store.LevelReadInfo, store.LevelReadRoles:
		return true
	}
	return false
}

// SetRemoteLink declares how much of a project a given target site may
// see. Only the source decides levels; targets learn theirs from the
// payloads they pull.
func (s *Service) SetRemoteLink(ctx context.Context, actor Actor, nodeID string, input SetRemoteLinkInput) (store.RemoteLink, error) {
	if !s.cfg.IsSource() {
		return store.RemoteLink{}, validationError("remote access levels are managed on the source site")
	}
	if !validLevel(input.Level) {
		return store.RemoteLink{}, validationError("unknown access level")
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return store.RemoteLink{}, notFoundError("node not found")
	}
	site, err := s.store.GetRemoteSite(ctx, input.SiteID)
	if err != nil {
		return store.RemoteLink{}, notFoundError("remote site not found")
	}

	unlock := s.locks.Lock(nodeID)
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nodeRef(nodeID), "update_remote", map[string]any{
		"site":  site.Name,
		"level": input.Level,
	})
	fail := func(err error) (store.RemoteLink, error) {
		s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "update_remote", store.StatusFailed, map[string]any{
			"site":  site.Name,
			"error": errorCode(err),
		})
		return store.RemoteLink{}, err
	}

	if node.Kind != string(rbac.KindProject) {
		return fail(kindMismatchError("access levels apply to projects"))
	}
	if node.IsRemote {
		return fail(syncConflictError(nodeID))
	}
	if !actor.Superuser {
		if err := s.requireCapability(ctx, actor, node, rbac.CapManageRemote); err != nil {
			return fail(err)
		}
	}

	link := store.RemoteLink{
		NodeID: nodeID,
		SiteID: site.ID,
		Level:  input.Level,
		State:  store.LinkPending,
	}
	if err := s.store.UpsertRemoteLink(ctx, link); err != nil {
		return fail(err)
	}
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "update_remote", store.StatusOK, map[string]any{
		"site":  site.Name,
		"level": input.Level,
	})
	return link, nil
}

type BatchRemoteLinkInput struct {
	Level   string   `json:"level"`
	NodeIDs []string `json:"nodeIds"`
}

// SetRemoteLinks applies one access level to several projects in a
// single call. Each node is validated, locked, and timeline-logged on
// its own; the batch stops at the first rejection, links already set
// stand.
func (s *Service) SetRemoteLinks(ctx context.Context, actor Actor, siteID string, input BatchRemoteLinkInput) ([]store.RemoteLink, error) {
	if len(input.NodeIDs) == 0 {
		return nil, validationError("at least one node id is required")
	}
	links := make([]store.RemoteLink, 0, len(input.NodeIDs))
	for _, nodeID := range input.NodeIDs {
		link, err := s.SetRemoteLink(ctx, actor, nodeID, SetRemoteLinkInput{SiteID: siteID, Level: input.Level})
		if err != nil {
			return links, err
		}
		links = append(links, link)
	}
	return links, nil
}

// SiteLinks lists the per-node access levels and sync states for one
// peer site.
func (s *Service) SiteLinks(ctx context.Context, actor Actor, siteID string) ([]store.RemoteLink, error) {
	if !actor.Superuser {
		return nil, permissionDenied(string(rbac.CapManageRemote), "")
	}
	if _, err := s.store.GetRemoteSite(ctx, siteID); err != nil {
		return nil, notFoundError("remote site not found")
	}
	return s.store.ListRemoteLinks(ctx, siteID)
}

// TriggerSync enqueues an immediate reconciliation pass against the
// named source site, ahead of the periodic schedule.
func (s *Service) TriggerSync(ctx context.Context, actor Actor, siteID string) error {
	if !actor.Superuser {
		return permissionDenied(string(rbac.CapManageRemote), "")
	}
	if !s.cfg.IsTarget() {
		return validationError("sync runs on target deployments")
	}
	site, err := s.store.GetRemoteSite(ctx, siteID)
	if err != nil {
		return notFoundError("remote site not found")
	}
	if site.Mode != config.SiteModeSource {
		return validationError("sync pulls from source sites")
	}
	if s.triggerSync == nil {
		return validationError("sync engine is not running")
	}
	s.triggerSync(site.ID)
	s.audit.Record(ctx, actor.ID, nil, "sync_trigger", store.StatusOK, map[string]any{
		"site": site.Name,
	})
	return nil
}

// SourcePayload authenticates an inbound pull by secret and builds the
// snapshot for that target: every project linked above NONE plus the
// ancestor categories needed to place them, parents before children.
// Serving the payload marks the served links SYNCED at their current
// versions; the target applying them is what the state tracks.
func (s *Service) SourcePayload(ctx context.Context, secret string) (remote.Payload, error) {
	if !s.cfg.IsSource() {
		return remote.Payload{}, notFoundError("not found")
	}
	site, err := s.siteBySecret(ctx, secret)
	if err != nil {
		return remote.Payload{}, err
	}

	links, err := s.store.ListRemoteLinks(ctx, site.ID)
	if err != nil {
		return remote.Payload{}, err
	}

	type entry struct {
		node  store.Node
		level string
		depth int
	}
	entries := map[string]entry{}
	addChain := func(nodeID, level string) error {
		node, err := s.store.GetNode(ctx, nodeID)
		if err != nil {
			return err
		}
		ancestors, err := s.store.ListAncestors(ctx, nodeID)
		if err != nil {
			return err
		}
		// Ancestor categories ride along read-only so the target can
		// place the project; they never exceed VIEW_AVAIL.
		for i, ancestor := range ancestors {
			if existing, ok := entries[ancestor.ID]; !ok || existing.level == store.LevelViewAvail {
				entries[ancestor.ID] = entry{node: ancestor, level: store.LevelViewAvail, depth: i}
			}
		}
		entries[nodeID] = entry{node: node, level: level, depth: len(ancestors)}
		return nil
	}
	served := make([]store.RemoteLink, 0, len(links))
	for _, link := range links {
		if link.Level == store.LevelNone {
			continue
		}
		if err := addChain(link.NodeID, link.Level); err != nil {
			continue
		}
		served = append(served, link)
	}

	ordered := make([]entry, 0, len(entries))
	for _, item := range entries {
		ordered = append(ordered, item)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].depth != ordered[j].depth {
			return ordered[i].depth < ordered[j].depth
		}
		return ordered[i].node.ID < ordered[j].node.ID
	})

	payload := remote.Payload{
		SiteName:    s.cfg.SiteName,
		GeneratedAt: time.Now().UTC(),
		Nodes:       make([]remote.NodePayload, 0, len(ordered)),
	}
	for _, item := range ordered {
		nodePayload := remote.NodePayload{
			ID:                item.node.ID,
			Kind:              item.node.Kind,
			Title:             item.node.Title,
			Description:       item.node.Description,
			ParentID:          item.node.ParentID,
			PublicGuestAccess: item.node.PublicGuestAccess,
			Version:           item.node.Version,
			Level:             item.level,
		}
		if item.level == store.LevelReadRoles {
			assignments, err := s.store.ListAssignments(ctx, item.node.ID)
			if err != nil {
				return remote.Payload{}, err
			}
			for _, assignment := range assignments {
				nodePayload.Roles = append(nodePayload.Roles, remote.RolePayload{
					SubjectID: assignment.SubjectID,
					Role:      assignment.Role,
					GrantedBy: assignment.GrantedBy,
				})
			}
		}
		payload.Nodes = append(payload.Nodes, nodePayload)
	}

	for _, link := range served {
		if item, ok := entries[link.NodeID]; ok {
			_ = s.store.SetLinkState(ctx, link.NodeID, site.ID, store.LinkSynced, item.node.Version, "", 0)
		}
	}
	s.audit.Record(ctx, "site:"+site.Name, nil, "remote_serve", store.StatusOK, map[string]any{
		"nodes": len(payload.Nodes),
	})
	return payload, nil
}

// siteBySecret finds the target site whose registration secret matches.
// Secrets are stored hashed, so matching means comparing against every
// target row; site counts are small enough for that to stay cheap.
func (s *Service) siteBySecret(ctx context.Context, secret string) (store.RemoteSite, error) {
	if secret == "" {
		return store.RemoteSite{}, notFoundError("not found")
	}
	sites, err := s.store.ListRemoteSites(ctx)
	if err != nil {
		return store.RemoteSite{}, err
	}
	for _, site := range sites {
		if site.Mode != config.SiteModeTarget || site.SecretHash == "" {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(site.SecretHash), []byte(secret)) == nil {
			return site, nil
		}
	}
	return store.RemoteSite{}, notFoundError("not found")
}
