package app

import (
	"context"
	"sort"
	"time"

	"meridian/api/internal/auth"
	"meridian/api/internal/config"
	"meridian/api/internal/nodelock"
	"meridian/api/internal/rbac"
	"meridian/api/internal/store"
	"meridian/api/internal/timeline"
	"meridian/api/internal/util"
)

// Actor is the authenticated subject performing an operation.
type Actor struct {
	ID        string
	Name      string
	Superuser bool
}

type dataStore interface {
	GetNode(context.Context, string) (store.Node, error)
	CreateNodeWithOwner(context.Context, store.Node, string, string) error
	UpdateNode(context.Context, string, string, string, bool) error
	MoveNode(context.Context, string, *string) error
	DeleteNode(context.Context, string) error
	ChildCount(context.Context, string) (int, error)
	ListAncestors(context.Context, string) ([]store.Node, error)
	ListDescendants(context.Context, string, int, int) ([]store.Node, error)

	GetAssignment(context.Context, string, string) (*store.RoleAssignment, error)
	ListAssignments(context.Context, string) ([]store.RoleAssignment, error)
	CountRole(context.Context, string, string) (int, error)
	UpsertAssignment(context.Context, store.RoleAssignment) error
	DeleteAssignment(context.Context, string, string) error
	TransferOwner(context.Context, string, string, string, string) error

	InsertRemoteSite(context.Context, store.RemoteSite) error
	GetRemoteSite(context.Context, string) (store.RemoteSite, error)
	ListRemoteSites(context.Context) ([]store.RemoteSite, error)
	UpdateRemoteSite(context.Context, string, string, string) error
	DeleteRemoteSite(context.Context, string) error
	UpsertRemoteLink(context.Context, store.RemoteLink) error
	GetRemoteLink(context.Context, string, string) (store.RemoteLink, error)
	ListRemoteLinks(context.Context, string) ([]store.RemoteLink, error)
	SetLinkState(context.Context, string, string, string, int64, string, int) error
	MarkLinksPending(context.Context, string) error

	Ping(ctx context.Context) error
}

type auditLog interface {
	Begin(ctx context.Context, actorID string, nodeID *string, action string, extra map[string]any) *int64
	Finish(ctx context.Context, parentID *int64, actorID string, nodeID *string, action, status string, extra map[string]any)
	Record(ctx context.Context, actorID string, nodeID *string, action, status string, extra map[string]any)
	Query(ctx context.Context, filter store.TimelineFilter) ([]store.TimelineEvent, error)
}

// permCache is the Redis-backed resolution cache. A nil cache disables
// caching without changing behavior.
type permCache interface {
	Bump(ctx context.Context, nodeID string) error
	ChainVersion(ctx context.Context, chainIDs []string) (string, error)
	Get(ctx context.Context, subjectID, nodeID, cap, chainVersion string) (bool, bool)
	Set(ctx context.Context, subjectID, nodeID, cap, chainVersion string, allowed bool)
}

type Service struct {
	cfg   config.Config
	store dataStore
	audit auditLog
	cache permCache
	caps  *rbac.Registry
	locks *nodelock.Manager

	// triggerSync enqueues a reconciliation pass for a remote site. Wired
	// by main once the sync engine exists; nil on sites with no engine.
	triggerSync func(siteID string)
}

func New(cfg config.Config, dataStore *store.PostgresStore, recorder *timeline.Recorder, cache permCache, caps *rbac.Registry) *Service {
	return &Service{
		cfg:   cfg,
		store: dataStore,
		audit: recorder,
		cache: cache,
		caps:  caps,
		locks: nodelock.NewManager(),
	}
}

func (s *Service) Config() config.Config {
	return s.cfg
}

func (s *Service) Locks() *nodelock.Manager {
	return s.locks
}

func (s *Service) SetSyncTrigger(trigger func(siteID string)) {
	s.triggerSync = trigger
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Timeline(ctx context.Context, filter store.TimelineFilter) ([]store.TimelineEvent, error) {
	return s.audit.Query(ctx, filter)
}

type CapabilityView struct {
	Plugin     string   `json:"plugin"`
	Capability string   `json:"capability"`
	MinRole    string   `json:"minRole"`
	Kinds      []string `json:"kinds"`
}

// PluginCapabilities lists the registered plugin capability descriptors,
// so clients can discover which optional checks exist per node kind.
func (s *Service) PluginCapabilities() []CapabilityView {
	descs := s.caps.List()
	views := make([]CapabilityView, 0, len(descs))
	for _, desc := range descs {
		kinds := make([]string, 0, len(desc.Kinds))
		for _, kind := range desc.Kinds {
			kinds = append(kinds, string(kind))
		}
		views = append(views, CapabilityView{
			Plugin:     desc.Plugin,
			Capability: string(desc.Capability),
			MinRole:    string(desc.MinRole),
			Kinds:      kinds,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Capability < views[j].Capability })
	return views
}

// ActorFromToken resolves the acting subject from a bearer token.
func (s *Service) ActorFromToken(token string) (Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ID: claims.Sub, Name: claims.Name, Superuser: claims.Superuser}, nil
}

// IssueActorToken exists for bootstrap and test tooling; production
// identity arrives from the upstream auth system.
func (s *Service) IssueActorToken(actor Actor, ttl time.Duration) (string, error) {
	return auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:       actor.ID,
		Name:      actor.Name,
		Superuser: actor.Superuser,
		JTI:       util.NewID("jti"),
		Exp:       time.Now().Add(ttl).Unix(),
	})
}

// bumpChain invalidates cached permission results that depend on the
// node. Cache maintenance is best effort.
func (s *Service) bumpChain(ctx context.Context, nodeID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Bump(ctx, nodeID)
}

func nodeRef(nodeID string) *string {
	if nodeID == "" {
		return nil
	}
	return &nodeID
}
