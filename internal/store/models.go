package store

import "time"

type Node struct {
	ID                string
	Kind              string
	Title             string
	Description       string
	ParentID          *string
	PublicGuestAccess bool
	IsRemote          bool
	// Version increments on every structural or role mutation touching
	// this node. It doubles as the sync version token.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type RoleAssignment struct {
	NodeID    string
	SubjectID string
	Role      string
	GrantedBy string
	GrantedAt time.Time
}

// EffectiveAssignment is a RoleAssignment annotated with the node it was
// actually found on during an ancestor walk.
type EffectiveAssignment struct {
	RoleAssignment
	Inherited bool
	SourceID  string
}

// RemoteSite is a federation peer. On a SOURCE deployment rows describe
// target sites and hold only the bcrypt hash of the secret handed out
// at registration; on a TARGET deployment rows describe the upstream
// source and keep the cleartext secret for outbound requests.
type RemoteSite struct {
	ID         string
	Name       string
	URL        string
	Secret     string
	SecretHash string
	Mode       string
	CreatedAt  time.Time
}

const (
	LinkPending = "PENDING"
	LinkSynced  = "SYNCED"
	LinkFailed  = "FAILED"
)

// Remote access levels, lowest to highest. Role assignments are only
// shared at LevelReadRoles.
const (
	LevelNone      = "NONE"
	LevelViewAvail = "VIEW_AVAIL"
	LevelReadInfo  = "READ_INFO"
	LevelReadRoles = "READ_ROLES"
)

type RemoteLink struct {
	NodeID      string
	SiteID      string
	Level       string
	State       string
	LastVersion int64
	LastError   string
	Attempts    int
	UpdatedAt   time.Time
}

const (
	StatusInitiated = "INITIATED"
	StatusOK        = "OK"
	StatusFailed    = "FAILED"
)

type TimelineEvent struct {
	ID        int64
	ActorID   string
	NodeID    *string
	Action    string
	Status    string
	Extra     map[string]any
	ParentID  *int64
	CreatedAt time.Time
}

type TimelineFilter struct {
	NodeID  string
	ActorID string
	Action  string
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}
