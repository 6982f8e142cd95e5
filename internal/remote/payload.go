// Package remote implements the federation protocol between a SOURCE
// site and its TARGET mirrors: the wire payload, the client a target
// uses to pull it, and the background engine that reconciles local
// state against it.
package remote

import "time"

// RolePayload is one role assignment as shared across federation.
type RolePayload struct {
	SubjectID string `json:"subjectId"`
	Role      string `json:"role"`
	GrantedBy string `json:"grantedBy"`
}

// NodePayload is one node's snapshot, tagged with the source's version
// token. Roles are only present at the READ_ROLES access level.
type NodePayload struct {
	ID                string        `json:"id"`
	Kind              string        `json:"kind"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	ParentID          *string       `json:"parentId,omitempty"`
	PublicGuestAccess bool          `json:"publicGuestAccess"`
	Version           int64         `json:"version"`
	Level             string        `json:"level"`
	Roles             []RolePayload `json:"roles,omitempty"`
}

// Payload is a full snapshot for one target site. Nodes are ordered
// parents before children so a target can apply them in sequence.
type Payload struct {
	SiteName    string        `json:"siteName"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Nodes       []NodePayload `json:"nodes"`
}
