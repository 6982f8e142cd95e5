package app

import (
	"context"
	"strings"

	"meridian/api/internal/rbac"
	"meridian/api/internal/store"
	"meridian/api/internal/util"
)

type CreateNodeInput struct {
	Kind              string  `json:"kind"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	ParentID          *string `json:"parentId"`
	PublicGuestAccess bool    `json:"publicGuestAccess"`
	OwnerID           string  `json:"ownerId"`
}

// CreateNode validates attributes and parentage, then inserts the node
// together with its owner assignment in one transaction.
func (s *Service) CreateNode(ctx context.Context, actor Actor, input CreateNodeInput) (store.Node, error) {
	title := strings.TrimSpace(input.Title)
	kind := strings.ToUpper(strings.TrimSpace(input.Kind))
	ownerID := input.OwnerID
	if ownerID == "" {
		ownerID = actor.ID
	}

	parentID := ""
	if input.ParentID != nil {
		parentID = *input.ParentID
	}
	unlock := s.locks.LockAll(parentID)
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nil, "node_create", map[string]any{
		"kind":  kind,
		"title": title,
	})
	fail := func(err error) (store.Node, error) {
		s.audit.Finish(ctx, begun, actor.ID, nil, "node_create", store.StatusFailed, map[string]any{
			"kind":  kind,
			"title": title,
			"error": errorCode(err),
		})
		return store.Node{}, err
	}

	if title == "" {
		return fail(validationError("title is required"))
	}
	if kind != string(rbac.KindCategory) && kind != string(rbac.KindProject) {
		return fail(validationError("kind must be CATEGORY or PROJECT"))
	}
	if kind == string(rbac.KindCategory) && !s.cfg.CategoryCreationEnabled {
		return fail(validationError("category creation is disabled on this site"))
	}
	if input.PublicGuestAccess && kind != string(rbac.KindProject) {
		return fail(validationError("public guest access applies to projects only"))
	}

	if parentID == "" {
		// Top-level nodes are created by superusers only; everything
		// else lives under a category someone already owns.
		if !actor.Superuser {
			return fail(permissionDenied(string(rbac.CapUpdateNode), ""))
		}
	} else {
		parent, err := s.store.GetNode(ctx, parentID)
		if err != nil {
			return fail(validationError("parent not found"))
		}
		if parent.Kind != string(rbac.KindCategory) {
			return fail(kindMismatchError("parent must be a category"))
		}
		if parent.IsRemote {
			return fail(syncConflictError(parent.ID))
		}
		ancestors, err := s.store.ListAncestors(ctx, parentID)
		if err != nil {
			return fail(err)
		}
		if len(ancestors)+2 > s.cfg.MaxDepth {
			return fail(validationError("maximum tree depth exceeded"))
		}
		if err := s.requireCapability(ctx, actor, parent, rbac.CapUpdateNode); err != nil {
			return fail(err)
		}
	}

	node := store.Node{
		ID:                util.NewUUID(),
		Kind:              kind,
		Title:             title,
		Description:       strings.TrimSpace(input.Description),
		ParentID:          input.ParentID,
		PublicGuestAccess: input.PublicGuestAccess,
	}
	if err := s.store.CreateNodeWithOwner(ctx, node, ownerID, actor.ID); err != nil {
		return fail(err)
	}

	s.bumpChain(ctx, node.ID)
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(node.ID), "node_create", store.StatusOK, map[string]any{
		"kind":  kind,
		"title": title,
		"owner": ownerID,
	})

	created, err := s.store.GetNode(ctx, node.ID)
	if err != nil {
		return node, nil
	}
	return created, nil
}

type UpdateNodeInput struct {
	Title             string `json:"title"`
	Description       string `json:"description"`
	PublicGuestAccess bool   `json:"publicGuestAccess"`
}

func (s *Service) UpdateNode(ctx context.Context, actor Actor, nodeID string, input UpdateNodeInput) (store.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return store.Node{}, notFoundError("node not found")
	}

	unlock := s.locks.LockAll(nodeID, derefOr(node.ParentID, ""))
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nodeRef(nodeID), "node_update", nil)
	fail := func(err error) (store.Node, error) {
		s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "node_update", store.StatusFailed, map[string]any{"error": errorCode(err)})
		return store.Node{}, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return fail(validationError("title is required"))
	}
	if input.PublicGuestAccess && node.Kind != string(rbac.KindProject) {
		return fail(validationError("public guest access applies to projects only"))
	}
	if node.IsRemote {
		return fail(syncConflictError(nodeID))
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapUpdateNode); err != nil {
		return fail(err)
	}

	if err := s.store.UpdateNode(ctx, nodeID, title, strings.TrimSpace(input.Description), input.PublicGuestAccess); err != nil {
		return fail(err)
	}

	s.bumpChain(ctx, nodeID)
	_ = s.store.MarkLinksPending(ctx, nodeID)
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "node_update", store.StatusOK, nil)
	return s.store.GetNode(ctx, nodeID)
}

type MoveNodeInput struct {
	NewParentID *string `json:"newParentId"`
}

// MoveNode reparents a node after cycle, kind, and depth validation.
// The node, its old parent, and the new parent are all locked for the
// duration.
func (s *Service) MoveNode(ctx context.Context, actor Actor, nodeID string, input MoveNodeInput) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return notFoundError("node not found")
	}
	newParentID := derefOr(input.NewParentID, "")

	unlock := s.locks.LockAll(nodeID, derefOr(node.ParentID, ""), newParentID)
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nodeRef(nodeID), "node_move", map[string]any{"newParent": newParentID})
	fail := func(err error) error {
		s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "node_move", store.StatusFailed, map[string]any{
			"newParent": newParentID,
			"error":     errorCode(err),
		})
		return err
	}

	if node.IsRemote {
		return fail(syncConflictError(nodeID))
	}
	if newParentID == nodeID {
		return fail(cycleError(nodeID, newParentID))
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapUpdateNode); err != nil {
		return fail(err)
	}

	newDepth := 1
	if newParentID != "" {
		parent, err := s.store.GetNode(ctx, newParentID)
		if err != nil {
			return fail(validationError("new parent not found"))
		}
		if parent.Kind != string(rbac.KindCategory) {
			return fail(kindMismatchError("new parent must be a category"))
		}
		if parent.IsRemote {
			return fail(syncConflictError(parent.ID))
		}
		// Cycle check: the new parent must not sit below the node.
		parentChain, err := s.store.ListAncestors(ctx, newParentID)
		if err != nil {
			return fail(err)
		}
		for _, ancestor := range parentChain {
			if ancestor.ID == nodeID {
				return fail(cycleError(nodeID, newParentID))
			}
		}
		newDepth = len(parentChain) + 2
		if err := s.requireCapability(ctx, actor, parent, rbac.CapUpdateNode); err != nil {
			return fail(err)
		}
	} else if !actor.Superuser {
		return fail(permissionDenied(string(rbac.CapUpdateNode), s.resolvedRoleName(ctx, actor, node)))
	}

	height, err := s.subtreeHeight(ctx, nodeID)
	if err != nil {
		return fail(err)
	}
	if newDepth+height > s.cfg.MaxDepth {
		return fail(validationError("maximum tree depth exceeded"))
	}

	if err := s.store.MoveNode(ctx, nodeID, input.NewParentID); err != nil {
		return fail(err)
	}

	s.bumpChain(ctx, nodeID)
	_ = s.store.MarkLinksPending(ctx, nodeID)
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "node_move", store.StatusOK, map[string]any{"newParent": newParentID})
	return nil
}

// subtreeHeight returns the number of levels below the node, 0 for a
// leaf.
func (s *Service) subtreeHeight(ctx context.Context, nodeID string) (int, error) {
	depths := map[string]int{nodeID: 0}
	height := 0
	offset := 0
	for {
		batch, err := s.store.ListDescendants(ctx, nodeID, 500, offset)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			return height, nil
		}
		for _, descendant := range batch {
			parentDepth := 0
			if descendant.ParentID != nil {
				parentDepth = depths[*descendant.ParentID]
			}
			depths[descendant.ID] = parentDepth + 1
			if parentDepth+1 > height {
				height = parentDepth + 1
			}
		}
		offset += len(batch)
	}
}

// DeleteNode removes a childless node. Any assignment beyond the
// implicit owner must be revoked first; the owner assignment goes with
// the node.
func (s *Service) DeleteNode(ctx context.Context, actor Actor, nodeID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return notFoundError("node not found")
	}

	unlock := s.locks.LockAll(nodeID, derefOr(node.ParentID, ""))
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nodeRef(nodeID), "node_delete", nil)
	fail := func(err error) error {
		s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "node_delete", store.StatusFailed, map[string]any{"error": errorCode(err)})
		return err
	}

	if node.IsRemote {
		return fail(syncConflictError(nodeID))
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapDeleteNode); err != nil {
		return fail(err)
	}

	children, err := s.store.ChildCount(ctx, nodeID)
	if err != nil {
		return fail(err)
	}
	if children > 0 {
		return fail(hasChildrenError(nodeID, children))
	}
	assignments, err := s.store.ListAssignments(ctx, nodeID)
	if err != nil {
		return fail(err)
	}
	for _, assignment := range assignments {
		if assignment.Role != string(rbac.RoleOwner) {
			return fail(validationError("node still has role assignments beyond the owner"))
		}
	}

	if err := s.store.DeleteNode(ctx, nodeID); err != nil {
		return fail(err)
	}

	s.bumpChain(ctx, nodeID)
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "node_delete", store.StatusOK, nil)
	return nil
}

func (s *Service) GetNode(ctx context.Context, actor Actor, nodeID string) (store.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return store.Node{}, notFoundError("node not found")
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapView); err != nil {
		return store.Node{}, err
	}
	return node, nil
}

// ListAncestors returns the chain above the node, root first.
func (s *Service) ListAncestors(ctx context.Context, actor Actor, nodeID string) ([]store.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, notFoundError("node not found")
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapView); err != nil {
		return nil, err
	}
	return s.store.ListAncestors(ctx, nodeID)
}

// ListDescendants pages through the subtree; limit and offset make the
// walk restartable.
func (s *Service) ListDescendants(ctx context.Context, actor Actor, nodeID string, limit, offset int) ([]store.Node, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, notFoundError("node not found")
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapView); err != nil {
		return nil, err
	}
	return s.store.ListDescendants(ctx, nodeID, limit, offset)
}
