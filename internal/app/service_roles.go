package app

import (
	"context"
	"log"

	"meridian/api/internal/rbac"
	"meridian/api/internal/store"
)

// resolveEffective finds the subject's nearest direct assignment walking
// from the node up to the root. The closest assignment wins outright:
// roles do not merge across levels, so a deeper, lower-ranked
// assignment overrides a higher-ranked one further up.
func (s *Service) resolveEffective(ctx context.Context, subjectID string, node store.Node, ancestors []store.Node) (rbac.Role, bool, error) {
	direct, err := s.store.GetAssignment(ctx, node.ID, subjectID)
	if err != nil {
		return "", false, err
	}
	if direct != nil {
		return rbac.Role(direct.Role), true, nil
	}
	// Ancestors arrive root first; walk them nearest first.
	for i := len(ancestors) - 1; i >= 0; i-- {
		assignment, err := s.store.GetAssignment(ctx, ancestors[i].ID, subjectID)
		if err != nil {
			return "", false, err
		}
		if assignment != nil {
			return rbac.Role(assignment.Role), true, nil
		}
	}
	return "", false, nil
}

// ResolvePermission answers whether the actor holds the capability on
// the node. Superusers bypass resolution; guest access on a public
// project applies only when no assignment exists anywhere on the chain.
func (s *Service) ResolvePermission(ctx context.Context, actor Actor, nodeID string, cap rbac.Capability) (bool, error) {
	if actor.Superuser {
		return true, nil
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return false, notFoundError("node not found")
	}
	ancestors, err := s.store.ListAncestors(ctx, nodeID)
	if err != nil {
		return false, err
	}

	chainVersion := ""
	if s.cache != nil {
		chainIDs := make([]string, 0, len(ancestors)+1)
		chainIDs = append(chainIDs, node.ID)
		for _, ancestor := range ancestors {
			chainIDs = append(chainIDs, ancestor.ID)
		}
		if version, err := s.cache.ChainVersion(ctx, chainIDs); err == nil {
			chainVersion = version
			if allowed, ok := s.cache.Get(ctx, actor.ID, nodeID, string(cap), chainVersion); ok {
				return allowed, nil
			}
		}
	}

	role, found, err := s.resolveEffective(ctx, actor.ID, node, ancestors)
	if err != nil {
		return false, err
	}

	allowed := false
	switch {
	case found:
		allowed = s.caps.Can(role, cap, rbac.NodeKind(node.Kind))
	case node.Kind == string(rbac.KindProject) && node.PublicGuestAccess && actor.ID != "":
		allowed = s.caps.Can(rbac.RoleViewer, cap, rbac.NodeKind(node.Kind))
	}

	if s.cache != nil && chainVersion != "" {
		s.cache.Set(ctx, actor.ID, nodeID, string(cap), chainVersion, allowed)
	}
	return allowed, nil
}

// requireCapability is the single authorization entry point for every
// mutating call site.
func (s *Service) requireCapability(ctx context.Context, actor Actor, node store.Node, cap rbac.Capability) error {
	allowed, err := s.ResolvePermission(ctx, actor, node.ID, cap)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	resolved := s.resolvedRoleName(ctx, actor, node)
	log.Printf("permission denied: subject=%s node=%s capability=%s resolved_role=%s", actor.ID, node.ID, cap, resolved)
	return permissionDenied(string(cap), resolved)
}

func (s *Service) resolvedRoleName(ctx context.Context, actor Actor, node store.Node) string {
	ancestors, err := s.store.ListAncestors(ctx, node.ID)
	if err != nil {
		return ""
	}
	role, found, err := s.resolveEffective(ctx, actor.ID, node, ancestors)
	if err != nil || !found {
		return ""
	}
	return string(role)
}

// actorHoldsOwner reports whether the actor resolves to owner rank on
// the node (or is superuser).
func (s *Service) actorHoldsOwner(ctx context.Context, actor Actor, node store.Node) (bool, error) {
	if actor.Superuser {
		return true, nil
	}
	ancestors, err := s.store.ListAncestors(ctx, node.ID)
	if err != nil {
		return false, err
	}
	role, found, err := s.resolveEffective(ctx, actor.ID, node, ancestors)
	if err != nil {
		return false, err
	}
	return found && role == rbac.RoleOwner, nil
}

type AssignRoleInput struct {
	SubjectID string `json:"subjectId"`
	Role      string `json:"role"`
}

func (s *Service) AssignRole(ctx context.Context, actor Actor, nodeID string, input AssignRoleInput) (store.RoleAssignment, error) {
	role := rbac.Role(input.Role)
	if input.SubjectID == "" {
		return store.RoleAssignment{}, validationError("subjectId is required")
	}
	if !rbac.Valid(role) {
		return store.RoleAssignment{}, validationError("unknown role")
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return store.RoleAssignment{}, notFoundError("node not found")
	}

	unlock := s.locks.LockAll(nodeID, derefOr(node.ParentID, ""))
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nodeRef(nodeID), "role_assign", map[string]any{
		"subject": input.SubjectID,
		"role":    input.Role,
	})
	fail := func(err error) (store.RoleAssignment, error) {
		s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "role_assign", store.StatusFailed, map[string]any{
			"subject": input.SubjectID,
			"role":    input.Role,
			"error":   errorCode(err),
		})
		return store.RoleAssignment{}, err
	}

	if node.IsRemote {
		return fail(syncConflictError(nodeID))
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapManageRoles); err != nil {
		return fail(err)
	}

	// Owner and delegate grants need owner rank, not just role
	// management rights.
	if role == rbac.RoleOwner || role == rbac.RoleDelegate {
		holdsOwner, err := s.actorHoldsOwner(ctx, actor, node)
		if err != nil {
			return fail(err)
		}
		if !holdsOwner {
			return fail(permissionDenied(string(rbac.CapManageRoles), s.resolvedRoleName(ctx, actor, node)))
		}
	}

	if role == rbac.RoleOwner {
		// An existing owner makes this an atomic transfer; the old owner
		// is demoted to contributor.
		if err := s.store.TransferOwner(ctx, nodeID, input.SubjectID, string(rbac.RoleContributor), actor.ID); err != nil {
			return fail(err)
		}
	} else {
		current, err := s.store.GetAssignment(ctx, nodeID, input.SubjectID)
		if err != nil {
			return fail(err)
		}
		if current != nil && current.Role == string(rbac.RoleOwner) {
			return fail(lastOwnerError(nodeID))
		}
		if role == rbac.RoleDelegate && (current == nil || current.Role != string(rbac.RoleDelegate)) {
			count, err := s.store.CountRole(ctx, nodeID, string(rbac.RoleDelegate))
			if err != nil {
				return fail(err)
			}
			if count >= s.cfg.DelegateLimit {
				return fail(delegateLimitError(s.cfg.DelegateLimit))
			}
		}
		if err := s.store.UpsertAssignment(ctx, store.RoleAssignment{
			NodeID:    nodeID,
			SubjectID: input.SubjectID,
			Role:      string(role),
			GrantedBy: actor.ID,
		}); err != nil {
			return fail(err)
		}
	}

	s.bumpChain(ctx, nodeID)
	_ = s.store.MarkLinksPending(ctx, nodeID)
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "role_assign", store.StatusOK, map[string]any{
		"subject": input.SubjectID,
		"role":    input.Role,
	})

	assignment, err := s.store.GetAssignment(ctx, nodeID, input.SubjectID)
	if err != nil || assignment == nil {
		return store.RoleAssignment{NodeID: nodeID, SubjectID: input.SubjectID, Role: string(role)}, nil
	}
	return *assignment, nil
}

func (s *Service) RevokeRole(ctx context.Context, actor Actor, nodeID, subjectID string) error {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return notFoundError("node not found")
	}

	unlock := s.locks.LockAll(nodeID, derefOr(node.ParentID, ""))
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nodeRef(nodeID), "role_revoke", map[string]any{"subject": subjectID})
	fail := func(err error) error {
		s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "role_revoke", store.StatusFailed, map[string]any{
			"subject": subjectID,
			"error":   errorCode(err),
		})
		return err
	}

	if node.IsRemote {
		return fail(syncConflictError(nodeID))
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapManageRoles); err != nil {
		return fail(err)
	}

	assignment, err := s.store.GetAssignment(ctx, nodeID, subjectID)
	if err != nil {
		return fail(err)
	}
	if assignment == nil {
		return fail(notFoundError("no assignment for subject on node"))
	}
	if assignment.Role == string(rbac.RoleOwner) {
		return fail(lastOwnerError(nodeID))
	}
	if assignment.Role == string(rbac.RoleDelegate) {
		holdsOwner, err := s.actorHoldsOwner(ctx, actor, node)
		if err != nil {
			return fail(err)
		}
		if !holdsOwner {
			return fail(permissionDenied(string(rbac.CapManageRoles), s.resolvedRoleName(ctx, actor, node)))
		}
	}

	if err := s.store.DeleteAssignment(ctx, nodeID, subjectID); err != nil {
		return fail(err)
	}

	s.bumpChain(ctx, nodeID)
	_ = s.store.MarkLinksPending(ctx, nodeID)
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "role_revoke", store.StatusOK, map[string]any{"subject": subjectID})
	return nil
}

type TransferOwnerInput struct {
	NewOwnerID   string `json:"newOwnerId"`
	OldOwnerRole string `json:"oldOwnerRole"`
}

// TransferOwner atomically demotes the current owner and promotes the
// new one. The sole-owner invariant holds before and after.
func (s *Service) TransferOwner(ctx context.Context, actor Actor, nodeID string, input TransferOwnerInput) error {
	if input.NewOwnerID == "" {
		return validationError("newOwnerId is required")
	}
	oldRole := rbac.Role(input.OldOwnerRole)
	if input.OldOwnerRole == "" {
		oldRole = rbac.RoleContributor
	}
	if !rbac.Valid(oldRole) || oldRole == rbac.RoleOwner {
		return validationError("oldOwnerRole must be a non-owner role")
	}
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return notFoundError("node not found")
	}

	unlock := s.locks.LockAll(nodeID, derefOr(node.ParentID, ""))
	defer unlock()

	begun := s.audit.Begin(ctx, actor.ID, nodeRef(nodeID), "owner_transfer", map[string]any{"newOwner": input.NewOwnerID})
	fail := func(err error) error {
		s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "owner_transfer", store.StatusFailed, map[string]any{
			"newOwner": input.NewOwnerID,
			"error":    errorCode(err),
		})
		return err
	}

	if node.IsRemote {
		return fail(syncConflictError(nodeID))
	}
	holdsOwner, err := s.actorHoldsOwner(ctx, actor, node)
	if err != nil {
		return fail(err)
	}
	if !holdsOwner {
		return fail(permissionDenied(string(rbac.CapManageRoles), s.resolvedRoleName(ctx, actor, node)))
	}

	if oldRole == rbac.RoleDelegate {
		count, err := s.store.CountRole(ctx, nodeID, string(rbac.RoleDelegate))
		if err != nil {
			return fail(err)
		}
		if count >= s.cfg.DelegateLimit {
			return fail(delegateLimitError(s.cfg.DelegateLimit))
		}
	}

	if err := s.store.TransferOwner(ctx, nodeID, input.NewOwnerID, string(oldRole), actor.ID); err != nil {
		return fail(err)
	}

	s.bumpChain(ctx, nodeID)
	_ = s.store.MarkLinksPending(ctx, nodeID)
	s.audit.Finish(ctx, begun, actor.ID, nodeRef(nodeID), "owner_transfer", store.StatusOK, map[string]any{"newOwner": input.NewOwnerID})
	return nil
}

// EffectiveRoles lists direct assignments plus assignments inherited
// from ancestor categories, nearest assignment winning per subject.
func (s *Service) EffectiveRoles(ctx context.Context, actor Actor, nodeID string) ([]store.EffectiveAssignment, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, notFoundError("node not found")
	}
	if err := s.requireCapability(ctx, actor, node, rbac.CapView); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	out := make([]store.EffectiveAssignment, 0)

	direct, err := s.store.ListAssignments(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	for _, assignment := range direct {
		seen[assignment.SubjectID] = true
		out = append(out, store.EffectiveAssignment{RoleAssignment: assignment, SourceID: nodeID})
	}

	ancestors, err := s.store.ListAncestors(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		inherited, err := s.store.ListAssignments(ctx, ancestors[i].ID)
		if err != nil {
			return nil, err
		}
		for _, assignment := range inherited {
			if seen[assignment.SubjectID] {
				continue
			}
			seen[assignment.SubjectID] = true
			out = append(out, store.EffectiveAssignment{
				RoleAssignment: assignment,
				Inherited:      true,
				SourceID:       ancestors[i].ID,
			})
		}
	}
	return out, nil
}

func derefOr(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return *value
}
