package rbac

type Role string
type Capability string
type NodeKind string

const (
	RoleViewer      Role = "viewer"
	RoleGuest       Role = "guest"
	RoleContributor Role = "contributor"
	RoleDelegate    Role = "delegate"
	RoleOwner       Role = "owner"
)

const (
	KindCategory NodeKind = "CATEGORY"
	KindProject  NodeKind = "PROJECT"
)

const (
	CapView         Capability = "view"
	CapContribute   Capability = "contribute"
	CapUpdateNode   Capability = "update_node"
	CapManageRoles  Capability = "manage_roles"
	CapDeleteNode   Capability = "delete_node"
	CapManageRemote Capability = "manage_remote"
)

// ranks give the total order used everywhere conflict resolution needs
// one. Higher wins; no two roles share a rank.
var ranks = map[Role]int{
	RoleViewer:      10,
	RoleGuest:       20,
	RoleContributor: 30,
	RoleDelegate:    40,
	RoleOwner:       50,
}

// minRank is the fixed capability table. Plugin capabilities extend it
// through the Registry.
var minRank = map[Capability]Role{
	CapView:         RoleViewer,
	CapContribute:   RoleContributor,
	CapUpdateNode:   RoleDelegate,
	CapManageRoles:  RoleDelegate,
	CapDeleteNode:   RoleOwner,
	CapManageRemote: RoleOwner,
}

func Rank(role Role) int {
	return ranks[role]
}

func Valid(role Role) bool {
	_, ok := ranks[role]
	return ok
}

// AtLeast reports whether role carries at least the rank of min.
func AtLeast(role, min Role) bool {
	return ranks[role] >= ranks[min]
}

// Can resolves a capability against the fixed table. Unknown
// capabilities are denied; plugin capabilities go through Registry.Can.
func Can(role Role, cap Capability) bool {
	min, ok := minRank[cap]
	if !ok {
		return false
	}
	return AtLeast(role, min)
}

// Known reports whether cap is in the fixed table.
func Known(cap Capability) bool {
	_, ok := minRank[cap]
	return ok
}

func Normalize(role string) Role {
	if Valid(Role(role)) {
		return Role(role)
	}
	return RoleViewer
}
