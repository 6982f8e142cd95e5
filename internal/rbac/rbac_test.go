package rbac

import "testing"

func TestRanksAreStrictlyOrdered(t *testing.T) {
	order := []Role{RoleViewer, RoleGuest, RoleContributor, RoleDelegate, RoleOwner}
	for i := 1; i < len(order); i++ {
		if Rank(order[i]) <= Rank(order[i-1]) {
			t.Fatalf("expected %s to outrank %s", order[i], order[i-1])
		}
	}
}

func TestCanFixedTable(t *testing.T) {
	cases := []struct {
		role    Role
		cap     Capability
		allowed bool
	}{
		{RoleViewer, CapView, true},
		{RoleViewer, CapContribute, false},
		{RoleGuest, CapView, true},
		{RoleGuest, CapContribute, false},
		{RoleContributor, CapContribute, true},
		{RoleContributor, CapManageRoles, false},
		{RoleDelegate, CapManageRoles, true},
		{RoleDelegate, CapUpdateNode, true},
		{RoleDelegate, CapDeleteNode, false},
		{RoleDelegate, CapManageRemote, false},
		{RoleOwner, CapDeleteNode, true},
		{RoleOwner, CapManageRemote, true},
		{RoleOwner, Capability("no_such_capability"), false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.cap); got != tc.allowed {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.cap, got, tc.allowed)
		}
	}
}

func TestAtLeast(t *testing.T) {
	if !AtLeast(RoleOwner, RoleViewer) {
		t.Fatal("owner should satisfy viewer rank")
	}
	if AtLeast(RoleGuest, RoleContributor) {
		t.Fatal("guest should not satisfy contributor rank")
	}
	if !AtLeast(RoleDelegate, RoleDelegate) {
		t.Fatal("a role satisfies its own rank")
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if Normalize("owner") != RoleOwner {
		t.Fatal("known roles pass through")
	}
	if Normalize("admin") != RoleViewer {
		t.Fatal("unknown roles normalize to viewer")
	}
	if Normalize("") != RoleViewer {
		t.Fatal("empty role normalizes to viewer")
	}
}
