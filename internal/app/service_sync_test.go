package app

import (
	"context"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"meridian/api/internal/config"
	"meridian/api/internal/store"
)

func TestCreateRemoteSiteOnSourceReturnsSecretOnce(t *testing.T) {
	service, ms, _ := newTestService(testConfig())
	ctx := context.Background()

	view, secret, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{
		Name: "mirror-a",
		URL:  "https://mirror-a.example.org/",
		Mode: "target",
	})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	if secret == "" {
		t.Fatal("expected a generated secret")
	}
	if view.URL != "https://mirror-a.example.org" {
		t.Fatalf("expected trailing slash trimmed, got %q", view.URL)
	}

	stored, err := ms.GetRemoteSite(ctx, view.ID)
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	if stored.Secret != "" {
		t.Fatal("a source must not keep the cleartext secret")
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.SecretHash), []byte(secret)) != nil {
		t.Fatal("stored hash must match the returned secret")
	}
}

func TestCreateRemoteSiteModeRules(t *testing.T) {
	service, _, _ := newTestService(testConfig())
	ctx := context.Background()

	if _, _, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "x", URL: "https://x", Mode: "source"}); err == nil {
		t.Fatal("a source deployment must reject registering source sites")
	}
	if _, _, err := service.CreateRemoteSite(ctx, alice, CreateRemoteSiteInput{Name: "x", URL: "https://x", Mode: "target"}); err == nil {
		t.Fatal("site registration is superuser only")
	}
}

func TestCreateRemoteSiteOnTarget(t *testing.T) {
	cfg := testConfig()
	cfg.SiteMode = config.SiteModeTarget
	service, ms, _ := newTestService(cfg)
	ctx := context.Background()

	if _, _, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "upstream", URL: "https://src", Mode: "source"}); err == nil {
		t.Fatal("expected missing secret to fail")
	}
	view, secret, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "upstream", URL: "https://src", Mode: "source", Secret: "rs_abc"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	if secret != "" {
		t.Fatal("a target never mints secrets")
	}
	stored, _ := ms.GetRemoteSite(ctx, view.ID)
	if stored.Secret != "rs_abc" {
		t.Fatalf("target keeps the cleartext secret for pulls, got %q", stored.Secret)
	}

	if _, _, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "second", URL: "https://y", Mode: "source", Secret: "rs_def"}); err == nil {
		t.Fatal("a target has exactly one source site")
	}
}

func TestUpdateRemoteSite(t *testing.T) {
	service, ms, _ := newTestService(testConfig())
	ctx := context.Background()

	view, _, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "mirror-a", URL: "https://mirror-a", Mode: "target"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}

	if _, err := service.UpdateRemoteSite(ctx, alice, view.ID, UpdateRemoteSiteInput{Name: "x", URL: "https://x"}); err == nil {
		t.Fatal("site management is superuser only")
	}
	if _, err := service.UpdateRemoteSite(ctx, root, view.ID, UpdateRemoteSiteInput{Name: "", URL: "https://x"}); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
	if _, err := service.UpdateRemoteSite(ctx, root, "site_missing", UpdateRemoteSiteInput{Name: "x", URL: "https://x"}); err == nil {
		t.Fatal("expected unknown site to be rejected")
	}

	updated, err := service.UpdateRemoteSite(ctx, root, view.ID, UpdateRemoteSiteInput{Name: "mirror-b", URL: "https://mirror-b/"})
	if err != nil {
		t.Fatalf("update site: %v", err)
	}
	if updated.Name != "mirror-b" || updated.URL != "https://mirror-b" {
		t.Fatalf("unexpected view after update %+v", updated)
	}
	stored, err := ms.GetRemoteSite(ctx, view.ID)
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	if stored.Name != "mirror-b" || stored.URL != "https://mirror-b" {
		t.Fatalf("unexpected stored site %+v", stored)
	}
	if stored.SecretHash == "" {
		t.Fatal("updating must not touch the stored credentials")
	}
}

func TestDeleteRemoteSiteRemovesLinks(t *testing.T) {
	service, ms, audit := newTestService(testConfig())
	ctx := context.Background()
	category := mustCreate(t, service, root, CreateNodeInput{Kind: "CATEGORY", Title: "Research", OwnerID: alice.ID})
	project := mustCreate(t, service, alice, CreateNodeInput{Kind: "PROJECT", Title: "Genome", ParentID: &category.ID})

	view, _, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "mirror-a", URL: "https://mirror-a", Mode: "target"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	if _, err := service.SetRemoteLink(ctx, root, project.ID, SetRemoteLinkInput{SiteID: view.ID, Level: store.LevelReadInfo}); err != nil {
		t.Fatalf("set link: %v", err)
	}

	if err := service.DeleteRemoteSite(ctx, alice, view.ID); err == nil {
		t.Fatal("site management is superuser only")
	}
	if err := service.DeleteRemoteSite(ctx, root, "site_missing"); err == nil {
		t.Fatal("expected unknown site to be rejected")
	}

	if err := service.DeleteRemoteSite(ctx, root, view.ID); err != nil {
		t.Fatalf("delete site: %v", err)
	}
	if _, err := ms.GetRemoteSite(ctx, view.ID); err == nil {
		t.Fatal("expected the site to be gone")
	}
	if _, err := ms.GetRemoteLink(ctx, project.ID, view.ID); err == nil {
		t.Fatal("expected the site's links to be gone")
	}
	terminal, ok := audit.lastTerminal("remote_site_delete")
	if !ok || terminal.Status != store.StatusOK {
		t.Fatalf("expected an OK terminal event, got %+v", terminal)
	}
}

func TestSetRemoteLinkValidation(t *testing.T) {
	service, _, _ := newTestService(testConfig())
	ctx := context.Background()
	category := mustCreate(t, service, root, CreateNodeInput{Kind: "CATEGORY", Title: "Research", OwnerID: alice.ID})
	project := mustCreate(t, service, alice, CreateNodeInput{Kind: "PROJECT", Title: "Genome", ParentID: &category.ID})

	view, _, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "mirror-a", URL: "https://mirror-a", Mode: "target"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}

	if _, err := service.SetRemoteLink(ctx, root, project.ID, SetRemoteLinkInput{SiteID: view.ID, Level: "FULL"}); err == nil {
		t.Fatal("expected unknown level to fail")
	}
	if _, err := service.SetRemoteLink(ctx, root, category.ID, SetRemoteLinkInput{SiteID: view.ID, Level: store.LevelReadInfo}); err == nil {
		t.Fatal("expected categories to be unlinkable")
	}
	if _, err := service.SetRemoteLink(ctx, bob, project.ID, SetRemoteLinkInput{SiteID: view.ID, Level: store.LevelReadInfo}); err == nil {
		t.Fatal("expected bob to lack manage_remote")
	}

	link, err := service.SetRemoteLink(ctx, alice, project.ID, SetRemoteLinkInput{SiteID: view.ID, Level: store.LevelReadRoles})
	if err != nil {
		t.Fatalf("set link: %v", err)
	}
	if link.State != store.LinkPending {
		t.Fatalf("new links start PENDING, got %q", link.State)
	}
}

func TestSetRemoteLinksBatch(t *testing.T) {
	service, ms, _ := newTestService(testConfig())
	ctx := context.Background()
	category := mustCreate(t, service, root, CreateNodeInput{Kind: "CATEGORY", Title: "Research", OwnerID: alice.ID})
	genome := mustCreate(t, service, alice, CreateNodeInput{Kind: "PROJECT", Title: "Genome", ParentID: &category.ID})
	proteome := mustCreate(t, service, alice, CreateNodeInput{Kind: "PROJECT", Title: "Proteome", ParentID: &category.ID})

	view, _, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "mirror-a", URL: "https://mirror-a", Mode: "target"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}

	if _, err := service.SetRemoteLinks(ctx, root, view.ID, BatchRemoteLinkInput{Level: store.LevelReadInfo}); err == nil {
		t.Fatal("expected empty batch to fail")
	}

	links, err := service.SetRemoteLinks(ctx, root, view.ID, BatchRemoteLinkInput{
		Level:   store.LevelReadInfo,
		NodeIDs: []string{genome.ID, proteome.ID},
	})
	if err != nil {
		t.Fatalf("batch set: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected two links, got %d", len(links))
	}

	// A rejected node stops the batch; links set before it stand.
	links, err = service.SetRemoteLinks(ctx, root, view.ID, BatchRemoteLinkInput{
		Level:   store.LevelReadRoles,
		NodeIDs: []string{genome.ID, category.ID, proteome.ID},
	})
	if err == nil {
		t.Fatal("expected the category to be rejected")
	}
	if len(links) != 1 {
		t.Fatalf("expected one link before the rejection, got %d", len(links))
	}
	stored, err := ms.GetRemoteLink(ctx, genome.ID, view.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if stored.Level != store.LevelReadRoles {
		t.Fatalf("expected genome upgraded to READ_ROLES, got %q", stored.Level)
	}
	stored, err = ms.GetRemoteLink(ctx, proteome.ID, view.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if stored.Level != store.LevelReadInfo {
		t.Fatalf("expected proteome untouched at READ_INFO, got %q", stored.Level)
	}
}

func TestSourcePayloadBuildsOrderedSnapshot(t *testing.T) {
	service, ms, _ := newTestService(testConfig())
	ctx := context.Background()
	category := mustCreate(t, service, root, CreateNodeInput{Kind: "CATEGORY", Title: "Research", OwnerID: alice.ID})
	project := mustCreate(t, service, alice, CreateNodeInput{Kind: "PROJECT", Title: "Genome", ParentID: &category.ID})
	hidden := mustCreate(t, service, alice, CreateNodeInput{Kind: "PROJECT", Title: "Hidden", ParentID: &category.ID})

	view, secret, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "mirror-a", URL: "https://mirror-a", Mode: "target"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	if _, err := service.SetRemoteLink(ctx, root, project.ID, SetRemoteLinkInput{SiteID: view.ID, Level: store.LevelReadRoles}); err != nil {
		t.Fatalf("set link: %v", err)
	}
	if _, err := service.SetRemoteLink(ctx, root, hidden.ID, SetRemoteLinkInput{SiteID: view.ID, Level: store.LevelNone}); err != nil {
		t.Fatalf("set hidden link: %v", err)
	}

	if _, err := service.SourcePayload(ctx, "wrong-secret"); err == nil {
		t.Fatal("expected a bad secret to be rejected")
	}

	payload, err := service.SourcePayload(ctx, secret)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.SiteName != "test-source" {
		t.Fatalf("unexpected site name %q", payload.SiteName)
	}
	if len(payload.Nodes) != 2 {
		t.Fatalf("expected category + project, got %d nodes", len(payload.Nodes))
	}
	if payload.Nodes[0].ID != category.ID || payload.Nodes[0].Level != store.LevelViewAvail {
		t.Fatalf("expected the ancestor category first at VIEW_AVAIL, got %+v", payload.Nodes[0])
	}
	if payload.Nodes[0].Roles != nil {
		t.Fatal("ancestor categories carry no roles")
	}
	if payload.Nodes[1].ID != project.ID || payload.Nodes[1].Level != store.LevelReadRoles {
		t.Fatalf("expected the linked project second, got %+v", payload.Nodes[1])
	}
	if len(payload.Nodes[1].Roles) == 0 {
		t.Fatal("READ_ROLES projects include their role set")
	}

	link, err := ms.GetRemoteLink(ctx, project.ID, view.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if link.State != store.LinkSynced {
		t.Fatalf("serving the payload marks the link SYNCED, got %q", link.State)
	}
	current, _ := ms.GetNode(ctx, project.ID)
	if link.LastVersion != current.Version {
		t.Fatalf("link version %d should match node version %d", link.LastVersion, current.Version)
	}
}

func TestSourcePayloadOmitsRolesBelowReadRoles(t *testing.T) {
	service, _, _ := newTestService(testConfig())
	ctx := context.Background()
	category := mustCreate(t, service, root, CreateNodeInput{Kind: "CATEGORY", Title: "Research", OwnerID: alice.ID})
	project := mustCreate(t, service, alice, CreateNodeInput{Kind: "PROJECT", Title: "Genome", ParentID: &category.ID})

	view, secret, err := service.CreateRemoteSite(ctx, root, CreateRemoteSiteInput{Name: "mirror-a", URL: "https://mirror-a", Mode: "target"})
	if err != nil {
		t.Fatalf("create site: %v", err)
	}
	if _, err := service.SetRemoteLink(ctx, root, project.ID, SetRemoteLinkInput{SiteID: view.ID, Level: store.LevelReadInfo}); err != nil {
		t.Fatalf("set link: %v", err)
	}

	payload, err := service.SourcePayload(ctx, secret)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	for _, node := range payload.Nodes {
		if node.Roles != nil {
			t.Fatalf("no roles may leave the site below READ_ROLES, got %+v", node)
		}
	}
}

func TestTriggerSyncTargetOnly(t *testing.T) {
	service, _, _ := newTestService(testConfig())
	ctx := context.Background()
	if err := service.TriggerSync(ctx, root, "site_1"); err == nil {
		t.Fatal("a source deployment has no pull engine")
	}

	cfg := testConfig()
	cfg.SiteMode = config.SiteModeTarget
	target, ms, audit := newTestService(cfg)
	if err := ms.InsertRemoteSite(ctx, store.RemoteSite{ID: "site_1", Name: "upstream", URL: "https://src", Secret: "rs_abc", Mode: config.SiteModeSource}); err != nil {
		t.Fatalf("insert site: %v", err)
	}

	if err := target.TriggerSync(ctx, root, "site_1"); err == nil {
		t.Fatal("expected failure while no engine is wired")
	}

	triggered := ""
	target.SetSyncTrigger(func(siteID string) { triggered = siteID })
	if err := target.TriggerSync(ctx, root, "site_1"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if triggered != "site_1" {
		t.Fatalf("expected the engine to be handed site_1, got %q", triggered)
	}
	if event, ok := audit.lastTerminal("sync_trigger"); !ok || event.Status != store.StatusOK {
		t.Fatalf("expected an OK sync_trigger event, got %+v", event)
	}

	if err := target.TriggerSync(ctx, alice, "site_1"); err == nil {
		t.Fatal("trigger is superuser only")
	}
}
