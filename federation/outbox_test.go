package federation

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
)

func TestDedupeInboxesPrefersShared(t *testing.T) {
	env := newTestEnv(t)
	inboxes := []inboxTarget{
		{url: "https://b.test/u/bob/inbox"},
		{url: "https://b.test/shared/inbox", shared: true},
		{url: "https://b.test/u/carol/inbox"},
		{url: "https://c.test/u/dave/inbox"},
		{url: "https://c.test/u/dave/inbox"},
	}
	got := env.outbox.dedupeInboxes(inboxes)
	want := map[string]bool{
		"https://b.test/shared/inbox": true,
		"https://c.test/u/dave/inbox": true,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for _, u := range got {
		if !want[u] {
			t.Errorf("unexpected inbox %s", u)
		}
	}
}

func TestDedupeInboxesAllowList(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Conf.AllowListEnabled = true
	if err := env.db.EnsureDomain("friendly.test", true); err != nil {
		t.Fatal(err)
	}
	if err := env.db.EnsureDomain("stranger.test", false); err != nil {
		t.Fatal(err)
	}

	got := env.outbox.dedupeInboxes([]inboxTarget{
		{url: "https://friendly.test/inbox", shared: true},
		{url: "https://stranger.test/inbox", shared: true},
	})
	if len(got) != 1 || got[0] != "https://friendly.test/inbox" {
		t.Errorf("allow-list filtering failed: %v", got)
	}
}

func TestDispatchDescriptorPersistsAndQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	// bob follows alice
	approved := true
	if err := env.db.UpsertFollow(domain.Follow{
		ID:        uuid.New(),
		Fid:       "https://b.test/f/1",
		ActorFid:  bob.Fid,
		TargetFid: alice.Fid,
		Approved:  &approved,
	}); err != nil {
		t.Fatal(err)
	}

	activity, err := env.outbox.DispatchDescriptor(ctx, ActivityDescriptor{
		Type:     "Create",
		ActorFid: alice.Fid,
		Payload:  jsonld.Doc{"object": map[string]any{"type": "Audio"}},
		To:       []Recipient{{Type: RecipientFollowers, Target: alice.Fid}},
		CC:       []Recipient{{Type: RecipientPublic}},
	})
	if err != nil {
		t.Fatalf("DispatchDescriptor failed: %v", err)
	}
	if !activity.Local || activity.Fid == "" {
		t.Errorf("activity not minted as local: %+v", activity)
	}

	stored, err := env.db.ReadActivity(activity.ID)
	if err != nil {
		t.Fatalf("activity not persisted: %v", err)
	}
	var payload jsonld.Doc
	if err := json.Unmarshal(stored.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if jsonld.FirstID(payload["to"]) != alice.FollowersURL {
		t.Errorf("to = %v, want followers url", payload["to"])
	}
	if jsonld.FirstID(payload["cc"]) != PublicAudience {
		t.Errorf("cc = %v, want public", payload["cc"])
	}

	pending, err := env.db.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].InboxURL != bob.InboxURL {
		t.Errorf("expected one delivery to bob, got %+v", pending)
	}
}

func TestDispatchDescriptorLocalRecipients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addLocalActor(t, "alice")
	carol := env.addLocalActor(t, "carol")

	activity, err := env.outbox.DispatchDescriptor(ctx, ActivityDescriptor{
		Type:     "Follow",
		ActorFid: alice.Fid,
		To:       []Recipient{{Type: RecipientActorInbox, Target: carol.Fid}},
	})
	if err != nil {
		t.Fatal(err)
	}

	items, err := env.db.ReadInboxItems(activity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ActorFid != carol.Fid || items[0].Type != "to" {
		t.Errorf("unexpected inbox items: %+v", items)
	}
	pending, _ := env.db.ReadPendingDeliveries(10)
	if len(pending) != 0 {
		t.Errorf("local-only addressing must not queue deliveries, got %d", len(pending))
	}
}
