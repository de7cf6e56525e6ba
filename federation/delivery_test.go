package federation

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
)

func newTestWorker(e *testEnv) *DeliveryWorker {
	return NewDeliveryWorker(e.db, e.conf, e.registry, e.outbox, e.inbox)
}

func TestReconcileRedispatchesInbound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	payload := jsonld.Doc{
		"id":     "https://b.test/f/7",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
		"to":     []any{alice.Fid},
	}
	// receipt committed but the post-commit dispatch never ran, as after
	// a crash between the 202 and the handler pass
	if _, _, err := env.inbox.Receive(ctx, payload, bob); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	stale, err := env.db.ReadUndispatchedInboundActivities(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected 1 undispatched inbound activity, got %d", len(stale))
	}

	worker := newTestWorker(env)
	worker.reconcileInbound(ctx, 0)

	follow, err := env.db.ReadFollow(bob.Fid, alice.Fid)
	if err != nil {
		t.Fatalf("follow row missing after reconcile: %v", err)
	}
	if !follow.IsApproved() {
		t.Error("follow should be auto-approved by the re-dispatch")
	}
	pending, err := env.db.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].InboxURL != bob.InboxURL {
		t.Errorf("Accept not queued to bob: %+v", pending)
	}

	stale, err = env.db.ReadUndispatchedInboundActivities(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 0 {
		t.Errorf("activity still undispatched after reconcile: %+v", stale)
	}
}

func TestRecipientsOfAddressing(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")
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
	worker := newTestWorker(env)

	mkActivity := func(t *testing.T, to []any) domain.Activity {
		t.Helper()
		raw, err := json.Marshal(jsonld.Doc{"to": to})
		if err != nil {
			t.Fatal(err)
		}
		return domain.Activity{
			ID:      uuid.New(),
			Fid:     "https://a.test/federation/activities/" + uuid.NewString(),
			Payload: raw,
		}
	}

	t.Run("direct actor fid", func(t *testing.T) {
		inboxes, err := worker.recipientsOf(mkActivity(t, []any{bob.Fid}))
		if err != nil {
			t.Fatal(err)
		}
		if len(inboxes) != 1 || inboxes[0] != bob.InboxURL {
			t.Errorf("got %v, want [%s]", inboxes, bob.InboxURL)
		}
	})

	t.Run("followers collection", func(t *testing.T) {
		inboxes, err := worker.recipientsOf(mkActivity(t, []any{alice.FollowersURL}))
		if err != nil {
			t.Fatal(err)
		}
		if len(inboxes) != 1 || inboxes[0] != bob.InboxURL {
			t.Errorf("got %v, want [%s]", inboxes, bob.InboxURL)
		}
	})

	t.Run("public audience", func(t *testing.T) {
		inboxes, err := worker.recipientsOf(mkActivity(t, []any{PublicAudience}))
		if err != nil {
			t.Fatal(err)
		}
		if len(inboxes) != 1 || inboxes[0] != bob.InboxURL {
			t.Errorf("got %v, want [%s]", inboxes, bob.InboxURL)
		}
	})

	t.Run("unresolvable address skipped", func(t *testing.T) {
		inboxes, err := worker.recipientsOf(mkActivity(t, []any{"https://c.test/u/nobody"}))
		if err != nil {
			t.Fatal(err)
		}
		if len(inboxes) != 0 {
			t.Errorf("unknown recipient should be dropped, got %v", inboxes)
		}
	})
}
