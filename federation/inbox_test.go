package federation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

func TestMatchPattern(t *testing.T) {
	payload := jsonld.Doc{
		"type": "Undo",
		"object": map[string]any{
			"type": "Follow",
			"id":   "https://b.test/f/1",
		},
	}

	cases := []struct {
		name    string
		pattern RoutePattern
		want    bool
	}{
		{"exact type", RoutePattern{"type": "Undo"}, true},
		{"nested path", RoutePattern{"type": "Undo", "object.type": "Follow"}, true},
		{"wrong nested", RoutePattern{"type": "Undo", "object.type": "Like"}, false},
		{"wrong type", RoutePattern{"type": "Delete"}, false},
		{"alternatives hit", RoutePattern{"object.type": []string{"Like", "Follow"}}, true},
		{"alternatives miss", RoutePattern{"object.type": []string{"Like", "Announce"}}, false},
		{"empty pattern", RoutePattern{}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := MatchPattern(c.pattern, payload); got != c.want {
				t.Errorf("MatchPattern(%v) = %v, want %v", c.pattern, got, c.want)
			}
		})
	}
}

type testEnv struct {
	db       *db.DB
	conf     *util.AppConfig
	registry *Registry
	inbox    *InboxRouter
	outbox   *OutboxRouter
	handlers *CoreHandlers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database := openTestDB(t)
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "a.test"
	conf.Conf.ServiceActorName = "service"
	conf.Conf.ActorFetchDelay = 2880
	conf.Conf.FetchDedupWindow = 50

	chain := &Chain{}
	chain.Register("instance_policies", InstancePoliciesPolicy(database))

	registry := NewRegistry(database, conf, chain)
	outbox := NewOutboxRouter(database, conf, registry)
	inbox := NewInboxRouter(database, conf, registry)
	handlers := &CoreHandlers{DB: database, Conf: conf, Registry: registry, Outbox: outbox, Fetcher: NewFetcher(database, registry)}
	RegisterCoreRoutes(inbox, outbox, handlers)

	return &testEnv{db: database, conf: conf, registry: registry, inbox: inbox, outbox: outbox, handlers: handlers}
}

func (e *testEnv) addLocalActor(t *testing.T, username string) domain.Actor {
	t.Helper()
	actor, err := e.registry.NewLocalActor(username, "Person")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.db.UpsertActor(actor); err != nil {
		t.Fatal(err)
	}
	return actor
}

func (e *testEnv) addRemoteActor(t *testing.T, fid string) domain.Actor {
	t.Helper()
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		t.Fatal(err)
	}
	host, err := util.ExtractDomain(fid)
	if err != nil {
		t.Fatal(err)
	}
	actor := domain.Actor{
		ID:                uuid.New(),
		Fid:               fid,
		Domain:            host,
		PreferredUsername: "bob",
		Type:              "Person",
		InboxURL:          fid + "/inbox",
		FollowersURL:      fid + "/followers",
		PublicKeyPem:      keys.Public,
	}
	if err := e.db.UpsertActor(actor); err != nil {
		t.Fatal(err)
	}
	stored, err := e.db.ReadActorByFid(fid)
	if err != nil {
		t.Fatal(err)
	}
	return stored
}

func TestReceiveFollowAutoAccept(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	payload := jsonld.Doc{
		"id":     "https://b.test/f/1",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
		"to":     []any{alice.Fid},
	}
	activity, created, err := env.inbox.Receive(ctx, payload, bob)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !created {
		t.Fatal("expected a new activity")
	}
	if err := env.inbox.Dispatch(ctx, activity.ID, bob); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	follow, err := env.db.ReadFollow(bob.Fid, alice.Fid)
	if err != nil {
		t.Fatalf("follow row missing: %v", err)
	}
	if !follow.IsApproved() {
		t.Error("follow should be auto-approved")
	}

	// The Accept must be queued to bob's inbox.
	pending, err := env.db.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued delivery, got %d", len(pending))
	}
	if pending[0].InboxURL != bob.InboxURL {
		t.Errorf("delivery targets %s, want %s", pending[0].InboxURL, bob.InboxURL)
	}
	accept, err := env.db.ReadActivity(pending[0].ActivityID)
	if err != nil {
		t.Fatal(err)
	}
	if accept.Type != "Accept" || !accept.Local {
		t.Errorf("queued activity is %s local=%v", accept.Type, accept.Local)
	}

	// The local recipient got an inbox item.
	items, err := env.db.ReadInboxItems(activity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ActorFid != alice.Fid {
		t.Errorf("unexpected inbox items: %+v", items)
	}
}

func TestReceiveManualApprovalLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addLocalActor(t, "alice")
	alice.ManuallyApprovesFollowers = true
	if err := env.db.UpsertActor(alice); err != nil {
		t.Fatal(err)
	}
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	payload := jsonld.Doc{
		"id":     "https://b.test/f/2",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
	}
	activity, _, err := env.inbox.Receive(ctx, payload, bob)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.inbox.Dispatch(ctx, activity.ID, bob); err != nil {
		t.Fatal(err)
	}

	follow, err := env.db.ReadFollow(bob.Fid, alice.Fid)
	if err != nil {
		t.Fatal(err)
	}
	if follow.Approved != nil {
		t.Error("follow should stay pending")
	}
	pending, _ := env.db.ReadPendingDeliveries(10)
	if len(pending) != 0 {
		t.Errorf("no Accept should be queued, got %d deliveries", len(pending))
	}
}

func TestReceiveDuplicateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	payload := jsonld.Doc{
		"id":     "https://b.test/f/1",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
	}
	if _, created, err := env.inbox.Receive(ctx, payload, bob); err != nil || !created {
		t.Fatalf("first receive: created=%v err=%v", created, err)
	}
	_, created, err := env.inbox.Receive(ctx, payload, bob)
	if err != nil {
		t.Fatalf("second receive must be acknowledged, got %v", err)
	}
	if created {
		t.Error("second receive must not create a new activity")
	}
}

func TestReceiveBlockedDomain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")
	if _, err := env.db.CreateInstancePolicy(domain.InstancePolicy{
		TargetDomain: "b.test",
		IsActive:     true,
		BlockAll:     true,
	}); err != nil {
		t.Fatal(err)
	}

	payload := jsonld.Doc{
		"id":     "https://b.test/f/1",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
	}
	_, _, err := env.inbox.Receive(ctx, payload, bob)
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if _, err := env.db.ReadFollow(bob.Fid, alice.Fid); !errors.Is(err, db.ErrNotFound) {
		t.Error("no follow row may exist for a blocked sender")
	}
	if _, err := env.db.ReadActivityByFid("https://b.test/f/1"); !errors.Is(err, db.ErrNotFound) {
		t.Error("no activity row may exist for a blocked sender")
	}
}

func TestReceiveRejectsMismatchedActor(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	payload := jsonld.Doc{
		"id":     "https://b.test/f/1",
		"type":   "Follow",
		"actor":  "https://b.test/u/mallory",
		"object": alice.Fid,
	}
	_, _, err := env.inbox.Receive(context.Background(), payload, bob)
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Errorf("expected ErrAuthorizationDenied, got %v", err)
	}
}

func TestUpdateTrackAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.addRemoteActor(t, "https://b.test/u/bob")
	carol := env.addRemoteActor(t, "https://c.test/u/carol")

	library := domain.Library{
		ID:       uuid.New(),
		Fid:      "https://b.test/libraries/1",
		ActorFid: bob.Fid,
		Name:     "bobs tracks",
	}
	if err := env.db.UpsertLibrary(library); err != nil {
		t.Fatal(err)
	}
	artist := domain.Artist{ID: uuid.New(), Name: "bob", AttributedTo: bob.Fid, ContentCategory: "music"}
	if err := env.db.UpsertArtist(artist); err != nil {
		t.Fatal(err)
	}
	track := domain.Track{
		ID:       uuid.New(),
		Fid:      "https://b.test/tracks/1",
		Title:    "Original",
		ArtistID: artist.ID,
		Position: 1,
	}
	if err := env.db.UpsertTrack(track); err != nil {
		t.Fatal(err)
	}
	upload := domain.Upload{
		ID:           uuid.New(),
		Fid:          "https://b.test/uploads/1",
		LibraryID:    library.ID,
		TrackID:      track.ID,
		Source:       "https://b.test/media/1.mp3",
		ImportStatus: domain.ImportFinished,
	}
	if err := env.db.UpsertUpload(upload); err != nil {
		t.Fatal(err)
	}

	// carol tries to rename bob's track
	payload := jsonld.Doc{
		"id":    "https://c.test/a/1",
		"type":  "Update",
		"actor": carol.Fid,
		"object": map[string]any{
			"id":   track.Fid,
			"type": "Track",
			"name": "Hijacked",
		},
	}
	activity, _, err := env.inbox.Receive(ctx, payload, carol)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	// dispatch drops the unauthorized mutation silently
	if err := env.inbox.Dispatch(ctx, activity.ID, carol); err != nil {
		t.Fatalf("Dispatch must swallow authorization failures, got %v", err)
	}
	got, err := env.db.ReadTrack(track.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Original" {
		t.Errorf("unauthorized update applied: %q", got.Title)
	}

	// the activity itself was stored
	if _, err := env.db.ReadActivityByFid("https://c.test/a/1"); err != nil {
		t.Errorf("activity should be stored: %v", err)
	}
}

func TestUnknownActivityStoredAndIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	payload := jsonld.Doc{
		"id":     "https://b.test/a/9",
		"type":   "Announce",
		"actor":  bob.Fid,
		"object": "https://b.test/tracks/1",
	}
	activity, created, err := env.inbox.Receive(ctx, payload, bob)
	if err != nil || !created {
		t.Fatalf("receive: created=%v err=%v", created, err)
	}
	if err := env.inbox.Dispatch(ctx, activity.ID, bob); err != nil {
		t.Fatalf("unknown activities must not fail dispatch: %v", err)
	}
}
