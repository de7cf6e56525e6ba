package web

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/federation"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/rss"
	"github.com/lowfreq/tremolo/util"
)

type testEnv struct {
	db       *db.DB
	conf     *util.AppConfig
	registry *federation.Registry
	server   *Server
	engine   *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(t.TempDir() + "/web.db")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = "a.test"
	conf.Conf.ServiceActorName = "service"
	conf.Conf.ActorFetchDelay = 2880
	conf.Conf.FetchDedupWindow = 50
	conf.Conf.RssMaxItems = 250
	conf.Conf.RssRefreshInterval = 1440

	chain := &federation.Chain{}
	chain.Register("instance_policies", federation.InstancePoliciesPolicy(database))
	registry := federation.NewRegistry(database, conf, chain)
	inbox := federation.NewInboxRouter(database, conf, registry)
	outbox := federation.NewOutboxRouter(database, conf, registry)
	handlers := &federation.CoreHandlers{
		DB: database, Conf: conf, Registry: registry, Outbox: outbox,
		Fetcher: federation.NewFetcher(database, registry),
	}
	federation.RegisterCoreRoutes(inbox, outbox, handlers)

	server := NewServer(database, conf, registry, inbox, rss.NewService(database, conf, registry))
	return &testEnv{
		db:       database,
		conf:     conf,
		registry: registry,
		server:   server,
		engine:   server.Router(),
	}
}

func (env *testEnv) addLocalActor(t *testing.T, username string) domain.Actor {
	t.Helper()
	actor, err := env.registry.NewLocalActor(username, "Person")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.UpsertActor(actor); err != nil {
		t.Fatal(err)
	}
	return actor
}

func (env *testEnv) addRemoteActor(t *testing.T, fid string) domain.Actor {
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
		PreferredUsername: "remote",
		Type:              "Person",
		InboxURL:          fid + "/inbox",
		PublicKeyPem:      keys.Public,
		PrivateKeyPem:     keys.Private,
	}
	if err := env.db.UpsertActor(actor); err != nil {
		t.Fatal(err)
	}
	return actor
}

func (env *testEnv) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "https://a.test"+path, nil)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

// signedPost signs and delivers an activity the way a remote instance
// would.
func (env *testEnv) signedPost(t *testing.T, path string, payload jsonld.Doc, signer domain.Actor) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "https://a.test"+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", federation.ContentType)

	priv, err := util.ParsePrivateKey(signer.PrivateKeyPem)
	if err != nil {
		t.Fatal(err)
	}
	if err := federation.SignPostRequest(req, body, priv, signer.KeyID()); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) jsonld.Doc {
	t.Helper()
	var doc jsonld.Doc
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("invalid json response: %v", err)
	}
	return doc
}

func TestActorDocument(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")

	w := env.get("/federation/actors/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != federation.ContentType+"; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
	doc := decodeBody(t, w)
	if doc["id"] != alice.Fid {
		t.Errorf("id = %v", doc["id"])
	}
	if jsonld.GetString(doc, "publicKey.publicKeyPem") == "" {
		t.Error("actor document must expose the public key")
	}

	if w := env.get("/federation/actors/nobody"); w.Code != http.StatusNotFound {
		t.Errorf("unknown actor: status = %d", w.Code)
	}
}

func TestInboxPostFollow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	follow := jsonld.Doc{
		"id":     "https://b.test/activities/1",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
		"to":     []any{alice.Fid},
	}
	w := env.signedPost(t, "/federation/actors/alice/inbox", follow, bob)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if _, err := env.db.ReadActivityByFid("https://b.test/activities/1"); err != nil {
		t.Errorf("activity not persisted: %v", err)
	}

	// redelivery acknowledges without a second row
	w = env.signedPost(t, "/federation/actors/alice/inbox", follow, bob)
	if w.Code != http.StatusAccepted {
		t.Errorf("duplicate delivery: status = %d", w.Code)
	}
}

func TestInboxPostUnsupportedContentType(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	follow := jsonld.Doc{
		"id":     "https://b.test/activities/ct",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
	}
	body, err := json.Marshal(follow)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "https://a.test/federation/actors/alice/inbox",
		bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	priv, err := util.ParsePrivateKey(bob.PrivateKeyPem)
	if err != nil {
		t.Fatal(err)
	}
	if err := federation.SignPostRequest(req, body, priv, bob.KeyID()); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// parameters on an ActivityPub media type are fine
	req = httptest.NewRequest(http.MethodPost, "https://a.test/federation/actors/alice/inbox",
		bytes.NewReader(body))
	req.Header.Set("Content-Type", federation.ContentTypeAlt)
	if err := federation.SignPostRequest(req, body, priv, bob.KeyID()); err != nil {
		t.Fatal(err)
	}
	w = httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("ld+json with profile: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestInboxPostRejectsUnsigned(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalActor(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "https://a.test/federation/actors/alice/inbox",
		bytes.NewReader([]byte(`{"type":"Follow"}`)))
	req.Header.Set("Content-Type", federation.ContentType)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}

func TestInboxPostBlockedDomain(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://blocked.test/u/bob")
	if _, err := env.db.CreateInstancePolicy(domain.InstancePolicy{
		TargetDomain: "blocked.test",
		IsActive:     true,
		BlockAll:     true,
	}); err != nil {
		t.Fatal(err)
	}

	follow := jsonld.Doc{
		"id":     "https://blocked.test/activities/1",
		"type":   "Follow",
		"actor":  bob.Fid,
		"object": alice.Fid,
		"to":     []any{alice.Fid},
	}
	w := env.signedPost(t, "/federation/shared/inbox", follow, bob)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestOutboxPagination(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")

	for i := 0; i < 3; i++ {
		payload, _ := json.Marshal(jsonld.Doc{"type": "Create", "seq": i})
		if err := env.db.CreateActivity(domain.Activity{
			ID:       uuid.New(),
			Fid:      fmt.Sprintf("https://a.test/federation/activities/%d", i),
			Type:     "Create",
			ActorFid: alice.Fid,
			Payload:  payload,
			Local:    true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := env.get("/federation/actors/alice/outbox")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := decodeBody(t, w)
	if doc["type"] != "OrderedCollection" || doc["totalItems"] != float64(3) {
		t.Errorf("envelope = %v", doc)
	}

	w = env.get("/federation/actors/alice/outbox?page=1")
	page := decodeBody(t, w)
	if page["type"] != "OrderedCollectionPage" {
		t.Errorf("page type = %v", page["type"])
	}
	items, _ := page["orderedItems"].([]any)
	if len(items) != 3 {
		t.Errorf("expected 3 items, got %d", len(items))
	}
	if _, hasNext := page["next"]; hasNext {
		t.Error("a single page must not link a next page")
	}

	if w := env.get("/federation/actors/alice/outbox?page=0"); w.Code != http.StatusBadRequest {
		t.Errorf("page=0: status = %d", w.Code)
	}
}

func TestInboxCollection(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")
	bob := env.addRemoteActor(t, "https://b.test/u/bob")

	payload, _ := json.Marshal(jsonld.Doc{"id": "https://b.test/activities/1", "type": "Follow"})
	if err := env.db.CreateActivityWithItems(domain.Activity{
		ID:       uuid.New(),
		Fid:      "https://b.test/activities/1",
		Type:     "Follow",
		ActorFid: bob.Fid,
		Payload:  payload,
	}, []domain.InboxItem{{ActorFid: alice.Fid, Type: "to"}}); err != nil {
		t.Fatal(err)
	}

	w := env.get("/federation/actors/alice/inbox")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := decodeBody(t, w)
	if doc["type"] != "OrderedCollection" || doc["totalItems"] != float64(1) {
		t.Errorf("envelope = %v", doc)
	}
	if doc["id"] != alice.InboxURL {
		t.Errorf("collection id = %v, want %s", doc["id"], alice.InboxURL)
	}

	page := decodeBody(t, env.get("/federation/actors/alice/inbox?page=1"))
	items, _ := page["orderedItems"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
	item, _ := items[0].(map[string]any)
	if item["id"] != "https://b.test/activities/1" {
		t.Errorf("item = %v", item)
	}

	if w := env.get("/federation/actors/nobody/inbox"); w.Code != http.StatusNotFound {
		t.Errorf("unknown actor: status = %d", w.Code)
	}
}

func TestFollowersCollection(t *testing.T) {
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

	doc := decodeBody(t, env.get("/federation/actors/alice/followers"))
	if doc["totalItems"] != float64(1) {
		t.Errorf("totalItems = %v", doc["totalItems"])
	}

	page := decodeBody(t, env.get("/federation/actors/alice/followers?page=1"))
	items, _ := page["orderedItems"].([]any)
	if len(items) != 1 || items[0] != bob.Fid {
		t.Errorf("items = %v", items)
	}
}

func TestLibraryVisibility(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")

	private := domain.Library{
		ID:           uuid.New(),
		Fid:          "https://a.test/federation/libraries/private",
		ActorFid:     alice.Fid,
		Name:         "private",
		PrivacyLevel: domain.PrivacyMe,
	}
	public := domain.Library{
		ID:           uuid.New(),
		Fid:          "https://a.test/federation/libraries/public",
		ActorFid:     alice.Fid,
		Name:         "public",
		PrivacyLevel: domain.PrivacyEveryone,
	}
	for _, l := range []domain.Library{private, public} {
		if err := env.db.UpsertLibrary(l); err != nil {
			t.Fatal(err)
		}
	}

	if w := env.get("/federation/libraries/" + private.ID.String()); w.Code != http.StatusNotFound {
		t.Errorf("private library: status = %d", w.Code)
	}
	w := env.get("/federation/libraries/" + public.ID.String())
	if w.Code != http.StatusOK {
		t.Fatalf("public library: status = %d", w.Code)
	}
	doc := decodeBody(t, w)
	if doc["id"] != public.Fid || doc["audience"] != federation.PublicAudience {
		t.Errorf("library doc = %v", doc)
	}
}
