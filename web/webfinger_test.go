package web

import (
	"net/http"
	"testing"

	"github.com/lowfreq/tremolo/jsonld"
)

func TestWebfinger(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addLocalActor(t, "alice")

	w := env.get("/.well-known/webfinger?resource=acct:alice@a.test")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := decodeBody(t, w)
	if doc["subject"] != "acct:alice@a.test" {
		t.Errorf("subject = %v", doc["subject"])
	}
	links, _ := doc["links"].([]any)
	if len(links) != 1 {
		t.Fatalf("links = %v", links)
	}
	link, _ := links[0].(map[string]any)
	if link["rel"] != "self" || link["href"] != alice.Fid {
		t.Errorf("self link = %v", link)
	}
}

func TestWebfingerRejects(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalActor(t, "alice")

	cases := map[string]string{
		"wrong domain":     "/.well-known/webfinger?resource=acct:alice@elsewhere.test",
		"unknown user":     "/.well-known/webfinger?resource=acct:nobody@a.test",
		"missing resource": "/.well-known/webfinger",
		"not an acct":      "/.well-known/webfinger?resource=https://a.test/alice",
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			if w := env.get(path); w.Code != http.StatusNotFound {
				t.Errorf("status = %d", w.Code)
			}
		})
	}
}

func TestNodeinfo(t *testing.T) {
	env := newTestEnv(t)
	env.addLocalActor(t, "alice")

	index := decodeBody(t, env.get("/.well-known/nodeinfo"))
	links, _ := index["links"].([]any)
	if len(links) != 1 {
		t.Fatalf("links = %v", links)
	}
	link, _ := links[0].(map[string]any)
	if link["href"] != "https://a.test/nodeinfo/2.0" {
		t.Errorf("href = %v", link["href"])
	}

	doc := decodeBody(t, env.get("/nodeinfo/2.0"))
	if jsonld.GetString(doc, "software.name") != "tremolo" {
		t.Errorf("software = %v", doc["software"])
	}
	if doc["openRegistrations"] != true {
		t.Errorf("openRegistrations = %v", doc["openRegistrations"])
	}
	if total, _ := jsonld.GetPath(doc, "usage.users.total"); total != float64(1) {
		t.Errorf("usage = %v", doc["usage"])
	}

	env.conf.Conf.Closed = true
	doc = decodeBody(t, env.get("/nodeinfo/2.0"))
	if doc["openRegistrations"] != false {
		t.Errorf("closed instance must report closed registrations, got %v", doc["openRegistrations"])
	}
}
