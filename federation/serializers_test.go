package federation

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
)

func TestActorRoundTrip(t *testing.T) {
	actor := &domain.Actor{
		ID:                uuid.New(),
		Fid:               "https://a.test/federation/actors/alice",
		Domain:            "a.test",
		PreferredUsername: "alice",
		Name:              "Alice",
		Summary:           "plays theremin",
		Type:              "Person",
		InboxURL:          "https://a.test/federation/actors/alice/inbox",
		OutboxURL:         "https://a.test/federation/actors/alice/outbox",
		SharedInboxURL:    "https://a.test/federation/shared/inbox",
		FollowersURL:      "https://a.test/federation/actors/alice/followers",
		FollowingURL:      "https://a.test/federation/actors/alice/following",
		PublicKeyPem:      "-----BEGIN RSA PUBLIC KEY-----\nabc\n-----END RSA PUBLIC KEY-----",
	}

	doc := RenderActor(actor)
	parsed, err := ParseActor(doc)
	if err != nil {
		t.Fatalf("ParseActor failed: %v", err)
	}

	if parsed.Fid != actor.Fid ||
		parsed.PreferredUsername != actor.PreferredUsername ||
		parsed.Name != actor.Name ||
		parsed.Summary != actor.Summary ||
		parsed.Type != actor.Type ||
		parsed.InboxURL != actor.InboxURL ||
		parsed.OutboxURL != actor.OutboxURL ||
		parsed.SharedInboxURL != actor.SharedInboxURL ||
		parsed.FollowersURL != actor.FollowersURL ||
		parsed.PublicKeyPem != actor.PublicKeyPem ||
		parsed.Domain != actor.Domain {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestParseActorMissingKey(t *testing.T) {
	doc := jsonld.Doc{
		"id":                "https://b.test/u/bob",
		"type":              "Person",
		"inbox":             "https://b.test/u/bob/inbox",
		"preferredUsername": "bob",
	}
	if _, err := ParseActor(doc); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestParseActorRejectsUnknownType(t *testing.T) {
	doc := jsonld.Doc{
		"id":                "https://b.test/u/bob",
		"type":              "Robot",
		"inbox":             "https://b.test/u/bob/inbox",
		"preferredUsername": "bob",
		"publicKey":         map[string]any{"publicKeyPem": "pem"},
	}
	if _, err := ParseActor(doc); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestParseAudioShapes(t *testing.T) {
	base := func() jsonld.Doc {
		return jsonld.Doc{
			"id":      "https://b.test/uploads/1",
			"type":    "Audio",
			"name":    "Episode 1",
			"library": "https://b.test/libraries/1",
			"track":   "https://b.test/tracks/1",
			"size":    float64(1024),
			"bitrate": float64(192),
		}
	}

	t.Run("bare string url", func(t *testing.T) {
		doc := base()
		doc["url"] = "https://b.test/media/1.mp3"
		audio, err := ParseAudio(doc)
		if err != nil {
			t.Fatal(err)
		}
		if audio.Href != "https://b.test/media/1.mp3" {
			t.Errorf("href = %q", audio.Href)
		}
	})

	t.Run("link object", func(t *testing.T) {
		doc := base()
		doc["url"] = map[string]any{"href": "https://b.test/media/1.mp3", "mediaType": "audio/mpeg"}
		audio, err := ParseAudio(doc)
		if err != nil {
			t.Fatal(err)
		}
		if audio.MediaType != "audio/mpeg" || audio.Size != 1024 || audio.Bitrate != 192 {
			t.Errorf("parsed: %+v", audio)
		}
	})

	t.Run("link list", func(t *testing.T) {
		doc := base()
		doc["url"] = []any{map[string]any{"href": "https://b.test/media/1.ogg", "mediaType": "audio/ogg"}}
		audio, err := ParseAudio(doc)
		if err != nil {
			t.Fatal(err)
		}
		if audio.Href != "https://b.test/media/1.ogg" {
			t.Errorf("href = %q", audio.Href)
		}
	})

	t.Run("missing url", func(t *testing.T) {
		doc := base()
		if _, err := ParseAudio(doc); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("expected ErrMalformedPayload, got %v", err)
		}
	})

	t.Run("missing library", func(t *testing.T) {
		doc := base()
		delete(doc, "library")
		doc["url"] = "https://b.test/media/1.mp3"
		if _, err := ParseAudio(doc); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("expected ErrMalformedPayload, got %v", err)
		}
	})
}

func TestRenderAcceptEmbedsFollow(t *testing.T) {
	follow := &domain.Follow{
		ID:        uuid.New(),
		Fid:       "https://b.test/f/1",
		ActorFid:  "https://b.test/u/bob",
		TargetFid: "https://a.test/federation/actors/alice",
	}
	doc := RenderAccept("https://a.test/federation/activities/1", follow)
	if doc["type"] != "Accept" || doc["actor"] != follow.TargetFid {
		t.Errorf("accept envelope wrong: %v", doc)
	}
	embedded, ok := doc["object"].(jsonld.Doc)
	if !ok {
		t.Fatalf("object not embedded: %T", doc["object"])
	}
	if embedded["id"] != follow.Fid || embedded["type"] != "Follow" {
		t.Errorf("embedded follow wrong: %v", embedded)
	}
}

func TestLibraryAudienceMapsPrivacy(t *testing.T) {
	lib := &domain.Library{
		ID:           uuid.New(),
		Fid:          "https://a.test/federation/libraries/1",
		ActorFid:     "https://a.test/federation/actors/alice",
		Name:         "mixtapes",
		PrivacyLevel: domain.PrivacyEveryone,
	}
	doc := RenderLibrary(lib, 3)
	if doc["audience"] != PublicAudience {
		t.Errorf("public library should address everyone, got %v", doc["audience"])
	}

	parsed, err := ParseLibrary(doc)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.PrivacyLevel != domain.PrivacyEveryone {
		t.Errorf("privacy = %q", parsed.PrivacyLevel)
	}

	lib.PrivacyLevel = domain.PrivacyMe
	doc = RenderLibrary(lib, 0)
	parsed, err = ParseLibrary(doc)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.PrivacyLevel != domain.PrivacyMe {
		t.Errorf("privacy = %q", parsed.PrivacyLevel)
	}
}
