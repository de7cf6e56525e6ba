package rss

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/federation"
	"github.com/lowfreq/tremolo/util"
)

type testEnv struct {
	db      *db.DB
	conf    *util.AppConfig
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(t.TempDir() + "/rss.db")
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

	return &testEnv{db: database, conf: conf, service: NewService(database, conf, registry)}
}

const feedTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
<channel>
<title>Night Static</title>
<link>https://pod.test/</link>
<description>late night field recordings</description>
<language>en</language>
<itunes:category text="Music"><itunes:category text="Music Commentary"/></itunes:category>
<itunes:owner><itunes:name>Sam</itunes:name><itunes:email>sam@pod.test</itunes:email></itunes:owner>
%s
</channel>
</rss>`

func feedItem(guid, title, enclosureURL, duration string, episode int) string {
	return fmt.Sprintf(`<item>
<title>%s</title>
<guid>%s</guid>
<enclosure url="%s" length="2048" type="audio/mpeg"/>
<itunes:duration>%s</itunes:duration>
<itunes:episode>%d</itunes:episode>
</item>`, title, guid, enclosureURL, duration, episode)
}

func serveFeed(t *testing.T, body *string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, *body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestIngestCreatesChannelGraph(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(feedTemplate,
		feedItem("ep-1", "Episode 1", "https://pod.test/ep1.mp3", "12:34", 1)+
			feedItem("ep-2", "Episode 2", "https://pod.test/ep2.mp3", "01:02:03", 2)+
			feedItem("ep-3", "Episode 3", "https://pod.test/ep3.mp3", "90", 3))
	server := serveFeed(t, &body)

	channel, err := env.service.Ingest(context.Background(), server.URL+"/feed.xml")
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	actor, err := env.db.ReadActorByFid(channel.ActorFid)
	if err != nil {
		t.Fatalf("channel actor missing: %v", err)
	}
	if actor.Type != "Application" || !actor.Local {
		t.Errorf("unexpected channel actor: %+v", actor)
	}
	if actor.PreferredUsername != "rssfeed-"+channel.ID.String() {
		t.Errorf("username = %s", actor.PreferredUsername)
	}
	if actor.Name != "Night Static" {
		t.Errorf("actor name = %q", actor.Name)
	}

	library, err := env.db.ReadLibrary(channel.LibraryID)
	if err != nil {
		t.Fatal(err)
	}
	if library.PrivacyLevel != domain.PrivacyEveryone {
		t.Errorf("feed libraries must be public, got %q", library.PrivacyLevel)
	}

	artist, err := env.db.ReadArtist(channel.ArtistID)
	if err != nil {
		t.Fatal(err)
	}
	if artist.ContentCategory != "podcast" {
		t.Errorf("content category = %q", artist.ContentCategory)
	}

	if channel.Metadata.OwnerName != "Sam" || channel.Metadata.ItunesCategory != "Music" {
		t.Errorf("metadata not captured: %+v", channel.Metadata)
	}

	uploads, err := env.db.ReadUploadsByLibrary(channel.LibraryID)
	if err != nil {
		t.Fatal(err)
	}
	if len(uploads) != 3 {
		t.Fatalf("expected 3 uploads, got %d", len(uploads))
	}

	// Track ids derive from (channel, guid) so re-ingesting converges.
	track, err := env.db.ReadTrack(TrackUUID(channel.ID, "ep-1"))
	if err != nil {
		t.Fatalf("deterministic track id not honored: %v", err)
	}
	if track.Title != "Episode 1" || track.Position != 1 {
		t.Errorf("track = %+v", track)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(feedTemplate, feedItem("ep-1", "Episode 1", "https://pod.test/ep1.mp3", "10:00", 1))
	server := serveFeed(t, &body)
	url := server.URL + "/feed.xml"

	first, err := env.service.Ingest(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.service.Ingest(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.ActorFid != first.ActorFid {
		t.Errorf("re-ingest minted a new channel: %+v vs %+v", first, second)
	}
	uploads, _ := env.db.ReadUploadsByLibrary(first.LibraryID)
	if len(uploads) != 1 {
		t.Errorf("expected 1 upload after re-ingest, got %d", len(uploads))
	}
}

func TestIngestReplacesMovedEnclosure(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(feedTemplate, feedItem("ep-1", "Episode 1", "https://pod.test/old.mp3", "10:00", 1))
	server := serveFeed(t, &body)
	url := server.URL + "/feed.xml"

	channel, err := env.service.Ingest(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	before, err := env.db.ReadUploadForTrack(channel.LibraryID, TrackUUID(channel.ID, "ep-1"))
	if err != nil {
		t.Fatal(err)
	}

	body = fmt.Sprintf(feedTemplate, feedItem("ep-1", "Episode 1", "https://pod.test/new.mp3", "10:00", 1))
	if _, err := env.service.Ingest(context.Background(), url); err != nil {
		t.Fatal(err)
	}
	after, err := env.db.ReadUploadForTrack(channel.LibraryID, TrackUUID(channel.ID, "ep-1"))
	if err != nil {
		t.Fatal(err)
	}
	if after.Source != "https://pod.test/new.mp3" {
		t.Errorf("source = %s", after.Source)
	}
	if after.ID == before.ID {
		t.Error("a moved enclosure must replace the upload")
	}
	if _, err := env.db.ReadUpload(before.ID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("stale upload still present: %v", err)
	}
}

func TestIngestHonorsItemCap(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Conf.RssMaxItems = 2
	body := fmt.Sprintf(feedTemplate,
		feedItem("ep-1", "Episode 1", "https://pod.test/ep1.mp3", "10:00", 1)+
			feedItem("ep-2", "Episode 2", "https://pod.test/ep2.mp3", "10:00", 2)+
			feedItem("ep-3", "Episode 3", "https://pod.test/ep3.mp3", "10:00", 3))
	server := serveFeed(t, &body)

	channel, err := env.service.Ingest(context.Background(), server.URL+"/feed.xml")
	if err != nil {
		t.Fatal(err)
	}
	uploads, _ := env.db.ReadUploadsByLibrary(channel.LibraryID)
	if len(uploads) != 2 {
		t.Errorf("expected cap of 2 uploads, got %d", len(uploads))
	}
}

func TestIngestSkipsItemsWithoutEnclosure(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(feedTemplate,
		`<item><title>Show notes only</title><guid>notes-1</guid></item>`+
			feedItem("ep-1", "Episode 1", "https://pod.test/ep1.mp3", "10:00", 1))
	server := serveFeed(t, &body)

	channel, err := env.service.Ingest(context.Background(), server.URL+"/feed.xml")
	if err != nil {
		t.Fatalf("a bad item must not fail the ingest: %v", err)
	}
	uploads, _ := env.db.ReadUploadsByLibrary(channel.LibraryID)
	if len(uploads) != 1 {
		t.Errorf("expected 1 upload, got %d", len(uploads))
	}
}

func TestIngestBlockedFeed(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.db.CreateInstancePolicy(domain.InstancePolicy{
		TargetDomain: "pod.test",
		IsActive:     true,
		BlockAll:     true,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := env.service.Ingest(context.Background(), "https://pod.test/feed.xml")
	if !errors.Is(err, federation.ErrBlocked) {
		t.Errorf("expected ErrBlocked, got %v", err)
	}
}

func TestSubscribeCreatesApprovedFollow(t *testing.T) {
	env := newTestEnv(t)
	body := fmt.Sprintf(feedTemplate, feedItem("ep-1", "Episode 1", "https://pod.test/ep1.mp3", "10:00", 1))
	server := serveFeed(t, &body)

	subscriber, err := env.service.Registry.NewLocalActor("alice", "Person")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.UpsertActor(subscriber); err != nil {
		t.Fatal(err)
	}

	channel, err := env.service.Subscribe(context.Background(), server.URL+"/feed.xml", subscriber)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	follow, err := env.db.ReadFollow(subscriber.Fid, channel.ActorFid)
	if err != nil {
		t.Fatalf("follow missing: %v", err)
	}
	if !follow.IsApproved() {
		t.Error("feed subscriptions are auto-approved")
	}
}

func TestRefreshDueDeletesBlockedChannel(t *testing.T) {
	env := newTestEnv(t)
	env.conf.Conf.RssRefreshInterval = 0
	body := fmt.Sprintf(feedTemplate, feedItem("ep-1", "Episode 1", "https://pod.test/ep1.mp3", "10:00", 1))
	server := serveFeed(t, &body)
	url := server.URL + "/feed.xml"

	channel, err := env.service.Ingest(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}

	// Timestamps have one-second resolution, the channel must age past
	// its refresh deadline.
	time.Sleep(1100 * time.Millisecond)

	host, _ := util.ExtractDomain(server.URL)
	if _, err := env.db.CreateInstancePolicy(domain.InstancePolicy{
		TargetDomain: host,
		IsActive:     true,
		BlockAll:     true,
	}); err != nil {
		t.Fatal(err)
	}

	env.service.RefreshDue(context.Background())

	if _, err := env.db.ReadChannelByRssURL(url); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("blocked channel not deleted: %v", err)
	}
	if _, err := env.db.ReadActorByFid(channel.ActorFid); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("channel actor not deleted: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"01:02:03", 3723},
		{"12:34", 754},
		{"90", 90},
		{" 90 ", 90},
		{"", 0},
		{"abc", 0},
		{"-5", 0},
		{"1:2:3:4", 0},
	}
	for _, c := range cases {
		if got := ParseDuration(c.raw); got != c.want {
			t.Errorf("ParseDuration(%q) = %d, want %d", c.raw, got, c.want)
		}
	}
}
