// Package rss imports external podcast feeds into the federation
// content model: each feed becomes a channel with a dedicated local
// actor that other actors can follow.
package rss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/federation"
	"github.com/lowfreq/tremolo/util"
)

var rssLog = log.WithPrefix("rss")

// maxFeedBody caps fetched feed documents.
const maxFeedBody = 5 << 20

// Service fetches, parses and upserts external RSS feeds.
type Service struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Registry *federation.Registry
	MRF      *federation.Chain
	Client   *http.Client
	Parser   *gofeed.Parser
}

func NewService(database *db.DB, conf *util.AppConfig, registry *federation.Registry) *Service {
	return &Service{
		DB:       database,
		Conf:     conf,
		Registry: registry,
		MRF:      registry.MRF,
		Client:   &http.Client{Timeout: 10 * time.Second},
		Parser:   gofeed.NewParser(),
	}
}

// Subscribe ingests the feed and records an approved follow from the
// subscriber to the channel actor.
func (s *Service) Subscribe(ctx context.Context, rssURL string, subscriber domain.Actor) (domain.Channel, error) {
	channel, err := s.Ingest(ctx, rssURL)
	if err != nil {
		return domain.Channel{}, err
	}
	approved := true
	follow := domain.Follow{
		ID:        uuid.New(),
		Fid:       fmt.Sprintf("https://%s/federation/follows/%s", s.Conf.Conf.SslDomain, uuid.NewString()),
		ActorFid:  subscriber.Fid,
		TargetFid: channel.ActorFid,
		Approved:  &approved,
	}
	if err := s.DB.UpsertFollow(follow); err != nil {
		return domain.Channel{}, err
	}
	return channel, nil
}

// Ingest fetches and parses the feed at rssURL, upserting the channel,
// its actor, library, artist and one track/upload per item. Invalid
// items are skipped, never fatal.
func (s *Service) Ingest(ctx context.Context, rssURL string) (domain.Channel, error) {
	var zero domain.Channel
	if err := s.MRF.CheckURL(rssURL); err != nil {
		return zero, err
	}

	feed, err := s.fetchFeed(ctx, rssURL)
	if err != nil {
		return zero, err
	}

	// The feed may declare canonical urls differing from the one we were
	// given; both go through moderation.
	if feed.FeedLink != "" && feed.FeedLink != rssURL {
		if err := s.MRF.CheckURL(feed.FeedLink); err != nil {
			return zero, err
		}
	}
	if feed.Link != "" && feed.Link != rssURL {
		if err := s.MRF.CheckURL(feed.Link); err != nil {
			return zero, err
		}
	}

	channel, library, artist, err := s.upsertChannel(rssURL, feed)
	if err != nil {
		return zero, err
	}

	maxItems := s.Conf.Conf.RssMaxItems
	imported := 0
	for _, item := range feed.Items {
		if imported >= maxItems {
			break
		}
		if err := s.upsertItem(channel, library, artist, item); err != nil {
			rssLog.Warnf("skipping item %q of %s: %v", item.Title, rssURL, err)
			continue
		}
		imported++
	}
	rssLog.Infof("ingested %d items from %s", imported, rssURL)
	return channel, nil
}

func (s *Service) fetchFeed(ctx context.Context, rssURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rssURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrFeedInvalid, err)
	}
	req.Header.Set("User-Agent", util.GetNameAndVersion())
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: feed returned %d", federation.ErrFetchFailed, resp.StatusCode)
	}
	feed, err := s.Parser.Parse(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", federation.ErrFeedInvalid, err)
	}
	return feed, nil
}

// upsertChannel creates or refreshes the channel graph for a feed: a
// dedicated Application actor under the service domain, owned by the
// service actor, one library and one podcast artist. The actor, library
// and channel reference each other, so ids are fixed before any row is
// written.
func (s *Service) upsertChannel(rssURL string, feed *gofeed.Feed) (domain.Channel, domain.Library, domain.Artist, error) {
	var zeroC domain.Channel
	var zeroL domain.Library
	var zeroA domain.Artist

	service, err := s.Registry.EnsureServiceActor()
	if err != nil {
		return zeroC, zeroL, zeroA, err
	}

	channel, err := s.DB.ReadChannelByRssURL(rssURL)
	if errors.Is(err, db.ErrNotFound) {
		channel = domain.Channel{ID: uuid.New(), RssURL: rssURL}
	} else if err != nil {
		return zeroC, zeroL, zeroA, err
	}

	username := "rssfeed-" + channel.ID.String()
	actor, err := s.DB.ReadActorByFid(s.Registry.LocalActorFid(username))
	if errors.Is(err, db.ErrNotFound) {
		actor, err = s.Registry.NewLocalActor(username, "Application")
	}
	if err != nil {
		return zeroC, zeroL, zeroA, err
	}
	actor.Name = feed.Title
	actor.Summary = feed.Description
	if err := s.DB.UpsertActor(actor); err != nil {
		return zeroC, zeroL, zeroA, err
	}

	libraryID := channel.LibraryID
	if libraryID == uuid.Nil {
		libraryID = uuid.New()
	}
	library := domain.Library{
		ID:           libraryID,
		Fid:          fmt.Sprintf("https://%s/federation/libraries/%s", s.Conf.Conf.SslDomain, libraryID),
		ActorFid:     service.Fid,
		Name:         username,
		Description:  feed.Description,
		PrivacyLevel: domain.PrivacyEveryone,
	}
	library.FollowersURL = library.Fid + "/followers"
	if err := s.DB.UpsertLibrary(library); err != nil {
		return zeroC, zeroL, zeroA, err
	}

	artistID := channel.ArtistID
	if artistID == uuid.Nil {
		artistID = uuid.New()
	}
	artist := domain.Artist{
		ID:              artistID,
		Name:            feed.Title,
		AttributedTo:    actor.Fid,
		ContentCategory: "podcast",
	}
	if err := s.DB.UpsertArtist(artist); err != nil {
		return zeroC, zeroL, zeroA, err
	}

	channel.AttributedTo = service.Fid
	channel.ActorFid = actor.Fid
	channel.ArtistID = artistID
	channel.LibraryID = libraryID
	channel.Metadata = feedMetadata(feed)
	if err := s.DB.UpsertChannel(channel); err != nil {
		return zeroC, zeroL, zeroA, err
	}
	return channel, library, artist, nil
}

// upsertItem maps one feed item to a track and its upload. The track
// uuid derives from (channel, guid) so repeated ingests converge.
func (s *Service) upsertItem(channel domain.Channel, library domain.Library, artist domain.Artist, item *gofeed.Item) error {
	enclosure := firstAudioEnclosure(item)
	if enclosure == nil {
		return fmt.Errorf("%w: item has no audio enclosure", federation.ErrFeedInvalid)
	}
	guid := item.GUID
	if guid == "" {
		guid = enclosure.URL
	}
	if guid == "" {
		return fmt.Errorf("%w: item has no guid", federation.ErrFeedInvalid)
	}

	track := domain.Track{
		ID:       TrackUUID(channel.ID, guid),
		Title:    item.Title,
		ArtistID: artist.ID,
		Position: episodeNumber(item),
	}
	if track.Title == "" {
		track.Title = guid
	}
	if err := s.DB.UpsertTrack(track); err != nil {
		return err
	}

	upload := domain.Upload{
		ID:           uuid.New(),
		LibraryID:    library.ID,
		TrackID:      track.ID,
		Source:       enclosure.URL,
		Size:         coerceInt64(enclosure.Length),
		Duration:     itemDuration(item),
		Mimetype:     enclosure.Type,
		ImportStatus: domain.ImportFinished,
	}

	existing, err := s.DB.ReadUploadForTrack(library.ID, track.ID)
	switch {
	case err == nil:
		if existing.Source == upload.Source {
			upload.ID = existing.ID
		} else {
			// enclosure moved, replace the upload wholesale
			if err := s.DB.DeleteUpload(existing.ID); err != nil {
				return err
			}
		}
	case !errors.Is(err, db.ErrNotFound):
		return err
	}
	return s.DB.UpsertUpload(upload)
}

// TrackUUID derives the deterministic uuid of a feed item.
func TrackUUID(channelID uuid.UUID, guid string) uuid.UUID {
	return uuid.NewMD5(uuid.NameSpaceURL, []byte(fmt.Sprintf("rss://%s-%s", channelID, guid)))
}

func firstAudioEnclosure(item *gofeed.Item) *gofeed.Enclosure {
	for _, e := range item.Enclosures {
		if e == nil || e.URL == "" {
			continue
		}
		if e.Type == "" || strings.HasPrefix(e.Type, "audio/") {
			return e
		}
	}
	return nil
}

func feedMetadata(feed *gofeed.Feed) domain.ChannelMetadata {
	meta := domain.ChannelMetadata{
		Language:  feed.Language,
		Copyright: feed.Copyright,
	}
	if it := feed.ITunesExt; it != nil {
		meta.Explicit = strings.EqualFold(it.Explicit, "yes") || strings.EqualFold(it.Explicit, "true")
		if len(it.Categories) > 0 && it.Categories[0] != nil {
			meta.ItunesCategory = it.Categories[0].Text
			if sub := it.Categories[0].Subcategory; sub != nil {
				meta.ItunesSubcategory = sub.Text
			}
		}
		if it.Owner != nil {
			meta.OwnerName = it.Owner.Name
			meta.OwnerEmail = it.Owner.Email
		}
	}
	return meta
}

// itemDuration coerces the duration shapes feeds use: HH:MM:SS, MM:SS
// or bare seconds. Unparseable input yields zero.
func itemDuration(item *gofeed.Item) int {
	if item.ITunesExt == nil {
		return 0
	}
	return ParseDuration(item.ITunesExt.Duration)
}

// ParseDuration accepts "HH:MM:SS", "MM:SS" or integer seconds.
func ParseDuration(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if !strings.Contains(raw, ":") {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0
		}
		return n
	}
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// episodeNumber coerces the episode tag permissively, defaulting to 1.
func episodeNumber(item *gofeed.Item) int {
	if item.ITunesExt == nil {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(item.ITunesExt.Episode))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func coerceInt64(raw string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// StartRefreshScheduler periodically re-ingests external channels whose
// actor has not been refreshed within rssRefreshInterval. A feed that
// became blocked deletes its channel.
func (s *Service) StartRefreshScheduler(ctx context.Context) {
	interval := time.Duration(s.Conf.Conf.RssRefreshInterval) * time.Minute
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval / 4)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RefreshDue(ctx)
			}
		}
	}()
}

// RefreshDue re-ingests every external channel past its refresh
// deadline.
func (s *Service) RefreshDue(ctx context.Context) {
	channels, err := s.DB.ReadStaleExternalChannels(s.Conf.Conf.RssRefreshInterval)
	if err != nil {
		rssLog.Errorf("failed to select stale channels: %v", err)
		return
	}
	for _, channel := range channels {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Ingest(ctx, channel.RssURL); err != nil {
			if errors.Is(err, federation.ErrBlocked) {
				rssLog.Warnf("feed %s is blocked, deleting its channel", channel.RssURL)
				if err := s.DB.DeleteChannel(channel); err != nil {
					rssLog.Errorf("failed to delete channel %s: %v", channel.ID, err)
				}
				continue
			}
			rssLog.Warnf("refresh of %s failed: %v", channel.RssURL, err)
		}
	}
}
