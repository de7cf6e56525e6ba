package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"

	"github.com/lowfreq/tremolo/domain"
)

// handleChannelRSS serves the RSS rendition of a channel. Channels
// mirroring an external feed redirect to their origin instead of
// re-serving a copy.
func (s *Server) handleChannelRSS(c *gin.Context) {
	id, ok := parseUUIDParam(c)
	if !ok {
		return
	}
	channel, err := s.DB.ReadChannel(id)
	if err != nil {
		notFoundJSON(c)
		return
	}
	if channel.IsExternal() {
		c.Redirect(http.StatusFound, channel.RssURL)
		return
	}

	body, err := s.renderChannelFeed(channel)
	if err != nil {
		webLog.Errorf("could not render feed for channel %s: %v", channel.ID, err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(body))
}

func (s *Server) renderChannelFeed(channel domain.Channel) (string, error) {
	artist, err := s.DB.ReadArtist(channel.ArtistID)
	if err != nil {
		return "", err
	}
	uploads, err := s.DB.ReadUploadsByLibrary(channel.LibraryID)
	if err != nil {
		return "", err
	}

	feed := &feeds.Feed{
		Title:       artist.Name,
		Link:        &feeds.Link{Href: fmt.Sprintf("https://%s/channels/%s", s.Conf.Conf.SslDomain, channel.ID)},
		Description: artist.Name,
		Copyright:   channel.Metadata.Copyright,
		Created:     channel.CreationDate,
	}
	if channel.Metadata.OwnerName != "" {
		feed.Author = &feeds.Author{
			Name:  channel.Metadata.OwnerName,
			Email: channel.Metadata.OwnerEmail,
		}
	}

	var items []*feeds.Item
	for _, upload := range uploads {
		track, err := s.DB.ReadTrack(upload.TrackID)
		if err != nil {
			webLog.Warnf("upload %s references missing track: %v", upload.ID, err)
			continue
		}
		items = append(items, &feeds.Item{
			Id:    track.ID.String(),
			Title: track.Title,
			Link:  &feeds.Link{Href: s.localObjectFid("tracks", track.ID)},
			Enclosure: &feeds.Enclosure{
				Url:    upload.Source,
				Length: fmt.Sprintf("%d", upload.Size),
				Type:   upload.Mimetype,
			},
			Created: upload.CreationDate,
		})
	}
	feed.Items = items
	if feed.Created.IsZero() {
		feed.Created = time.Now()
	}
	return feed.ToRss()
}
