package domain

import (
	"time"

	"github.com/google/uuid"
)

// Library privacy levels.
const (
	PrivacyMe        = "me"
	PrivacyFollowers = "followers"
	PrivacyInstance  = "instance"
	PrivacyEveryone  = "everyone"
)

// Library is a named collection of audio uploads attributed to an actor.
type Library struct {
	ID           uuid.UUID
	Fid          string
	ActorFid     string
	Name         string
	Description  string
	PrivacyLevel string
	FollowersURL string
	CreationDate time.Time
}

type Artist struct {
	ID               uuid.UUID
	Fid              string
	Name             string
	AttributedTo     string
	ContentCategory  string // music | podcast
	CreationDate     time.Time
	ModificationDate time.Time
}

type Album struct {
	ID           uuid.UUID
	Fid          string
	Title        string
	ArtistID     uuid.UUID
	CreationDate time.Time
}

type Track struct {
	ID           uuid.UUID
	Fid          string
	Title        string
	ArtistID     uuid.UUID
	AlbumID      uuid.UUID // zero when the track has no album (podcast episodes)
	Position     int
	DiscNumber   int
	Copyright    string
	CreationDate time.Time
}

// Upload import statuses.
const (
	ImportDraft    = "draft"
	ImportPending  = "pending"
	ImportSkipped  = "skipped"
	ImportFinished = "finished"
	ImportErrored  = "errored"
)

// Upload is one audio file inside a library.
type Upload struct {
	ID            uuid.UUID
	Fid           string
	LibraryID     uuid.UUID
	TrackID       uuid.UUID
	Source        string
	Size          int64
	Duration      int
	Bitrate       int
	Mimetype      string
	ImportStatus  string
	ImportDetails string
	CreationDate  time.Time
	ImportDate    time.Time
}

// ChannelMetadata carries podcast-level feed metadata.
type ChannelMetadata struct {
	ItunesCategory    string `json:"itunes_category,omitempty"`
	ItunesSubcategory string `json:"itunes_subcategory,omitempty"`
	Language          string `json:"language,omitempty"`
	Copyright         string `json:"copyright,omitempty"`
	OwnerName         string `json:"owner_name,omitempty"`
	OwnerEmail        string `json:"owner_email,omitempty"`
	Explicit          bool   `json:"explicit,omitempty"`
}

// Channel is a podcast or artist feed: a first-class follow target backed
// by its own actor, owning exactly one library.
type Channel struct {
	ID           uuid.UUID
	AttributedTo string // owning actor fid
	ActorFid     string // the dedicated federation actor followers subscribe to
	ArtistID     uuid.UUID
	LibraryID    uuid.UUID
	RssURL       string // set only for externally ingested feeds
	Metadata     ChannelMetadata
	CreationDate time.Time
}

// IsExternal reports whether the channel mirrors a third-party RSS feed.
func (c *Channel) IsExternal() bool {
	return c.RssURL != ""
}
