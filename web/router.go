package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/federation"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/rss"
	"github.com/lowfreq/tremolo/util"
)

var webLog = log.WithPrefix("web")

// collectionPageSize is the page length of served OrderedCollections.
const collectionPageSize = 40

// Server wires the federation core to HTTP.
type Server struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Registry *federation.Registry
	Inbox    *federation.InboxRouter
	RSS      *rss.Service
}

func NewServer(database *db.DB, conf *util.AppConfig, registry *federation.Registry,
	inbox *federation.InboxRouter, rssService *rss.Service) *Server {
	return &Server{DB: database, Conf: conf, Registry: registry, Inbox: inbox, RSS: rssService}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// 10 req/s per IP globally, tighter on federation writes
	g.Use(RateLimitMiddleware(NewRateLimiter(rate.Limit(10), 20)))
	inboxLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBody := MaxBytesMiddleware(1 << 20)
	signed := SignatureMiddleware(s.Registry)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/.well-known/nodeinfo", s.handleNodeinfoIndex)
	g.GET("/nodeinfo/2.0", s.handleNodeinfo)

	fed := g.Group("/federation")
	fed.GET("/actors/:username", s.handleActor)
	fed.GET("/actors/:username/outbox", s.handleOutbox)
	fed.GET("/actors/:username/inbox", s.handleInboxCollection)
	fed.GET("/actors/:username/followers", s.handleFollowers)
	fed.GET("/actors/:username/following", s.handleFollowing)
	fed.POST("/actors/:username/inbox", RateLimitMiddleware(inboxLimiter), maxBody, signed, s.handleInboxPost)
	fed.POST("/shared/inbox", RateLimitMiddleware(inboxLimiter), maxBody, signed, s.handleInboxPost)

	fed.GET("/libraries/:id", s.handleLibrary)
	fed.GET("/artists/:id", s.handleArtist)
	fed.GET("/albums/:id", s.handleAlbum)
	fed.GET("/tracks/:id", s.handleTrack)
	fed.GET("/uploads/:id", s.handleUpload)

	g.GET("/channels/:id", s.handleChannel)
	g.GET("/channels/:id/rss", s.handleChannelRSS)

	return g
}

// Run serves the router on the configured address, blocking.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort)
	webLog.Infof("listening on %s", addr)
	return s.Router().Run(addr)
}

func renderJSONLD(c *gin.Context, status int, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, federation.ContentType+"; charset=utf-8", body)
}

func notFoundJSON(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
}

func (s *Server) handleActor(c *gin.Context) {
	actor, err := s.DB.ReadLocalActorByUsername(c.Param("username"))
	if err != nil {
		notFoundJSON(c)
		return
	}
	renderJSONLD(c, http.StatusOK, federation.RenderActor(&actor))
}

// handleInboxPost accepts a signed activity on a personal or the shared
// inbox. Addressing comes from the payload itself, so both routes share
// the handler. Accepted activities are acknowledged with 202 before
// handler dispatch runs.
func (s *Server) handleInboxPost(c *gin.Context) {
	from := sender(c)

	if !federation.AcceptableContentType(c.GetHeader("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	var payload jsonld.Doc
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	activity, created, err := s.Inbox.Receive(c.Request.Context(), payload, from)
	switch {
	case err == nil:
	case errors.Is(err, federation.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	case errors.Is(err, federation.ErrMalformedPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed activity"})
		return
	case errors.Is(err, federation.ErrAuthorizationDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "actor does not match signature"})
		return
	default:
		webLog.Errorf("inbox receive failed: %v", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	if created {
		s.Inbox.ScheduleDispatch(activity, from)
	}
	c.Status(http.StatusAccepted)
}

// pageParam returns the requested collection page, zero meaning the
// collection envelope itself.
func pageParam(c *gin.Context) (int, bool) {
	raw := c.Query("page")
	if raw == "" {
		return 0, true
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 0, false
	}
	return page, true
}

func (s *Server) handleOutbox(c *gin.Context) {
	actor, err := s.DB.ReadLocalActorByUsername(c.Param("username"))
	if err != nil {
		notFoundJSON(c)
		return
	}
	page, ok := pageParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}

	total, err := s.DB.ReadOutboxCount(actor.Fid)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if page == 0 {
		renderJSONLD(c, http.StatusOK, collectionEnvelope(actor.OutboxURL, total))
		return
	}

	activities, err := s.DB.ReadOutboxPage(actor.Fid, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	items := make([]any, 0, len(activities))
	for _, a := range activities {
		var doc jsonld.Doc
		if err := json.Unmarshal(a.Payload, &doc); err != nil {
			webLog.Warnf("unreadable payload on activity %s: %v", a.Fid, err)
			continue
		}
		items = append(items, doc)
	}
	renderJSONLD(c, http.StatusOK, collectionPage(actor.OutboxURL, page, total, items))
}

// handleInboxCollection serves an actor's inbox as a read-only
// OrderedCollection of the activities addressed to it.
func (s *Server) handleInboxCollection(c *gin.Context) {
	actor, err := s.DB.ReadLocalActorByUsername(c.Param("username"))
	if err != nil {
		notFoundJSON(c)
		return
	}
	page, ok := pageParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}

	total, err := s.DB.ReadInboxCount(actor.Fid)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if page == 0 {
		renderJSONLD(c, http.StatusOK, collectionEnvelope(actor.InboxURL, total))
		return
	}

	activities, err := s.DB.ReadInboxPage(actor.Fid, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	items := make([]any, 0, len(activities))
	for _, a := range activities {
		var doc jsonld.Doc
		if err := json.Unmarshal(a.Payload, &doc); err != nil {
			webLog.Warnf("unreadable payload on activity %s: %v", a.Fid, err)
			continue
		}
		items = append(items, doc)
	}
	renderJSONLD(c, http.StatusOK, collectionPage(actor.InboxURL, page, total, items))
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.handleActorCollection(c,
		func(actor domain.Actor) string { return actor.FollowersURL },
		s.DB.ReadFollowerCount,
		s.DB.ReadApprovedFollowers)
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.handleActorCollection(c,
		func(actor domain.Actor) string { return actor.FollowingURL },
		s.DB.ReadFollowingCount,
		s.DB.ReadApprovedFollowing)
}

func (s *Server) handleActorCollection(c *gin.Context, collectionID func(domain.Actor) string,
	count func(string) (int, error), load func(string) ([]domain.Actor, error)) {
	actor, err := s.DB.ReadLocalActorByUsername(c.Param("username"))
	if err != nil {
		notFoundJSON(c)
		return
	}
	page, ok := pageParam(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}

	total, err := count(actor.Fid)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	if page == 0 {
		renderJSONLD(c, http.StatusOK, collectionEnvelope(collectionID(actor), total))
		return
	}

	actors, err := load(actor.Fid)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	start := (page - 1) * collectionPageSize
	if start > len(actors) {
		start = len(actors)
	}
	end := start + collectionPageSize
	if end > len(actors) {
		end = len(actors)
	}
	items := make([]any, 0, end-start)
	for _, a := range actors[start:end] {
		items = append(items, a.Fid)
	}
	renderJSONLD(c, http.StatusOK, collectionPage(collectionID(actor), page, total, items))
}

func collectionEnvelope(id string, total int) jsonld.Doc {
	return jsonld.Doc{
		"@context":   federation.Context(),
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      fmt.Sprintf("%s?page=1", id),
	}
}

func collectionPage(collectionID string, page, total int, items []any) jsonld.Doc {
	doc := jsonld.Doc{
		"@context":     federation.Context(),
		"id":           fmt.Sprintf("%s?page=%d", collectionID, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionID,
		"totalItems":   total,
		"orderedItems": items,
	}
	if page*collectionPageSize < total {
		doc["next"] = fmt.Sprintf("%s?page=%d", collectionID, page+1)
	}
	return doc
}

func parseUUIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFoundJSON(c)
		return uuid.Nil, false
	}
	return id, true
}

// localObjectFid fills in the canonical URL of entities minted locally
// without a federation id.
func (s *Server) localObjectFid(kind string, id uuid.UUID) string {
	return fmt.Sprintf("https://%s/federation/%s/%s", s.Conf.Conf.SslDomain, kind, id)
}

func (s *Server) handleLibrary(c *gin.Context) {
	id, ok := parseUUIDParam(c)
	if !ok {
		return
	}
	library, err := s.DB.ReadLibrary(id)
	if err != nil || library.PrivacyLevel != domain.PrivacyEveryone {
		notFoundJSON(c)
		return
	}
	uploads, err := s.DB.ReadUploadsByLibrary(library.ID)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	renderJSONLD(c, http.StatusOK, federation.RenderLibrary(&library, len(uploads)))
}

func (s *Server) handleArtist(c *gin.Context) {
	id, ok := parseUUIDParam(c)
	if !ok {
		return
	}
	artist, err := s.DB.ReadArtist(id)
	if err != nil {
		notFoundJSON(c)
		return
	}
	if artist.Fid == "" {
		artist.Fid = s.localObjectFid("artists", artist.ID)
	}
	renderJSONLD(c, http.StatusOK, federation.RenderArtist(&artist))
}

func (s *Server) handleAlbum(c *gin.Context) {
	id, ok := parseUUIDParam(c)
	if !ok {
		return
	}
	album, err := s.DB.ReadAlbum(id)
	if err != nil {
		notFoundJSON(c)
		return
	}
	if album.Fid == "" {
		album.Fid = s.localObjectFid("albums", album.ID)
	}
	renderJSONLD(c, http.StatusOK, federation.RenderAlbum(&album, s.localObjectFid("artists", album.ArtistID)))
}

func (s *Server) handleTrack(c *gin.Context) {
	id, ok := parseUUIDParam(c)
	if !ok {
		return
	}
	track, err := s.DB.ReadTrack(id)
	if err != nil {
		notFoundJSON(c)
		return
	}
	if track.Fid == "" {
		track.Fid = s.localObjectFid("tracks", track.ID)
	}
	albumFid := ""
	if track.AlbumID != uuid.Nil {
		albumFid = s.localObjectFid("albums", track.AlbumID)
	}
	renderJSONLD(c, http.StatusOK,
		federation.RenderTrack(&track, s.localObjectFid("artists", track.ArtistID), albumFid))
}

// handleChannel serves the JSON-LD rendition of a channel: its
// dedicated actor document extended with ownership and feed links.
func (s *Server) handleChannel(c *gin.Context) {
	id, ok := parseUUIDParam(c)
	if !ok {
		return
	}
	channel, err := s.DB.ReadChannel(id)
	if err != nil {
		notFoundJSON(c)
		return
	}
	actor, err := s.DB.ReadActorByFid(channel.ActorFid)
	if err != nil {
		webLog.Errorf("channel %s references missing actor %s: %v", channel.ID, channel.ActorFid, err)
		c.Status(http.StatusInternalServerError)
		return
	}

	doc := federation.RenderActor(&actor)
	doc["attributedTo"] = channel.AttributedTo
	rssURL := channel.RssURL
	if !channel.IsExternal() {
		rssURL = fmt.Sprintf("https://%s/channels/%s/rss", s.Conf.Conf.SslDomain, channel.ID)
	}
	doc["url"] = jsonld.Doc{
		"type":      "Link",
		"mediaType": "application/rss+xml",
		"href":      rssURL,
	}
	renderJSONLD(c, http.StatusOK, doc)
}

func (s *Server) handleUpload(c *gin.Context) {
	id, ok := parseUUIDParam(c)
	if !ok {
		return
	}
	upload, err := s.DB.ReadUpload(id)
	if err != nil {
		notFoundJSON(c)
		return
	}
	library, err := s.DB.ReadLibrary(upload.LibraryID)
	if err != nil || library.PrivacyLevel != domain.PrivacyEveryone {
		notFoundJSON(c)
		return
	}
	if upload.Fid == "" {
		upload.Fid = s.localObjectFid("uploads", upload.ID)
	}
	renderJSONLD(c, http.StatusOK,
		federation.RenderAudio(&upload, s.localObjectFid("tracks", upload.TrackID), library.Fid))
}
