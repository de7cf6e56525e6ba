package federation

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

// RenderActor produces the actor document served at the actor's fid and
// embedded in outbound activities.
func RenderActor(a *domain.Actor) jsonld.Doc {
	doc := jsonld.Doc{
		"@context":                  Context(),
		"id":                        a.Fid,
		"type":                      a.Type,
		"preferredUsername":         a.PreferredUsername,
		"name":                      a.Name,
		"summary":                   a.Summary,
		"inbox":                     a.InboxURL,
		"outbox":                    a.OutboxURL,
		"followers":                 a.FollowersURL,
		"following":                 a.FollowingURL,
		"manuallyApprovesFollowers": a.ManuallyApprovesFollowers,
		"publicKey": map[string]any{
			"id":           a.KeyID(),
			"owner":        a.Fid,
			"publicKeyPem": a.PublicKeyPem,
		},
	}
	if a.SharedInboxURL != "" {
		doc["endpoints"] = map[string]any{"sharedInbox": a.SharedInboxURL}
	}
	return doc
}

// ParseActor validates and maps a remote actor document. Required
// fields: id, type, inbox, preferredUsername and a public key.
func ParseActor(doc jsonld.Doc) (domain.Actor, error) {
	var a domain.Actor
	fields := []jsonld.FieldConfig{
		{Property: "id", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue, Required: true},
		{Property: "type", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue, Required: true},
		{Property: "inbox", Keep: jsonld.KeepFirst, Attr: jsonld.AttrID, Required: true},
		{Property: "preferredUsername", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue, Required: true},
		{Property: "outbox", Keep: jsonld.KeepFirst, Attr: jsonld.AttrID},
		{Property: "followers", Keep: jsonld.KeepFirst, Attr: jsonld.AttrID},
		{Property: "following", Keep: jsonld.KeepFirst, Attr: jsonld.AttrID},
		{Property: "name", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue},
		{Property: "summary", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue},
	}
	flat, err := jsonld.Project(doc, fields, nil)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	a.Fid, _ = flat["id"].(string)
	a.Type, _ = flat["type"].(string)
	a.InboxURL, _ = flat["inbox"].(string)
	a.PreferredUsername, _ = flat["preferredUsername"].(string)
	a.OutboxURL, _ = flat["outbox"].(string)
	a.FollowersURL, _ = flat["followers"].(string)
	a.FollowingURL, _ = flat["following"].(string)
	a.Name, _ = flat["name"].(string)
	a.Summary, _ = flat["summary"].(string)

	switch a.Type {
	case "Person", "Service", "Application", "Group", "Organization", "Tombstone":
	default:
		return a, fmt.Errorf("%w: unsupported actor type %q", ErrMalformedPayload, a.Type)
	}

	a.PublicKeyPem = jsonld.GetString(doc, "publicKey.publicKeyPem")
	if a.PublicKeyPem == "" {
		return a, fmt.Errorf("%w: actor has no public key", ErrMalformedPayload)
	}
	a.SharedInboxURL = jsonld.GetString(doc, "endpoints.sharedInbox")
	if v, ok := doc["manuallyApprovesFollowers"].(bool); ok {
		a.ManuallyApprovesFollowers = v
	}

	a.Domain, err = util.ExtractDomain(a.Fid)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	a.ID = uuid.New()
	a.LastFetchDate = time.Now()
	return a, nil
}

// RenderFollow builds the Follow activity payload.
func RenderFollow(f *domain.Follow) jsonld.Doc {
	return jsonld.Doc{
		"@context": Context(),
		"id":       f.Fid,
		"type":     "Follow",
		"actor":    f.ActorFid,
		"object":   f.TargetFid,
	}
}

// RenderAccept builds the Accept answering a follow request. Per
// convention the accepted Follow is embedded verbatim.
func RenderAccept(acceptFid string, f *domain.Follow) jsonld.Doc {
	follow := RenderFollow(f)
	delete(follow, "@context")
	return jsonld.Doc{
		"@context": Context(),
		"id":       acceptFid,
		"type":     "Accept",
		"actor":    f.TargetFid,
		"object":   follow,
	}
}

// RenderUndoFollow builds the Undo retracting a follow.
func RenderUndoFollow(undoFid string, f *domain.Follow) jsonld.Doc {
	follow := RenderFollow(f)
	delete(follow, "@context")
	return jsonld.Doc{
		"@context": Context(),
		"id":       undoFid,
		"type":     "Undo",
		"actor":    f.ActorFid,
		"object":   follow,
	}
}

// RenderLibrary produces the Library document.
func RenderLibrary(l *domain.Library, totalItems int) jsonld.Doc {
	return jsonld.Doc{
		"@context":     Context(),
		"id":           l.Fid,
		"type":         "Library",
		"name":         l.Name,
		"summary":      l.Description,
		"attributedTo": l.ActorFid,
		"followers":    l.FollowersURL,
		"audience":     libraryAudience(l.PrivacyLevel),
		"totalItems":   totalItems,
	}
}

func libraryAudience(privacy string) string {
	if privacy == domain.PrivacyEveryone {
		return PublicAudience
	}
	return ""
}

// ParseLibrary maps a remote Library document.
func ParseLibrary(doc jsonld.Doc) (domain.Library, error) {
	var l domain.Library
	fields := []jsonld.FieldConfig{
		{Property: "id", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue, Required: true},
		{Property: "name", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue, Required: true},
		{Property: "attributedTo", Keep: jsonld.KeepFirst, Attr: jsonld.AttrID, Required: true},
		{Property: "summary", Keep: jsonld.KeepFirst, Attr: jsonld.AttrValue},
		{Property: "followers", Keep: jsonld.KeepFirst, Attr: jsonld.AttrID},
	}
	flat, err := jsonld.Project(doc, fields, nil)
	if err != nil {
		return l, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	l.Fid, _ = flat["id"].(string)
	l.Name, _ = flat["name"].(string)
	l.ActorFid, _ = flat["attributedTo"].(string)
	l.Description, _ = flat["summary"].(string)
	l.FollowersURL, _ = flat["followers"].(string)
	l.PrivacyLevel = domain.PrivacyMe
	if jsonld.FirstID(doc["audience"]) == PublicAudience {
		l.PrivacyLevel = domain.PrivacyEveryone
	}
	l.ID = uuid.New()
	return l, nil
}

func RenderArtist(a *domain.Artist) jsonld.Doc {
	return jsonld.Doc{
		"@context":     Context(),
		"id":           a.Fid,
		"type":         "Artist",
		"name":         a.Name,
		"attributedTo": a.AttributedTo,
		"category":     a.ContentCategory,
	}
}

func RenderAlbum(a *domain.Album, artistFid string) jsonld.Doc {
	return jsonld.Doc{
		"@context": Context(),
		"id":       a.Fid,
		"type":     "Album",
		"name":     a.Title,
		"artists":  []any{artistFid},
	}
}

func RenderTrack(t *domain.Track, artistFid, albumFid string) jsonld.Doc {
	doc := jsonld.Doc{
		"@context": Context(),
		"id":       t.Fid,
		"type":     "Track",
		"name":     t.Title,
		"position": t.Position,
		"disc":     t.DiscNumber,
		"artists":  []any{artistFid},
	}
	if t.Copyright != "" {
		doc["copyright"] = t.Copyright
	}
	if albumFid != "" {
		doc["album"] = albumFid
	}
	return doc
}

// RenderAudio produces the Audio document for an upload, the object of
// Create Audio activities.
func RenderAudio(u *domain.Upload, trackFid, libraryFid string) jsonld.Doc {
	return jsonld.Doc{
		"@context": Context(),
		"id":       u.Fid,
		"type":     "Audio",
		"library":  libraryFid,
		"track":    trackFid,
		"duration": u.Duration,
		"bitrate":  u.Bitrate,
		"size":     u.Size,
		"url": map[string]any{
			"type":      "Link",
			"href":      u.Source,
			"mediaType": u.Mimetype,
		},
	}
}

// AudioObject is the flattened form of a remote Audio document.
type AudioObject struct {
	Fid        string
	LibraryFid string
	TrackFid   string
	Title      string
	Href       string
	MediaType  string
	Duration   int
	Bitrate    int
	Size       int64
}

// ParseAudio maps a remote Audio document, tolerating the url being a
// bare string, a Link object, or a list of Links.
func ParseAudio(doc jsonld.Doc) (AudioObject, error) {
	var o AudioObject
	o.Fid = jsonld.GetString(doc, "id")
	if o.Fid == "" {
		return o, fmt.Errorf("%w: audio object has no id", ErrMalformedPayload)
	}
	o.LibraryFid = jsonld.FirstID(doc["library"])
	if o.LibraryFid == "" {
		return o, fmt.Errorf("%w: audio object has no library", ErrMalformedPayload)
	}
	o.TrackFid = jsonld.FirstID(doc["track"])
	o.Title = jsonld.GetString(doc, "name")

	switch u := doc["url"].(type) {
	case string:
		o.Href = u
	case map[string]any:
		o.Href, _ = u["href"].(string)
		o.MediaType, _ = u["mediaType"].(string)
	case []any:
		if len(u) > 0 {
			if link, ok := u[0].(map[string]any); ok {
				o.Href, _ = link["href"].(string)
				o.MediaType, _ = link["mediaType"].(string)
			}
		}
	}
	if o.Href == "" {
		return o, fmt.Errorf("%w: audio object has no url", ErrMalformedPayload)
	}

	o.Duration = coerceInt(doc["duration"])
	o.Bitrate = coerceInt(doc["bitrate"])
	o.Size = int64(coerceInt(doc["size"]))
	return o, nil
}

// RenderTombstone marks a deleted object.
func RenderTombstone(fid string) jsonld.Doc {
	return jsonld.Doc{
		"@context": Context(),
		"id":       fid,
		"type":     "Tombstone",
	}
}

// RenderFlag produces the Flag activity for a moderation report.
func RenderFlag(r *domain.Report, targetFid string) jsonld.Doc {
	return jsonld.Doc{
		"@context": Context(),
		"id":       r.Fid,
		"type":     "Flag",
		"actor":    r.ActorFid,
		"object":   []any{targetFid},
		"content":  r.Summary,
	}
}

// coerceInt accepts the numeric shapes remote JSON produces.
func coerceInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err == nil {
			return n
		}
	}
	return 0
}
