package federation

import "strings"

// Wire-level constants shared by serializers, routers and the web layer.
const (
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
	LocalNS           = "https://tremolo.audio/ns"

	// PublicAudience is the well-known "everyone" recipient.
	PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

	ContentType    = "application/activity+json"
	ContentTypeAlt = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// Context returns the @context value stamped on every outbound document:
// activitystreams, security v1 and the local vocabulary for library
// entities.
func Context() []any {
	return []any{
		ActivityStreamsNS,
		SecurityNS,
		map[string]any{
			"tr":       LocalNS + "#",
			"Library":  "tr:Library",
			"Track":    "tr:Track",
			"Album":    "tr:Album",
			"Artist":   "tr:Artist",
			"bitrate":  "tr:bitrate",
			"size":     "tr:size",
			"position": "tr:position",
			"category": "tr:category",
		},
	}
}

// AcceptableContentType reports whether a request content type is one of
// the ActivityPub media types. Parameters beyond the bare type, like
// charset or the activitystreams profile, are ignored.
func AcceptableContentType(ct string) bool {
	media, _, _ := strings.Cut(ct, ";")
	switch strings.TrimSpace(media) {
	case ContentType, "application/ld+json":
		return true
	}
	return false
}
