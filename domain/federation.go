package domain

import (
	"time"

	"github.com/google/uuid"
)

// Domain represents a remote federation peer, keyed by hostname. Rows are
// created lazily on first sighting of any identifier bearing the hostname
// and are never destroyed automatically.
type Domain struct {
	Name              string
	CreationDate      time.Time
	NodeinfoFetchDate time.Time
	Nodeinfo          string // raw nodeinfo payload, empty until probed
	Allowed           bool
	ServiceActorFid   string
}

// Actor is a federated identity, local or remote. A local actor carries
// both keys, a remote actor at least the public one.
type Actor struct {
	ID                        uuid.UUID
	Fid                       string
	Domain                    string
	PreferredUsername         string
	Name                      string
	Summary                   string
	Type                      string // Person, Service, Application, Group, Organization, Tombstone
	InboxURL                  string
	OutboxURL                 string
	SharedInboxURL            string
	FollowersURL              string
	FollowingURL              string
	PublicKeyPem              string
	PrivateKeyPem             string
	ManuallyApprovesFollowers bool
	Local                     bool
	LastFetchDate             time.Time
	CreationDate              time.Time
}

// KeyID returns the id under which the actor's public key is published.
func (a *Actor) KeyID() string {
	return a.Fid + "#main-key"
}

// DeliveryInbox returns the preferred inbox for pushing activities to the
// actor, favoring the per-server shared inbox.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURL != "" {
		return a.SharedInboxURL
	}
	return a.InboxURL
}

// Follow is a subscription edge from Actor to Target. Approved is nil
// while the request is pending.
type Follow struct {
	ID           uuid.UUID
	Fid          string
	ActorFid     string
	TargetFid    string
	Approved     *bool
	CreationDate time.Time
}

func (f *Follow) IsApproved() bool {
	return f.Approved != nil && *f.Approved
}

// Reference kinds for Activity and Fetch polymorphic links.
const (
	RefActor   = "actor"
	RefLibrary = "library"
	RefTrack   = "track"
	RefAlbum   = "album"
	RefArtist  = "artist"
	RefUpload  = "upload"
	RefFollow  = "follow"
	RefReport  = "report"
	RefChannel = "channel"
	RefOpaque  = "opaque"
)

// ObjectRef is a tagged reference to a local entity, or an opaque
// federation id for types we store without understanding.
type ObjectRef struct {
	Kind string
	ID   string // entity uuid or federation id for opaque refs
}

func (r ObjectRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Activity is a stored activity envelope. The payload is kept verbatim;
// Object/Target/Related are backfilled by inbox handlers. Dispatched
// marks that handler processing finished, so a crash between commit and
// dispatch leaves a row the reconciler can pick up.
type Activity struct {
	ID           uuid.UUID
	Fid          string
	Type         string
	ActorFid     string
	Payload      []byte
	Object       ObjectRef
	Target       ObjectRef
	Related      ObjectRef
	Local        bool
	Dispatched   bool
	CreationDate time.Time
}

// InboxItem binds an Activity to one local recipient actor.
type InboxItem struct {
	ID               int64
	ActivityID       uuid.UUID
	ActorFid         string
	Type             string // to | cc
	IsRead           bool
	IsDelivered      bool
	LastDeliveryDate time.Time
}

// Delivery is one pending or finished outbound push of an activity to a
// single remote inbox.
type Delivery struct {
	ID              int64
	ActivityID      uuid.UUID
	InboxURL        string
	Attempts        int
	LastAttemptDate time.Time
	LastStatusCode  int
	IsDelivered     bool
	NextRetryAt     time.Time
}

// Fetch statuses.
const (
	FetchPending  = "pending"
	FetchFinished = "finished"
	FetchErrored  = "errored"
	FetchSkipped  = "skipped"
)

// Fetch records an on-demand retrieval initiated by a local actor.
type Fetch struct {
	ID           int64
	URL          string
	ActorFid     string
	Status       string
	Detail       string
	Object       ObjectRef
	CreationDate time.Time
	FetchDate    time.Time
}

// InstancePolicy is a moderation rule targeting a domain or a single
// actor. Toggles are independent.
type InstancePolicy struct {
	ID                   int64
	TargetDomain         string
	TargetActorFid       string
	IsActive             bool
	Summary              string
	BlockAll             bool
	SilenceActivity      bool
	SilenceNotifications bool
	RejectMedia          bool
	CreationDate         time.Time
}

// Report is a moderation report created from an inbound Flag activity.
type Report struct {
	ID           uuid.UUID
	Fid          string
	ActorFid     string
	Target       ObjectRef
	Summary      string
	CreationDate time.Time
}
