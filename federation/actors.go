package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

var actorLog = log.WithPrefix("actors")

// maxRemoteBody caps remote JSON documents at 1 MiB.
const maxRemoteBody = 1 << 20

// fetchTimeout is the default timeout on outbound federation requests.
const fetchTimeout = 5 * time.Second

// Registry resolves, caches and refreshes remote actors and the domains
// they live on. Concurrent resolutions of the same fid share one
// network round-trip.
type Registry struct {
	DB     *db.DB
	Conf   *util.AppConfig
	MRF    *Chain
	Client *http.Client

	group singleflight.Group
}

func NewRegistry(database *db.DB, conf *util.AppConfig, mrf *Chain) *Registry {
	return &Registry{
		DB:     database,
		Conf:   conf,
		MRF:    mrf,
		Client: &http.Client{Timeout: fetchTimeout},
	}
}

// LocalActorFid returns the canonical fid of a local actor.
func (r *Registry) LocalActorFid(username string) string {
	return fmt.Sprintf("https://%s/federation/actors/%s", r.Conf.Conf.SslDomain, username)
}

// SharedInboxURL returns the instance-wide shared inbox.
func (r *Registry) SharedInboxURL() string {
	return fmt.Sprintf("https://%s/federation/shared/inbox", r.Conf.Conf.SslDomain)
}

// NewLocalActor builds a local actor with a fresh keypair and the
// canonical URL layout.
func (r *Registry) NewLocalActor(username, actorType string) (domain.Actor, error) {
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return domain.Actor{}, err
	}
	fid := r.LocalActorFid(username)
	return domain.Actor{
		ID:                uuid.New(),
		Fid:               fid,
		Domain:            r.Conf.Conf.SslDomain,
		PreferredUsername: username,
		Type:              actorType,
		InboxURL:          fid + "/inbox",
		OutboxURL:         fid + "/outbox",
		SharedInboxURL:    r.SharedInboxURL(),
		FollowersURL:      fid + "/followers",
		FollowingURL:      fid + "/following",
		PublicKeyPem:      keys.Public,
		PrivateKeyPem:     keys.Private,
		Local:             true,
		LastFetchDate:     time.Now(),
	}, nil
}

// EnsureServiceActor creates the instance service actor on first boot
// and returns it. The service actor signs instance-level fetches and
// owns externally ingested channels.
func (r *Registry) EnsureServiceActor() (domain.Actor, error) {
	name := r.Conf.Conf.ServiceActorName
	actor, err := r.DB.ReadLocalActorByUsername(name)
	if err == nil {
		return actor, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return domain.Actor{}, err
	}

	actor, err = r.NewLocalActor(name, "Service")
	if err != nil {
		return domain.Actor{}, err
	}
	if err := r.DB.EnsureDomain(r.Conf.Conf.SslDomain, true); err != nil {
		return domain.Actor{}, err
	}
	if err := r.DB.UpsertActor(actor); err != nil {
		return domain.Actor{}, err
	}
	actorLog.Infof("created service actor %s", actor.Fid)
	return actor, nil
}

// RotateKeys replaces a local actor's keypair.
func (r *Registry) RotateKeys(fid string) (domain.Actor, error) {
	actor, err := r.DB.ReadActorByFid(fid)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.Local {
		return domain.Actor{}, fmt.Errorf("%w: cannot rotate keys of a remote actor", ErrAuthorizationDenied)
	}
	keys, err := util.GeneratePemKeypair()
	if err != nil {
		return domain.Actor{}, err
	}
	actor.PublicKeyPem = keys.Public
	actor.PrivateKeyPem = keys.Private
	if err := r.DB.UpdateActorKeys(actor.Fid, keys.Public, keys.Private); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

// Resolve returns a local record of the actor at fid, fetching it when
// absent or stale. Staleness is actorFetchDelay minutes since the last
// fetch.
func (r *Registry) Resolve(ctx context.Context, fid string) (domain.Actor, error) {
	actor, err := r.DB.ReadActorByFid(fid)
	if err == nil {
		if actor.Local {
			return actor, nil
		}
		maxAge := time.Duration(r.Conf.Conf.ActorFetchDelay) * time.Minute
		if time.Since(actor.LastFetchDate) < maxAge {
			return actor, nil
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return domain.Actor{}, err
	}
	return r.Refresh(ctx, fid)
}

// Refresh fetches the actor unconditionally, coalescing concurrent
// refreshes of the same fid.
func (r *Registry) Refresh(ctx context.Context, fid string) (domain.Actor, error) {
	v, err, _ := r.group.Do(fid, func() (any, error) {
		return r.fetchActor(ctx, fid)
	})
	if err != nil {
		return domain.Actor{}, err
	}
	return v.(domain.Actor), nil
}

func (r *Registry) fetchActor(ctx context.Context, fid string) (domain.Actor, error) {
	if err := r.MRF.CheckURL(fid); err != nil {
		return domain.Actor{}, err
	}

	doc, finalURL, err := r.SignedGetJSON(ctx, fid)
	if err != nil {
		return domain.Actor{}, err
	}
	// Redirects and embedded ids are re-checked so a blocked host cannot
	// hide behind an innocuous entry url.
	if finalURL != fid {
		if err := r.MRF.CheckURL(finalURL); err != nil {
			return domain.Actor{}, err
		}
	}
	if id := jsonld.GetString(doc, "id"); id != "" && id != fid {
		if err := r.MRF.CheckURL(id); err != nil {
			return domain.Actor{}, err
		}
	}

	actor, err := ParseActor(doc)
	if err != nil {
		return domain.Actor{}, err
	}
	if err := r.ensureDomainSeen(actor.Domain); err != nil {
		return domain.Actor{}, err
	}
	if err := r.DB.UpsertActor(actor); err != nil {
		return domain.Actor{}, err
	}
	// The upsert may have kept an older row id; read back the canonical
	// record.
	return r.DB.ReadActorByFid(actor.Fid)
}

// ensureDomainSeen lazily creates the Domain row and probes nodeinfo on
// first sighting. Probe failures are non-fatal.
func (r *Registry) ensureDomainSeen(name string) error {
	_, err := r.DB.ReadDomain(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if err := r.DB.EnsureDomain(name, false); err != nil {
		return err
	}
	go r.probeNodeinfo(name)
	return nil
}

func (r *Registry) probeNodeinfo(name string) {
	wellKnown := fmt.Sprintf("https://%s/.well-known/nodeinfo", name)
	resp, err := r.Client.Get(wellKnown)
	if err != nil {
		actorLog.Debugf("nodeinfo probe of %s failed: %v", name, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		actorLog.Debugf("nodeinfo probe of %s returned %d", name, resp.StatusCode)
		return
	}
	var index struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteBody)).Decode(&index); err != nil {
		return
	}
	var target string
	for _, l := range index.Links {
		if strings.HasSuffix(l.Rel, "/2.0") || strings.HasSuffix(l.Rel, "/2.1") {
			target = l.Href
			break
		}
	}
	if target == "" {
		return
	}
	docResp, err := r.Client.Get(target)
	if err != nil {
		return
	}
	defer docResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(docResp.Body, maxRemoteBody))
	if err != nil || docResp.StatusCode != http.StatusOK {
		return
	}
	if err := r.DB.UpdateDomainNodeinfo(name, string(body), ""); err != nil {
		actorLog.Warnf("failed to store nodeinfo for %s: %v", name, err)
	}
}

// ResolveWebfinger resolves an acct handle ("user@host") to an actor,
// following the self link of the webfinger document.
func (r *Registry) ResolveWebfinger(ctx context.Context, handle string) (domain.Actor, error) {
	handle = strings.TrimPrefix(handle, "acct:")
	parts := strings.SplitN(handle, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.Actor{}, fmt.Errorf("%w: invalid acct handle %q", ErrMalformedPayload, handle)
	}
	host := parts[1]

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		host, url.QueryEscape("acct:"+handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return domain.Actor{}, err
	}
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", userAgent())
	resp, err := r.Client.Do(req)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return domain.Actor{}, fmt.Errorf("%w: webfinger %s", ErrNotFound, handle)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Actor{}, fmt.Errorf("%w: webfinger returned %d", ErrFetchFailed, resp.StatusCode)
	}

	var jrd struct {
		Links []struct {
			Rel  string `json:"rel"`
			Type string `json:"type"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteBody)).Decode(&jrd); err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	for _, l := range jrd.Links {
		if l.Rel == "self" && l.Type == ContentType {
			return r.Resolve(ctx, l.Href)
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: webfinger document has no self link", ErrMalformedPayload)
}

// SignedGetJSON issues a GET signed by the service actor and decodes
// the response as JSON-LD. The final URL after redirects is returned
// for policy re-checks.
func (r *Registry) SignedGetJSON(ctx context.Context, target string) (jsonld.Doc, string, error) {
	service, err := r.EnsureServiceActor()
	if err != nil {
		return nil, "", err
	}
	key, err := util.ParsePrivateKey(service.PrivateKeyPem)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", ContentType+", "+ContentTypeAlt)
	req.Header.Set("User-Agent", userAgent())
	if err := SignGetRequest(req, key, service.KeyID()); err != nil {
		return nil, "", err
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	finalURL := target
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, finalURL, fmt.Errorf("%w: %s returned %d", ErrNotFound, target, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, finalURL, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, target, resp.StatusCode)
	}

	var doc jsonld.Doc
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRemoteBody)).Decode(&doc); err != nil {
		return nil, finalURL, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return doc, finalURL, nil
}

func userAgent() string {
	return util.GetNameAndVersion() + " (ActivityPub)"
}
