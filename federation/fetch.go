package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
)

var fetchLog = log.WithPrefix("fetch")

// Fetcher performs authenticated on-demand retrieval of remote objects
// with moderation pre and post checks and a deduplication window.
type Fetcher struct {
	DB       *db.DB
	Registry *Registry
	MRF      *Chain

	group singleflight.Group
}

func NewFetcher(database *db.DB, registry *Registry) *Fetcher {
	return &Fetcher{DB: database, Registry: registry, MRF: registry.MRF}
}

type fetchOutcome struct {
	doc    jsonld.Doc
	record domain.Fetch
}

// Fetch retrieves the document at url on behalf of a local actor. A
// finished fetch of the same (url, actor) inside the dedup window is
// reused unless force is set, and concurrent fetches of the same pair
// share a single round-trip. The Fetch row records the outcome either
// way.
func (f *Fetcher) Fetch(ctx context.Context, url string, onBehalfOf domain.Actor, force bool) (jsonld.Doc, domain.Fetch, error) {
	v, err, _ := f.group.Do(url+"\x00"+onBehalfOf.Fid, func() (any, error) {
		doc, record, err := f.fetch(ctx, url, onBehalfOf, force)
		if err != nil {
			return nil, err
		}
		return fetchOutcome{doc: doc, record: record}, nil
	})
	if err != nil {
		return nil, domain.Fetch{}, err
	}
	outcome := v.(fetchOutcome)
	return outcome.doc, outcome.record, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string, onBehalfOf domain.Actor, force bool) (jsonld.Doc, domain.Fetch, error) {
	var zero domain.Fetch

	if !force {
		recent, err := f.DB.ReadRecentFetch(url, onBehalfOf.Fid, f.Registry.Conf.Conf.FetchDedupWindow)
		if err == nil {
			fetchLog.Debugf("reusing fetch %d for %s", recent.ID, url)
			return nil, recent, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, zero, err
		}
	}

	if err := f.MRF.CheckURL(url); err != nil {
		return nil, zero, err
	}

	fetchID, err := f.DB.CreateFetch(url, onBehalfOf.Fid)
	if err != nil {
		return nil, zero, err
	}

	doc, finalURL, err := f.Registry.SignedGetJSON(ctx, url)
	if err != nil {
		f.fail(fetchID, err)
		return nil, zero, err
	}
	if finalURL != url {
		if mrfErr := f.MRF.CheckURL(finalURL); mrfErr != nil {
			f.skip(fetchID, mrfErr)
			return nil, zero, mrfErr
		}
	}
	if id := jsonld.GetString(doc, "id"); id != "" && id != url {
		if mrfErr := f.MRF.CheckURL(id); mrfErr != nil {
			f.skip(fetchID, mrfErr)
			return nil, zero, mrfErr
		}
	}

	record := domain.Fetch{ID: fetchID, URL: url, ActorFid: onBehalfOf.Fid, Status: domain.FetchFinished}
	if err := f.finish(fetchID, doc); err != nil {
		return nil, zero, err
	}
	return doc, record, nil
}

// FetchObject retrieves and persists a typed remote object, returning
// the resulting local reference. Supported types: Actor kinds, Library,
// Audio (persisted by the caller).
func (f *Fetcher) FetchObject(ctx context.Context, url string, onBehalfOf domain.Actor, force bool) (domain.ObjectRef, error) {
	doc, cached, err := f.Fetch(ctx, url, onBehalfOf, force)
	if err != nil {
		return domain.ObjectRef{}, err
	}
	if doc == nil {
		return cached.Object, nil
	}

	ref := domain.ObjectRef{Kind: domain.RefOpaque, ID: jsonld.GetString(doc, "id")}
	switch jsonld.GetString(doc, "type") {
	case "Person", "Service", "Application", "Group", "Organization":
		actor, err := ParseActor(doc)
		if err != nil {
			return domain.ObjectRef{}, err
		}
		if err := f.DB.UpsertActor(actor); err != nil {
			return domain.ObjectRef{}, err
		}
		stored, err := f.DB.ReadActorByFid(actor.Fid)
		if err != nil {
			return domain.ObjectRef{}, err
		}
		ref = domain.ObjectRef{Kind: domain.RefActor, ID: stored.ID.String()}
	case "Library":
		library, err := ParseLibrary(doc)
		if err != nil {
			return domain.ObjectRef{}, err
		}
		if err := f.DB.UpsertLibrary(library); err != nil {
			return domain.ObjectRef{}, err
		}
		stored, err := f.DB.ReadLibraryByFid(library.Fid)
		if err != nil {
			return domain.ObjectRef{}, err
		}
		ref = domain.ObjectRef{Kind: domain.RefLibrary, ID: stored.ID.String()}
	}

	if err := f.DB.UpdateFetch(cached.ID, domain.FetchFinished, "", ref); err != nil {
		fetchLog.Warnf("failed to update fetch record for %s: %v", url, err)
	}
	return ref, nil
}

func (f *Fetcher) fail(id int64, cause error) {
	detail := cause.Error()
	status := domain.FetchErrored
	if err := f.DB.UpdateFetch(id, status, detail, domain.ObjectRef{}); err != nil {
		fetchLog.Warnf("failed to record fetch error: %v", err)
	}
}

func (f *Fetcher) skip(id int64, cause error) {
	if err := f.DB.UpdateFetch(id, domain.FetchSkipped, cause.Error(), domain.ObjectRef{}); err != nil {
		fetchLog.Warnf("failed to record fetch skip: %v", err)
	}
}

func (f *Fetcher) finish(id int64, doc jsonld.Doc) error {
	detail, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return f.DB.UpdateFetch(id, domain.FetchFinished, string(detail), domain.ObjectRef{})
}
