package federation

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

var outboxLog = log.WithPrefix("outbox")

// Recipient addressing token kinds.
const (
	RecipientPublic                 = "public"
	RecipientActorInbox             = "actor_inbox"
	RecipientFollowers              = "followers"
	RecipientInstancesWithFollowers = "instances_with_followers"
	RecipientURL                    = "url"
)

// Recipient is one addressing token of an activity descriptor.
type Recipient struct {
	Type   string
	Target string // actor fid for actor_inbox/followers, literal url for url
}

// ActivityDescriptor is the outbox handler output: one activity to
// render, persist and deliver.
type ActivityDescriptor struct {
	Type     string
	ActorFid string
	Payload  jsonld.Doc
	Object   domain.ObjectRef
	Target   domain.ObjectRef
	Related  domain.ObjectRef
	To       []Recipient
	CC       []Recipient
}

// OutboxHandler builds activity descriptors from a domain event.
type OutboxHandler func(ctx context.Context, event jsonld.Doc) ([]ActivityDescriptor, error)

type outboxRoute struct {
	pattern RoutePattern
	handler OutboxHandler
}

// OutboxRouter turns domain events into persisted activities with
// delivery rows. Routes are registered at startup.
type OutboxRouter struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Registry *Registry

	routes []outboxRoute
}

func NewOutboxRouter(database *db.DB, conf *util.AppConfig, registry *Registry) *OutboxRouter {
	return &OutboxRouter{DB: database, Conf: conf, Registry: registry}
}

func (rt *OutboxRouter) Register(pattern RoutePattern, h OutboxHandler) {
	rt.routes = append(rt.routes, outboxRoute{pattern: pattern, handler: h})
}

// Dispatch runs the first handler whose pattern matches the event and
// persists every descriptor it yields.
func (rt *OutboxRouter) Dispatch(ctx context.Context, event jsonld.Doc) error {
	for _, route := range rt.routes {
		if !MatchPattern(route.pattern, event) {
			continue
		}
		descriptors, err := route.handler(ctx, event)
		if err != nil {
			return err
		}
		for _, d := range descriptors {
			if _, err := rt.DispatchDescriptor(ctx, d); err != nil {
				return err
			}
		}
		return nil
	}
	outboxLog.Debugf("no outbox route matched event type=%v", event["type"])
	return nil
}

// NewActivityFid mints a fid for a locally created activity.
func (rt *OutboxRouter) NewActivityFid() string {
	return fmt.Sprintf("https://%s/federation/activities/%s",
		rt.Conf.Conf.SslDomain, uuid.NewString())
}

// DispatchDescriptor renders, persists and enqueues one activity:
// recipients are expanded to inbox urls (shared inboxes deduplicated per
// domain), the activity row and its delivery rows are committed
// together, local recipients get inbox items.
func (rt *OutboxRouter) DispatchDescriptor(ctx context.Context, d ActivityDescriptor) (domain.Activity, error) {
	payload := d.Payload
	if payload == nil {
		payload = jsonld.Doc{}
	}
	if _, ok := payload["@context"]; !ok {
		payload["@context"] = Context()
	}
	fid, _ := payload["id"].(string)
	if fid == "" {
		fid = rt.NewActivityFid()
		payload["id"] = fid
	}
	payload["type"] = d.Type
	payload["actor"] = d.ActorFid

	to, toPlan, err := rt.expandRecipients(ctx, d.To)
	if err != nil {
		return domain.Activity{}, err
	}
	cc, ccPlan, err := rt.expandRecipients(ctx, d.CC)
	if err != nil {
		return domain.Activity{}, err
	}
	payload["to"] = to
	payload["cc"] = cc

	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	activity := domain.Activity{
		ID:       uuid.New(),
		Fid:      fid,
		Type:     d.Type,
		ActorFid: d.ActorFid,
		Payload:  raw,
		Object:   d.Object,
		Target:   d.Target,
		Related:  d.Related,
		Local:    true,
		// outbound activities need no inbox handler pass
		Dispatched: true,
	}

	items := mergeInboxItems(toPlan.localActors, ccPlan.localActors)
	if err := rt.DB.CreateActivityWithItems(activity, items); err != nil {
		return domain.Activity{}, err
	}

	inboxes := rt.dedupeInboxes(append(toPlan.inboxes, ccPlan.inboxes...))
	if len(inboxes) > 0 {
		if err := rt.DB.CreateDeliveries(activity.ID, inboxes); err != nil {
			return domain.Activity{}, err
		}
	}
	outboxLog.Infof("dispatched %s %s to %d inboxes", d.Type, fid, len(inboxes))
	return activity, nil
}

type inboxTarget struct {
	url    string
	shared bool
}

type recipientPlan struct {
	inboxes     []inboxTarget
	localActors []domain.InboxItem
}

func remoteTarget(a domain.Actor) inboxTarget {
	if a.SharedInboxURL != "" {
		return inboxTarget{url: a.SharedInboxURL, shared: true}
	}
	return inboxTarget{url: a.InboxURL}
}

// expandRecipients resolves addressing tokens into the JSON-LD address
// list, remote inbox urls and local inbox items.
func (rt *OutboxRouter) expandRecipients(ctx context.Context, recipients []Recipient) ([]any, recipientPlan, error) {
	var addresses []any
	var plan recipientPlan

	addLocal := func(fid string) {
		for _, item := range plan.localActors {
			if item.ActorFid == fid {
				return
			}
		}
		plan.localActors = append(plan.localActors, domain.InboxItem{ActorFid: fid})
	}

	for _, r := range recipients {
		switch r.Type {
		case RecipientPublic:
			addresses = append(addresses, PublicAudience)

		case RecipientActorInbox:
			actor, err := rt.Registry.Resolve(ctx, r.Target)
			if err != nil {
				return nil, plan, err
			}
			addresses = append(addresses, actor.Fid)
			if actor.Local {
				addLocal(actor.Fid)
			} else {
				plan.inboxes = append(plan.inboxes, remoteTarget(actor))
			}

		case RecipientFollowers:
			target, err := rt.DB.ReadActorByFid(r.Target)
			if err != nil {
				return nil, plan, err
			}
			addresses = append(addresses, target.FollowersURL)
			followers, err := rt.DB.ReadApprovedFollowers(r.Target)
			if err != nil {
				return nil, plan, err
			}
			for _, follower := range followers {
				if follower.Local {
					addLocal(follower.Fid)
				} else {
					plan.inboxes = append(plan.inboxes, remoteTarget(follower))
				}
			}

		case RecipientInstancesWithFollowers:
			inboxes, err := rt.DB.ReadInstancesWithFollowers()
			if err != nil {
				return nil, plan, err
			}
			for _, u := range inboxes {
				plan.inboxes = append(plan.inboxes, inboxTarget{url: u, shared: true})
			}

		case RecipientURL:
			addresses = append(addresses, r.Target)
			plan.inboxes = append(plan.inboxes, inboxTarget{url: r.Target})

		default:
			return nil, plan, fmt.Errorf("%w: unknown recipient type %q", ErrMalformedPayload, r.Type)
		}
	}
	return addresses, plan, nil
}

// dedupeInboxes removes duplicate urls and, when allow-list federation
// is on, drops inboxes on domains not marked allowed. When both a
// shared inbox and per-actor inboxes of the same domain are addressed,
// only the shared inbox is kept.
func (rt *OutboxRouter) dedupeInboxes(inboxes []inboxTarget) []string {
	var allowed map[string]bool
	if rt.Conf.Conf.AllowListEnabled {
		allowed = make(map[string]bool)
		domains, err := rt.DB.ReadAllDomains()
		if err != nil {
			outboxLog.Errorf("failed to load domains for allow-list filtering: %v", err)
			return nil
		}
		for _, d := range domains {
			if d.Allowed {
				allowed[d.Name] = true
			}
		}
	}

	sharedByDomain := make(map[string]string)
	for _, t := range inboxes {
		if !t.shared {
			continue
		}
		host, err := util.ExtractDomain(t.url)
		if err != nil {
			continue
		}
		if sharedByDomain[host] == "" {
			sharedByDomain[host] = t.url
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, t := range inboxes {
		host, err := util.ExtractDomain(t.url)
		if err != nil {
			continue
		}
		if allowed != nil && !allowed[host] {
			continue
		}
		url := t.url
		if shared, ok := sharedByDomain[host]; ok {
			url = shared
		}
		if seen[url] {
			continue
		}
		seen[url] = true
		out = append(out, url)
	}
	return out
}

func mergeInboxItems(to, cc []domain.InboxItem) []domain.InboxItem {
	seen := make(map[string]bool)
	var out []domain.InboxItem
	for _, item := range to {
		item.Type = "to"
		seen[item.ActorFid] = true
		out = append(out, item)
	}
	for _, item := range cc {
		if seen[item.ActorFid] {
			continue
		}
		item.Type = "cc"
		out = append(out, item)
	}
	return out
}
