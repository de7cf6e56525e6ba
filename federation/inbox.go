package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

var inboxLog = log.WithPrefix("inbox")

// RoutePattern matches activities by dotted field path. A value may be
// a string or a []string of alternatives.
// Example: {"type": "Undo", "object.type": "Follow"}.
type RoutePattern map[string]any

// MatchPattern reports whether every pattern entry matches the payload.
func MatchPattern(pattern RoutePattern, payload jsonld.Doc) bool {
	for path, expected := range pattern {
		actual := jsonld.GetString(payload, path)
		if actual == "" {
			// references may be objects carrying a type
			if v, ok := jsonld.GetPath(payload, path); ok {
				actual = jsonld.FirstID(v)
			}
		}
		switch want := expected.(type) {
		case string:
			if actual != want {
				return false
			}
		case []string:
			found := false
			for _, w := range want {
				if actual == w {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// HandlerResult carries the entity references a handler resolved, which
// are backfilled onto the stored activity row.
type HandlerResult struct {
	Object  domain.ObjectRef
	Target  domain.ObjectRef
	Related domain.ObjectRef
}

// InboxContext is passed to inbox handlers alongside the payload.
type InboxContext struct {
	Activity domain.Activity
	Sender   domain.Actor
}

// InboxHandler processes one matched activity.
type InboxHandler func(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error)

type inboxRoute struct {
	pattern RoutePattern
	handler InboxHandler
}

// notifyTypes is the set of activity kinds surfaced to users: their
// inbox items are marked delivered at dispatch time.
var notifyTypes = map[string]bool{"Follow": true, "Accept": true}

// InboxRouter receives inbound activities, persists them with their
// inbox items, and dispatches them to the first matching handler.
type InboxRouter struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Registry *Registry
	MRF      *Chain

	routes []inboxRoute
}

func NewInboxRouter(database *db.DB, conf *util.AppConfig, registry *Registry) *InboxRouter {
	return &InboxRouter{DB: database, Conf: conf, Registry: registry, MRF: registry.MRF}
}

func (rt *InboxRouter) Register(pattern RoutePattern, h InboxHandler) {
	rt.routes = append(rt.routes, inboxRoute{pattern: pattern, handler: h})
}

// Receive validates, filters and persists an inbound activity. Sender
// is the signature-authenticated actor. Duplicate activity ids are
// acknowledged without side effects (created=false). Handler dispatch
// runs after the insert committed so a handler crash can never lose an
// acknowledged activity; the caller schedules it via ScheduleDispatch.
func (rt *InboxRouter) Receive(ctx context.Context, payload jsonld.Doc, sender domain.Actor) (domain.Activity, bool, error) {
	var zero domain.Activity
	fid := jsonld.GetString(payload, "id")
	activityType := jsonld.GetString(payload, "type")
	actorFid := jsonld.FirstID(payload["actor"])
	if fid == "" || activityType == "" || actorFid == "" {
		return zero, false, fmt.Errorf("%w: activity requires id, type and actor", ErrMalformedPayload)
	}
	if actorFid != sender.Fid {
		return zero, false, fmt.Errorf("%w: envelope actor %s does not match authenticated sender %s",
			ErrAuthorizationDenied, actorFid, sender.Fid)
	}

	filtered, err := rt.MRF.Apply(payload, sender.Fid)
	if err != nil {
		return zero, false, err
	}
	payload = filtered

	recipients, err := rt.resolveRecipients(payload)
	if err != nil {
		return zero, false, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return zero, false, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	activity := domain.Activity{
		ID:       uuid.New(),
		Fid:      fid,
		Type:     activityType,
		ActorFid: actorFid,
		Payload:  raw,
	}

	err = rt.DB.CreateActivityWithItems(activity, recipients)
	if errors.Is(err, db.ErrDuplicate) {
		inboxLog.Debugf("duplicate activity %s acknowledged", fid)
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	return activity, true, nil
}

// ScheduleDispatch runs handler dispatch in the background. Lost
// dispatches are picked up by the reconciler.
func (rt *InboxRouter) ScheduleDispatch(activity domain.Activity, sender domain.Actor) {
	go func() {
		if err := rt.Dispatch(context.Background(), activity.ID, sender); err != nil {
			inboxLog.Errorf("dispatch of %s failed: %v", activity.Fid, err)
		}
	}()
}

// resolveRecipients expands to/cc/bto/bcc addressing to inbox items for
// local actors, resolving follower-collection urls.
func (rt *InboxRouter) resolveRecipients(payload jsonld.Doc) ([]domain.InboxItem, error) {
	collect := func(keys ...string) []string {
		var urls []string
		for _, key := range keys {
			urls = append(urls, jsonld.IDList(payload[key])...)
		}
		return urls
	}

	var items []domain.InboxItem
	seen := make(map[string]bool)
	appendItems := func(urls []string, addressing string) error {
		filtered := urls[:0]
		for _, u := range urls {
			if u != PublicAudience {
				filtered = append(filtered, u)
			}
		}
		if len(filtered) == 0 {
			return nil
		}
		actors, err := rt.DB.ReadLocalActorsByAudience(filtered)
		if err != nil {
			return err
		}
		for _, a := range actors {
			if seen[a.Fid] {
				continue
			}
			seen[a.Fid] = true
			items = append(items, domain.InboxItem{ActorFid: a.Fid, Type: addressing})
		}
		return nil
	}

	if err := appendItems(collect("to", "bto"), "to"); err != nil {
		return nil, err
	}
	if err := appendItems(collect("cc", "bcc"), "cc"); err != nil {
		return nil, err
	}
	return items, nil
}

// Dispatch routes a stored activity to the first matching handler and
// backfills the references it returns. Unknown activities and
// authorization failures are logged, never fatal.
func (rt *InboxRouter) Dispatch(ctx context.Context, activityID uuid.UUID, sender domain.Actor) error {
	activity, err := rt.DB.ReadActivity(activityID)
	if err != nil {
		return err
	}
	var payload jsonld.Doc
	if err := json.Unmarshal(activity.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	for _, route := range rt.routes {
		if !MatchPattern(route.pattern, payload) {
			continue
		}
		result, err := route.handler(ctx, payload, &InboxContext{Activity: activity, Sender: sender})
		if errors.Is(err, ErrAuthorizationDenied) {
			inboxLog.Warnf("dropping %s %s: %v", activity.Type, activity.Fid, err)
			rt.markDispatched(activity)
			return nil
		}
		if err != nil {
			return err
		}
		if result != nil {
			if err := rt.DB.UpdateActivityRefs(activity.ID, result.Object, result.Target, result.Related); err != nil {
				return err
			}
		}
		rt.notify(activity)
		rt.markDispatched(activity)
		return nil
	}

	inboxLog.Infof("no handler for %s %s, stored and ignored", activity.Type, activity.Fid)
	rt.markDispatched(activity)
	return nil
}

// markDispatched records terminal handler processing. Activities left
// unmarked are retried by the reconciler.
func (rt *InboxRouter) markDispatched(activity domain.Activity) {
	if err := rt.DB.MarkActivityDispatched(activity.ID); err != nil {
		inboxLog.Warnf("failed to mark %s dispatched: %v", activity.Fid, err)
	}
}

// notify marks the inbox items of user-facing activity kinds delivered.
func (rt *InboxRouter) notify(activity domain.Activity) {
	if !notifyTypes[activity.Type] {
		return
	}
	if err := rt.DB.MarkInboxItemsDelivered(activity.ID); err != nil {
		inboxLog.Warnf("failed to mark inbox items delivered for %s: %v", activity.Fid, err)
	}
}
