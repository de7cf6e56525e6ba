package federation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/goccy/go-json"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

var deliveryLog = log.WithPrefix("delivery")

const (
	// deliveryBackoffBase is doubled per attempt: 30s, 60s, 120s, ...
	deliveryBackoffBase = 30 * time.Second
	// deliveryMaxAttempts caps retries before a delivery is abandoned.
	deliveryMaxAttempts = 5

	deliveryBatchSize = 50
	deliveryInterval  = 10 * time.Second
	reconcileInterval = 5 * time.Minute
	// reconcileMinAge keeps the reconciler off activities whose normal
	// dispatch may still be running.
	reconcileMinAge = 5
)

// DeliveryWorker drains the delivery queue: it signs and POSTs pending
// activities to their target inboxes with exponential backoff, and
// periodically recovers activities whose post-commit dispatch was lost,
// outbound and inbound alike.
type DeliveryWorker struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Registry *Registry
	Outbox   *OutboxRouter
	Inbox    *InboxRouter
	Client   *http.Client
}

func NewDeliveryWorker(database *db.DB, conf *util.AppConfig, registry *Registry,
	outbox *OutboxRouter, inbox *InboxRouter) *DeliveryWorker {
	return &DeliveryWorker{
		DB:       database,
		Conf:     conf,
		Registry: registry,
		Outbox:   outbox,
		Inbox:    inbox,
		Client:   &http.Client{Timeout: fetchTimeout},
	}
}

// Start launches the worker loops. They stop when ctx is cancelled; a
// cancelled delivery keeps its row state and resumes on the next run.
func (w *DeliveryWorker) Start(ctx context.Context) {
	deliveryLog.Info("starting delivery worker")
	go w.loop(ctx, deliveryInterval, w.processQueue)
	go w.loop(ctx, reconcileInterval, w.reconcile)
}

func (w *DeliveryWorker) loop(ctx context.Context, interval time.Duration, f func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f(ctx)
		}
	}
}

func (w *DeliveryWorker) processQueue(ctx context.Context) {
	pending, err := w.DB.ReadPendingDeliveries(deliveryBatchSize)
	if err != nil {
		deliveryLog.Errorf("failed to read delivery queue: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	deliveryLog.Debugf("processing %d pending deliveries", len(pending))

	blocked := w.blockedDomains()
	for _, item := range pending {
		if ctx.Err() != nil {
			return
		}
		w.attempt(ctx, item, blocked)
	}
}

// attempt performs one delivery try and records the outcome.
func (w *DeliveryWorker) attempt(ctx context.Context, item domain.Delivery, blocked map[string]bool) {
	host, err := util.ExtractDomain(item.InboxURL)
	if err != nil {
		w.abandon(item, 0, fmt.Errorf("invalid inbox url: %w", err))
		return
	}
	if blocked[host] {
		w.abandon(item, 0, fmt.Errorf("%w: domain %s", ErrBlocked, host))
		return
	}

	status, err := w.post(ctx, item)
	switch {
	case err == nil && status >= 200 && status < 300:
		if dbErr := w.DB.MarkDelivered(item.ID, status); dbErr != nil {
			deliveryLog.Errorf("failed to mark delivery %d done: %v", item.ID, dbErr)
		}

	case status == http.StatusGone:
		// The inbox owner is gone for good; tombstone it.
		deliveryLog.Infof("inbox %s returned 410, purging its actor", item.InboxURL)
		w.purgeInboxActor(item.InboxURL)
		w.abandon(item, status, nil)

	case retryableDelivery(status, err):
		w.retry(item, status, err)

	default:
		w.abandon(item, status, err)
	}
}

// retryableDelivery: network errors, 5xx, 408 and 429 retry; other 4xx
// are terminal.
func retryableDelivery(status int, err error) bool {
	if err != nil && status == 0 {
		return true
	}
	if status >= 500 {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

func (w *DeliveryWorker) retry(item domain.Delivery, status int, cause error) {
	attempts := item.Attempts + 1
	if attempts >= deliveryMaxAttempts {
		deliveryLog.Warnf("giving up on delivery to %s after %d attempts: %v",
			item.InboxURL, attempts, cause)
		w.abandon(item, status, cause)
		return
	}
	backoff := deliveryBackoffBase << uint(item.Attempts)
	deliveryLog.Infof("delivery to %s failed (attempt %d), retry in %s: %v",
		item.InboxURL, attempts, backoff, cause)
	if err := w.DB.MarkDeliveryFailed(item.ID, status, backoff); err != nil {
		deliveryLog.Errorf("failed to record delivery failure: %v", err)
	}
}

func (w *DeliveryWorker) abandon(item domain.Delivery, status int, cause error) {
	if cause != nil {
		deliveryLog.Warnf("abandoning delivery to %s: %v", item.InboxURL, cause)
	}
	if err := w.DB.AbandonDelivery(item.ID, status); err != nil {
		deliveryLog.Errorf("failed to abandon delivery %d: %v", item.ID, err)
	}
}

// post signs and sends the activity body. Returns the response status,
// 0 on transport failure.
func (w *DeliveryWorker) post(ctx context.Context, item domain.Delivery) (int, error) {
	activity, err := w.DB.ReadActivity(item.ActivityID)
	if err != nil {
		return 0, err
	}
	signer, err := w.DB.ReadActorByFid(activity.ActorFid)
	if err != nil || !signer.Local {
		// fall back to the service actor for activities whose author is
		// not locally keyed (channel actors always are)
		signer, err = w.Registry.EnsureServiceActor()
		if err != nil {
			return 0, err
		}
	}
	key, err := util.ParsePrivateKey(signer.PrivateKeyPem)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURL, bytes.NewReader(activity.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("User-Agent", userAgent())
	if err := SignPostRequest(req, activity.Payload, key, signer.KeyID()); err != nil {
		return 0, err
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: inbox returned %d", ErrFetchFailed, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// purgeInboxActor removes the remote actor whose personal inbox
// answered 410. Shared inboxes are left alone since they serve many
// actors.
func (w *DeliveryWorker) purgeInboxActor(inboxURL string) {
	host, err := util.ExtractDomain(inboxURL)
	if err != nil {
		return
	}
	actors, err := w.DB.ReadActorsByDomain(host)
	if err != nil {
		deliveryLog.Errorf("failed to look up actors on %s: %v", host, err)
		return
	}
	for _, a := range actors {
		if a.InboxURL == inboxURL && !a.Local {
			if err := w.DB.PurgeActor(a.Fid); err != nil {
				deliveryLog.Errorf("failed to purge actor %s: %v", a.Fid, err)
			}
		}
	}
}

func (w *DeliveryWorker) blockedDomains() map[string]bool {
	policies, err := w.DB.ReadActivePolicies()
	if err != nil {
		deliveryLog.Errorf("failed to load instance policies: %v", err)
		return nil
	}
	blocked := make(map[string]bool)
	for _, p := range policies {
		if p.BlockAll && p.TargetDomain != "" {
			blocked[p.TargetDomain] = true
		}
	}
	return blocked
}

// reconcile recovers activities that committed but whose post-commit
// dispatch was lost, in both directions.
func (w *DeliveryWorker) reconcile(ctx context.Context) {
	w.reconcileOutbound(ctx, reconcileMinAge)
	w.reconcileInbound(ctx, reconcileMinAge)
}

// reconcileOutbound re-enqueues local activities that never got their
// delivery rows, rebuilding recipients from the stored addressing.
func (w *DeliveryWorker) reconcileOutbound(ctx context.Context, minAgeMinutes int) {
	orphans, err := w.DB.ReadUndispatchedLocalActivities(minAgeMinutes)
	if err != nil {
		deliveryLog.Errorf("reconciler scan failed: %v", err)
		return
	}
	for _, activity := range orphans {
		if ctx.Err() != nil {
			return
		}
		deliveryLog.Warnf("re-enqueueing orphaned activity %s", activity.Fid)
		inboxes, err := w.recipientsOf(activity)
		if err != nil {
			deliveryLog.Errorf("failed to expand recipients of %s: %v", activity.Fid, err)
			continue
		}
		if len(inboxes) == 0 {
			continue
		}
		if err := w.DB.CreateDeliveries(activity.ID, inboxes); err != nil {
			deliveryLog.Errorf("failed to reconcile %s: %v", activity.Fid, err)
		}
	}
}

// reconcileInbound re-runs handler dispatch for acknowledged inbound
// activities that never finished it, so a crashed dispatch goroutine
// cannot lose an accepted activity.
func (w *DeliveryWorker) reconcileInbound(ctx context.Context, minAgeMinutes int) {
	stale, err := w.DB.ReadUndispatchedInboundActivities(minAgeMinutes)
	if err != nil {
		deliveryLog.Errorf("inbound reconciler scan failed: %v", err)
		return
	}
	for _, activity := range stale {
		if ctx.Err() != nil {
			return
		}
		sender, err := w.DB.ReadActorByFid(activity.ActorFid)
		if errors.Is(err, db.ErrNotFound) {
			// sender purged since receipt, nothing left to process
			if err := w.DB.MarkActivityDispatched(activity.ID); err != nil {
				deliveryLog.Errorf("failed to retire %s: %v", activity.Fid, err)
			}
			continue
		}
		if err != nil {
			deliveryLog.Errorf("failed to load sender of %s: %v", activity.Fid, err)
			continue
		}
		deliveryLog.Warnf("re-dispatching inbound activity %s", activity.Fid)
		if err := w.Inbox.Dispatch(ctx, activity.ID, sender); err != nil {
			deliveryLog.Errorf("failed to re-dispatch %s: %v", activity.Fid, err)
		}
	}
}

// recipientsOf rebuilds the delivery targets of an activity from its
// persisted to/cc addressing: the public audience fans out to every
// instance with local followers, a followers collection to its approved
// followers, a plain fid to that actor's inbox.
func (w *DeliveryWorker) recipientsOf(activity domain.Activity) ([]string, error) {
	var payload jsonld.Doc
	if err := json.Unmarshal(activity.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	addresses := append(jsonld.IDList(payload["to"]), jsonld.IDList(payload["cc"])...)

	var targets []inboxTarget
	for _, addr := range addresses {
		if addr == PublicAudience {
			inboxes, err := w.DB.ReadInstancesWithFollowers()
			if err != nil {
				return nil, err
			}
			for _, u := range inboxes {
				targets = append(targets, inboxTarget{url: u, shared: true})
			}
			continue
		}
		if owner, err := w.DB.ReadActorByFollowersURL(addr); err == nil {
			followers, err := w.DB.ReadApprovedFollowers(owner.Fid)
			if err != nil {
				return nil, err
			}
			for _, follower := range followers {
				if !follower.Local {
					targets = append(targets, remoteTarget(follower))
				}
			}
			continue
		}
		actor, err := w.DB.ReadActorByFid(addr)
		if err != nil {
			deliveryLog.Debugf("unresolvable recipient %s on %s", addr, activity.Fid)
			continue
		}
		if !actor.Local {
			targets = append(targets, remoteTarget(actor))
		}
	}
	return w.Outbox.dedupeInboxes(targets), nil
}
