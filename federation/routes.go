package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/db"
	"github.com/lowfreq/tremolo/domain"
	"github.com/lowfreq/tremolo/jsonld"
	"github.com/lowfreq/tremolo/util"
)

// CoreHandlers implements the built-in activity handlers mapping
// protocol objects onto storage entities.
type CoreHandlers struct {
	DB       *db.DB
	Conf     *util.AppConfig
	Registry *Registry
	Outbox   *OutboxRouter
	Fetcher  *Fetcher
}

// RegisterCoreRoutes wires the built-in inbox and outbox route tables.
// Announce is deliberately absent: such activities are stored and
// ignored until a use case arises.
func RegisterCoreRoutes(inbox *InboxRouter, outbox *OutboxRouter, h *CoreHandlers) {
	inbox.Register(RoutePattern{"type": "Follow"}, h.HandleFollow)
	inbox.Register(RoutePattern{"type": "Accept"}, h.HandleAccept)
	inbox.Register(RoutePattern{"type": "Undo", "object.type": "Follow"}, h.HandleUndoFollow)
	inbox.Register(RoutePattern{"type": "Create", "object.type": "Audio"}, h.HandleCreateAudio)
	inbox.Register(RoutePattern{
		"type":        "Update",
		"object.type": []string{"Track", "Album", "Artist", "Library", "Audio"},
	}, h.HandleUpdate)
	inbox.Register(RoutePattern{"type": "Delete"}, h.HandleDelete)
	inbox.Register(RoutePattern{"type": "Flag"}, h.HandleFlag)

	outbox.Register(RoutePattern{"type": "Follow"}, h.BuildFollow)
	outbox.Register(RoutePattern{"type": "Accept"}, h.BuildAccept)
	outbox.Register(RoutePattern{"type": "Undo", "object.type": "Follow"}, h.BuildUndoFollow)
	outbox.Register(RoutePattern{"type": "Create", "object.type": "Audio"}, h.BuildCreateAudio)
	outbox.Register(RoutePattern{"type": "Delete"}, h.BuildDelete)
	outbox.Register(RoutePattern{"type": "Flag"}, h.BuildFlag)
}

// HandleFollow records a follow request against a local target and
// auto-accepts it unless the target approves follows manually.
func (h *CoreHandlers) HandleFollow(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	targetFid := jsonld.FirstID(payload["object"])
	if targetFid == "" {
		return nil, fmt.Errorf("%w: follow has no object", ErrMalformedPayload)
	}
	target, err := h.DB.ReadActorByFid(targetFid)
	if err != nil {
		return nil, fmt.Errorf("%w: follow target %s unknown", ErrMalformedPayload, targetFid)
	}
	if !target.Local {
		return nil, fmt.Errorf("%w: follow target %s is not local", ErrAuthorizationDenied, targetFid)
	}

	follow := domain.Follow{
		ID:        uuid.New(),
		Fid:       jsonld.GetString(payload, "id"),
		ActorFid:  ictx.Sender.Fid,
		TargetFid: targetFid,
	}
	if !target.ManuallyApprovesFollowers {
		approved := true
		follow.Approved = &approved
	}
	if err := h.DB.UpsertFollow(follow); err != nil {
		return nil, err
	}
	stored, err := h.DB.ReadFollow(follow.ActorFid, follow.TargetFid)
	if err != nil {
		return nil, err
	}

	if stored.IsApproved() {
		err := h.Outbox.Dispatch(ctx, jsonld.Doc{
			"type":       "Accept",
			"actor":      targetFid,
			"follow_fid": stored.Fid,
		})
		if err != nil {
			return nil, err
		}
	}

	return &HandlerResult{
		Object:  domain.ObjectRef{Kind: domain.RefActor, ID: target.ID.String()},
		Related: domain.ObjectRef{Kind: domain.RefFollow, ID: stored.ID.String()},
	}, nil
}

// HandleAccept approves a pending follow previously sent by a local
// actor. Only the follow's target may accept it.
func (h *CoreHandlers) HandleAccept(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	followFid := followObjectFid(payload)
	if followFid == "" {
		return nil, fmt.Errorf("%w: accept has no follow object", ErrMalformedPayload)
	}
	follow, err := h.DB.ReadFollowByFid(followFid)
	if err != nil {
		return nil, fmt.Errorf("%w: accepted follow %s unknown", ErrMalformedPayload, followFid)
	}
	if follow.TargetFid != ictx.Sender.Fid {
		return nil, fmt.Errorf("%w: %s cannot accept a follow targeting %s",
			ErrAuthorizationDenied, ictx.Sender.Fid, follow.TargetFid)
	}
	if err := h.DB.UpdateFollowApproved(follow.ID, true); err != nil {
		return nil, err
	}
	return &HandlerResult{
		Related: domain.ObjectRef{Kind: domain.RefFollow, ID: follow.ID.String()},
	}, nil
}

// HandleUndoFollow removes a follow edge. Only its author may undo it.
func (h *CoreHandlers) HandleUndoFollow(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	followFid := followObjectFid(payload)
	if followFid == "" {
		return nil, fmt.Errorf("%w: undo has no follow object", ErrMalformedPayload)
	}
	follow, err := h.DB.ReadFollowByFid(followFid)
	if errors.Is(err, db.ErrNotFound) {
		// already gone, undo is idempotent
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if follow.ActorFid != ictx.Sender.Fid {
		return nil, fmt.Errorf("%w: %s cannot undo a follow by %s",
			ErrAuthorizationDenied, ictx.Sender.Fid, follow.ActorFid)
	}
	if err := h.DB.DeleteFollow(follow.ID); err != nil {
		return nil, err
	}
	return &HandlerResult{
		Related: domain.ObjectRef{Kind: domain.RefFollow, ID: follow.ID.String()},
	}, nil
}

// HandleCreateAudio upserts an upload (and its track) into the
// referenced library, fetching the library document when it is not
// known yet. The sender must own the library.
func (h *CoreHandlers) HandleCreateAudio(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	object, ok := payload["object"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: create has no embedded object", ErrMalformedPayload)
	}
	audio, err := ParseAudio(object)
	if err != nil {
		return nil, err
	}
	library, err := h.readOrFetchLibrary(ctx, audio.LibraryFid)
	if err != nil {
		return nil, err
	}
	if library.ActorFid != ictx.Sender.Fid {
		return nil, fmt.Errorf("%w: %s does not manage library %s",
			ErrAuthorizationDenied, ictx.Sender.Fid, library.Fid)
	}

	upload, track, err := h.upsertAudio(audio, library, ictx.Sender)
	if err != nil {
		return nil, err
	}
	return &HandlerResult{
		Object:  domain.ObjectRef{Kind: domain.RefUpload, ID: upload.ID.String()},
		Target:  domain.ObjectRef{Kind: domain.RefLibrary, ID: library.ID.String()},
		Related: domain.ObjectRef{Kind: domain.RefTrack, ID: track.ID.String()},
	}, nil
}

// readOrFetchLibrary loads the library behind fid, retrieving its
// document over federation on a miss so uploads into libraries we have
// never seen still land.
func (h *CoreHandlers) readOrFetchLibrary(ctx context.Context, fid string) (domain.Library, error) {
	library, err := h.DB.ReadLibraryByFid(fid)
	if err == nil {
		return library, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return domain.Library{}, err
	}
	if h.Fetcher == nil {
		return domain.Library{}, fmt.Errorf("%w: library %s unknown", ErrMalformedPayload, fid)
	}
	service, err := h.Registry.EnsureServiceActor()
	if err != nil {
		return domain.Library{}, err
	}
	if _, err := h.Fetcher.FetchObject(ctx, fid, service, false); err != nil {
		return domain.Library{}, fmt.Errorf("%w: library %s unreachable: %v", ErrMalformedPayload, fid, err)
	}
	library, err = h.DB.ReadLibraryByFid(fid)
	if err != nil {
		return domain.Library{}, fmt.Errorf("%w: library %s unknown", ErrMalformedPayload, fid)
	}
	return library, nil
}

// upsertAudio maps an Audio object onto artist/track/upload rows. Ids
// are derived deterministically from federation ids so repeated
// deliveries and updates apply idempotently.
func (h *CoreHandlers) upsertAudio(audio AudioObject, library domain.Library, owner domain.Actor) (domain.Upload, domain.Track, error) {
	artist := domain.Artist{
		ID:              uuid.NewMD5(uuid.NameSpaceURL, []byte("artist:"+library.Fid)),
		Name:            owner.PreferredUsername,
		AttributedTo:    owner.Fid,
		ContentCategory: "music",
	}
	if err := h.DB.UpsertArtist(artist); err != nil {
		return domain.Upload{}, domain.Track{}, err
	}

	trackSeed := audio.TrackFid
	if trackSeed == "" {
		trackSeed = audio.Fid
	}
	track := domain.Track{
		ID:       uuid.NewMD5(uuid.NameSpaceURL, []byte(trackSeed)),
		Fid:      audio.TrackFid,
		Title:    audio.Title,
		ArtistID: artist.ID,
		Position: 1,
	}
	if track.Title == "" {
		track.Title = audio.Href
	}
	if err := h.DB.UpsertTrack(track); err != nil {
		return domain.Upload{}, domain.Track{}, err
	}

	upload := domain.Upload{
		ID:           uuid.NewMD5(uuid.NameSpaceURL, []byte(audio.Fid)),
		Fid:          audio.Fid,
		LibraryID:    library.ID,
		TrackID:      track.ID,
		Source:       audio.Href,
		Size:         audio.Size,
		Duration:     audio.Duration,
		Bitrate:      audio.Bitrate,
		Mimetype:     audio.MediaType,
		ImportStatus: domain.ImportFinished,
	}
	if err := h.DB.UpsertUpload(upload); err != nil {
		return domain.Upload{}, domain.Track{}, err
	}
	return upload, track, nil
}

// HandleUpdate applies a mutation to a known entity after checking the
// sender manages it.
func (h *CoreHandlers) HandleUpdate(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	object, ok := payload["object"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: update has no embedded object", ErrMalformedPayload)
	}
	objectType := jsonld.GetString(object, "type")
	objectFid := jsonld.GetString(object, "id")
	if objectFid == "" {
		return nil, fmt.Errorf("%w: update object has no id", ErrMalformedPayload)
	}

	switch objectType {
	case "Library":
		library, err := h.DB.ReadLibraryByFid(objectFid)
		if err != nil {
			return nil, fmt.Errorf("%w: library %s unknown", ErrMalformedPayload, objectFid)
		}
		if library.ActorFid != ictx.Sender.Fid {
			return nil, fmt.Errorf("%w: %s does not manage library %s",
				ErrAuthorizationDenied, ictx.Sender.Fid, objectFid)
		}
		updated, err := ParseLibrary(object)
		if err != nil {
			return nil, err
		}
		updated.ID = library.ID
		updated.ActorFid = library.ActorFid
		if err := h.DB.UpsertLibrary(updated); err != nil {
			return nil, err
		}
		return &HandlerResult{Object: domain.ObjectRef{Kind: domain.RefLibrary, ID: library.ID.String()}}, nil

	case "Audio":
		audio, err := ParseAudio(object)
		if err != nil {
			return nil, err
		}
		upload, err := h.DB.ReadUploadByFid(audio.Fid)
		if err != nil {
			return nil, fmt.Errorf("%w: upload %s unknown", ErrMalformedPayload, audio.Fid)
		}
		library, err := h.DB.ReadLibrary(upload.LibraryID)
		if err != nil {
			return nil, err
		}
		if library.ActorFid != ictx.Sender.Fid {
			return nil, fmt.Errorf("%w: %s does not manage library %s",
				ErrAuthorizationDenied, ictx.Sender.Fid, library.Fid)
		}
		if _, _, err := h.upsertAudio(audio, library, ictx.Sender); err != nil {
			return nil, err
		}
		return &HandlerResult{Object: domain.ObjectRef{Kind: domain.RefUpload, ID: upload.ID.String()}}, nil

	case "Track", "Album", "Artist":
		return h.updateTrackEntity(objectType, objectFid, object, ictx)

	default:
		return nil, fmt.Errorf("%w: unsupported update type %q", ErrMalformedPayload, objectType)
	}
}

func (h *CoreHandlers) updateTrackEntity(objectType, objectFid string, object jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	switch objectType {
	case "Track":
		track, err := h.DB.ReadTrackByFid(objectFid)
		if err != nil {
			return nil, fmt.Errorf("%w: track %s unknown", ErrMalformedPayload, objectFid)
		}
		owner, err := h.trackOwner(track.ID)
		if err != nil {
			return nil, err
		}
		if owner != ictx.Sender.Fid {
			return nil, fmt.Errorf("%w: %s does not manage track %s",
				ErrAuthorizationDenied, ictx.Sender.Fid, objectFid)
		}
		if name := jsonld.GetString(object, "name"); name != "" {
			track.Title = name
		}
		if pos := coerceInt(object["position"]); pos > 0 {
			track.Position = pos
		}
		if err := h.DB.UpsertTrack(track); err != nil {
			return nil, err
		}
		return &HandlerResult{Object: domain.ObjectRef{Kind: domain.RefTrack, ID: track.ID.String()}}, nil
	default:
		// Album and Artist metadata flows through their tracks' updates.
		return nil, nil
	}
}

// trackOwner resolves the actor managing a track through the library of
// any of its uploads.
func (h *CoreHandlers) trackOwner(trackID uuid.UUID) (string, error) {
	uploads, err := h.DB.ReadUploadsByTrack(trackID)
	if err != nil {
		return "", err
	}
	for _, u := range uploads {
		library, err := h.DB.ReadLibrary(u.LibraryID)
		if err != nil {
			continue
		}
		return library.ActorFid, nil
	}
	return "", nil
}

// HandleDelete removes the referenced entity. An actor deleting itself
// must match the envelope actor; everything else is authorized through
// library ownership.
func (h *CoreHandlers) HandleDelete(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	objectFid := jsonld.FirstID(payload["object"])
	if objectFid == "" {
		return nil, fmt.Errorf("%w: delete has no object", ErrMalformedPayload)
	}

	// Actor self-deletion tombstones the account and cascades.
	if actor, err := h.DB.ReadActorByFid(objectFid); err == nil {
		if actor.Fid != ictx.Sender.Fid {
			return nil, fmt.Errorf("%w: %s cannot delete actor %s",
				ErrAuthorizationDenied, ictx.Sender.Fid, actor.Fid)
		}
		if err := h.DB.PurgeActor(actor.Fid); err != nil {
			return nil, err
		}
		return &HandlerResult{Object: domain.ObjectRef{Kind: domain.RefActor, ID: actor.ID.String()}}, nil
	}

	if upload, err := h.DB.ReadUploadByFid(objectFid); err == nil {
		library, err := h.DB.ReadLibrary(upload.LibraryID)
		if err != nil {
			return nil, err
		}
		if library.ActorFid != ictx.Sender.Fid {
			return nil, fmt.Errorf("%w: %s does not manage library %s",
				ErrAuthorizationDenied, ictx.Sender.Fid, library.Fid)
		}
		if err := h.DB.DeleteUpload(upload.ID); err != nil {
			return nil, err
		}
		return &HandlerResult{Object: domain.ObjectRef{Kind: domain.RefUpload, ID: upload.ID.String()}}, nil
	}

	if library, err := h.DB.ReadLibraryByFid(objectFid); err == nil {
		if library.ActorFid != ictx.Sender.Fid {
			return nil, fmt.Errorf("%w: %s does not manage library %s",
				ErrAuthorizationDenied, ictx.Sender.Fid, library.Fid)
		}
		if err := h.DB.DeleteLibraryByFid(library.Fid); err != nil {
			return nil, err
		}
		return &HandlerResult{Object: domain.ObjectRef{Kind: domain.RefLibrary, ID: library.ID.String()}}, nil
	}

	inboxLog.Debugf("delete for unknown object %s ignored", objectFid)
	return nil, nil
}

// HandleFlag stores a moderation report against the referenced local
// objects.
func (h *CoreHandlers) HandleFlag(ctx context.Context, payload jsonld.Doc, ictx *InboxContext) (*HandlerResult, error) {
	targets := jsonld.IDList(payload["object"])
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: flag has no object", ErrMalformedPayload)
	}
	summary := jsonld.GetString(payload, "content")

	var first domain.ObjectRef
	for _, targetFid := range targets {
		report := domain.Report{
			ID:       uuid.New(),
			Fid:      jsonld.GetString(payload, "id"),
			ActorFid: ictx.Sender.Fid,
			Target:   h.resolveLocalRef(targetFid),
			Summary:  summary,
		}
		if err := h.DB.CreateReport(report); err != nil {
			return nil, err
		}
		if first.IsZero() {
			first = domain.ObjectRef{Kind: domain.RefReport, ID: report.ID.String()}
		}
	}
	return &HandlerResult{Related: first}, nil
}

// resolveLocalRef maps a federation id onto a known local entity,
// falling back to an opaque reference.
func (h *CoreHandlers) resolveLocalRef(fid string) domain.ObjectRef {
	if actor, err := h.DB.ReadActorByFid(fid); err == nil {
		return domain.ObjectRef{Kind: domain.RefActor, ID: actor.ID.String()}
	}
	if upload, err := h.DB.ReadUploadByFid(fid); err == nil {
		return domain.ObjectRef{Kind: domain.RefUpload, ID: upload.ID.String()}
	}
	if track, err := h.DB.ReadTrackByFid(fid); err == nil {
		return domain.ObjectRef{Kind: domain.RefTrack, ID: track.ID.String()}
	}
	if library, err := h.DB.ReadLibraryByFid(fid); err == nil {
		return domain.ObjectRef{Kind: domain.RefLibrary, ID: library.ID.String()}
	}
	return domain.ObjectRef{Kind: domain.RefOpaque, ID: fid}
}

// followObjectFid extracts the follow id from an Accept/Undo object,
// embedded or referenced.
func followObjectFid(payload jsonld.Doc) string {
	return jsonld.FirstID(payload["object"])
}

// BuildFollow renders an outbound follow request from a local actor.
// Event: {type: Follow, actor: <local fid>, object: <target fid>}.
func (h *CoreHandlers) BuildFollow(ctx context.Context, event jsonld.Doc) ([]ActivityDescriptor, error) {
	actorFid := jsonld.GetString(event, "actor")
	targetFid := jsonld.FirstID(event["object"])
	follow, err := h.DB.ReadFollow(actorFid, targetFid)
	if err != nil {
		return nil, err
	}
	return []ActivityDescriptor{{
		Type:     "Follow",
		ActorFid: actorFid,
		Payload:  jsonld.Doc{"id": follow.Fid, "object": targetFid},
		Related:  domain.ObjectRef{Kind: domain.RefFollow, ID: follow.ID.String()},
		To:       []Recipient{{Type: RecipientActorInbox, Target: targetFid}},
	}}, nil
}

// BuildAccept renders the Accept answering an approved follow.
// Event: {type: Accept, actor: <target fid>, follow_fid: <follow fid>}.
func (h *CoreHandlers) BuildAccept(ctx context.Context, event jsonld.Doc) ([]ActivityDescriptor, error) {
	follow, err := h.DB.ReadFollowByFid(jsonld.GetString(event, "follow_fid"))
	if err != nil {
		return nil, err
	}
	payload := RenderAccept("", &follow)
	delete(payload, "id")
	return []ActivityDescriptor{{
		Type:     "Accept",
		ActorFid: follow.TargetFid,
		Payload:  payload,
		Related:  domain.ObjectRef{Kind: domain.RefFollow, ID: follow.ID.String()},
		To:       []Recipient{{Type: RecipientActorInbox, Target: follow.ActorFid}},
	}}, nil
}

// BuildUndoFollow renders the Undo retracting a local follow.
// Event: {type: Undo, object: {type: Follow}, follow_fid: <fid>}.
func (h *CoreHandlers) BuildUndoFollow(ctx context.Context, event jsonld.Doc) ([]ActivityDescriptor, error) {
	follow, err := h.DB.ReadFollowByFid(jsonld.GetString(event, "follow_fid"))
	if err != nil {
		return nil, err
	}
	payload := RenderUndoFollow("", &follow)
	delete(payload, "id")
	return []ActivityDescriptor{{
		Type:     "Undo",
		ActorFid: follow.ActorFid,
		Payload:  payload,
		Related:  domain.ObjectRef{Kind: domain.RefFollow, ID: follow.ID.String()},
		To:       []Recipient{{Type: RecipientActorInbox, Target: follow.TargetFid}},
	}}, nil
}

// BuildCreateAudio renders Create Audio for a finished upload, pushed
// to the owning actor's followers.
// Event: {type: Create, object: {type: Audio}, upload_id: <uuid>}.
func (h *CoreHandlers) BuildCreateAudio(ctx context.Context, event jsonld.Doc) ([]ActivityDescriptor, error) {
	uploadID, err := uuid.Parse(jsonld.GetString(event, "upload_id"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	upload, library, track, err := h.loadUploadGraph(uploadID)
	if err != nil {
		return nil, err
	}

	to := []Recipient{{Type: RecipientFollowers, Target: library.ActorFid}}
	var cc []Recipient
	if library.PrivacyLevel == domain.PrivacyEveryone {
		cc = append(cc, Recipient{Type: RecipientPublic})
	}

	audio := RenderAudio(&upload, track.Fid, library.Fid)
	delete(audio, "@context")
	return []ActivityDescriptor{{
		Type:     "Create",
		ActorFid: library.ActorFid,
		Payload:  jsonld.Doc{"object": audio},
		Object:   domain.ObjectRef{Kind: domain.RefUpload, ID: upload.ID.String()},
		Target:   domain.ObjectRef{Kind: domain.RefLibrary, ID: library.ID.String()},
		To:       to,
		CC:       cc,
	}}, nil
}

func (h *CoreHandlers) loadUploadGraph(uploadID uuid.UUID) (domain.Upload, domain.Library, domain.Track, error) {
	var upload domain.Upload
	var library domain.Library
	var track domain.Track
	upload, err := h.DB.ReadUpload(uploadID)
	if err != nil {
		return upload, library, track, err
	}
	library, err = h.DB.ReadLibrary(upload.LibraryID)
	if err != nil {
		return upload, library, track, err
	}
	track, err = h.DB.ReadTrack(upload.TrackID)
	return upload, library, track, err
}

// BuildDelete renders a Tombstone delete broadcast to every instance
// with local followers.
// Event: {type: Delete, actor: <fid>, object: <fid>}.
func (h *CoreHandlers) BuildDelete(ctx context.Context, event jsonld.Doc) ([]ActivityDescriptor, error) {
	objectFid := jsonld.FirstID(event["object"])
	tombstone := RenderTombstone(objectFid)
	delete(tombstone, "@context")
	return []ActivityDescriptor{{
		Type:     "Delete",
		ActorFid: jsonld.GetString(event, "actor"),
		Payload:  jsonld.Doc{"object": tombstone},
		Object:   domain.ObjectRef{Kind: domain.RefOpaque, ID: objectFid},
		To:       []Recipient{{Type: RecipientInstancesWithFollowers}},
	}}, nil
}

// BuildFlag renders a moderation report pushed to the inbox of the
// reported object's owner.
// Event: {type: Flag, actor: <fid>, object: <fid>, target_actor: <fid>,
// content: <summary>}.
func (h *CoreHandlers) BuildFlag(ctx context.Context, event jsonld.Doc) ([]ActivityDescriptor, error) {
	objectFid := jsonld.FirstID(event["object"])
	report := domain.Report{
		Fid:      jsonld.GetString(event, "id"),
		ActorFid: jsonld.GetString(event, "actor"),
		Summary:  jsonld.GetString(event, "content"),
	}
	return []ActivityDescriptor{{
		Type:     "Flag",
		ActorFid: report.ActorFid,
		Payload:  RenderFlag(&report, objectFid),
		Object:   domain.ObjectRef{Kind: domain.RefOpaque, ID: objectFid},
		To:       []Recipient{{Type: RecipientActorInbox, Target: jsonld.GetString(event, "target_actor")}},
	}}, nil
}
