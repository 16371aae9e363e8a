package activitypub

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

// activityEnvelope is the generic outer shape of an inbound activity.
type activityEnvelope struct {
	Context interface{}     `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
}

// undoObject is the embedded object of an Undo.
type undoObject struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor string `json:"actor"`
}

// InboxProcessor is the sole entry point for inbound activities: parse,
// verify, dedup, dispatch. Requests are handled concurrently; the
// uniqueness constraint on the activity identifier is what makes a
// concurrent duplicate safe.
type InboxProcessor struct {
	database *db.DB
	keys     *KeyManager
	verifier *SignatureVerifier
	outbox   *Outbox
	client   *http.Client
	conf     *util.AppConfig
}

func NewInboxProcessor(database *db.DB, keys *KeyManager, outbox *Outbox, conf *util.AppConfig) *InboxProcessor {
	return &InboxProcessor{
		database: database,
		keys:     keys,
		verifier: NewSignatureVerifier(keys),
		outbox:   outbox,
		client:   &http.Client{Timeout: 10 * time.Second},
		conf:     conf,
	}
}

// HandleInbox processes one inbound activity POST.
func (p *InboxProcessor) HandleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	var envelope activityEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		log.Printf("Inbox: Failed to parse activity: %v", err)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}
	if envelope.ID == "" || envelope.Type == "" || envelope.Actor == "" || len(envelope.Object) == 0 {
		log.Printf("Inbox: Malformed activity from %s, missing required fields", r.RemoteAddr)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	signer, err := p.verifier.Verify(r, body)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if signer != envelope.Actor {
		log.Printf("Inbox: Signer %s does not match activity actor %s", signer, envelope.Actor)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	log.Printf("Inbox: Received %s from %s", envelope.Type, envelope.Actor)

	// Idempotent replay: already processed, succeed without reapplying.
	// A failed read falls through to dispatch, where the insert constraint
	// still catches the duplicate.
	if err, existing := p.database.ReadActivityByApID(envelope.ID); err == nil && existing != nil {
		log.Printf("Inbox: Activity %s already processed, skipping", envelope.ID)
		w.WriteHeader(http.StatusAccepted)
		return
	} else if err != nil && err != sql.ErrNoRows {
		log.Printf("Inbox: Duplicate check for %s failed: %v", envelope.ID, err)
	}

	err = p.dispatch(r.Context(), &envelope, body)
	switch {
	case err == nil || errors.Is(err, domain.ErrDuplicateActivity):
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, domain.ErrMalformedActivity):
		log.Printf("Inbox: Malformed %s from %s: %v", envelope.Type, envelope.Actor, err)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
	case errors.Is(err, domain.ErrForbidden):
		log.Printf("Inbox: Forbidden %s from %s: %v", envelope.Type, envelope.Actor, err)
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		log.Printf("Inbox: Failed to handle %s from %s: %v", envelope.Type, envelope.Actor, err)
		http.Error(w, "Failed to process activity", http.StatusInternalServerError)
	}
}

// dispatch applies one activity. Each handler commits the activity record
// and its core effect in a single transaction.
func (p *InboxProcessor) dispatch(ctx context.Context, envelope *activityEnvelope, body []byte) error {
	record := &domain.Activity{
		Id:        uuid.New(),
		ApID:      envelope.ID,
		Kind:      envelope.Type,
		ActorURI:  envelope.Actor,
		RawJSON:   string(body),
		Local:     false,
		CreatedAt: time.Now(),
	}

	switch envelope.Type {
	case domain.KindFollow:
		return p.handleFollow(ctx, record, envelope)
	case domain.KindAccept:
		return p.handleAccept(ctx, record, envelope)
	case domain.KindUndo:
		return p.handleUndo(ctx, record, envelope)
	case domain.KindCreate, domain.KindAnnounce, domain.KindUpdate:
		return p.handleAppActivity(ctx, record, envelope)
	case domain.KindDelete:
		return p.handleDelete(record, envelope)
	default:
		log.Printf("Inbox: Unsupported activity type %s, storing only", envelope.Type)
		return p.database.CreateActivity(record)
	}
}

// handleFollow adds the sender as a follower and answers with an Accept.
// Auto-accept policy: there is no manual approval step.
func (p *InboxProcessor) handleFollow(ctx context.Context, record *domain.Activity, envelope *activityEnvelope) error {
	var target string
	if err := json.Unmarshal(envelope.Object, &target); err != nil {
		return fmt.Errorf("%w: Follow object must be an actor URI", domain.ErrMalformedActivity)
	}
	if target != p.keys.LocalRelay().ApID {
		return fmt.Errorf("%w: Follow targets %s, not this relay", domain.ErrMalformedActivity, target)
	}
	record.ObjectURI = target

	sender, err := p.keys.ResolveRelay(ctx, envelope.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve follower %s: %w", envelope.Actor, err)
	}

	if err := p.database.RecordFollow(record, p.keys.LocalRelay().Id, sender.Id); err != nil {
		if errors.Is(err, domain.ErrDuplicateActivity) {
			return err
		}
		return fmt.Errorf("failed to record follow: %w", err)
	}

	if err := p.outbox.SendAccept(sender, envelope.ID); err != nil {
		// The edge is in place; the Accept retries through the dispatcher.
		log.Printf("Inbox: Failed to queue Accept for %s: %v", envelope.Actor, err)
	}

	log.Printf("Inbox: Accepted follow from %s", envelope.Actor)
	return nil
}

// handleAccept materializes the edge for a Follow this relay issued.
func (p *InboxProcessor) handleAccept(ctx context.Context, record *domain.Activity, envelope *activityEnvelope) error {
	var obj undoObject
	if err := json.Unmarshal(envelope.Object, &obj); err != nil {
		var followURI string
		if err := json.Unmarshal(envelope.Object, &followURI); err != nil {
			return fmt.Errorf("%w: Accept object unparseable", domain.ErrMalformedActivity)
		}
		obj.ID = followURI
	}
	if obj.ID == "" {
		return fmt.Errorf("%w: Accept object has no id", domain.ErrMalformedActivity)
	}
	record.ObjectURI = obj.ID

	err, pending := p.database.ReadPendingFollowByURI(obj.ID)
	if err == sql.ErrNoRows {
		log.Printf("Inbox: Accept for unknown follow %s from %s, storing only", obj.ID, envelope.Actor)
		return p.database.CreateActivity(record)
	}
	if err != nil {
		return fmt.Errorf("failed to read pending follow: %w", err)
	}
	if pending.TargetApID != envelope.Actor {
		return fmt.Errorf("%w: Accept from %s for follow targeting %s", domain.ErrForbidden, envelope.Actor, pending.TargetApID)
	}

	remote, err := p.keys.ResolveRelay(ctx, envelope.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve relay %s: %w", envelope.Actor, err)
	}

	if err := p.database.RecordAccept(record, remote.Id, p.keys.LocalRelay().Id, pending.FollowURI); err != nil {
		if errors.Is(err, domain.ErrDuplicateActivity) {
			return err
		}
		return fmt.Errorf("failed to record accept: %w", err)
	}

	log.Printf("Inbox: Follow of %s accepted", envelope.Actor)
	return nil
}

// handleUndo removes the follower edge named by an Undo(Follow). Removing
// an absent edge is a no-op.
func (p *InboxProcessor) handleUndo(ctx context.Context, record *domain.Activity, envelope *activityEnvelope) error {
	var obj undoObject
	if err := json.Unmarshal(envelope.Object, &obj); err != nil {
		return fmt.Errorf("%w: Undo object unparseable", domain.ErrMalformedActivity)
	}
	if obj.Type != domain.KindFollow && obj.Type != domain.KindAccept {
		log.Printf("Inbox: Unsupported Undo of %s from %s, storing only", obj.Type, envelope.Actor)
		return p.database.CreateActivity(record)
	}
	record.ObjectURI = obj.ID

	sender, err := p.keys.ResolveRelay(ctx, envelope.Actor)
	if err != nil {
		return fmt.Errorf("failed to resolve relay %s: %w", envelope.Actor, err)
	}

	// Undo(Follow) retracts the sender's follow of this relay. Undo(Accept)
	// retracts the sender's acceptance of a follow this relay issued, so the
	// edge to remove points the other way.
	relayID, followerID := p.keys.LocalRelay().Id, sender.Id
	if obj.Type == domain.KindAccept {
		relayID, followerID = sender.Id, p.keys.LocalRelay().Id
	}

	if err := p.database.RecordUndo(record, relayID, followerID); err != nil {
		if errors.Is(err, domain.ErrDuplicateActivity) {
			return err
		}
		return fmt.Errorf("failed to record undo: %w", err)
	}

	log.Printf("Inbox: Removed %s edge with %s", obj.Type, envelope.Actor)
	return nil
}

// handleAppActivity upserts the app carried by a Create, Announce or
// Update. An inbound copy never downgrades local verification state or
// visibility.
func (p *InboxProcessor) handleAppActivity(ctx context.Context, record *domain.Activity, envelope *activityEnvelope) error {
	obj, canonical, err := parseAppObject(ctx, p.client, envelope.Object)
	if err != nil {
		return err
	}
	record.ObjectURI = obj.ID

	// An embedded copy is trusted only from the relay it is attributed to.
	// Anyone else's embedded copy (an Announce relaying another relay's app)
	// is re-dereferenced from the canonical URI, which only the true origin
	// serves.
	if !canonical && obj.AttributedTo != "" && obj.AttributedTo != envelope.Actor {
		if obj.ID == "" {
			return fmt.Errorf("%w: app object has no id", domain.ErrMalformedActivity)
		}
		obj, err = fetchAppObject(ctx, p.client, obj.ID)
		if err != nil {
			return err
		}
	}

	// The app belongs to the relay that minted it, which for an Announce
	// is not necessarily the sender.
	originURI := obj.AttributedTo
	if originURI == "" {
		originURI = envelope.Actor
	}
	origin, err := p.keys.ResolveRelay(ctx, originURI)
	if err != nil {
		return fmt.Errorf("failed to resolve origin relay %s: %w", originURI, err)
	}

	app, err := objectToApp(obj, origin)
	if err != nil {
		return err
	}

	if err := p.database.RecordAppUpsert(record, app); err != nil {
		if errors.Is(err, domain.ErrDuplicateActivity) {
			return err
		}
		return fmt.Errorf("failed to upsert app: %w", err)
	}

	log.Printf("Inbox: Indexed app %s via %s from %s", obj.ID, envelope.Type, envelope.Actor)
	return nil
}

// handleDelete marks an app inactive when its origin relay says so. A
// Delete from any other actor is Forbidden.
func (p *InboxProcessor) handleDelete(record *domain.Activity, envelope *activityEnvelope) error {
	var objURI string
	if err := json.Unmarshal(envelope.Object, &objURI); err != nil {
		var obj undoObject
		if err := json.Unmarshal(envelope.Object, &obj); err != nil || obj.ID == "" {
			return fmt.Errorf("%w: Delete object unparseable", domain.ErrMalformedActivity)
		}
		objURI = obj.ID
	}
	record.ObjectURI = objURI

	err, app := p.database.ReadAppByApID(objURI)
	if err == sql.ErrNoRows {
		log.Printf("Inbox: Delete for unknown app %s, storing only", objURI)
		return p.database.CreateActivity(record)
	}
	if err != nil {
		return fmt.Errorf("failed to read app: %w", err)
	}

	err, origin := p.database.ReadRelayById(app.OriginRelayID)
	if err != nil {
		return fmt.Errorf("failed to read origin relay: %w", err)
	}
	if origin.ApID != envelope.Actor {
		return fmt.Errorf("%w: Delete of %s from non-owner %s", domain.ErrForbidden, objURI, envelope.Actor)
	}

	if err := p.database.RecordAppDelete(record, objURI); err != nil {
		if errors.Is(err, domain.ErrDuplicateActivity) {
			return err
		}
		return fmt.Errorf("failed to record delete: %w", err)
	}

	log.Printf("Inbox: Marked app %s inactive on Delete from %s", objURI, envelope.Actor)
	return nil
}
