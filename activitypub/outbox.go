package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

const activityStreamsContext = "https://www.w3.org/ns/activitystreams"

// Outbox constructs locally originated activities, records them and hands
// them to the dispatcher for delivery.
type Outbox struct {
	database   *db.DB
	keys       *KeyManager
	dispatcher *Dispatcher
	conf       *util.AppConfig
}

func NewOutbox(database *db.DB, keys *KeyManager, dispatcher *Dispatcher, conf *util.AppConfig) *Outbox {
	return &Outbox{database: database, keys: keys, dispatcher: dispatcher, conf: conf}
}

func (o *Outbox) newActivityID() string {
	return fmt.Sprintf("%s/relay/activities/%s", o.conf.BaseURL(), uuid.New().String())
}

// recordLocal stores a locally minted activity. Duplicates are impossible
// for fresh UUIDs, so any constraint hit is a real error.
func (o *Outbox) recordLocal(apID, kind, objectURI string, payload []byte) error {
	return o.database.CreateActivity(&domain.Activity{
		Id:        uuid.New(),
		ApID:      apID,
		Kind:      kind,
		ActorURI:  o.keys.LocalRelay().ApID,
		ObjectURI: objectURI,
		RawJSON:   string(payload),
		Local:     true,
		CreatedAt: time.Now(),
	})
}

// SendAccept answers an inbound Follow with an Accept wrapping it.
func (o *Outbox) SendAccept(remote *domain.Relay, followID string) error {
	acceptID := o.newActivityID()
	actorURI := o.keys.LocalRelay().ApID

	accept := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       acceptID,
		"type":     domain.KindAccept,
		"actor":    actorURI,
		"object": map[string]interface{}{
			"id":     followID,
			"type":   domain.KindFollow,
			"actor":  remote.ApID,
			"object": actorURI,
		},
	}

	payload, err := json.Marshal(accept)
	if err != nil {
		return fmt.Errorf("failed to marshal Accept: %w", err)
	}

	if err := o.recordLocal(acceptID, domain.KindAccept, followID, payload); err != nil {
		return fmt.Errorf("failed to record Accept: %w", err)
	}

	o.dispatcher.Enqueue(remote.ApID, remote.InboxURI, payload)
	log.Printf("Outbox: Queued Accept for follow %s to %s", followID, remote.ApID)
	return nil
}

// SendFollow issues a Follow to a remote relay. The request stays pending
// until the remote's Accept arrives; only then does the edge materialize.
func (o *Outbox) SendFollow(ctx context.Context, targetActorURI string) error {
	remote, err := o.keys.ResolveRelay(ctx, targetActorURI)
	if err != nil {
		return fmt.Errorf("failed to resolve relay %s: %w", targetActorURI, err)
	}

	followID := o.newActivityID()
	follow := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       followID,
		"type":     domain.KindFollow,
		"actor":    o.keys.LocalRelay().ApID,
		"object":   targetActorURI,
	}

	payload, err := json.Marshal(follow)
	if err != nil {
		return fmt.Errorf("failed to marshal Follow: %w", err)
	}

	pending := &domain.PendingFollow{
		Id:         uuid.New(),
		FollowURI:  followID,
		TargetApID: targetActorURI,
		CreatedAt:  time.Now(),
	}
	if err := o.database.CreatePendingFollow(pending); err != nil {
		return fmt.Errorf("failed to store pending follow: %w", err)
	}

	if err := o.recordLocal(followID, domain.KindFollow, targetActorURI, payload); err != nil {
		return fmt.Errorf("failed to record Follow: %w", err)
	}

	o.dispatcher.Enqueue(remote.ApID, remote.InboxURI, payload)
	log.Printf("Outbox: Queued Follow of %s", targetActorURI)
	return nil
}

// AnnounceApp broadcasts an app event (Create, Announce, Update or Delete)
// to every current follower. Each follower's delivery is independent.
func (o *Outbox) AnnounceApp(app *domain.App, kind string) error {
	local := o.keys.LocalRelay()
	activityID := o.newActivityID()

	var object interface{}
	if kind == domain.KindDelete {
		object = app.ApID
	} else {
		object = appToObject(app, local.ApID)
	}

	activity := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       activityID,
		"type":     kind,
		"actor":    local.ApID,
		"object":   object,
	}

	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	// The local record doubles as this relay's own provenance entry for
	// the app's reputation count.
	if err := o.recordLocal(activityID, kind, app.ApID, payload); err != nil && !errors.Is(err, domain.ErrDuplicateActivity) {
		return fmt.Errorf("failed to record %s: %w", kind, err)
	}

	err, followers := o.database.ReadFollowersOf(local.Id)
	if err != nil {
		return fmt.Errorf("failed to read followers: %w", err)
	}

	if followers == nil || len(*followers) == 0 {
		log.Printf("Outbox: No followers to deliver %s of %s to", kind, app.ApID)
		return nil
	}

	for _, follower := range *followers {
		o.dispatcher.Enqueue(follower.ApID, follower.InboxURI, payload)
	}

	log.Printf("Outbox: Queued %s of %s to %d followers", kind, app.ApID, len(*followers))
	return nil
}
