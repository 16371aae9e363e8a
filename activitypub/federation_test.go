package activitypub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

// testRelay is a fully wired relay bound to an httptest server, speaking
// the same federation endpoints a deployed relay exposes.
type testRelay struct {
	srv        *httptest.Server
	conf       *util.AppConfig
	database   *db.DB
	keys       *KeyManager
	dispatcher *Dispatcher
	outbox     *Outbox
	inbox      *InboxProcessor
}

func newFederatedRelay(t *testing.T) *testRelay {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	conf := &util.AppConfig{}
	conf.Conf.Protocol = "http://"
	conf.Conf.SslDomain = strings.TrimPrefix(srv.URL, "http://")
	conf.Conf.DbPath = filepath.Join(t.TempDir(), "relay.db")

	database, err := db.Open(conf.Conf.DbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	keys, err := NewKeyManager(database, conf)
	if err != nil {
		t.Fatalf("Failed to create key manager: %v", err)
	}

	dispatcher := NewDispatcher(database, keys)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	outbox := NewOutbox(database, keys, dispatcher, conf)
	inbox := NewInboxProcessor(database, keys, outbox, conf)

	relay := &testRelay{
		srv:        srv,
		conf:       conf,
		database:   database,
		keys:       keys,
		dispatcher: dispatcher,
		outbox:     outbox,
		inbox:      inbox,
	}

	mux.HandleFunc("/relay", relay.serveActor)
	mux.HandleFunc("/relay/inbox", inbox.HandleInbox)
	mux.HandleFunc("/relay/apps/", relay.serveAppObject)

	return relay
}

func (tr *testRelay) serveActor(w http.ResponseWriter, r *http.Request) {
	local := tr.keys.LocalRelay()
	w.Header().Set("Content-Type", "application/activity+json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":                local.ApID,
		"type":              "Service",
		"preferredUsername": "relay",
		"name":              local.Name,
		"inbox":             local.InboxURI,
		"outbox":            local.OutboxURI,
		"publicKey": map[string]interface{}{
			"id":           local.ApID + "#main-key",
			"owner":        local.ApID,
			"publicKeyPem": local.PublicKeyPem,
		},
	})
}

func (tr *testRelay) serveAppObject(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/relay/apps/")
	appId, err := uuid.Parse(idStr)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	err, app := tr.database.ReadAppById(appId)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/activity+json")
	json.NewEncoder(w).Encode(appToObject(app, tr.keys.LocalRelay().ApID))
}

// registerLocalApp inserts a local app row the way the beacon registration
// endpoint would.
func (tr *testRelay) registerLocalApp(t *testing.T, name, url string) *domain.App {
	t.Helper()
	appId := uuid.New()
	app := &domain.App{
		Id:            appId,
		ApID:          fmt.Sprintf("%s/relay/apps/%s", tr.conf.BaseURL(), appId.String()),
		OriginRelayID: tr.keys.LocalRelay().Id,
		URL:           url,
		Name:          name,
		Description:   "a test app",
		Tags:          "spatial",
		Visible:       true,
		Active:        true,
		VerifyCode:    util.RandomString(32),
		Slug:          util.Slugify(name),
		CreatedAt:     time.Now(),
	}
	if err := tr.database.CreateApp(app); err != nil {
		t.Fatalf("Failed to register app: %v", err)
	}
	return app
}

// registerRemotePeer inserts a bare remote relay row, as if its actor
// document had been fetched earlier.
func (tr *testRelay) registerRemotePeer(t *testing.T, apID string) *domain.Relay {
	t.Helper()
	pair := util.GeneratePemKeypair()
	remote := &domain.Relay{
		Id:              uuid.New(),
		ApID:            apID,
		Name:            "peer",
		InboxURI:        apID + "/inbox",
		OutboxURI:       apID + "/outbox",
		PublicKeyPem:    pair.Public,
		LastRefreshedAt: time.Now(),
	}
	if err := tr.database.CreateRelay(remote); err != nil {
		t.Fatalf("Failed to register peer: %v", err)
	}
	return remote
}

// signedPost signs and sends one activity from one relay to another's inbox.
func signedPost(t *testing.T, from *testRelay, inboxURL string, payload []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", inboxURL, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	hash := sha256.Sum256(payload)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(hash[:]))

	if err := SignRequest(req, from.keys.PrivateKey(), from.keys.KeyId()); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", msg)
}

func TestFollowLifecycle(t *testing.T) {
	a := newFederatedRelay(t)
	b := newFederatedRelay(t)

	if err := b.outbox.SendFollow(context.Background(), a.keys.LocalRelay().ApID); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}

	// A materializes B as a follower on receipt of the Follow.
	waitFor(t, "A to register B as follower", func() bool {
		err, bRow := a.database.ReadRelayByApID(b.keys.LocalRelay().ApID)
		if err != nil {
			return false
		}
		err, following := a.database.IsFollowing(bRow.Id, a.keys.LocalRelay().Id)
		return err == nil && following
	})

	// B materializes its outbound edge only once A's Accept arrives.
	waitFor(t, "B to record the accepted follow", func() bool {
		err, aRow := b.database.ReadRelayByApID(a.keys.LocalRelay().ApID)
		if err != nil {
			return false
		}
		err, following := b.database.IsFollowing(b.keys.LocalRelay().Id, aRow.Id)
		return err == nil && following
	})

	// Undo from B removes the edge on A, and removing it twice is safe.
	undoID := fmt.Sprintf("%s/relay/activities/%s", b.conf.BaseURL(), uuid.New().String())
	undo := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       undoID,
		"type":     domain.KindUndo,
		"actor":    b.keys.LocalRelay().ApID,
		"object": map[string]interface{}{
			"id":     "ignored",
			"type":   domain.KindFollow,
			"actor":  b.keys.LocalRelay().ApID,
			"object": a.keys.LocalRelay().ApID,
		},
	}
	payload, _ := json.Marshal(undo)
	resp := signedPost(t, b, a.keys.LocalRelay().InboxURI, payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Undo returned status %d", resp.StatusCode)
	}

	err, bRow := a.database.ReadRelayByApID(b.keys.LocalRelay().ApID)
	if err != nil {
		t.Fatalf("Failed to read relay row: %v", err)
	}
	err, following := a.database.IsFollowing(bRow.Id, a.keys.LocalRelay().Id)
	if err != nil {
		t.Fatalf("IsFollowing failed: %v", err)
	}
	if following {
		t.Error("Edge should be removed after Undo")
	}
}

func TestAnnounceFanoutAndDelete(t *testing.T) {
	a := newFederatedRelay(t)
	b := newFederatedRelay(t)

	// B follows A.
	if err := b.outbox.SendFollow(context.Background(), a.keys.LocalRelay().ApID); err != nil {
		t.Fatalf("SendFollow failed: %v", err)
	}
	waitFor(t, "follow to be accepted", func() bool {
		err, aRow := b.database.ReadRelayByApID(a.keys.LocalRelay().ApID)
		if err != nil {
			return false
		}
		err, following := b.database.IsFollowing(b.keys.LocalRelay().Id, aRow.Id)
		return err == nil && following
	})

	// A announces a new app; B indexes it.
	app := a.registerLocalApp(t, "Portal Demo", "https://portal.example")
	if err := a.outbox.AnnounceApp(app, domain.KindCreate); err != nil {
		t.Fatalf("AnnounceApp failed: %v", err)
	}

	waitFor(t, "B to index the app", func() bool {
		err, indexed := b.database.ReadAppByApID(app.ApID)
		return err == nil && indexed != nil
	})

	err, indexed := b.database.ReadAppByApID(app.ApID)
	if err != nil {
		t.Fatalf("ReadAppByApID failed: %v", err)
	}
	if indexed.Name != "Portal Demo" {
		t.Errorf("Indexed name = %q", indexed.Name)
	}
	if indexed.Verified() {
		t.Error("Federated copy must not inherit verification")
	}

	// The indexed copy's origin is A, not B.
	err, origin := b.database.ReadRelayById(indexed.OriginRelayID)
	if err != nil {
		t.Fatalf("Failed to read origin relay: %v", err)
	}
	if origin.ApID != a.keys.LocalRelay().ApID {
		t.Errorf("Origin = %s, want %s", origin.ApID, a.keys.LocalRelay().ApID)
	}

	// B's reputation for the app counts A's vouch.
	err, reputation := b.database.AppReputation(app.ApID)
	if err != nil {
		t.Fatalf("AppReputation failed: %v", err)
	}
	if reputation != 1 {
		t.Errorf("Reputation = %d, want 1", reputation)
	}

	// An Update from A refreshes the copy.
	app.Name = "Portal Demo v2"
	if err := a.outbox.AnnounceApp(app, domain.KindUpdate); err != nil {
		t.Fatalf("AnnounceApp(Update) failed: %v", err)
	}
	waitFor(t, "B to apply the update", func() bool {
		err, indexed := b.database.ReadAppByApID(app.ApID)
		return err == nil && indexed.Name == "Portal Demo v2"
	})

	// A Delete from the origin marks the copy inactive.
	if err := a.outbox.AnnounceApp(app, domain.KindDelete); err != nil {
		t.Fatalf("AnnounceApp(Delete) failed: %v", err)
	}
	waitFor(t, "B to deactivate the app", func() bool {
		err, indexed := b.database.ReadAppByApID(app.ApID)
		return err == nil && !indexed.Active
	})
}

func TestDeleteFromNonOwnerForbidden(t *testing.T) {
	a := newFederatedRelay(t)
	b := newFederatedRelay(t)
	c := newFederatedRelay(t)

	// B indexes an app minted by A.
	app := a.registerLocalApp(t, "Portal Demo", "https://portal.example")
	createID := fmt.Sprintf("%s/relay/activities/%s", a.conf.BaseURL(), uuid.New().String())
	create := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       createID,
		"type":     domain.KindCreate,
		"actor":    a.keys.LocalRelay().ApID,
		"object":   appToObject(app, a.keys.LocalRelay().ApID),
	}
	payload, _ := json.Marshal(create)
	resp := signedPost(t, a, b.keys.LocalRelay().InboxURI, payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Create returned status %d", resp.StatusCode)
	}

	// C, which does not own the app, tries to delete it off B.
	deleteID := fmt.Sprintf("%s/relay/activities/%s", c.conf.BaseURL(), uuid.New().String())
	del := map[string]interface{}{
		"@context": activityStreamsContext,
		"id":       deleteID,
		"type":     domain.KindDelete,
		"actor":    c.keys.LocalRelay().ApID,
		"object":   app.ApID,
	}
	payload, _ = json.Marshal(del)
	resp = signedPost(t, c, b.keys.LocalRelay().InboxURI, payload)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Delete from non-owner returned %d, want 403", resp.StatusCode)
	}

	err, indexed := b.database.ReadAppByApID(app.ApID)
	if err != nil {
		t.Fatalf("ReadAppByApID failed: %v", err)
	}
	if !indexed.Active {
		t.Error("App must stay active after a forbidden Delete")
	}
}
