package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pharosrelay/pharos/activitypub"
	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/util"
)

type testServer struct {
	srv      *httptest.Server
	server   *Server
	database *db.DB
	conf     *util.AppConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	conf := &util.AppConfig{}
	conf.Conf.Protocol = "http://"
	conf.Conf.SslDomain = "relay.test"
	conf.Conf.AdminPassword = "hunter2"
	conf.Conf.ShowAdult = false

	database, err := db.Open(filepath.Join(t.TempDir(), "web.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	keys, err := activitypub.NewKeyManager(database, conf)
	if err != nil {
		t.Fatalf("Failed to create key manager: %v", err)
	}

	dispatcher := activitypub.NewDispatcher(database, keys)
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	outbox := activitypub.NewOutbox(database, keys, dispatcher, conf)
	inbox := activitypub.NewInboxProcessor(database, keys, outbox, conf)
	beacon := activitypub.NewBeaconVerifier(database, outbox)

	server := NewServer(database, conf, keys, inbox, outbox, beacon)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, server: server, database: database, conf: conf}
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("Failed to decode response from %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, payload interface{}, out interface{}) int {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Failed to marshal payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			t.Fatalf("Failed to decode response from %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestRelayInfo(t *testing.T) {
	ts := newTestServer(t)

	var info struct {
		Software string `json:"software"`
		Actor    string `json:"actor"`
	}
	if status := getJSON(t, ts.srv.URL+"/", &info); status != 200 {
		t.Fatalf("GET / returned %d", status)
	}
	if info.Software != util.Name {
		t.Errorf("software = %q", info.Software)
	}
	if info.Actor != "http://relay.test/relay" {
		t.Errorf("actor = %q", info.Actor)
	}
}

func TestActorDocument(t *testing.T) {
	ts := newTestServer(t)

	var actor struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Inbox     string `json:"inbox"`
		PublicKey struct {
			PublicKeyPem string `json:"publicKeyPem"`
		} `json:"publicKey"`
	}
	if status := getJSON(t, ts.srv.URL+"/relay", &actor); status != 200 {
		t.Fatalf("GET /relay returned %d", status)
	}
	if actor.ID != "http://relay.test/relay" {
		t.Errorf("actor id = %q", actor.ID)
	}
	if actor.Type != "Service" {
		t.Errorf("actor type = %q", actor.Type)
	}
	if actor.Inbox != "http://relay.test/relay/inbox" {
		t.Errorf("inbox = %q", actor.Inbox)
	}
	if !strings.Contains(actor.PublicKey.PublicKeyPem, "PUBLIC KEY") {
		t.Error("Actor document should carry the public key")
	}
}

func TestWebFinger(t *testing.T) {
	ts := newTestServer(t)

	var resource struct {
		Subject string `json:"subject"`
		Links   []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	url := ts.srv.URL + "/.well-known/webfinger?resource=acct:relay@relay.test"
	if status := getJSON(t, url, &resource); status != 200 {
		t.Fatalf("WebFinger returned %d", status)
	}
	if resource.Subject != "acct:relay@relay.test" {
		t.Errorf("subject = %q", resource.Subject)
	}
	if len(resource.Links) != 1 || resource.Links[0].Rel != "self" ||
		resource.Links[0].Href != "http://relay.test/relay" {
		t.Errorf("links = %+v", resource.Links)
	}

	// Unknown accounts and non-acct resources are NotFound.
	if status := getJSON(t, ts.srv.URL+"/.well-known/webfinger?resource=acct:alice@relay.test", nil); status != 404 {
		t.Errorf("Unknown account returned %d, want 404", status)
	}
	if status := getJSON(t, ts.srv.URL+"/.well-known/webfinger?resource=https://relay.test", nil); status != 404 {
		t.Errorf("Non-acct resource returned %d, want 404", status)
	}
}

func TestBeaconRegisterAndDirectory(t *testing.T) {
	ts := newTestServer(t)

	var reg struct {
		Id         string `json:"id"`
		ApID       string `json:"apId"`
		Slug       string `json:"slug"`
		Verified   bool   `json:"verified"`
		VerifyCode string `json:"verifyCode"`
	}
	status := postJSON(t, ts.srv.URL+"/beacon", map[string]interface{}{
		"url":         "https://portal.example",
		"name":        "Portal Demo",
		"description": "walk between worlds",
		"tags":        []string{"spatial", "demo"},
	}, &reg)
	if status != 201 {
		t.Fatalf("POST /beacon returned %d", status)
	}
	if reg.VerifyCode == "" {
		t.Error("Registration should issue a verification code")
	}
	if reg.Slug != "portal-demo" {
		t.Errorf("slug = %q", reg.Slug)
	}
	if reg.Verified {
		t.Error("Fresh registration must not be verified")
	}

	// The app shows up in the directory, without its code.
	var listing struct {
		Apps []map[string]interface{} `json:"apps"`
	}
	if status := getJSON(t, ts.srv.URL+"/apps", &listing); status != 200 {
		t.Fatalf("GET /apps returned %d", status)
	}
	if len(listing.Apps) != 1 {
		t.Fatalf("Expected 1 app in directory, got %d", len(listing.Apps))
	}
	if _, leaked := listing.Apps[0]["verifyCode"]; leaked {
		t.Error("Verification code must not leak into the directory")
	}

	// Lookup by slug works.
	var app struct {
		Name string `json:"name"`
	}
	if status := getJSON(t, ts.srv.URL+"/app/portal-demo", &app); status != 200 {
		t.Fatalf("GET /app/portal-demo returned %d", status)
	}
	if app.Name != "Portal Demo" {
		t.Errorf("name = %q", app.Name)
	}

	// Re-registering the same URL updates instead of duplicating.
	status = postJSON(t, ts.srv.URL+"/beacon", map[string]interface{}{
		"url":  "https://portal.example",
		"name": "Portal Demo Renamed",
	}, &reg)
	if status != 200 {
		t.Fatalf("Re-registration returned %d", status)
	}
	if status := getJSON(t, ts.srv.URL+"/apps", &listing); status != 200 {
		t.Fatalf("GET /apps returned %d", status)
	}
	if len(listing.Apps) != 1 {
		t.Errorf("Expected 1 app after re-registration, got %d", len(listing.Apps))
	}
}

func TestAdultAppsHiddenByDefault(t *testing.T) {
	ts := newTestServer(t)

	status := postJSON(t, ts.srv.URL+"/beacon", map[string]interface{}{
		"url":   "https://spicy.example",
		"name":  "Spicy App",
		"adult": true,
	}, nil)
	if status != 201 {
		t.Fatalf("POST /beacon returned %d", status)
	}

	var listing struct {
		Apps []map[string]interface{} `json:"apps"`
	}
	if status := getJSON(t, ts.srv.URL+"/apps", &listing); status != 200 {
		t.Fatalf("GET /apps returned %d", status)
	}
	if len(listing.Apps) != 0 {
		t.Error("Adult apps must be hidden when showAdult is off")
	}
}

func TestFeed(t *testing.T) {
	ts := newTestServer(t)

	if status := postJSON(t, ts.srv.URL+"/beacon", map[string]interface{}{
		"url":  "https://portal.example",
		"name": "Portal Demo",
	}, nil); status != 201 {
		t.Fatalf("POST /beacon returned %d", status)
	}

	resp, err := http.Get(ts.srv.URL + "/feed")
	if err != nil {
		t.Fatalf("GET /feed failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("GET /feed returned %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<rss") {
		t.Error("Feed should be RSS")
	}
	if !strings.Contains(string(body), "Portal Demo") {
		t.Error("Feed should contain the registered app")
	}
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t)

	// No token: rejected.
	status := postJSON(t, ts.srv.URL+"/admin/togglevisible", map[string]string{"id": "x"}, nil)
	if status != 401 {
		t.Errorf("Unauthenticated admin call returned %d, want 401", status)
	}

	// Wrong password: rejected.
	status = postJSON(t, ts.srv.URL+"/login", map[string]string{"password": "wrong"}, nil)
	if status != 401 {
		t.Errorf("Wrong password returned %d, want 401", status)
	}

	// Correct password: token issued.
	var login struct {
		Token string `json:"token"`
	}
	status = postJSON(t, ts.srv.URL+"/login", map[string]string{"password": "hunter2"}, &login)
	if status != 200 {
		t.Fatalf("Login returned %d", status)
	}
	if login.Token == "" {
		t.Fatal("Login should return a token")
	}

	// Register an app, then hide it through the admin endpoint.
	var reg struct {
		Id string `json:"id"`
	}
	if status := postJSON(t, ts.srv.URL+"/beacon", map[string]interface{}{
		"url":  "https://portal.example",
		"name": "Portal Demo",
	}, &reg); status != 201 {
		t.Fatalf("POST /beacon returned %d", status)
	}

	body, _ := json.Marshal(map[string]string{"id": reg.Id})
	req, err := http.NewRequest("POST", ts.srv.URL+"/admin/togglevisible", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+login.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Admin call failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("Toggle returned %d", resp.StatusCode)
	}

	var listing struct {
		Apps []map[string]interface{} `json:"apps"`
	}
	if status := getJSON(t, ts.srv.URL+"/apps", &listing); status != 200 {
		t.Fatalf("GET /apps returned %d", status)
	}
	if len(listing.Apps) != 0 {
		t.Error("Hidden app should vanish from the directory")
	}
}
