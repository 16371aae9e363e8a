package activitypub

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

func testConf(host string) *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Protocol = "http://"
	conf.Conf.SslDomain = host
	return conf
}

func TestKeyManagerGeneratesOnceAndReloads(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	conf := testConf("relay.example.org")

	first, err := NewKeyManager(database, conf)
	if err != nil {
		t.Fatalf("First boot failed: %v", err)
	}
	if first.LocalRelay().PrivateKeyPem == "" {
		t.Fatal("First boot should generate a private key")
	}
	if first.LocalRelay().ApID != "http://relay.example.org/relay" {
		t.Errorf("Actor URI = %s", first.LocalRelay().ApID)
	}

	// A second startup loads the same identity instead of regenerating.
	second, err := NewKeyManager(database, conf)
	if err != nil {
		t.Fatalf("Second boot failed: %v", err)
	}
	if second.LocalRelay().Id != first.LocalRelay().Id {
		t.Error("Relay identity changed across restarts")
	}
	if second.LocalRelay().PublicKeyPem != first.LocalRelay().PublicKeyPem {
		t.Error("Public key changed across restarts")
	}

	err2, relays := database.ReadAllRelays()
	if err2 != nil {
		t.Fatalf("ReadAllRelays failed: %v", err2)
	}
	if len(*relays) != 1 {
		t.Errorf("Expected exactly 1 relay row, got %d", len(*relays))
	}
}

func TestPublicKeyForFetchesAndCaches(t *testing.T) {
	a := newFederatedRelay(t)
	b := newFederatedRelay(t)

	// Hard miss: blocks on the fetch, then caches.
	key, err := b.keys.PublicKeyFor(context.Background(), a.keys.LocalRelay().ApID)
	if err != nil {
		t.Fatalf("PublicKeyFor failed: %v", err)
	}
	if key.N.Cmp(b.keys.PrivateKey().PublicKey.N) == 0 {
		t.Error("Fetched key should not be our own")
	}

	// A goes down; the fresh cache entry still serves.
	a.srv.Close()
	cached, err := b.keys.PublicKeyFor(context.Background(), a.keys.LocalRelay().ApID)
	if err != nil {
		t.Fatalf("Cached lookup failed: %v", err)
	}
	if cached.N.Cmp(key.N) != 0 {
		t.Error("Cached key differs from fetched key")
	}
}

func TestPublicKeyForStaleWithinGrace(t *testing.T) {
	a := newFederatedRelay(t)
	b := newFederatedRelay(t)

	if _, err := b.keys.PublicKeyFor(context.Background(), a.keys.LocalRelay().ApID); err != nil {
		t.Fatalf("Initial fetch failed: %v", err)
	}

	// Age the cache entry past the TTL but inside the grace period, and
	// take A offline so the background refresh cannot succeed.
	err, cached := b.database.ReadRelayByApID(a.keys.LocalRelay().ApID)
	if err != nil {
		t.Fatalf("ReadRelayByApID failed: %v", err)
	}
	cached.LastRefreshedAt = time.Now().Add(-48 * time.Hour)
	if err := b.database.UpsertRemoteRelay(cached); err != nil {
		t.Fatalf("Failed to age cache entry: %v", err)
	}
	a.srv.Close()

	// Stale-while-revalidate: the stale key is still usable.
	if _, err := b.keys.PublicKeyFor(context.Background(), a.keys.LocalRelay().ApID); err != nil {
		t.Errorf("Stale entry within grace should serve, got %v", err)
	}
}

func TestPublicKeyForUnknownActor(t *testing.T) {
	a := newFederatedRelay(t)

	_, err := a.keys.PublicKeyFor(context.Background(), "http://127.0.0.1:1/relay")
	if !errors.Is(err, domain.ErrKeyUnavailable) {
		t.Errorf("Expected ErrKeyUnavailable, got %v", err)
	}
}
