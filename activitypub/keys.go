package activitypub

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

const (
	// Remote keys are refreshed after the TTL but stay usable until the
	// grace period runs out (stale-while-revalidate). Past the grace period
	// a failed fetch is a hard miss.
	keyCacheTTL   = 24 * time.Hour
	keyCacheGrace = 72 * time.Hour
)

// KeyManager owns the local relay identity and the cache of remote relay
// public keys. The local keypair is generated exactly once at first startup
// and loaded thereafter; regenerating it would orphan every existing
// follower relationship, so there is deliberately no code path that does it.
type KeyManager struct {
	database   *db.DB
	conf       *util.AppConfig
	client     *http.Client
	local      *domain.Relay
	privateKey *rsa.PrivateKey

	mu         sync.Mutex
	refreshing map[string]bool
}

// NewKeyManager loads the local relay identity, creating it on first boot.
func NewKeyManager(database *db.DB, conf *util.AppConfig) (*KeyManager, error) {
	err, local := database.ReadLocalRelay()
	if err == sql.ErrNoRows {
		keys := util.GeneratePemKeypair()
		local = &domain.Relay{
			Id:              uuid.New(),
			ApID:            conf.ActorURI(),
			Name:            conf.Conf.SslDomain,
			InboxURI:        conf.BaseURL() + "/relay/inbox",
			OutboxURI:       conf.BaseURL() + "/relay/outbox",
			PublicKeyPem:    keys.Public,
			PrivateKeyPem:   keys.Private,
			LastRefreshedAt: time.Now(),
			Local:           true,
		}
		if err := database.CreateRelay(local); err != nil {
			return nil, fmt.Errorf("failed to store relay identity: %w", err)
		}
		log.Printf("KeyManager: Generated new relay identity for %s", local.ApID)
	} else if err != nil {
		return nil, err
	}

	privateKey, err := ParsePrivateKey(local.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("failed to load relay private key: %w", err)
	}

	return &KeyManager{
		database:   database,
		conf:       conf,
		client:     &http.Client{Timeout: 10 * time.Second},
		local:      local,
		privateKey: privateKey,
		refreshing: make(map[string]bool),
	}, nil
}

// LocalRelay returns the local relay actor.
func (km *KeyManager) LocalRelay() *domain.Relay {
	return km.local
}

// PrivateKey returns the local signing key.
func (km *KeyManager) PrivateKey() *rsa.PrivateKey {
	return km.privateKey
}

// KeyId returns the identifier outgoing signatures are labelled with.
func (km *KeyManager) KeyId() string {
	return km.local.ApID + "#main-key"
}

// Sign signs a payload with the local relay key.
func (km *KeyManager) Sign(payload []byte) ([]byte, error) {
	hash := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, km.privateKey, crypto.SHA256, hash[:])
}

// PublicKeyFor resolves an actor's public key through the cache. A fresh
// cache entry is returned directly; a stale entry within the grace period is
// returned while a background refresh runs; a hard miss blocks on the fetch
// and fails with domain.ErrKeyUnavailable if it cannot complete.
func (km *KeyManager) PublicKeyFor(ctx context.Context, actorURI string) (*rsa.PublicKey, error) {
	if actorURI == km.local.ApID {
		return &km.privateKey.PublicKey, nil
	}

	err, cached := km.database.ReadRelayByApID(actorURI)
	if err == nil && cached != nil {
		age := time.Since(cached.LastRefreshedAt)
		if age < keyCacheTTL {
			return ParsePublicKey(cached.PublicKeyPem)
		}
		if age < keyCacheGrace {
			km.refreshAsync(actorURI)
			return ParsePublicKey(cached.PublicKeyPem)
		}
	}

	relay, err := km.fetchAndCache(ctx, actorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrKeyUnavailable, actorURI, err)
	}
	return ParsePublicKey(relay.PublicKeyPem)
}

// ResolveRelay returns the cached relay row for an actor, fetching and
// caching its actor document when unknown.
func (km *KeyManager) ResolveRelay(ctx context.Context, actorURI string) (*domain.Relay, error) {
	if actorURI == km.local.ApID {
		return km.local, nil
	}

	err, cached := km.database.ReadRelayByApID(actorURI)
	if err == nil && cached != nil {
		return cached, nil
	}

	if _, err := km.fetchAndCache(ctx, actorURI); err != nil {
		return nil, err
	}
	// Re-read so the row carries its assigned id.
	err, relay := km.database.ReadRelayByApID(actorURI)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// refreshAsync refreshes one cache entry in the background, at most one
// refresh in flight per actor. Verification keeps using the stale key
// meanwhile.
func (km *KeyManager) refreshAsync(actorURI string) {
	km.mu.Lock()
	if km.refreshing[actorURI] {
		km.mu.Unlock()
		return
	}
	km.refreshing[actorURI] = true
	km.mu.Unlock()

	go func() {
		defer func() {
			km.mu.Lock()
			delete(km.refreshing, actorURI)
			km.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := km.fetchAndCache(ctx, actorURI); err != nil {
			// The stale entry stays usable until the grace period ends.
			log.Printf("KeyManager: Background refresh of %s failed: %v", actorURI, err)
		}
	}()
}

func (km *KeyManager) fetchAndCache(ctx context.Context, actorURI string) (*domain.Relay, error) {
	relay, err := fetchRemoteRelay(ctx, km.client, actorURI)
	if err != nil {
		return nil, err
	}
	if err := km.database.UpsertRemoteRelay(relay); err != nil {
		return nil, fmt.Errorf("failed to cache relay %s: %w", actorURI, err)
	}
	return relay, nil
}
