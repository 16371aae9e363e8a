package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
	"github.com/pharosrelay/pharos/util"
)

// ActorResponse represents the JSON structure of an ActivityPub actor
// document. Relay actors are of type Service.
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	PublicKey         struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

func userAgent() string {
	return fmt.Sprintf("%s/%s ActivityPub", util.Name, util.GetVersion())
}

// fetchRemoteRelay fetches a remote relay's actor document and maps it to a
// cacheable relay row.
func fetchRemoteRelay(ctx context.Context, client *http.Client, actorURI string) (*domain.Relay, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}
	if actor.ID != actorURI {
		return nil, fmt.Errorf("actor id %s does not match requested URI %s", actor.ID, actorURI)
	}

	name := actor.Name
	if name == "" {
		name = actor.PreferredUsername
	}

	return &domain.Relay{
		Id:              uuid.New(),
		ApID:            actor.ID,
		Name:            name,
		InboxURI:        actor.Inbox,
		OutboxURI:       actor.Outbox,
		PublicKeyPem:    actor.PublicKey.PublicKeyPem,
		LastRefreshedAt: time.Now(),
		Local:           false,
	}, nil
}
