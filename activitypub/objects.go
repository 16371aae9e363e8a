package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
)

// AppObject is the wire form of an indexed application. attributedTo names
// the origin relay; the object id is minted by the origin and stays the
// canonical identifier wherever the object travels.
type AppObject struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	AttributedTo string   `json:"attributedTo"`
	URL          string   `json:"url"`
	Name         string   `json:"name"`
	Summary      string   `json:"summary,omitempty"`
	Image        string   `json:"image,omitempty"`
	Tag          []string `json:"tag,omitempty"`
	Sensitive    bool     `json:"sensitive,omitempty"`
	Published    string   `json:"published,omitempty"`
}

// appToObject maps an app row to its wire form.
func appToObject(app *domain.App, originApID string) *AppObject {
	var tags []string
	if app.Tags != "" {
		tags = strings.Split(app.Tags, ",")
	}
	return &AppObject{
		ID:           app.ApID,
		Type:         "Application",
		AttributedTo: originApID,
		URL:          app.URL,
		Name:         app.Name,
		Summary:      app.Description,
		Image:        app.Image,
		Tag:          tags,
		Sensitive:    app.Adult,
		Published:    app.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// objectToApp maps an inbound wire object to an app row owned by the given
// origin relay. Verification state, visibility and slug are local facts and
// start empty on a federated copy. The origin's publish time becomes the
// row's creation time, which the upsert uses to drop stale copies.
func objectToApp(obj *AppObject, origin *domain.Relay) (*domain.App, error) {
	if obj.ID == "" || obj.URL == "" || obj.Name == "" {
		return nil, domain.ErrMalformedActivity
	}

	createdAt := time.Now()
	if obj.Published != "" {
		if published, err := time.Parse(time.RFC3339, obj.Published); err == nil {
			createdAt = published
		}
	}

	return &domain.App{
		Id:            uuid.New(),
		ApID:          obj.ID,
		OriginRelayID: origin.Id,
		URL:           obj.URL,
		Name:          obj.Name,
		Description:   obj.Summary,
		Image:         obj.Image,
		Tags:          strings.Join(obj.Tag, ","),
		Visible:       true,
		Adult:         obj.Sensitive,
		Active:        true,
		CreatedAt:     createdAt,
	}, nil
}

// parseAppObject decodes an activity's object field into an AppObject. A
// bare URI string is dereferenced over HTTP, an embedded object is decoded
// in place. The second return value reports whether the object came from
// its canonical URI.
func parseAppObject(ctx context.Context, client *http.Client, raw json.RawMessage) (*AppObject, bool, error) {
	var objURI string
	if err := json.Unmarshal(raw, &objURI); err == nil {
		obj, err := fetchAppObject(ctx, client, objURI)
		return obj, true, err
	}

	var obj AppObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrMalformedActivity, err)
	}
	return &obj, false, nil
}

func fetchAppObject(ctx context.Context, client *http.Client, objURI string) (*AppObject, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", objURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", userAgent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("object fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("object fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var obj AppObject
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse object JSON: %w", err)
	}
	if obj.ID != objURI {
		return nil, fmt.Errorf("object id %s does not match requested URI %s", obj.ID, objURI)
	}
	return &obj, nil
}
