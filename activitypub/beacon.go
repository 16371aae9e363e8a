package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pharosrelay/pharos/db"
	"github.com/pharosrelay/pharos/domain"
)

// beaconWellKnownPath is checked when the claimed URL itself does not serve
// the verification code.
const beaconWellKnownPath = "/.well-known/pharos-beacon"

const beaconMaxBodyBytes = 64 * 1024

// BeaconVerifier confirms that an app owner controls the claimed URL by
// checking that the issued verification code is served there.
type BeaconVerifier struct {
	database *db.DB
	outbox   *Outbox
	client   *http.Client
}

func NewBeaconVerifier(database *db.DB, outbox *Outbox) *BeaconVerifier {
	return &BeaconVerifier{
		database: database,
		outbox:   outbox,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify fetches the app's claimed URL (and the well-known beacon path under
// it) and checks that the verification code appears in a response. Success
// sets verified_at and re-broadcasts the app; failure returns
// domain.VerificationFailed with the observed reason, which is user-facing.
func (v *BeaconVerifier) Verify(ctx context.Context, app *domain.App) error {
	if app.Verified() {
		return nil
	}
	if app.VerifyCode == "" {
		return &domain.VerificationFailed{Reason: domain.ReasonCodeNotFound,
			Err: fmt.Errorf("app %s has no verification code", app.ApID)}
	}

	found, mainErr := v.codeAt(ctx, app.URL, app.VerifyCode)
	if !found {
		wellKnown := strings.TrimRight(app.URL, "/") + beaconWellKnownPath
		wkFound, wkErr := v.codeAt(ctx, wellKnown, app.VerifyCode)
		if wkFound {
			found = true
		} else if mainErr != nil && wkErr != nil {
			return &domain.VerificationFailed{Reason: domain.ReasonUnreachable, Err: mainErr}
		}
	}
	if !found {
		return &domain.VerificationFailed{Reason: domain.ReasonCodeNotFound}
	}

	now := time.Now()
	if err := v.database.SetAppVerified(app.Id, now); err != nil {
		return fmt.Errorf("failed to mark app verified: %w", err)
	}
	app.VerifiedAt = &now
	log.Printf("Beacon: Verified app %s at %s", app.ApID, app.URL)

	if err := v.outbox.AnnounceApp(app, domain.KindCreate); err != nil {
		// Verification stands; followers pick the app up on the next event.
		log.Printf("Beacon: Failed to announce verified app %s: %v", app.ApID, err)
	}

	return nil
}

// codeAt fetches one URL and reports whether the code appears in a 2xx body.
func (v *BeaconVerifier) codeAt(ctx context.Context, url, code string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent())

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("beacon fetch returned status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, beaconMaxBodyBytes))
	if err != nil {
		return false, err
	}

	return bytes.Contains(body, []byte(code)), nil
}
