package domain

import (
	"github.com/google/uuid"
	"time"
)

// App represents one indexed spatial web application. Rows are never hard
// deleted; federation history is preserved via the visible/active flags.
type App struct {
	Id            uuid.UUID
	ApID          string // protocol identifier, unique per origin relay
	OriginRelayID uuid.UUID
	URL           string
	Name          string
	Description   string
	Image         string
	Tags          string
	Visible       bool
	Adult         bool
	Active        bool
	VerifyCode    string
	VerifiedAt    *time.Time // local-only fact, never trusted cross-relay
	Slug          string     // globally unique when present
	CreatedAt     time.Time
}

// Verified reports whether the beacon check has succeeded for this app.
func (a *App) Verified() bool {
	return a.VerifiedAt != nil
}

// AppListing is an App joined with its computed reputation for directory reads.
type AppListing struct {
	App
	Reputation int
}
