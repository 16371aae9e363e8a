package domain

import (
	"github.com/google/uuid"
	"time"
)

// Activity kinds exchanged between relays.
const (
	KindFollow   = "Follow"
	KindAccept   = "Accept"
	KindUndo     = "Undo"
	KindCreate   = "Create"
	KindAnnounce = "Announce"
	KindUpdate   = "Update"
	KindDelete   = "Delete"
)

// Activity represents one processed protocol event. The ApID is the
// idempotency key: processing the same identifier twice is a no-op.
type Activity struct {
	Id        uuid.UUID
	ApID      string
	Kind      string
	ActorURI  string
	ObjectURI string
	RawJSON   string
	Local     bool // true if originated from this relay
	CreatedAt time.Time
}
