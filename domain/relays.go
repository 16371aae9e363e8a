package domain

import (
	"github.com/google/uuid"
	"time"
)

// Relay represents a federated directory server, local or remote.
// Exactly one row has Local=true; its PrivateKeyPem is the relay identity
// and must never be regenerated automatically.
type Relay struct {
	Id              uuid.UUID
	ApID            string // protocol identifier (URI)
	Name            string
	InboxURI        string
	OutboxURI       string
	PublicKeyPem    string
	PrivateKeyPem   string // empty for remote relays
	LastRefreshedAt time.Time
	Local           bool
	Unreachable     bool // advisory delivery flag, never removes follower edges
}

// Follower is a directed edge: FollowerID follows RelayID.
// Edge existence implies an accepted Follow.
type Follower struct {
	RelayID    uuid.UUID
	FollowerID uuid.UUID
	CreatedAt  time.Time
}

// PendingFollow tracks a Follow we issued that has not been accepted yet.
// It never appears as a follower edge until the Accept arrives.
type PendingFollow struct {
	Id          uuid.UUID
	FollowURI   string // protocol identifier of our Follow activity
	TargetApID  string // the relay we asked to follow
	CreatedAt   time.Time
}
