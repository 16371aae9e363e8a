package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
)

const (
	// INSERT OR IGNORE / unconditional DELETE keep every edge mutation
	// idempotent: re-accepting an accepted pair and removing an absent edge
	// are both no-ops.
	sqlInsertFollowerEdge = `INSERT OR IGNORE INTO followers(relay_id, follower_id, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)`
	sqlDeleteFollowerEdge = `DELETE FROM followers WHERE relay_id = ? AND follower_id = ?`
	sqlSelectFollowerEdge = `SELECT COUNT(*) FROM followers WHERE relay_id = ? AND follower_id = ?`

	sqlSelectFollowersOf = `SELECT r.id, r.activitypub_id, r.relay_name, r.inbox, r.outbox, r.public_key, r.private_key, r.last_refreshed_at, r.is_local, r.unreachable
		FROM followers f
		JOIN relays r ON f.follower_id = r.id
		WHERE f.relay_id = ?`

	sqlInsertPendingFollow      = `INSERT OR IGNORE INTO pending_follows(id, follow_uri, target_ap_id, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`
	sqlSelectPendingFollowByURI = `SELECT id, follow_uri, target_ap_id, created_at FROM pending_follows WHERE follow_uri = ?`
	sqlDeletePendingFollow      = `DELETE FROM pending_follows WHERE follow_uri = ?`
)

func (db *DB) AddFollower(relayID, followerID uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertFollowerEdge(tx, relayID, followerID)
	})
}

func insertFollowerEdge(tx *sql.Tx, relayID, followerID uuid.UUID) error {
	_, err := tx.Exec(sqlInsertFollowerEdge, relayID.String(), followerID.String())
	return err
}

func (db *DB) RemoveFollower(relayID, followerID uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return deleteFollowerEdge(tx, relayID, followerID)
	})
}

func deleteFollowerEdge(tx *sql.Tx, relayID, followerID uuid.UUID) error {
	_, err := tx.Exec(sqlDeleteFollowerEdge, relayID.String(), followerID.String())
	return err
}

// IsFollowing reports whether follower has an accepted edge to relay.
func (db *DB) IsFollowing(followerID, relayID uuid.UUID) (error, bool) {
	var count int
	err := db.db.QueryRow(sqlSelectFollowerEdge, relayID.String(), followerID.String()).Scan(&count)
	if err != nil {
		return err, false
	}
	return nil, count > 0
}

// ReadFollowersOf returns the relays currently following the given relay.
func (db *DB) ReadFollowersOf(relayID uuid.UUID) (error, *[]domain.Relay) {
	rows, err := db.db.Query(sqlSelectFollowersOf, relayID.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.Relay
	for rows.Next() {
		var relay domain.Relay
		var idStr string
		var privateKey sql.NullString
		if err := rows.Scan(&idStr, &relay.ApID, &relay.Name, &relay.InboxURI, &relay.OutboxURI,
			&relay.PublicKeyPem, &privateKey, &relay.LastRefreshedAt, &relay.Local, &relay.Unreachable); err != nil {
			return err, &followers
		}
		relay.Id, _ = uuid.Parse(idStr)
		relay.PrivateKeyPem = privateKey.String
		followers = append(followers, relay)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

func (db *DB) CreatePendingFollow(pending *domain.PendingFollow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPendingFollow, pending.Id.String(), pending.FollowURI, pending.TargetApID)
		return err
	})
}

func (db *DB) ReadPendingFollowByURI(followURI string) (error, *domain.PendingFollow) {
	row := db.db.QueryRow(sqlSelectPendingFollowByURI, followURI)
	var pending domain.PendingFollow
	var idStr string
	err := row.Scan(&idStr, &pending.FollowURI, &pending.TargetApID, &pending.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	pending.Id, _ = uuid.Parse(idStr)
	return nil, &pending
}

func (db *DB) DeletePendingFollow(followURI string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeletePendingFollow, followURI)
		return err
	})
}
