package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
)

const (
	sqlRelayColumns = `id, activitypub_id, relay_name, inbox, outbox, public_key, private_key, last_refreshed_at, is_local, unreachable`

	sqlInsertRelay = `INSERT INTO relays(id, activitypub_id, relay_name, inbox, outbox, public_key, private_key, last_refreshed_at, is_local, unreachable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectLocalRelay    = `SELECT ` + sqlRelayColumns + ` FROM relays WHERE is_local = 1 LIMIT 1`
	sqlSelectRelayByApID   = `SELECT ` + sqlRelayColumns + ` FROM relays WHERE activitypub_id = ?`
	sqlSelectRelayById     = `SELECT ` + sqlRelayColumns + ` FROM relays WHERE id = ?`
	sqlSelectAllRelays     = `SELECT ` + sqlRelayColumns + ` FROM relays ORDER BY last_refreshed_at DESC`
	sqlRefreshRelay        = `UPDATE relays SET relay_name = ?, inbox = ?, outbox = ?, public_key = ?, last_refreshed_at = ? WHERE activitypub_id = ?`
	sqlSetRelayUnreachable = `UPDATE relays SET unreachable = ? WHERE activitypub_id = ?`
	sqlDeleteRelay         = `DELETE FROM relays WHERE id = ?`
)

func (db *DB) CreateRelay(relay *domain.Relay) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRelay,
			relay.Id.String(),
			relay.ApID,
			relay.Name,
			relay.InboxURI,
			relay.OutboxURI,
			relay.PublicKeyPem,
			nullable(relay.PrivateKeyPem),
			relay.LastRefreshedAt,
			relay.Local,
			relay.Unreachable,
		)
		return err
	})
}

// UpsertRemoteRelay inserts a remote relay row or refreshes the cached actor
// fields of an existing one. The local row is never touched by this path.
func (db *DB) UpsertRemoteRelay(relay *domain.Relay) error {
	err, existing := db.ReadRelayByApID(relay.ApID)
	if err == sql.ErrNoRows {
		return db.CreateRelay(relay)
	}
	if err != nil {
		return err
	}
	relay.Id = existing.Id
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlRefreshRelay,
			relay.Name,
			relay.InboxURI,
			relay.OutboxURI,
			relay.PublicKeyPem,
			relay.LastRefreshedAt,
			relay.ApID,
		)
		return err
	})
}

func (db *DB) ReadLocalRelay() (error, *domain.Relay) {
	return db.scanRelay(db.db.QueryRow(sqlSelectLocalRelay))
}

func (db *DB) ReadRelayByApID(apID string) (error, *domain.Relay) {
	return db.scanRelay(db.db.QueryRow(sqlSelectRelayByApID, apID))
}

func (db *DB) ReadRelayById(id uuid.UUID) (error, *domain.Relay) {
	return db.scanRelay(db.db.QueryRow(sqlSelectRelayById, id.String()))
}

func (db *DB) ReadAllRelays() (error, *[]domain.Relay) {
	rows, err := db.db.Query(sqlSelectAllRelays)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var relays []domain.Relay
	for rows.Next() {
		var relay domain.Relay
		var idStr string
		var privateKey sql.NullString
		if err := rows.Scan(&idStr, &relay.ApID, &relay.Name, &relay.InboxURI, &relay.OutboxURI,
			&relay.PublicKeyPem, &privateKey, &relay.LastRefreshedAt, &relay.Local, &relay.Unreachable); err != nil {
			return err, &relays
		}
		relay.Id, _ = uuid.Parse(idStr)
		relay.PrivateKeyPem = privateKey.String
		relays = append(relays, relay)
	}
	if err = rows.Err(); err != nil {
		return err, &relays
	}
	return nil, &relays
}

// SetRelayUnreachable flips the advisory delivery flag. The follower edge is
// kept either way.
func (db *DB) SetRelayUnreachable(apID string, unreachable bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetRelayUnreachable, unreachable, apID)
		return err
	})
}

// DeleteRelay removes a relay row; follower edges cascade.
func (db *DB) DeleteRelay(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("PRAGMA foreign_keys = ON"); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeleteRelay, id.String())
		return err
	})
}

func (db *DB) scanRelay(row *sql.Row) (error, *domain.Relay) {
	var relay domain.Relay
	var idStr string
	var privateKey sql.NullString
	err := row.Scan(&idStr, &relay.ApID, &relay.Name, &relay.InboxURI, &relay.OutboxURI,
		&relay.PublicKeyPem, &privateKey, &relay.LastRefreshedAt, &relay.Local, &relay.Unreachable)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	relay.Id, _ = uuid.Parse(idStr)
	relay.PrivateKeyPem = privateKey.String
	return nil, &relay
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
