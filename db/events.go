package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
)

const sqlDeletePendingFollowTx = `DELETE FROM pending_follows WHERE follow_uri = ?`

// The Record* methods apply one inbound event: the dedup record and its side
// effect commit in the same transaction, so a crash between the two cannot
// leave an activity marked processed without its effect (or the reverse).
// All of them surface domain.ErrDuplicateActivity on replay.

// RecordFollow stores a remote Follow and adds the follower edge.
func (db *DB) RecordFollow(activity *domain.Activity, relayID, followerID uuid.UUID) error {
	return mapConstraint(db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertActivity(tx, activity); err != nil {
			return err
		}
		return insertFollowerEdge(tx, relayID, followerID)
	}))
}

// RecordAccept stores a remote Accept answering our pending Follow, adds the
// outbound edge and retires the pending row.
func (db *DB) RecordAccept(activity *domain.Activity, relayID, followerID uuid.UUID, pendingFollowURI string) error {
	return mapConstraint(db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertActivity(tx, activity); err != nil {
			return err
		}
		if err := insertFollowerEdge(tx, relayID, followerID); err != nil {
			return err
		}
		_, err := tx.Exec(sqlDeletePendingFollowTx, pendingFollowURI)
		return err
	}))
}

// RecordUndo stores a remote Undo(Follow) and removes the follower edge.
func (db *DB) RecordUndo(activity *domain.Activity, relayID, followerID uuid.UUID) error {
	return mapConstraint(db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertActivity(tx, activity); err != nil {
			return err
		}
		return deleteFollowerEdge(tx, relayID, followerID)
	}))
}

// RecordAppUpsert stores a Create/Announce/Update and upserts the carried app.
func (db *DB) RecordAppUpsert(activity *domain.Activity, app *domain.App) error {
	return mapConstraint(db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertActivity(tx, activity); err != nil {
			return err
		}
		return upsertApp(tx, app)
	}))
}

// RecordAppDelete stores a Delete and marks the app inactive. The row itself
// is kept so reputation history stays resolvable.
func (db *DB) RecordAppDelete(activity *domain.Activity, appApID string) error {
	return mapConstraint(db.wrapTransaction(func(tx *sql.Tx) error {
		if err := insertActivity(tx, activity); err != nil {
			return err
		}
		_, err := tx.Exec(sqlMarkAppInactive, appApID)
		return err
	}))
}
