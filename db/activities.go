package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
)

const (
	sqlActivityColumns = `id, activitypub_id, kind, actor, obj, raw_json, local, created_at`

	sqlInsertActivity = `INSERT INTO activities(id, activitypub_id, kind, actor, obj, raw_json, local, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByApID = `SELECT ` + sqlActivityColumns + ` FROM activities WHERE activitypub_id = ?`
	sqlCountActivities      = `SELECT COUNT(*) FROM activities`
)

// CreateActivity persists one protocol event. Inserting an identifier that is
// already present returns domain.ErrDuplicateActivity, which callers treat as
// idempotent success.
func (db *DB) CreateActivity(activity *domain.Activity) error {
	return mapConstraint(db.wrapTransaction(func(tx *sql.Tx) error {
		return insertActivity(tx, activity)
	}))
}

func insertActivity(tx *sql.Tx, activity *domain.Activity) error {
	_, err := tx.Exec(sqlInsertActivity,
		activity.Id.String(),
		activity.ApID,
		activity.Kind,
		activity.ActorURI,
		activity.ObjectURI,
		activity.RawJSON,
		activity.Local,
		activity.CreatedAt,
	)
	return err
}

func (db *DB) ReadActivityByApID(apID string) (error, *domain.Activity) {
	row := db.db.QueryRow(sqlSelectActivityByApID, apID)
	var activity domain.Activity
	var idStr string
	err := row.Scan(&idStr, &activity.ApID, &activity.Kind, &activity.ActorURI,
		&activity.ObjectURI, &activity.RawJSON, &activity.Local, &activity.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	activity.Id, _ = uuid.Parse(idStr)
	return nil, &activity
}

func (db *DB) CountActivities() (error, int64) {
	var count int64
	if err := db.db.QueryRow(sqlCountActivities).Scan(&count); err != nil {
		return err, 0
	}
	return nil, count
}
