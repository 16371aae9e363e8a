package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pharosrelay/pharos/domain"
)

const (
	sqlAppColumns = `id, activitypub_id, origin_relay_id, url, name, description, image, tags, visible, is_adult, is_active, verify_code, verified_at, slug, created_at`

	sqlInsertApp = `INSERT INTO apps(id, activitypub_id, origin_relay_id, url, name, description, image, tags, visible, is_adult, is_active, verify_code, verified_at, slug, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAppByApID = `SELECT ` + sqlAppColumns + ` FROM apps WHERE activitypub_id = ?`
	sqlSelectAppByURL  = `SELECT ` + sqlAppColumns + ` FROM apps WHERE url = ?`
	sqlSelectAppBySlug = `SELECT ` + sqlAppColumns + ` FROM apps WHERE slug = ?`
	sqlSelectAppById   = `SELECT ` + sqlAppColumns + ` FROM apps WHERE id = ?`
	sqlSelectAllApps   = `SELECT ` + sqlAppColumns + ` FROM apps ORDER BY created_at DESC`

	// Mutable fields only, keyed by (origin relay, canonical id). Verification
	// state and visibility are local facts and must never be overwritten by an
	// inbound copy; a copy older than the stored row is ignored.
	sqlUpdateAppFromRemote = `UPDATE apps SET name = ?, description = ?, image = ?, tags = ?, is_adult = ?, is_active = ?
		WHERE activitypub_id = ? AND origin_relay_id = ? AND created_at <= ?`
	sqlCountAppsByApID = `SELECT COUNT(*) FROM apps WHERE activitypub_id = ?`
	sqlUpdateAppFields     = `UPDATE apps SET name = ?, description = ?, image = ?, tags = ?, is_adult = ?, is_active = ? WHERE id = ?`
	sqlSetAppVerified      = `UPDATE apps SET verified_at = ? WHERE id = ?`
	sqlToggleAppVisibility = `UPDATE apps SET visible = NOT visible WHERE id = ?`
	sqlMarkAppInactive     = `UPDATE apps SET is_active = 0 WHERE activitypub_id = ?`

	// Reputation: distinct relays with a retained Create/Announce for the same
	// canonical identifier, excluding relays that later issued a Delete.
	sqlAppReputation = `SELECT COUNT(DISTINCT actor) FROM activities
		WHERE obj = ? AND kind IN ('Create', 'Announce')
		AND actor NOT IN (SELECT actor FROM activities WHERE obj = ? AND kind = 'Delete')`

	sqlSelectAppListings = `SELECT ` + sqlAppColumns + `,
		(SELECT COUNT(DISTINCT act.actor) FROM activities act
			WHERE act.obj = apps.activitypub_id AND act.kind IN ('Create', 'Announce')
			AND act.actor NOT IN (SELECT d.actor FROM activities d WHERE d.obj = apps.activitypub_id AND d.kind = 'Delete'))
		FROM apps WHERE visible = 1 AND is_active = 1 ORDER BY created_at DESC`

	sqlSelectRecentVisibleApps = `SELECT ` + sqlAppColumns + ` FROM apps
		WHERE visible = 1 AND is_active = 1 ORDER BY created_at DESC LIMIT ?`
)

func (db *DB) CreateApp(app *domain.App) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertApp(tx, app)
	})
}

func insertApp(tx *sql.Tx, app *domain.App) error {
	_, err := tx.Exec(sqlInsertApp,
		app.Id.String(),
		app.ApID,
		app.OriginRelayID.String(),
		app.URL,
		app.Name,
		app.Description,
		app.Image,
		app.Tags,
		app.Visible,
		app.Adult,
		app.Active,
		app.VerifyCode,
		nullableTime(app.VerifiedAt),
		app.Slug,
		app.CreatedAt,
	)
	return err
}

// upsertApp inserts a new app row or refreshes the mutable fields of an
// existing one, keyed by (origin relay, canonical protocol identifier).
func upsertApp(tx *sql.Tx, app *domain.App) error {
	res, err := tx.Exec(sqlUpdateAppFromRemote,
		app.Name,
		app.Description,
		app.Image,
		app.Tags,
		app.Adult,
		app.Active,
		app.ApID,
		app.OriginRelayID.String(),
		app.CreatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	// Nothing updated: the app is new, or a row exists that this copy may
	// not touch (attributed to another relay, or newer than the copy). A
	// canonical id has exactly one origin, so a mismatched copy is dropped
	// rather than inserted alongside the real row.
	var existing int
	if err := tx.QueryRow(sqlCountAppsByApID, app.ApID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	return insertApp(tx, app)
}

// UpdateAppFields updates the owner-editable fields of a local app.
func (db *DB) UpdateAppFields(id uuid.UUID, name, description, image, tags string, adult, active bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateAppFields, name, description, image, tags, adult, active, id.String())
		return err
	})
}

func (db *DB) SetAppVerified(id uuid.UUID, when time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetAppVerified, when, id.String())
		return err
	})
}

func (db *DB) ToggleAppVisibility(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlToggleAppVisibility, id.String())
		return err
	})
}

func (db *DB) ReadAppByApID(apID string) (error, *domain.App) {
	return db.scanApp(db.db.QueryRow(sqlSelectAppByApID, apID))
}

func (db *DB) ReadAppByURL(url string) (error, *domain.App) {
	return db.scanApp(db.db.QueryRow(sqlSelectAppByURL, url))
}

func (db *DB) ReadAppBySlug(slug string) (error, *domain.App) {
	return db.scanApp(db.db.QueryRow(sqlSelectAppBySlug, slug))
}

func (db *DB) ReadAppById(id uuid.UUID) (error, *domain.App) {
	return db.scanApp(db.db.QueryRow(sqlSelectAppById, id.String()))
}

func (db *DB) ReadAllApps() (error, *[]domain.App) {
	return db.queryApps(sqlSelectAllApps)
}

func (db *DB) ReadRecentVisibleApps(limit int) (error, *[]domain.App) {
	return db.queryApps(sqlSelectRecentVisibleApps, limit)
}

// AppReputation computes the cross-relay consensus count for one app,
// resolved from retained activity provenance rather than any self-reported
// number.
func (db *DB) AppReputation(apID string) (error, int) {
	var count int
	err := db.db.QueryRow(sqlAppReputation, apID, apID).Scan(&count)
	if err != nil {
		return err, 0
	}
	return nil, count
}

// ReadAppListings returns visible, active apps with their reputation counts,
// recomputed lazily on each directory read.
func (db *DB) ReadAppListings() (error, *[]domain.AppListing) {
	rows, err := db.db.Query(sqlSelectAppListings)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var listings []domain.AppListing
	for rows.Next() {
		var listing domain.AppListing
		var idStr, originStr string
		var verifiedAt sql.NullTime
		var verifyCode, slug sql.NullString
		if err := rows.Scan(&idStr, &listing.ApID, &originStr, &listing.URL, &listing.Name,
			&listing.Description, &listing.Image, &listing.Tags, &listing.Visible, &listing.Adult,
			&listing.Active, &verifyCode, &verifiedAt, &slug, &listing.CreatedAt, &listing.Reputation); err != nil {
			return err, &listings
		}
		listing.Id, _ = uuid.Parse(idStr)
		listing.OriginRelayID, _ = uuid.Parse(originStr)
		listing.VerifyCode = verifyCode.String
		listing.Slug = slug.String
		if verifiedAt.Valid {
			t := verifiedAt.Time
			listing.VerifiedAt = &t
		}
		listings = append(listings, listing)
	}
	if err = rows.Err(); err != nil {
		return err, &listings
	}
	return nil, &listings
}

func (db *DB) queryApps(query string, args ...interface{}) (error, *[]domain.App) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var apps []domain.App
	for rows.Next() {
		app, err := scanAppRow(rows)
		if err != nil {
			return err, &apps
		}
		apps = append(apps, *app)
	}
	if err = rows.Err(); err != nil {
		return err, &apps
	}
	return nil, &apps
}

func (db *DB) scanApp(row *sql.Row) (error, *domain.App) {
	var app domain.App
	var idStr, originStr string
	var verifiedAt sql.NullTime
	var verifyCode, slug sql.NullString
	err := row.Scan(&idStr, &app.ApID, &originStr, &app.URL, &app.Name, &app.Description,
		&app.Image, &app.Tags, &app.Visible, &app.Adult, &app.Active, &verifyCode, &verifiedAt,
		&slug, &app.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	app.Id, _ = uuid.Parse(idStr)
	app.OriginRelayID, _ = uuid.Parse(originStr)
	app.VerifyCode = verifyCode.String
	app.Slug = slug.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		app.VerifiedAt = &t
	}
	return nil, &app
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAppRow(rows rowScanner) (*domain.App, error) {
	var app domain.App
	var idStr, originStr string
	var verifiedAt sql.NullTime
	var verifyCode, slug sql.NullString
	if err := rows.Scan(&idStr, &app.ApID, &originStr, &app.URL, &app.Name, &app.Description,
		&app.Image, &app.Tags, &app.Visible, &app.Adult, &app.Active, &verifyCode, &verifiedAt,
		&slug, &app.CreatedAt); err != nil {
		return nil, err
	}
	app.Id, _ = uuid.Parse(idStr)
	app.OriginRelayID, _ = uuid.Parse(originStr)
	app.VerifyCode = verifyCode.String
	app.Slug = slug.String
	if verifiedAt.Valid {
		t := verifiedAt.Time
		app.VerifiedAt = &t
	}
	return &app, nil
}
