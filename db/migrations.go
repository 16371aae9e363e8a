package db

import (
	"database/sql"
	"log"
)

const (
	// Relay actors, local and remote. The single is_local=1 row carries the
	// private key; remote rows are the public key cache.
	sqlCreateRelaysTable = `CREATE TABLE IF NOT EXISTS relays (
		id TEXT NOT NULL PRIMARY KEY,
		activitypub_id TEXT UNIQUE NOT NULL,
		relay_name TEXT NOT NULL,
		inbox TEXT NOT NULL,
		outbox TEXT,
		public_key TEXT NOT NULL,
		private_key TEXT,
		last_refreshed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		is_local INTEGER DEFAULT 0,
		unreachable INTEGER DEFAULT 0
	)`

	sqlCreateRelaysIndices = `
		CREATE INDEX IF NOT EXISTS idx_relays_activitypub_id ON relays(activitypub_id);
		CREATE INDEX IF NOT EXISTS idx_relays_is_local ON relays(is_local);
	`

	// Indexed apps. activitypub_id is unique per origin relay; the slug index
	// is partial so unslugged federated copies don't collide.
	sqlCreateAppsTable = `CREATE TABLE IF NOT EXISTS apps (
		id TEXT NOT NULL PRIMARY KEY,
		activitypub_id TEXT NOT NULL,
		origin_relay_id TEXT NOT NULL,
		url TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		image TEXT,
		tags TEXT,
		visible INTEGER DEFAULT 1,
		is_adult INTEGER DEFAULT 0,
		is_active INTEGER DEFAULT 1,
		verify_code TEXT,
		verified_at TIMESTAMP,
		slug TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(origin_relay_id, activitypub_id),
		FOREIGN KEY (origin_relay_id) REFERENCES relays(id)
	)`

	sqlCreateAppsIndices = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_apps_slug ON apps(slug) WHERE slug IS NOT NULL AND slug != '';
		CREATE INDEX IF NOT EXISTS idx_apps_activitypub_id ON apps(activitypub_id);
		CREATE INDEX IF NOT EXISTS idx_apps_url ON apps(url);
		CREATE INDEX IF NOT EXISTS idx_apps_created_at ON apps(created_at DESC);
	`

	// Processed protocol events. activitypub_id uniqueness is the idempotency
	// gate for the whole inbox.
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activitypub_id TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		actor TEXT NOT NULL,
		obj TEXT,
		raw_json TEXT,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_obj ON activities(obj);
		CREATE INDEX IF NOT EXISTS idx_activities_kind ON activities(kind);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	// Accepted follow edges, composite-keyed with cascade delete on both
	// endpoints. Pending follows live in their own table, never here.
	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		relay_id TEXT NOT NULL,
		follower_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (relay_id, follower_id),
		FOREIGN KEY (relay_id) REFERENCES relays(id) ON DELETE CASCADE,
		FOREIGN KEY (follower_id) REFERENCES relays(id) ON DELETE CASCADE
	)`

	sqlCreatePendingFollowsTable = `CREATE TABLE IF NOT EXISTS pending_follows (
		id TEXT NOT NULL PRIMARY KEY,
		follow_uri TEXT UNIQUE NOT NULL,
		target_ap_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// RunMigrations executes all database migrations.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if err := db.createTableIfNotExists(tx, sqlCreateRelaysTable, "relays"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateAppsTable, "apps"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateActivitiesTable, "activities"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreateFollowersTable, "followers"); err != nil {
			return err
		}
		if err := db.createTableIfNotExists(tx, sqlCreatePendingFollowsTable, "pending_follows"); err != nil {
			return err
		}

		if _, err := tx.Exec(sqlCreateRelaysIndices); err != nil {
			log.Printf("Warning: Failed to create relays indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateAppsIndices); err != nil {
			log.Printf("Warning: Failed to create apps indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateActivitiesIndices); err != nil {
			log.Printf("Warning: Failed to create activities indices: %v", err)
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
