package db

import (
	"database/sql"
	"log"
)

// SQL for the federation tables. Uniqueness constraints here are load
// bearing: activity_uri dedup, one follow edge per pair, one favourite or
// announce per (account, note), one notification per (recipient, activity).
const (
	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		target_account_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, target_account_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_account_id ON follows(account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_target_account_id ON follows(target_account_id);
		CREATE INDEX IF NOT EXISTS idx_follows_uri ON follows(uri);
	`

	sqlCreateRemoteAccountsTable = `CREATE TABLE IF NOT EXISTS remote_accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		display_name TEXT,
		summary TEXT,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		public_key_pem TEXT NOT NULL,
		key_id TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateRemoteAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_actor_uri ON remote_accounts(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_remote_accounts_domain ON remote_accounts(domain);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_object_uri ON activities(object_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreateFavouritesTable = `CREATE TABLE IF NOT EXISTS favourites (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`

	sqlCreateFavouritesIndices = `
		CREATE INDEX IF NOT EXISTS idx_favourites_note_id ON favourites(note_id);
		CREATE INDEX IF NOT EXISTS idx_favourites_uri ON favourites(uri);
	`

	sqlCreateAnnouncesTable = `CREATE TABLE IF NOT EXISTS announces (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		note_id TEXT NOT NULL,
		uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(account_id, note_id)
	)`

	sqlCreateAnnouncesIndices = `
		CREATE INDEX IF NOT EXISTS idx_announces_note_id ON announces(note_id);
		CREATE INDEX IF NOT EXISTS idx_announces_uri ON announces(uri);
	`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL,
		from_account_id TEXT,
		type TEXT NOT NULL,
		activity_uri TEXT NOT NULL,
		note_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		read_at TIMESTAMP,
		UNIQUE(account_id, activity_uri)
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_account_id ON notifications(account_id, created_at DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		domain TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		sign_as TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'queued',
		next_attempt_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_state_next ON delivery_queue(state, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_activity_uri ON delivery_queue(activity_uri);
	`

	sqlCreateRevokedTokensTable = `CREATE TABLE IF NOT EXISTS revoked_tokens (
		token_hash TEXT NOT NULL PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_notes_object_uri ON notes(object_uri);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"follows", sqlCreateFollowsTable},
			{"remote_accounts", sqlCreateRemoteAccountsTable},
			{"activities", sqlCreateActivitiesTable},
			{"favourites", sqlCreateFavouritesTable},
			{"announces", sqlCreateAnnouncesTable},
			{"notifications", sqlCreateNotificationsTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
			{"revoked_tokens", sqlCreateRevokedTokensTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.ddl, t.name); err != nil {
				return err
			}
		}

		indices := []string{
			sqlCreateFollowsIndices,
			sqlCreateRemoteAccountsIndices,
			sqlCreateActivitiesIndices,
			sqlCreateFavouritesIndices,
			sqlCreateAnnouncesIndices,
			sqlCreateNotificationsIndices,
			sqlCreateDeliveryQueueIndices,
			sqlCreateNotesIndices,
		}
		for _, idx := range indices {
			if _, err := tx.Exec(idx); err != nil {
				log.Printf("Warning: Failed to create indices: %v", err)
			}
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
