package db

import (
	"database/sql"
	"log"
)

// Schema for the federation tables
const (
	sqlCreateProfilesTable = `CREATE TABLE IF NOT EXISTS profiles (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT NOT NULL,
		fullname TEXT,
		profile_url TEXT,
		avatar_url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateUsersTable = `CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL PRIMARY KEY,
		profile_id TEXT NOT NULL,
		nickname TEXT UNIQUE NOT NULL,
		uri TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateGroupsTable = `CREATE TABLE IF NOT EXISTS user_groups (
		id TEXT NOT NULL PRIMARY KEY,
		nickname TEXT NOT NULL,
		fullname TEXT,
		homepage TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateGroupMembersTable = `CREATE TABLE IF NOT EXISTS group_members (
		id TEXT NOT NULL PRIMARY KEY,
		profile_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(profile_id, group_id)
	)`

	// remote_profiles.uri uniqueness is the dedup mechanism for
	// concurrent identity resolution; exactly one creator wins.
	sqlCreateRemoteProfilesTable = `CREATE TABLE IF NOT EXISTS remote_profiles (
		uri TEXT NOT NULL PRIMARY KEY,
		profile_id TEXT UNIQUE,
		group_id TEXT UNIQUE,
		feed_uri TEXT UNIQUE,
		salmon_uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteProfilesIndices = `
		CREATE INDEX IF NOT EXISTS idx_remote_profiles_feed_uri ON remote_profiles(feed_uri);
	`

	sqlCreateFeedSubsTable = `CREATE TABLE IF NOT EXISTS feedsubs (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		hub_uri TEXT,
		secret TEXT,
		state TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateSubscriptionsTable = `CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT NOT NULL PRIMARY KEY,
		subscriber TEXT NOT NULL,
		subscribed TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(subscriber, subscribed)
	)`

	sqlCreateSubscriptionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_subscriptions_subscribed ON subscriptions(subscribed);
	`

	sqlCreateNoticesTable = `CREATE TABLE IF NOT EXISTS notices (
		id TEXT NOT NULL PRIMARY KEY,
		profile_id TEXT NOT NULL,
		content TEXT,
		source TEXT NOT NULL DEFAULT 'local',
		uri TEXT UNIQUE NOT NULL,
		url TEXT,
		lat REAL,
		lon REAL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNoticesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notices_profile_id ON notices(profile_id);
		CREATE INDEX IF NOT EXISTS idx_notices_created_at ON notices(created_at DESC);
	`

	sqlCreateNoticeGroupsTable = `CREATE TABLE IF NOT EXISTS notice_groups (
		notice_id TEXT NOT NULL,
		group_id TEXT NOT NULL,
		UNIQUE(notice_id, group_id)
	)`

	sqlCreateNoticeRepliesTable = `CREATE TABLE IF NOT EXISTS notice_replies (
		notice_id TEXT NOT NULL,
		user_uri TEXT NOT NULL,
		UNIQUE(notice_id, user_uri)
	)`

	sqlCreateNoticeSourcesTable = `CREATE TABLE IF NOT EXISTS notice_sources (
		id TEXT NOT NULL PRIMARY KEY,
		notice_id TEXT NOT NULL,
		profile_uri TEXT NOT NULL,
		channel TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			ddl  string
		}{
			{"profiles", sqlCreateProfilesTable},
			{"users", sqlCreateUsersTable},
			{"user_groups", sqlCreateGroupsTable},
			{"group_members", sqlCreateGroupMembersTable},
			{"remote_profiles", sqlCreateRemoteProfilesTable},
			{"feedsubs", sqlCreateFeedSubsTable},
			{"subscriptions", sqlCreateSubscriptionsTable},
			{"notices", sqlCreateNoticesTable},
			{"notice_groups", sqlCreateNoticeGroupsTable},
			{"notice_replies", sqlCreateNoticeRepliesTable},
			{"notice_sources", sqlCreateNoticeSourcesTable},
		}

		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.ddl, table.name); err != nil {
				return err
			}
		}

		// Create indices
		if _, err := tx.Exec(sqlCreateRemoteProfilesIndices); err != nil {
			log.Printf("Warning: Failed to create remote_profiles indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateSubscriptionsIndices); err != nil {
			log.Printf("Warning: Failed to create subscriptions indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateNoticesIndices); err != nil {
			log.Printf("Warning: Failed to create notices indices: %v", err)
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
