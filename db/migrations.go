package db

import "database/sql"

const (
	sqlCreateDomainsTable = `CREATE TABLE IF NOT EXISTS domains (
		name TEXT NOT NULL PRIMARY KEY,
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		nodeinfo_fetch_date TIMESTAMP,
		nodeinfo TEXT DEFAULT '',
		allowed INTEGER DEFAULT 0,
		service_actor_fid TEXT DEFAULT ''
	)`

	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		domain TEXT NOT NULL,
		preferred_username TEXT NOT NULL,
		name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		type TEXT NOT NULL,
		inbox_url TEXT NOT NULL,
		outbox_url TEXT DEFAULT '',
		shared_inbox_url TEXT DEFAULT '',
		followers_url TEXT DEFAULT '',
		following_url TEXT DEFAULT '',
		public_key_pem TEXT DEFAULT '',
		private_key_pem TEXT DEFAULT '',
		manually_approves_followers INTEGER DEFAULT 0,
		local INTEGER DEFAULT 0,
		last_fetch_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(domain, preferred_username)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE INDEX IF NOT EXISTS idx_actors_followers_url ON actors(followers_url);
		CREATE INDEX IF NOT EXISTS idx_actors_local ON actors(local);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT NOT NULL,
		actor_fid TEXT NOT NULL,
		target_fid TEXT NOT NULL,
		approved INTEGER,
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_fid, target_fid)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_fid ON follows(fid);
		CREATE INDEX IF NOT EXISTS idx_follows_target ON follows(target_fid);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		actor_fid TEXT NOT NULL,
		payload TEXT NOT NULL,
		object_kind TEXT DEFAULT '',
		object_id TEXT DEFAULT '',
		target_kind TEXT DEFAULT '',
		target_id TEXT DEFAULT '',
		related_kind TEXT DEFAULT '',
		related_id TEXT DEFAULT '',
		local INTEGER DEFAULT 0,
		dispatched INTEGER DEFAULT 0,
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_fid ON activities(fid);
		CREATE INDEX IF NOT EXISTS idx_activities_actor ON activities(actor_fid);
		CREATE INDEX IF NOT EXISTS idx_activities_created ON activities(creation_date DESC);
		CREATE INDEX IF NOT EXISTS idx_activities_dispatched ON activities(dispatched, local);
	`

	sqlCreateInboxItemsTable = `CREATE TABLE IF NOT EXISTS inbox_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		actor_fid TEXT NOT NULL,
		type TEXT NOT NULL,
		is_read INTEGER DEFAULT 0,
		is_delivered INTEGER DEFAULT 0,
		last_delivery_date TIMESTAMP
	)`

	sqlCreateInboxItemsIndices = `
		CREATE INDEX IF NOT EXISTS idx_inbox_items_activity ON inbox_items(activity_id);
		CREATE INDEX IF NOT EXISTS idx_inbox_items_actor ON inbox_items(actor_fid);
	`

	sqlCreateDeliveriesTable = `CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		activity_id TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		inbox_url TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		last_attempt_date TIMESTAMP,
		last_status_code INTEGER DEFAULT 0,
		is_delivered INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveriesIndices = `
		CREATE INDEX IF NOT EXISTS idx_deliveries_next_retry ON deliveries(next_retry_at, is_delivered);
	`

	sqlCreateFetchesTable = `CREATE TABLE IF NOT EXISTS fetches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL,
		actor_fid TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT DEFAULT '',
		object_kind TEXT DEFAULT '',
		object_id TEXT DEFAULT '',
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		fetch_date TIMESTAMP
	)`

	sqlCreateFetchesIndices = `
		CREATE INDEX IF NOT EXISTS idx_fetches_url ON fetches(url, actor_fid, creation_date DESC);
	`

	sqlCreateLibrariesTable = `CREATE TABLE IF NOT EXISTS libraries (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT UNIQUE NOT NULL,
		actor_fid TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		privacy_level TEXT DEFAULT 'me',
		followers_url TEXT DEFAULT '',
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateArtistsTable = `CREATE TABLE IF NOT EXISTS artists (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT DEFAULT '',
		name TEXT NOT NULL,
		attributed_to TEXT DEFAULT '',
		content_category TEXT DEFAULT 'music',
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modification_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAlbumsTable = `CREATE TABLE IF NOT EXISTS albums (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT DEFAULT '',
		title TEXT NOT NULL,
		artist_id TEXT NOT NULL,
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateTracksTable = `CREATE TABLE IF NOT EXISTS tracks (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT DEFAULT '',
		title TEXT NOT NULL,
		artist_id TEXT NOT NULL,
		album_id TEXT DEFAULT '',
		position INTEGER DEFAULT 1,
		disc_number INTEGER DEFAULT 1,
		copyright TEXT DEFAULT '',
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateTracksIndices = `
		CREATE INDEX IF NOT EXISTS idx_tracks_fid ON tracks(fid);
		CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist_id);
	`

	sqlCreateUploadsTable = `CREATE TABLE IF NOT EXISTS uploads (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT DEFAULT '',
		library_id TEXT NOT NULL REFERENCES libraries(id) ON DELETE CASCADE,
		track_id TEXT NOT NULL,
		source TEXT DEFAULT '',
		size INTEGER DEFAULT 0,
		duration INTEGER DEFAULT 0,
		bitrate INTEGER DEFAULT 0,
		mimetype TEXT DEFAULT '',
		import_status TEXT DEFAULT 'pending',
		import_details TEXT DEFAULT '',
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		import_date TIMESTAMP
	)`

	sqlCreateUploadsIndices = `
		CREATE INDEX IF NOT EXISTS idx_uploads_fid ON uploads(fid);
		CREATE INDEX IF NOT EXISTS idx_uploads_library ON uploads(library_id);
		CREATE INDEX IF NOT EXISTS idx_uploads_track ON uploads(track_id);
	`

	sqlCreateChannelsTable = `CREATE TABLE IF NOT EXISTS channels (
		id TEXT NOT NULL PRIMARY KEY,
		attributed_to TEXT NOT NULL,
		actor_fid TEXT DEFAULT '',
		artist_id TEXT DEFAULT '',
		library_id TEXT DEFAULT '',
		rss_url TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateChannelsIndices = `
		CREATE INDEX IF NOT EXISTS idx_channels_rss_url ON channels(rss_url);
		CREATE INDEX IF NOT EXISTS idx_channels_actor ON channels(actor_fid);
	`

	sqlCreateInstancePoliciesTable = `CREATE TABLE IF NOT EXISTS instance_policies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_domain TEXT DEFAULT '',
		target_actor_fid TEXT DEFAULT '',
		is_active INTEGER DEFAULT 1,
		summary TEXT DEFAULT '',
		block_all INTEGER DEFAULT 0,
		silence_activity INTEGER DEFAULT 0,
		silence_notifications INTEGER DEFAULT 0,
		reject_media INTEGER DEFAULT 0,
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateReportsTable = `CREATE TABLE IF NOT EXISTS reports (
		id TEXT NOT NULL PRIMARY KEY,
		fid TEXT DEFAULT '',
		actor_fid TEXT NOT NULL,
		target_kind TEXT DEFAULT '',
		target_id TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		creation_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
)

// RunMigrations creates all tables and indices.
func (db *DB) RunMigrations() error {
	tables := []string{
		sqlCreateDomainsTable,
		sqlCreateActorsTable,
		sqlCreateFollowsTable,
		sqlCreateActivitiesTable,
		sqlCreateInboxItemsTable,
		sqlCreateDeliveriesTable,
		sqlCreateFetchesTable,
		sqlCreateLibrariesTable,
		sqlCreateArtistsTable,
		sqlCreateAlbumsTable,
		sqlCreateTracksTable,
		sqlCreateUploadsTable,
		sqlCreateChannelsTable,
		sqlCreateInstancePoliciesTable,
		sqlCreateReportsTable,
	}
	indices := []string{
		sqlCreateActorsIndices,
		sqlCreateFollowsIndices,
		sqlCreateActivitiesIndices,
		sqlCreateInboxItemsIndices,
		sqlCreateDeliveriesIndices,
		sqlCreateFetchesIndices,
		sqlCreateTracksIndices,
		sqlCreateUploadsIndices,
		sqlCreateChannelsIndices,
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, stmt := range tables {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		for _, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
