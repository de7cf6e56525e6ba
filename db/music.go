package db

import (
	"database/sql"
	"errors"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
)

const (
	sqlUpsertLibrary = `INSERT INTO libraries
		(id, fid, actor_fid, name, description, privacy_level, followers_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fid) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			privacy_level = excluded.privacy_level,
			followers_url = excluded.followers_url`

	sqlLibraryColumns = `id, fid, actor_fid, name, description, privacy_level, followers_url, creation_date`

	sqlUpsertArtist = `INSERT INTO artists (id, fid, name, attributed_to, content_category)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			modification_date = CURRENT_TIMESTAMP`

	sqlUpsertAlbum = `INSERT INTO albums (id, fid, title, artist_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title`

	sqlUpsertTrack = `INSERT INTO tracks (id, fid, title, artist_id, album_id, position, disc_number, copyright)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			position = excluded.position,
			disc_number = excluded.disc_number,
			copyright = excluded.copyright`

	sqlTrackColumns = `id, fid, title, artist_id, album_id, position, disc_number, copyright, creation_date`

	sqlUpsertUpload = `INSERT INTO uploads
		(id, fid, library_id, track_id, source, size, duration, bitrate, mimetype,
		 import_status, import_details, import_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			size = excluded.size,
			duration = excluded.duration,
			bitrate = excluded.bitrate,
			mimetype = excluded.mimetype,
			import_status = excluded.import_status,
			import_details = excluded.import_details,
			import_date = CURRENT_TIMESTAMP`

	sqlUploadColumns = `id, fid, library_id, track_id, source, size, duration, bitrate,
		mimetype, import_status, import_details, creation_date, import_date`

	sqlUpsertChannel = `INSERT INTO channels
		(id, attributed_to, actor_fid, artist_id, library_id, rss_url, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rss_url = excluded.rss_url,
			metadata = excluded.metadata`

	sqlChannelColumns = `id, attributed_to, actor_fid, artist_id, library_id, rss_url, metadata, creation_date`
)

func (db *DB) UpsertLibrary(l domain.Library) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertLibrary,
			l.ID.String(), l.Fid, l.ActorFid, l.Name, l.Description,
			l.PrivacyLevel, l.FollowersURL)
		return err
	})
}

func (db *DB) ReadLibraryByFid(fid string) (domain.Library, error) {
	row := db.db.QueryRow(`SELECT `+sqlLibraryColumns+` FROM libraries WHERE fid = ?`, fid)
	return scanLibrary(row)
}

func (db *DB) ReadLibrary(id uuid.UUID) (domain.Library, error) {
	row := db.db.QueryRow(`SELECT `+sqlLibraryColumns+` FROM libraries WHERE id = ?`, id.String())
	return scanLibrary(row)
}

func (db *DB) DeleteLibraryByFid(fid string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM libraries WHERE fid = ?`, fid)
		return err
	})
}

func (db *DB) UpsertArtist(a domain.Artist) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertArtist,
			a.ID.String(), a.Fid, a.Name, a.AttributedTo, a.ContentCategory)
		return err
	})
}

func (db *DB) ReadArtist(id uuid.UUID) (domain.Artist, error) {
	var a domain.Artist
	var idStr string
	row := db.db.QueryRow(`SELECT id, fid, name, attributed_to, content_category,
		creation_date, modification_date FROM artists WHERE id = ?`, id.String())
	err := row.Scan(&idStr, &a.Fid, &a.Name, &a.AttributedTo, &a.ContentCategory,
		&a.CreationDate, &a.ModificationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ID, err = uuid.Parse(idStr)
	return a, err
}

func (db *DB) UpsertAlbum(a domain.Album) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertAlbum, a.ID.String(), a.Fid, a.Title, a.ArtistID.String())
		return err
	})
}

func (db *DB) ReadAlbum(id uuid.UUID) (domain.Album, error) {
	var a domain.Album
	var idStr, artistID string
	row := db.db.QueryRow(
		`SELECT id, fid, title, artist_id, creation_date FROM albums WHERE id = ?`, id.String())
	err := row.Scan(&idStr, &a.Fid, &a.Title, &artistID, &a.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if a.ID, err = uuid.Parse(idStr); err != nil {
		return a, err
	}
	a.ArtistID, err = uuid.Parse(artistID)
	return a, err
}

func (db *DB) UpsertTrack(t domain.Track) error {
	albumID := ""
	if t.AlbumID != uuid.Nil {
		albumID = t.AlbumID.String()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertTrack,
			t.ID.String(), t.Fid, t.Title, t.ArtistID.String(), albumID,
			t.Position, t.DiscNumber, t.Copyright)
		return err
	})
}

func (db *DB) ReadTrack(id uuid.UUID) (domain.Track, error) {
	row := db.db.QueryRow(`SELECT `+sqlTrackColumns+` FROM tracks WHERE id = ?`, id.String())
	return scanTrack(row)
}

func (db *DB) ReadTrackByFid(fid string) (domain.Track, error) {
	row := db.db.QueryRow(`SELECT `+sqlTrackColumns+` FROM tracks WHERE fid = ?`, fid)
	return scanTrack(row)
}

func (db *DB) UpsertUpload(u domain.Upload) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertUpload,
			u.ID.String(), u.Fid, u.LibraryID.String(), u.TrackID.String(),
			u.Source, u.Size, u.Duration, u.Bitrate, u.Mimetype,
			u.ImportStatus, u.ImportDetails)
		return err
	})
}

func (db *DB) ReadUpload(id uuid.UUID) (domain.Upload, error) {
	row := db.db.QueryRow(`SELECT `+sqlUploadColumns+` FROM uploads WHERE id = ?`, id.String())
	return scanUpload(row)
}

// ReadUploadsByTrack returns every upload carrying the track.
func (db *DB) ReadUploadsByTrack(trackID uuid.UUID) ([]domain.Upload, error) {
	rows, err := db.db.Query(
		`SELECT `+sqlUploadColumns+` FROM uploads WHERE track_id = ?`, trackID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *DB) ReadUploadByFid(fid string) (domain.Upload, error) {
	row := db.db.QueryRow(`SELECT `+sqlUploadColumns+` FROM uploads WHERE fid = ?`, fid)
	return scanUpload(row)
}

// ReadUploadForTrack returns the upload bound to the track in the given
// library, if any.
func (db *DB) ReadUploadForTrack(libraryID, trackID uuid.UUID) (domain.Upload, error) {
	row := db.db.QueryRow(
		`SELECT `+sqlUploadColumns+` FROM uploads WHERE library_id = ? AND track_id = ?`,
		libraryID.String(), trackID.String())
	return scanUpload(row)
}

func (db *DB) ReadUploadsByLibrary(libraryID uuid.UUID) ([]domain.Upload, error) {
	rows, err := db.db.Query(
		`SELECT `+sqlUploadColumns+` FROM uploads WHERE library_id = ? ORDER BY creation_date DESC`,
		libraryID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (db *DB) DeleteUpload(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM uploads WHERE id = ?`, id.String())
		return err
	})
}

func (db *DB) DeleteUploadByFid(fid string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM uploads WHERE fid = ?`, fid)
		return err
	})
}

func (db *DB) UpsertChannel(c domain.Channel) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertChannel,
			c.ID.String(), c.AttributedTo, c.ActorFid, c.ArtistID.String(),
			c.LibraryID.String(), c.RssURL, string(meta))
		return err
	})
}

func (db *DB) ReadChannel(id uuid.UUID) (domain.Channel, error) {
	row := db.db.QueryRow(`SELECT `+sqlChannelColumns+` FROM channels WHERE id = ?`, id.String())
	return scanChannel(row)
}

func (db *DB) ReadChannelByRssURL(url string) (domain.Channel, error) {
	row := db.db.QueryRow(`SELECT `+sqlChannelColumns+` FROM channels WHERE rss_url = ?`, url)
	return scanChannel(row)
}

func (db *DB) ReadChannelByActorFid(fid string) (domain.Channel, error) {
	row := db.db.QueryRow(`SELECT `+sqlChannelColumns+` FROM channels WHERE actor_fid = ?`, fid)
	return scanChannel(row)
}

// ReadExternalChannels returns all channels mirroring a remote RSS feed.
func (db *DB) ReadExternalChannels() ([]domain.Channel, error) {
	rows, err := db.db.Query(`SELECT ` + sqlChannelColumns + ` FROM channels WHERE rss_url != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReadStaleExternalChannels returns external channels whose actor has
// not been refreshed within the given number of minutes.
func (db *DB) ReadStaleExternalChannels(maxAgeMinutes int) ([]domain.Channel, error) {
	rows, err := db.db.Query(`SELECT c.id, c.attributed_to, c.actor_fid, c.artist_id,
			c.library_id, c.rss_url, c.metadata, c.creation_date
		FROM channels c
		JOIN actors a ON a.fid = c.actor_fid
		WHERE c.rss_url != '' AND a.last_fetch_date < datetime('now', ?)`,
		minutesModifier(maxAgeMinutes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChannel removes the channel together with its library and actor.
func (db *DB) DeleteChannel(c domain.Channel) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM libraries WHERE id = ?`, c.LibraryID.String()); err != nil {
			return err
		}
		if c.ActorFid != "" {
			if _, err := tx.Exec(`DELETE FROM actors WHERE fid = ?`, c.ActorFid); err != nil {
				return err
			}
			if _, err := tx.Exec(`DELETE FROM follows WHERE target_fid = ?`, c.ActorFid); err != nil {
				return err
			}
		}
		_, err := tx.Exec(`DELETE FROM channels WHERE id = ?`, c.ID.String())
		return err
	})
}

func scanLibrary(row rowScanner) (domain.Library, error) {
	var l domain.Library
	var id string
	err := row.Scan(&id, &l.Fid, &l.ActorFid, &l.Name, &l.Description,
		&l.PrivacyLevel, &l.FollowersURL, &l.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ID, err = uuid.Parse(id)
	return l, err
}

func scanTrack(row rowScanner) (domain.Track, error) {
	var t domain.Track
	var id, artistID, albumID string
	err := row.Scan(&id, &t.Fid, &t.Title, &artistID, &albumID,
		&t.Position, &t.DiscNumber, &t.Copyright, &t.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return t, err
	}
	if t.ArtistID, err = uuid.Parse(artistID); err != nil {
		return t, err
	}
	if albumID != "" {
		if t.AlbumID, err = uuid.Parse(albumID); err != nil {
			return t, err
		}
	}
	return t, nil
}

func scanUpload(row rowScanner) (domain.Upload, error) {
	var u domain.Upload
	var id, libraryID, trackID string
	var importDate sql.NullTime
	err := row.Scan(&id, &u.Fid, &libraryID, &trackID, &u.Source, &u.Size,
		&u.Duration, &u.Bitrate, &u.Mimetype, &u.ImportStatus, &u.ImportDetails,
		&u.CreationDate, &importDate)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.ImportDate = importDate.Time
	if u.ID, err = uuid.Parse(id); err != nil {
		return u, err
	}
	if u.LibraryID, err = uuid.Parse(libraryID); err != nil {
		return u, err
	}
	u.TrackID, err = uuid.Parse(trackID)
	return u, err
}

func scanChannel(row rowScanner) (domain.Channel, error) {
	var c domain.Channel
	var id, artistID, libraryID, meta string
	err := row.Scan(&id, &c.AttributedTo, &c.ActorFid, &artistID, &libraryID,
		&c.RssURL, &meta, &c.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return c, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return c, err
	}
	if artistID != "" {
		if c.ArtistID, err = uuid.Parse(artistID); err != nil {
			return c, err
		}
	}
	if libraryID != "" {
		if c.LibraryID, err = uuid.Parse(libraryID); err != nil {
			return c, err
		}
	}
	return c, nil
}
