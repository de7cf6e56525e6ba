package db

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
)

const (
	sqlUpsertDomain = `INSERT INTO domains (name, allowed)
		VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`

	sqlReadDomain = `SELECT name, creation_date, nodeinfo_fetch_date, nodeinfo, allowed, service_actor_fid
		FROM domains WHERE name = ?`

	sqlReadAllDomains = `SELECT name, creation_date, nodeinfo_fetch_date, nodeinfo, allowed, service_actor_fid
		FROM domains ORDER BY name`

	sqlUpdateDomainNodeinfo = `UPDATE domains
		SET nodeinfo = ?, nodeinfo_fetch_date = CURRENT_TIMESTAMP, service_actor_fid = ?
		WHERE name = ?`

	sqlUpdateDomainAllowed = `UPDATE domains SET allowed = ? WHERE name = ?`

	sqlUpsertActor = `INSERT INTO actors
		(id, fid, domain, preferred_username, name, summary, type, inbox_url, outbox_url,
		 shared_inbox_url, followers_url, following_url, public_key_pem, private_key_pem,
		 manually_approves_followers, local, last_fetch_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(fid) DO UPDATE SET
			preferred_username = excluded.preferred_username,
			name = excluded.name,
			summary = excluded.summary,
			type = excluded.type,
			inbox_url = excluded.inbox_url,
			outbox_url = excluded.outbox_url,
			shared_inbox_url = excluded.shared_inbox_url,
			followers_url = excluded.followers_url,
			following_url = excluded.following_url,
			public_key_pem = excluded.public_key_pem,
			manually_approves_followers = excluded.manually_approves_followers,
			last_fetch_date = CURRENT_TIMESTAMP`

	sqlActorColumns = `id, fid, domain, preferred_username, name, summary, type,
		inbox_url, outbox_url, shared_inbox_url, followers_url, following_url,
		public_key_pem, private_key_pem, manually_approves_followers, local,
		last_fetch_date, creation_date`

	sqlDeleteActor = `DELETE FROM actors WHERE fid = ?`

	sqlUpdateActorKeys = `UPDATE actors SET public_key_pem = ?, private_key_pem = ? WHERE fid = ?`

	sqlUpsertFollow = `INSERT INTO follows (id, fid, actor_fid, target_fid, approved)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_fid, target_fid) DO UPDATE SET
			fid = excluded.fid,
			approved = excluded.approved`

	sqlUpdateFollowApproved = `UPDATE follows SET approved = ? WHERE id = ?`

	sqlDeleteFollow = `DELETE FROM follows WHERE id = ?`

	sqlFollowColumns = `id, fid, actor_fid, target_fid, approved, creation_date`
)

// EnsureDomain creates a Domain row for the given hostname if none exists.
// The allowed flag is only used on first creation.
func (db *DB) EnsureDomain(name string, allowed bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertDomain, name, allowed)
		return err
	})
}

func (db *DB) ReadDomain(name string) (domain.Domain, error) {
	row := db.db.QueryRow(sqlReadDomain, name)
	return scanDomain(row)
}

func (db *DB) ReadAllDomains() ([]domain.Domain, error) {
	rows, err := db.db.Query(sqlReadAllDomains)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *DB) UpdateDomainNodeinfo(name, nodeinfo, serviceActorFid string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDomainNodeinfo, nodeinfo, serviceActorFid, name)
		return err
	})
}

func (db *DB) UpdateDomainAllowed(name string, allowed bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDomainAllowed, allowed, name)
		return err
	})
}

// UpsertActor inserts the actor or refreshes its mutable fields, keyed by
// federation id. The private key is never overwritten on refresh.
func (db *DB) UpsertActor(a domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertActor,
			a.ID.String(), a.Fid, a.Domain, a.PreferredUsername, a.Name, a.Summary,
			a.Type, a.InboxURL, a.OutboxURL, a.SharedInboxURL, a.FollowersURL,
			a.FollowingURL, a.PublicKeyPem, a.PrivateKeyPem,
			a.ManuallyApprovesFollowers, a.Local)
		return err
	})
}

func (db *DB) ReadActorByFid(fid string) (domain.Actor, error) {
	row := db.db.QueryRow(`SELECT `+sqlActorColumns+` FROM actors WHERE fid = ?`, fid)
	return scanActor(row)
}

func (db *DB) ReadLocalActorByUsername(username string) (domain.Actor, error) {
	row := db.db.QueryRow(
		`SELECT `+sqlActorColumns+` FROM actors WHERE local = 1 AND preferred_username = ?`,
		username)
	return scanActor(row)
}

// ReadActorByFollowersURL resolves the owner of a followers collection.
func (db *DB) ReadActorByFollowersURL(url string) (domain.Actor, error) {
	row := db.db.QueryRow(`SELECT `+sqlActorColumns+` FROM actors WHERE followers_url = ?`, url)
	return scanActor(row)
}

func (db *DB) ReadActorsByDomain(name string) ([]domain.Actor, error) {
	rows, err := db.db.Query(`SELECT `+sqlActorColumns+` FROM actors WHERE domain = ?`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActors(rows)
}

// ReadLocalActorsByAudience resolves a set of addressing urls to the local
// actors they reach: actors addressed by fid directly, plus approved
// followers of local actors whose followers collection is addressed.
func (db *DB) ReadLocalActorsByAudience(urls []string) ([]domain.Actor, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	placeholders, args := inArgs(urls)

	seen := make(map[string]bool)
	var out []domain.Actor

	direct, err := db.db.Query(
		`SELECT `+sqlActorColumns+` FROM actors WHERE local = 1 AND fid IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	actors, err := collectActors(direct)
	direct.Close()
	if err != nil {
		return nil, err
	}
	for _, a := range actors {
		if !seen[a.Fid] {
			seen[a.Fid] = true
			out = append(out, a)
		}
	}

	// Local followers of any local actor whose followers url is addressed.
	followers, err := db.db.Query(`SELECT `+sqlActorColumns+` FROM actors
		WHERE local = 1 AND fid IN (
			SELECT f.actor_fid FROM follows f
			JOIN actors t ON t.fid = f.target_fid
			WHERE f.approved = 1 AND t.followers_url IN (`+placeholders+`)
		)`, args...)
	if err != nil {
		return nil, err
	}
	actors, err = collectActors(followers)
	followers.Close()
	if err != nil {
		return nil, err
	}
	for _, a := range actors {
		if !seen[a.Fid] {
			seen[a.Fid] = true
			out = append(out, a)
		}
	}
	return out, nil
}

// ReadApprovedFollowers returns the remote and local actors with an
// approved follow on the given target fid.
func (db *DB) ReadApprovedFollowers(targetFid string) ([]domain.Actor, error) {
	rows, err := db.db.Query(`SELECT `+sqlActorColumns+` FROM actors
		WHERE fid IN (SELECT actor_fid FROM follows WHERE target_fid = ? AND approved = 1)`,
		targetFid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActors(rows)
}

// ReadLocalActorCount counts the actors hosted on this instance.
func (db *DB) ReadLocalActorCount() (int, error) {
	var n int
	err := db.db.QueryRow(`SELECT COUNT(*) FROM actors WHERE local = 1`).Scan(&n)
	return n, err
}

// ReadApprovedFollowing returns the actors the given actor has an
// approved follow on.
func (db *DB) ReadApprovedFollowing(actorFid string) ([]domain.Actor, error) {
	rows, err := db.db.Query(`SELECT `+sqlActorColumns+` FROM actors
		WHERE fid IN (SELECT target_fid FROM follows WHERE actor_fid = ? AND approved = 1)`,
		actorFid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActors(rows)
}

// ReadFollowingCount counts the approved follows of the actor.
func (db *DB) ReadFollowingCount(actorFid string) (int, error) {
	var n int
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM follows WHERE actor_fid = ? AND approved = 1`,
		actorFid).Scan(&n)
	return n, err
}

// ReadFollowerCount counts approved follows on the target fid.
func (db *DB) ReadFollowerCount(targetFid string) (int, error) {
	var n int
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM follows WHERE target_fid = ? AND approved = 1`,
		targetFid).Scan(&n)
	return n, err
}

// ReadInstancesWithFollowers returns the distinct delivery inboxes of
// remote actors following any local actor, shared inboxes preferred.
func (db *DB) ReadInstancesWithFollowers() ([]string, error) {
	rows, err := db.db.Query(`SELECT DISTINCT
			CASE WHEN shared_inbox_url != '' THEN shared_inbox_url ELSE inbox_url END
		FROM actors
		WHERE local = 0 AND fid IN (
			SELECT actor_fid FROM follows
			WHERE approved = 1 AND target_fid IN (SELECT fid FROM actors WHERE local = 1)
		)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		out = append(out, inbox)
	}
	return out, rows.Err()
}

// UpdateActorKeys replaces both key halves, used for local key rotation.
func (db *DB) UpdateActorKeys(fid, publicPem, privatePem string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActorKeys, publicPem, privatePem, fid)
		return err
	})
}

func (db *DB) DeleteActor(fid string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActor, fid)
		return err
	})
}

// UpsertFollow records a follow edge keyed by (actor, target). Repeated
// follow requests refresh the fid and approval state in place.
func (db *DB) UpsertFollow(f domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollow,
			f.ID.String(), f.Fid, f.ActorFid, f.TargetFid, approvedValue(f.Approved))
		return err
	})
}

func (db *DB) ReadFollow(actorFid, targetFid string) (domain.Follow, error) {
	row := db.db.QueryRow(
		`SELECT `+sqlFollowColumns+` FROM follows WHERE actor_fid = ? AND target_fid = ?`,
		actorFid, targetFid)
	return scanFollow(row)
}

func (db *DB) ReadFollowByFid(fid string) (domain.Follow, error) {
	row := db.db.QueryRow(`SELECT `+sqlFollowColumns+` FROM follows WHERE fid = ?`, fid)
	return scanFollow(row)
}

func (db *DB) UpdateFollowApproved(id uuid.UUID, approved bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFollowApproved, approved, id.String())
		return err
	})
}

func (db *DB) DeleteFollow(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollow, id.String())
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDomain(row rowScanner) (domain.Domain, error) {
	var d domain.Domain
	var nodeinfoFetch sql.NullTime
	err := row.Scan(&d.Name, &d.CreationDate, &nodeinfoFetch, &d.Nodeinfo, &d.Allowed, &d.ServiceActorFid)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.NodeinfoFetchDate = nodeinfoFetch.Time
	return d, nil
}

func scanActor(row rowScanner) (domain.Actor, error) {
	var a domain.Actor
	var id string
	err := row.Scan(&id, &a.Fid, &a.Domain, &a.PreferredUsername, &a.Name, &a.Summary,
		&a.Type, &a.InboxURL, &a.OutboxURL, &a.SharedInboxURL, &a.FollowersURL,
		&a.FollowingURL, &a.PublicKeyPem, &a.PrivateKeyPem,
		&a.ManuallyApprovesFollowers, &a.Local, &a.LastFetchDate, &a.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ID, err = uuid.Parse(id)
	return a, err
}

func collectActors(rows *sql.Rows) ([]domain.Actor, error) {
	var out []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanFollow(row rowScanner) (domain.Follow, error) {
	var f domain.Follow
	var id string
	var approved sql.NullBool
	err := row.Scan(&id, &f.Fid, &f.ActorFid, &f.TargetFid, &approved, &f.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	if approved.Valid {
		v := approved.Bool
		f.Approved = &v
	}
	f.ID, err = uuid.Parse(id)
	return f, err
}

func approvedValue(approved *bool) any {
	if approved == nil {
		return nil
	}
	return *approved
}

func inArgs(values []string) (string, []any) {
	placeholders := ""
	args := make([]any, len(values))
	for i, v := range values {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = v
	}
	return placeholders, args
}
