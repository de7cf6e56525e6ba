package db

import (
	"database/sql"
	"errors"

	"github.com/lowfreq/tremolo/domain"
)

const (
	sqlInsertPolicy = `INSERT INTO instance_policies
		(target_domain, target_actor_fid, is_active, summary, block_all,
		 silence_activity, silence_notifications, reject_media)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlPolicyColumns = `id, target_domain, target_actor_fid, is_active, summary,
		block_all, silence_activity, silence_notifications, reject_media, creation_date`

	sqlUpdatePolicyActive = `UPDATE instance_policies SET is_active = ? WHERE id = ?`

	sqlInsertReport = `INSERT INTO reports (id, fid, actor_fid, target_kind, target_id, summary)
		VALUES (?, ?, ?, ?, ?, ?)`
)

// CreateInstancePolicy stores a moderation rule and returns its id.
func (db *DB) CreateInstancePolicy(p domain.InstancePolicy) (int64, error) {
	var id int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertPolicy,
			p.TargetDomain, p.TargetActorFid, p.IsActive, p.Summary,
			p.BlockAll, p.SilenceActivity, p.SilenceNotifications, p.RejectMedia)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ReadActivePolicies returns all active moderation rules.
func (db *DB) ReadActivePolicies() ([]domain.InstancePolicy, error) {
	rows, err := db.db.Query(`SELECT ` + sqlPolicyColumns + ` FROM instance_policies WHERE is_active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.InstancePolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(row rowScanner) (domain.InstancePolicy, error) {
	var p domain.InstancePolicy
	err := row.Scan(&p.ID, &p.TargetDomain, &p.TargetActorFid, &p.IsActive, &p.Summary,
		&p.BlockAll, &p.SilenceActivity, &p.SilenceNotifications, &p.RejectMedia, &p.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (db *DB) UpdatePolicyActive(id int64, active bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePolicyActive, active, id)
		return err
	})
}

func (db *DB) CreateReport(r domain.Report) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertReport,
			r.ID.String(), r.Fid, r.ActorFid, r.Target.Kind, r.Target.ID, r.Summary)
		return err
	})
}

// PurgeActor removes everything attributable to a remote actor: the
// actor row, its follows in both directions, its libraries with their
// uploads, its channels and its stored activities. Local actors are
// never purged.
func (db *DB) PurgeActor(fid string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return purgeActorTx(tx, fid)
	})
}

// PurgeDomain purges every known actor of the domain.
func (db *DB) PurgeDomain(name string) error {
	fids, err := db.readActorFidsByDomain(name)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, fid := range fids {
			if err := purgeActorTx(tx, fid); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) readActorFidsByDomain(name string) ([]string, error) {
	rows, err := db.db.Query(`SELECT fid FROM actors WHERE domain = ? AND local = 0`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fids []string
	for rows.Next() {
		var fid string
		if err := rows.Scan(&fid); err != nil {
			return nil, err
		}
		fids = append(fids, fid)
	}
	return fids, rows.Err()
}

func purgeActorTx(tx *sql.Tx, fid string) error {
	var local bool
	err := tx.QueryRow(`SELECT local FROM actors WHERE fid = ?`, fid).Scan(&local)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if local {
		return nil
	}
	// uploads cascade from libraries via ON DELETE CASCADE
	if _, err := tx.Exec(`DELETE FROM libraries WHERE actor_fid = ?`, fid); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM channels WHERE attributed_to = ? OR actor_fid = ?`, fid, fid); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM follows WHERE actor_fid = ? OR target_fid = ?`, fid, fid); err != nil {
		return err
	}
	// inbox items and deliveries cascade from activities
	if _, err := tx.Exec(`DELETE FROM activities WHERE actor_fid = ?`, fid); err != nil {
		return err
	}
	_, err = tx.Exec(`DELETE FROM actors WHERE fid = ?`, fid)
	return err
}
