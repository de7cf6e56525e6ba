package db

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
)

const (
	sqlInsertActivity = `INSERT INTO activities
		(id, fid, type, actor_fid, payload, object_kind, object_id,
		 target_kind, target_id, related_kind, related_id, local, dispatched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlActivityColumns = `id, fid, type, actor_fid, payload, object_kind, object_id,
		target_kind, target_id, related_kind, related_id, local, dispatched, creation_date`

	sqlUpdateActivityRefs = `UPDATE activities SET
		object_kind = ?, object_id = ?,
		target_kind = ?, target_id = ?,
		related_kind = ?, related_id = ?
		WHERE id = ?`

	sqlInsertInboxItem = `INSERT INTO inbox_items (activity_id, actor_fid, type)
		VALUES (?, ?, ?)`

	sqlMarkInboxItemsDelivered = `UPDATE inbox_items SET
		is_delivered = 1, last_delivery_date = CURRENT_TIMESTAMP
		WHERE activity_id = ? AND is_delivered = 0`

	sqlInsertFetch = `INSERT INTO fetches (url, actor_fid, status) VALUES (?, ?, ?)`

	sqlUpdateFetch = `UPDATE fetches SET
		status = ?, detail = ?, object_kind = ?, object_id = ?, fetch_date = CURRENT_TIMESTAMP
		WHERE id = ?`

	sqlReadRecentFetch = `SELECT id, url, actor_fid, status, detail, object_kind, object_id,
		creation_date, fetch_date
		FROM fetches
		WHERE url = ? AND actor_fid = ? AND status = 'finished'
			AND creation_date > datetime('now', ?)
		ORDER BY creation_date DESC LIMIT 1`
)

// CreateActivity persists an activity envelope. A fid collision returns
// ErrDuplicate so receipt paths can treat redelivery as a no-op.
func (db *DB) CreateActivity(a domain.Activity) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			a.ID.String(), a.Fid, a.Type, a.ActorFid, string(a.Payload),
			a.Object.Kind, a.Object.ID, a.Target.Kind, a.Target.ID,
			a.Related.Kind, a.Related.ID, a.Local, a.Dispatched)
		return err
	})
	if err != nil && isConstraintErr(err) {
		return ErrDuplicate
	}
	return err
}

// CreateActivityWithItems persists an activity together with its inbox
// items in one transaction.
func (db *DB) CreateActivityWithItems(a domain.Activity, items []domain.InboxItem) error {
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertActivity,
			a.ID.String(), a.Fid, a.Type, a.ActorFid, string(a.Payload),
			a.Object.Kind, a.Object.ID, a.Target.Kind, a.Target.ID,
			a.Related.Kind, a.Related.ID, a.Local, a.Dispatched); err != nil {
			return err
		}
		for _, item := range items {
			if _, err := tx.Exec(sqlInsertInboxItem,
				a.ID.String(), item.ActorFid, item.Type); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && isConstraintErr(err) {
		return ErrDuplicate
	}
	return err
}

func (db *DB) ReadActivityByFid(fid string) (domain.Activity, error) {
	row := db.db.QueryRow(`SELECT `+sqlActivityColumns+` FROM activities WHERE fid = ?`, fid)
	return scanActivity(row)
}

func (db *DB) ReadActivity(id uuid.UUID) (domain.Activity, error) {
	row := db.db.QueryRow(`SELECT `+sqlActivityColumns+` FROM activities WHERE id = ?`, id.String())
	return scanActivity(row)
}

// UpdateActivityRefs backfills the entity references a handler resolved.
func (db *DB) UpdateActivityRefs(id uuid.UUID, object, target, related domain.ObjectRef) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivityRefs,
			object.Kind, object.ID, target.Kind, target.ID,
			related.Kind, related.ID, id.String())
		return err
	})
}

// ReadOutboxPage returns up to limit local activities by an actor, newest
// first, skipping offset rows.
func (db *DB) ReadOutboxPage(actorFid string, limit, offset int) ([]domain.Activity, error) {
	rows, err := db.db.Query(`SELECT `+sqlActivityColumns+` FROM activities
		WHERE actor_fid = ? AND local = 1
		ORDER BY creation_date DESC LIMIT ? OFFSET ?`,
		actorFid, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) ReadOutboxCount(actorFid string) (int, error) {
	var n int
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM activities WHERE actor_fid = ? AND local = 1`,
		actorFid).Scan(&n)
	return n, err
}

// MarkActivityDispatched records that handler processing of the
// activity finished, terminally.
func (db *DB) MarkActivityDispatched(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE activities SET dispatched = 1 WHERE id = ?`, id.String())
		return err
	})
}

// ReadInboxPage returns up to limit activities addressed to the actor,
// newest first, skipping offset rows.
func (db *DB) ReadInboxPage(actorFid string, limit, offset int) ([]domain.Activity, error) {
	rows, err := db.db.Query(`SELECT a.id, a.fid, a.type, a.actor_fid, a.payload,
			a.object_kind, a.object_id, a.target_kind, a.target_id,
			a.related_kind, a.related_id, a.local, a.dispatched, a.creation_date
		FROM activities a
		JOIN inbox_items i ON i.activity_id = a.id
		WHERE i.actor_fid = ?
		ORDER BY a.creation_date DESC LIMIT ? OFFSET ?`,
		actorFid, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) ReadInboxCount(actorFid string) (int, error) {
	var n int
	err := db.db.QueryRow(
		`SELECT COUNT(*) FROM inbox_items WHERE actor_fid = ?`, actorFid).Scan(&n)
	return n, err
}

// MarkInboxItemsDelivered marks every undelivered inbox item of the
// activity as pushed to its recipient.
func (db *DB) MarkInboxItemsDelivered(activityID uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkInboxItemsDelivered, activityID.String())
		return err
	})
}

// ReadInboxItems returns the inbox items of an activity.
func (db *DB) ReadInboxItems(activityID uuid.UUID) ([]domain.InboxItem, error) {
	rows, err := db.db.Query(`SELECT id, activity_id, actor_fid, type, is_read, is_delivered, last_delivery_date
		FROM inbox_items WHERE activity_id = ?`, activityID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.InboxItem
	for rows.Next() {
		var item domain.InboxItem
		var aid string
		var delivered sql.NullTime
		if err := rows.Scan(&item.ID, &aid, &item.ActorFid, &item.Type,
			&item.IsRead, &item.IsDelivered, &delivered); err != nil {
			return nil, err
		}
		item.LastDeliveryDate = delivered.Time
		if item.ActivityID, err = uuid.Parse(aid); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CreateFetch records the start of an on-demand retrieval and returns the
// row id for the later status update.
func (db *DB) CreateFetch(url, actorFid string) (int64, error) {
	var id int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertFetch, url, actorFid, domain.FetchPending)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

func (db *DB) UpdateFetch(id int64, status, detail string, object domain.ObjectRef) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateFetch, status, detail, object.Kind, object.ID, id)
		return err
	})
}

// ReadRecentFetch returns the newest finished fetch of the url by the
// actor within the last windowMinutes, or ErrNotFound.
func (db *DB) ReadRecentFetch(url, actorFid string, windowMinutes int) (domain.Fetch, error) {
	var f domain.Fetch
	var fetchDate sql.NullTime
	row := db.db.QueryRow(sqlReadRecentFetch, url, actorFid, minutesModifier(windowMinutes))
	err := row.Scan(&f.ID, &f.URL, &f.ActorFid, &f.Status, &f.Detail,
		&f.Object.Kind, &f.Object.ID, &f.CreationDate, &fetchDate)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.FetchDate = fetchDate.Time
	return f, nil
}

func scanActivity(row rowScanner) (domain.Activity, error) {
	var a domain.Activity
	var id, payload string
	err := row.Scan(&id, &a.Fid, &a.Type, &a.ActorFid, &payload,
		&a.Object.Kind, &a.Object.ID, &a.Target.Kind, &a.Target.ID,
		&a.Related.Kind, &a.Related.ID, &a.Local, &a.Dispatched, &a.CreationDate)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Payload = []byte(payload)
	a.ID, err = uuid.Parse(id)
	return a, err
}
