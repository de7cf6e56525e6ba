package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lowfreq/tremolo/domain"
)

const (
	sqlInsertDelivery = `INSERT INTO deliveries (activity_id, inbox_url, next_retry_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`

	sqlDeliveryColumns = `id, activity_id, inbox_url, attempts, last_attempt_date,
		last_status_code, is_delivered, next_retry_at`

	sqlReadPendingDeliveries = `SELECT ` + sqlDeliveryColumns + ` FROM deliveries
		WHERE is_delivered = 0 AND next_retry_at <= CURRENT_TIMESTAMP
		ORDER BY next_retry_at LIMIT ?`

	sqlMarkDelivered = `UPDATE deliveries SET
		is_delivered = 1, attempts = attempts + 1,
		last_attempt_date = CURRENT_TIMESTAMP, last_status_code = ?
		WHERE id = ?`

	sqlMarkDeliveryFailed = `UPDATE deliveries SET
		attempts = attempts + 1, last_attempt_date = CURRENT_TIMESTAMP,
		last_status_code = ?, next_retry_at = datetime('now', ?)
		WHERE id = ?`

	sqlAbandonDelivery = `UPDATE deliveries SET
		attempts = attempts + 1, last_attempt_date = CURRENT_TIMESTAMP,
		last_status_code = ?, is_delivered = 1
		WHERE id = ?`

	sqlReadUndispatchedLocal = `SELECT ` + sqlActivityColumns + ` FROM activities a
		WHERE a.local = 1
			AND a.creation_date <= datetime('now', ?)
			AND NOT EXISTS (SELECT 1 FROM deliveries d WHERE d.activity_id = a.id)
			AND NOT EXISTS (SELECT 1 FROM inbox_items i WHERE i.activity_id = a.id)`

	sqlReadUndispatchedInbound = `SELECT ` + sqlActivityColumns + ` FROM activities
		WHERE local = 0 AND dispatched = 0
			AND creation_date <= datetime('now', ?)`
)

// CreateDeliveries enqueues one delivery row per inbox url.
func (db *DB) CreateDeliveries(activityID uuid.UUID, inboxURLs []string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		for _, u := range inboxURLs {
			if _, err := tx.Exec(sqlInsertDelivery, activityID.String(), u); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadPendingDeliveries returns deliveries due for an attempt.
func (db *DB) ReadPendingDeliveries(limit int) ([]domain.Delivery, error) {
	rows, err := db.db.Query(sqlReadPendingDeliveries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (db *DB) MarkDelivered(id int64, statusCode int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDelivered, statusCode, id)
		return err
	})
}

// MarkDeliveryFailed records a failed attempt and schedules the retry.
func (db *DB) MarkDeliveryFailed(id int64, statusCode int, retryIn time.Duration) error {
	modifier := fmt.Sprintf("+%d seconds", int(retryIn.Seconds()))
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlMarkDeliveryFailed, statusCode, modifier, id)
		return err
	})
}

// AbandonDelivery terminates a delivery without success, marking it
// delivered so the worker stops picking it up.
func (db *DB) AbandonDelivery(id int64, statusCode int) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAbandonDelivery, statusCode, id)
		return err
	})
}

// ReadUndispatchedLocalActivities returns local activities at least
// minAgeMinutes old that produced neither deliveries nor inbox items.
// The reconciler re-enqueues them.
func (db *DB) ReadUndispatchedLocalActivities(minAgeMinutes int) ([]domain.Activity, error) {
	return db.collectActivities(sqlReadUndispatchedLocal, minutesModifier(minAgeMinutes))
}

// ReadUndispatchedInboundActivities returns inbound activities at least
// minAgeMinutes old whose handler dispatch never finished. The
// reconciler re-dispatches them.
func (db *DB) ReadUndispatchedInboundActivities(minAgeMinutes int) ([]domain.Activity, error) {
	return db.collectActivities(sqlReadUndispatchedInbound, minutesModifier(minAgeMinutes))
}

func (db *DB) collectActivities(query string, args ...any) ([]domain.Activity, error) {
	rows, err := db.db.Query(query, args...)
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

func scanDelivery(row rowScanner) (domain.Delivery, error) {
	var d domain.Delivery
	var activityID string
	var lastAttempt sql.NullTime
	err := row.Scan(&d.ID, &activityID, &d.InboxURL, &d.Attempts, &lastAttempt,
		&d.LastStatusCode, &d.IsDelivered, &d.NextRetryAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.LastAttemptDate = lastAttempt.Time
	d.ActivityID, err = uuid.Parse(activityID)
	return d, err
}

func minutesModifier(minutes int) string {
	return fmt.Sprintf("-%d minutes", minutes)
}
